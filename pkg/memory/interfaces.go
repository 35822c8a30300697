package memory

import "context"

// Store provides durable persistence for users, dialogs and long-term
// memory. All multi-step mutations are transactional: a failed call leaves
// no partial state behind.
type Store interface {
	Close() error

	EnsureUser(ctx context.Context, userID int64, language string) error
	GetUser(ctx context.Context, userID int64) (User, error)

	// ActiveDialog returns the current dialog with its messages in
	// chronological order. A user with no appended messages gets an empty
	// dialog, not an error.
	ActiveDialog(ctx context.Context, userID int64) (Dialog, error)

	// AppendMessage appends one immutable message and returns the updated
	// running token count.
	AppendMessage(ctx context.Context, msg Message) (tokenCount int, err error)

	// ResetDialog discards the active dialog without persistence and swaps
	// in a fresh empty one.
	ResetDialog(ctx context.Context, userID int64) error

	// ArchiveDialog persists the record with its chunks and resets the
	// active dialog in one transaction, so the caller never observes a
	// reset dialog without the record.
	ArchiveDialog(ctx context.Context, rec MemoryRecord, chunks []MemoryChunk) error

	ListRecords(ctx context.Context, userID int64, limit int) ([]MemoryRecord, error)

	// SearchMemory ranks the user's memory chunks against the query vector,
	// descending score, most recent first on ties.
	SearchMemory(ctx context.Context, userID int64, queryVec []float32, k int) ([]ScoredChunk, error)

	// WipeUser removes every record, chunk, message and the user row,
	// leaving the user equivalent to first contact.
	WipeUser(ctx context.Context, userID int64) error

	AddAudit(ctx context.Context, userID int64, action, detail string) error
	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error

	// SweepRetention prunes metric and audit rows past their retention.
	SweepRetention(ctx context.Context, nowMS, metricRetentionMS, auditRetentionMS int64) error

	Stats(ctx context.Context) (StoreStats, error)
}

// StoreStats summarizes store contents for the CLI.
type StoreStats struct {
	Users         int
	ActiveDialogs int
	Messages      int
	Records       int
	Chunks        int
}
