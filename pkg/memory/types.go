package memory

import "time"

// Message roles accepted by the context window.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// User is the identity row for one bot user.
type User struct {
	ID          int64
	Language    string
	CreatedAtMS int64
}

// Message is one immutable entry of the active dialog.
type Message struct {
	ID        string
	UserID    int64
	Seq       int
	Role      string
	Content   string
	Tokens    int
	CreatedAt time.Time
}

// Dialog is the active, unsaved conversation for one user. Exactly one
// exists per user at a time; TokenCount always equals the sum of the
// message token costs.
type Dialog struct {
	UserID      int64
	StartedAtMS int64
	UpdatedAtMS int64
	TokenCount  int
	Messages    []Message
}

// Empty reports whether the dialog has no appended messages.
func (d Dialog) Empty() bool { return len(d.Messages) == 0 }

// MemoryRecord is a durable summarized excerpt of a closed dialog. Created
// only by the archiver, never mutated, removed only by a full wipe.
type MemoryRecord struct {
	ID           string
	UserID       int64
	Summary      string
	SourceDialog string
	CreatedAtMS  int64
}

// MemoryChunk is a retrieval unit derived from a MemoryRecord. The record
// reference is provenance only; deleting the record cascades to its chunks.
type MemoryChunk struct {
	ID          string
	RecordID    string
	UserID      int64
	Seq         int
	Content     string
	Vector      []float32
	CreatedAtMS int64
}

// ScoredChunk is a memory chunk ranked against a query vector.
type ScoredChunk struct {
	Chunk MemoryChunk
	Score float64
}

// TokenBudgetStatus is returned by every append. OverBudget is advisory:
// the append has already succeeded and further appends are never blocked.
type TokenBudgetStatus struct {
	TokenCount int
	Budget     int
	OverBudget bool
}

// AuditEntry records one applied destructive action.
type AuditEntry struct {
	ID          int64
	UserID      int64
	Action      string
	Detail      string
	CreatedAtMS int64
}
