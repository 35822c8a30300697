// Package service wires the memory and knowledge subsystems behind the
// command surface the chat layer consumes: dialog append, save, reset,
// full wipe, knowledge ingestion and clearing, and the conversation memory
// search tool. Destructive commands pass the confirmation gate; mutations
// for one user are serialized on a per-user lock.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/recall/pkg/chunker"
	"github.com/dotsetgreg/recall/pkg/config"
	"github.com/dotsetgreg/recall/pkg/embedding"
	"github.com/dotsetgreg/recall/pkg/knowledge"
	"github.com/dotsetgreg/recall/pkg/logger"
	"github.com/dotsetgreg/recall/pkg/memory"
	"github.com/dotsetgreg/recall/pkg/parser"
	"github.com/dotsetgreg/recall/pkg/retrieval"
)

// ErrNotPermitted rejects knowledge base mutations from non-admin callers.
var ErrNotPermitted = fmt.Errorf("caller is not permitted to modify the knowledge base")

type Service struct {
	cfg *config.Config

	store memory.Store
	kb    knowledge.Store

	window   *memory.ContextWindow
	archiver *memory.Archiver
	gate     *memory.Gate
	engine   *retrieval.Engine
	ingestor *knowledge.Ingestor

	mu    sync.Mutex
	users map[int64]*sync.Mutex

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	workspace := cfg.WorkspacePath()

	embedding.SetEmbedderByName(cfg.Ingest.EmbeddingModel)

	store, err := memory.NewSQLiteStore(filepath.Join(workspace, "state", "memory.db"))
	if err != nil {
		return nil, err
	}
	kb, err := knowledge.NewSQLiteStore(filepath.Join(workspace, "state", "knowledge.db"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	chunkOpts := chunker.Options{
		MaxRunes:     cfg.Ingest.ChunkSize,
		OverlapRunes: cfg.Ingest.ChunkOverlap,
	}

	svc := &Service{
		cfg:      cfg,
		store:    store,
		kb:       kb,
		window:   memory.NewContextWindow(store, cfg.Dialog.TokenBudget),
		archiver: memory.NewArchiver(store, chunkOpts),
		gate:     memory.NewGate(time.Duration(cfg.Confirm.TTLSeconds) * time.Second),
		engine: retrieval.NewEngine(kb, store, retrieval.Options{
			MaxSnippets:    cfg.Retrieval.MaxSnippets,
			CandidateLimit: cfg.Retrieval.CandidateLimit,
			MinScore:       cfg.Retrieval.MinScore,
			Timeout:        time.Duration(cfg.Retrieval.TimeoutMS) * time.Millisecond,
			TokenBudget:    cfg.Retrieval.TokenBudget,
		}),
		ingestor: knowledge.NewIngestor(parser.NewRegistry(), kb, knowledge.IngestOptions{
			ChunkSize:    cfg.Ingest.ChunkSize,
			ChunkOverlap: cfg.Ingest.ChunkOverlap,
			Workers:      cfg.Ingest.EmbedWorkers,
			Retries:      cfg.Ingest.EmbedRetries,
			Backoff:      time.Duration(cfg.Ingest.RetryBackoffMS) * time.Millisecond,
			MaxFileBytes: cfg.Ingest.MaxFileBytes,
		}),
		users:  map[int64]*sync.Mutex{},
		stopCh: make(chan struct{}),
	}

	if cfg.Maintenance.Cron != "" {
		svc.wg.Add(1)
		go svc.runJanitor(cfg.Maintenance.Cron)
	}

	logger.InfoCF("service", "Memory service started", map[string]interface{}{
		"workspace":    workspace,
		"token_budget": cfg.Dialog.TokenBudget,
	})
	return svc, nil
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.closeErr = s.store.Close()
		if err := s.kb.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// userLock serializes mutations for one user.
func (s *Service) userLock(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.users[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.users[userID] = mu
	}
	return mu
}

// EnsureUser registers the user with an optional language preference.
func (s *Service) EnsureUser(ctx context.Context, userID int64, language string) error {
	return s.store.EnsureUser(ctx, userID, language)
}

// AppendMessage appends one message to the user's active dialog and
// returns the advisory token budget status.
func (s *Service) AppendMessage(ctx context.Context, userID int64, role, content string, tokens int) (memory.TokenBudgetStatus, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.EnsureUser(ctx, userID, ""); err != nil {
		return memory.TokenBudgetStatus{}, err
	}
	status, err := s.window.Append(ctx, memory.Message{
		UserID:  userID,
		Role:    role,
		Content: content,
		Tokens:  tokens,
	})
	if err != nil {
		return memory.TokenBudgetStatus{}, err
	}
	if status.OverBudget {
		logger.WarnCF("service", "Dialog exceeds token budget", map[string]interface{}{
			"user_id": userID,
			"tokens":  status.TokenCount,
			"budget":  status.Budget,
		})
	}
	return status, nil
}

// Snapshot returns the user's active dialog.
func (s *Service) Snapshot(ctx context.Context, userID int64) (memory.Dialog, error) {
	return s.window.Snapshot(ctx, userID)
}

// ListRecords lists the user's archived memory records, newest first.
func (s *Service) ListRecords(ctx context.Context, userID int64, limit int) ([]memory.MemoryRecord, error) {
	return s.store.ListRecords(ctx, userID, limit)
}

// Request puts a destructive action into PendingConfirmation for the user.
func (s *Service) Request(userID int64, action memory.Action) {
	s.gate.Request(userID, action)
}

// Pending reports the user's live pending action, if any.
func (s *Service) Pending(userID int64) (memory.Action, bool) {
	return s.gate.Pending(userID)
}

// Cancel drops the user's pending confirmation without side effects.
func (s *Service) Cancel(userID int64) {
	s.gate.Cancel(userID)
}

// ConfirmNewDialog discards the active dialog without saving.
func (s *Service) ConfirmNewDialog(ctx context.Context, userID int64) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	return s.gate.Confirm(userID, memory.ActionNewDialog, func() error {
		if err := s.window.Reset(ctx, userID); err != nil {
			return err
		}
		_ = s.store.AddAudit(ctx, userID, string(memory.ActionNewDialog), "dialog reset without save")
		return nil
	})
}

// ConfirmSaveDialog archives the active dialog into long-term memory and
// resets the context window as one atomic unit.
func (s *Service) ConfirmSaveDialog(ctx context.Context, userID int64) (memory.MemoryRecord, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	var rec memory.MemoryRecord
	err := s.gate.Confirm(userID, memory.ActionSaveDialog, func() error {
		var err error
		rec, err = s.archiver.Archive(ctx, userID)
		if err != nil {
			return err
		}
		_ = s.store.AddAudit(ctx, userID, string(memory.ActionSaveDialog), "dialog archived: "+rec.ID)
		return nil
	})
	return rec, err
}

// ConfirmWipe removes every trace of the user: records, chunks, dialog and
// the user row itself.
func (s *Service) ConfirmWipe(ctx context.Context, userID int64) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	return s.gate.Confirm(userID, memory.ActionWipeAll, func() error {
		if err := s.store.WipeUser(ctx, userID); err != nil {
			return err
		}
		_ = s.store.AddAudit(ctx, userID, string(memory.ActionWipeAll), "user memory wiped")
		logger.InfoCF("service", "User memory wiped", map[string]interface{}{"user_id": userID})
		return nil
	})
}

// ConfirmKnowledgeClear wipes the global knowledge base. Admin only.
func (s *Service) ConfirmKnowledgeClear(ctx context.Context, userID int64) (int, error) {
	if !s.cfg.IsAdmin(userID) {
		return 0, ErrNotPermitted
	}
	var removed int
	err := s.gate.Confirm(userID, memory.ActionKnowledgeClear, func() error {
		var err error
		removed, err = s.kb.Clear(ctx)
		if err != nil {
			return err
		}
		_ = s.store.AddAudit(ctx, userID, string(memory.ActionKnowledgeClear),
			fmt.Sprintf("knowledge base cleared, %d chunks removed", removed))
		return nil
	})
	return removed, err
}

// ConfirmWalletKeyDelete runs the caller-supplied deletion once the gate
// passes. Key storage itself lives with the wallet integration, outside
// this subsystem.
func (s *Service) ConfirmWalletKeyDelete(ctx context.Context, userID int64, deleteKey func() error) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	return s.gate.Confirm(userID, memory.ActionWalletKeyDelete, func() error {
		if err := deleteKey(); err != nil {
			return err
		}
		_ = s.store.AddAudit(ctx, userID, string(memory.ActionWalletKeyDelete), "wallet key deleted")
		return nil
	})
}

// Ingest parses and indexes one uploaded file into the global knowledge
// base. Admin only; one file per call.
func (s *Service) Ingest(ctx context.Context, userID int64, filename, declaredFormat string, data []byte) (knowledge.Document, error) {
	if !s.cfg.IsAdmin(userID) {
		return knowledge.Document{}, ErrNotPermitted
	}
	doc, err := s.ingestor.Ingest(ctx, filename, declaredFormat, data)
	if err != nil {
		return knowledge.Document{}, err
	}
	_ = s.store.AddMetric(ctx, "knowledge.ingest.chunks", float64(doc.ChunkCount), map[string]string{
		"format": doc.Format,
	})
	return doc, nil
}

// Retrieve runs a scoped query and returns the assembled context payload.
func (s *Service) Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Result, error) {
	return s.engine.Retrieve(ctx, q)
}

// SearchConversationMemory is the tool surface exposed to the agent: it
// searches prior conversations and, when filename is set, narrows the
// knowledge side to that document.
func (s *Service) SearchConversationMemory(ctx context.Context, userID int64, query, filename string) (retrieval.Result, error) {
	scope := retrieval.ScopeMemory
	if filename != "" {
		scope = retrieval.ScopeBoth
	}
	return s.engine.Retrieve(ctx, retrieval.Query{
		Text:         query,
		UserID:       userID,
		Scope:        scope,
		DocumentName: filename,
	})
}

// ListDocuments lists the ingested knowledge documents.
func (s *Service) ListDocuments(ctx context.Context) ([]knowledge.Document, error) {
	return s.kb.ListDocuments(ctx)
}

// Stats aggregates counts from both stores.
func (s *Service) Stats(ctx context.Context) (memory.StoreStats, int, int, error) {
	ms, err := s.store.Stats(ctx)
	if err != nil {
		return memory.StoreStats{}, 0, 0, err
	}
	docs, chunks, err := s.kb.Stats(ctx)
	if err != nil {
		return memory.StoreStats{}, 0, 0, err
	}
	return ms, docs, chunks, nil
}

// runJanitor periodically expires stale confirmations and prunes aged
// metric/audit rows, on the configured cron schedule.
func (s *Service) runJanitor(cronExpr string) {
	defer s.wg.Done()

	for {
		next, err := gronx.NextTick(cronExpr, false)
		if err != nil {
			logger.ErrorCF("service", "Janitor schedule error", map[string]interface{}{"error": err.Error()})
			return
		}
		select {
		case <-s.stopCh:
			return
		case <-time.After(time.Until(next)):
		}

		expired := s.gate.SweepExpired()
		if expired > 0 {
			logger.DebugCF("service", "Expired stale confirmations", map[string]interface{}{"count": expired})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		now := time.Now().UnixMilli()
		const dayMS = int64(24 * time.Hour / time.Millisecond)
		err = s.store.SweepRetention(ctx, now,
			int64(s.cfg.Maintenance.MetricRetentionDays)*dayMS,
			int64(s.cfg.Maintenance.AuditRetentionDays)*dayMS)
		cancel()
		if err != nil {
			logger.WarnCF("service", "Retention sweep failed", map[string]interface{}{"error": err.Error()})
		}
	}
}
