package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dotsetgreg/recall/pkg/embedding"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "memory.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_AppendAndSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.EnsureUser(ctx, 1, "en"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	total, err := store.AppendMessage(ctx, Message{UserID: 1, Role: RoleUser, Content: "hello", Tokens: 5})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected token count 5, got %d", total)
	}
	total, err = store.AppendMessage(ctx, Message{UserID: 1, Role: RoleAssistant, Content: "hi there", Tokens: 7})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if total != 12 {
		t.Fatalf("expected running token count 12, got %d", total)
	}

	dialog, err := store.ActiveDialog(ctx, 1)
	if err != nil {
		t.Fatalf("active dialog: %v", err)
	}
	if len(dialog.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(dialog.Messages))
	}
	if dialog.Messages[0].Content != "hello" || dialog.Messages[1].Content != "hi there" {
		t.Fatalf("messages out of order: %#v", dialog.Messages)
	}
	if dialog.Messages[0].Seq != 0 || dialog.Messages[1].Seq != 1 {
		t.Fatalf("unexpected seqs: %d, %d", dialog.Messages[0].Seq, dialog.Messages[1].Seq)
	}

	sum := 0
	for _, m := range dialog.Messages {
		sum += m.Tokens
	}
	if dialog.TokenCount != sum {
		t.Fatalf("dialog token count %d does not equal message sum %d", dialog.TokenCount, sum)
	}
}

func TestSQLiteStore_EmptyDialogIsNotAnError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dialog, err := store.ActiveDialog(ctx, 42)
	if err != nil {
		t.Fatalf("active dialog: %v", err)
	}
	if !dialog.Empty() {
		t.Fatalf("expected empty dialog, got %d messages", len(dialog.Messages))
	}
}

func TestSQLiteStore_ArchiveDialogIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.AppendMessage(ctx, Message{UserID: 1, Role: RoleUser, Content: "my name is Ada", Tokens: 6}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Empty summary must fail before any write and leave the dialog intact.
	err := store.ArchiveDialog(ctx, MemoryRecord{UserID: 1, Summary: "  "}, nil)
	if err == nil {
		t.Fatal("expected archive with empty summary to fail")
	}
	dialog, err := store.ActiveDialog(ctx, 1)
	if err != nil {
		t.Fatalf("active dialog: %v", err)
	}
	if dialog.Empty() {
		t.Fatal("failed archive must not reset the dialog")
	}

	rec := MemoryRecord{ID: "rec-1", UserID: 1, Summary: "User detail: my name is Ada"}
	chunks := []MemoryChunk{
		{ID: "ch-1", RecordID: "rec-1", UserID: 1, Seq: 0, Content: rec.Summary, Vector: embedding.Embed(rec.Summary)},
	}
	if err := store.ArchiveDialog(ctx, rec, chunks); err != nil {
		t.Fatalf("archive: %v", err)
	}

	dialog, err = store.ActiveDialog(ctx, 1)
	if err != nil {
		t.Fatalf("active dialog: %v", err)
	}
	if !dialog.Empty() {
		t.Fatal("archive must reset the active dialog")
	}

	records, err := store.ListRecords(ctx, 1, 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].ID != "rec-1" {
		t.Fatalf("expected the archived record, got %#v", records)
	}
}

func TestSQLiteStore_SearchMemoryRanksByScoreThenRecency(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	vec := embedding.Embed("coffee preference dark roast")
	other := embedding.Embed("unrelated quarterly budget numbers")

	rec := MemoryRecord{ID: "rec-1", UserID: 7, Summary: "s"}
	chunks := []MemoryChunk{
		{ID: "old", RecordID: "rec-1", UserID: 7, Seq: 0, Content: "coffee preference dark roast", Vector: vec, CreatedAtMS: 1000},
		{ID: "new", RecordID: "rec-1", UserID: 7, Seq: 1, Content: "coffee preference dark roast", Vector: vec, CreatedAtMS: 2000},
		{ID: "far", RecordID: "rec-1", UserID: 7, Seq: 2, Content: "unrelated quarterly budget numbers", Vector: other, CreatedAtMS: 3000},
	}
	if _, err := store.AppendMessage(ctx, Message{UserID: 7, Role: RoleUser, Content: "x", Tokens: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.ArchiveDialog(ctx, rec, chunks); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, err := store.SearchMemory(ctx, 7, embedding.Embed("coffee preference dark roast"), 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	// Identical vectors tie on score; the newer chunk wins.
	if got[0].Chunk.ID != "new" || got[1].Chunk.ID != "old" {
		t.Fatalf("expected recency tiebreak new before old, got %s, %s", got[0].Chunk.ID, got[1].Chunk.ID)
	}
	if got[2].Chunk.ID != "far" {
		t.Fatalf("expected the dissimilar chunk last, got %s", got[2].Chunk.ID)
	}
	if got[0].Score < got[2].Score {
		t.Fatalf("scores not descending: %v then %v", got[0].Score, got[2].Score)
	}
}

func TestSQLiteStore_SearchMemoryIsScopedToUser(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	vec := embedding.Embed("shared secret")
	for _, userID := range []int64{1, 2} {
		if _, err := store.AppendMessage(ctx, Message{UserID: userID, Role: RoleUser, Content: "x", Tokens: 1}); err != nil {
			t.Fatalf("append: %v", err)
		}
		rec := MemoryRecord{UserID: userID, Summary: "s"}
		err := store.ArchiveDialog(ctx, rec, []MemoryChunk{
			{UserID: userID, Seq: 0, Content: "shared secret", Vector: vec},
		})
		if err != nil {
			t.Fatalf("archive user %d: %v", userID, err)
		}
	}

	got, err := store.SearchMemory(ctx, 1, vec, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, sc := range got {
		if sc.Chunk.UserID != 1 {
			t.Fatalf("leaked chunk from user %d", sc.Chunk.UserID)
		}
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly the user's own chunk, got %d", len(got))
	}
}

func TestSQLiteStore_WipeUserLeavesOthersIntact(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, userID := range []int64{1, 2} {
		if err := store.EnsureUser(ctx, userID, ""); err != nil {
			t.Fatalf("ensure user: %v", err)
		}
		if _, err := store.AppendMessage(ctx, Message{UserID: userID, Role: RoleUser, Content: "x", Tokens: 1}); err != nil {
			t.Fatalf("append: %v", err)
		}
		err := store.ArchiveDialog(ctx, MemoryRecord{UserID: userID, Summary: "s"}, []MemoryChunk{
			{UserID: userID, Seq: 0, Content: "s", Vector: embedding.Embed("s")},
		})
		if err != nil {
			t.Fatalf("archive: %v", err)
		}
	}

	if err := store.WipeUser(ctx, 1); err != nil {
		t.Fatalf("wipe: %v", err)
	}

	if _, err := store.GetUser(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wiped user, got %v", err)
	}
	records, err := store.ListRecords(ctx, 1, 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("wiped user still has %d records", len(records))
	}

	// The other user keeps everything.
	if _, err := store.GetUser(ctx, 2); err != nil {
		t.Fatalf("user 2 should survive: %v", err)
	}
	records, err = store.ListRecords(ctx, 2, 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("user 2 lost records: got %d", len(records))
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Users != 1 || stats.Records != 1 || stats.Chunks != 1 {
		t.Fatalf("unexpected stats after wipe: %#v", stats)
	}
}

func TestSQLiteStore_SweepRetention(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.AddMetric(ctx, "m", 1, nil); err != nil {
		t.Fatalf("add metric: %v", err)
	}
	if err := store.AddAudit(ctx, 1, "delete-all", "test"); err != nil {
		t.Fatalf("add audit: %v", err)
	}

	// A sweep far in the future drops both rows.
	future := nowMS() + 1_000_000
	if err := store.SweepRetention(ctx, future, 1, 1); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var metrics, audits int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM metrics`).Scan(&metrics); err != nil {
		t.Fatalf("count metrics: %v", err)
	}
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&audits); err != nil {
		t.Fatalf("count audit: %v", err)
	}
	if metrics != 0 || audits != 0 {
		t.Fatalf("sweep left %d metrics, %d audits", metrics, audits)
	}
}

func TestSQLiteStore_LanguagePreferenceSticks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.EnsureUser(ctx, 9, "ru"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	// Re-ensuring without a language must not erase the stored one.
	if err := store.EnsureUser(ctx, 9, ""); err != nil {
		t.Fatalf("ensure user again: %v", err)
	}
	u, err := store.GetUser(ctx, 9)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Language != "ru" {
		t.Fatalf("expected language ru, got %q", u.Language)
	}
}
