package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dotsetgreg/recall/pkg/chunker"
	"github.com/dotsetgreg/recall/pkg/embedding"
)

func TestArchiver_ArchiveEmptyDialogFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	arch := NewArchiver(store, chunker.Options{})

	_, err := arch.Archive(ctx, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("archiving an empty dialog must fail with ErrNotFound, got %v", err)
	}
}

func TestArchiver_ArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	window := NewContextWindow(store, 15000)
	arch := NewArchiver(store, chunker.Options{})

	lines := []string{
		"My name is Ada and I work on compilers",
		"I prefer dark roast coffee",
		"Need to file the report before Friday",
		"Tell me about garbage collection",
	}
	for _, line := range lines {
		if _, err := window.Append(ctx, Message{UserID: 1, Role: RoleUser, Content: line}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := window.Append(ctx, Message{UserID: 1, Role: RoleAssistant, Content: "Understood."}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec, err := arch.Archive(ctx, 1)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if rec.ID == "" || rec.UserID != 1 {
		t.Fatalf("bad record: %#v", rec)
	}
	for _, want := range []string{"Ada", "dark roast", "report"} {
		if !strings.Contains(rec.Summary, want) {
			t.Fatalf("summary missing %q:\n%s", want, rec.Summary)
		}
	}

	// The context window resets as part of the same archive.
	dialog, err := window.Snapshot(ctx, 1)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !dialog.Empty() {
		t.Fatal("archive must reset the active dialog")
	}

	// The record is searchable.
	got, err := store.SearchMemory(ctx, 1, embedding.Embed("dark roast coffee preference"), 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("archived dialog produced no searchable chunks")
	}
	if got[0].Chunk.RecordID != rec.ID {
		t.Fatalf("chunk points at record %s, want %s", got[0].Chunk.RecordID, rec.ID)
	}
}

func TestExtractKeyMoments_IsBoundedAndLossy(t *testing.T) {
	d := Dialog{UserID: 1, TokenCount: 10}
	now := time.Now()
	for i := 0; i < 200; i++ {
		d.Messages = append(d.Messages, Message{
			UserID:    1,
			Role:      RoleUser,
			Content:   strings.Repeat("a very long topic sentence about something ", 10),
			CreatedAt: now,
		})
	}

	summary := ExtractKeyMoments(d, 500)
	if got := len([]rune(summary)); got > 500 {
		t.Fatalf("summary exceeds bound: %d runes", got)
	}
	if summary == "" {
		t.Fatal("summary must not be empty for a non-empty dialog")
	}
}

func TestExtractKeyMoments_SkipsAssistantMessages(t *testing.T) {
	d := Dialog{Messages: []Message{
		{Role: RoleAssistant, Content: "I prefer to answer in haiku", CreatedAt: time.Now()},
		{Role: RoleUser, Content: "my name is Grace", CreatedAt: time.Now()},
	}}
	summary := ExtractKeyMoments(d, 0)
	if strings.Contains(summary, "haiku") {
		t.Fatalf("assistant content leaked into summary:\n%s", summary)
	}
	if !strings.Contains(summary, "Grace") {
		t.Fatalf("user fact missing from summary:\n%s", summary)
	}
}
