package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dotsetgreg/recall/pkg/embedding"
	"github.com/dotsetgreg/recall/pkg/parser"
)

func newTestIngestor(t *testing.T, opts IngestOptions) (*Ingestor, *SQLiteStore) {
	t.Helper()
	store := newTestKB(t)
	return NewIngestor(parser.NewRegistry(), store, opts), store
}

func TestIngestor_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ing, store := newTestIngestor(t, IngestOptions{ChunkSize: 200, ChunkOverlap: 40})

	var sb strings.Builder
	for i := 0; i < 30; i++ {
		sb.WriteString("The onboarding checklist includes a laptop, badge and accounts. ")
	}

	doc, err := ing.Ingest(ctx, "onboarding.txt", "", []byte(sb.String()))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if doc.Format != "txt" || doc.ChunkCount < 2 {
		t.Fatalf("unexpected document: %#v", doc)
	}

	got, err := store.Search(ctx, embedding.Embed("onboarding checklist laptop"), 3, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("ingested document is not searchable")
	}
	if got[0].DocumentName != "onboarding.txt" {
		t.Fatalf("provenance lost: %q", got[0].DocumentName)
	}
}

func TestIngestor_UnsupportedFormatLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	ing, store := newTestIngestor(t, IngestOptions{})

	_, err := ing.Ingest(ctx, "malware.exe", "", []byte("payload"))
	if !errors.Is(err, parser.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}

	docs, _, statErr := store.Stats(ctx)
	if statErr != nil {
		t.Fatalf("stats: %v", statErr)
	}
	if docs != 0 {
		t.Fatalf("rejected upload left %d documents behind", docs)
	}
}

func TestIngestor_OversizedFileRejected(t *testing.T) {
	ctx := context.Background()
	ing, _ := newTestIngestor(t, IngestOptions{MaxFileBytes: 64})

	_, err := ing.Ingest(ctx, "big.txt", "", []byte(strings.Repeat("a", 100)))
	if !errors.Is(err, parser.ErrParse) {
		t.Fatalf("expected size rejection, got %v", err)
	}
}

// failingEmbedder fails every call after the first n successes.
type failingEmbedder struct {
	successes int32
	calls     int32
}

func (e *failingEmbedder) ModelID() string { return "failing-test" }

func (e *failingEmbedder) Embed(text string) ([]float32, error) {
	n := atomic.AddInt32(&e.calls, 1)
	if n <= e.successes {
		return embedding.Embed(text), nil
	}
	return nil, fmt.Errorf("backend unavailable")
}

func TestIngestor_EmbeddingFailureAbortsWholeIngestion(t *testing.T) {
	ctx := context.Background()
	ing, store := newTestIngestor(t, IngestOptions{
		ChunkSize:    120,
		ChunkOverlap: 20,
		Workers:      2,
		Retries:      2,
		Backoff:      time.Millisecond,
	})
	ing.SetEmbedder(&failingEmbedder{successes: 2})

	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("Sentence used for generating several chunks in this test. ")
	}

	_, err := ing.Ingest(ctx, "doomed.txt", "", []byte(sb.String()))
	if !errors.Is(err, ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}

	// Partial progress must not leak: zero documents, zero chunks.
	docs, chunks, statErr := store.Stats(ctx)
	if statErr != nil {
		t.Fatalf("stats: %v", statErr)
	}
	if docs != 0 || chunks != 0 {
		t.Fatalf("failed ingestion left %d docs, %d chunks", docs, chunks)
	}
}

// flakyEmbedder fails the first failures calls per chunk text, then succeeds.
type flakyEmbedder struct {
	failures int32
	calls    int32
}

func (e *flakyEmbedder) ModelID() string { return "flaky-test" }

func (e *flakyEmbedder) Embed(text string) ([]float32, error) {
	if atomic.AddInt32(&e.calls, 1) <= e.failures {
		return nil, fmt.Errorf("transient error")
	}
	return embedding.Embed(text), nil
}

func TestIngestor_RetriesTransientEmbeddingFailures(t *testing.T) {
	ctx := context.Background()
	ing, store := newTestIngestor(t, IngestOptions{
		Workers: 1,
		Retries: 3,
		Backoff: time.Millisecond,
	})
	ing.SetEmbedder(&flakyEmbedder{failures: 2})

	doc, err := ing.Ingest(ctx, "flaky.txt", "", []byte("short document that fits one chunk"))
	if err != nil {
		t.Fatalf("ingest with retries: %v", err)
	}
	if doc.ChunkCount != 1 {
		t.Fatalf("expected 1 chunk, got %d", doc.ChunkCount)
	}

	docs, _, statErr := store.Stats(ctx)
	if statErr != nil {
		t.Fatalf("stats: %v", statErr)
	}
	if docs != 1 {
		t.Fatalf("expected 1 document, got %d", docs)
	}
}

func TestIngestor_CancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ing, store := newTestIngestor(t, IngestOptions{Workers: 2, Retries: 1, Backoff: time.Millisecond})

	var sb strings.Builder
	for i := 0; i < 60; i++ {
		sb.WriteString("Plenty of sentences so the worker pool actually spins up. ")
	}
	_, err := ing.Ingest(ctx, "cancelled.txt", "", []byte(sb.String()))
	if err == nil {
		t.Fatal("expected an error from a cancelled context")
	}

	docs, _, statErr := store.Stats(context.Background())
	if statErr != nil {
		t.Fatalf("stats: %v", statErr)
	}
	if docs != 0 {
		t.Fatalf("cancelled ingestion left %d documents", docs)
	}
}
