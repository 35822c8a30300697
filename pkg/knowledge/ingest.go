package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dotsetgreg/recall/pkg/chunker"
	"github.com/dotsetgreg/recall/pkg/embedding"
	"github.com/dotsetgreg/recall/pkg/logger"
	"github.com/dotsetgreg/recall/pkg/parser"
)

// Embedder computes a vector for one chunk. Implementations may be remote
// and fail transiently; the pipeline retries around them.
type Embedder interface {
	ModelID() string
	Embed(text string) ([]float32, error)
}

// localEmbedder adapts the in-process embedder, which never fails.
type localEmbedder struct{}

func (localEmbedder) ModelID() string { return embedding.Current().ModelID() }

func (localEmbedder) Embed(text string) ([]float32, error) {
	return embedding.Embed(text), nil
}

// IngestOptions tunes the chunk & embed pipeline.
type IngestOptions struct {
	ChunkSize    int
	ChunkOverlap int
	Workers      int
	Retries      int
	Backoff      time.Duration
	MaxFileBytes int64
}

func defaultIngestOptions() IngestOptions {
	return IngestOptions{
		ChunkSize:    chunker.DefaultMaxRunes,
		ChunkOverlap: chunker.DefaultOverlapRunes,
		Workers:      4,
		Retries:      3,
		Backoff:      250 * time.Millisecond,
		MaxFileBytes: 20 << 20,
	}
}

// Ingestor turns one uploaded file into indexed knowledge chunks. Each call
// is a single unit of work: parse, split, embed on a bounded worker pool,
// then commit everything in one store transaction. Any failure (parse
// error, exhausted embedding retries, cancellation) leaves the store
// untouched.
type Ingestor struct {
	registry *parser.Registry
	store    Store
	embedder Embedder
	opts     IngestOptions
}

func NewIngestor(registry *parser.Registry, store Store, opts IngestOptions) *Ingestor {
	def := defaultIngestOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = opts.ChunkSize / 6
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.Retries <= 0 {
		opts.Retries = def.Retries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = def.MaxFileBytes
	}
	return &Ingestor{
		registry: registry,
		store:    store,
		embedder: localEmbedder{},
		opts:     opts,
	}
}

// SetEmbedder swaps the embedding backend. Intended for provider-backed
// embedders and for tests.
func (ing *Ingestor) SetEmbedder(e Embedder) {
	if e != nil {
		ing.embedder = e
	}
}

// Ingest parses, chunks, embeds and stores one file. Exactly one file per
// call; the store serializes concurrent ingestions.
func (ing *Ingestor) Ingest(ctx context.Context, filename, declaredFormat string, data []byte) (Document, error) {
	if int64(len(data)) > ing.opts.MaxFileBytes {
		return Document{}, fmt.Errorf("%w: file exceeds %d bytes", parser.ErrParse, ing.opts.MaxFileBytes)
	}

	format, err := ing.registry.Resolve(filename, declaredFormat)
	if err != nil {
		return Document{}, err
	}
	text, err := ing.registry.Parse(filename, declaredFormat, data)
	if err != nil {
		return Document{}, err
	}

	pieces := chunker.Split(text, chunker.Options{
		MaxRunes:     ing.opts.ChunkSize,
		OverlapRunes: ing.opts.ChunkOverlap,
	})
	if len(pieces) == 0 {
		return Document{}, fmt.Errorf("%w: %q produced no chunks", parser.ErrParse, filename)
	}

	now := time.Now()
	doc := Document{
		ID:           ulid.Make().String(),
		Name:         filename,
		Format:       format,
		SizeBytes:    int64(len(data)),
		ChunkCount:   len(pieces),
		UploadedAtMS: now.UnixMilli(),
	}

	chunks, err := ing.embedPieces(ctx, doc, pieces)
	if err != nil {
		// Nothing was written: chunks stage in memory and commit at once.
		return Document{}, err
	}

	if err := ing.store.Add(ctx, doc, chunks); err != nil {
		return Document{}, err
	}
	logger.InfoCF("knowledge", "Document ingested", map[string]interface{}{
		"name":   doc.Name,
		"format": doc.Format,
		"chunks": len(chunks),
	})
	return doc, nil
}

// embedPieces runs the bounded worker pool. Results keep piece order; the
// first hard failure cancels the rest.
func (ing *Ingestor) embedPieces(ctx context.Context, doc Document, pieces []chunker.Piece) ([]Chunk, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type job struct {
		idx   int
		piece chunker.Piece
	}

	jobs := make(chan job)
	chunks := make([]Chunk, len(pieces))
	errs := make([]error, len(pieces))

	var wg sync.WaitGroup
	workers := ing.opts.Workers
	if workers > len(pieces) {
		workers = len(pieces)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				vec, err := ing.embedWithRetry(ctx, j.piece.Text)
				if err != nil {
					errs[j.idx] = err
					cancel()
					continue
				}
				chunks[j.idx] = Chunk{
					ID:          ulid.Make().String(),
					DocumentID:  doc.ID,
					Seq:         j.piece.Seq,
					Content:     j.piece.Text,
					Vector:      vec,
					CreatedAtMS: doc.UploadedAtMS,
				}
			}
		}()
	}

feed:
	for i, p := range pieces {
		select {
		case jobs <- job{idx: i, piece: p}:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	// Prefer the root failure over the cancellations it triggered in the
	// other workers.
	var firstErr error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return nil, err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ingestion cancelled: %w", err)
	}
	return chunks, nil
}

func (ing *Ingestor) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	backoff := ing.opts.Backoff
	for attempt := 0; attempt < ing.opts.Retries; attempt++ {
		if attempt > 0 {
			logger.WarnCF("knowledge", "Retrying chunk embedding", map[string]interface{}{
				"attempt": attempt + 1,
				"backoff": backoff.String(),
			})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
		vec, err := ing.embedder.Embed(text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrEmbedding, lastErr)
}
