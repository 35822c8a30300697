// Package knowledge implements the global, shared-read knowledge base:
// document ingestion through the parser registry and chunk pipeline, and
// similarity search over the ingested chunks.
package knowledge

import (
	"context"
	"errors"
)

// ErrEmbedding marks a transient embedding failure. The pipeline retries
// with backoff; exhausted retries abort the whole ingestion.
var ErrEmbedding = errors.New("embedding failed")

// Document is the metadata of one ingested file. Ownership is global: the
// observed surface only exposes ingestion to privileged callers.
type Document struct {
	ID           string
	Name         string
	Format       string
	SizeBytes    int64
	ChunkCount   int
	UploadedAtMS int64
}

// Chunk is a retrieval unit derived from a document. The document
// reference is provenance only; deleting the document cascades here.
type Chunk struct {
	ID          string
	DocumentID  string
	Seq         int
	Content     string
	Vector      []float32
	CreatedAtMS int64
}

// ScoredChunk is a chunk ranked against a query vector, with the source
// document name resolved for provenance.
type ScoredChunk struct {
	Chunk        Chunk
	DocumentName string
	Score        float64
}

// Store is the process-wide knowledge base. Searches may run concurrently;
// Add and Clear take exclusive access. Re-ingesting a document with the
// same name replaces the prior document and all of its chunks.
type Store interface {
	Close() error

	// Add inserts the document and its chunks in one transaction, replacing
	// any existing document of the same name.
	Add(ctx context.Context, doc Document, chunks []Chunk) error

	// Clear wipes the whole store and returns how many chunks were removed.
	Clear(ctx context.Context) (int, error)

	// Search ranks chunks against the query vector, descending score with
	// most-recent-first tiebreak. A non-empty documentName restricts the
	// search to that document's chunks.
	Search(ctx context.Context, queryVec []float32, k int, documentName string) ([]ScoredChunk, error)

	ListDocuments(ctx context.Context) ([]Document, error)
	Stats(ctx context.Context) (docCount, chunkCount int, err error)
}
