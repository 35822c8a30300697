// Package retrieval answers queries against the knowledge base and the
// per-user memory store, returning ranked snippets with provenance so the
// caller can attribute answers.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/recall/pkg/embedding"
	"github.com/dotsetgreg/recall/pkg/knowledge"
	"github.com/dotsetgreg/recall/pkg/logger"
	"github.com/dotsetgreg/recall/pkg/memory"
)

// Scope selects which stores a query runs against.
type Scope string

const (
	ScopeKnowledge Scope = "knowledge"
	ScopeMemory    Scope = "memory"
	ScopeBoth      Scope = "both"
)

// Origin values for snippet provenance.
const (
	OriginKnowledge = "knowledge"
	OriginMemory    = "memory"
)

// Provenance identifies where a snippet came from.
type Provenance struct {
	Origin      string
	SourceID    string
	SourceName  string
	CreatedAtMS int64
}

// Snippet is one ranked result.
type Snippet struct {
	Content string
	Score   float64
	Tokens  int
	Source  Provenance
}

// Result is the assembled context payload for the caller.
type Result struct {
	Snippets []Snippet
	TimedOut bool
	Warning  string
}

// Options tunes the engine.
type Options struct {
	MaxSnippets    int
	CandidateLimit int
	MinScore       float64
	Timeout        time.Duration
	TokenBudget    int
}

func (o *Options) fill() {
	if o.MaxSnippets <= 0 {
		o.MaxSnippets = 8
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = 80
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.TokenBudget <= 0 {
		o.TokenBudget = 2048
	}
}

// KnowledgeSearcher is the knowledge base search surface the engine needs.
type KnowledgeSearcher interface {
	Search(ctx context.Context, queryVec []float32, k int, documentName string) ([]knowledge.ScoredChunk, error)
}

// MemorySearcher is the per-user memory search surface the engine needs.
type MemorySearcher interface {
	SearchMemory(ctx context.Context, userID int64, queryVec []float32, k int) ([]memory.ScoredChunk, error)
}

// Engine merges and ranks results from both stores.
type Engine struct {
	kb   KnowledgeSearcher
	mem  MemorySearcher
	opts Options
}

func NewEngine(kb KnowledgeSearcher, mem MemorySearcher, opts Options) *Engine {
	opts.fill()
	return &Engine{kb: kb, mem: mem, opts: opts}
}

// Query carries one retrieval request.
type Query struct {
	Text   string
	UserID int64
	Scope  Scope
	// DocumentName optionally restricts knowledge results to one document.
	DocumentName string
	// TokenBudget overrides the engine default when positive.
	TokenBudget int
}

// Retrieve embeds the query, searches the selected stores, merges results
// by descending similarity (ties broken by most-recent source first) and
// truncates to the token budget. A deadline hit returns an empty result
// with a warning instead of blocking the caller.
func (e *Engine) Retrieve(ctx context.Context, q Query) (Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return Result{}, nil
	}
	scope := q.Scope
	if scope == "" {
		scope = ScopeBoth
	}
	budget := q.TokenBudget
	if budget <= 0 {
		budget = e.opts.TokenBudget
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	queryVec := embedding.Embed(q.Text)

	var snippets []Snippet

	if scope == ScopeKnowledge || scope == ScopeBoth {
		found, err := e.kb.Search(ctx, queryVec, e.opts.CandidateLimit, q.DocumentName)
		if timedOut(err) {
			return timeoutResult(q)
		}
		if err != nil {
			return Result{}, fmt.Errorf("knowledge search: %w", err)
		}
		for _, sc := range found {
			snippets = append(snippets, Snippet{
				Content: sc.Chunk.Content,
				Score:   sc.Score,
				Tokens:  memory.EstimateTokens(sc.Chunk.Content),
				Source: Provenance{
					Origin:      OriginKnowledge,
					SourceID:    sc.Chunk.DocumentID,
					SourceName:  sc.DocumentName,
					CreatedAtMS: sc.Chunk.CreatedAtMS,
				},
			})
		}
	}

	if scope == ScopeMemory || scope == ScopeBoth {
		found, err := e.mem.SearchMemory(ctx, q.UserID, queryVec, e.opts.CandidateLimit)
		if timedOut(err) {
			return timeoutResult(q)
		}
		if err != nil {
			return Result{}, fmt.Errorf("memory search: %w", err)
		}
		for _, sc := range found {
			snippets = append(snippets, Snippet{
				Content: sc.Chunk.Content,
				Score:   sc.Score,
				Tokens:  memory.EstimateTokens(sc.Chunk.Content),
				Source: Provenance{
					Origin:      OriginMemory,
					SourceID:    sc.Chunk.RecordID,
					SourceName:  fmt.Sprintf("memory-record/%s", sc.Chunk.RecordID),
					CreatedAtMS: sc.Chunk.CreatedAtMS,
				},
			})
		}
	}

	sort.SliceStable(snippets, func(i, j int) bool {
		if snippets[i].Score == snippets[j].Score {
			return snippets[i].Source.CreatedAtMS > snippets[j].Source.CreatedAtMS
		}
		return snippets[i].Score > snippets[j].Score
	})

	out := make([]Snippet, 0, e.opts.MaxSnippets)
	used := 0
	for _, sn := range snippets {
		if sn.Score < e.opts.MinScore {
			continue
		}
		if used+sn.Tokens > budget && len(out) > 0 {
			break
		}
		out = append(out, sn)
		used += sn.Tokens
		if len(out) >= e.opts.MaxSnippets {
			break
		}
	}

	return Result{Snippets: out}, nil
}

func timedOut(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func timeoutResult(q Query) (Result, error) {
	logger.WarnCF("retrieval", "Retrieval timed out", map[string]interface{}{
		"user_id": q.UserID,
		"scope":   string(q.Scope),
	})
	return Result{
		TimedOut: true,
		Warning:  "retrieval timed out, no results returned",
	}, nil
}
