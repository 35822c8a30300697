package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/dotsetgreg/recall/pkg/chunker"
	"github.com/dotsetgreg/recall/pkg/embedding"
)

// maxSummaryRunes bounds the lossy key-moment summary of one dialog.
const maxSummaryRunes = 2400

// Archiver summarizes a closed dialog into a MemoryRecord and resets the
// context window. Persist and reset happen in one store transaction, so a
// failed archive leaves the dialog untouched and retryable.
type Archiver struct {
	store     Store
	chunkOpts chunker.Options
}

func NewArchiver(store Store, chunkOpts chunker.Options) *Archiver {
	if chunkOpts.MaxRunes <= 0 {
		chunkOpts = chunker.DefaultOptions()
	}
	return &Archiver{store: store, chunkOpts: chunkOpts}
}

// Archive extracts the key moments of the user's active dialog, persists
// them as a MemoryRecord with embedded chunks and swaps in a fresh dialog.
func (a *Archiver) Archive(ctx context.Context, userID int64) (MemoryRecord, error) {
	dialog, err := a.store.ActiveDialog(ctx, userID)
	if err != nil {
		return MemoryRecord{}, err
	}
	if dialog.Empty() {
		return MemoryRecord{}, fmt.Errorf("archive: %w", ErrNotFound)
	}

	summary := ExtractKeyMoments(dialog, maxSummaryRunes)
	now := time.Now()
	rec := MemoryRecord{
		ID:           uuid.NewString(),
		UserID:       userID,
		Summary:      summary,
		SourceDialog: fmt.Sprintf("dialog-%d-%d", userID, dialog.StartedAtMS),
		CreatedAtMS:  now.UnixMilli(),
	}

	pieces := chunker.Split(summary, a.chunkOpts)
	chunks := make([]MemoryChunk, 0, len(pieces))
	for _, p := range pieces {
		chunks = append(chunks, MemoryChunk{
			ID:          ulid.Make().String(),
			RecordID:    rec.ID,
			UserID:      userID,
			Seq:         p.Seq,
			Content:     p.Text,
			Vector:      embedding.Embed(p.Text),
			CreatedAtMS: rec.CreatedAtMS,
		})
	}

	// Single transaction: the dialog is only reset once the record and its
	// chunks are durable. On failure the caller retries the whole archive.
	if err := a.store.ArchiveDialog(ctx, rec, chunks); err != nil {
		return MemoryRecord{}, err
	}
	_ = a.store.AddMetric(ctx, "memory.archive.chunks", float64(len(chunks)), map[string]string{
		"user_id": fmt.Sprintf("%d", userID),
	})
	return rec, nil
}

// ExtractKeyMoments builds a bounded, lossy summary of a dialog: the span
// it covered, the topics the user raised and the facts, preferences and
// open tasks stated along the way.
func ExtractKeyMoments(d Dialog, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = maxSummaryRunes
	}

	var facts, prefs, tasks, topics []string
	add := func(dst *[]string, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		key := strings.ToLower(value)
		for _, existing := range *dst {
			if strings.ToLower(existing) == key {
				return
			}
		}
		*dst = append(*dst, value)
	}

	for _, msg := range d.Messages {
		if msg.Role != RoleUser {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		line := clipLine(content, 160)
		lower := strings.ToLower(content)

		switch {
		case containsAny(lower, "i prefer", "i like", "i don't like", "i dislike", "call me"):
			add(&prefs, line)
		case containsAny(lower, "my name is", "i am ", "i'm ", "i work", "i live"):
			add(&facts, line)
		case containsAny(lower, "need to", "todo", "deadline", "remind me", "schedule"):
			add(&tasks, line)
		default:
			if len(topics) < 6 {
				add(&topics, line)
			}
		}
	}

	parts := []string{}
	if len(d.Messages) > 0 {
		start := d.Messages[0].CreatedAt.Format(time.RFC3339)
		end := d.Messages[len(d.Messages)-1].CreatedAt.Format(time.RFC3339)
		parts = append(parts, fmt.Sprintf("Dialog %s - %s (%d messages, %d tokens).",
			start, end, len(d.Messages), d.TokenCount))
	}
	appendSection := func(label string, lines []string) {
		for _, l := range lines {
			parts = append(parts, "- "+label+": "+l)
		}
	}
	appendSection("User detail", facts)
	appendSection("Preference", prefs)
	appendSection("Task", tasks)
	appendSection("Topic", topics)

	summary := strings.Join(parts, "\n")
	runes := []rune(summary)
	if len(runes) > maxRunes {
		summary = string(runes[:maxRunes])
	}
	return summary
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func clipLine(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
