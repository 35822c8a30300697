package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestContextWindow_AdvisoryBudget(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	window := NewContextWindow(store, 100)

	status, err := window.Append(ctx, Message{UserID: 1, Role: RoleUser, Content: "short", Tokens: 60})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if status.OverBudget {
		t.Fatalf("60/100 must not be over budget: %#v", status)
	}

	// Crossing the budget still accepts the message.
	status, err = window.Append(ctx, Message{UserID: 1, Role: RoleAssistant, Content: "more", Tokens: 50})
	if err != nil {
		t.Fatalf("append over budget: %v", err)
	}
	if !status.OverBudget || status.TokenCount != 110 {
		t.Fatalf("expected over-budget status at 110 tokens, got %#v", status)
	}

	// And so does every append after that.
	status, err = window.Append(ctx, Message{UserID: 1, Role: RoleUser, Content: "even more", Tokens: 10})
	if err != nil {
		t.Fatalf("append while over budget: %v", err)
	}
	if status.TokenCount != 120 {
		t.Fatalf("expected 120 tokens, got %d", status.TokenCount)
	}

	dialog, err := window.Snapshot(ctx, 1)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(dialog.Messages) != 3 {
		t.Fatalf("all three messages must be stored, got %d", len(dialog.Messages))
	}
}

func TestContextWindow_RejectsInvalidMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	window := NewContextWindow(store, 0)

	if window.Budget() != DefaultTokenBudget {
		t.Fatalf("expected default budget %d, got %d", DefaultTokenBudget, window.Budget())
	}

	_, err := window.Append(ctx, Message{UserID: 1, Role: "system", Content: "x"})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("unknown role must fail with ErrInvalidMessage, got %v", err)
	}
	_, err = window.Append(ctx, Message{UserID: 1, Role: RoleUser, Content: "   "})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("blank content must fail with ErrInvalidMessage, got %v", err)
	}

	dialog, err := window.Snapshot(ctx, 1)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !dialog.Empty() {
		t.Fatal("rejected messages must not be stored")
	}
}

func TestContextWindow_EstimatesMissingTokens(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	window := NewContextWindow(store, 1000)

	content := strings.Repeat("word ", 40)
	status, err := window.Append(ctx, Message{UserID: 1, Role: RoleUser, Content: content})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if status.TokenCount != EstimateTokens(content) {
		t.Fatalf("expected estimated cost %d, got %d", EstimateTokens(content), status.TokenCount)
	}
}

func TestContextWindow_Reset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	window := NewContextWindow(store, 1000)

	if _, err := window.Append(ctx, Message{UserID: 1, Role: RoleUser, Content: "hello", Tokens: 5}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := window.Reset(ctx, 1); err != nil {
		t.Fatalf("reset: %v", err)
	}
	dialog, err := window.Snapshot(ctx, 1)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !dialog.Empty() || dialog.TokenCount != 0 {
		t.Fatalf("reset must leave an empty dialog, got %#v", dialog)
	}
}
