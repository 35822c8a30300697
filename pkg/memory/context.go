package memory

import (
	"context"
	"fmt"
	"strings"
)

// ContextWindow manages the active dialog of each user and enforces the
// advisory token budget.
type ContextWindow struct {
	store  Store
	budget int
}

func NewContextWindow(store Store, tokenBudget int) *ContextWindow {
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	return &ContextWindow{store: store, budget: tokenBudget}
}

// Append validates and appends a message, returning the advisory budget
// status. Crossing the budget never blocks: the message is already stored
// when an over-budget status comes back.
func (w *ContextWindow) Append(ctx context.Context, msg Message) (TokenBudgetStatus, error) {
	switch msg.Role {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return TokenBudgetStatus{}, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return TokenBudgetStatus{}, fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	if msg.Tokens <= 0 {
		msg.Tokens = EstimateTokens(msg.Content)
	}

	total, err := w.store.AppendMessage(ctx, msg)
	if err != nil {
		return TokenBudgetStatus{}, err
	}
	return BudgetStatus(total, w.budget), nil
}

// Reset discards the active dialog without persistence. Irreversible; the
// caller is expected to have passed the confirmation gate.
func (w *ContextWindow) Reset(ctx context.Context, userID int64) error {
	return w.store.ResetDialog(ctx, userID)
}

// Snapshot returns the active dialog with messages in chronological order.
func (w *ContextWindow) Snapshot(ctx context.Context, userID int64) (Dialog, error) {
	return w.store.ActiveDialog(ctx, userID)
}

// Budget returns the configured advisory threshold.
func (w *ContextWindow) Budget() int { return w.budget }
