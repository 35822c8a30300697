package memory

import (
	"fmt"
	"sync"
	"time"
)

// Action identifies a destructive operation guarded by the gate.
type Action string

const (
	ActionNewDialog       Action = "new-dialog"
	ActionSaveDialog      Action = "save-dialog"
	ActionWipeAll         Action = "delete-all"
	ActionKnowledgeClear  Action = "knowledge-clear"
	ActionWalletKeyDelete Action = "wallet-key-delete"
)

// DefaultConfirmTTL is how long a pending confirmation stays valid before
// expiring back to idle.
const DefaultConfirmTTL = 2 * time.Minute

type pendingAction struct {
	action      Action
	requestedAt time.Time
}

// Gate is the per-user confirmation state machine for irreversible
// operations: Idle -> PendingConfirmation(action) -> {Idle, Applied}. Every
// destructive flow must request first and confirm second; a confirm without
// a matching pending request fails with ErrConfirmationRequired and mutates
// nothing. Stale pendings expire back to idle without side effects.
type Gate struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[int64]pendingAction
	now     func() time.Time
}

func NewGate(ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultConfirmTTL
	}
	return &Gate{
		ttl:     ttl,
		pending: map[int64]pendingAction{},
		now:     time.Now,
	}
}

// Request moves the user to PendingConfirmation for the given action,
// replacing any previous pending request.
func (g *Gate) Request(userID int64, action Action) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[userID] = pendingAction{action: action, requestedAt: g.now()}
}

// Pending reports the user's pending action, if any and not yet expired.
func (g *Gate) Pending(userID int64) (Action, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[userID]
	if !ok {
		return "", false
	}
	if g.now().Sub(p.requestedAt) > g.ttl {
		delete(g.pending, userID)
		return "", false
	}
	return p.action, true
}

// Confirm executes apply if and only if the user has a live pending request
// for exactly this action. On success the gate returns to idle; on apply
// failure the pending request survives so the user can retry until the TTL
// runs out.
func (g *Gate) Confirm(userID int64, action Action, apply func() error) error {
	g.mu.Lock()
	p, ok := g.pending[userID]
	if !ok || p.action != action || g.now().Sub(p.requestedAt) > g.ttl {
		if ok && g.now().Sub(p.requestedAt) > g.ttl {
			delete(g.pending, userID)
		}
		g.mu.Unlock()
		return fmt.Errorf("%s: %w", action, ErrConfirmationRequired)
	}
	g.mu.Unlock()

	// apply runs outside the gate lock; store operations can be slow.
	if err := apply(); err != nil {
		return err
	}

	g.mu.Lock()
	// Only clear if nothing replaced the request while apply ran.
	if cur, ok := g.pending[userID]; ok && cur == p {
		delete(g.pending, userID)
	}
	g.mu.Unlock()
	return nil
}

// Cancel drops the user's pending request without side effects.
func (g *Gate) Cancel(userID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, userID)
}

// SweepExpired drops all stale pending requests and returns how many were
// removed. Called by the maintenance janitor.
func (g *Gate) SweepExpired() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	now := g.now()
	for userID, p := range g.pending {
		if now.Sub(p.requestedAt) > g.ttl {
			delete(g.pending, userID)
			removed++
		}
	}
	return removed
}
