package memory

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestGate(ttl time.Duration) (*Gate, *time.Time) {
	g := NewGate(ttl)
	now := time.Now()
	g.now = func() time.Time { return now }
	return g, &now
}

func TestGate_ConfirmWithoutRequestFails(t *testing.T) {
	g, _ := newTestGate(time.Minute)

	applied := false
	err := g.Confirm(1, ActionWipeAll, func() error {
		applied = true
		return nil
	})
	if !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("expected ErrConfirmationRequired, got %v", err)
	}
	if applied {
		t.Fatal("apply must not run without a pending request")
	}
}

func TestGate_RequestThenConfirm(t *testing.T) {
	g, _ := newTestGate(time.Minute)

	g.Request(1, ActionSaveDialog)
	if action, ok := g.Pending(1); !ok || action != ActionSaveDialog {
		t.Fatalf("expected pending save-dialog, got %q, %v", action, ok)
	}

	applied := false
	if err := g.Confirm(1, ActionSaveDialog, func() error {
		applied = true
		return nil
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !applied {
		t.Fatal("apply must run on a matching confirm")
	}
	if _, ok := g.Pending(1); ok {
		t.Fatal("gate must return to idle after a successful confirm")
	}
}

func TestGate_ConfirmWrongActionFails(t *testing.T) {
	g, _ := newTestGate(time.Minute)

	g.Request(1, ActionNewDialog)
	err := g.Confirm(1, ActionWipeAll, func() error {
		t.Fatal("apply must not run for a mismatched action")
		return nil
	})
	if !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("expected ErrConfirmationRequired, got %v", err)
	}
	// The original request survives a mismatched confirm.
	if action, ok := g.Pending(1); !ok || action != ActionNewDialog {
		t.Fatalf("original pending request lost: %q, %v", action, ok)
	}
}

func TestGate_PendingExpires(t *testing.T) {
	g, now := newTestGate(time.Minute)

	g.Request(1, ActionKnowledgeClear)
	*now = now.Add(2 * time.Minute)

	if _, ok := g.Pending(1); ok {
		t.Fatal("expired request must not be pending")
	}
	err := g.Confirm(1, ActionKnowledgeClear, func() error {
		t.Fatal("apply must not run after expiry")
		return nil
	})
	if !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("expected ErrConfirmationRequired after expiry, got %v", err)
	}
}

func TestGate_ReplaceAndCancel(t *testing.T) {
	g, _ := newTestGate(time.Minute)

	g.Request(1, ActionNewDialog)
	g.Request(1, ActionWipeAll)
	if action, _ := g.Pending(1); action != ActionWipeAll {
		t.Fatalf("new request must replace the old one, got %q", action)
	}

	g.Cancel(1)
	if _, ok := g.Pending(1); ok {
		t.Fatal("cancel must clear the pending request")
	}
}

func TestGate_FailedApplyKeepsPending(t *testing.T) {
	g, _ := newTestGate(time.Minute)

	g.Request(1, ActionWipeAll)
	wantErr := fmt.Errorf("store unavailable")
	if err := g.Confirm(1, ActionWipeAll, func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("expected apply error, got %v", err)
	}
	// The user can retry until the TTL runs out.
	if action, ok := g.Pending(1); !ok || action != ActionWipeAll {
		t.Fatalf("pending request must survive a failed apply: %q, %v", action, ok)
	}
	if err := g.Confirm(1, ActionWipeAll, func() error { return nil }); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
}

func TestGate_SweepExpired(t *testing.T) {
	g, now := newTestGate(time.Minute)

	g.Request(1, ActionNewDialog)
	g.Request(2, ActionWipeAll)
	*now = now.Add(90 * time.Second)
	g.Request(3, ActionSaveDialog)

	if removed := g.SweepExpired(); removed != 2 {
		t.Fatalf("expected 2 expired requests swept, got %d", removed)
	}
	if _, ok := g.Pending(3); !ok {
		t.Fatal("fresh request must survive the sweep")
	}
}

func TestGate_UsersAreIndependent(t *testing.T) {
	g, _ := newTestGate(time.Minute)

	g.Request(1, ActionWipeAll)
	err := g.Confirm(2, ActionWipeAll, func() error {
		t.Fatal("user 2 has no pending request")
		return nil
	})
	if !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("expected ErrConfirmationRequired for user 2, got %v", err)
	}
	if _, ok := g.Pending(1); !ok {
		t.Fatal("user 1's request must be untouched")
	}
}
