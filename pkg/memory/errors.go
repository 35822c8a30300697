package memory

import "errors"

var (
	// ErrConfirmationRequired rejects a destructive operation that did not
	// pass through the confirmation gate. Nothing is mutated.
	ErrConfirmationRequired = errors.New("confirmation required")

	// ErrNotFound means the target dialog or record was already deleted.
	ErrNotFound = errors.New("context was deleted, record not found")

	// ErrInvalidMessage rejects a malformed append (unknown role or empty
	// content) before it touches the dialog.
	ErrInvalidMessage = errors.New("invalid message")
)
