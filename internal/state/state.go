// Package state persists the session-to-backend assignment and
// backend-specific opaque state (such as a remote sandbox identifier) across
// process restarts and serverless cold starts.
package state

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a session has no assignment or state record.
var ErrNotFound = errors.New("no state for session")

// Repository is the durable session->backend mapping. Implementations must
// tolerate concurrent use from multiple invocations; writes are
// last-write-wins, there is no compare-and-swap.
type Repository interface {
	// AssignBackend records which backend type owns the session. A prior
	// assignment (and any saved state) is replaced.
	AssignBackend(ctx context.Context, sessionID, backendType string) error
	// AssignedBackend returns the backend type for the session, or
	// ErrNotFound when none is assigned.
	AssignedBackend(ctx context.Context, sessionID string) (string, error)
	// SaveState stores the backend-specific opaque state identifier.
	SaveState(ctx context.Context, sessionID, stateID string) error
	// State returns the opaque state identifier, or ErrNotFound when the
	// session has no record or an empty state.
	State(ctx context.Context, sessionID string) (string, error)
	// DeleteState removes the session's record entirely. Deleting a missing
	// record is not an error.
	DeleteState(ctx context.Context, sessionID string) error
	// HasState reports whether a non-empty state identifier is stored.
	HasState(ctx context.Context, sessionID string) (bool, error)
}
