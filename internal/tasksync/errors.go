package tasksync

import (
	"errors"

	"github.com/steveyegge/tasksync/internal/docstore"
	"github.com/steveyegge/tasksync/internal/session"
)

// Errors returned by Core. Store errors are passed through wrapped, so the
// docstore sentinels they alias match with errors.Is.
var (
	// ErrAuthRequired is returned when no user is signed in. It is fatal to
	// the session: the caller should return to a signed-out state.
	ErrAuthRequired = session.ErrAuthRequired

	// ErrStoreUnavailable is returned on network or backend failure.
	// Re-invoking the same command may succeed; the core never retries.
	ErrStoreUnavailable = docstore.ErrUnavailable

	// ErrNotFound is returned when the user's document does not exist.
	// The core never creates it.
	ErrNotFound = docstore.ErrNotFound

	// ErrStaleMutation is returned when an edit or delete found no matching
	// element because the cached list diverged from the stored one.
	ErrStaleMutation = errors.New("stale mutation: no matching task")

	// ErrNotLoaded is returned by commands that need the cached list
	// before the live subscription's first snapshot has arrived.
	ErrNotLoaded = errors.New("tasks not loaded yet")

	// ErrAlreadyActive is returned by Activate while a subscription is live.
	ErrAlreadyActive = errors.New("subscription already active")

	// ErrInactive is returned after Deactivate.
	ErrInactive = errors.New("task sync deactivated")
)

// IsRetryable returns true if repeating the command may succeed.
func IsRetryable(err error) bool {
	return docstore.IsRetryable(err)
}

// IsFatal returns true if the error ends the session.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAuthRequired)
}
