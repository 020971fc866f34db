package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the coordinator error taxonomy.
var (
	// ErrAcquisitionTimeout indicates a scope stayed busy beyond the
	// configured acquisition timeout. The scheduler retries once with
	// an aging boost before surfacing it as terminal.
	ErrAcquisitionTimeout = errors.New("lock acquisition timed out")

	// ErrScopeConflict indicates a forbidden acquisition ordering:
	// a caller holding a worktree lock requested the global scope.
	ErrScopeConflict = errors.New("scope conflict: global requested while holding a worktree lock")

	// ErrSchedulerUnavailable indicates the coordinator process is
	// unreachable. Clients fall back to degraded direct locking.
	ErrSchedulerUnavailable = errors.New("scheduler unavailable")

	// ErrLockNotHeld indicates a release for a scope with no current lock.
	ErrLockNotHeld = errors.New("lock not held")

	// ErrStaleGeneration indicates a release carrying an outdated lock
	// reference: the scope has changed hands since it was acquired.
	ErrStaleGeneration = errors.New("stale lock generation")

	// ErrCancelled indicates a queued request was cancelled before dispatch.
	ErrCancelled = errors.New("request cancelled")

	// ErrNotFound indicates an unknown request, grant or entity ID.
	ErrNotFound = errors.New("not found")
)

// ConflictError reports a contended acquisition with enough context
// for manual remediation: which scope was contended, who holds it,
// and how long the requester waited.
type ConflictError struct {
	Scope  ScopeID
	Holder string
	Waited time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("scope %s contended for %s (held by %s)", e.Scope, e.Waited.Round(time.Millisecond), e.Holder)
}

func (e *ConflictError) Unwrap() error { return ErrAcquisitionTimeout }
