package core

import (
	"fmt"
	"strings"
	"time"
)

// ScopeID identifies a unit of mutual exclusion: the whole repository
// or a single worktree's private state.
type ScopeID string

// ScopeGlobal is the repository-wide scope. Holding it excludes every
// worktree-scoped operation, and vice versa.
const ScopeGlobal ScopeID = "global"

// WorktreeScope returns the scope for a single worktree.
func WorktreeScope(worktree string) ScopeID {
	return ScopeID("worktree:" + worktree)
}

// IsGlobal reports whether the scope is the repository-wide scope.
func (s ScopeID) IsGlobal() bool { return s == ScopeGlobal }

// Class returns "global" or "worktree", used to bucket metrics.
func (s ScopeID) Class() string {
	if s.IsGlobal() {
		return "global"
	}
	return "worktree"
}

// Worktree returns the worktree identifier for a worktree scope,
// or "" for the global scope.
func (s ScopeID) Worktree() string {
	return strings.TrimPrefix(string(s), "worktree:")
}

// Request is an operation request as submitted by a client. Immutable
// after creation; destroyed once its terminal result is delivered.
type Request struct {
	ID          string    `json:"id"`
	Verb        string    `json:"verb"`
	Target      string    `json:"target,omitempty"`
	Priority    int       `json:"priority"`
	CallerID    string    `json:"caller_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Priority bounds for operation requests.
const (
	MinPriority = 1
	MaxPriority = 10
)

// ClampPriority forces p into the valid [MinPriority, MaxPriority] range.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Lock is a held entry in the registry. Generation increments each
// time the scope changes hands, so a release with a stale reference
// can be detected and refused.
type Lock struct {
	Scope       ScopeID   `json:"scope"`
	HolderID    string    `json:"holder_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	TTLDeadline time.Time `json:"ttl_deadline"`
	Generation  uint64    `json:"generation"`
	Advisory    bool      `json:"advisory,omitempty"`
}

// EventType classifies a metric event.
type EventType string

const (
	EventAcquired       EventType = "acquired"
	EventReleased       EventType = "released"
	EventWaited         EventType = "waited"
	EventTimedOut       EventType = "timed_out"
	EventStaleReclaimed EventType = "stale_reclaimed"
)

// MetricEvent is one append-only observability record. Never mutated;
// pruned after the retention window.
type MetricEvent struct {
	ID         string    `json:"id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Type       EventType `json:"type"`
	Scope      ScopeID   `json:"scope"`
	DurationMS int64     `json:"duration_ms"`
	Verb       string    `json:"verb,omitempty"`
}

// Line renders the event as one line of the external metrics feed:
// timestamp,event_type,scope_id,duration_ms,verb
func (e MetricEvent) Line() string {
	return fmt.Sprintf("%s,%s,%s,%d,%s",
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Type, e.Scope, e.DurationMS, e.Verb)
}

// Status is the terminal outcome of an operation request.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusTimeout     Status = "timeout"
	StatusCancelled   Status = "cancelled"
	StatusUnavailable Status = "unavailable"
)

// Result is the synchronous outcome delivered to a submitting client.
type Result struct {
	RequestID  string  `json:"request_id"`
	Status     Status  `json:"status"`
	Scope      ScopeID `json:"scope_used"`
	DurationMS int64   `json:"duration_ms"`
}

// PatternObservation is one append-only predictor learning record,
// replayed at startup to rebuild the in-memory pattern table.
type PatternObservation struct {
	Antecedent []string  `json:"antecedent"`
	Successor  string    `json:"successor"`
	ObservedAt time.Time `json:"observed_at"`
}

// ScopeHint is advisory output from the predictor: the scope an
// upcoming operation is likely to need.
type ScopeHint struct {
	Verb       string  `json:"verb"`
	Scope      ScopeID `json:"scope"`
	Confidence float64 `json:"confidence"`
}
