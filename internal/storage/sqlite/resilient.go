package sqlite

import (
	"context"
	"time"

	"github.com/quietfield/treelock/internal/core"
	"github.com/quietfield/treelock/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every Store method with a circuit breaker plus
// retry-on-lock, shielding callers from transient SQLite failures.
// Metric and pattern writes are best-effort anyway; the breaker keeps
// a wedged database from stalling the coordinator's hot path.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient wraps inner with default breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return &ResilientStore{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second)}
}

// NewResilientWithBreaker wraps inner with a custom breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

// CircuitBreakerState reports the breaker state for health endpoints.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func (r *ResilientStore) AppendMetricEvents(ctx context.Context, events []core.MetricEvent) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLock(func() error {
			return r.inner.AppendMetricEvents(ctx, events)
		})
	})
}

func (r *ResilientStore) MetricEventsSince(ctx context.Context, since time.Time, limit int) ([]core.MetricEvent, error) {
	var result []core.MetricEvent
	err := r.cb.Execute(func() error {
		return RetryOnDBLock(func() error {
			var innerErr error
			result, innerErr = r.inner.MetricEventsSince(ctx, since, limit)
			return innerErr
		})
	})
	return result, err
}

func (r *ResilientStore) PruneMetricEvents(ctx context.Context, before time.Time) (int64, error) {
	var result int64
	err := r.cb.Execute(func() error {
		return RetryOnDBLock(func() error {
			var innerErr error
			result, innerErr = r.inner.PruneMetricEvents(ctx, before)
			return innerErr
		})
	})
	return result, err
}

func (r *ResilientStore) AppendPatternObservations(ctx context.Context, obs []core.PatternObservation) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLock(func() error {
			return r.inner.AppendPatternObservations(ctx, obs)
		})
	})
}

func (r *ResilientStore) PatternObservations(ctx context.Context, limit int) ([]core.PatternObservation, error) {
	var result []core.PatternObservation
	err := r.cb.Execute(func() error {
		return RetryOnDBLock(func() error {
			var innerErr error
			result, innerErr = r.inner.PatternObservations(ctx, limit)
			return innerErr
		})
	})
	return result, err
}

func (r *ResilientStore) TryAcquireAdvisory(ctx context.Context, scope core.ScopeID, holderID string, ttl time.Duration) (bool, error) {
	var result bool
	err := r.cb.Execute(func() error {
		return RetryOnDBLock(func() error {
			var innerErr error
			result, innerErr = r.inner.TryAcquireAdvisory(ctx, scope, holderID, ttl)
			return innerErr
		})
	})
	return result, err
}

func (r *ResilientStore) ReleaseAdvisory(ctx context.Context, scope core.ScopeID, holderID string) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLock(func() error {
			return r.inner.ReleaseAdvisory(ctx, scope, holderID)
		})
	})
}

func (r *ResilientStore) PruneExpiredAdvisory(ctx context.Context) (int64, error) {
	var result int64
	err := r.cb.Execute(func() error {
		return RetryOnDBLock(func() error {
			var innerErr error
			result, innerErr = r.inner.PruneExpiredAdvisory(ctx)
			return innerErr
		})
	})
	return result, err
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
