// Package storage defines the durable store behind the coordinator:
// the metric event log, the pattern observation log, and the advisory
// lock table used by clients in degraded mode.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quietfield/treelock/internal/core"
)

// Store is implemented by the sqlite backend and by InMemory for
// tests. All logs are append-only; pruning is the only destructive
// operation.
type Store interface {
	AppendMetricEvents(ctx context.Context, events []core.MetricEvent) error
	MetricEventsSince(ctx context.Context, since time.Time, limit int) ([]core.MetricEvent, error)
	PruneMetricEvents(ctx context.Context, before time.Time) (int64, error)

	AppendPatternObservations(ctx context.Context, obs []core.PatternObservation) error
	PatternObservations(ctx context.Context, limit int) ([]core.PatternObservation, error)

	// Degraded-mode locking: a flat advisory row per scope, claimed
	// directly by clients when the coordinator is unreachable.
	TryAcquireAdvisory(ctx context.Context, scope core.ScopeID, holderID string, ttl time.Duration) (bool, error)
	ReleaseAdvisory(ctx context.Context, scope core.ScopeID, holderID string) error

	Close() error
}

// InMemory is a minimal in-memory store for tests.
type InMemory struct {
	mu     sync.Mutex
	events []core.MetricEvent
	obs    []core.PatternObservation
	locks  map[core.ScopeID]advisoryRow
}

type advisoryRow struct {
	holderID  string
	expiresAt time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{locks: make(map[core.ScopeID]advisoryRow)}
}

func (m *InMemory) AppendMetricEvents(_ context.Context, events []core.MetricEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *InMemory) MetricEventsSince(_ context.Context, since time.Time, limit int) ([]core.MetricEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.MetricEvent
	for _, ev := range m.events {
		if !ev.Timestamp.After(since) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *InMemory) PruneMetricEvents(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []core.MetricEvent
	var pruned int64
	for _, ev := range m.events {
		if ev.Timestamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return pruned, nil
}

func (m *InMemory) AppendPatternObservations(_ context.Context, obs []core.PatternObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = append(m.obs, obs...)
	return nil
}

func (m *InMemory) PatternObservations(_ context.Context, limit int) ([]core.PatternObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.obs
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return append([]core.PatternObservation(nil), out...), nil
}

func (m *InMemory) TryAcquireAdvisory(_ context.Context, scope core.ScopeID, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for sc, row := range m.locks {
		if !row.expiresAt.After(now) {
			delete(m.locks, sc)
			continue
		}
		if sc == scope || sc.IsGlobal() || scope.IsGlobal() {
			return false, nil
		}
	}
	m.locks[scope] = advisoryRow{holderID: holderID, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *InMemory) ReleaseAdvisory(_ context.Context, scope core.ScopeID, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.locks[scope]; ok && row.holderID == holderID {
		delete(m.locks, scope)
	}
	return nil
}

func (m *InMemory) Close() error { return nil }
