// Package registry holds the in-memory lock table for the coordinator.
// It is the only truly shared mutable state in the system; all access
// goes through Acquire/Release/ReclaimStale behind a single mutex with
// blocking waits and explicit wake-on-release (no polling).
package registry

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/quietfield/treelock/internal/core"
)

// AdvisoryHolder is the holder ID recorded for speculative
// pre-acquisitions made on behalf of the predictor.
const AdvisoryHolder = "predictor"

// LivenessProbe reports whether the process owning a holder ID is
// still alive. Injected so tests can simulate dead holders.
type LivenessProbe func(holderID string) bool

// StaleObserver receives a notification for every force-released
// stale lock. Must not block.
type StaleObserver func(core.MetricEvent)

// ProcessProbe is the default liveness probe. Holder IDs carry a
// ":<pid>" suffix (as written by the client library); a signal-0
// check decides liveness. Holders without a parsable pid are treated
// as live, so their TTL is extended rather than stolen.
func ProcessProbe(holderID string) bool {
	idx := strings.LastIndex(holderID, ":")
	if idx < 0 {
		return true
	}
	pid, err := strconv.Atoi(holderID[idx+1:])
	if err != nil || pid <= 0 {
		return true
	}
	return syscall.Kill(pid, 0) == nil
}

// Config controls registry behavior.
type Config struct {
	// TTL is how long a lock may be held before it becomes eligible
	// for staleness checks. Must exceed the longest legitimate
	// operation.
	TTL time.Duration

	// AdvisoryGrace is how long an advisory pre-acquisition survives
	// unused before it is silently released.
	AdvisoryGrace time.Duration

	Liveness LivenessProbe
	OnStale  StaleObserver
}

type held struct {
	lock core.Lock
}

// Registry is the in-memory scope → lock table.
type Registry struct {
	mu       sync.Mutex
	locks    map[core.ScopeID]*held
	gens     map[core.ScopeID]uint64
	waiters  map[core.ScopeID][]chan struct{}
	holdings map[string]map[core.ScopeID]struct{} // holder -> scopes held
	draining int                                  // global requests currently waiting

	ttl      time.Duration
	grace    time.Duration
	liveness LivenessProbe
	onStale  StaleObserver
	now      func() time.Time

	misfires atomic.Int64
}

// New creates a Registry. Zero-value config fields get defaults:
// 30s TTL, 2s advisory grace, process-signal liveness.
func New(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.AdvisoryGrace <= 0 {
		cfg.AdvisoryGrace = 2 * time.Second
	}
	if cfg.Liveness == nil {
		cfg.Liveness = ProcessProbe
	}
	return &Registry{
		locks:    make(map[core.ScopeID]*held),
		gens:     make(map[core.ScopeID]uint64),
		waiters:  make(map[core.ScopeID][]chan struct{}),
		holdings: make(map[string]map[core.ScopeID]struct{}),
		ttl:      cfg.TTL,
		grace:    cfg.AdvisoryGrace,
		liveness: cfg.Liveness,
		onStale:  cfg.OnStale,
		now:      time.Now,
	}
}

// Acquire blocks until the scope is free (respecting global/worktree
// exclusion) or the timeout elapses. A global request first marks the
// registry draining, which refuses new worktree acquisitions until the
// global lock is acquired and released again.
//
// Strict ordering is enforced up front: a holder that already owns a
// worktree lock may not request the global scope. That ordering rule
// is what makes runtime deadlock detection unnecessary.
func (r *Registry) Acquire(ctx context.Context, scope core.ScopeID, holderID string, timeout time.Duration) (core.Lock, error) {
	start := r.now()
	deadline := start.Add(timeout)

	r.mu.Lock()
	if scope.IsGlobal() && r.holdsWorktreeLocked(holderID) {
		r.mu.Unlock()
		return core.Lock{}, core.ErrScopeConflict
	}
	if scope.IsGlobal() {
		r.draining++
		// Speculative locks yield immediately to a drain.
		r.dropAdvisoryLocksLocked()
		defer func() {
			r.mu.Lock()
			r.draining--
			if r.draining == 0 {
				r.wakeAllScopesLocked()
			}
			r.mu.Unlock()
		}()
	}

	for {
		if lock, ok := r.tryAcquireLocked(scope, holderID); ok {
			r.mu.Unlock()
			return lock, nil
		}

		ch := make(chan struct{}, 1)
		r.waiters[scope] = append(r.waiters[scope], ch)
		holder := r.currentHolderLocked(scope)
		r.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			r.removeWaiter(scope, ch)
			return core.Lock{}, &core.ConflictError{Scope: scope, Holder: holder, Waited: r.now().Sub(start)}
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			r.removeWaiter(scope, ch)
			return core.Lock{}, &core.ConflictError{Scope: scope, Holder: holder, Waited: r.now().Sub(start)}
		case <-ctx.Done():
			timer.Stop()
			r.removeWaiter(scope, ch)
			return core.Lock{}, ctx.Err()
		}
		r.mu.Lock()
	}
}

// tryAcquireLocked attempts a single non-blocking acquisition.
// An unused advisory lock on the scope is promoted to the caller.
func (r *Registry) tryAcquireLocked(scope core.ScopeID, holderID string) (core.Lock, bool) {
	if scope.IsGlobal() {
		// Global needs every scope free (advisory ones were dropped
		// when the drain began).
		if len(r.locks) != 0 {
			return core.Lock{}, false
		}
	} else {
		if r.draining > 0 {
			return core.Lock{}, false
		}
		if _, ok := r.locks[core.ScopeGlobal]; ok {
			return core.Lock{}, false
		}
		if h, ok := r.locks[scope]; ok {
			if !h.lock.Advisory {
				return core.Lock{}, false
			}
			// Promote the advisory lock: it changes hands, so the
			// generation advances.
		}
	}

	now := r.now()
	r.gens[scope]++
	lock := core.Lock{
		Scope:       scope,
		HolderID:    holderID,
		AcquiredAt:  now,
		TTLDeadline: now.Add(r.ttl),
		Generation:  r.gens[scope],
	}
	r.locks[scope] = &held{lock: lock}
	if r.holdings[holderID] == nil {
		r.holdings[holderID] = make(map[core.ScopeID]struct{})
	}
	r.holdings[holderID][scope] = struct{}{}
	return lock, true
}

// Release removes the lock and wakes a single waiter. Releasing with a
// stale reference (the scope has changed hands since) is refused.
func (r *Registry) Release(lock core.Lock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.locks[lock.Scope]
	if !ok {
		return core.ErrLockNotHeld
	}
	if h.lock.Generation != lock.Generation {
		return core.ErrStaleGeneration
	}
	r.removeLockLocked(lock.Scope, h.lock.HolderID)
	r.wakeAfterReleaseLocked(lock.Scope)
	return nil
}

// ExtendTTL pushes out the TTL deadline of a held lock, for holders
// that heartbeat through the coordinator.
func (r *Registry) ExtendTTL(lock core.Lock) (core.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.locks[lock.Scope]
	if !ok {
		return core.Lock{}, core.ErrLockNotHeld
	}
	if h.lock.Generation != lock.Generation {
		return core.Lock{}, core.ErrStaleGeneration
	}
	h.lock.TTLDeadline = r.now().Add(r.ttl)
	return h.lock, nil
}

// AcquireAdvisory makes a non-blocking speculative acquisition for the
// predictor. It never waits and never fails a caller: if the scope is
// busy or a drain is in progress, it just declines. The advisory lock
// auto-releases after the grace window if no real request claims it.
func (r *Registry) AcquireAdvisory(scope core.ScopeID) bool {
	if scope.IsGlobal() {
		// Pre-acquiring global would stall every worktree; never worth it.
		return false
	}
	r.mu.Lock()
	if r.draining > 0 {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.locks[core.ScopeGlobal]; ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.locks[scope]; ok {
		r.mu.Unlock()
		return false
	}
	now := r.now()
	r.gens[scope]++
	gen := r.gens[scope]
	r.locks[scope] = &held{lock: core.Lock{
		Scope:       scope,
		HolderID:    AdvisoryHolder,
		AcquiredAt:  now,
		TTLDeadline: now.Add(r.grace),
		Generation:  gen,
		Advisory:    true,
	}}
	r.mu.Unlock()

	time.AfterFunc(r.grace, func() {
		r.expireAdvisory(scope, gen)
	})
	return true
}

// expireAdvisory releases an advisory lock that went unused within its
// grace window. A misfire is not an error; it only bumps a counter.
func (r *Registry) expireAdvisory(scope core.ScopeID, generation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.locks[scope]
	if !ok || !h.lock.Advisory || h.lock.Generation != generation {
		return
	}
	r.removeLockLocked(scope, h.lock.HolderID)
	r.misfires.Add(1)
	r.wakeAfterReleaseLocked(scope)
}

// Misfires returns the number of advisory locks released unused.
func (r *Registry) Misfires() int64 { return r.misfires.Load() }

// Available reports whether an acquisition for scope would succeed
// right now. Used by the scheduler for scope-aware dispatch; the
// answer may race with other acquirers, which is fine since Acquire
// re-checks under the lock.
func (r *Registry) Available(scope core.ScopeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if scope.IsGlobal() {
		for _, h := range r.locks {
			if !h.lock.Advisory {
				return false
			}
		}
		return true
	}
	if r.draining > 0 {
		return false
	}
	if _, ok := r.locks[core.ScopeGlobal]; ok {
		return false
	}
	h, ok := r.locks[scope]
	return !ok || h.lock.Advisory
}

// ReclaimStale scans held locks past their TTL deadline. Dead holders
// are force-released and reported; live holders get their TTL extended
// instead, since a long-running operation is not a stale one. Returns
// the reclaimed locks.
func (r *Registry) ReclaimStale() []core.Lock {
	now := r.now()

	r.mu.Lock()
	var reclaimed []core.Lock
	for scope, h := range r.locks {
		if h.lock.TTLDeadline.After(now) {
			continue
		}
		if h.lock.Advisory {
			// Advisory expiry is handled by its own timer.
			continue
		}
		if r.liveness(h.lock.HolderID) {
			h.lock.TTLDeadline = now.Add(r.ttl)
			continue
		}
		reclaimed = append(reclaimed, h.lock)
		r.removeLockLocked(scope, h.lock.HolderID)
		r.wakeAfterReleaseLocked(scope)
	}
	r.mu.Unlock()

	if r.onStale != nil {
		for _, lock := range reclaimed {
			r.onStale(core.MetricEvent{
				Timestamp:  now,
				Type:       core.EventStaleReclaimed,
				Scope:      lock.Scope,
				DurationMS: now.Sub(lock.AcquiredAt).Milliseconds(),
			})
		}
	}
	return reclaimed
}

// Snapshot returns a copy of all currently held locks.
func (r *Registry) Snapshot() []core.Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Lock, 0, len(r.locks))
	for _, h := range r.locks {
		out = append(out, h.lock)
	}
	return out
}

func (r *Registry) removeLockLocked(scope core.ScopeID, holderID string) {
	delete(r.locks, scope)
	if scopes, ok := r.holdings[holderID]; ok {
		delete(scopes, scope)
		if len(scopes) == 0 {
			delete(r.holdings, holderID)
		}
	}
}

func (r *Registry) holdsWorktreeLocked(holderID string) bool {
	for scope := range r.holdings[holderID] {
		if !scope.IsGlobal() {
			return true
		}
	}
	return false
}

func (r *Registry) currentHolderLocked(scope core.ScopeID) string {
	if h, ok := r.locks[scope]; ok {
		return h.lock.HolderID
	}
	if scope.IsGlobal() {
		// A drain waits on whatever worktree locks remain.
		for _, h := range r.locks {
			return h.lock.HolderID
		}
	}
	if _, ok := r.locks[core.ScopeGlobal]; ok {
		return r.locks[core.ScopeGlobal].lock.HolderID
	}
	return ""
}

func (r *Registry) dropAdvisoryLocksLocked() {
	for scope, h := range r.locks {
		if h.lock.Advisory {
			r.removeLockLocked(scope, h.lock.HolderID)
			r.misfires.Add(1)
		}
	}
}

// wakeAfterReleaseLocked wakes exactly one waiter per scope that can
// now make progress. Within a scope only a single waiter is signaled,
// avoiding herd re-contention.
func (r *Registry) wakeAfterReleaseLocked(released core.ScopeID) {
	if released.IsGlobal() {
		// Every worktree scope may now proceed; one waiter each.
		r.wakeAllScopesLocked()
		return
	}
	if r.draining > 0 {
		if len(r.locks) == 0 {
			r.wakeOneLocked(core.ScopeGlobal)
		}
		return
	}
	r.wakeOneLocked(released)
}

func (r *Registry) wakeAllScopesLocked() {
	for scope := range r.waiters {
		r.wakeOneLocked(scope)
	}
}

func (r *Registry) wakeOneLocked(scope core.ScopeID) {
	q := r.waiters[scope]
	if len(q) == 0 {
		return
	}
	ch := q[0]
	r.waiters[scope] = q[1:]
	if len(r.waiters[scope]) == 0 {
		delete(r.waiters, scope)
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *Registry) removeWaiter(scope core.ScopeID, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.waiters[scope]
	for i, c := range q {
		if c == ch {
			r.waiters[scope] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(r.waiters[scope]) == 0 {
		delete(r.waiters, scope)
	}
	// The waiter may have been signaled concurrently with its timeout;
	// pass the wakeup on so the release isn't lost.
	select {
	case <-ch:
		r.wakeOneLocked(scope)
	default:
	}
}
