// Package scheduler is the coordinating core: it accepts operation
// requests, orders them by effective priority, dispatches execution
// slots as scopes become available, and applies anti-starvation aging.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quietfield/treelock/internal/core"
	"github.com/quietfield/treelock/internal/registry"
	"github.com/quietfield/treelock/internal/scope"
)

// State tracks a queue entry through its lifecycle.
type State string

const (
	StateQueued     State = "queued"
	StateDispatched State = "dispatched"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateTimedOut   State = "timed_out"
	StateCancelled  State = "cancelled"
)

// requeueBoost is added to effective priority when a timed-out entry
// is requeued, still subject to the MaxPriority cap.
const requeueBoost = 2

// Recorder receives metric events from scheduler transitions.
// Implementations must not block.
type Recorder interface {
	Record(ev core.MetricEvent)
}

// Learner observes completed operations and offers next-scope hints.
type Learner interface {
	Learn(callerID, verb, target string)
	Predict(callerID string) (core.ScopeHint, bool)
}

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	// AcquireTimeout bounds how long a dispatched entry may wait for
	// its scope before timing out.
	AcquireTimeout time.Duration
	// AgingInterval is the wait time that earns one point of
	// effective priority.
	AgingInterval time.Duration
	// WorkerSlots bounds how many granted operations run at once.
	WorkerSlots int
}

func (c Config) withDefaults() Config {
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.AgingInterval <= 0 {
		c.AgingInterval = 5 * time.Second
	}
	if c.WorkerSlots <= 0 {
		c.WorkerSlots = 16
	}
	return c
}

// Grant is a granted execution slot. The caller owns the underlying
// operation; it must call Complete (or Fail) when done so the lock is
// released and the slot freed.
type Grant struct {
	ID        string       `json:"id"`
	RequestID string       `json:"request_id"`
	Scope     core.ScopeID `json:"scope"`
	Verb      string       `json:"verb"`
	GrantedAt time.Time    `json:"granted_at"`
	WaitedMS  int64        `json:"waited_ms"`

	lock  core.Lock
	entry *entry
}

type outcome struct {
	grant *Grant
	err   error
}

type entry struct {
	req        core.Request
	scope      core.ScopeID
	state      State
	enqueuedAt time.Time
	effective  int
	requeued   bool
	cancel     context.CancelFunc
	out        chan outcome
	index      int
}

// queue is a max-heap on effective priority with FIFO tie-break.
type queue []*entry

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].effective != q[j].effective {
		return q[i].effective > q[j].effective
	}
	return q[i].enqueuedAt.Before(q[j].enqueuedAt)
}
func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Scheduler owns the priority queue. Queue mutation happens under one
// mutex with short hold times; granted operations run on independent
// worker slots so unrelated scopes proceed in parallel.
type Scheduler struct {
	cfg  Config
	reg  *registry.Registry
	rec  Recorder
	pred Learner
	log  *slog.Logger

	mu       sync.Mutex
	q        queue
	entries  map[string]*entry // request ID -> queued/dispatched entry
	grants   map[string]*Grant
	inflight map[core.ScopeID]int

	slots  chan struct{}
	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func New(reg *registry.Registry, rec Recorder, pred Learner, log *slog.Logger, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		reg:      reg,
		rec:      rec,
		pred:     pred,
		log:      log,
		entries:  make(map[string]*entry),
		grants:   make(map[string]*Grant),
		inflight: make(map[core.ScopeID]int),
		slots:    make(chan struct{}, cfg.WorkerSlots),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the dispatch loop and aging ticker.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop halts dispatching. Entries still queued receive a cancelled
// outcome; running grants are left for TTL reclamation.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Submit enqueues req and blocks until the scheduler grants a slot,
// the request times out twice, or ctx is cancelled. The returned
// Grant must be completed by the caller.
func (s *Scheduler) Submit(ctx context.Context, req core.Request) (*Grant, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.Priority = core.ClampPriority(req.Priority)
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	requirement := scope.Resolve(req.Verb, req.Target)

	e := &entry{
		req:        req,
		scope:      requirement.Scope,
		state:      StateQueued,
		enqueuedAt: time.Now(),
		effective:  req.Priority,
		out:        make(chan outcome, 1),
	}

	s.mu.Lock()
	if _, dup := s.entries[req.ID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("request %s: already queued", req.ID)
	}
	s.entries[req.ID] = e
	heap.Push(&s.q, e)
	s.mu.Unlock()
	s.wake()

	select {
	case o := <-e.out:
		return o.grant, o.err
	case <-ctx.Done():
		s.abandon(e)
		return nil, fmt.Errorf("request %s: %w", req.ID, core.ErrCancelled)
	}
}

// Cancel removes a queued entry or aborts a dispatched entry's wait.
// Entries already granted cannot be cancelled.
func (s *Scheduler) Cancel(requestID string) error {
	s.mu.Lock()
	e, ok := s.entries[requestID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("request %s: %w", requestID, core.ErrNotFound)
	}
	switch e.state {
	case StateQueued:
		heap.Remove(&s.q, e.index)
		delete(s.entries, requestID)
		e.state = StateCancelled
		s.mu.Unlock()
		e.out <- outcome{err: fmt.Errorf("request %s: %w", requestID, core.ErrCancelled)}
		return nil
	case StateDispatched:
		cancel := e.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		s.mu.Unlock()
		return fmt.Errorf("request %s in state %s: %w", requestID, e.state, core.ErrNotFound)
	}
}

// Complete releases the grant's lock, feeds the learner, and frees the
// worker slot. It returns the terminal result for the operation.
func (s *Scheduler) Complete(grantID string) (core.Result, error) {
	s.mu.Lock()
	g, ok := s.grants[grantID]
	if ok {
		delete(s.grants, grantID)
	}
	s.mu.Unlock()
	if !ok {
		return core.Result{}, fmt.Errorf("grant %s: %w", grantID, core.ErrNotFound)
	}

	held := time.Since(g.GrantedAt)
	if err := s.reg.Release(g.lock); err != nil {
		// The lock may have been reclaimed as stale while running.
		s.log.Warn("release after completion failed",
			"grant", grantID, "scope", g.Scope, "error", err)
	}
	s.finishEntry(g, StateCompleted)
	s.record(core.MetricEvent{
		Type:       core.EventReleased,
		Scope:      g.Scope,
		DurationMS: held.Milliseconds(),
		Verb:       g.Verb,
	})

	if s.pred != nil {
		s.pred.Learn(g.entry.req.CallerID, g.Verb, g.entry.req.Target)
		s.preAcquire(g.entry.req.CallerID)
	}
	s.wake()

	return core.Result{
		RequestID:  g.RequestID,
		Status:     core.StatusSuccess,
		Scope:      g.Scope,
		DurationMS: held.Milliseconds(),
	}, nil
}

// Heartbeat extends the TTL of a running grant's lock so a legitimate
// long-running operation is not reclaimed as stale. Returns the new
// TTL deadline.
func (s *Scheduler) Heartbeat(grantID string) (time.Time, error) {
	s.mu.Lock()
	g, ok := s.grants[grantID]
	var lock core.Lock
	if ok {
		lock = g.lock
	}
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("grant %s: %w", grantID, core.ErrNotFound)
	}

	extended, err := s.reg.ExtendTTL(lock)
	if err != nil {
		return time.Time{}, fmt.Errorf("grant %s: %w", grantID, err)
	}

	// The grant may have completed while we extended; the generation
	// is unchanged either way, so a later Release still matches.
	s.mu.Lock()
	if cur, live := s.grants[grantID]; live {
		cur.lock = extended
	}
	s.mu.Unlock()
	return extended.TTLDeadline, nil
}

// Queue reports the current queue contents for introspection.
func (s *Scheduler) Queue() []core.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Request, 0, len(s.q))
	for _, e := range s.q {
		out = append(out, e.req)
	}
	return out
}

// Grants reports currently running grants.
func (s *Scheduler) Grants() []Grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Grant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, *g)
	}
	return out
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	aging := time.NewTicker(s.cfg.AgingInterval)
	defer aging.Stop()

	for {
		select {
		case <-s.kick:
			s.dispatch(ctx)
		case <-aging.C:
			s.age()
			s.dispatch(ctx)
		case <-ctx.Done():
			s.drainQueue()
			return
		}
	}
}

// dispatch pops eligible entries in priority order and hands each to a
// worker slot. An entry is skipped while another dispatched entry
// would conflict on scope; a global entry is dispatched even while
// worktree grants run, since acquiring it is what starts the drain.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		select {
		case s.slots <- struct{}{}:
		default:
			return // all worker slots busy
		}

		s.mu.Lock()
		e := s.popEligibleLocked()
		if e == nil {
			s.mu.Unlock()
			<-s.slots
			return
		}
		e.state = StateDispatched
		wctx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		s.inflight[e.scope]++
		s.mu.Unlock()

		go s.acquireAndGrant(wctx, e)
	}
}

func (s *Scheduler) popEligibleLocked() *entry {
	var skipped []*entry
	var picked *entry
	for s.q.Len() > 0 {
		e := heap.Pop(&s.q).(*entry)
		if s.eligibleLocked(e) {
			picked = e
			break
		}
		skipped = append(skipped, e)
	}
	for _, e := range skipped {
		heap.Push(&s.q, e)
	}
	return picked
}

func (s *Scheduler) eligibleLocked(e *entry) bool {
	if s.inflight[core.ScopeGlobal] > 0 {
		return false
	}
	if e.scope.IsGlobal() {
		return true
	}
	return s.inflight[e.scope] == 0
}

func (s *Scheduler) acquireAndGrant(ctx context.Context, e *entry) {
	start := time.Now()
	lock, err := s.reg.Acquire(ctx, e.scope, e.req.CallerID, s.cfg.AcquireTimeout)
	waited := time.Since(start)

	s.mu.Lock()
	s.inflight[e.scope]--
	if s.inflight[e.scope] == 0 {
		delete(s.inflight, e.scope)
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.record(core.MetricEvent{
			Type:       core.EventWaited,
			Scope:      e.scope,
			DurationMS: waited.Milliseconds(),
			Verb:       e.req.Verb,
		})
		s.record(core.MetricEvent{
			Type:  core.EventAcquired,
			Scope: e.scope,
			Verb:  e.req.Verb,
		})
		g := &Grant{
			ID:        uuid.New().String(),
			RequestID: e.req.ID,
			Scope:     e.scope,
			Verb:      e.req.Verb,
			GrantedAt: time.Now().UTC(),
			WaitedMS:  waited.Milliseconds(),
			lock:      lock,
			entry:     e,
		}
		s.mu.Lock()
		if _, live := s.entries[e.req.ID]; !live {
			// Submitter stopped waiting while we acquired.
			s.mu.Unlock()
			if rerr := s.reg.Release(lock); rerr != nil {
				s.log.Warn("release of abandoned grant failed", "scope", e.scope, "error", rerr)
			}
			s.freeSlot()
			return
		}
		e.state = StateRunning
		s.grants[g.ID] = g
		s.mu.Unlock()
		e.out <- outcome{grant: g}

	case ctx.Err() != nil:
		s.settle(e, StateCancelled)
		e.out <- outcome{err: fmt.Errorf("request %s: %w", e.req.ID, core.ErrCancelled)}
		s.freeSlot()
		return

	default:
		s.record(core.MetricEvent{
			Type:       core.EventTimedOut,
			Scope:      e.scope,
			DurationMS: waited.Milliseconds(),
			Verb:       e.req.Verb,
		})
		if !e.requeued {
			s.requeue(e)
			s.freeSlot()
			return
		}
		s.settle(e, StateTimedOut)
		e.out <- outcome{err: err}
		s.freeSlot()
		return
	}
	// Grant delivered; the slot stays occupied until Complete.
}

// requeue puts a timed-out entry back with a priority boost. A second
// timeout is terminal.
func (s *Scheduler) requeue(e *entry) {
	s.mu.Lock()
	e.requeued = true
	e.state = StateQueued
	e.cancel = nil
	e.effective = min(core.MaxPriority, e.effective+requeueBoost)
	heap.Push(&s.q, e)
	s.mu.Unlock()
	s.log.Info("requeued after acquisition timeout",
		"request", e.req.ID, "scope", e.scope, "effective_priority", e.effective)
	s.wake()
}

// age recomputes effective priorities from wait time, capped at
// MaxPriority so aging bounds starvation without letting any entry
// outrank the top of the scale.
func (s *Scheduler) age() {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, e := range s.q {
		bonus := int(time.Since(e.enqueuedAt) / s.cfg.AgingInterval)
		eff := min(core.MaxPriority, e.req.Priority+bonus)
		if e.requeued {
			eff = min(core.MaxPriority, eff+requeueBoost)
		}
		if eff != e.effective {
			e.effective = eff
			changed = true
		}
	}
	if changed {
		heap.Init(&s.q)
	}
}

func (s *Scheduler) preAcquire(callerID string) {
	hint, ok := s.pred.Predict(callerID)
	if !ok || hint.Scope.IsGlobal() {
		return
	}
	if s.reg.AcquireAdvisory(hint.Scope) {
		s.log.Debug("advisory pre-acquisition",
			"scope", hint.Scope, "verb", hint.Verb, "confidence", hint.Confidence)
	}
}

func (s *Scheduler) settle(e *entry, st State) {
	s.mu.Lock()
	e.state = st
	delete(s.entries, e.req.ID)
	s.mu.Unlock()
}

func (s *Scheduler) finishEntry(g *Grant, st State) {
	s.mu.Lock()
	g.entry.state = st
	cancel := g.entry.cancel
	delete(s.entries, g.entry.req.ID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.freeSlot()
}

func (s *Scheduler) freeSlot() {
	<-s.slots
	s.wake()
}

// abandon removes an entry whose submitter stopped waiting.
func (s *Scheduler) abandon(e *entry) {
	s.mu.Lock()
	if e.state == StateQueued && e.index >= 0 {
		heap.Remove(&s.q, e.index)
	}
	cancel := e.cancel
	delete(s.entries, e.req.ID)
	var orphan *Grant
	for id, g := range s.grants {
		if g.RequestID == e.req.ID {
			orphan = g
			delete(s.grants, id)
			break
		}
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if orphan != nil {
		if err := s.reg.Release(orphan.lock); err != nil {
			s.log.Warn("release of abandoned grant failed", "scope", orphan.Scope, "error", err)
		}
		s.freeSlot()
	}
}

func (s *Scheduler) drainQueue() {
	s.mu.Lock()
	pending := make([]*entry, 0, len(s.q))
	for _, e := range s.q {
		pending = append(pending, e)
	}
	s.q = nil
	s.mu.Unlock()
	for _, e := range pending {
		s.settle(e, StateCancelled)
		e.out <- outcome{err: fmt.Errorf("request %s: %w", e.req.ID, core.ErrSchedulerUnavailable)}
	}
}

func (s *Scheduler) record(ev core.MetricEvent) {
	if s.rec != nil {
		s.rec.Record(ev)
	}
}

func (s *Scheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
