package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quietfield/treelock/internal/core"
	"github.com/quietfield/treelock/internal/registry"
)

type recStub struct {
	mu     sync.Mutex
	events []core.MetricEvent
}

func (r *recStub) Record(ev core.MetricEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recStub) countType(t core.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type learnStub struct {
	mu      sync.Mutex
	learned []string
	hint    core.ScopeHint
	hintOK  bool
}

func (l *learnStub) Learn(callerID, verb, target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.learned = append(l.learned, callerID+"/"+verb+"/"+target)
}

func (l *learnStub) Predict(string) (core.ScopeHint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hint, l.hintOK
}

func alwaysLive(string) bool { return true }

func newTestScheduler(t *testing.T, reg *registry.Registry, rec Recorder, pred Learner, cfg Config) *Scheduler {
	t.Helper()
	s := New(reg, rec, pred, nil, cfg)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

// Eleven clients submit commits to eleven distinct worktree scopes at
// once. All must complete, and the batch must take about as long as
// one operation, not eleven.
func TestDistinctScopesRunInParallel(t *testing.T) {
	reg := registry.New(registry.Config{TTL: time.Minute, Liveness: alwaysLive})
	s := newTestScheduler(t, reg, &recStub{}, nil, Config{WorkerSlots: 16})

	const clients = 11
	const opTime = 50 * time.Millisecond

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := s.Submit(context.Background(), core.Request{
				Verb:     "commit",
				Target:   fmt.Sprintf("wt-%d", i),
				Priority: 10,
				CallerID: fmt.Sprintf("client-%d", i),
			})
			if err != nil {
				errs <- err
				return
			}
			time.Sleep(opTime)
			if _, err := s.Complete(g.ID); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("client failed: %v", err)
	}

	elapsed := time.Since(start)
	if elapsed > 6*opTime {
		t.Fatalf("batch took %v, expected parallel execution near %v", elapsed, opTime)
	}
}

func TestGlobalDrainBlocksNewWorktreeWork(t *testing.T) {
	reg := registry.New(registry.Config{TTL: time.Minute, Liveness: alwaysLive})
	s := newTestScheduler(t, reg, &recStub{}, nil, Config{WorkerSlots: 16})

	// Three worktree operations running.
	grants := make([]*Grant, 3)
	for i := range grants {
		g, err := s.Submit(context.Background(), core.Request{
			Verb: "commit", Target: fmt.Sprintf("wt-%d", i), Priority: 5, CallerID: "held",
		})
		if err != nil {
			t.Fatalf("setup submit %d: %v", i, err)
		}
		grants[i] = g
	}

	globalDone := make(chan *Grant, 1)
	go func() {
		g, err := s.Submit(context.Background(), core.Request{
			Verb: "merge", Priority: 5, CallerID: "merger",
		})
		if err != nil {
			t.Errorf("merge submit: %v", err)
		}
		globalDone <- g
	}()

	// Wait until the merge has started draining.
	deadline := time.Now().Add(time.Second)
	for reg.Available(core.WorktreeScope("wt-99")) {
		if time.Now().After(deadline) {
			t.Fatal("drain never started")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// A new worktree submission must not be granted during the drain.
	lateDone := make(chan *Grant, 1)
	go func() {
		g, err := s.Submit(context.Background(), core.Request{
			Verb: "commit", Target: "wt-99", Priority: 10, CallerID: "late",
		})
		if err != nil {
			t.Errorf("late submit: %v", err)
		}
		lateDone <- g
	}()

	select {
	case <-globalDone:
		t.Fatal("merge granted while worktree locks held")
	case <-lateDone:
		t.Fatal("worktree grant during drain")
	case <-time.After(50 * time.Millisecond):
	}

	for _, g := range grants[:2] {
		if _, err := s.Complete(g.ID); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	select {
	case <-globalDone:
		t.Fatal("merge granted with one worktree lock still held")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := s.Complete(grants[2].ID); err != nil {
		t.Fatalf("complete last: %v", err)
	}

	var mergeGrant *Grant
	select {
	case mergeGrant = <-globalDone:
	case <-time.After(time.Second):
		t.Fatal("merge never granted after all worktree locks released")
	}
	select {
	case <-lateDone:
		t.Fatal("worktree grant while global lock held")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := s.Complete(mergeGrant.ID); err != nil {
		t.Fatalf("complete merge: %v", err)
	}
	select {
	case g := <-lateDone:
		if _, err := s.Complete(g.ID); err != nil {
			t.Fatalf("complete late: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worktree request never granted after global release")
	}
}

// A contended request is requeued once with a boost, then surfaced as
// a terminal timeout naming the contended scope.
func TestRequeueOnceThenTerminalTimeout(t *testing.T) {
	reg := registry.New(registry.Config{TTL: time.Minute, Liveness: alwaysLive})
	rec := &recStub{}
	s := newTestScheduler(t, reg, rec, nil, Config{AcquireTimeout: 40 * time.Millisecond})

	holder, err := reg.Acquire(context.Background(), core.WorktreeScope("wt-1"), "hog", time.Second)
	if err != nil {
		t.Fatalf("setup acquire: %v", err)
	}
	defer reg.Release(holder)

	start := time.Now()
	_, err = s.Submit(context.Background(), core.Request{
		Verb: "commit", Target: "wt-1", Priority: 5, CallerID: "victim",
	})
	if err == nil {
		t.Fatal("expected terminal timeout")
	}
	if !errors.Is(err, core.ErrAcquisitionTimeout) {
		t.Fatalf("expected ErrAcquisitionTimeout, got %v", err)
	}
	var conflict *core.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %T", err)
	}
	if conflict.Holder != "hog" {
		t.Fatalf("expected contended holder hog, got %q", conflict.Holder)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("terminal failure after %v, expected two timeout rounds", elapsed)
	}
	if n := rec.countType(core.EventTimedOut); n != 2 {
		t.Fatalf("expected 2 timed_out events, got %d", n)
	}
}

func TestCancelQueuedAndDispatched(t *testing.T) {
	reg := registry.New(registry.Config{TTL: time.Minute, Liveness: alwaysLive})
	s := newTestScheduler(t, reg, &recStub{}, nil, Config{WorkerSlots: 1, AcquireTimeout: 10 * time.Second})

	holder, err := reg.Acquire(context.Background(), core.WorktreeScope("wt-1"), "hog", time.Second)
	if err != nil {
		t.Fatalf("setup acquire: %v", err)
	}
	defer reg.Release(holder)

	// First entry takes the only slot and blocks on the held scope.
	// It must occupy the slot before the second entry is submitted,
	// or the second one would win it and be granted immediately.
	blockedErr := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), core.Request{
			ID: "req-blocked", Verb: "commit", Target: "wt-1", Priority: 5, CallerID: "a",
		})
		blockedErr <- err
	}()
	waitForState(t, s, "req-blocked", StateDispatched)

	// Second entry stays queued with no free slot.
	queuedErr := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), core.Request{
			ID: "req-queued", Verb: "commit", Target: "wt-2", Priority: 5, CallerID: "b",
		})
		queuedErr <- err
	}()
	waitForState(t, s, "req-queued", StateQueued)

	if err := s.Cancel("req-queued"); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if err := <-queuedErr; !errors.Is(err, core.ErrCancelled) {
		t.Fatalf("expected ErrCancelled for queued entry, got %v", err)
	}

	if err := s.Cancel("req-blocked"); err != nil {
		t.Fatalf("cancel dispatched: %v", err)
	}
	if err := <-blockedErr; !errors.Is(err, core.ErrCancelled) {
		t.Fatalf("expected ErrCancelled for dispatched entry, got %v", err)
	}

	if err := s.Cancel("req-missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func waitForState(t *testing.T, s *Scheduler, requestID string, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		e, ok := s.entries[requestID]
		st := State("")
		if ok {
			st = e.state
		}
		s.mu.Unlock()
		if ok && st == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("request %s never reached %s (now %s)", requestID, want, st)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Aging raises effective priority with wait time but never past the
// top of the priority scale.
func TestAgingCapsAtMaxPriority(t *testing.T) {
	reg := registry.New(registry.Config{TTL: time.Minute, Liveness: alwaysLive})
	s := New(reg, nil, nil, nil, Config{AgingInterval: 10 * time.Millisecond})

	e := &entry{
		req:        core.Request{ID: "old", Priority: 1},
		scope:      core.WorktreeScope("wt-1"),
		state:      StateQueued,
		enqueuedAt: time.Now().Add(-500 * time.Millisecond),
		effective:  1,
		out:        make(chan outcome, 1),
	}
	s.mu.Lock()
	s.entries[e.req.ID] = e
	s.q = append(s.q, e)
	e.index = 0
	s.mu.Unlock()

	s.age()

	if e.effective != core.MaxPriority {
		t.Fatalf("expected effective priority capped at %d, got %d", core.MaxPriority, e.effective)
	}
}

func TestCompleteFeedsLearnerAndPreAcquires(t *testing.T) {
	reg := registry.New(registry.Config{TTL: time.Minute, AdvisoryGrace: time.Minute, Liveness: alwaysLive})
	pred := &learnStub{
		hint:   core.ScopeHint{Verb: "status", Scope: core.WorktreeScope("wt-next"), Confidence: 0.9},
		hintOK: true,
	}
	s := newTestScheduler(t, reg, &recStub{}, pred, Config{})

	g, err := s.Submit(context.Background(), core.Request{
		Verb: "checkout", Target: "wt-1", Priority: 5, CallerID: "c1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := s.Complete(g.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Status != core.StatusSuccess {
		t.Fatalf("expected success result, got %s", res.Status)
	}

	pred.mu.Lock()
	learned := append([]string(nil), pred.learned...)
	pred.mu.Unlock()
	if len(learned) != 1 || learned[0] != "c1/checkout/wt-1" {
		t.Fatalf("unexpected learn calls: %v", learned)
	}

	// The advisory lock from the hint is promoted on a real acquire
	// without waiting.
	start := time.Now()
	g2, err := s.Submit(context.Background(), core.Request{
		Verb: "status", Target: "wt-next", Priority: 5, CallerID: "c1",
	})
	if err != nil {
		t.Fatalf("submit against advisory scope: %v", err)
	}
	if waited := time.Since(start); waited > 200*time.Millisecond {
		t.Fatalf("acquire against advisory lock took %v", waited)
	}
	if _, err := s.Complete(g2.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestCompleteUnknownGrant(t *testing.T) {
	reg := registry.New(registry.Config{TTL: time.Minute, Liveness: alwaysLive})
	s := newTestScheduler(t, reg, &recStub{}, nil, Config{})
	if _, err := s.Complete("nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// With one worker slot occupied, a priority-10 entry queued after a
// priority-1 entry must still be granted first once the slot frees.
func TestHigherPriorityDispatchesFirst(t *testing.T) {
	reg := registry.New(registry.Config{TTL: time.Minute, Liveness: alwaysLive})
	s := newTestScheduler(t, reg, &recStub{}, nil, Config{WorkerSlots: 1, AcquireTimeout: 10 * time.Second})

	hold, err := s.Submit(context.Background(), core.Request{
		ID: "req-hold", Verb: "commit", Target: "wt-hold", Priority: 5, CallerID: "h",
	})
	if err != nil {
		t.Fatalf("holder submit: %v", err)
	}

	lowOut := make(chan *Grant, 1)
	go func() {
		g, err := s.Submit(context.Background(), core.Request{
			ID: "req-low", Verb: "commit", Target: "wt-race", Priority: 1, CallerID: "a",
		})
		if err != nil {
			t.Errorf("low submit: %v", err)
		}
		lowOut <- g
	}()
	waitForState(t, s, "req-low", StateQueued)

	highOut := make(chan *Grant, 1)
	go func() {
		g, err := s.Submit(context.Background(), core.Request{
			ID: "req-high", Verb: "commit", Target: "wt-race", Priority: 10, CallerID: "b",
		})
		if err != nil {
			t.Errorf("high submit: %v", err)
		}
		highOut <- g
	}()
	waitForState(t, s, "req-high", StateQueued)

	if _, err := s.Complete(hold.ID); err != nil {
		t.Fatalf("complete holder: %v", err)
	}

	var high *Grant
	select {
	case high = <-highOut:
	case low := <-lowOut:
		t.Fatalf("priority-1 entry granted before priority-10 (grant %s)", low.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no grant after freeing the slot")
	}
	waitForState(t, s, "req-low", StateQueued)

	if _, err := s.Complete(high.ID); err != nil {
		t.Fatalf("complete high: %v", err)
	}
	select {
	case low := <-lowOut:
		if _, err := s.Complete(low.ID); err != nil {
			t.Fatalf("complete low: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("low-priority entry never granted")
	}
}

// An old priority-1 entry ages up to the cap and then beats a fresh
// priority-10 arrival on the FIFO tie-break, bounding starvation.
func TestAgedEntryBeatsFreshArrival(t *testing.T) {
	reg := registry.New(registry.Config{TTL: time.Minute, Liveness: alwaysLive})
	s := newTestScheduler(t, reg, &recStub{}, nil, Config{
		WorkerSlots:    1,
		AcquireTimeout: 10 * time.Second,
		AgingInterval:  10 * time.Millisecond,
	})

	hold, err := s.Submit(context.Background(), core.Request{
		ID: "req-hold", Verb: "commit", Target: "wt-hold", Priority: 5, CallerID: "h",
	})
	if err != nil {
		t.Fatalf("holder submit: %v", err)
	}

	oldOut := make(chan *Grant, 1)
	go func() {
		g, err := s.Submit(context.Background(), core.Request{
			ID: "req-old", Verb: "commit", Target: "wt-a", Priority: core.MinPriority, CallerID: "a",
		})
		if err != nil {
			t.Errorf("old submit: %v", err)
		}
		oldOut <- g
	}()
	waitForState(t, s, "req-old", StateQueued)

	// Let aging lift the old entry to the priority cap.
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		eff := s.entries["req-old"].effective
		s.mu.Unlock()
		if eff == core.MaxPriority {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("old entry never aged to the cap, effective=%d", eff)
		}
		time.Sleep(5 * time.Millisecond)
	}

	newOut := make(chan *Grant, 1)
	go func() {
		g, err := s.Submit(context.Background(), core.Request{
			ID: "req-new", Verb: "commit", Target: "wt-b", Priority: core.MaxPriority, CallerID: "b",
		})
		if err != nil {
			t.Errorf("new submit: %v", err)
		}
		newOut <- g
	}()
	waitForState(t, s, "req-new", StateQueued)

	if _, err := s.Complete(hold.ID); err != nil {
		t.Fatalf("complete holder: %v", err)
	}

	var old *Grant
	select {
	case old = <-oldOut:
	case g := <-newOut:
		t.Fatalf("fresh arrival granted before the aged entry (grant %s)", g.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no grant after freeing the slot")
	}
	if _, err := s.Complete(old.ID); err != nil {
		t.Fatalf("complete old: %v", err)
	}
	select {
	case g := <-newOut:
		if _, err := s.Complete(g.ID); err != nil {
			t.Fatalf("complete new: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fresh entry never granted")
	}
}

func TestHeartbeatExtendsTTL(t *testing.T) {
	reg := registry.New(registry.Config{TTL: 50 * time.Millisecond, Liveness: alwaysLive})
	s := newTestScheduler(t, reg, &recStub{}, nil, Config{})

	g, err := s.Submit(context.Background(), core.Request{
		Verb: "commit", Target: "wt-1", Priority: 5, CallerID: "c1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	locks := reg.Snapshot()
	if len(locks) != 1 {
		t.Fatalf("expected 1 held lock, got %d", len(locks))
	}
	before := locks[0].TTLDeadline

	time.Sleep(10 * time.Millisecond)
	deadline, err := s.Heartbeat(g.ID)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !deadline.After(before) {
		t.Fatalf("deadline %v not extended past %v", deadline, before)
	}
	if got := reg.Snapshot()[0].TTLDeadline; !got.Equal(deadline) {
		t.Fatalf("registry deadline %v, heartbeat reported %v", got, deadline)
	}

	if _, err := s.Complete(g.ID); err != nil {
		t.Fatalf("complete after heartbeat: %v", err)
	}

	if _, err := s.Heartbeat(g.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after completion, got %v", err)
	}
}
