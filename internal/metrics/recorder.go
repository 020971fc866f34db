// Package metrics records coordinator lock-lifecycle events and keeps
// rolling wait-time statistics. Recording is strictly best-effort and
// never blocks the caller: a full buffer drops the event and counts
// the drop instead.
package metrics

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quietfield/treelock/internal/core"
)

// EventStore is the durable sink for metric events. The sqlite store
// implements it; failures are logged and absorbed, never propagated
// to the operation path.
type EventStore interface {
	AppendMetricEvents(ctx context.Context, events []core.MetricEvent) error
	MetricEventsSince(ctx context.Context, since time.Time, limit int) ([]core.MetricEvent, error)
	PruneMetricEvents(ctx context.Context, before time.Time) (int64, error)
}

// Broadcaster pushes events to live feed subscribers (the WebSocket hub).
type Broadcaster interface {
	Broadcast(ev core.MetricEvent)
}

// Config controls recorder behavior.
type Config struct {
	// BufferSize is the capacity of the non-blocking event channel.
	BufferSize int
	// FlushInterval is how often buffered events are written out.
	FlushInterval time.Duration
	// Retention is how long events are kept before pruning.
	Retention time.Duration
	// WindowSize bounds the per-class rolling sample windows used for
	// percentile computation.
	WindowSize int
}

// Summary is the on-demand statistics snapshot for external consumers.
type Summary struct {
	PerScope      map[string]ScopeSummary `json:"per_scope"`
	StaleReclaims int64                   `json:"stale_reclaims"`
	Misfires      int64                   `json:"misfires"`
	Dropped       int64                   `json:"dropped_events"`
}

// ScopeSummary aggregates one scope class (global or worktree).
type ScopeSummary struct {
	WaitP50MS  int64 `json:"wait_p50_ms"`
	WaitP95MS  int64 `json:"wait_p95_ms"`
	WaitP99MS  int64 `json:"wait_p99_ms"`
	Contention int64 `json:"contention"`
	Timeouts   int64 `json:"timeouts"`
	Acquired   int64 `json:"acquired"`
}

// Recorder is the metrics pipeline: non-blocking enqueue, background
// flush to durable storage, rolling percentile windows.
type Recorder struct {
	ch    chan core.MetricEvent
	store EventStore
	bus   Broadcaster

	mu      sync.Mutex
	windows map[string]*window // scope class -> waited durations
	counts  map[string]*classCounts

	staleReclaims atomic.Int64
	dropped       atomic.Int64
	misfireFn     func() int64

	flushInterval time.Duration
	retention     time.Duration
	windowSize    int

	cancel context.CancelFunc
	done   chan struct{}
}

type classCounts struct {
	contention int64
	timeouts   int64
	acquired   int64
}

// New creates a Recorder writing to store. bus may be nil.
func New(store EventStore, bus Broadcaster, cfg Config) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 1024
	}
	return &Recorder{
		ch:            make(chan core.MetricEvent, cfg.BufferSize),
		store:         store,
		bus:           bus,
		windows:       make(map[string]*window),
		counts:        make(map[string]*classCounts),
		flushInterval: cfg.FlushInterval,
		retention:     cfg.Retention,
		windowSize:    cfg.WindowSize,
		done:          make(chan struct{}),
	}
}

// WithMisfireSource wires the registry's advisory misfire counter into
// the summary.
func (rec *Recorder) WithMisfireSource(fn func() int64) *Recorder {
	rec.misfireFn = fn
	return rec
}

// Record enqueues an event without blocking. On a full buffer the
// event is dropped and counted.
func (rec *Recorder) Record(ev core.MetricEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case rec.ch <- ev:
	default:
		rec.dropped.Add(1)
	}
}

// Start launches the background flusher and retention pruner.
func (rec *Recorder) Start(ctx context.Context) {
	ctx, rec.cancel = context.WithCancel(ctx)

	go func() {
		defer close(rec.done)

		flush := time.NewTicker(rec.flushInterval)
		defer flush.Stop()
		prune := time.NewTicker(time.Hour)
		defer prune.Stop()

		var batch []core.MetricEvent
		for {
			select {
			case <-ctx.Done():
				rec.drain(&batch)
				rec.flush(batch)
				return
			case ev := <-rec.ch:
				rec.ingest(ev)
				batch = append(batch, ev)
			case <-flush.C:
				rec.drain(&batch)
				rec.flush(batch)
				batch = batch[:0]
			case <-prune.C:
				cutoff := time.Now().UTC().Add(-rec.retention)
				if n, err := rec.store.PruneMetricEvents(context.Background(), cutoff); err != nil {
					log.Printf("metrics: prune: %v", err)
				} else if n > 0 {
					log.Printf("metrics: pruned %d event(s) older than %s", n, rec.retention)
				}
			}
		}
	}()
}

// Stop flushes outstanding events and stops the background goroutine.
// A no-op if Start was never called.
func (rec *Recorder) Stop() {
	if rec.cancel != nil {
		rec.cancel()
		<-rec.done
	}
}

func (rec *Recorder) drain(batch *[]core.MetricEvent) {
	for {
		select {
		case ev := <-rec.ch:
			rec.ingest(ev)
			*batch = append(*batch, ev)
		default:
			return
		}
	}
}

func (rec *Recorder) flush(batch []core.MetricEvent) {
	if len(batch) == 0 {
		return
	}
	if err := rec.store.AppendMetricEvents(context.Background(), batch); err != nil {
		// Best-effort: storage trouble must never block operations.
		log.Printf("metrics: flush %d event(s): %v", len(batch), err)
	}
}

// ingest updates in-memory rolling statistics for one event.
func (rec *Recorder) ingest(ev core.MetricEvent) {
	class := ev.Scope.Class()

	rec.mu.Lock()
	c, ok := rec.counts[class]
	if !ok {
		c = &classCounts{}
		rec.counts[class] = c
	}
	switch ev.Type {
	case core.EventWaited:
		c.contention++
		w, ok := rec.windows[class]
		if !ok {
			w = newWindow(rec.windowSize)
			rec.windows[class] = w
		}
		w.add(ev.DurationMS)
	case core.EventTimedOut:
		c.timeouts++
	case core.EventAcquired:
		c.acquired++
	case core.EventStaleReclaimed:
		rec.staleReclaims.Add(1)
	}
	rec.mu.Unlock()

	if rec.bus != nil {
		rec.bus.Broadcast(ev)
	}
}

// Summary returns the current rolling statistics.
func (rec *Recorder) Summary() Summary {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	out := Summary{
		PerScope:      make(map[string]ScopeSummary, len(rec.counts)),
		StaleReclaims: rec.staleReclaims.Load(),
		Dropped:       rec.dropped.Load(),
	}
	if rec.misfireFn != nil {
		out.Misfires = rec.misfireFn()
	}
	for class, c := range rec.counts {
		s := ScopeSummary{
			Contention: c.contention,
			Timeouts:   c.timeouts,
			Acquired:   c.acquired,
		}
		if w, ok := rec.windows[class]; ok {
			samples := w.snapshot()
			s.WaitP50MS = Percentile(samples, 50)
			s.WaitP95MS = Percentile(samples, 95)
			s.WaitP99MS = Percentile(samples, 99)
		}
		out.PerScope[class] = s
	}
	return out
}

// EventsSince reads back durable events for the feed endpoint.
func (rec *Recorder) EventsSince(ctx context.Context, since time.Time, limit int) ([]core.MetricEvent, error) {
	return rec.store.MetricEventsSince(ctx, since, limit)
}
