// Package predictor learns frequent verb sequences from completed
// operations and emits advisory next-scope hints. Prediction is purely
// an optimization: it never blocks a request and a wrong hint costs
// nothing beyond a briefly held advisory lock.
package predictor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quietfield/treelock/internal/core"
	"github.com/quietfield/treelock/internal/scope"
)

// ObservationStore persists the append-only pattern log. The log is
// replayed once at startup so learned state survives restarts without
// re-scanning full operation history on every prediction.
type ObservationStore interface {
	AppendPatternObservations(ctx context.Context, obs []core.PatternObservation) error
	PatternObservations(ctx context.Context, limit int) ([]core.PatternObservation, error)
}

// Config tunes the predictor. Zero values take defaults.
type Config struct {
	// SequenceLength is the antecedent length N.
	SequenceLength int
	// ConfidenceThreshold is the minimum successor confidence for a
	// hint to be emitted.
	ConfidenceThreshold float64
	// MinObservations is the minimum total count for an antecedent
	// before its confidence is trusted at all.
	MinObservations int
	// TableSize bounds the antecedent table; least-recently-used
	// entries are evicted.
	TableSize int
	// BufferSize bounds the learn queue.
	BufferSize int
	// FlushInterval controls how often buffered observations are
	// appended to the store.
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SequenceLength <= 0 {
		c.SequenceLength = 2
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.70
	}
	if c.MinObservations <= 0 {
		c.MinObservations = 5
	}
	if c.TableSize <= 0 {
		c.TableSize = 512
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	return c
}

type successorStats struct {
	total      int64
	successors map[string]int64
}

type observation struct {
	callerID string
	verb     string
	target   string
}

// Predictor maintains the antecedent table incrementally from a
// non-blocking learn queue. A single background goroutine owns all
// mutation; Predict reads through the same mutex with short holds.
type Predictor struct {
	cfg   Config
	store ObservationStore
	log   *slog.Logger

	mu        sync.Mutex
	table     *lru.Cache[string, *successorStats]
	histories *lru.Cache[string, []string]
	targets   *lru.Cache[string, string]

	in      chan observation
	pending []core.PatternObservation

	cancel context.CancelFunc
	done   chan struct{}
}

func New(store ObservationStore, log *slog.Logger, cfg Config) (*Predictor, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	table, err := lru.New[string, *successorStats](cfg.TableSize)
	if err != nil {
		return nil, err
	}
	histories, err := lru.New[string, []string](cfg.TableSize)
	if err != nil {
		return nil, err
	}
	targets, err := lru.New[string, string](cfg.TableSize)
	if err != nil {
		return nil, err
	}
	return &Predictor{
		cfg:       cfg,
		store:     store,
		log:       log,
		table:     table,
		histories: histories,
		targets:   targets,
		in:        make(chan observation, cfg.BufferSize),
		done:      make(chan struct{}),
	}, nil
}

// Replay rebuilds the antecedent table from the persisted log. Call
// once before Start.
func (p *Predictor) Replay(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	obs, err := p.store.PatternObservations(ctx, 0)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range obs {
		p.countLocked(o.Antecedent, o.Successor)
	}
	return nil
}

// Start launches the background learner.
func (p *Predictor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

// Stop drains the learn queue and flushes pending observations.
func (p *Predictor) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// Learn records that callerID just completed verb against target.
// Non-blocking; if the learn queue is full the observation is dropped.
func (p *Predictor) Learn(callerID, verb, target string) {
	select {
	case p.in <- observation{callerID: callerID, verb: strings.ToLower(verb), target: target}:
	default:
	}
}

// Predict returns a hint for the caller's likely next operation, or
// ok=false when nothing meets the confidence threshold. The returned
// scope is resolved against the caller's most recent target.
func (p *Predictor) Predict(callerID string) (core.ScopeHint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hist, found := p.histories.Get(callerID)
	if !found || len(hist) < p.cfg.SequenceLength {
		return core.ScopeHint{}, false
	}
	key := antecedentKey(hist[len(hist)-p.cfg.SequenceLength:])
	stats, found := p.table.Get(key)
	if !found || stats.total < int64(p.cfg.MinObservations) {
		return core.ScopeHint{}, false
	}

	var bestVerb string
	var bestCount int64
	for verb, n := range stats.successors {
		if n > bestCount {
			bestVerb, bestCount = verb, n
		}
	}
	confidence := float64(bestCount) / float64(stats.total)
	if confidence < p.cfg.ConfidenceThreshold {
		return core.ScopeHint{}, false
	}

	target, _ := p.targets.Get(callerID)
	req := scope.Resolve(bestVerb, target)
	return core.ScopeHint{Verb: bestVerb, Scope: req.Scope, Confidence: confidence}, true
}

func (p *Predictor) run(ctx context.Context) {
	defer close(p.done)

	flush := time.NewTicker(p.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case o := <-p.in:
			p.ingest(o)
		case <-flush.C:
			p.flush(ctx)
		case <-ctx.Done():
			for {
				select {
				case o := <-p.in:
					p.ingest(o)
				default:
					p.flush(context.Background())
					return
				}
			}
		}
	}
}

func (p *Predictor) ingest(o observation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hist, _ := p.histories.Get(o.callerID)
	if len(hist) >= p.cfg.SequenceLength {
		ante := append([]string(nil), hist[len(hist)-p.cfg.SequenceLength:]...)
		p.countLocked(ante, o.verb)
		p.pending = append(p.pending, core.PatternObservation{
			Antecedent: ante,
			Successor:  o.verb,
			ObservedAt: time.Now().UTC(),
		})
	}

	hist = append(hist, o.verb)
	if len(hist) > p.cfg.SequenceLength {
		hist = hist[len(hist)-p.cfg.SequenceLength:]
	}
	p.histories.Add(o.callerID, hist)
	if o.target != "" {
		p.targets.Add(o.callerID, o.target)
	}
}

func (p *Predictor) countLocked(antecedent []string, successor string) {
	key := antecedentKey(antecedent)
	stats, found := p.table.Get(key)
	if !found {
		stats = &successorStats{successors: make(map[string]int64)}
		p.table.Add(key, stats)
	}
	stats.total++
	stats.successors[successor]++
}

func (p *Predictor) flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(batch) == 0 || p.store == nil {
		return
	}
	if err := p.store.AppendPatternObservations(ctx, batch); err != nil {
		p.log.Warn("pattern log append failed", "events", len(batch), "error", err)
	}
}

func antecedentKey(verbs []string) string { return strings.Join(verbs, "\x1f") }
