// Package embedded runs a full treelock coordinator in-process:
// store, lock registry, metrics pipeline, predictor, scheduler and
// HTTP API on a local port. Useful for integration tests and for
// tools that want coordination without a separate daemon.
package embedded

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/quietfield/treelock/internal/config"
	"github.com/quietfield/treelock/internal/core"
	httpapi "github.com/quietfield/treelock/internal/http"
	"github.com/quietfield/treelock/internal/metrics"
	"github.com/quietfield/treelock/internal/predictor"
	"github.com/quietfield/treelock/internal/registry"
	"github.com/quietfield/treelock/internal/scheduler"
	"github.com/quietfield/treelock/internal/storage/sqlite"
	"github.com/quietfield/treelock/internal/ws"
)

// Config configures the embedded coordinator.
type Config struct {
	// DBPath is the sqlite database location. Empty means
	// ~/.treelock/treelock.db. ":memory:" runs without a file.
	DBPath string

	// Host is the bind address, default 127.0.0.1.
	Host string

	// Port to listen on. 0 picks a free port, see Addr.
	Port int

	// Coordinator carries lock, scheduler and predictor tuning. Zero
	// values take the daemon defaults.
	Coordinator config.Config

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server is an in-process coordinator.
type Server struct {
	cfg   Config
	store *sqlite.ResilientStore
	reg   *registry.Registry
	rec   *metrics.Recorder
	pred  *predictor.Predictor
	sched *scheduler.Scheduler
	hub   *ws.Hub

	regSweep   *registry.Sweeper
	storeSweep *sqlite.Sweeper

	http *http.Server
	ln   net.Listener

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".treelock", "treelock.db")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tuning := withDefaults(cfg.Coordinator)

	var base *sqlite.Store
	var err error
	if cfg.DBPath == ":memory:" {
		base, err = sqlite.NewInMemory()
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create db dir: %w", mkErr)
		}
		base, err = sqlite.New(cfg.DBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	store := sqlite.NewResilient(base)

	hub := ws.NewHub()
	rec := metrics.New(store, hub, metrics.Config{Retention: tuning.Retention})

	reg := registry.New(registry.Config{
		TTL:           tuning.LockTTL,
		AdvisoryGrace: tuning.AdvisoryGrace,
		OnStale:       func(ev core.MetricEvent) { rec.Record(ev) },
	})
	rec.WithMisfireSource(reg.Misfires)

	pred, err := predictor.New(store, cfg.Logger, predictor.Config{
		SequenceLength:      tuning.SequenceLength,
		ConfidenceThreshold: tuning.ConfidenceThreshold,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init predictor: %w", err)
	}

	sched := scheduler.New(reg, rec, pred, cfg.Logger, scheduler.Config{
		AcquireTimeout: tuning.AcquireTimeout,
		AgingInterval:  tuning.AgingInterval,
		WorkerSlots:    tuning.WorkerSlots,
	})

	svc := httpapi.NewService(sched, reg, rec).
		WithHealthReporter(store).
		WithLogger(cfg.Logger)
	router := httpapi.NewRouter(svc, hub.Handler())

	return &Server{
		cfg:        cfg,
		store:      store,
		reg:        reg,
		rec:        rec,
		pred:       pred,
		sched:      sched,
		hub:        hub,
		regSweep:   registry.NewSweeper(reg, tuning.SweepInterval),
		storeSweep: sqlite.NewSweeper(store, tuning.SweepInterval),
		http:       &http.Server{Handler: router},
	}, nil
}

func withDefaults(c config.Config) config.Config {
	def := config.Default()
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	if c.AgingInterval <= 0 {
		c.AgingInterval = def.AgingInterval
	}
	if c.WorkerSlots <= 0 {
		c.WorkerSlots = def.WorkerSlots
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if c.SequenceLength <= 0 {
		c.SequenceLength = def.SequenceLength
	}
	if c.AdvisoryGrace <= 0 {
		c.AdvisoryGrace = def.AdvisoryGrace
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// Start brings up the coordinator and begins serving. The listener is
// bound synchronously so Addr is valid once Start returns.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.pred.Replay(ctx); err != nil {
		s.cfg.Logger.Warn("pattern replay failed, starting cold", "error", err)
	}
	s.rec.Start(ctx)
	s.pred.Start(ctx)
	s.sched.Start(ctx)
	s.regSweep.Start(ctx)
	s.storeSweep.Start(ctx)

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.cfg.Logger.Error("embedded server error", "error", err)
		}
	}()

	s.started = true
	return nil
}

// Stop shuts the coordinator down in dependency order: HTTP first so
// no new submissions arrive, then scheduler, then the pipelines.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	err := s.http.Shutdown(ctx)
	s.sched.Stop()
	s.pred.Stop()
	s.rec.Stop()
	s.regSweep.Stop()
	s.storeSweep.Stop()
	s.cancel()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// URL returns the base URL for clients, valid after Start.
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

// Store exposes the underlying store, mainly so degraded-mode clients
// in tests can share it.
func (s *Server) Store() *sqlite.ResilientStore {
	return s.store
}
