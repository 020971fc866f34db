package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quietfield/treelock/internal/config"
	"github.com/quietfield/treelock/internal/core"
	httpapi "github.com/quietfield/treelock/internal/http"
	"github.com/quietfield/treelock/internal/metrics"
	"github.com/quietfield/treelock/internal/predictor"
	"github.com/quietfield/treelock/internal/registry"
	"github.com/quietfield/treelock/internal/scheduler"
	"github.com/quietfield/treelock/internal/server"
	"github.com/quietfield/treelock/internal/storage/sqlite"
	"github.com/quietfield/treelock/internal/ws"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file path (default: TREELOCK_CONFIG env)")
	return cmd
}

func runServe(parent context.Context, cfg config.Config) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	store := sqlite.NewResilient(base)
	defer store.Close()

	hub := ws.NewHub()
	rec := metrics.New(store, hub, metrics.Config{Retention: cfg.Retention})

	reg := registry.New(registry.Config{
		TTL:           cfg.LockTTL,
		AdvisoryGrace: cfg.AdvisoryGrace,
		OnStale:       func(ev core.MetricEvent) { rec.Record(ev) },
	})
	rec.WithMisfireSource(reg.Misfires)

	pred, err := predictor.New(store, log, predictor.Config{
		SequenceLength:      cfg.SequenceLength,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	})
	if err != nil {
		return fmt.Errorf("predictor init: %w", err)
	}
	if err := pred.Replay(ctx); err != nil {
		log.Warn("pattern replay failed, starting cold", "error", err)
	}

	sched := scheduler.New(reg, rec, pred, log, scheduler.Config{
		AcquireTimeout: cfg.AcquireTimeout,
		AgingInterval:  cfg.AgingInterval,
		WorkerSlots:    cfg.WorkerSlots,
	})

	rec.Start(ctx)
	defer rec.Stop()
	pred.Start(ctx)
	defer pred.Stop()
	sched.Start(ctx)
	defer sched.Stop()

	regSweep := registry.NewSweeper(reg, cfg.SweepInterval)
	regSweep.Start(ctx)
	defer regSweep.Stop()
	storeSweep := sqlite.NewSweeper(store, cfg.SweepInterval)
	storeSweep.Start(ctx)
	defer storeSweep.Stop()

	svc := httpapi.NewService(sched, reg, rec).
		WithHealthReporter(store).
		WithLogger(log)
	router := httpapi.NewRouter(svc, hub.Handler())

	srv, err := server.New(server.Config{
		Addr:       cfg.Addr,
		SocketPath: cfg.Socket,
		Handler:    router,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("coordinator listening", "addr", cfg.Addr, "socket", cfg.Socket)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
