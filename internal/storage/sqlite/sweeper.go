package sqlite

import (
	"context"
	"log/slog"
	"time"
)

// AdvisoryPruner is the slice of the store the sweeper needs.
type AdvisoryPruner interface {
	PruneExpiredAdvisory(ctx context.Context) (int64, error)
}

// Sweeper periodically removes expired degraded-mode advisory rows so
// crashed clients do not leave scopes claimed in the backing store.
type Sweeper struct {
	store    AdvisoryPruner
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a Sweeper. Call Start to begin sweeping.
func NewSweeper(store AdvisoryPruner, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish. A
// no-op if Start was never called.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
		<-sw.done
	}
}

func (sw *Sweeper) runSweep(ctx context.Context) {
	n, err := sw.store.PruneExpiredAdvisory(ctx)
	if err != nil {
		slog.Warn("advisory sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("swept expired advisory rows", "count", n)
	}
}
