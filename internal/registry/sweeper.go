package registry

import (
	"context"
	"log"
	"time"
)

// Sweeper runs a background goroutine that periodically reclaims
// locks whose holders died without releasing.
type Sweeper struct {
	reg      *Registry
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a Sweeper. Call Start() to begin sweeping.
func NewSweeper(reg *Registry, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{
		reg:      reg,
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
				if reclaimed := sw.reg.ReclaimStale(); len(reclaimed) > 0 {
					log.Printf("sweeper: reclaimed %d stale lock(s)", len(reclaimed))
				}
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
