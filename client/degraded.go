package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/quietfield/treelock/internal/core"
	"github.com/quietfield/treelock/internal/scope"
	"github.com/quietfield/treelock/internal/storage"
)

const (
	degradedBackoffBase = 100 * time.Millisecond
	degradedBackoffCap  = 2 * time.Second
)

// Degraded acquires advisory locks directly against the shared store
// when the coordinator is down. Callers lose priority scheduling and
// prediction but keep mutual exclusion: the advisory rows enforce the
// same conflict rules the coordinator does, so a degraded client and
// a recovering coordinator never hold the same scope twice.
type Degraded struct {
	Store          storage.Store
	HolderID       string
	TTL            time.Duration
	AcquireTimeout time.Duration
}

// AdvisoryLease is a degraded-mode lock. The row expires after TTL if
// the holder dies before calling Release.
type AdvisoryLease struct {
	Scope    core.ScopeID
	HolderID string
	store    storage.Store
}

func NewDegraded(store storage.Store, holderID string, ttl, acquireTimeout time.Duration) *Degraded {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	return &Degraded{
		Store:          store,
		HolderID:       holderID,
		TTL:            ttl,
		AcquireTimeout: acquireTimeout,
	}
}

// Acquire resolves the verb's scope and polls the advisory table with
// jittered exponential backoff until the lock is won or the timeout
// elapses. There is no wake-on-release in degraded mode, so polling
// is the only option here.
func (d *Degraded) Acquire(ctx context.Context, verb, target string) (*AdvisoryLease, error) {
	req := scope.Resolve(verb, target)
	deadline := time.Now().Add(d.AcquireTimeout)
	backoff := degradedBackoffBase

	for {
		ok, err := d.Store.TryAcquireAdvisory(ctx, req.Scope, d.HolderID, d.TTL)
		if err != nil {
			return nil, fmt.Errorf("degraded acquire %s: %w", req.Scope, err)
		}
		if ok {
			return &AdvisoryLease{Scope: req.Scope, HolderID: d.HolderID, store: d.Store}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &core.ConflictError{
				Scope:  req.Scope,
				Holder: "unknown",
				Waited: d.AcquireTimeout,
			}
		}

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}

		backoff *= 2
		if backoff > degradedBackoffCap {
			backoff = degradedBackoffCap
		}
	}
}

func (l *AdvisoryLease) Release(ctx context.Context) error {
	return l.store.ReleaseAdvisory(ctx, l.Scope, l.HolderID)
}
