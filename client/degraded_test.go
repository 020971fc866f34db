package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quietfield/treelock/internal/core"
	"github.com/quietfield/treelock/internal/storage"
)

func TestDegradedMutualExclusion(t *testing.T) {
	store := storage.NewInMemory()
	defer store.Close()

	first := NewDegraded(store, "cli-1", time.Minute, time.Second)
	second := NewDegraded(store, "cli-2", time.Minute, 300*time.Millisecond)

	lease, err := first.Acquire(context.Background(), "gc", "")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if lease.Scope != core.ScopeGlobal {
		t.Fatalf("scope = %s, want global", lease.Scope)
	}

	// Any scope conflicts with a held global lock.
	start := time.Now()
	_, err = second.Acquire(context.Background(), "status", "wt-1")
	if !errors.Is(err, core.ErrAcquisitionTimeout) {
		t.Fatalf("want acquisition timeout, got %v", err)
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Fatal("second acquire gave up before its timeout")
	}

	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := second.Acquire(context.Background(), "status", "wt-1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if got.Scope != core.WorktreeScope("wt-1") {
		t.Fatalf("scope = %s, want worktree:wt-1", got.Scope)
	}
}

func TestDegradedDistinctWorktreesDoNotConflict(t *testing.T) {
	store := storage.NewInMemory()
	defer store.Close()

	first := NewDegraded(store, "cli-1", time.Minute, time.Second)
	second := NewDegraded(store, "cli-2", time.Minute, time.Second)

	a, err := first.Acquire(context.Background(), "commit", "wt-1")
	if err != nil {
		t.Fatalf("acquire wt-1: %v", err)
	}
	defer a.Release(context.Background())

	b, err := second.Acquire(context.Background(), "commit", "wt-2")
	if err != nil {
		t.Fatalf("acquire wt-2: %v", err)
	}
	defer b.Release(context.Background())
}

func TestDegradedExpiredRowIsUsurped(t *testing.T) {
	store := storage.NewInMemory()
	defer store.Close()

	first := NewDegraded(store, "cli-dead", 50*time.Millisecond, time.Second)
	if _, err := first.Acquire(context.Background(), "commit", "wt-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	second := NewDegraded(store, "cli-2", time.Minute, 2*time.Second)
	lease, err := second.Acquire(context.Background(), "commit", "wt-1")
	if err != nil {
		t.Fatalf("acquire expired scope: %v", err)
	}
	if lease.HolderID != "cli-2" {
		t.Fatalf("holder = %s, want cli-2", lease.HolderID)
	}
}

func TestDegradedAcquireHonorsContext(t *testing.T) {
	store := storage.NewInMemory()
	defer store.Close()

	blocker := NewDegraded(store, "cli-1", time.Minute, time.Minute)
	if _, err := blocker.Acquire(context.Background(), "gc", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	waiter := NewDegraded(store, "cli-2", time.Minute, time.Minute)
	_, err := waiter.Acquire(ctx, "gc", "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want context deadline, got %v", err)
	}
}
