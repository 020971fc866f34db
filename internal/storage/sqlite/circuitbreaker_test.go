package sqlite

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected boom, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return errBoom })
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	// The success reset the count; two more failures must not open.
	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return errBoom })
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, 10*time.Second)
	cb.nowFunc = func() time.Time { return now }

	cb.Execute(func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	// Before the reset timeout the breaker still rejects.
	now = now.Add(5 * time.Second)
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection before reset timeout, got %v", err)
	}

	// After the timeout a probe runs; success closes the breaker.
	now = now.Add(6 * time.Second)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, 10*time.Second)
	cb.nowFunc = func() time.Time { return now }

	cb.Execute(func() error { return errBoom })
	now = now.Add(11 * time.Second)
	if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("expected probe to run and fail, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected reopened breaker, got %s", cb.State())
	}
}
