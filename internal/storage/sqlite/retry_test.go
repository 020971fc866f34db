package sqlite

import (
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterLockClears(t *testing.T) {
	attempts := 0
	var slept []time.Duration
	err := retryOnDBLock(RetryConfig{MaxRetries: 5, BaseDelay: 10 * time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	}, func(d time.Duration) { slept = append(slept, d) })

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(slept) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(slept))
	}
	// Doubling schedule: second delay at least the base times two.
	if slept[1] < 20*time.Millisecond {
		t.Fatalf("expected backoff growth, got %v then %v", slept[0], slept[1])
	}
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	err := retryOnDBLock(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}, func() error {
		attempts++
		return errors.New("database is locked")
	}, func(time.Duration) {})

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts (1 + 3 retries), got %d", attempts)
	}
}

func TestRetryPassesThroughOtherErrors(t *testing.T) {
	attempts := 0
	want := errors.New("no such table: metric_events")
	err := retryOnDBLock(DefaultRetryConfig(), func() error {
		attempts++
		return want
	}, func(time.Duration) { t.Fatal("slept on a non-retryable error") })

	if !errors.Is(err, want) {
		t.Fatalf("expected original error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}
