package sqlite

import (
	"math/rand"
	"strings"
	"time"
)

// RetryConfig controls backoff when SQLite reports a locked database.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // fraction of the delay, e.g. 0.25
}

// DefaultRetryConfig: 7 retries, 50ms base, 25% jitter. The doubling
// schedule tops out around 3s, well under the acquisition timeout.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 7,
		BaseDelay:  50 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// RetryOnDBLock retries fn on "database is locked" errors with the
// default config. Other errors are returned immediately.
func RetryOnDBLock(fn func() error) error {
	return retryOnDBLock(DefaultRetryConfig(), fn, time.Sleep)
}

// RetryOnDBLockWithConfig retries fn with a custom config.
func RetryOnDBLockWithConfig(cfg RetryConfig, fn func() error) error {
	return retryOnDBLock(cfg, fn, time.Sleep)
}

func retryOnDBLock(cfg RetryConfig, fn func() error, sleep func(time.Duration)) error {
	err := fn()
	if err == nil || !isDBLocked(err) {
		return err
	}

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		delay := cfg.BaseDelay * (1 << (attempt - 1))
		jitter := time.Duration(float64(delay) * rand.Float64() * cfg.JitterPct)
		sleep(delay + jitter)

		err = fn()
		if err == nil || !isDBLocked(err) {
			return err
		}
	}
	return err
}

func isDBLocked(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "database is locked")
}
