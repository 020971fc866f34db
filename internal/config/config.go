// Package config loads coordinator settings from an optional YAML
// file with TREELOCK_* environment overrides. Environment wins over
// file, file wins over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the config file when no path is given explicitly.
const EnvConfigFile = "TREELOCK_CONFIG"

type Config struct {
	// Addr is the TCP listen address; empty disables TCP.
	Addr string `yaml:"addr"`
	// Socket is the unix socket path clients connect through.
	Socket string `yaml:"socket"`
	// DBPath is the sqlite database location.
	DBPath string `yaml:"db_path"`

	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	AgingInterval  time.Duration `yaml:"aging_interval"`
	WorkerSlots    int           `yaml:"worker_slots"`

	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	SequenceLength      int           `yaml:"sequence_length"`
	AdvisoryGrace       time.Duration `yaml:"advisory_grace"`

	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func Default() Config {
	return Config{
		Addr:                ":7461",
		Socket:              "/tmp/treelock.sock",
		DBPath:              "treelock.db",
		AcquireTimeout:      30 * time.Second,
		LockTTL:             30 * time.Second,
		AgingInterval:       5 * time.Second,
		WorkerSlots:         16,
		ConfidenceThreshold: 0.70,
		SequenceLength:      2,
		AdvisoryGrace:       2 * time.Second,
		Retention:           7 * 24 * time.Hour,
		SweepInterval:       5 * time.Second,
	}
}

// Load builds the effective config. path may be empty; then the
// TREELOCK_CONFIG env var is consulted, and if that is unset too only
// defaults and env overrides apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigFile))
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	var err error
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = errors.Join(err, fmt.Errorf("%s: %w", key, perr))
			return
		}
		*dst = d
	}
	setInt := func(key string, dst *int) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = errors.Join(err, fmt.Errorf("%s: %w", key, perr))
			return
		}
		*dst = n
	}
	setFloat := func(key string, dst *float64) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			err = errors.Join(err, fmt.Errorf("%s: %w", key, perr))
			return
		}
		*dst = f
	}

	setString("TREELOCK_ADDR", &c.Addr)
	setString("TREELOCK_SOCKET", &c.Socket)
	setString("TREELOCK_DB", &c.DBPath)
	setDuration("TREELOCK_ACQUIRE_TIMEOUT", &c.AcquireTimeout)
	setDuration("TREELOCK_LOCK_TTL", &c.LockTTL)
	setDuration("TREELOCK_AGING_INTERVAL", &c.AgingInterval)
	setInt("TREELOCK_WORKER_SLOTS", &c.WorkerSlots)
	setFloat("TREELOCK_CONFIDENCE_THRESHOLD", &c.ConfidenceThreshold)
	setInt("TREELOCK_SEQUENCE_LENGTH", &c.SequenceLength)
	setDuration("TREELOCK_ADVISORY_GRACE", &c.AdvisoryGrace)
	setDuration("TREELOCK_RETENTION", &c.Retention)
	setDuration("TREELOCK_SWEEP_INTERVAL", &c.SweepInterval)
	return err
}

func (c *Config) validate() error {
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire_timeout must be positive, got %s", c.AcquireTimeout)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock_ttl must be positive, got %s", c.LockTTL)
	}
	if c.WorkerSlots <= 0 {
		return fmt.Errorf("worker_slots must be positive, got %d", c.WorkerSlots)
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in (0, 1], got %g", c.ConfidenceThreshold)
	}
	if c.SequenceLength <= 0 {
		return fmt.Errorf("sequence_length must be positive, got %d", c.SequenceLength)
	}
	return nil
}

// Write renders the config as YAML at path, used by the init command
// to set up a starter file.
func (c Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
