// Package httpapi exposes the coordinator over HTTP: blocking
// operation submission, grant completion, lock and queue inspection,
// and the metrics feed.
package httpapi

import (
	"log/slog"

	"github.com/quietfield/treelock/internal/metrics"
	"github.com/quietfield/treelock/internal/registry"
	"github.com/quietfield/treelock/internal/scheduler"
)

// HealthReporter is implemented by stores that expose circuit breaker
// state, surfaced through /healthz.
type HealthReporter interface {
	CircuitBreakerState() string
}

type Service struct {
	sched  *scheduler.Scheduler
	reg    *registry.Registry
	rec    *metrics.Recorder
	health HealthReporter
	log    *slog.Logger
}

func NewService(sched *scheduler.Scheduler, reg *registry.Registry, rec *metrics.Recorder) *Service {
	return &Service{sched: sched, reg: reg, rec: rec, log: slog.Default()}
}

func (s *Service) WithHealthReporter(h HealthReporter) *Service {
	s.health = h
	return s
}

func (s *Service) WithLogger(log *slog.Logger) *Service {
	s.log = log
	return s
}
