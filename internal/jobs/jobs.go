// Package jobs runs periodic store maintenance.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSessionSweep = "@every 10m"
	DefaultHealthCheck  = "@every 1m"
	jobTimeout          = 30 * time.Second
)

// Store is the part of the store the jobs maintain.
type Store interface {
	CleanupExpiredSessions(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Config holds cron specs for each job. Empty specs use the defaults.
type Config struct {
	SessionSweep string
	HealthCheck  string
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron  *cron.Cron
	store Store

	mu       sync.Mutex
	failures int // consecutive failed health checks
}

// New registers the maintenance jobs without starting them.
func New(st Store, cfg Config) (*Scheduler, error) {
	if cfg.SessionSweep == "" {
		cfg.SessionSweep = DefaultSessionSweep
	}
	if cfg.HealthCheck == "" {
		cfg.HealthCheck = DefaultHealthCheck
	}

	logger := slogLogger{}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		store: st,
	}
	if _, err := s.cron.AddFunc(cfg.SessionSweep, func() { s.sweepSessions(context.Background()) }); err != nil {
		return nil, fmt.Errorf("schedule session sweep %q: %w", cfg.SessionSweep, err)
	}
	if _, err := s.cron.AddFunc(cfg.HealthCheck, func() { s.checkHealth(context.Background()) }); err != nil {
		return nil, fmt.Errorf("schedule health check %q: %w", cfg.HealthCheck, err)
	}
	return s, nil
}

// Run starts the jobs and blocks until ctx is done, then waits for running
// jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	slog.Info("maintenance jobs started", "jobs", len(s.cron.Entries()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("maintenance jobs stopped")
	return nil
}

func (s *Scheduler) sweepSessions(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	n, err := s.store.CleanupExpiredSessions(ctx)
	if err != nil {
		slog.Error("session sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("removed expired sessions", "count", n)
	}
}

// checkHealth pings the store. Failures are logged and never stop the process;
// the pool reconnects on its own once the database is back.
func (s *Scheduler) checkHealth(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	err := s.store.Ping(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failures++
		slog.Error("database health check failed", "error", err, "consecutive_failures", s.failures)
		return
	}
	if s.failures > 0 {
		slog.Info("database reachable again", "after_failures", s.failures)
		s.failures = 0
	}
}

func (s *Scheduler) consecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// slogLogger routes cron's own messages to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
