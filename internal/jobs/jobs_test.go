package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	swept   atomic.Int32
	pings   atomic.Int32
	pingErr atomic.Pointer[error]
}

func (f *fakeStore) CleanupExpiredSessions(context.Context) (int64, error) {
	f.swept.Add(1)
	return 3, nil
}

func (f *fakeStore) Ping(context.Context) error {
	f.pings.Add(1)
	if p := f.pingErr.Load(); p != nil {
		return *p
	}
	return nil
}

func TestNewRejectsBadSpec(t *testing.T) {
	if _, err := New(&fakeStore{}, Config{SessionSweep: "not a spec"}); err == nil {
		t.Error("expected error for invalid cron spec")
	}
}

func TestHealthCheckCountsFailures(t *testing.T) {
	st := &fakeStore{}
	s, err := New(st, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	down := errors.New("connection refused")
	st.pingErr.Store(&down)
	s.checkHealth(context.Background())
	s.checkHealth(context.Background())
	if got := s.consecutiveFailures(); got != 2 {
		t.Errorf("failures = %d, want 2", got)
	}

	st.pingErr.Store(nil)
	s.checkHealth(context.Background())
	if got := s.consecutiveFailures(); got != 0 {
		t.Errorf("failures after recovery = %d, want 0", got)
	}
}

func TestRunExecutesJobs(t *testing.T) {
	st := &fakeStore{}
	s, err := New(st, Config{SessionSweep: "@every 1s", HealthCheck: "@every 1s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for st.swept.Load() == 0 || st.pings.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("jobs did not run")
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
