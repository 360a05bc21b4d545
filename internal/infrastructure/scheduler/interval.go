package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/greenscore/backend/internal/logging"
)

// Job is invoked on every tick
type Job func(ctx context.Context, tick time.Time)

// IntervalScheduler runs a job on a fixed interval until stopped
type IntervalScheduler struct {
	name     string
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewIntervalScheduler builds a stopped scheduler
func NewIntervalScheduler(name string, interval time.Duration, logger *slog.Logger) *IntervalScheduler {
	return &IntervalScheduler{
		name:     name,
		interval: interval,
		logger:   logging.OrDefault(logger),
	}
}

// Start begins ticking. Starting a running scheduler is a no-op.
func (s *IntervalScheduler) Start(ctx context.Context, job Job) error {
	if job == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case t := <-ticker.C:
				s.run(runCtx, job, t)
			case <-runCtx.Done():
				return
			}
		}
	}()

	s.logger.Info("scheduler started", "name", s.name, "interval", s.interval)
	return nil
}

func (s *IntervalScheduler) run(ctx context.Context, job Job, t time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "name", s.name, "panic", r)
		}
	}()
	job(ctx, t)
}

// Stop halts the ticker goroutine and waits for an in-flight job, or for ctx.
// Stopping a stopped scheduler is a no-op.
func (s *IntervalScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		s.logger.Info("scheduler stopped", "name", s.name)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the scheduler has been started and not stopped
func (s *IntervalScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
