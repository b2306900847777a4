package creditgate

import (
	"context"
	"sync"
	"time"
)

// ResetTarget is what the scheduler drives; *Service implements it.
type ResetTarget interface {
	ResetDue(ctx context.Context) error
}

// SchedulerConfig configures a ResetScheduler.
type SchedulerConfig struct {
	// Interval between sweeps (default 1m).
	Interval time.Duration
	Logger   Logger
}

// ResetScheduler periodically resets accounts and the budget whose cycle
// ended. Admission calls reset opportunistically as well, so the scheduler
// only bounds how long an idle in-memory account stays stale.
type ResetScheduler struct {
	target   ResetTarget
	interval time.Duration
	logger   Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewResetScheduler creates a scheduler for target.
func NewResetScheduler(target ResetTarget, config SchedulerConfig) *ResetScheduler {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	return &ResetScheduler{
		target:   target,
		interval: config.Interval,
		logger:   config.Logger,
	}
}

// Start runs a sweep immediately, to catch up after a restart, and then on
// every interval until ctx ends or Stop is called. Calling Start twice is a no-op.
func (s *ResetScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *ResetScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce performs one sweep.
func (s *ResetScheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	err := s.target.ResetDue(ctx)
	if err != nil {
		s.logger.Warn("reset sweep failed", Field{"error", err})
		return err
	}
	s.logger.Debug("reset sweep complete", Field{"duration", time.Since(start)})
	return nil
}

func (s *ResetScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	_ = s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.RunOnce(ctx)
		}
	}
}
