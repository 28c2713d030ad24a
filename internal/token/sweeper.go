package token

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically purges rotated tokens past the retention window.
type Sweeper struct {
	manager   *Manager
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper builds a sweeper running every interval.
func NewSweeper(manager *Manager, retention, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Sweeper{manager: manager, retention: retention, interval: interval, logger: logger}
}

// Start launches the background loop. It is a no-op when already running.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
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

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	n, err := s.manager.CleanupRotatedTokens(ctx, s.retention)
	if err != nil {
		s.log().Warn("token cleanup failed", zap.Error(err))
		return 0, err
	}
	s.log().Info("token cleanup complete", zap.Int64("deleted", n))
	return n, nil
}

func (s *Sweeper) log() *zap.Logger {
	if s.logger != nil {
		return s.logger
	}
	return zap.L()
}
