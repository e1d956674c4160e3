package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically expires stale escrows and prunes delivered outbox
// events past the retention window.
type Sweeper struct {
	engine    *Engine
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper that runs maintenance at the given interval.
// retention <= 0 disables outbox pruning.
func NewSweeper(e *Engine, interval, retention time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		engine:    e,
		interval:  interval,
		retention: retention,
		logger:    logger,
	}
}

// Start begins periodic maintenance. It runs one pass immediately, then on
// each tick.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the sweeper and waits for the current pass (if any) to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	s.sweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	expired, err := s.engine.ExpireStale(ctx, 100)
	if err != nil {
		s.logger.Error("escrow sweep failed", "error", err)
	} else if expired > 0 {
		s.logger.Info("escrow sweep complete", "expired", expired)
	}

	if s.retention > 0 {
		pruned, err := s.engine.PruneDeliveredEvents(ctx, s.retention)
		if err != nil {
			s.logger.Error("event prune failed", "error", err)
		} else if pruned > 0 {
			s.logger.Info("pruned delivered events", "count", pruned)
		}
	}
}
