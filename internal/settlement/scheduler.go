package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Scheduler periodically sweeps expired authorizations and settles
// every group whose thresholds have fired.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

func NewScheduler(engine *Engine, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the scheduler loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the settlement loop. Call in a goroutine. A second
// Start while the loop is live returns immediately; exactly one loop
// owns the ticker and stop channel.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("settlement scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in settlement scheduler", "panic", fmt.Sprint(r))
		}
	}()
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	if swept := s.engine.ledger.CleanupExpired(); swept > 0 {
		s.logger.Info("swept expired authorizations", "count", swept)
	}

	for _, agent := range s.engine.ledger.QueuedAgents() {
		batches := s.engine.SettleEligible(ctx, agent)
		for _, batch := range batches {
			s.logger.Info("scheduled settlement completed",
				"agent", agent,
				"batchId", batch.ID,
				"txSignature", batch.TransactionSignature)
		}
	}
}
