// Package scheduler runs the periodic sweeps that keep the run table
// honest: reclaiming expired leases and failing queued runs that missed
// their deadline.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/taskrun/internal/otel"
	"github.com/basket/taskrun/internal/persistence"
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Store   *persistence.Store
	Logger  *slog.Logger
	Metrics *otel.Metrics // nil disables instrument updates

	// ReclaimInterval is the tick for the lease-expiry reclaim; defaults
	// to 10 seconds if zero.
	ReclaimInterval time.Duration
	// DeadlineInterval is the tick for the deadline sweep; defaults to
	// 15 seconds if zero.
	DeadlineInterval time.Duration
}

// Sweeper periodically reclaims expired leases and fails deadline-exceeded
// queued runs. Both sweeps are idempotent, so overlapping deployments of
// the daemon are safe.
type Sweeper struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otel.Metrics

	reclaimInterval  time.Duration
	deadlineInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper with the given config.
func New(cfg Config) *Sweeper {
	reclaim := cfg.ReclaimInterval
	if reclaim <= 0 {
		reclaim = 10 * time.Second
	}
	deadline := cfg.DeadlineInterval
	if deadline <= 0 {
		deadline = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:            cfg.Store,
		logger:           logger,
		metrics:          cfg.Metrics,
		reclaimInterval:  reclaim,
		deadlineInterval: deadline,
	}
}

// Start begins both sweep loops in background goroutines. They respect the
// provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.loop(ctx, s.reclaimInterval, s.reclaimTick)
	go s.loop(ctx, s.deadlineInterval, s.deadlineTick)
	s.logger.Info("sweeper started",
		"reclaim_interval", s.reclaimInterval,
		"deadline_interval", s.deadlineInterval)
}

// Stop cancels the sweep loops and waits for them to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (s *Sweeper) reclaimTick(ctx context.Context) {
	count, err := s.store.ReclaimExpired(ctx)
	if err != nil {
		s.logger.Error("lease reclaim sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("reclaimed expired leases", "count", count)
		if s.metrics != nil {
			s.metrics.LeaseReclaims.Add(ctx, count)
		}
	}
}

func (s *Sweeper) deadlineTick(ctx context.Context) {
	count, err := s.store.FailDeadlineExceeded(ctx)
	if err != nil {
		s.logger.Error("deadline sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("failed deadline-exceeded runs", "count", count)
		if s.metrics != nil {
			s.metrics.DeadlineFailures.Add(ctx, count)
		}
	}
}
