// Package worker runs the local execution pool: each worker claims
// eligible runs under a lease, renews the lease while executing, and
// records the terminal result.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskrun/internal/match"
	"github.com/basket/taskrun/internal/otel"
	"github.com/basket/taskrun/internal/persistence"
	"github.com/basket/taskrun/internal/shared"
)

// Result is the outcome of executing one run.
type Result struct {
	Summary string
	Full    string

	// NeedsInput pauses the run instead of completing it. Prompt is
	// what the user is asked for.
	NeedsInput bool
	Prompt     string
}

// Executor performs the actual work of a claimed run.
// A non-nil error fails the run; it is not retried by the pool
// (requeue happens only through lease reclaim).
type Executor interface {
	Execute(ctx context.Context, run *persistence.TaskRun) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, run *persistence.TaskRun) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, run *persistence.TaskRun) (Result, error) {
	return f(ctx, run)
}

// Config wires a pool's dependencies.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	Executor Executor

	Count           int
	AgentName       string
	Capabilities    []string
	ModelsSupported []string

	PollInterval  time.Duration
	LeaseDuration time.Duration
	RunTimeout    time.Duration
}

// Pool owns a fixed set of claim-execute workers.
type Pool struct {
	store    *persistence.Store
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	executor Executor

	count         int
	agentName     string
	capabilities  []string
	models        []string
	pollInterval  time.Duration
	leaseDuration time.Duration
	runTimeout    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	count := cfg.Count
	if count <= 0 {
		count = 4
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	leaseDuration := cfg.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = persistence.DefaultLeaseDuration
	}
	runTimeout := cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 10 * time.Minute
	}
	return &Pool{
		store:         cfg.Store,
		logger:        logger.With("component", "worker"),
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		executor:      cfg.Executor,
		count:         count,
		agentName:     cfg.AgentName,
		capabilities:  cfg.Capabilities,
		models:        cfg.ModelsSupported,
		pollInterval:  pollInterval,
		leaseDuration: leaseDuration,
		runTimeout:    runTimeout,
	}
}

// Start launches the workers. Stop() or context cancellation drains them.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.count; i++ {
		w := match.Worker{
			ID:              fmt.Sprintf("%s-%d", p.agentName, i),
			AgentName:       p.agentName,
			Capabilities:    p.capabilities,
			ModelsSupported: p.models,
		}
		p.wg.Add(1)
		go p.runLoop(ctx, w)
	}
	p.logger.Info("worker pool started",
		"count", p.count, "agent_name", p.agentName,
		"lease_duration", p.leaseDuration.String())
}

// Stop cancels the workers and waits for in-flight runs to record
// their result.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) runLoop(ctx context.Context, w match.Worker) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		// One trace id covers the claim and everything execute records
		// for it, so the run's event ledger threads on a single id.
		claimCtx := shared.WithTraceID(ctx, shared.NewTraceID())
		run, err := p.store.ClaimNext(claimCtx, w, p.leaseDuration)
		if err != nil {
			p.logger.Error("claim failed", "worker_id", w.ID, "error", err)
		}
		if run == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}
		p.execute(claimCtx, w, run)
	}
}

// execute runs one claimed run to a terminal record. The heartbeat
// renews the lease at a third of its duration; if a renewal is refused
// the lease was reclaimed and execution is abandoned without recording
// a result (the run is already requeued or failed by the sweeper).
func (p *Pool) execute(ctx context.Context, w match.Worker, run *persistence.TaskRun) {
	logger := p.logger.With("worker_id", w.ID, "run_id", run.ID, "trace_id", shared.TraceID(ctx))
	logger.Info("run claimed", "task_id", run.TaskID, "attempt", run.Attempts)
	if p.metrics != nil {
		p.metrics.RunsClaimed.Add(ctx, 1)
	}

	runCtx, cancel := context.WithTimeout(ctx, p.runTimeout)
	defer cancel()

	if p.tracer != nil {
		var span trace.Span
		runCtx, span = otel.StartSpan(runCtx, p.tracer, "run.execute",
			otel.AttrRunID.String(run.ID), otel.AttrWorkerID.String(w.ID),
			otel.AttrAgentName.String(w.AgentName), otel.AttrAttempt.Int(run.Attempts))
		defer span.End()
	}

	var leaseLost atomic.Bool
	hbDone := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		ticker := time.NewTicker(p.leaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				ok, err := p.store.RenewLease(runCtx, run.ID, w.ID, p.leaseDuration)
				if err != nil {
					logger.Error("lease renewal failed", "error", err)
					continue
				}
				if !ok {
					logger.Warn("lease lost, abandoning run")
					leaseLost.Store(true)
					cancel()
					return
				}
				if p.metrics != nil {
					p.metrics.LeaseRenewals.Add(runCtx, 1)
				}
			}
		}
	}()

	started := time.Now()
	result, execErr := p.executor.Execute(runCtx, run)
	close(hbDone)
	hbWG.Wait()

	// A lost lease means the sweeper already decided the run's fate;
	// recording a result here would race the requeue.
	if leaseLost.Load() {
		logger.Warn("run abandoned after lease loss", "error", execErr)
		return
	}

	switch {
	case execErr != nil:
		recorded, err := p.store.Complete(ctx, run.ID, w.ID, persistence.RunStatusFailed, "", "", execErr.Error())
		if err != nil {
			logger.Error("record failure failed", "error", err)
			return
		}
		if recorded {
			logger.Warn("run failed", "error", execErr, "runtime", time.Since(started).String())
			if p.metrics != nil {
				p.metrics.RunsFailed.Add(ctx, 1)
			}
		}
	case result.NeedsInput:
		recorded, err := p.store.MarkNeedsInput(ctx, run.ID, w.ID, result.Prompt)
		if err != nil {
			logger.Error("record needs-input failed", "error", err)
			return
		}
		if recorded {
			logger.Info("run paused for input", "prompt", result.Prompt)
		}
	default:
		recorded, err := p.store.Complete(ctx, run.ID, w.ID, persistence.RunStatusCompleted, result.Summary, result.Full, "")
		if err != nil {
			logger.Error("record completion failed", "error", err)
			return
		}
		if recorded {
			logger.Info("run completed", "runtime", time.Since(started).String())
			if p.metrics != nil {
				p.metrics.RunsCompleted.Add(ctx, 1)
				p.metrics.RunDuration.Record(ctx, time.Since(started).Seconds())
			}
		}
	}
}
