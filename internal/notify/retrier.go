package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskrun/internal/bus"
	"github.com/basket/taskrun/internal/otel"
	"github.com/basket/taskrun/internal/persistence"
)

const dueBatchSize = 32

// Config wires the retrier's dependencies.
type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	Senders []Sender

	// PollInterval is the interval of the due-notification scan.
	// The retrier also wakes immediately when a run finishes.
	PollInterval time.Duration

	// MaxAttempts is the per-channel delivery budget.
	MaxAttempts int
}

// Retrier drives notification delivery: it claims due per-channel work
// from the store, hands it to senders, and records the outcome. Claims
// are optimistic, so multiple retriers never double-send.
type Retrier struct {
	store       *persistence.Store
	bus         *bus.Bus
	logger      *slog.Logger
	metrics     *otel.Metrics
	tracer      trace.Tracer
	senders     map[persistence.NotifyChannel]Sender
	interval    time.Duration
	maxAttempts int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Retrier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = persistence.DefaultNotifyMaxAttempts
	}
	senders := make(map[persistence.NotifyChannel]Sender, len(cfg.Senders))
	for _, snd := range cfg.Senders {
		senders[snd.Channel()] = snd
	}
	return &Retrier{
		store:       cfg.Store,
		bus:         cfg.Bus,
		logger:      logger.With("component", "notify"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		senders:     senders,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// Start launches the delivery loop. Stop() or context cancellation ends it.
func (r *Retrier) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	wake := make(chan struct{}, 1)
	if r.bus != nil {
		sub := r.bus.Subscribe("run.")
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.bus.Unsubscribe(sub)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Ch():
					if !ok {
						return
					}
					if _, finished := ev.Payload.(bus.RunFinishedEvent); !finished {
						continue
					}
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			case <-wake:
				r.tick(ctx)
			}
		}
	}()

	r.logger.Info("notification retrier started",
		"channels", len(r.senders), "poll_interval", r.interval.String())
}

// Stop cancels the loops and waits for in-flight deliveries to finish.
func (r *Retrier) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Retrier) tick(ctx context.Context) {
	for channel, sender := range r.senders {
		runIDs, err := r.store.NotifyDue(ctx, channel, r.maxAttempts, dueBatchSize)
		if err != nil {
			r.logger.Error("due-notification scan failed", "channel", channel, "error", err)
			continue
		}
		for _, runID := range runIDs {
			if ctx.Err() != nil {
				return
			}
			r.deliver(ctx, runID, channel, sender)
		}
	}
}

// deliver attempts one send for one run/channel pair. The claim is the
// gate: a false claim means another retrier got there first, or the run
// became ineligible between the scan and now.
func (r *Retrier) deliver(ctx context.Context, runID string, channel persistence.NotifyChannel, sender Sender) {
	claimed, err := r.store.ClaimForSend(ctx, runID, channel, r.maxAttempts)
	if err != nil {
		r.logger.Error("notification claim failed", "run_id", runID, "channel", channel, "error", err)
		return
	}
	if !claimed {
		return
	}

	run, err := r.store.GetRun(ctx, runID)
	if err != nil || run == nil {
		r.logger.Error("load run for delivery failed", "run_id", runID, "channel", channel, "error", err)
		return
	}

	if r.metrics != nil {
		r.metrics.NotifyAttempts.Add(ctx, 1, otel.ChannelAttr(string(channel)))
	}

	sendCtx := ctx
	var span trace.Span
	if r.tracer != nil {
		sendCtx, span = otel.StartClientSpan(ctx, r.tracer, "notify.send",
			otel.AttrRunID.String(runID), otel.AttrChannel.String(string(channel)))
	}
	sendErr := sender.Send(sendCtx, run)
	if span != nil {
		if sendErr != nil {
			span.RecordError(sendErr)
		}
		span.End()
	}
	if sendErr == nil {
		if err := r.store.MarkSent(ctx, runID, channel); err != nil {
			r.logger.Error("mark sent failed", "run_id", runID, "channel", channel, "error", err)
		}
		r.logger.Info("notification delivered", "run_id", runID, "channel", channel)
		return
	}

	r.logger.Warn("notification delivery failed",
		"run_id", runID, "channel", channel, "error", sendErr)
	if err := r.store.MarkFailed(ctx, runID, channel, sendErr.Error(), r.maxAttempts); err != nil {
		r.logger.Error("mark failed failed", "run_id", runID, "channel", channel, "error", err)
		return
	}
	if r.metrics != nil {
		// Re-read to see whether the failure was terminal.
		if updated, err := r.store.GetRun(ctx, runID); err == nil && updated != nil {
			state := updated.EmailNotify
			if channel == persistence.ChannelWebhook {
				state = updated.WebhookNotify
			}
			if state.Status == persistence.NotifyStatusFailed {
				r.metrics.NotifyFailures.Add(ctx, 1, otel.ChannelAttr(string(channel)))
			}
		}
	}
}
