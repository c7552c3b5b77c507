package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments for run scheduling telemetry.
type Metrics struct {
	RunsCreated      metric.Int64Counter
	RunsClaimed      metric.Int64Counter
	RunsCompleted    metric.Int64Counter
	RunsFailed       metric.Int64Counter
	LeaseRenewals    metric.Int64Counter
	LeaseReclaims    metric.Int64Counter
	DeadlineFailures metric.Int64Counter
	QuotaDenials     metric.Int64Counter
	NotifyAttempts   metric.Int64Counter
	NotifyFailures   metric.Int64Counter

	ClaimDuration metric.Float64Histogram
	RunDuration   metric.Float64Histogram

	meter metric.Meter
}

// NewMetrics creates the instrument set on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error
	if m.RunsCreated, err = meter.Int64Counter("taskrun.runs.created",
		metric.WithDescription("Runs accepted into the queue")); err != nil {
		return nil, fmt.Errorf("runs.created: %w", err)
	}
	if m.RunsClaimed, err = meter.Int64Counter("taskrun.runs.claimed",
		metric.WithDescription("Runs claimed by workers")); err != nil {
		return nil, fmt.Errorf("runs.claimed: %w", err)
	}
	if m.RunsCompleted, err = meter.Int64Counter("taskrun.runs.completed",
		metric.WithDescription("Runs completed successfully")); err != nil {
		return nil, fmt.Errorf("runs.completed: %w", err)
	}
	if m.RunsFailed, err = meter.Int64Counter("taskrun.runs.failed",
		metric.WithDescription("Runs that ended in failure")); err != nil {
		return nil, fmt.Errorf("runs.failed: %w", err)
	}
	if m.LeaseRenewals, err = meter.Int64Counter("taskrun.lease.renewals",
		metric.WithDescription("Successful lease renewals")); err != nil {
		return nil, fmt.Errorf("lease.renewals: %w", err)
	}
	if m.LeaseReclaims, err = meter.Int64Counter("taskrun.lease.reclaims",
		metric.WithDescription("Expired leases reclaimed by the sweeper")); err != nil {
		return nil, fmt.Errorf("lease.reclaims: %w", err)
	}
	if m.DeadlineFailures, err = meter.Int64Counter("taskrun.runs.deadline_failures",
		metric.WithDescription("Queued runs failed for missing their deadline")); err != nil {
		return nil, fmt.Errorf("runs.deadline_failures: %w", err)
	}
	if m.QuotaDenials, err = meter.Int64Counter("taskrun.quota.denials",
		metric.WithDescription("Run submissions denied by quota checks")); err != nil {
		return nil, fmt.Errorf("quota.denials: %w", err)
	}
	if m.NotifyAttempts, err = meter.Int64Counter("taskrun.notify.attempts",
		metric.WithDescription("Notification delivery attempts")); err != nil {
		return nil, fmt.Errorf("notify.attempts: %w", err)
	}
	if m.NotifyFailures, err = meter.Int64Counter("taskrun.notify.failures",
		metric.WithDescription("Permanently failed notification deliveries")); err != nil {
		return nil, fmt.Errorf("notify.failures: %w", err)
	}
	if m.ClaimDuration, err = meter.Float64Histogram("taskrun.claim.duration",
		metric.WithDescription("Time spent in the claim scan"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("claim.duration: %w", err)
	}
	if m.RunDuration, err = meter.Float64Histogram("taskrun.run.duration",
		metric.WithDescription("Run wall-clock time from claim to completion"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("run.duration: %w", err)
	}

	return m, nil
}

// RegisterQueueDepth registers an observable gauge that polls queue depth
// via the supplied callback on every metric collection.
func (m *Metrics) RegisterQueueDepth(depth func(context.Context) (int64, error)) error {
	_, err := m.meter.Int64ObservableGauge("taskrun.queue.depth",
		metric.WithDescription("Runs currently waiting in QUEUED"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := depth(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("queue.depth: %w", err)
	}
	return nil
}

// ChannelAttr returns the notification channel attribute used on
// notify counters.
func ChannelAttr(channel string) metric.AddOption {
	return metric.WithAttributes(attribute.String("channel", channel))
}
