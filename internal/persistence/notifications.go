package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskrun/internal/bus"
)

// NotifyChannel names a completion-callback channel. The two channels share
// one state machine implementation: only the column prefix and the
// destination field differ, so backoff and stuck-claim behavior cannot
// drift between them.
type NotifyChannel string

const (
	ChannelEmail   NotifyChannel = "email"
	ChannelWebhook NotifyChannel = "webhook"
)

// Channels lists every delivery channel, for retrier construction.
var Channels = []NotifyChannel{ChannelEmail, ChannelWebhook}

// NotifyStatus is the per-channel delivery state of a run.
type NotifyStatus string

const (
	NotifyStatusNone    NotifyStatus = "NONE"
	NotifyStatusPending NotifyStatus = "PENDING"
	NotifyStatusSent    NotifyStatus = "SENT"
	NotifyStatusFailed  NotifyStatus = "FAILED"
)

// NotifyState is one channel's delivery state on a TaskRun.
type NotifyState struct {
	Status      NotifyStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"last_error,omitempty"`
	NextRetryAt *time.Time   `json:"next_retry_at,omitempty"`
}

// stuckPendingAge is how long a PENDING claim may sit unresolved before any
// retrier may re-claim it. Bounds redelivery latency after a sender crash
// without a separate heartbeat channel.
const stuckPendingAge = 5 * time.Minute

// colPrefix maps a channel to its column prefix. Channel names reach SQL
// only through this whitelist.
func (c NotifyChannel) colPrefix() (string, error) {
	switch c {
	case ChannelEmail:
		return "email_notify", nil
	case ChannelWebhook:
		return "webhook_notify", nil
	}
	return "", fmt.Errorf("unknown notify channel %q", c)
}

func (c NotifyChannel) destColumn() (string, error) {
	switch c {
	case ChannelEmail:
		return "notify_email", nil
	case ChannelWebhook:
		return "webhook_url", nil
	}
	return "", fmt.Errorf("unknown notify channel %q", c)
}

// notifyBackoff computes the delay before retry n (1-based):
// min(60·5^(n−1), 900) seconds — 60s, 300s, then capped at 900s.
func notifyBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	seconds := int64(60)
	for i := 1; i < attempt; i++ {
		seconds *= 5
		if seconds >= 900 {
			seconds = 900
			break
		}
	}
	return time.Duration(seconds) * time.Second
}

// ClaimForSend atomically claims one channel's delivery for a run, moving it
// to PENDING and counting the attempt. It succeeds only if the destination
// is configured, the channel is not already SENT, attempts remain, and one
// of: the channel is NONE and the run reached a notifiable status; the
// channel is FAILED and its retry time has come; or the channel is PENDING
// but stuck for over five minutes (a dead sender's claim).
func (s *Store) ClaimForSend(ctx context.Context, runID string, channel NotifyChannel, maxAttempts int) (bool, error) {
	prefix, err := channel.colPrefix()
	if err != nil {
		return false, err
	}
	destCol, err := channel.destColumn()
	if err != nil {
		return false, err
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultNotifyMaxAttempts
	}

	var claimed bool
	err = retryOnBusy(ctx, 5, func() error {
		claimed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin notify claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			runStatus   RunStatus
			userID      string
			dest        string
			chStatus    NotifyStatus
			attempts    int
			nextRetryAt sql.NullTime
			chUpdatedAt sql.NullTime
		)
		query := fmt.Sprintf(`
			SELECT status, user_id, COALESCE(%s, ''), %s_status, %s_attempts, %s_next_retry_at, %s_updated_at
			FROM task_runs
			WHERE id = ?;
		`, destCol, prefix, prefix, prefix, prefix)
		if err := tx.QueryRowContext(ctx, query, runID).Scan(
			&runStatus, &userID, &dest, &chStatus, &attempts, &nextRetryAt, &chUpdatedAt,
		); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select run for notify claim: %w", err)
		}

		if dest == "" || chStatus == NotifyStatusSent || attempts >= maxAttempts {
			return nil
		}
		now := time.Now().UTC()
		eligible := false
		switch chStatus {
		case NotifyStatusNone:
			eligible = runStatus.notifiable()
		case NotifyStatusFailed:
			eligible = nextRetryAt.Valid && !nextRetryAt.Time.After(now)
		case NotifyStatusPending:
			eligible = chUpdatedAt.Valid && now.Sub(chUpdatedAt.Time) > stuckPendingAge
		}
		if !eligible {
			return nil
		}

		update := fmt.Sprintf(`
			UPDATE task_runs
			SET %s_status = ?,
				%s_attempts = %s_attempts + 1,
				%s_updated_at = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND %s_status = ? AND %s_attempts = ?;
		`, prefix, prefix, prefix, prefix, prefix, prefix)
		res, err := tx.ExecContext(ctx, update, NotifyStatusPending, now, runID, chStatus, attempts)
		if err != nil {
			return fmt.Errorf("claim notify: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("notify claim rows affected: %w", err)
		}
		if n != 1 {
			// Another retrier got there first.
			return nil
		}
		if err := s.appendRunEventTx(ctx, tx, runID, userID, "", runStatus, "notify.claimed",
			fmt.Sprintf(`{"channel":%q,"attempt":%d}`, channel, attempts+1)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit notify claim tx: %w", err)
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// MarkSent records a successful delivery for the channel: terminal SENT,
// error and retry fields cleared.
func (s *Store) MarkSent(ctx context.Context, runID string, channel NotifyChannel) error {
	prefix, err := channel.colPrefix()
	if err != nil {
		return err
	}
	update := fmt.Sprintf(`
		UPDATE task_runs
		SET %s_status = ?,
			%s_last_error = NULL,
			%s_next_retry_at = NULL,
			%s_updated_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, prefix, prefix, prefix, prefix)
	res, err := s.db.ExecContext(ctx, update, NotifyStatusSent, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("mark notify sent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		s.publish(bus.TopicNotifySent, bus.NotifyEvent{
			RunID: runID, Channel: string(channel), Status: string(NotifyStatusSent),
		})
	}
	return nil
}

// MarkFailed records a failed delivery. While attempts remain, the next
// retry time is scheduled with exponential backoff; at the attempt cap the
// failure becomes permanent (no retry time) and is left flagged for
// operator follow-up — never silently dropped.
func (s *Store) MarkFailed(ctx context.Context, runID string, channel NotifyChannel, sendErr string, maxAttempts int) error {
	prefix, err := channel.colPrefix()
	if err != nil {
		return err
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultNotifyMaxAttempts
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin notify fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var attempts int
		query := fmt.Sprintf(`SELECT %s_attempts FROM task_runs WHERE id = ?;`, prefix)
		if err := tx.QueryRowContext(ctx, query, runID).Scan(&attempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select notify attempts: %w", err)
		}

		now := time.Now().UTC()
		var nextRetry sql.NullTime
		permanent := attempts >= maxAttempts
		if !permanent {
			nextRetry = sql.NullTime{Valid: true, Time: now.Add(notifyBackoff(attempts))}
		}

		update := fmt.Sprintf(`
			UPDATE task_runs
			SET %s_status = ?,
				%s_last_error = ?,
				%s_next_retry_at = ?,
				%s_updated_at = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, prefix, prefix, prefix, prefix)
		if _, err := tx.ExecContext(ctx, update, NotifyStatusFailed, sendErr, nextRetry, now, runID); err != nil {
			return fmt.Errorf("mark notify failed: %w", err)
		}
		eventPayload := fmt.Sprintf(`{"channel":%q,"attempts":%d,"permanent":%t}`, channel, attempts, permanent)
		if err := s.appendRunEventTx(ctx, tx, runID, "", "", RunStatusFailed, "notify.failed", eventPayload); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit notify fail tx: %w", err)
		}
		s.publish(bus.TopicNotifyFailed, bus.NotifyEvent{
			RunID: runID, Channel: string(channel), Status: string(NotifyStatusFailed), Error: sendErr,
		})
		return nil
	})
}

// NotifyDue lists run IDs whose channel delivery is currently claimable,
// mirroring ClaimForSend's eligibility clauses. The retrier treats this as a
// hint: ClaimForSend re-checks everything atomically.
func (s *Store) NotifyDue(ctx context.Context, channel NotifyChannel, maxAttempts, limit int) ([]string, error) {
	prefix, err := channel.colPrefix()
	if err != nil {
		return nil, err
	}
	destCol, err := channel.destColumn()
	if err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultNotifyMaxAttempts
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	stuckBefore := time.Now().UTC().Add(-stuckPendingAge)
	query := fmt.Sprintf(`
		SELECT id
		FROM task_runs
		WHERE COALESCE(%s, '') != ''
		  AND %s_status != ?
		  AND %s_attempts < ?
		  AND (
			(%s_status = ? AND status IN (?, ?, ?))
			OR (%s_status = ? AND %s_next_retry_at IS NOT NULL AND %s_next_retry_at <= CURRENT_TIMESTAMP)
			OR (%s_status = ? AND %s_updated_at IS NOT NULL AND %s_updated_at <= ?)
		  )
		ORDER BY updated_at ASC
		LIMIT ?;
	`, destCol, prefix, prefix, prefix, prefix, prefix, prefix, prefix, prefix, prefix)
	rows, err := s.db.QueryContext(ctx, query,
		NotifyStatusSent, maxAttempts,
		NotifyStatusNone, RunStatusCompleted, RunStatusFailed, RunStatusNeedsInput,
		NotifyStatusFailed,
		NotifyStatusPending, stuckBefore,
		limit)
	if err != nil {
		return nil, fmt.Errorf("query notify due: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan notify due: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify due rows: %w", err)
	}
	return out, nil
}
