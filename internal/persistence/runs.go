package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskrun/internal/bus"
	"github.com/basket/taskrun/internal/match"
	"github.com/google/uuid"
)

// RoutingReasonDeadline is stamped on queued runs the deadline sweeper fails.
const RoutingReasonDeadline = "no eligible worker claimed the run before its deadline"

// TaskRun is the unit of schedulable work.
type TaskRun struct {
	ID       string    `json:"id"`
	TaskID   string    `json:"task_id"`
	UserID   string    `json:"user_id"`
	TenantID string    `json:"tenant_id,omitempty"`
	Status   RunStatus `json:"status"`
	Priority int       `json:"priority"`

	TargetAgentName      string     `json:"target_agent_name,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	ModelRef             string     `json:"model_ref,omitempty"`
	DeadlineAt           *time.Time `json:"deadline_at,omitempty"`

	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`

	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	RuntimeSeconds       int64      `json:"runtime_seconds,omitempty"`
	ResultSummary        string     `json:"result_summary,omitempty"`
	ResultFull           string     `json:"result_full,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	RoutingFailedAt      *time.Time `json:"routing_failed_at,omitempty"`
	RoutingFailureReason string     `json:"routing_failure_reason,omitempty"`

	NotifyEmail string `json:"notify_email,omitempty"`
	WebhookURL  string `json:"webhook_url,omitempty"`

	EmailNotify   NotifyState `json:"email_notify"`
	WebhookNotify NotifyState `json:"webhook_notify"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Candidate returns the routing-relevant slice of the run for the matcher.
func (r *TaskRun) Candidate() match.Candidate {
	return match.Candidate{
		TargetAgentName:      r.TargetAgentName,
		RequiredCapabilities: r.RequiredCapabilities,
		ModelRef:             r.ModelRef,
	}
}

// NewRun carries the caller-supplied fields of a run submission.
type NewRun struct {
	TaskID               string     `json:"task_id"`
	UserID               string     `json:"user_id"`
	TenantID             string     `json:"tenant_id,omitempty"`
	Priority             int        `json:"priority"`
	TargetAgentName      string     `json:"target_agent_name,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	ModelRef             string     `json:"model_ref,omitempty"`
	DeadlineAt           *time.Time `json:"deadline_at,omitempty"`
	MaxAttempts          int        `json:"max_attempts,omitempty"`
	NotifyEmail          string     `json:"notify_email,omitempty"`
	WebhookURL           string     `json:"webhook_url,omitempty"`
}

// ErrQuotaDenied wraps a quota gate denial on run admission.
type ErrQuotaDenied struct {
	Decision QuotaDecision
}

func (e *ErrQuotaDenied) Error() string {
	return fmt.Sprintf("quota denied: %s", e.Decision.Reason)
}

// CreateRun admits a new queued run. The quota gate runs inside the same
// transaction as the insert, so admission and the monthly-usage increment
// are atomic. Returns *ErrQuotaDenied when the gate refuses.
func (s *Store) CreateRun(ctx context.Context, nr NewRun) (string, error) {
	if strings.TrimSpace(nr.TaskID) == "" {
		return "", fmt.Errorf("task id required")
	}
	if strings.TrimSpace(nr.UserID) == "" {
		return "", fmt.Errorf("user id required")
	}
	maxAttempts := nr.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	caps := nr.RequiredCapabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("marshal capabilities: %w", err)
	}

	runID := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		decision, err := s.checkLimitsTx(ctx, tx, nr.UserID)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			if err := s.appendRunEventTx(ctx, tx, runID, nr.UserID, "", RunStatusQueued, "run.quota_denied",
				fmt.Sprintf(`{"reason":%q}`, decision.Reason)); err != nil {
				return err
			}
			if commitErr := tx.Commit(); commitErr != nil {
				return fmt.Errorf("commit quota denial: %w", commitErr)
			}
			return &ErrQuotaDenied{Decision: decision}
		}

		var deadline sql.NullTime
		if nr.DeadlineAt != nil {
			deadline = sql.NullTime{Valid: true, Time: nr.DeadlineAt.UTC()}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_runs (
				id, task_id, user_id, tenant_id, status, priority,
				target_agent_name, required_capabilities, model_ref, deadline_at,
				attempts, max_attempts, notify_email, webhook_url, created_at, updated_at
			)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, 0, ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, runID, nr.TaskID, nr.UserID, nr.TenantID, RunStatusQueued, nr.Priority,
			nr.TargetAgentName, string(capsJSON), nr.ModelRef, deadline,
			maxAttempts, nr.NotifyEmail, nr.WebhookURL); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if err := s.incrementTasksUsedTx(ctx, tx, nr.UserID, nr.TenantID); err != nil {
			return err
		}
		if err := s.appendRunEventTx(ctx, tx, runID, nr.UserID, "", RunStatusQueued, "run.enqueued", `{"reason":"create_run"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.publish(bus.TopicRunStateChanged, bus.RunStateChangedEvent{
		RunID: runID, UserID: nr.UserID, OldStatus: "", NewStatus: string(RunStatusQueued),
	})
	return runID, nil
}

// ClaimNext atomically assigns the best-ranked eligible queued run to the
// worker and transitions it to RUNNING under a fresh lease. Returns (nil,
// nil) when nothing is claimable — callers simply poll again.
//
// Ordering: targeted runs first, then model-pinned, then priority
// descending, then FIFO. Targeted and model-pinned work is scarce for a
// matching worker and must not starve behind generic priority ties.
func (s *Store) ClaimNext(ctx context.Context, worker match.Worker, leaseDuration time.Duration) (*TaskRun, error) {
	if worker.ID == "" {
		return nil, fmt.Errorf("worker id required")
	}
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}

	var result *TaskRun
	err := retryOnBusy(ctx, 5, func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Agent targeting is pushed into the query so runs pinned to other
		// agents never occupy the scan window. Capability and model filters
		// stay in Go (set membership over JSON columns), which is why the
		// scan pages until the queue is exhausted rather than stopping at
		// one window: a backlog of runs this worker cannot serve must not
		// hide a claimable run ranked behind it.
		query := `
			SELECT ` + runColumns + `
			FROM task_runs
			WHERE status = ?
			  AND (target_agent_name IS NULL OR target_agent_name = '' OR target_agent_name = ?)
			  AND (lease_expires_at IS NULL OR lease_expires_at <= CURRENT_TIMESTAMP)
			  AND (deadline_at IS NULL OR deadline_at > CURRENT_TIMESTAMP)
			ORDER BY
				CASE WHEN target_agent_name IS NOT NULL AND target_agent_name != '' THEN 0 ELSE 1 END,
				CASE WHEN model_ref IS NOT NULL AND model_ref != '' THEN 0 ELSE 1 END,
				priority DESC,
				created_at ASC,
				id ASC
			LIMIT ? OFFSET ?;
		`

		// Per-user concurrency decisions are cached across the scan: one
		// user's burst of queued runs costs one quota read, not one per row.
		concurrencyOK := map[string]bool{}
		for offset := 0; ; offset += claimScanLimit {
			rows, err := tx.QueryContext(ctx, query,
				RunStatusQueued, worker.AgentName, claimScanLimit, offset)
			if err != nil {
				return fmt.Errorf("select claim candidates: %w", err)
			}
			candidates, err := collectRuns(rows)
			if err != nil {
				return err
			}

			for i := range candidates {
				run := &candidates[i]
				if !match.Eligible(run.Candidate(), worker) {
					continue
				}
				allowed, cached := concurrencyOK[run.UserID]
				if !cached {
					allowed, err = s.concurrencyAllowedTx(ctx, tx, run.UserID)
					if err != nil {
						return err
					}
					concurrencyOK[run.UserID] = allowed
				}
				if !allowed {
					continue
				}

				ok, err := s.transitionRunTx(ctx, tx, run.ID,
					[]RunStatus{RunStatusQueued}, RunStatusRunning,
					"run.claimed", fmt.Sprintf(`{"worker_id":%q,"agent_name":%q,"attempt":%d}`, worker.ID, worker.AgentName, run.Attempts+1), nil)
				if err != nil {
					return fmt.Errorf("claim run transition: %w", err)
				}
				if !ok {
					// Lost the row to a concurrent claimer; skip, don't wait.
					continue
				}
				leaseExpiresAt := time.Now().UTC().Add(leaseDuration)
				startedAt := time.Now().UTC()
				if _, err := tx.ExecContext(ctx, `
					UPDATE task_runs
					SET lease_owner = ?,
						lease_expires_at = ?,
						attempts = attempts + 1,
						started_at = COALESCE(started_at, ?),
						updated_at = CURRENT_TIMESTAMP
					WHERE id = ? AND status = ?;
				`, worker.ID, leaseExpiresAt, startedAt, run.ID, RunStatusRunning); err != nil {
					return fmt.Errorf("set claim lease: %w", err)
				}
				if err := tx.Commit(); err != nil {
					return fmt.Errorf("commit claim tx: %w", err)
				}
				run.Status = RunStatusRunning
				run.LeaseOwner = worker.ID
				run.LeaseExpiresAt = &leaseExpiresAt
				run.Attempts++
				if run.StartedAt == nil {
					run.StartedAt = &startedAt
				}
				result = run
				return nil
			}
			if len(candidates) < claimScanLimit {
				break
			}
		}
		// Nothing claimable in this snapshot.
		_ = tx.Rollback()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		s.publish(bus.TopicRunClaimed, bus.RunStateChangedEvent{
			RunID: result.ID, UserID: result.UserID,
			OldStatus: string(RunStatusQueued), NewStatus: string(RunStatusRunning),
		})
	}
	return result, nil
}

// RenewLease extends the lease only if the run is still RUNNING and owned by
// workerID. A false return is not an error — it is the signal to stop
// working (lost lease, cancellation, or completion elsewhere). The expiry
// never moves backwards.
func (s *Store) RenewLease(ctx context.Context, runID, workerID string, leaseDuration time.Duration) (bool, error) {
	if workerID == "" {
		return false, nil
	}
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	newExpiry := time.Now().UTC().Add(leaseDuration)
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_runs
		SET lease_expires_at = CASE WHEN lease_expires_at > ? THEN lease_expires_at ELSE ? END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status = ?;
	`, newExpiry, newExpiry, runID, workerID, RunStatusRunning)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew rows affected: %w", err)
	}
	return n == 1, nil
}

// Complete finalizes a run the worker owns. Billing happens here: the owning
// user is charged max(1, ceil(runtime/60)) agent-minutes in the same
// transaction — a partial minute always rounds up and a zero-length run
// still bills one minute.
func (s *Store) Complete(ctx context.Context, runID, workerID string, status RunStatus, resultSummary, resultFull, errMsg string) (bool, error) {
	if status != RunStatusCompleted && status != RunStatusFailed {
		return false, fmt.Errorf("complete status must be COMPLETED or FAILED, got %s", status)
	}

	var (
		done   bool
		userID string
	)
	err := retryOnBusy(ctx, 5, func() error {
		done = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			owner     sql.NullString
			current   RunStatus
			startedAt sql.NullTime
			tenantID  sql.NullString
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, COALESCE(lease_owner, ''), started_at, user_id, tenant_id
			FROM task_runs
			WHERE id = ?;
		`, runID).Scan(&current, &owner, &startedAt, &userID, &tenantID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select run for complete: %w", err)
		}
		if current != RunStatusRunning || owner.String != workerID {
			return nil
		}

		now := time.Now().UTC()
		var runtimeSeconds int64
		if startedAt.Valid {
			runtimeSeconds = int64(now.Sub(startedAt.Time).Seconds())
			if runtimeSeconds < 0 {
				runtimeSeconds = 0
			}
		}

		eventType := "run.completed"
		if status == RunStatusFailed {
			eventType = "run.failed"
		}
		var errPtr *string
		if errMsg != "" {
			errPtr = &errMsg
		}
		ok, err := s.transitionRunTx(ctx, tx, runID,
			[]RunStatus{RunStatusRunning}, status,
			eventType, fmt.Sprintf(`{"worker_id":%q,"runtime_seconds":%d}`, workerID, runtimeSeconds), errPtr)
		if err != nil {
			return fmt.Errorf("complete transition: %w", err)
		}
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_runs
			SET lease_owner = NULL,
				lease_expires_at = NULL,
				completed_at = ?,
				runtime_seconds = ?,
				result_summary = NULLIF(?, ''),
				result_full = NULLIF(?, ''),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, now, runtimeSeconds, resultSummary, resultFull, runID, status); err != nil {
			return fmt.Errorf("record run outcome: %w", err)
		}
		if err := s.billAgentMinutesTx(ctx, tx, userID, tenantID.String, billedMinutes(runtimeSeconds)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit complete tx: %w", err)
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if done {
		topic := bus.TopicRunCompleted
		if status == RunStatusFailed {
			topic = bus.TopicRunFailed
		}
		s.publish(topic, bus.RunFinishedEvent{
			RunID: runID, UserID: userID, Status: string(status), Error: errMsg,
		})
	}
	return done, nil
}

// billedMinutes converts a run's wall-clock seconds into agent-minutes:
// ceil(seconds/60), floor 1.
func billedMinutes(runtimeSeconds int64) int64 {
	minutes := (runtimeSeconds + 59) / 60
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// ReclaimExpired is the crash-recovery sweep: RUNNING runs whose lease has
// expired are either failed (deadline passed, or attempts exhausted) or put
// back in the claim pool. A worker that dies mid-run does not lose the run.
// Calling it again immediately is a no-op.
func (s *Store) ReclaimExpired(ctx context.Context) (int64, error) {
	type reclaimed struct {
		id     string
		userID string
		failed bool
		errMsg string
	}
	var acted []reclaimed

	err := retryOnBusy(ctx, 5, func() error {
		acted = acted[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reclaim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, user_id, attempts, max_attempts, deadline_at
			FROM task_runs
			WHERE status = ?
			  AND lease_expires_at IS NOT NULL
			  AND lease_expires_at <= CURRENT_TIMESTAMP;
		`, RunStatusRunning)
		if err != nil {
			return fmt.Errorf("query expired leases: %w", err)
		}
		type expired struct {
			id          string
			userID      string
			attempts    int
			maxAttempts int
			deadlineAt  sql.NullTime
		}
		var expiredRuns []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.userID, &e.attempts, &e.maxAttempts, &e.deadlineAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired lease run: %w", err)
			}
			expiredRuns = append(expiredRuns, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate expired lease runs: %w", err)
		}

		now := time.Now().UTC()
		for _, e := range expiredRuns {
			maxAttempts := e.maxAttempts
			if maxAttempts <= 0 {
				maxAttempts = defaultMaxAttempts
			}
			// Deadline is checked before attempts so a run that misses both
			// reports the deadline, matching what callers see elsewhere.
			var failMsg string
			switch {
			case e.deadlineAt.Valid && !e.deadlineAt.Time.After(now):
				failMsg = "deadline exceeded"
			case e.attempts >= maxAttempts:
				failMsg = fmt.Sprintf("lease expired after %d attempts", e.attempts)
			}

			if failMsg != "" {
				msg := failMsg
				ok, err := s.transitionRunTx(ctx, tx, e.id,
					[]RunStatus{RunStatusRunning}, RunStatusFailed,
					"run.lease_failed", fmt.Sprintf(`{"reason":%q}`, failMsg), &msg)
				if err != nil {
					return fmt.Errorf("reclaim fail transition: %w", err)
				}
				if !ok {
					continue
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE task_runs
					SET lease_owner = NULL, lease_expires_at = NULL, completed_at = ?, updated_at = CURRENT_TIMESTAMP
					WHERE id = ? AND status = ?;
				`, now, e.id, RunStatusFailed); err != nil {
					return fmt.Errorf("clear lease on reclaim fail: %w", err)
				}
				acted = append(acted, reclaimed{id: e.id, userID: e.userID, failed: true, errMsg: failMsg})
				continue
			}

			msg := "lease expired, requeued"
			ok, err := s.transitionRunTx(ctx, tx, e.id,
				[]RunStatus{RunStatusRunning}, RunStatusQueued,
				"run.lease_requeued", `{"reason":"lease_expired"}`, &msg)
			if err != nil {
				return fmt.Errorf("reclaim requeue transition: %w", err)
			}
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_runs
				SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, e.id, RunStatusQueued); err != nil {
				return fmt.Errorf("clear lease on requeue: %w", err)
			}
			acted = append(acted, reclaimed{id: e.id, userID: e.userID})
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	for _, r := range acted {
		if r.failed {
			s.publish(bus.TopicRunFailed, bus.RunFinishedEvent{
				RunID: r.id, UserID: r.userID, Status: string(RunStatusFailed), Error: r.errMsg,
			})
		} else {
			s.publish(bus.TopicRunRequeued, bus.RunStateChangedEvent{
				RunID: r.id, UserID: r.userID,
				OldStatus: string(RunStatusRunning), NewStatus: string(RunStatusQueued),
			})
		}
	}
	return int64(len(acted)), nil
}

// FailDeadlineExceeded fails every queued run whose deadline has passed,
// stamping the routing failure. Running runs are left to ReclaimExpired's
// deadline clause so a row is never handled twice.
func (s *Store) FailDeadlineExceeded(ctx context.Context) (int64, error) {
	type failedRun struct {
		id     string
		userID string
	}
	var acted []failedRun

	err := retryOnBusy(ctx, 5, func() error {
		acted = acted[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin deadline sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, user_id
			FROM task_runs
			WHERE status = ?
			  AND deadline_at IS NOT NULL
			  AND deadline_at <= CURRENT_TIMESTAMP;
		`, RunStatusQueued)
		if err != nil {
			return fmt.Errorf("query deadline-exceeded runs: %w", err)
		}
		var due []failedRun
		for rows.Next() {
			var f failedRun
			if err := rows.Scan(&f.id, &f.userID); err != nil {
				rows.Close()
				return fmt.Errorf("scan deadline-exceeded run: %w", err)
			}
			due = append(due, f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate deadline-exceeded runs: %w", err)
		}

		now := time.Now().UTC()
		for _, f := range due {
			msg := RoutingReasonDeadline
			ok, err := s.transitionRunTx(ctx, tx, f.id,
				[]RunStatus{RunStatusQueued}, RunStatusFailed,
				"run.routing_failed", fmt.Sprintf(`{"reason":%q}`, RoutingReasonDeadline), &msg)
			if err != nil {
				return fmt.Errorf("deadline fail transition: %w", err)
			}
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_runs
				SET routing_failed_at = ?, routing_failure_reason = ?, completed_at = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, now, RoutingReasonDeadline, now, f.id, RunStatusFailed); err != nil {
				return fmt.Errorf("stamp routing failure: %w", err)
			}
			acted = append(acted, f)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	for _, f := range acted {
		s.publish(bus.TopicRunFailed, bus.RunFinishedEvent{
			RunID: f.id, UserID: f.userID, Status: string(RunStatusFailed), Error: RoutingReasonDeadline,
		})
	}
	return int64(len(acted)), nil
}

// MarkNeedsInput parks a running run the worker owns until the user responds.
// The lease is released; the run re-enters the claim pool via ResumeRun.
func (s *Store) MarkNeedsInput(ctx context.Context, runID, workerID, prompt string) (bool, error) {
	var (
		done   bool
		userID string
	)
	err := retryOnBusy(ctx, 5, func() error {
		done = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin needs-input tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var owner sql.NullString
		var current RunStatus
		if err := tx.QueryRowContext(ctx, `
			SELECT status, COALESCE(lease_owner, ''), user_id
			FROM task_runs
			WHERE id = ?;
		`, runID).Scan(&current, &owner, &userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select run for needs-input: %w", err)
		}
		if current != RunStatusRunning || owner.String != workerID {
			return nil
		}
		ok, err := s.transitionRunTx(ctx, tx, runID,
			[]RunStatus{RunStatusRunning}, RunStatusNeedsInput,
			"run.needs_input", fmt.Sprintf(`{"worker_id":%q}`, workerID), nil)
		if err != nil {
			return fmt.Errorf("needs-input transition: %w", err)
		}
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_runs
			SET lease_owner = NULL, lease_expires_at = NULL, result_summary = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, prompt, runID, RunStatusNeedsInput); err != nil {
			return fmt.Errorf("clear lease on needs-input: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit needs-input tx: %w", err)
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if done {
		s.publish(bus.TopicRunNeedsInput, bus.RunFinishedEvent{
			RunID: runID, UserID: userID, Status: string(RunStatusNeedsInput),
		})
	}
	return done, nil
}

// ResumeRun puts a NEEDS_INPUT run back in the claim pool with the user's
// response recorded in the ledger.
func (s *Store) ResumeRun(ctx context.Context, runID, input string) (bool, error) {
	var done bool
	err := retryOnBusy(ctx, 5, func() error {
		done = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resume tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		payload, _ := json.Marshal(map[string]string{"input": input})
		ok, err := s.transitionRunTx(ctx, tx, runID,
			[]RunStatus{RunStatusNeedsInput}, RunStatusQueued,
			"run.resumed", string(payload), nil)
		if err != nil {
			return fmt.Errorf("resume transition: %w", err)
		}
		if !ok {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit resume tx: %w", err)
		}
		done = true
		return nil
	})
	return done, err
}

// CancelRun cancels a non-terminal run directly. A live lease does not block
// cancellation: the owning worker discovers it when RenewLease returns false.
func (s *Store) CancelRun(ctx context.Context, runID string) (bool, error) {
	var (
		done   bool
		userID string
	)
	err := retryOnBusy(ctx, 5, func() error {
		done = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT user_id FROM task_runs WHERE id = ?;`, runID).Scan(&userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select run for cancel: %w", err)
		}
		msg := "cancelled by caller"
		ok, err := s.transitionRunTx(ctx, tx, runID,
			[]RunStatus{RunStatusQueued, RunStatusRunning, RunStatusNeedsInput}, RunStatusCancelled,
			"run.cancelled", `{"reason":"cancel_request"}`, &msg)
		if err != nil {
			return fmt.Errorf("cancel transition: %w", err)
		}
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_runs
			SET lease_owner = NULL, lease_expires_at = NULL, completed_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, time.Now().UTC(), runID, RunStatusCancelled); err != nil {
			return fmt.Errorf("clear lease on cancel: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit cancel tx: %w", err)
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if done {
		s.publish(bus.TopicRunCancelled, bus.RunFinishedEvent{
			RunID: runID, UserID: userID, Status: string(RunStatusCancelled),
		})
	}
	return done, nil
}

const runColumns = `
	id, task_id, user_id, COALESCE(tenant_id, ''), status, priority,
	COALESCE(target_agent_name, ''), required_capabilities, COALESCE(model_ref, ''), deadline_at,
	COALESCE(lease_owner, ''), lease_expires_at, attempts, max_attempts,
	started_at, completed_at, COALESCE(runtime_seconds, 0),
	COALESCE(result_summary, ''), COALESCE(result_full, ''), COALESCE(last_error, ''),
	routing_failed_at, COALESCE(routing_failure_reason, ''),
	COALESCE(notify_email, ''), COALESCE(webhook_url, ''),
	email_notify_status, email_notify_attempts, COALESCE(email_notify_last_error, ''), email_notify_next_retry_at,
	webhook_notify_status, webhook_notify_attempts, COALESCE(webhook_notify_last_error, ''), webhook_notify_next_retry_at,
	created_at, updated_at`

func scanRun(scanFn func(dest ...any) error, run *TaskRun) error {
	var (
		deadlineAt      sql.NullTime
		leaseExpiresAt  sql.NullTime
		startedAt       sql.NullTime
		completedAt     sql.NullTime
		routingFailedAt sql.NullTime
		capsJSON        string
		emailNextRetry  sql.NullTime
		hookNextRetry   sql.NullTime
	)
	if err := scanFn(
		&run.ID,
		&run.TaskID,
		&run.UserID,
		&run.TenantID,
		&run.Status,
		&run.Priority,
		&run.TargetAgentName,
		&capsJSON,
		&run.ModelRef,
		&deadlineAt,
		&run.LeaseOwner,
		&leaseExpiresAt,
		&run.Attempts,
		&run.MaxAttempts,
		&startedAt,
		&completedAt,
		&run.RuntimeSeconds,
		&run.ResultSummary,
		&run.ResultFull,
		&run.LastError,
		&routingFailedAt,
		&run.RoutingFailureReason,
		&run.NotifyEmail,
		&run.WebhookURL,
		&run.EmailNotify.Status,
		&run.EmailNotify.Attempts,
		&run.EmailNotify.LastError,
		&emailNextRetry,
		&run.WebhookNotify.Status,
		&run.WebhookNotify.Attempts,
		&run.WebhookNotify.LastError,
		&hookNextRetry,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return err
	}
	if capsJSON != "" {
		if err := json.Unmarshal([]byte(capsJSON), &run.RequiredCapabilities); err != nil {
			return fmt.Errorf("decode required_capabilities: %w", err)
		}
	}
	run.DeadlineAt = nullTimePtr(deadlineAt)
	run.LeaseExpiresAt = nullTimePtr(leaseExpiresAt)
	run.StartedAt = nullTimePtr(startedAt)
	run.CompletedAt = nullTimePtr(completedAt)
	run.RoutingFailedAt = nullTimePtr(routingFailedAt)
	run.EmailNotify.NextRetryAt = nullTimePtr(emailNextRetry)
	run.WebhookNotify.NextRetryAt = nullTimePtr(hookNextRetry)
	return nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func collectRuns(rows *sql.Rows) ([]TaskRun, error) {
	defer rows.Close()
	var out []TaskRun
	for rows.Next() {
		var run TaskRun
		if err := scanRun(rows.Scan, &run); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*TaskRun, error) {
	var run TaskRun
	err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM task_runs
		WHERE id = ?;
	`, runID).Scan, &run)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// ListRunsByUser returns a user's runs, newest first, with offset pagination.
func (s *Store) ListRunsByUser(ctx context.Context, userID string, limit, offset int) ([]TaskRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM task_runs
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?;
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs by user: %w", err)
	}
	return collectRuns(rows)
}

// RunCounts holds queue-level counters for operators and metrics.
type RunCounts struct {
	Queued        int `json:"queued"`
	Running       int `json:"running"`
	NeedsInput    int `json:"needs_input"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`
	ExpiredLeases int `json:"expired_leases"`
}

func (s *Store) CountRuns(ctx context.Context) (RunCounts, error) {
	var c RunCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'QUEUED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'RUNNING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'NEEDS_INPUT' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'CANCELLED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'RUNNING' AND lease_expires_at IS NOT NULL AND lease_expires_at <= CURRENT_TIMESTAMP THEN 1 ELSE 0 END), 0)
		FROM task_runs;
	`)
	if err := row.Scan(&c.Queued, &c.Running, &c.NeedsInput, &c.Completed, &c.Failed, &c.Cancelled, &c.ExpiredLeases); err != nil {
		return c, fmt.Errorf("count runs: %w", err)
	}
	return c, nil
}
