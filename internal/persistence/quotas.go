package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UserQuota mirrors the account subsystem's per-user limits. A limit of zero
// means unconfigured, i.e. unlimited; an absent row means everything is
// unlimited. Usage counters are written here (billing, admission) but owned
// conceptually by the account subsystem.
type UserQuota struct {
	UserID                    string    `json:"user_id"`
	TenantID                  string    `json:"tenant_id,omitempty"`
	ConcurrencyLimit          int       `json:"concurrency_limit"`
	TasksLimit                int       `json:"tasks_limit"`
	TasksUsedThisMonth        int       `json:"tasks_used_this_month"`
	AgentMinutesLimit         int64     `json:"agent_minutes_limit"`
	AgentMinutesUsedThisMonth int64     `json:"agent_minutes_used_this_month"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// QuotaDecision is the quota gate's verdict for one user.
type QuotaDecision struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason,omitempty"`
	TasksUsed        int    `json:"tasks_used"`
	TasksLimit       int    `json:"tasks_limit"`
	RunningCount     int    `json:"running_count"`
	ConcurrencyLimit int    `json:"concurrency_limit"`
}

// CheckLimits evaluates the quota gate for userID: monthly task count, then
// running-count vs concurrency, then agent-minutes — short-circuiting on the
// first failure with a reason fit for direct display.
func (s *Store) CheckLimits(ctx context.Context, userID string) (QuotaDecision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("begin check limits tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	decision, err := s.checkLimitsTx(ctx, tx, userID)
	if err != nil {
		return QuotaDecision{}, err
	}
	if err := tx.Commit(); err != nil {
		return QuotaDecision{}, fmt.Errorf("commit check limits tx: %w", err)
	}
	return decision, nil
}

func (s *Store) checkLimitsTx(ctx context.Context, tx *sql.Tx, userID string) (QuotaDecision, error) {
	quota, err := getUserQuotaTx(ctx, tx, userID)
	if err != nil {
		return QuotaDecision{}, err
	}

	running, err := countRunningTx(ctx, tx, userID)
	if err != nil {
		return QuotaDecision{}, err
	}

	decision := QuotaDecision{
		Allowed:      true,
		RunningCount: running,
	}
	if quota == nil {
		// No quota record: effectively unlimited.
		return decision, nil
	}
	decision.TasksUsed = quota.TasksUsedThisMonth
	decision.TasksLimit = quota.TasksLimit
	decision.ConcurrencyLimit = quota.ConcurrencyLimit

	if quota.TasksLimit > 0 && quota.TasksUsedThisMonth >= quota.TasksLimit {
		decision.Allowed = false
		decision.Reason = fmt.Sprintf("monthly task limit reached (%d of %d used)", quota.TasksUsedThisMonth, quota.TasksLimit)
		return decision, nil
	}
	if quota.ConcurrencyLimit > 0 && running >= quota.ConcurrencyLimit {
		decision.Allowed = false
		decision.Reason = fmt.Sprintf("concurrency limit reached (%d of %d running)", running, quota.ConcurrencyLimit)
		return decision, nil
	}
	if quota.AgentMinutesLimit > 0 && quota.AgentMinutesUsedThisMonth >= quota.AgentMinutesLimit {
		decision.Allowed = false
		decision.Reason = fmt.Sprintf("agent-minutes limit reached (%d of %d used)", quota.AgentMinutesUsedThisMonth, quota.AgentMinutesLimit)
		return decision, nil
	}
	return decision, nil
}

// concurrencyAllowedTx is the slim concurrency-only clause ClaimNext applies
// per candidate user inside the claim transaction.
func (s *Store) concurrencyAllowedTx(ctx context.Context, tx *sql.Tx, userID string) (bool, error) {
	var limit int
	err := tx.QueryRowContext(ctx, `
		SELECT concurrency_limit FROM user_quotas WHERE user_id = ?;
	`, userID).Scan(&limit)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read concurrency limit: %w", err)
	}
	if limit <= 0 {
		return true, nil
	}
	running, err := countRunningTx(ctx, tx, userID)
	if err != nil {
		return false, err
	}
	return running < limit, nil
}

func countRunningTx(ctx context.Context, tx *sql.Tx, userID string) (int, error) {
	var running int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_runs WHERE user_id = ? AND status = ?;
	`, userID, RunStatusRunning).Scan(&running); err != nil {
		return 0, fmt.Errorf("count running runs: %w", err)
	}
	return running, nil
}

func getUserQuotaTx(ctx context.Context, tx *sql.Tx, userID string) (*UserQuota, error) {
	var q UserQuota
	var tenantID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT user_id, tenant_id, concurrency_limit, tasks_limit, tasks_used_this_month,
			agent_minutes_limit, agent_minutes_used_this_month, updated_at
		FROM user_quotas
		WHERE user_id = ?;
	`, userID).Scan(&q.UserID, &tenantID, &q.ConcurrencyLimit, &q.TasksLimit, &q.TasksUsedThisMonth,
		&q.AgentMinutesLimit, &q.AgentMinutesUsedThisMonth, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user quota: %w", err)
	}
	q.TenantID = tenantID.String
	return &q, nil
}

// GetUserQuota returns the quota record, or nil when none exists.
func (s *Store) GetUserQuota(ctx context.Context, userID string) (*UserQuota, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin get quota tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	quota, err := getUserQuotaTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit get quota tx: %w", err)
	}
	return quota, nil
}

// UpsertUserQuota writes the limit fields for a user, preserving usage
// counters on conflict. The account subsystem calls this when plans change.
func (s *Store) UpsertUserQuota(ctx context.Context, q UserQuota) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_quotas (user_id, tenant_id, concurrency_limit, tasks_limit, agent_minutes_limit, updated_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			concurrency_limit = excluded.concurrency_limit,
			tasks_limit = excluded.tasks_limit,
			agent_minutes_limit = excluded.agent_minutes_limit,
			updated_at = CURRENT_TIMESTAMP;
	`, q.UserID, q.TenantID, q.ConcurrencyLimit, q.TasksLimit, q.AgentMinutesLimit)
	if err != nil {
		return fmt.Errorf("upsert user quota: %w", err)
	}
	return nil
}

// ResetMonthlyUsage zeroes the monthly counters, for the account subsystem's
// month rollover job.
func (s *Store) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_quotas
		SET tasks_used_this_month = 0,
			agent_minutes_used_this_month = 0,
			updated_at = CURRENT_TIMESTAMP
		WHERE tasks_used_this_month != 0 OR agent_minutes_used_this_month != 0;
	`)
	if err != nil {
		return 0, fmt.Errorf("reset monthly usage: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) incrementTasksUsedTx(ctx context.Context, tx *sql.Tx, userID, tenantID string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_quotas (user_id, tenant_id, tasks_used_this_month, updated_at)
		VALUES (?, NULLIF(?, ''), 1, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			tasks_used_this_month = tasks_used_this_month + 1,
			updated_at = CURRENT_TIMESTAMP;
	`, userID, tenantID); err != nil {
		return fmt.Errorf("increment tasks used: %w", err)
	}
	return nil
}

// billAgentMinutesTx charges minutes to the user's monthly agent-minutes
// counter, creating the usage row if the account subsystem has not yet.
func (s *Store) billAgentMinutesTx(ctx context.Context, tx *sql.Tx, userID, tenantID string, minutes int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_quotas (user_id, tenant_id, agent_minutes_used_this_month, updated_at)
		VALUES (?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			agent_minutes_used_this_month = agent_minutes_used_this_month + excluded.agent_minutes_used_this_month,
			updated_at = CURRENT_TIMESTAMP;
	`, userID, tenantID, minutes); err != nil {
		return fmt.Errorf("bill agent minutes: %w", err)
	}
	return nil
}
