package persistence_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/basket/taskrun/internal/persistence"
)

func TestCheckLimits_NoQuotaRowIsUnlimited(t *testing.T) {
	store, _ := openTestStore(t)

	decision, err := store.CheckLimits(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("check limits: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allow for user without quota record, got %+v", decision)
	}
}

func TestCheckLimits_ZeroLimitsAreUnlimited(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertUserQuota(ctx, persistence.UserQuota{UserID: "u"}); err != nil {
		t.Fatalf("upsert quota: %v", err)
	}
	decision, err := store.CheckLimits(ctx, "u")
	if err != nil {
		t.Fatalf("check limits: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allow with zero limits, got %+v", decision)
	}
}

func TestCheckLimits_TaskLimitCheckedFirst(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	// Both the task and concurrency limits are violated; the decision
	// must carry the task-limit reason.
	if err := store.UpsertUserQuota(ctx, persistence.UserQuota{
		UserID: "u", TasksLimit: 1, ConcurrencyLimit: 1,
	}); err != nil {
		t.Fatalf("upsert quota: %v", err)
	}
	mustCreateRun(t, store, persistence.NewRun{TaskID: "t1", UserID: "u"})
	if _, err := store.ClaimNext(ctx, testWorker("w1"), 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	decision, err := store.CheckLimits(ctx, "u")
	if err != nil {
		t.Fatalf("check limits: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected denial, got %+v", decision)
	}
	if !strings.Contains(decision.Reason, "monthly task limit reached") {
		t.Fatalf("expected task-limit reason, got %q", decision.Reason)
	}
	if decision.TasksUsed != 1 || decision.RunningCount != 1 {
		t.Fatalf("expected usage snapshot in decision, got %+v", decision)
	}
}

func TestCheckLimits_ConcurrencyReason(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertUserQuota(ctx, persistence.UserQuota{
		UserID: "u", ConcurrencyLimit: 1,
	}); err != nil {
		t.Fatalf("upsert quota: %v", err)
	}
	mustCreateRun(t, store, persistence.NewRun{TaskID: "t1", UserID: "u"})
	if _, err := store.ClaimNext(ctx, testWorker("w1"), 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	decision, err := store.CheckLimits(ctx, "u")
	if err != nil {
		t.Fatalf("check limits: %v", err)
	}
	if decision.Allowed || !strings.Contains(decision.Reason, "concurrency limit reached") {
		t.Fatalf("expected concurrency denial, got %+v", decision)
	}
}

func TestCheckLimits_AgentMinutesReason(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertUserQuota(ctx, persistence.UserQuota{
		UserID: "u", AgentMinutesLimit: 1,
	}); err != nil {
		t.Fatalf("upsert quota: %v", err)
	}
	// Burn the minute: claim and complete a run.
	runID := mustCreateRun(t, store, persistence.NewRun{TaskID: "t1", UserID: "u"})
	if _, err := store.ClaimNext(ctx, testWorker("w1"), 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Complete(ctx, runID, "w1", persistence.RunStatusCompleted, "", "", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	decision, err := store.CheckLimits(ctx, "u")
	if err != nil {
		t.Fatalf("check limits: %v", err)
	}
	if decision.Allowed || !strings.Contains(decision.Reason, "agent-minutes limit reached") {
		t.Fatalf("expected agent-minutes denial, got %+v", decision)
	}
}

func TestCreateRun_DeniedByQuotaGate(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertUserQuota(ctx, persistence.UserQuota{
		UserID: "u", TasksLimit: 1,
	}); err != nil {
		t.Fatalf("upsert quota: %v", err)
	}
	mustCreateRun(t, store, persistence.NewRun{TaskID: "t1", UserID: "u"})

	_, err := store.CreateRun(ctx, persistence.NewRun{TaskID: "t2", UserID: "u"})
	var denied *persistence.ErrQuotaDenied
	if !errors.As(err, &denied) {
		t.Fatalf("expected ErrQuotaDenied, got %v", err)
	}
	if denied.Decision.Allowed || denied.Decision.Reason == "" {
		t.Fatalf("expected decision in denial, got %+v", denied.Decision)
	}

	// The denied attempt must not consume usage.
	quota, err := store.GetUserQuota(ctx, "u")
	if err != nil || quota == nil {
		t.Fatalf("get quota: quota=%v err=%v", quota, err)
	}
	if quota.TasksUsedThisMonth != 1 {
		t.Fatalf("expected tasks_used to stay at 1, got %d", quota.TasksUsedThisMonth)
	}
}

func TestUpsertUserQuota_PreservesUsageCounters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertUserQuota(ctx, persistence.UserQuota{
		UserID: "u", TasksLimit: 10,
	}); err != nil {
		t.Fatalf("upsert quota: %v", err)
	}
	mustCreateRun(t, store, persistence.NewRun{TaskID: "t1", UserID: "u"})

	// Plan change: new limits, usage untouched.
	if err := store.UpsertUserQuota(ctx, persistence.UserQuota{
		UserID: "u", TasksLimit: 50, ConcurrencyLimit: 5, AgentMinutesLimit: 600,
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	quota, err := store.GetUserQuota(ctx, "u")
	if err != nil || quota == nil {
		t.Fatalf("get quota: quota=%v err=%v", quota, err)
	}
	if quota.TasksLimit != 50 || quota.ConcurrencyLimit != 5 || quota.AgentMinutesLimit != 600 {
		t.Fatalf("limits not updated: %+v", quota)
	}
	if quota.TasksUsedThisMonth != 1 {
		t.Fatalf("expected usage preserved at 1, got %d", quota.TasksUsedThisMonth)
	}
}

func TestResetMonthlyUsage(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustCreateRun(t, store, persistence.NewRun{TaskID: "t1", UserID: "a"})
	mustCreateRun(t, store, persistence.NewRun{TaskID: "t2", UserID: "b"})
	if err := store.UpsertUserQuota(ctx, persistence.UserQuota{UserID: "idle"}); err != nil {
		t.Fatalf("upsert quota: %v", err)
	}

	n, err := store.ResetMonthlyUsage(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows reset, got %d", n)
	}
	for _, user := range []string{"a", "b"} {
		quota, err := store.GetUserQuota(ctx, user)
		if err != nil || quota == nil {
			t.Fatalf("get quota %s: quota=%v err=%v", user, quota, err)
		}
		if quota.TasksUsedThisMonth != 0 || quota.AgentMinutesUsedThisMonth != 0 {
			t.Fatalf("expected zeroed usage for %s, got %+v", user, quota)
		}
	}
}
