package persistence_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskrun/internal/match"
	"github.com/basket/taskrun/internal/persistence"
	"github.com/basket/taskrun/internal/shared"
)

func TestCreateRun_RequiresTaskAndUser(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateRun(ctx, persistence.NewRun{UserID: "u"}); err == nil {
		t.Fatalf("expected error for missing task id")
	}
	if _, err := store.CreateRun(ctx, persistence.NewRun{TaskID: "t"}); err == nil {
		t.Fatalf("expected error for missing user id")
	}
}

func TestClaimNext_EmptyQueueReturnsNil(t *testing.T) {
	store, _ := openTestStore(t)

	run, err := store.ClaimNext(context.Background(), testWorker("w1"), 0)
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if run != nil {
		t.Fatalf("expected nil run on empty queue, got %+v", run)
	}
}

func TestClaimNext_SetsLeaseAndAttempts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	runID := mustCreateRun(t, store, persistence.NewRun{})
	run, err := store.ClaimNext(ctx, testWorker("w1"), 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if run == nil || run.ID != runID {
		t.Fatalf("expected to claim %s, got %+v", runID, run)
	}
	if run.Status != persistence.RunStatusRunning {
		t.Fatalf("expected RUNNING, got %s", run.Status)
	}
	if run.LeaseOwner != "w1" {
		t.Fatalf("expected lease owner w1, got %q", run.LeaseOwner)
	}
	if run.LeaseExpiresAt == nil || !run.LeaseExpiresAt.After(time.Now().UTC().Add(20*time.Second)) {
		t.Fatalf("expected lease ~30s out, got %v", run.LeaseExpiresAt)
	}
	if run.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", run.Attempts)
	}
	if run.StartedAt == nil {
		t.Fatalf("expected started_at to be set")
	}

	// The same run must not be claimable while the lease is live.
	again, err := store.ClaimNext(ctx, testWorker("w2"), 0)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("expected nil on second claim, got %+v", again)
	}
}

func TestClaimNext_AtMostOneWinner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustCreateRun(t, store, persistence.NewRun{})

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w := match.Worker{ID: string(rune('a' + n)), AgentName: "default"}
			run, err := store.ClaimNext(ctx, w, 0)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if run != nil {
				wins <- w.ID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d (%v)", len(winners), winners)
	}
}

func TestClaimNext_OrderingPrefersTargetedThenPinnedThenPriority(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	generic := mustCreateRun(t, store, persistence.NewRun{TaskID: "generic", Priority: 10})
	pinned := mustCreateRun(t, store, persistence.NewRun{TaskID: "pinned", ModelRef: "prov:model-a"})
	targeted := mustCreateRun(t, store, persistence.NewRun{TaskID: "targeted", TargetAgentName: "default"})

	worker := match.Worker{ID: "w1", AgentName: "default", ModelsSupported: []string{"prov:model-a"}}

	var order []string
	for i := 0; i < 3; i++ {
		run, err := store.ClaimNext(ctx, worker, 0)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if run == nil {
			t.Fatalf("claim %d: expected a run", i)
		}
		order = append(order, run.ID)
		if _, err := store.Complete(ctx, run.ID, "w1", persistence.RunStatusCompleted, "", "", ""); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}

	want := []string{targeted, pinned, generic}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order: got %v, want targeted then pinned then generic (%v)", order, want)
		}
	}
}

func TestClaimNext_FIFOWithinEqualPriority(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := mustCreateRun(t, store, persistence.NewRun{TaskID: "first"})
	// Force distinct created_at ordering regardless of timestamp granularity.
	if _, err := store.DB().Exec(`UPDATE task_runs SET created_at = datetime('now', '-10 seconds') WHERE id = ?;`, first); err != nil {
		t.Fatalf("backdate created_at: %v", err)
	}
	mustCreateRun(t, store, persistence.NewRun{TaskID: "second"})

	run, err := store.ClaimNext(ctx, testWorker("w1"), 0)
	if err != nil || run == nil {
		t.Fatalf("claim: run=%v err=%v", run, err)
	}
	if run.ID != first {
		t.Fatalf("expected oldest run first, got task %s", run.TaskID)
	}
}

func TestClaimNext_EligibilityFilters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	t.Run("targeted run ignores other agents", func(t *testing.T) {
		runID := mustCreateRun(t, store, persistence.NewRun{TaskID: "targeted", TargetAgentName: "billing-agent"})
		got, err := store.ClaimNext(ctx, match.Worker{ID: "w1", AgentName: "web-agent"}, 0)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got != nil {
			t.Fatalf("expected no claim for non-target agent, got %+v", got)
		}
		got, err = store.ClaimNext(ctx, match.Worker{ID: "w2", AgentName: "billing-agent"}, 0)
		if err != nil || got == nil || got.ID != runID {
			t.Fatalf("expected target agent to claim %s, got run=%v err=%v", runID, got, err)
		}
		if _, err := store.CancelRun(ctx, runID); err != nil {
			t.Fatalf("cleanup cancel: %v", err)
		}
	})

	t.Run("capability subset required", func(t *testing.T) {
		runID := mustCreateRun(t, store, persistence.NewRun{
			TaskID:               "caps",
			RequiredCapabilities: []string{"browse", "code"},
		})
		got, err := store.ClaimNext(ctx, match.Worker{ID: "w3", AgentName: "default", Capabilities: []string{"browse"}}, 0)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got != nil {
			t.Fatalf("expected no claim with partial capabilities, got %+v", got)
		}
		got, err = store.ClaimNext(ctx, match.Worker{ID: "w4", AgentName: "default", Capabilities: []string{"code", "browse", "search"}}, 0)
		if err != nil || got == nil || got.ID != runID {
			t.Fatalf("expected superset worker to claim, got run=%v err=%v", got, err)
		}
		if _, err := store.CancelRun(ctx, runID); err != nil {
			t.Fatalf("cleanup cancel: %v", err)
		}
	})

	t.Run("model pin excludes modelless workers", func(t *testing.T) {
		runID := mustCreateRun(t, store, persistence.NewRun{TaskID: "pinned", ModelRef: "prov:model-x"})
		got, err := store.ClaimNext(ctx, match.Worker{ID: "w5", AgentName: "default"}, 0)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got != nil {
			t.Fatalf("expected no claim without model support, got %+v", got)
		}
		got, err = store.ClaimNext(ctx, match.Worker{ID: "w6", AgentName: "default", ModelsSupported: []string{"prov:model-x"}}, 0)
		if err != nil || got == nil || got.ID != runID {
			t.Fatalf("expected model-capable worker to claim, got run=%v err=%v", got, err)
		}
	})
}

func TestClaimNext_SkipsExpiredDeadline(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	mustCreateRun(t, store, persistence.NewRun{DeadlineAt: &past})

	run, err := store.ClaimNext(ctx, testWorker("w1"), 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if run != nil {
		t.Fatalf("expected expired-deadline run to be unclaimable, got %+v", run)
	}
}

func TestClaimNext_DeepForeignTargetedBacklog(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	// A backlog of runs pinned to another agent ranks ahead of untargeted
	// work. It must not eclipse the one run this worker can actually serve,
	// however deep it is.
	for i := 0; i < 70; i++ {
		mustCreateRun(t, store, persistence.NewRun{TaskID: "foreign", TargetAgentName: "other-agent"})
	}
	wantID := mustCreateRun(t, store, persistence.NewRun{TaskID: "mine"})

	got, err := store.ClaimNext(ctx, testWorker("w1"), 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got == nil || got.ID != wantID {
		t.Fatalf("expected to claim %s past the targeted backlog, got %+v", wantID, got)
	}
}

func TestClaimNext_ScansPastIneligiblePage(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	// Capability filtering happens after the row scan, so an eligible run
	// can sit beyond the first scan page. The scan has to keep paging.
	for i := 0; i < 70; i++ {
		mustCreateRun(t, store, persistence.NewRun{
			TaskID:               "gpu-bound",
			RequiredCapabilities: []string{"gpu"},
		})
	}
	// Pin the ineligible backlog to older created_at so the claimable run
	// sits past the first scan page regardless of timestamp granularity.
	if _, err := store.DB().Exec(`UPDATE task_runs SET created_at = datetime('now', '-10 seconds');`); err != nil {
		t.Fatalf("backdate created_at: %v", err)
	}
	wantID := mustCreateRun(t, store, persistence.NewRun{TaskID: "plain"})

	got, err := store.ClaimNext(ctx, testWorker("w1"), 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got == nil || got.ID != wantID {
		t.Fatalf("expected to claim %s past the ineligible page, got %+v", wantID, got)
	}
}

func TestClaimNext_HonorsConcurrencyLimit(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertUserQuota(ctx, persistence.UserQuota{UserID: "user-1", ConcurrencyLimit: 1}); err != nil {
		t.Fatalf("upsert quota: %v", err)
	}
	mustCreateRun(t, store, persistence.NewRun{TaskID: "one"})
	mustCreateRun(t, store, persistence.NewRun{TaskID: "two"})

	first, err := store.ClaimNext(ctx, testWorker("w1"), 0)
	if err != nil || first == nil {
		t.Fatalf("first claim: run=%v err=%v", first, err)
	}
	second, err := store.ClaimNext(ctx, testWorker("w2"), 0)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatalf("expected concurrency limit to block second claim, got %+v", second)
	}

	// Finishing the first run frees the slot.
	if _, err := store.Complete(ctx, first.ID, "w1", persistence.RunStatusCompleted, "", "", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	third, err := store.ClaimNext(ctx, testWorker("w3"), 0)
	if err != nil || third == nil {
		t.Fatalf("expected claim after slot freed, got run=%v err=%v", third, err)
	}
}

func TestRenewLease_OwnerGuardAndMonotonic(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	runID := mustCreateRun(t, store, persistence.NewRun{})
	if _, err := store.ClaimNext(ctx, testWorker("w1"), 10*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := store.RenewLease(ctx, runID, "w2", 30*time.Second)
	if err != nil {
		t.Fatalf("renew wrong owner: %v", err)
	}
	if ok {
		t.Fatalf("expected renew to fail for non-owner")
	}

	ok, err = store.RenewLease(ctx, runID, "w1", 120*time.Second)
	if err != nil || !ok {
		t.Fatalf("renew by owner: ok=%v err=%v", ok, err)
	}
	run, err := store.GetRun(ctx, runID)
	if err != nil || run == nil || run.LeaseExpiresAt == nil {
		t.Fatalf("get run after renew: run=%v err=%v", run, err)
	}
	longExpiry := *run.LeaseExpiresAt

	// A shorter renewal must not pull the expiry backwards.
	ok, err = store.RenewLease(ctx, runID, "w1", time.Second)
	if err != nil || !ok {
		t.Fatalf("short renew: ok=%v err=%v", ok, err)
	}
	run, err = store.GetRun(ctx, runID)
	if err != nil || run == nil || run.LeaseExpiresAt == nil {
		t.Fatalf("get run after short renew: run=%v err=%v", run, err)
	}
	if run.LeaseExpiresAt.Before(longExpiry) {
		t.Fatalf("lease expiry moved backwards: %v -> %v", longExpiry, run.LeaseExpiresAt)
	}

	// After completion the lease is gone and renewals are refused.
	if _, err := store.Complete(ctx, runID, "w1", persistence.RunStatusCompleted, "", "", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ok, err = store.RenewLease(ctx, runID, "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("renew after complete: %v", err)
	}
	if ok {
		t.Fatalf("expected renew to fail after completion")
	}
}

func TestComplete_RecordsOutcomeAndBills(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	runID := mustCreateRun(t, store, persistence.NewRun{})
	if _, err := store.ClaimNext(ctx, testWorker("w1"), 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Pretend the run has been executing for a bit over two minutes.
	rewindColumn(t, store, runID, "started_at", 130)

	done, err := store.Complete(ctx, runID, "w1", persistence.RunStatusCompleted, "summary line", "full output", "")
	if err != nil || !done {
		t.Fatalf("complete: done=%v err=%v", done, err)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil || run == nil {
		t.Fatalf("get run: run=%v err=%v", run, err)
	}
	if run.Status != persistence.RunStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", run.Status)
	}
	if run.LeaseOwner != "" || run.LeaseExpiresAt != nil {
		t.Fatalf("expected lease cleared, got owner=%q expires=%v", run.LeaseOwner, run.LeaseExpiresAt)
	}
	if run.ResultSummary != "summary line" || run.ResultFull != "full output" {
		t.Fatalf("result not recorded: %+v", run)
	}
	if run.RuntimeSeconds < 128 || run.RuntimeSeconds > 135 {
		t.Fatalf("expected runtime ~130s, got %d", run.RuntimeSeconds)
	}

	// 130s rounds up to 3 agent-minutes.
	quota, err := store.GetUserQuota(ctx, "user-1")
	if err != nil || quota == nil {
		t.Fatalf("get quota: quota=%v err=%v", quota, err)
	}
	if quota.AgentMinutesUsedThisMonth != 3 {
		t.Fatalf("expected 3 agent-minutes billed, got %d", quota.AgentMinutesUsedThisMonth)
	}
}

func TestComplete_FailedRunsAreBilledToo(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	runID := mustCreateRun(t, store, persistence.NewRun{})
	if _, err := store.ClaimNext(ctx, testWorker("w1"), 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	done, err := store.Complete(ctx, runID, "w1", persistence.RunStatusFailed, "", "", "exit status 1")
	if err != nil || !done {
		t.Fatalf("fail: done=%v err=%v", done, err)
	}
	run, _ := store.GetRun(ctx, runID)
	if run.Status != persistence.RunStatusFailed || run.LastError != "exit status 1" {
		t.Fatalf("expected FAILED with error, got %+v", run)
	}

	// A near-instant run still bills the one-minute floor.
	quota, err := store.GetUserQuota(ctx, "user-1")
	if err != nil || quota == nil {
		t.Fatalf("get quota: %v", err)
	}
	if quota.AgentMinutesUsedThisMonth != 1 {
		t.Fatalf("expected 1 agent-minute floor, got %d", quota.AgentMinutesUsedThisMonth)
	}
}

func TestComplete_WrongOwnerIsRefused(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	runID := mustCreateRun(t, store, persistence.NewRun{})
	if _, err := store.ClaimNext(ctx, testWorker("w1"), 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	done, err := store.Complete(ctx, runID, "w2", persistence.RunStatusCompleted, "", "", "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done {
		t.Fatalf("expected completion by non-owner to be refused")
	}
	if got := runStatus(t, store, runID); got != persistence.RunStatusRunning {
		t.Fatalf("expected run still RUNNING, got %s", got)
	}
}

func TestReclaimExpired_RequeuesWithAttemptsLeft(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	runID := mustCreateRun(t, store, persistence.NewRun{MaxAttempts: 3})
	if _, err := store.ClaimNext(ctx, testWorker("w1"), 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rewindColumn(t, store, runID, "lease_expires_at", 60)

	n, err := store.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	run, _ := store.GetRun(ctx, runID)
	if run.Status != persistence.RunStatusQueued {
		t.Fatalf("expected QUEUED after reclaim, got %s", run.Status)
	}
	if run.LeaseOwner != "" || run.LeaseExpiresAt != nil {
		t.Fatalf("expected lease cleared, got %+v", run)
	}
	if run.Attempts != 1 {
		t.Fatalf("expected attempts preserved at 1, got %d", run.Attempts)
	}
	if !strings.Contains(run.LastError, "lease expired, requeued") {
		t.Fatalf("expected requeue reason in last_error, got %q", run.LastError)
	}

	// Idempotent: nothing left to reclaim.
	n, err = store.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("second reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 on second reclaim, got %d", n)
	}

	// The requeued run is claimable again and the attempt counts up.
	again, err := store.ClaimNext(ctx, testWorker("w2"), 0)
	if err != nil || again == nil {
		t.Fatalf("reclaim then claim: run=%v err=%v", again, err)
	}
	if again.Attempts != 2 {
		t.Fatalf("expected attempts=2 on re-claim, got %d", again.Attempts)
	}
}

func TestReclaimExpired_FailsWhenAttemptsExhausted(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	runID := mustCreateRun(t, store, persistence.NewRun{MaxAttempts: 1})
	if _, err := store.ClaimNext(ctx, testWorker("w1"), 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rewindColumn(t, store, runID, "lease_expires_at", 60)

	n, err := store.ReclaimExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	run, _ := store.GetRun(ctx, runID)
	if run.Status != persistence.RunStatusFailed {
		t.Fatalf("expected FAILED after attempt budget, got %s", run.Status)
	}
	if !strings.Contains(run.LastError, "lease expired after 1 attempts") {
		t.Fatalf("expected attempts reason, got %q", run.LastError)
	}
}

func TestReclaimExpired_DeadlineTakesPrecedenceOverAttempts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	runID := mustCreateRun(t, store, persistence.NewRun{MaxAttempts: 1, DeadlineAt: &future})
	if _, err := store.ClaimNext(ctx, testWorker("w1"), 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rewindColumn(t, store, runID, "lease_expires_at", 60)
	rewindColumn(t, store, runID, "deadline_at", 30)

	n, err := store.ReclaimExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	run, _ := store.GetRun(ctx, runID)
	if run.Status != persistence.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}
	// Attempts were also exhausted, but the deadline reason wins.
	if run.LastError != "deadline exceeded" {
		t.Fatalf("expected deadline reason, got %q", run.LastError)
	}
}

func TestFailDeadlineExceeded_StampsRoutingFailure(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	expired := mustCreateRun(t, store, persistence.NewRun{TaskID: "late", DeadlineAt: &past})
	fresh := mustCreateRun(t, store, persistence.NewRun{TaskID: "fresh"})

	n, err := store.FailDeadlineExceeded(ctx)
	if err != nil {
		t.Fatalf("deadline sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 failed, got %d", n)
	}
	run, _ := store.GetRun(ctx, expired)
	if run.Status != persistence.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}
	if run.RoutingFailedAt == nil || run.RoutingFailureReason != persistence.RoutingReasonDeadline {
		t.Fatalf("expected routing failure stamp, got %+v", run)
	}
	if got := runStatus(t, store, fresh); got != persistence.RunStatusQueued {
		t.Fatalf("expected fresh run untouched, got %s", got)
	}

	// Sweep again: nothing to do.
	n, err = store.FailDeadlineExceeded(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
}

func TestNeedsInputAndResume(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	runID := mustCreateRun(t, store, persistence.NewRun{})
	if _, err := store.ClaimNext(ctx, testWorker("w1"), 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	done, err := store.MarkNeedsInput(ctx, runID, "w1", "which environment?")
	if err != nil || !done {
		t.Fatalf("needs-input: done=%v err=%v", done, err)
	}
	run, _ := store.GetRun(ctx, runID)
	if run.Status != persistence.RunStatusNeedsInput {
		t.Fatalf("expected NEEDS_INPUT, got %s", run.Status)
	}
	if run.LeaseOwner != "" || run.LeaseExpiresAt != nil {
		t.Fatalf("expected lease released, got %+v", run)
	}

	// The pausing worker cannot renew any more.
	ok, err := store.RenewLease(ctx, runID, "w1", 30*time.Second)
	if err != nil || ok {
		t.Fatalf("expected renew refused after pause, ok=%v err=%v", ok, err)
	}

	done, err = store.ResumeRun(ctx, runID, "use staging")
	if err != nil || !done {
		t.Fatalf("resume: done=%v err=%v", done, err)
	}
	if got := runStatus(t, store, runID); got != persistence.RunStatusQueued {
		t.Fatalf("expected QUEUED after resume, got %s", got)
	}

	// Resuming twice is a no-op.
	done, err = store.ResumeRun(ctx, runID, "again")
	if err != nil || done {
		t.Fatalf("expected second resume to be refused, done=%v err=%v", done, err)
	}
}

func TestMarkNeedsInput_WrongOwnerIsRefused(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	runID := mustCreateRun(t, store, persistence.NewRun{})
	if _, err := store.ClaimNext(ctx, testWorker("w1"), 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	done, err := store.MarkNeedsInput(ctx, runID, "w2", "?")
	if err != nil || done {
		t.Fatalf("expected refusal for non-owner, done=%v err=%v", done, err)
	}
}

func TestCancelRun_ReleasesLeaseMidRun(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	runID := mustCreateRun(t, store, persistence.NewRun{})
	if _, err := store.ClaimNext(ctx, testWorker("w1"), 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	done, err := store.CancelRun(ctx, runID)
	if err != nil || !done {
		t.Fatalf("cancel: done=%v err=%v", done, err)
	}
	if got := runStatus(t, store, runID); got != persistence.RunStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got)
	}

	// The worker discovers the cancellation on its next heartbeat.
	ok, err := store.RenewLease(ctx, runID, "w1", 30*time.Second)
	if err != nil || ok {
		t.Fatalf("expected renew refused after cancel, ok=%v err=%v", ok, err)
	}

	// Terminal runs cannot be cancelled again.
	done, err = store.CancelRun(ctx, runID)
	if err != nil || done {
		t.Fatalf("expected second cancel refused, done=%v err=%v", done, err)
	}
}

func TestListRunsByUserAndCounts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustCreateRun(t, store, persistence.NewRun{TaskID: "a", UserID: "alice"})
	mustCreateRun(t, store, persistence.NewRun{TaskID: "b", UserID: "alice"})
	mustCreateRun(t, store, persistence.NewRun{TaskID: "c", UserID: "bob"})

	if _, err := store.ClaimNext(ctx, testWorker("w1"), 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	runs, err := store.ListRunsByUser(ctx, "alice", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs for alice, got %d", len(runs))
	}

	counts, err := store.CountRuns(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Queued != 2 || counts.Running != 1 {
		t.Fatalf("expected 2 queued / 1 running, got %+v", counts)
	}
}

func TestRunEvents_CarryCallerTraceID(t *testing.T) {
	store, _ := openTestStore(t)

	enqueueCtx := shared.WithTraceID(context.Background(), "trace-enqueue")
	runID, err := store.CreateRun(enqueueCtx, persistence.NewRun{TaskID: "task-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	claimCtx := shared.WithTraceID(context.Background(), "trace-claim")
	run, err := store.ClaimNext(claimCtx, testWorker("w1"), 0)
	if err != nil || run == nil {
		t.Fatalf("claim: run=%v err=%v", run, err)
	}

	// A caller without a trace id records the placeholder, not an empty
	// string.
	if _, err := store.Complete(context.Background(), runID, "w1", persistence.RunStatusCompleted, "done", "", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events, err := store.ListRunEvents(context.Background(), runID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	want := []struct{ eventType, traceID string }{
		{"run.enqueued", "trace-enqueue"},
		{"run.claimed", "trace-claim"},
		{"run.completed", "-"},
	}
	for i, w := range want {
		if events[i].EventType != w.eventType || events[i].TraceID != w.traceID {
			t.Fatalf("event %d: got type=%s trace=%s, want type=%s trace=%s",
				i, events[i].EventType, events[i].TraceID, w.eventType, w.traceID)
		}
	}
}

func TestGetRun_MissingReturnsNil(t *testing.T) {
	store, _ := openTestStore(t)
	run, err := store.GetRun(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("get missing run: %v", err)
	}
	if run != nil {
		t.Fatalf("expected nil for missing run, got %+v", run)
	}
}
