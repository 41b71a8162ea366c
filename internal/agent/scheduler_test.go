package agent

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"chimein/internal/domain"
)

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []domain.DispatchJob
}

func (e *recordingEnqueuer) Enqueue(job domain.DispatchJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	return nil
}

func (e *recordingEnqueuer) Jobs() []domain.DispatchJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.jobs)
}

type schedulerRig struct {
	store  *memStore
	oracle *fakeOracle
	queue  *recordingEnqueuer
	sched  *Scheduler
}

func newSchedulerRig(t *testing.T, oracle *fakeOracle, debounce, mention time.Duration) *schedulerRig {
	t.Helper()
	store := newMemStore()
	queue := &recordingEnqueuer{}
	sched := NewScheduler(SchedulerConfig{
		Store: store,
		Evaluator: NewDecisionAdapter(DecisionAdapterConfig{
			Oracle: oracle,
			Store:  store,
			Logger: testLogger(),
		}),
		Throttle:        NewThrottle(ThrottleConfig{HardCeiling: 0.40, SoftCeiling: 0.15, Rand: rand.New(rand.NewPCG(1, 1))}),
		Queue:           queue,
		Window:          WindowConfig{MaxAge: 30 * time.Minute, MaxGap: 30 * time.Minute, ContextBefore: 10},
		Debounce:        debounce,
		MentionDebounce: mention,
		Logger:          testLogger(),
	})
	t.Cleanup(sched.Shutdown)
	return &schedulerRig{store: store, oracle: oracle, queue: queue, sched: sched}
}

// post stores msg and notifies the scheduler, as the orchestrator does.
func (r *schedulerRig) post(msg domain.Message, direct, named bool) {
	r.store.UpsertMessage(context.Background(), msg)
	r.sched.OnMessage(msg, direct, named)
}

const respondYes = `{"should_respond": true, "reason": "open question", "target_message_id": "m3"}`

func TestScheduler_DebounceCollapsesBurst(t *testing.T) {
	rig := newSchedulerRig(t, staticOracle(respondYes), 80*time.Millisecond, 40*time.Millisecond)

	now := time.Now()
	for i := 1; i <= 3; i++ {
		rig.post(humanMsg("discord:1", fmt.Sprintf("m%d", i), now.Add(time.Duration(i)*time.Millisecond)), false, false)
		time.Sleep(20 * time.Millisecond)
	}
	if rig.oracle.Calls() != 0 {
		t.Fatal("evaluation fired before the burst settled")
	}

	eventually(t, time.Second, func() bool { return rig.oracle.Calls() == 1 }, "expected one decision call")
	time.Sleep(150 * time.Millisecond)
	if rig.oracle.Calls() != 1 {
		t.Fatalf("expected exactly one decision call, got %d", rig.oracle.Calls())
	}

	ds := rig.store.Decisions()
	if len(ds) != 1 || ds[0].MessageCount != 3 || len(ds[0].EvaluatedMessageIDs) != 3 {
		t.Fatalf("unexpected decision %+v", ds)
	}
	jobs := rig.queue.Jobs()
	if len(jobs) != 1 || jobs[0].Kind != domain.JobAutonomous || jobs[0].DecisionID != ds[0].ID || jobs[0].TargetID != "m3" {
		t.Fatalf("expected one autonomous job for the decision, got %+v", jobs)
	}
}

func TestScheduler_DirectTriggerCancelsPendingTimer(t *testing.T) {
	rig := newSchedulerRig(t, staticOracle(respondYes), 60*time.Millisecond, 30*time.Millisecond)

	now := time.Now()
	rig.post(humanMsg("discord:1", "m1", now), false, false)
	if rig.sched.LiveTimers() != 1 {
		t.Fatal("expected an armed timer")
	}

	rig.post(humanMsg("discord:1", "m2", now.Add(time.Millisecond)), true, false)
	if rig.sched.LiveTimers() != 0 {
		t.Fatal("direct trigger should cancel the pending timer")
	}

	jobs := rig.queue.Jobs()
	if len(jobs) != 1 || jobs[0].Kind != domain.JobDirect || jobs[0].Trigger.ID != "m2" {
		t.Fatalf("expected an immediate direct job, got %+v", jobs)
	}

	time.Sleep(150 * time.Millisecond)
	if rig.oracle.Calls() != 0 {
		t.Fatalf("cancelled timer still evaluated (%d calls)", rig.oracle.Calls())
	}
}

func TestScheduler_DirectTriggerBypassesThrottle(t *testing.T) {
	rig := newSchedulerRig(t, staticOracle(respondYes), time.Hour, time.Hour)
	now := time.Now()
	for i := range 10 {
		rig.store.UpsertMessage(context.Background(), agentMsg("discord:1", fmt.Sprintf("bot%d", i), now.Add(-time.Duration(i+1)*time.Second)))
	}
	rig.post(humanMsg("discord:1", "ask", now), true, false)
	if len(rig.queue.Jobs()) != 1 {
		t.Fatal("direct trigger must enqueue regardless of dominance")
	}
}

func TestScheduler_AtMostOneLiveTimerPerChannel(t *testing.T) {
	rig := newSchedulerRig(t, staticOracle(`{"should_respond": false}`), time.Hour, time.Hour)
	now := time.Now()
	for i := range 20 {
		rig.post(humanMsg("a", fmt.Sprintf("a%d", i), now), false, i%3 == 0)
		rig.post(humanMsg("b", fmt.Sprintf("b%d", i), now), false, false)
		if n := rig.sched.LiveTimers(); n > 2 {
			t.Fatalf("expected at most one timer per channel, got %d live", n)
		}
	}
	if n := rig.sched.LiveTimers(); n != 2 {
		t.Fatalf("expected 2 live timers, got %d", n)
	}
}

func TestScheduler_NameAddressedUsesShorterDebounce(t *testing.T) {
	rig := newSchedulerRig(t, staticOracle(`{"should_respond": false}`), time.Hour, 30*time.Millisecond)
	rig.post(humanMsg("a", "m1", time.Now()), false, true)
	eventually(t, time.Second, func() bool { return rig.oracle.Calls() == 1 }, "name-addressed message not evaluated on the short debounce")
}

func TestScheduler_HardCeilingNeverCallsOracle(t *testing.T) {
	rig := newSchedulerRig(t, staticOracle(respondYes), 5*time.Millisecond, 5*time.Millisecond)
	now := time.Now()
	// 5 of 10 recent messages by the agent: ratio 0.5 > 0.40.
	for i := range 5 {
		rig.store.UpsertMessage(context.Background(), agentMsg("c", fmt.Sprintf("bot%d", i), now.Add(-time.Duration(2*i+1)*time.Second)))
		rig.store.UpsertMessage(context.Background(), humanMsg("c", fmt.Sprintf("h%d", i), now.Add(-time.Duration(2*i+2)*time.Second)))
	}

	for i := range 50 {
		rig.sched.OnMessage(humanMsg("c", fmt.Sprintf("h%d", i%5), now), false, false)
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if rig.oracle.Calls() != 0 {
		t.Fatalf("expected no oracle calls above the hard ceiling, got %d", rig.oracle.Calls())
	}
	if len(rig.store.Decisions()) != 0 {
		t.Fatal("throttled evaluations must not record decisions")
	}
}

func TestScheduler_FailedOracleIsNegativeVerdict(t *testing.T) {
	oracle := newFakeOracle(func(int, domain.OracleRequest) (string, error) { return "", fmt.Errorf("connection reset") })
	rig := newSchedulerRig(t, oracle, 10*time.Millisecond, 10*time.Millisecond)

	rig.post(humanMsg("c", "m1", time.Now()), false, false)
	eventually(t, time.Second, func() bool { return len(rig.store.Decisions()) == 1 }, "failed evaluation not recorded")

	d := rig.store.Decisions()[0]
	if !d.Failed || d.ShouldRespond || d.Reason != "connection reset" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if len(rig.queue.Jobs()) != 0 {
		t.Fatal("failed evaluation must not enqueue a job")
	}
}

func TestScheduler_TargetOutsideWindowPostsStandalone(t *testing.T) {
	rig := newSchedulerRig(t, staticOracle(`{"should_respond": true, "reason": "x", "target_message_id": "long-gone"}`), 10*time.Millisecond, 10*time.Millisecond)

	rig.post(humanMsg("c", "m1", time.Now()), false, false)
	eventually(t, time.Second, func() bool { return len(rig.queue.Jobs()) == 1 }, "expected autonomous job")
	if job := rig.queue.Jobs()[0]; job.TargetID != "" {
		t.Fatalf("expected standalone post, got target %q", job.TargetID)
	}
}

func TestScheduler_CancelSuppressesStaleEvaluation(t *testing.T) {
	rig := newSchedulerRig(t, staticOracle(respondYes), 40*time.Millisecond, 40*time.Millisecond)
	rig.post(humanMsg("c", "m1", time.Now()), false, false)
	rig.sched.Cancel("c")

	time.Sleep(100 * time.Millisecond)
	if rig.oracle.Calls() != 0 || rig.sched.LiveTimers() != 0 {
		t.Fatalf("cancelled channel still evaluated (%d calls)", rig.oracle.Calls())
	}
}

func TestScheduler_StaleCallbackIgnored(t *testing.T) {
	rig := newSchedulerRig(t, staticOracle(respondYes), time.Hour, time.Hour)
	rig.post(humanMsg("c", "m1", time.Now()), false, false)

	rig.sched.mu.Lock()
	staleGen := rig.sched.channels["c"].gen
	rig.sched.mu.Unlock()

	rig.post(humanMsg("c", "m2", time.Now()), false, false)
	rig.sched.fire("c", staleGen)
	if rig.oracle.Calls() != 0 {
		t.Fatal("a superseded timer callback must not evaluate")
	}
}

func TestScheduler_ShutdownCancelsTimers(t *testing.T) {
	rig := newSchedulerRig(t, staticOracle(respondYes), 30*time.Millisecond, 30*time.Millisecond)
	rig.post(humanMsg("a", "m1", time.Now()), false, false)
	rig.post(humanMsg("b", "m1", time.Now()), false, false)

	rig.sched.Shutdown()
	if rig.sched.LiveTimers() != 0 {
		t.Fatal("timers still armed after shutdown")
	}
	rig.sched.OnMessage(humanMsg("a", "m2", time.Now()), false, false)
	time.Sleep(80 * time.Millisecond)
	if rig.oracle.Calls() != 0 {
		t.Fatal("evaluation ran after shutdown")
	}
}
