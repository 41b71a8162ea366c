package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"chimein/internal/config"
	"chimein/internal/domain"
	"chimein/internal/tool"
)

type orchestratorRig struct {
	store     *memStore
	decision  *fakeOracle
	generator *fakeOracle
	deliverer *fakeDeliverer
	orch      *Orchestrator
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Engagement.DebounceSeconds = 0.08
	cfg.Engagement.MentionDebounceSeconds = 0.04
	cfg.Dispatch.InterJobDelayMs = 10
	return cfg
}

func newOrchestratorRig(t *testing.T, cfg *config.Config, decision, generator *fakeOracle, runner ToolRunner, enricher Enricher) *orchestratorRig {
	t.Helper()
	store := newMemStore()
	deliverer := &fakeDeliverer{}
	o, err := NewOrchestrator(OrchestratorConfig{
		Config:           cfg,
		Store:            store,
		DecisionOracle:   decision,
		GenerationOracle: generator,
		Tools:            runner,
		Deliverer:        deliverer,
		Enricher:         enricher,
		Logger:           testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	return &orchestratorRig{store: store, decision: decision, generator: generator, deliverer: deliverer, orch: o}
}

func reply(text string) *fakeOracle {
	return staticOracle(fmt.Sprintf(`{"message": %q, "needs_tool": false, "continue_iterating": false}`, text))
}

func TestOrchestrator_BurstYieldsOneDecisionAndReply(t *testing.T) {
	rig := newOrchestratorRig(t, testConfig(),
		staticOracle(`{"should_respond": true, "reason": "question", "target_message_id": "m3"}`),
		reply("here's the answer"), nil, nil)
	ctx := context.Background()

	now := time.Now()
	for i := 1; i <= 3; i++ {
		if err := rig.orch.HandleInboundMessage(ctx, humanMsg("discord:1", fmt.Sprintf("m%d", i), now.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatal(err)
		}
		time.Sleep(15 * time.Millisecond)
	}

	eventually(t, 2*time.Second, func() bool { return len(rig.deliverer.Sent()) == 1 }, "expected one autonomous reply")
	time.Sleep(150 * time.Millisecond)

	if rig.decision.Calls() != 1 {
		t.Fatalf("expected one decision call, got %d", rig.decision.Calls())
	}
	sent := rig.deliverer.Sent()[0]
	if sent.ChannelID != "discord:1" || sent.ReplyTo != "m3" || sent.Text != "here's the answer" {
		t.Fatalf("unexpected delivery %+v", sent)
	}

	d := rig.store.Decisions()
	if len(d) != 1 || !d[0].Sent {
		t.Fatalf("decision should be marked sent: %+v", d)
	}
	resp := rig.store.Responses()
	if len(resp) != 1 || resp[0].JobKind != domain.JobAutonomous || resp[0].DecisionID != d[0].ID {
		t.Fatalf("unexpected response log %+v", resp)
	}

	stored, err := rig.store.GetMessage(ctx, "discord:1", "sent-1")
	if err != nil || !stored.IsAgent || stored.ReplyToID != "m3" {
		t.Fatalf("agent reply not stored: %+v %v", stored, err)
	}
}

func TestOrchestrator_DirectTriggerPreemptsPendingEvaluation(t *testing.T) {
	rig := newOrchestratorRig(t, testConfig(),
		staticOracle(`{"should_respond": true, "reason": "x"}`),
		reply("hi there"), nil, nil)
	ctx := context.Background()

	now := time.Now()
	rig.orch.HandleInboundMessage(ctx, humanMsg("slack:C1", "m1", now))
	mention := humanMsg("slack:C1", "m2", now.Add(time.Millisecond))
	mention.MentionsAgent = true
	rig.orch.HandleInboundMessage(ctx, mention)

	eventually(t, 2*time.Second, func() bool { return len(rig.deliverer.Sent()) == 1 }, "direct reply not sent")
	time.Sleep(200 * time.Millisecond)

	if rig.decision.Calls() != 0 {
		t.Fatalf("cancelled timer produced %d decision calls", rig.decision.Calls())
	}
	sent := rig.deliverer.Sent()
	if len(sent) != 1 || sent[0].ReplyTo != "m2" {
		t.Fatalf("expected a single direct reply to m2, got %+v", sent)
	}
	if resp := rig.store.Responses(); len(resp) != 1 || resp[0].JobKind != domain.JobDirect || resp[0].TriggerID != "m2" {
		t.Fatalf("unexpected response log %+v", resp)
	}
}

func TestOrchestrator_ToolLoopReplySent(t *testing.T) {
	generator := newFakeOracle(func(call int, _ domain.OracleRequest) (string, error) {
		if call < 3 {
			return `{"message": "", "needs_tool": true, "continue_iterating": true, "tool": {"name": "python", "input": "print(1)"}}`, nil
		}
		return `{"message": "computed it", "needs_tool": false, "continue_iterating": false}`, nil
	})
	runner := &fakeRunner{out: map[tool.Kind]string{tool.Python: "ok:"}}
	rig := newOrchestratorRig(t, testConfig(), staticOracle(`{"should_respond": false}`), generator, runner, nil)

	msg := humanMsg("cli:local", "q1", time.Now())
	msg.MentionsAgent = true
	rig.orch.HandleInboundMessage(context.Background(), msg)

	eventually(t, 2*time.Second, func() bool { return len(rig.deliverer.Sent()) == 1 }, "reply not sent")
	if generator.Calls() != 4 {
		t.Fatalf("expected 4 generation calls, got %d", generator.Calls())
	}
	if rig.deliverer.Sent()[0].Text != "computed it" {
		t.Fatalf("unexpected reply %q", rig.deliverer.Sent()[0].Text)
	}
	resp := rig.store.Responses()
	if len(resp) != 1 || len(resp[0].ToolAttempts) != 3 || resp[0].OracleCalls != 4 {
		t.Fatalf("tool attempts not logged: %+v", resp)
	}
}

func TestOrchestrator_LongReplyTruncatedBeforeSend(t *testing.T) {
	rig := newOrchestratorRig(t, testConfig(), staticOracle(`{"should_respond": false}`), reply(strings.Repeat("z", 2500)), nil, nil)

	msg := humanMsg("cli:local", "q1", time.Now())
	msg.MentionsAgent = true
	rig.orch.HandleInboundMessage(context.Background(), msg)

	eventually(t, 2*time.Second, func() bool { return len(rig.deliverer.Sent()) == 1 }, "reply not sent")
	if n := utf8.RuneCountInString(rig.deliverer.Sent()[0].Text); n != 2000 {
		t.Fatalf("expected 2000 characters sent, got %d", n)
	}
}

func TestOrchestrator_ReplyToAgentIsDirect(t *testing.T) {
	rig := newOrchestratorRig(t, testConfig(), staticOracle(`{"should_respond": false}`), reply("yes?"), nil, nil)
	ctx := context.Background()
	now := time.Now()

	rig.orch.HandleInboundMessage(ctx, agentMsg("tg:9", "bot1", now.Add(-time.Minute)))
	m := humanMsg("tg:9", "m1", now)
	m.ReplyToID = "bot1"
	rig.orch.HandleInboundMessage(ctx, m)

	eventually(t, 2*time.Second, func() bool { return len(rig.deliverer.Sent()) == 1 }, "reply-to-agent not treated as direct")
	if rig.orch.Scheduler().LiveTimers() != 0 {
		t.Fatal("direct trigger left a timer armed")
	}
}

func TestOrchestrator_AgentMessagesNotScheduled(t *testing.T) {
	rig := newOrchestratorRig(t, testConfig(), staticOracle(`{"should_respond": true}`), reply("x"), nil, nil)
	rig.orch.HandleInboundMessage(context.Background(), agentMsg("c", "bot1", time.Now()))

	if rig.orch.Scheduler().LiveTimers() != 0 {
		t.Fatal("agent message armed a timer")
	}
	if _, err := rig.store.GetMessage(context.Background(), "c", "bot1"); err != nil {
		t.Fatalf("agent message not stored: %v", err)
	}
}

func TestOrchestrator_DirectFailureSendsApology(t *testing.T) {
	failing := newFakeOracle(func(int, domain.OracleRequest) (string, error) { return "", fmt.Errorf("upstream 500") })
	rig := newOrchestratorRig(t, testConfig(), staticOracle(`{"should_respond": false}`), failing, nil, nil)

	msg := humanMsg("cli:local", "q1", time.Now())
	msg.MentionsAgent = true
	rig.orch.HandleInboundMessage(context.Background(), msg)

	eventually(t, 2*time.Second, func() bool { return len(rig.deliverer.Sent()) == 1 }, "apology not sent")
	sent := rig.deliverer.Sent()[0]
	if sent.ReplyTo != "q1" || !strings.Contains(sent.Text, "Sorry") {
		t.Fatalf("unexpected apology %+v", sent)
	}
	if len(rig.store.Responses()) != 0 {
		t.Fatal("apology must not be logged as a response")
	}
}

func TestOrchestrator_AutonomousFailureStaysSilent(t *testing.T) {
	failing := newFakeOracle(func(int, domain.OracleRequest) (string, error) { return "", fmt.Errorf("upstream 500") })
	rig := newOrchestratorRig(t, testConfig(), staticOracle(`{"should_respond": true, "reason": "x"}`), failing, nil, nil)

	rig.orch.HandleInboundMessage(context.Background(), humanMsg("c", "m1", time.Now()))
	eventually(t, 2*time.Second, func() bool { return failing.Calls() == 1 }, "autonomous job not processed")
	time.Sleep(50 * time.Millisecond)

	if len(rig.deliverer.Sent()) != 0 {
		t.Fatalf("failed autonomous job sent %+v", rig.deliverer.Sent())
	}
	if d := rig.store.Decisions(); len(d) != 1 || d[0].Sent {
		t.Fatalf("decision should stay unsent: %+v", d)
	}
}

type recordingEnricher struct {
	mu   sync.Mutex
	seen []string
}

func (e *recordingEnricher) Wants(msg domain.Message) bool { return strings.Contains(msg.Body, "http") }

func (e *recordingEnricher) Enrich(_ context.Context, msg domain.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, msg.ID)
}

func TestOrchestrator_EnrichesAfterStoring(t *testing.T) {
	enricher := &recordingEnricher{}
	rig := newOrchestratorRig(t, testConfig(), staticOracle(`{"should_respond": false}`), reply("x"), nil, enricher)

	plain := humanMsg("c", "m1", time.Now())
	link := humanMsg("c", "m2", time.Now())
	link.Body = "see https://go.dev"
	rig.orch.HandleInboundMessage(context.Background(), plain)
	rig.orch.HandleInboundMessage(context.Background(), link)

	eventually(t, time.Second, func() bool {
		enricher.mu.Lock()
		defer enricher.mu.Unlock()
		return len(enricher.seen) == 1 && enricher.seen[0] == "m2"
	}, "expected enrichment for the link message only")
}

func TestOrchestrator_RejectsIncompleteMessage(t *testing.T) {
	rig := newOrchestratorRig(t, testConfig(), staticOracle(`{}`), reply("x"), nil, nil)
	if err := rig.orch.HandleInboundMessage(context.Background(), domain.Message{Body: "no id"}); err == nil {
		t.Fatal("expected error for message without id")
	}
}

type fakeTransport struct {
	history map[string][]domain.Message
}

func (f *fakeTransport) Name() string                                   { return "fake" }
func (f *fakeTransport) Start(context.Context, domain.MessageBus) error { return nil }
func (f *fakeTransport) Stop() error                                    { return nil }
func (f *fakeTransport) Deliver(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (f *fakeTransport) FetchRecent(_ context.Context, channelID string, limit int) ([]domain.Message, error) {
	if msgs, ok := f.history[channelID]; ok {
		return msgs, nil
	}
	return nil, fmt.Errorf("unknown channel %s", channelID)
}

func TestOrchestrator_BackfillStoresWithoutScheduling(t *testing.T) {
	rig := newOrchestratorRig(t, testConfig(), staticOracle(`{"should_respond": true}`), reply("x"), nil, nil)
	now := time.Now()
	tr := &fakeTransport{history: map[string][]domain.Message{
		"1": {humanMsg("fake:1", "a", now), humanMsg("fake:1", "b", now)},
	}}

	n := rig.orch.Backfill(context.Background(), tr, []string{"1", "missing"}, 50)
	if n != 2 {
		t.Fatalf("expected 2 backfilled messages, got %d", n)
	}
	if rig.orch.Scheduler().LiveTimers() != 0 {
		t.Fatal("backfill must not arm timers")
	}
}

func TestOrchestrator_ShutdownStopsEverything(t *testing.T) {
	rig := newOrchestratorRig(t, testConfig(), staticOracle(`{"should_respond": true}`), reply("x"), nil, nil)
	rig.orch.HandleInboundMessage(context.Background(), humanMsg("c", "m1", time.Now()))

	if err := rig.orch.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rig.orch.Scheduler().LiveTimers() != 0 {
		t.Fatal("timers survived shutdown")
	}
	time.Sleep(150 * time.Millisecond)
	if rig.decision.Calls() != 0 || len(rig.deliverer.Sent()) != 0 {
		t.Fatal("work happened after shutdown")
	}
}
