package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chimein/internal/domain"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "chimein.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func msgAt(channel, id string, at time.Time) domain.Message {
	return domain.Message{ID: id, ChannelID: channel, AuthorID: "u1", AuthorName: "alice", Body: "hi " + id, CreatedAt: at}
}

func TestUpsertMessage_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	m := msgAt("cli:local", "m1", base)
	m.Enrichment = &domain.Enrichment{ImageDescriptions: []string{"a cat"}}
	if err := s.UpsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	m.Enrichment = &domain.Enrichment{ImageDescriptions: []string{"a dog"}}
	if err := s.UpsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.RecentMessages(ctx, "cli:local", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(msgs))
	}
	if msgs[0].Enrichment == nil || msgs[0].Enrichment.ImageDescriptions[0] != "a dog" {
		t.Fatalf("expected latest enrichment, got %+v", msgs[0].Enrichment)
	}
}

func TestUpsertMessage_NilEnrichmentKeepsExisting(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := msgAt("cli:local", "m1", time.Now())
	if err := s.UpsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	err := s.AttachEnrichment(ctx, "cli:local", "m1", domain.Enrichment{
		LinkSummaries: []domain.LinkSummary{{URL: "https://example.com", Summary: "example"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	m.Body = "edited"
	if err := s.UpsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMessage(ctx, "cli:local", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Body != "edited" {
		t.Errorf("expected body update, got %q", got.Body)
	}
	if got.Enrichment == nil || len(got.Enrichment.LinkSummaries) != 1 {
		t.Fatalf("re-upsert cleared enrichment: %+v", got.Enrichment)
	}
}

func TestAttachEnrichment_MissingRow(t *testing.T) {
	s := testStore(t)
	err := s.AttachEnrichment(context.Background(), "cli:local", "ghost", domain.Enrichment{ImageDescriptions: []string{"x"}})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetMessage(context.Background(), "cli:local", "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentMessages_NewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(-10 * time.Minute)

	for i, id := range []string{"a", "b", "c", "d"} {
		if err := s.UpsertMessage(ctx, msgAt("cli:local", id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpsertMessage(ctx, msgAt("discord:1", "z", base)); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.RecentMessages(ctx, "cli:local", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "d" || msgs[1].ID != "c" || msgs[2].ID != "b" {
		t.Fatalf("unexpected order: %s %s %s", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
}

func TestRecentMessages_AgentFlagAndReply(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := msgAt("cli:local", "r1", time.Now())
	m.IsAgent = true
	m.ReplyToID = "m0"
	if err := s.UpsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMessage(ctx, "cli:local", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsAgent || got.ReplyToID != "m0" {
		t.Fatalf("flags not persisted: %+v", got)
	}
	if got.CreatedAt.UnixMilli() != m.CreatedAt.UnixMilli() {
		t.Errorf("created_at drifted: %v vs %v", got.CreatedAt, m.CreatedAt)
	}
}

func TestPruneMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	s.UpsertMessage(ctx, msgAt("cli:local", "old", now.Add(-48*time.Hour)))
	s.UpsertMessage(ctx, msgAt("cli:local", "new", now))

	n, err := s.PruneMessages(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}
}

func TestLogDecision_AndMarkSent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.LogDecision(ctx, domain.Decision{
		ChannelID:           "discord:1",
		MessageCount:        3,
		ShouldRespond:       true,
		TargetMessageID:     "m3",
		Reason:              "question asked",
		EvaluatedMessageIDs: []string{"m1", "m2", "m3"},
		DominanceRatio:      0.1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("expected non-zero decision id")
	}
	if _, err := s.LogDecision(ctx, domain.Decision{ChannelID: "discord:2", Failed: true, Reason: "timeout"}); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkDecisionSent(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDecisionSent(ctx, 9999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown decision, got %v", err)
	}

	ds, err := s.RecentDecisions(ctx, "discord:1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 {
		t.Fatalf("expected 1 decision for channel, got %d", len(ds))
	}
	d := ds[0]
	if !d.Sent || !d.ShouldRespond || d.TargetMessageID != "m3" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(d.EvaluatedMessageIDs) != 3 || d.EvaluatedMessageIDs[2] != "m3" {
		t.Fatalf("evaluated ids not round-tripped: %v", d.EvaluatedMessageIDs)
	}

	all, err := s.RecentDecisions(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || !all[0].Failed {
		t.Fatalf("expected 2 decisions newest first, got %+v", all)
	}
}

func TestLogResponse(t *testing.T) {
	s := testStore(t)
	id, err := s.LogResponse(context.Background(), domain.ResponseRecord{
		ChannelID:    "cli:local",
		MessageID:    "out-1",
		JobKind:      domain.JobDirect,
		TriggerID:    "m1",
		Body:         "hello",
		ToolAttempts: []domain.ToolAttempt{{Tool: "python", Success: true, Input: "print(1)", Output: "1"}},
		OracleCalls:  2,
		LatencyMs:    1200,
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("expected non-zero response id")
	}
}

func TestEnrichmentCache_Expiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	if _, err := s.LookupEnrichment(ctx, "link", "https://a.test"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected miss, got %v", err)
	}

	if err := s.StoreEnrichment(ctx, "link", "https://a.test", domain.CachedEnrichment{Value: "summary"}, time.Hour); err != nil {
		t.Fatal(err)
	}
	got, err := s.LookupEnrichment(ctx, "link", "https://a.test")
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != "summary" {
		t.Fatalf("unexpected cached value %+v", got)
	}

	// Overwrite with a failure result.
	if err := s.StoreEnrichment(ctx, "link", "https://a.test", domain.CachedEnrichment{Error: "404"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err = s.LookupEnrichment(ctx, "link", "https://a.test")
	if err != nil {
		t.Fatal(err)
	}
	if got.Error != "404" || got.Value != "" {
		t.Fatalf("expected cached failure, got %+v", got)
	}

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := s.LookupEnrichment(ctx, "link", "https://a.test"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected expired entry to miss, got %v", err)
	}
}

func TestLogAudit(t *testing.T) {
	s := testStore(t)
	err := s.LogAudit(context.Background(), domain.AuditEntry{
		Action: "tool_blocked", ToolName: "python", Command: "import os; os.system('ls')", Result: "blocked",
	})
	if err != nil {
		t.Fatal(err)
	}
	var count int
	s.db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE result = 'blocked'").Scan(&count)
	if count != 1 {
		t.Fatalf("expected 1 audit row, got %d", count)
	}
}
