package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"chimein/internal/domain"
	"chimein/internal/tool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is an in-memory domain.MessageStore.
type memStore struct {
	mu        sync.Mutex
	messages  map[string]map[string]domain.Message
	decisions []domain.Decision
	responses []domain.ResponseRecord
	failRead  bool
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string]map[string]domain.Message)}
}

func (s *memStore) UpsertMessage(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.messages[msg.ChannelID]
	if !ok {
		ch = make(map[string]domain.Message)
		s.messages[msg.ChannelID] = ch
	}
	if prev, ok := ch[msg.ID]; ok && msg.Enrichment == nil {
		msg.Enrichment = prev.Enrichment
	}
	ch[msg.ID] = msg
	return nil
}

func (s *memStore) AttachEnrichment(_ context.Context, channelID, messageID string, e domain.Enrichment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[channelID][messageID]
	if !ok {
		return domain.ErrNotFound
	}
	m.Enrichment = &e
	s.messages[channelID][messageID] = m
	return nil
}

func (s *memStore) GetMessage(_ context.Context, channelID, messageID string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[channelID][messageID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &m, nil
}

func (s *memStore) RecentMessages(_ context.Context, channelID string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRead {
		return nil, errors.New("disk on fire")
	}
	var out []domain.Message
	for _, m := range s.messages[channelID] {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b domain.Message) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) LogDecision(_ context.Context, d domain.Decision) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ID = int64(len(s.decisions) + 1)
	s.decisions = append(s.decisions, d)
	return d.ID, nil
}

func (s *memStore) MarkDecisionSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || int(id) > len(s.decisions) {
		return domain.ErrNotFound
	}
	s.decisions[id-1].Sent = true
	return nil
}

func (s *memStore) LogResponse(_ context.Context, r domain.ResponseRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = int64(len(s.responses) + 1)
	s.responses = append(s.responses, r)
	return r.ID, nil
}

func (s *memStore) Decisions() []domain.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.decisions)
}

func (s *memStore) Responses() []domain.ResponseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.responses)
}

// fakeOracle answers with a scripted function of the call index (starting at 0).
type fakeOracle struct {
	mu     sync.Mutex
	answer func(call int, req domain.OracleRequest) (string, error)
	reqs   []domain.OracleRequest
}

func newFakeOracle(answer func(call int, req domain.OracleRequest) (string, error)) *fakeOracle {
	return &fakeOracle{answer: answer}
}

func staticOracle(text string) *fakeOracle {
	return newFakeOracle(func(int, domain.OracleRequest) (string, error) { return text, nil })
}

func (o *fakeOracle) Name() string { return "fake" }

func (o *fakeOracle) Generate(_ context.Context, req domain.OracleRequest) (string, error) {
	o.mu.Lock()
	call := len(o.reqs)
	o.reqs = append(o.reqs, req)
	o.mu.Unlock()
	return o.answer(call, req)
}

func (o *fakeOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.reqs)
}

func (o *fakeOracle) Request(i int) domain.OracleRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reqs[i]
}

// fakeDeliverer records deliveries.
type fakeDeliverer struct {
	mu   sync.Mutex
	sent []delivery
	err  error
}

type delivery struct {
	ChannelID, Text, ReplyTo string
}

func (d *fakeDeliverer) Deliver(_ context.Context, channelID, text, replyToID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.sent = append(d.sent, delivery{channelID, text, replyToID})
	return fmt.Sprintf("sent-%d", len(d.sent)), nil
}

func (d *fakeDeliverer) Sent() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sent)
}

// fakeRunner records tool executions and answers from a map by kind.
type fakeRunner struct {
	mu    sync.Mutex
	calls []tool.Kind
	out   map[tool.Kind]string
	err   error
}

func (r *fakeRunner) Execute(_ context.Context, kind tool.Kind, input string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, kind)
	if r.err != nil {
		return "", r.err
	}
	return r.out[kind] + input, nil
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func humanMsg(channel, id string, at time.Time) domain.Message {
	return domain.Message{ID: id, ChannelID: channel, AuthorID: "u-" + id, AuthorName: "alice", Body: "message " + id, CreatedAt: at}
}

func agentMsg(channel, id string, at time.Time) domain.Message {
	m := humanMsg(channel, id, at)
	m.IsAgent = true
	m.AuthorID = AgentAuthorID
	m.AuthorName = "Chime"
	return m
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
