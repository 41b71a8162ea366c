package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chimein/internal/domain"
	"chimein/internal/metrics"

	"github.com/google/uuid"
)

// Enqueuer accepts dispatch jobs.
type Enqueuer interface {
	Enqueue(job domain.DispatchJob) error
}

// Evaluator produces a recorded Decision for a window.
type Evaluator interface {
	Evaluate(ctx context.Context, channelID string, window []domain.Message, ratio float64, count int) domain.Decision
}

type SchedulerConfig struct {
	Store           domain.MessageStore
	Evaluator       Evaluator
	Throttle        *Throttle
	Queue           Enqueuer
	Window          WindowConfig
	FetchLimit      int
	Debounce        time.Duration
	MentionDebounce time.Duration // used when a message names the agent
	EvalTimeout     time.Duration
	Logger          *slog.Logger
}

// channelState is the in-memory evaluation state of one channel. timer is
// the only live debounce timer for the channel; gen invalidates callbacks of
// timers that were stopped too late.
type channelState struct {
	count int
	timer *time.Timer
	gen   uint64
}

// Scheduler decides per channel when to consult the decision oracle.
type Scheduler struct {
	store       domain.MessageStore
	evaluator   Evaluator
	throttle    *Throttle
	queue       Enqueuer
	window      WindowConfig
	fetchLimit  int
	debounce    time.Duration
	mention     time.Duration
	evalTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	channels map[string]*channelState
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 45 * time.Second
	}
	if cfg.MentionDebounce <= 0 || cfg.MentionDebounce > cfg.Debounce {
		cfg.MentionDebounce = cfg.Debounce
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 50
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = 2 * time.Minute
	}
	if cfg.Throttle == nil {
		cfg.Throttle = NewThrottle(ThrottleConfig{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:       cfg.Store,
		evaluator:   cfg.Evaluator,
		throttle:    cfg.Throttle,
		queue:       cfg.Queue,
		window:      cfg.Window,
		fetchLimit:  cfg.FetchLimit,
		debounce:    cfg.Debounce,
		mention:     cfg.MentionDebounce,
		evalTimeout: cfg.EvalTimeout,
		logger:      cfg.Logger,
		now:         time.Now,
		channels:    make(map[string]*channelState),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Scheduler) state(channelID string) *channelState {
	st, ok := s.channels[channelID]
	if !ok {
		st = &channelState{}
		s.channels[channelID] = st
	}
	return st
}

// OnMessage records an inbound human message. A direct trigger cancels the
// channel's pending timer and enqueues a Direct job at once; any other message
// re-arms the debounce timer, with the shorter wait when it names the agent.
func (s *Scheduler) OnMessage(msg domain.Message, direct, nameAddressed bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	st := s.state(msg.ChannelID)
	st.count++

	if direct {
		s.stopLocked(st)
		s.mu.Unlock()

		job := domain.NewDirectJob(uuid.NewString(), msg)
		if err := s.queue.Enqueue(job); err != nil {
			s.logger.Warn("failed to enqueue direct job", "channel_id", msg.ChannelID, "message_id", msg.ID, "err", err)
		}
		return
	}

	wait := s.debounce
	if nameAddressed {
		wait = s.mention
	}
	s.stopLocked(st)
	gen, pending := st.gen, st.count
	channelID := msg.ChannelID
	st.timer = time.AfterFunc(wait, func() { s.fire(channelID, gen) })
	s.mu.Unlock()

	s.logger.Debug("debounce armed", "channel_id", channelID, "wait", wait, "pending", pending)
}

// stopLocked cancels the channel's timer and invalidates its callback.
func (s *Scheduler) stopLocked(st *channelState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
}

// Cancel drops a pending evaluation for channelID, typically after a reply
// was delivered there.
func (s *Scheduler) Cancel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.channels[channelID]; ok {
		s.stopLocked(st)
		st.count = 0
	}
}

// LiveTimers returns how many channels have an armed debounce timer.
func (s *Scheduler) LiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.channels {
		if st.timer != nil {
			n++
		}
	}
	return n
}

// Shutdown cancels every timer and waits for evaluations already running.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for _, st := range s.channels {
		s.stopLocked(st)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) fire(channelID string, gen uint64) {
	s.mu.Lock()
	st, ok := s.channels[channelID]
	if !ok || st.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	st.timer = nil
	count := st.count
	st.count = 0
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("evaluation panicked", "channel_id", channelID, "panic", r)
		}
	}()

	if count == 0 {
		return
	}
	s.evaluate(channelID, count)
}

func (s *Scheduler) evaluate(channelID string, count int) {
	ctx, cancel := context.WithTimeout(s.ctx, s.evalTimeout)
	defer cancel()

	recent, err := s.store.RecentMessages(ctx, channelID, s.fetchLimit)
	if err != nil {
		s.logger.Warn("evaluation skipped, history unavailable", "channel_id", channelID, "err", err)
		return
	}

	now := s.now()
	ratio := s.throttle.Ratio(recent, now)
	if skip, reason := s.throttle.Skip(ratio); skip {
		metrics.ThrottleSkipped(reason)
		s.logger.Info("evaluation throttled", "channel_id", channelID, "ratio", ratio, "reason", reason)
		return
	}

	window := BuildWindow(recent, now, s.window)
	if len(window) == 0 {
		return
	}

	d := s.evaluator.Evaluate(ctx, channelID, window, ratio, count)
	if !d.ShouldRespond {
		return
	}
	if d.TargetMessageID != "" && !containsMessage(window, d.TargetMessageID) {
		s.logger.Info("decision target outside window, posting standalone", "channel_id", channelID, "target", d.TargetMessageID)
		d.TargetMessageID = ""
	}

	if err := s.queue.Enqueue(domain.NewAutonomousJob(uuid.NewString(), d)); err != nil {
		s.logger.Warn("failed to enqueue autonomous job", "channel_id", channelID, "decision_id", d.ID, "err", err)
	}
}
