package bus

import (
	"log/slog"
	"sync"
	"time"

	"chimein/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus carries inbound messages from transports to the orchestrator
// over a buffered Go channel.
type InMemoryBus struct {
	inbound chan domain.Message
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound: make(chan domain.Message, bufferSize),
		timeout: publishTimeout,
		logger:  logger,
	}
}

// Blocks up to 10 seconds if the bus is full instead of dropping.
func (b *InMemoryBus) Publish(msg domain.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "channel_id", msg.ChannelID)
		return
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound bus full, waiting...", "channel_id", msg.ChannelID, "author", msg.AuthorID)
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
			b.logger.Info("message delivered after wait", "channel_id", msg.ChannelID)
		case <-timer.C:
			b.logger.Error("message dropped: bus full",
				"channel_id", msg.ChannelID,
				"message_id", msg.ID,
				"waited", b.timeout,
			)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.Message {
	return b.inbound
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
