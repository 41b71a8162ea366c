package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chimein/internal/domain"
)

// Router delivers outbound text to the transport owning a namespaced channel
// id ("discord:123" goes to the transport registered as "discord").
type Router struct {
	mu         sync.RWMutex
	transports map[string]domain.Transport
	logger     *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{transports: make(map[string]domain.Transport), logger: logger}
}

// Register adds t under its Name.
func (r *Router) Register(t domain.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
}

// Transports returns the registered transports.
func (r *Router) Transports() []domain.Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Transport, 0, len(r.transports))
	for _, t := range r.transports {
		out = append(out, t)
	}
	return out
}

// Deliver sends text to channelID and returns the sent message id. The reply
// target is passed through as a transport-local id.
func (r *Router) Deliver(ctx context.Context, channelID, text, replyToID string) (string, error) {
	name, raw := domain.SplitChannelID(channelID)

	r.mu.RLock()
	t, ok := r.transports[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no transport registered for channel %q", channelID)
	}

	start := time.Now()
	id, err := t.Deliver(ctx, raw, text, replyToID)
	if err != nil {
		return "", fmt.Errorf("%s deliver: %w", name, err)
	}
	r.logger.Debug("message delivered", "channel_id", channelID, "message_id", id, "duration", time.Since(start))
	return id, nil
}
