package provider

import (
	"context"
	"fmt"
	"time"

	"chimein/internal/domain"
	"chimein/internal/metrics"

	"golang.org/x/time/rate"
)

// Limited throttles calls to an oracle with a token bucket and records call metrics.
type Limited struct {
	inner   domain.Oracle
	limiter *rate.Limiter
}

// NewLimited allows perMinute calls per minute with a small burst. A
// non-positive perMinute disables throttling.
func NewLimited(inner domain.Oracle, perMinute int) *Limited {
	limit := rate.Inf
	burst := 1
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
		burst = max(1, min(5, perMinute/6))
	}
	return &Limited{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Name() string { return l.inner.Name() }

func (l *Limited) Generate(ctx context.Context, req domain.OracleRequest) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}

	metrics.OracleCallsTotal.Inc()
	start := time.Now()
	out, err := l.inner.Generate(ctx, req)
	metrics.OracleLatency.Observe(time.Since(start).Seconds())
	return out, err
}
