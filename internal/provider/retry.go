package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"chimein/internal/domain"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

const maxRetries = 3

// Retrying retries transient oracle failures (network errors, 5xx, 429) with
// exponential backoff and jitter.
type Retrying struct {
	inner   domain.Oracle
	retries int
	base    time.Duration
	logger  *slog.Logger
}

func NewRetrying(inner domain.Oracle, logger *slog.Logger) *Retrying {
	return &Retrying{inner: inner, retries: maxRetries, base: time.Second, logger: logger}
}

func (r *Retrying) Name() string { return r.inner.Name() }

func (r *Retrying) Generate(ctx context.Context, req domain.OracleRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * r.base
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			r.logger.Warn("retrying oracle call", "provider", r.inner.Name(), "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		out, err := r.inner.Generate(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("oracle failed after %d retries: %w", r.retries, lastErr)
}

// isRetryable reports whether err is a transient failure worth retrying.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return oaErr.StatusCode == 429 || oaErr.StatusCode >= 500
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return anErr.StatusCode == 429 || anErr.StatusCode >= 500
	}

	// Network errors (no API response) are generally retryable
	return true
}
