package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chimein/internal/domain"
)

// Failover tries multiple oracles in order, falling back to the next one when
// the current fails.
type Failover struct {
	oracles []domain.Oracle
	logger  *slog.Logger
}

// NewFailover creates a failover chain. At least one oracle is required.
func NewFailover(oracles []domain.Oracle, logger *slog.Logger) *Failover {
	return &Failover{oracles: oracles, logger: logger}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.oracles))
	for i, o := range f.oracles {
		names[i] = o.Name()
	}
	return "failover(" + strings.Join(names, ">") + ")"
}

// Generate returns the first successful response.
func (f *Failover) Generate(ctx context.Context, req domain.OracleRequest) (string, error) {
	if len(f.oracles) == 0 {
		return "", fmt.Errorf("failover chain is empty")
	}

	var lastErr error
	for i, o := range f.oracles {
		out, err := o.Generate(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover: used fallback provider",
					"provider", o.Name(),
					"attempt", i+1,
				)
			}
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.logger.Warn("failover: provider failed, trying next",
			"provider", o.Name(),
			"attempt", i+1,
			"err", err,
		)
	}
	return "", fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}
