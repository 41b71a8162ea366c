package agent

import (
	"math/rand/v2"
	"sync"
	"time"

	"chimein/internal/domain"
)

// ThrottleConfig configures the bot-dominance throttle.
type ThrottleConfig struct {
	HardCeiling float64 // above this ratio evaluation is always skipped
	SoftCeiling float64 // above this ratio evaluation is skipped probabilistically
	WindowSize  int     // most recent N messages considered
	WindowAge   time.Duration
	Rand        *rand.Rand // nil uses a time-seeded source
}

// Throttle keeps the agent from crowding out human participants.
type Throttle struct {
	cfg ThrottleConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.HardCeiling <= 0 {
		cfg.HardCeiling = 0.40
	}
	if cfg.SoftCeiling < 0 || cfg.SoftCeiling > cfg.HardCeiling {
		cfg.SoftCeiling = cfg.HardCeiling
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.WindowAge <= 0 {
		cfg.WindowAge = 30 * time.Minute
	}
	rng := cfg.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &Throttle{cfg: cfg, rng: rng}
}

// Ratio is the share of agent-authored messages among the newest WindowSize
// messages no older than WindowAge. newestFirst must be ordered newest first.
func (t *Throttle) Ratio(newestFirst []domain.Message, now time.Time) float64 {
	return DominanceRatio(newestFirst, now, t.cfg.WindowSize, t.cfg.WindowAge)
}

func DominanceRatio(newestFirst []domain.Message, now time.Time, size int, maxAge time.Duration) float64 {
	cutoff := now.Add(-maxAge)
	total, agent := 0, 0
	for _, m := range newestFirst {
		if total >= size || m.CreatedAt.Before(cutoff) {
			break
		}
		total++
		if m.IsAgent {
			agent++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(agent) / float64(total)
}

// SkipProbability is 1 above the hard ceiling and 0 at or below the soft one.
// In between it rises linearly, reaching 1 at 80% of the way to the hard ceiling.
func SkipProbability(ratio, soft, hard float64) float64 {
	switch {
	case ratio > hard:
		return 1
	case ratio <= soft || hard <= soft:
		return 0
	}
	return min(1, (ratio-soft)/(0.8*(hard-soft)))
}

// Skip decides whether an evaluation at ratio should be skipped, and why
// ("hard_ceiling" or "soft_ceiling").
func (t *Throttle) Skip(ratio float64) (bool, string) {
	if ratio > t.cfg.HardCeiling {
		return true, "hard_ceiling"
	}
	p := SkipProbability(ratio, t.cfg.SoftCeiling, t.cfg.HardCeiling)
	if p <= 0 {
		return false, ""
	}

	t.mu.Lock()
	roll := t.rng.Float64()
	t.mu.Unlock()

	if roll < p {
		return true, "soft_ceiling"
	}
	return false, ""
}
