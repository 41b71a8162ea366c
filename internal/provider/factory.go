package provider

import (
	"fmt"
	"log/slog"
	"sync"

	"chimein/internal/config"
	"chimein/internal/domain"
)

// Constructor builds a raw oracle from a provider config entry.
type Constructor func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Oracle

// Factory creates and caches oracles from config. Every oracle it returns is
// wrapped with retries and the provider's rate limit.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]Constructor
	cache        map[string]domain.Oracle
	mu           sync.Mutex
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.Oracle),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a constructor for a provider kind.
func (f *Factory) RegisterConstructor(kind string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["openai"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Oracle {
		return NewOpenAI(OpenAIConfig{
			Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase,
			Model: pc.DefaultModel, VisionModel: pc.VisionModel, Logger: logger,
		})
	}
	f.constructors["anthropic"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Oracle {
		return NewAnthropic(AnthropicConfig{
			Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger,
		})
	}
}

// kindOf resolves the provider kind; the entry name doubles as the kind when unset.
func kindOf(name string, pc config.ProviderConfig) string {
	if pc.Kind != "" {
		return pc.Kind
	}
	return name
}

// Get returns the named oracle, or the default provider when name is empty.
func (f *Factory) Get(name string) (domain.Oracle, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	ctor, found := f.constructors[kindOf(name, pc)]
	if !found {
		if pc.APIBase == "" {
			return nil, fmt.Errorf("provider %s: unknown kind %q and no API base configured", name, kindOf(name, pc))
		}
		// Unknown kinds with an API base are treated as OpenAI-compatible.
		ctor = f.constructors["openai"]
	}

	o := domain.Oracle(NewLimited(NewRetrying(ctor(name, pc, f.logger), f.logger), pc.RateLimitPerMin))
	f.cache[name] = o
	return o, nil
}

// Generation returns the oracle for reply generation: the failover chain when
// one is configured, otherwise the default provider.
func (f *Factory) Generation() (domain.Oracle, error) {
	chain := f.cfg.General.FailoverChain
	if len(chain) == 0 {
		return f.Get("")
	}

	var oracles []domain.Oracle
	for _, name := range chain {
		o, err := f.Get(name)
		if err != nil {
			f.logger.Warn("skipping provider in failover chain", "provider", name, "err", err)
			continue
		}
		oracles = append(oracles, o)
	}
	if len(oracles) == 0 {
		return nil, fmt.Errorf("no usable provider in failover chain %v", chain)
	}
	if len(oracles) == 1 {
		return oracles[0], nil
	}
	return NewFailover(oracles, f.logger), nil
}

// Decision returns the oracle for should-respond decisions, falling back to
// the generation oracle when no decision provider is configured.
func (f *Factory) Decision() (domain.Oracle, error) {
	if name := f.cfg.General.DecisionProvider; name != "" {
		return f.Get(name)
	}
	return f.Generation()
}

// ImageDescriber returns the first enabled OpenAI-kind provider, which can
// describe images through its vision model. It returns nil when none exists.
func (f *Factory) ImageDescriber() domain.ImageDescriber {
	names := []string{f.cfg.General.DefaultProvider}
	for name := range f.cfg.Providers {
		names = append(names, name)
	}
	for _, name := range names {
		pc, ok := f.cfg.Providers[name]
		if !ok || !pc.Enabled || kindOf(name, pc) != "openai" {
			continue
		}
		return NewOpenAI(OpenAIConfig{
			Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase,
			Model: pc.DefaultModel, VisionModel: pc.VisionModel, Logger: f.logger,
		})
	}
	return nil
}
