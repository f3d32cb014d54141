package config

import (
	"fmt"
	"time"

	"github.com/JaimeStill/arbiter/internal/llm"
)

// ModelsConfig holds the invocation client settings, the static routing
// table, the provider endpoints, and per-model pricing. Provider map keys
// name the wire format ("openai" or "gemini") and must match the provider
// referenced by the routed models.
type ModelsConfig struct {
	Retries          int                            `toml:"retries"`
	CallTimeout      string                         `toml:"call_timeout"`
	MaxTokensCeiling int                            `toml:"max_tokens_ceiling"`
	Hybrid           bool                           `toml:"hybrid"`
	Routine          llm.ModelRef                   `toml:"routine"`
	Critical         llm.ModelRef                   `toml:"critical"`
	Stages           map[string]llm.ModelRef        `toml:"stages"`
	Providers        map[string]llm.ProviderOptions `toml:"providers"`
	Pricing          map[string]llm.Price           `toml:"pricing"`
}

// CallTimeoutDuration returns CallTimeout as a time.Duration.
func (c *ModelsConfig) CallTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.CallTimeout)
	return d
}

// RouterOptions projects the routing table for llm.NewRouter.
func (c *ModelsConfig) RouterOptions() llm.RouterOptions {
	return llm.RouterOptions{
		Hybrid:   c.Hybrid,
		Routine:  c.Routine,
		Critical: c.Critical,
		Stages:   c.Stages,
	}
}

// ClientOptions projects the client settings for llm.NewClient.
func (c *ModelsConfig) ClientOptions() llm.Options {
	return llm.Options{
		Retries:          c.Retries,
		CallTimeout:      c.CallTimeoutDuration(),
		MaxTokensCeiling: c.MaxTokensCeiling,
		Pricing:          c.Pricing,
	}
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *ModelsConfig) Finalize() error {
	c.loadDefaults()
	return c.validate()
}

// Merge overwrites non-zero fields from overlay. Hybrid routing can only
// be enabled by an overlay, never disabled.
func (c *ModelsConfig) Merge(overlay *ModelsConfig) {
	if overlay.Retries != 0 {
		c.Retries = overlay.Retries
	}
	if overlay.CallTimeout != "" {
		c.CallTimeout = overlay.CallTimeout
	}
	if overlay.MaxTokensCeiling != 0 {
		c.MaxTokensCeiling = overlay.MaxTokensCeiling
	}
	if overlay.Hybrid {
		c.Hybrid = true
	}
	mergeModelRef(&c.Routine, &overlay.Routine)
	mergeModelRef(&c.Critical, &overlay.Critical)
	if len(overlay.Stages) > 0 {
		if c.Stages == nil {
			c.Stages = make(map[string]llm.ModelRef, len(overlay.Stages))
		}
		for stage, ref := range overlay.Stages {
			c.Stages[stage] = ref
		}
	}
	if len(overlay.Providers) > 0 {
		if c.Providers == nil {
			c.Providers = make(map[string]llm.ProviderOptions, len(overlay.Providers))
		}
		for name, opts := range overlay.Providers {
			c.Providers[name] = opts
		}
	}
	if len(overlay.Pricing) > 0 {
		if c.Pricing == nil {
			c.Pricing = make(map[string]llm.Price, len(overlay.Pricing))
		}
		for model, price := range overlay.Pricing {
			c.Pricing[model] = price
		}
	}
}

func mergeModelRef(base, overlay *llm.ModelRef) {
	if overlay.Provider != "" {
		base.Provider = overlay.Provider
	}
	if overlay.Model != "" {
		base.Model = overlay.Model
	}
	if overlay.ContextWindow != 0 {
		base.ContextWindow = overlay.ContextWindow
	}
	if overlay.TPM != 0 {
		base.TPM = overlay.TPM
	}
}

func (c *ModelsConfig) loadDefaults() {
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.CallTimeout == "" {
		c.CallTimeout = "120s"
	}
	if c.MaxTokensCeiling == 0 {
		c.MaxTokensCeiling = 8192
	}
	if c.Critical.ContextWindow == 0 {
		c.Critical.ContextWindow = 25000
	}
	if c.Routine.ContextWindow == 0 {
		c.Routine.ContextWindow = c.Critical.ContextWindow
	}
	if c.Routine.Provider == "" {
		c.Routine.Provider = c.Critical.Provider
	}
}

func (c *ModelsConfig) validate() error {
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if _, err := time.ParseDuration(c.CallTimeout); err != nil {
		return fmt.Errorf("invalid call_timeout: %w", err)
	}
	for name := range c.Providers {
		switch name {
		case "openai", "gemini":
		default:
			return fmt.Errorf("unknown provider %q: expected openai or gemini", name)
		}
	}
	if c.Critical.Provider != "" {
		if _, ok := c.Providers[c.Critical.Provider]; !ok {
			return fmt.Errorf("critical model routes to unconfigured provider %q", c.Critical.Provider)
		}
	}
	if c.Hybrid && c.Routine.Provider != "" {
		if _, ok := c.Providers[c.Routine.Provider]; !ok {
			return fmt.Errorf("routine model routes to unconfigured provider %q", c.Routine.Provider)
		}
	}
	return nil
}
