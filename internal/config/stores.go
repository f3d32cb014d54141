package config

import (
	"fmt"
	"time"

	"github.com/JaimeStill/arbiter/internal/retention"
	"github.com/JaimeStill/arbiter/pkg/database"
)

// CacheConfig controls the response cache. Disabled leaves every lookup a
// miss without touching the workspace.
type CacheConfig struct {
	Disabled bool   `toml:"disabled"`
	TTL      string `toml:"ttl"`
}

// TTLDuration returns TTL as a time.Duration.
func (c *CacheConfig) TTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.TTL)
	return d
}

// Finalize applies defaults and validation.
func (c *CacheConfig) Finalize() error {
	if c.TTL == "" {
		c.TTL = "24h"
	}
	if _, err := time.ParseDuration(c.TTL); err != nil {
		return fmt.Errorf("invalid ttl: %w", err)
	}
	return nil
}

// Merge overwrites non-zero fields from overlay.
func (c *CacheConfig) Merge(overlay *CacheConfig) {
	if overlay.Disabled {
		c.Disabled = true
	}
	if overlay.TTL != "" {
		c.TTL = overlay.TTL
	}
}

// RetentionConfig sets how long each artifact class is kept before the
// sweep removes it. An empty or zero window keeps that class forever.
type RetentionConfig struct {
	Checkpoints string `toml:"checkpoints"`
	DeadLetters string `toml:"dead_letters"`
	Cache       string `toml:"cache"`
	Drafts      string `toml:"drafts"`
}

// Policy projects the section for the retention sweeper.
func (c *RetentionConfig) Policy() retention.Policy {
	parse := func(s string) time.Duration {
		d, _ := time.ParseDuration(s)
		return d
	}
	return retention.Policy{
		Checkpoints: parse(c.Checkpoints),
		DeadLetters: parse(c.DeadLetters),
		Cache:       parse(c.Cache),
		Drafts:      parse(c.Drafts),
	}
}

// Finalize applies defaults and validation.
func (c *RetentionConfig) Finalize() error {
	if c.Cache == "" {
		c.Cache = "168h"
	}
	for name, window := range map[string]string{
		"checkpoints":  c.Checkpoints,
		"dead_letters": c.DeadLetters,
		"cache":        c.Cache,
		"drafts":       c.Drafts,
	} {
		if window == "" {
			continue
		}
		if _, err := time.ParseDuration(window); err != nil {
			return fmt.Errorf("invalid %s window: %w", name, err)
		}
	}
	return nil
}

// Merge overwrites non-zero fields from overlay.
func (c *RetentionConfig) Merge(overlay *RetentionConfig) {
	if overlay.Checkpoints != "" {
		c.Checkpoints = overlay.Checkpoints
	}
	if overlay.DeadLetters != "" {
		c.DeadLetters = overlay.DeadLetters
	}
	if overlay.Cache != "" {
		c.Cache = overlay.Cache
	}
	if overlay.Drafts != "" {
		c.Drafts = overlay.Drafts
	}
}

// IndexConfig controls the SQLite run index. Disabled runs the engine
// without run history; the checkpoint store remains the source of truth
// either way.
type IndexConfig struct {
	Disabled bool            `toml:"disabled"`
	Database database.Config `toml:"database"`
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *IndexConfig) Finalize(env *database.Env) error {
	return c.Database.Finalize(env)
}

// Merge overwrites non-zero fields from overlay.
func (c *IndexConfig) Merge(overlay *IndexConfig) {
	if overlay.Disabled {
		c.Disabled = true
	}
	c.Database.Merge(&overlay.Database)
}
