package config

import (
	"fmt"
	"os"
	"time"

	"github.com/JaimeStill/arbiter/internal/pipeline"
	"github.com/JaimeStill/arbiter/internal/stages"
)

const EnvRunProfile = "ARBITER_PROFILE"

// RunConfig shapes pipeline execution: instruction profile, chunking
// budget, attempt limits, worker width, timeouts, and the consensus
// policy for weak critical fields.
type RunConfig struct {
	Profile           string             `toml:"profile"`
	Temperature       float64            `toml:"temperature"`
	BudgetRatio       float64            `toml:"budget_ratio"`
	OverlapTokens     int                `toml:"overlap_tokens"`
	MaxSegments       int                `toml:"max_segments"`
	MaxTokens         map[string]int     `toml:"max_tokens"`
	StageAttempts     int                `toml:"stage_attempts"`
	ValidationRetries int                `toml:"validation_retries"`
	Workers           int                `toml:"workers"`
	StageTimeout      string             `toml:"stage_timeout"`
	RunTimeout        string             `toml:"run_timeout"`
	StrictResume      bool               `toml:"strict_resume"`
	Themes            []string           `toml:"themes"`
	ThemeField        string             `toml:"theme_field"`
	Consensus         pipeline.Consensus `toml:"consensus"`
}

// StageTimeoutDuration returns StageTimeout as a time.Duration.
func (c *RunConfig) StageTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.StageTimeout)
	return d
}

// RunTimeoutDuration returns RunTimeout as a time.Duration.
func (c *RunConfig) RunTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.RunTimeout)
	return d
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *RunConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *RunConfig) Merge(overlay *RunConfig) {
	if overlay.Profile != "" {
		c.Profile = overlay.Profile
	}
	if overlay.Temperature != 0 {
		c.Temperature = overlay.Temperature
	}
	if overlay.BudgetRatio != 0 {
		c.BudgetRatio = overlay.BudgetRatio
	}
	if overlay.OverlapTokens != 0 {
		c.OverlapTokens = overlay.OverlapTokens
	}
	if overlay.MaxSegments != 0 {
		c.MaxSegments = overlay.MaxSegments
	}
	if len(overlay.MaxTokens) > 0 {
		if c.MaxTokens == nil {
			c.MaxTokens = make(map[string]int, len(overlay.MaxTokens))
		}
		for stage, budget := range overlay.MaxTokens {
			c.MaxTokens[stage] = budget
		}
	}
	if overlay.StageAttempts != 0 {
		c.StageAttempts = overlay.StageAttempts
	}
	if overlay.ValidationRetries != 0 {
		c.ValidationRetries = overlay.ValidationRetries
	}
	if overlay.Workers != 0 {
		c.Workers = overlay.Workers
	}
	if overlay.StageTimeout != "" {
		c.StageTimeout = overlay.StageTimeout
	}
	if overlay.RunTimeout != "" {
		c.RunTimeout = overlay.RunTimeout
	}
	if overlay.StrictResume {
		c.StrictResume = true
	}
	if len(overlay.Themes) > 0 {
		c.Themes = append([]string(nil), overlay.Themes...)
	}
	if overlay.ThemeField != "" {
		c.ThemeField = overlay.ThemeField
	}
	if overlay.Consensus.Enabled {
		c.Consensus.Enabled = true
	}
	if overlay.Consensus.Threshold != 0 {
		c.Consensus.Threshold = overlay.Consensus.Threshold
	}
	if overlay.Consensus.TieBreak != "" {
		c.Consensus.TieBreak = overlay.Consensus.TieBreak
	}
}

func (c *RunConfig) loadDefaults() {
	if c.BudgetRatio == 0 {
		c.BudgetRatio = 0.7
	}
	if c.OverlapTokens == 0 {
		c.OverlapTokens = 500
	}
	if c.StageAttempts == 0 {
		c.StageAttempts = 3
	}
	if c.ValidationRetries == 0 {
		c.ValidationRetries = 2
	}
	if c.Workers == 0 {
		c.Workers = 3
	}
	if c.StageTimeout == "" {
		c.StageTimeout = "10m"
	}
	if c.RunTimeout == "" {
		c.RunTimeout = "1h"
	}
	if c.ThemeField == "" {
		c.ThemeField = "themes"
	}
	if c.Consensus.Threshold == 0 {
		c.Consensus.Threshold = 0.75
	}
	if c.Consensus.TieBreak == "" {
		c.Consensus.TieBreak = stages.TieBreakPreferLonger
	}
}

func (c *RunConfig) loadEnv() {
	if v := os.Getenv(EnvRunProfile); v != "" {
		c.Profile = v
	}
}

func (c *RunConfig) validate() error {
	if c.BudgetRatio <= 0 || c.BudgetRatio > 1 {
		return fmt.Errorf("budget_ratio must be within (0, 1]")
	}
	if c.OverlapTokens < 0 {
		return fmt.Errorf("overlap_tokens must not be negative")
	}
	if c.StageAttempts < 1 {
		return fmt.Errorf("stage_attempts must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if _, err := time.ParseDuration(c.StageTimeout); err != nil {
		return fmt.Errorf("invalid stage_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.RunTimeout); err != nil {
		return fmt.Errorf("invalid run_timeout: %w", err)
	}
	for name := range c.MaxTokens {
		if !stages.Stage(name).Valid() {
			return fmt.Errorf("max_tokens: unknown stage %q", name)
		}
	}
	if !c.Consensus.TieBreak.Valid() {
		return fmt.Errorf("invalid consensus tie_break %q", c.Consensus.TieBreak)
	}
	if c.Consensus.Threshold < 0 || c.Consensus.Threshold > 1 {
		return fmt.Errorf("consensus threshold must be within [0, 1]")
	}
	return nil
}

// PipelineOptions assembles the orchestrator options from the run, gates,
// and classify sections.
func (c *Config) PipelineOptions() pipeline.Options {
	maxTokens := make(map[stages.Stage]int, len(c.Run.MaxTokens))
	for name, budget := range c.Run.MaxTokens {
		maxTokens[stages.Stage(name)] = budget
	}

	return pipeline.Options{
		Profile:           c.Run.Profile,
		Temperature:       c.Run.Temperature,
		Ratio:             c.Run.BudgetRatio,
		Overlap:           c.Run.OverlapTokens,
		MaxSegments:       c.Run.MaxSegments,
		MaxTokens:         maxTokens,
		StageAttempts:     c.Run.StageAttempts,
		ValidationRetries: c.Run.ValidationRetries,
		Workers:           c.Run.Workers,
		StageTimeout:      c.Run.StageTimeoutDuration(),
		RunTimeout:        c.Run.RunTimeoutDuration(),
		Thresholds:        c.Gates.Thresholds(),
		Critical:          c.Gates.Critical,
		Markers:           c.Classify.Markers,
		ClassifyFloor:     c.Classify.Floor,
		Themes:            c.Run.Themes,
		ThemeField:        c.Run.ThemeField,
		Consensus:         c.Run.Consensus,
		StrictResume:      c.Run.StrictResume,
	}
}
