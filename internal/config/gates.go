package config

import (
	"fmt"

	"github.com/JaimeStill/arbiter/internal/documents"
	"github.com/JaimeStill/arbiter/internal/gates"
)

// GatesConfig carries the fail-closed quality limits and the critical
// field declarations for the evidence gate.
type GatesConfig struct {
	QualityMin    float64               `toml:"quality_min"`
	NoiseMax      float64               `toml:"noise_max"`
	MinSupporting int                   `toml:"min_supporting"`
	CoverageMin   float64               `toml:"coverage_min"`
	Escalation    gates.Escalation      `toml:"escalation"`
	Critical      []gates.CriticalField `toml:"critical"`
}

// Thresholds projects the section for the gate evaluators.
func (c *GatesConfig) Thresholds() gates.Thresholds {
	return gates.Thresholds{
		QualityMin:    c.QualityMin,
		NoiseMax:      c.NoiseMax,
		MinSupporting: c.MinSupporting,
		CoverageMin:   c.CoverageMin,
		Escalation:    c.Escalation,
	}
}

// Finalize applies defaults and validation.
func (c *GatesConfig) Finalize() error {
	c.loadDefaults()
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *GatesConfig) Merge(overlay *GatesConfig) {
	if overlay.QualityMin != 0 {
		c.QualityMin = overlay.QualityMin
	}
	if overlay.NoiseMax != 0 {
		c.NoiseMax = overlay.NoiseMax
	}
	if overlay.MinSupporting != 0 {
		c.MinSupporting = overlay.MinSupporting
	}
	if overlay.CoverageMin != 0 {
		c.CoverageMin = overlay.CoverageMin
	}
	if overlay.Escalation.Global != 0 {
		c.Escalation.Global = overlay.Escalation.Global
	}
	if overlay.Escalation.Field != 0 {
		c.Escalation.Field = overlay.Escalation.Field
	}
	if overlay.Escalation.Theme != 0 {
		c.Escalation.Theme = overlay.Escalation.Theme
	}
	if overlay.Escalation.Halt {
		c.Escalation.Halt = true
	}
	if len(overlay.Critical) > 0 {
		c.Critical = append([]gates.CriticalField(nil), overlay.Critical...)
	}
}

func (c *GatesConfig) loadDefaults() {
	if c.QualityMin == 0 {
		c.QualityMin = 0.2
	}
	if c.NoiseMax == 0 {
		c.NoiseMax = 0.95
	}
	if c.CoverageMin == 0 {
		c.CoverageMin = 0.9
	}
	if c.Escalation.Global == 0 {
		c.Escalation.Global = 0.75
	}
	if c.Escalation.Field == 0 {
		c.Escalation.Field = 0.75
	}
	if c.Escalation.Theme == 0 {
		c.Escalation.Theme = 0.7
	}
}

func (c *GatesConfig) validate() error {
	for name, v := range map[string]float64{
		"quality_min":       c.QualityMin,
		"noise_max":         c.NoiseMax,
		"coverage_min":      c.CoverageMin,
		"escalation.global": c.Escalation.Global,
		"escalation.field":  c.Escalation.Field,
		"escalation.theme":  c.Escalation.Theme,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1]", name)
		}
	}
	if c.MinSupporting < 0 {
		return fmt.Errorf("min_supporting must not be negative")
	}
	for i, field := range c.Critical {
		if field.Name == "" {
			return fmt.Errorf("critical[%d]: name required", i)
		}
	}
	return nil
}

// ClassifyConfig declares the marker signals for the heuristic
// classification tier and the confidence floor a strategy must clear.
type ClassifyConfig struct {
	Markers documents.Markers `toml:"markers"`
	Floor   float64           `toml:"floor"`
}

// Finalize applies defaults and validation.
func (c *ClassifyConfig) Finalize() error {
	if c.Floor == 0 {
		c.Floor = 0.7
	}
	if c.Floor < 0 || c.Floor > 1 {
		return fmt.Errorf("floor must be within [0, 1]")
	}
	return nil
}

// Merge overwrites non-zero fields from overlay.
func (c *ClassifyConfig) Merge(overlay *ClassifyConfig) {
	if len(overlay.Markers.Primary) > 0 {
		c.Markers.Primary = append([]string(nil), overlay.Markers.Primary...)
	}
	if len(overlay.Markers.Supporting) > 0 {
		c.Markers.Supporting = append([]string(nil), overlay.Markers.Supporting...)
	}
	if overlay.Floor != 0 {
		c.Floor = overlay.Floor
	}
}
