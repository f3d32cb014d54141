package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/JaimeStill/arbiter/pkg/formatting"
)

const (
	EnvWorkspaceRoot         = "ARBITER_WORKSPACE_ROOT"
	EnvWorkspaceInstructions = "ARBITER_WORKSPACE_INSTRUCTIONS"
)

// WorkspaceConfig locates the engine's on-disk artifacts. Every store
// lives under Root in a fixed layout: checkpoints/, deadletter/, cache/,
// reports/, and drafts/.
type WorkspaceConfig struct {
	Root           string            `toml:"root"`
	Instructions   string            `toml:"instructions"`
	Taxonomies     map[string]string `toml:"taxonomies"`
	MaxSidecarSize string            `toml:"max_sidecar_size"`
	ReferenceTopK  int               `toml:"reference_top_k"`
}

// Checkpoints returns the checkpoint store directory.
func (c *WorkspaceConfig) Checkpoints() string {
	return filepath.Join(c.Root, "checkpoints")
}

// DeadLetters returns the dead-letter queue directory.
func (c *WorkspaceConfig) DeadLetters() string {
	return filepath.Join(c.Root, "deadletter")
}

// Cache returns the response cache directory.
func (c *WorkspaceConfig) Cache() string {
	return filepath.Join(c.Root, "cache")
}

// Reports returns the finalized report directory.
func (c *WorkspaceConfig) Reports() string {
	return filepath.Join(c.Root, "reports")
}

// Drafts returns the reference draft directory.
func (c *WorkspaceConfig) Drafts() string {
	return filepath.Join(c.Root, "drafts")
}

// MaxSidecarBytes returns MaxSidecarSize in bytes.
func (c *WorkspaceConfig) MaxSidecarBytes() int64 {
	size, err := formatting.ParseBytes(c.MaxSidecarSize)
	if err != nil {
		return 10 * 1024 * 1024
	}
	return size
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *WorkspaceConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *WorkspaceConfig) Merge(overlay *WorkspaceConfig) {
	if overlay.Root != "" {
		c.Root = overlay.Root
	}
	if overlay.Instructions != "" {
		c.Instructions = overlay.Instructions
	}
	if len(overlay.Taxonomies) > 0 {
		if c.Taxonomies == nil {
			c.Taxonomies = make(map[string]string, len(overlay.Taxonomies))
		}
		for field, path := range overlay.Taxonomies {
			c.Taxonomies[field] = path
		}
	}
	if overlay.MaxSidecarSize != "" {
		c.MaxSidecarSize = overlay.MaxSidecarSize
	}
	if overlay.ReferenceTopK != 0 {
		c.ReferenceTopK = overlay.ReferenceTopK
	}
}

func (c *WorkspaceConfig) loadDefaults() {
	if c.Root == "" {
		c.Root = "workspace"
	}
	if c.MaxSidecarSize == "" {
		c.MaxSidecarSize = "10MB"
	}
	if c.ReferenceTopK == 0 {
		c.ReferenceTopK = 3
	}
}

func (c *WorkspaceConfig) loadEnv() {
	if v := os.Getenv(EnvWorkspaceRoot); v != "" {
		c.Root = v
	}
	if v := os.Getenv(EnvWorkspaceInstructions); v != "" {
		c.Instructions = v
	}
}

func (c *WorkspaceConfig) validate() error {
	if c.Root == "" {
		return fmt.Errorf("root required")
	}
	if _, err := formatting.ParseBytes(c.MaxSidecarSize); err != nil {
		return fmt.Errorf("invalid max_sidecar_size: %w", err)
	}
	if c.ReferenceTopK < 0 {
		return fmt.Errorf("reference_top_k must not be negative")
	}
	return nil
}
