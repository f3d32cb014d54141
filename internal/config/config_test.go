package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/JaimeStill/arbiter/internal/config"
	"github.com/JaimeStill/arbiter/internal/stages"
)

const baseConfig = `shutdown_timeout = "30s"
version = "0.1.0"

[workspace]
root = "workspace"
instructions = "instructions"
max_sidecar_size = "10MB"

[models]
retries = 3
call_timeout = "120s"
hybrid = true

[models.routine]
provider = "gemini"
model = "gemini-2.0-flash"
context_window = 32000
tpm = 1000000

[models.critical]
provider = "openai"
model = "gpt-4o"
context_window = 25000
tpm = 450000

[models.providers.openai]
api_key_env = "OPENAI_API_KEY"

[models.providers.gemini]
api_key_env = "GEMINI_API_KEY"

[run]
profile = "default"
budget_ratio = 0.7
overlap_tokens = 500
workers = 3
themes = ["tempestividade", "legitimidade"]

[run.max_tokens]
classify = 700
extract = 1400
analyze = 2200
synthesize = 3200

[gates]
quality_min = 0.2
noise_max = 0.95
min_supporting = 1
coverage_min = 0.9

[[gates.critical]]
name = "claim_number"
known_set = true

[classify]
floor = 0.7

[classify.markers]
primary = ["recorrente"]
supporting = ["parecer"]

[cache]
ttl = "24h"

[index.database]
path = "arbiter.db"
`

const overlayConfig = `[run]
profile = "staging"
workers = 5

[gates]
coverage_min = 0.95
`

func writeConfig(t *testing.T, dir, filename, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", filename, err)
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(orig) })
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.toml", baseConfig)
	chdir(t, dir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Workspace.Root != "workspace" {
		t.Errorf("workspace root: got %s, want workspace", cfg.Workspace.Root)
	}
	if got := cfg.Workspace.Checkpoints(); got != filepath.Join("workspace", "checkpoints") {
		t.Errorf("checkpoints dir: got %s", got)
	}
	if cfg.Models.Critical.Provider != "openai" {
		t.Errorf("critical provider: got %s, want openai", cfg.Models.Critical.Provider)
	}
	if !cfg.Models.Hybrid {
		t.Error("hybrid routing not enabled")
	}
	if cfg.Run.Workers != 3 {
		t.Errorf("workers: got %d, want 3", cfg.Run.Workers)
	}
	if cfg.Gates.CoverageMin != 0.9 {
		t.Errorf("coverage_min: got %f, want 0.9", cfg.Gates.CoverageMin)
	}
	if len(cfg.Gates.Critical) != 1 || cfg.Gates.Critical[0].Name != "claim_number" {
		t.Errorf("critical fields: got %+v", cfg.Gates.Critical)
	}
	if cfg.Index.Database.Path != "arbiter.db" {
		t.Errorf("index db path: got %s, want arbiter.db", cfg.Index.Database.Path)
	}
}

func TestLoadWithOverlay(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.toml", baseConfig)
	writeConfig(t, dir, "config.staging.toml", overlayConfig)
	chdir(t, dir)

	t.Setenv("ARBITER_ENV", "staging")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Run.Profile != "staging" {
		t.Errorf("profile: got %s, want staging (from overlay)", cfg.Run.Profile)
	}
	if cfg.Run.Workers != 5 {
		t.Errorf("workers: got %d, want 5 (from overlay)", cfg.Run.Workers)
	}
	if cfg.Gates.CoverageMin != 0.95 {
		t.Errorf("coverage_min: got %f, want 0.95 (from overlay)", cfg.Gates.CoverageMin)
	}
	if cfg.Run.BudgetRatio != 0.7 {
		t.Errorf("budget_ratio: got %f, want 0.7 (from base)", cfg.Run.BudgetRatio)
	}
	if cfg.Models.Critical.Model != "gpt-4o" {
		t.Errorf("critical model: got %s, want gpt-4o (from base)", cfg.Models.Critical.Model)
	}
}

func TestLoadEnvVarOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.toml", baseConfig)
	chdir(t, dir)

	t.Setenv("ARBITER_VERSION", "2.0.0")
	t.Setenv("ARBITER_PROFILE", "audit")
	t.Setenv("ARBITER_WORKSPACE_ROOT", "/var/lib/arbiter")
	t.Setenv("ARBITER_DB_PATH", "/var/lib/arbiter/index.db")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Version != "2.0.0" {
		t.Errorf("version: got %s, want 2.0.0", cfg.Version)
	}
	if cfg.Run.Profile != "audit" {
		t.Errorf("profile: got %s, want audit", cfg.Run.Profile)
	}
	if cfg.Workspace.Root != "/var/lib/arbiter" {
		t.Errorf("workspace root: got %s, want /var/lib/arbiter", cfg.Workspace.Root)
	}
	if cfg.Index.Database.Path != "/var/lib/arbiter/index.db" {
		t.Errorf("index db path: got %s", cfg.Index.Database.Path)
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load without config.toml failed: %v", err)
	}

	if cfg.Workspace.Root != "workspace" {
		t.Errorf("workspace root default: got %s, want workspace", cfg.Workspace.Root)
	}
	if cfg.Run.BudgetRatio != 0.7 {
		t.Errorf("budget_ratio default: got %f, want 0.7", cfg.Run.BudgetRatio)
	}
	if cfg.Run.StageAttempts != 3 {
		t.Errorf("stage_attempts default: got %d, want 3", cfg.Run.StageAttempts)
	}
	if cfg.Gates.QualityMin != 0.2 {
		t.Errorf("quality_min default: got %f, want 0.2", cfg.Gates.QualityMin)
	}
	if cfg.Cache.TTLDuration() != 24*time.Hour {
		t.Errorf("cache ttl default: got %s, want 24h", cfg.Cache.TTL)
	}
	if cfg.Models.Critical.ContextWindow != 25000 {
		t.Errorf("critical context window default: got %d, want 25000", cfg.Models.Critical.ContextWindow)
	}
	if cfg.Index.Database.Path != "arbiter.db" {
		t.Errorf("index db path default: got %s, want arbiter.db", cfg.Index.Database.Path)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.toml", `workers = [`)
	chdir(t, dir)

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestValidationRejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.toml", `[models.providers.anthropic]
api_key_env = "KEY"
`)
	chdir(t, dir)

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for unknown provider key")
	}
}

func TestValidationRejectsUnknownStageBudget(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.toml", `[run.max_tokens]
summarize = 1000
`)
	chdir(t, dir)

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for unknown stage in max_tokens")
	}
}

func TestPipelineOptions(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.toml", baseConfig)
	chdir(t, dir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	opts := cfg.PipelineOptions()
	if opts.MaxTokens[stages.StageExtract] != 1400 {
		t.Errorf("extract budget: got %d, want 1400", opts.MaxTokens[stages.StageExtract])
	}
	if opts.Thresholds.CoverageMin != 0.9 {
		t.Errorf("coverage_min: got %f, want 0.9", opts.Thresholds.CoverageMin)
	}
	if len(opts.Critical) != 1 || !opts.Critical[0].KnownSet {
		t.Errorf("critical fields: got %+v", opts.Critical)
	}
	if len(opts.Markers.Primary) != 1 || opts.Markers.Primary[0] != "recorrente" {
		t.Errorf("primary markers: got %v", opts.Markers.Primary)
	}
	if opts.StageTimeout != 10*time.Minute {
		t.Errorf("stage timeout: got %s, want 10m", opts.StageTimeout)
	}
	if len(opts.Themes) != 2 {
		t.Errorf("themes: got %v", opts.Themes)
	}
}

func TestEnvDefault(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.toml", baseConfig)
	chdir(t, dir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Env() != "local" {
		t.Errorf("env: got %s, want local", cfg.Env())
	}
}

func TestShutdownTimeoutDuration(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.toml", baseConfig)
	chdir(t, dir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.ShutdownTimeoutDuration() != 30*time.Second {
		t.Errorf("shutdown timeout: got %s, want 30s", cfg.ShutdownTimeout)
	}
}
