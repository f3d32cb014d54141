package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/JaimeStill/arbiter/internal/archive"
	"github.com/JaimeStill/arbiter/internal/cache"
	"github.com/JaimeStill/arbiter/internal/checkpoint"
	"github.com/JaimeStill/arbiter/internal/config"
	"github.com/JaimeStill/arbiter/internal/deadletter"
	"github.com/JaimeStill/arbiter/internal/extraction"
	"github.com/JaimeStill/arbiter/internal/index"
	"github.com/JaimeStill/arbiter/internal/instructions"
	"github.com/JaimeStill/arbiter/internal/llm"
	"github.com/JaimeStill/arbiter/internal/pipeline"
	"github.com/JaimeStill/arbiter/internal/reference"
	"github.com/JaimeStill/arbiter/internal/retention"
	"github.com/JaimeStill/arbiter/internal/taxonomy"
	"github.com/JaimeStill/arbiter/pkg/database"
	"github.com/JaimeStill/arbiter/pkg/lifecycle"
	"github.com/JaimeStill/arbiter/pkg/storage"
)

// engine composes the stores and collaborators every command draws from.
// Construction is cheap; the run index and blob storage connect during
// start, and pipeline assembly is deferred until a command needs model
// providers.
type engine struct {
	cfg    *config.Config
	logger *slog.Logger
	lc     *lifecycle.Coordinator

	checkpoints *checkpoint.Store[pipeline.State]
	deadLetters *deadletter.Queue[pipeline.DeadLetterRecord]
	db          database.System
	index       *index.Store
}

func newEngine(cfg *config.Config) (*engine, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	e := &engine{
		cfg:         cfg,
		logger:      logger,
		lc:          lifecycle.New(),
		checkpoints: checkpoint.New[pipeline.State](cfg.Workspace.Checkpoints()),
		deadLetters: deadletter.New[pipeline.DeadLetterRecord](cfg.Workspace.DeadLetters()),
	}

	if !cfg.Index.Disabled {
		db, err := database.New(&cfg.Index.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("index database init failed: %w", err)
		}
		e.db = db
	}

	return e, nil
}

// start runs the lifecycle startup hooks and applies index migrations.
func (e *engine) start() error {
	if e.db != nil {
		if err := e.db.Start(e.lc); err != nil {
			return fmt.Errorf("index database start failed: %w", err)
		}
	}

	e.lc.WaitForStartup()

	if e.db != nil {
		if err := e.db.Ready(); err != nil {
			return fmt.Errorf("index database unavailable: %w", err)
		}
		if err := index.Migrate(e.db.Connection()); err != nil {
			return fmt.Errorf("index migrations failed: %w", err)
		}
		e.index = index.New(e.db.Connection(), e.logger)
	}

	return nil
}

// shutdown drains the lifecycle hooks.
func (e *engine) shutdown() {
	if err := e.lc.Shutdown(e.cfg.ShutdownTimeoutDuration()); err != nil {
		e.logger.Error("shutdown incomplete", "error", err)
	}
}

// watchSignals binds SIGINT/SIGTERM to lifecycle abort: the pipeline sees
// its context cancelled, checkpoints a blocked state with reason
// USER_ABORT, and returns so the run stays resumable.
func (e *engine) watchSignals() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		e.logger.Warn("abort requested, checkpointing current run")
		e.lc.Abort()
	}()
}

// pipeline assembles the orchestrator over the configured providers. The
// profile argument overrides the configured instruction profile when
// non-empty (baseline cases pin their own profile).
func (e *engine) pipeline(profile string) (*pipeline.Pipeline, error) {
	cfg := e.cfg

	providers, err := e.providers()
	if err != nil {
		return nil, err
	}

	router := llm.NewRouter(cfg.Models.RouterOptions())
	gate := llm.NewRateGate(router.Limits(), nil)
	client := llm.NewClient(providers, gate, cfg.Models.ClientOptions(), e.logger)

	var known taxonomy.Union
	if len(cfg.Workspace.Taxonomies) > 0 {
		sets, err := taxonomy.LoadAll(cfg.Workspace.Taxonomies)
		if err != nil {
			return nil, fmt.Errorf("load taxonomies: %w", err)
		}
		for _, set := range sets {
			known = append(known, set)
		}
	}

	rt := pipeline.Runtime{
		Reader:       extraction.NewReader(cfg.Workspace.MaxSidecarBytes(), e.logger),
		Instructions: instructions.NewLoader(cfg.Workspace.Instructions, e.logger),
		Invoker:      client,
		Router:       router,
		Checkpoints:  e.checkpoints,
		DeadLetters:  e.deadLetters,
		Index:        e.index,
		References:   reference.NewSelector(cfg.Workspace.Drafts(), cfg.Workspace.ReferenceTopK, e.logger),
		Reports:      cfg.Workspace.Reports(),
		Logger:       e.logger,
	}
	if !cfg.Cache.Disabled {
		rt.Cache = cache.New(cfg.Workspace.Cache(), cfg.Cache.TTLDuration(), e.logger)
	}
	if known != nil {
		rt.Taxonomy = known
	}
	if cfg.Storage.Enabled() {
		archiver, err := e.archiver()
		if err != nil {
			return nil, err
		}
		rt.Archiver = archiver
	}

	opts := cfg.PipelineOptions()
	if profile != "" {
		opts.Profile = profile
	}

	return pipeline.New(rt, opts), nil
}

// archiver builds the blob archiver over the configured storage account.
func (e *engine) archiver() (*archive.Archiver, error) {
	if !e.cfg.Storage.Enabled() {
		return nil, fmt.Errorf("blob storage not configured")
	}

	store, err := storage.New(&e.cfg.Storage, e.logger)
	if err != nil {
		return nil, fmt.Errorf("storage init failed: %w", err)
	}
	if err := store.Start(e.lc); err != nil {
		return nil, fmt.Errorf("storage start failed: %w", err)
	}
	// container initialization registered after engine start
	e.lc.WaitForStartup()

	return archive.New(store, e.logger), nil
}

// providers builds the configured model providers. Keys fix the wire
// format; credentials resolve through api_key_env first.
func (e *engine) providers() ([]llm.Provider, error) {
	cfg := e.cfg.Models
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no model providers configured")
	}

	providers := make([]llm.Provider, 0, len(cfg.Providers))
	for name, opts := range cfg.Providers {
		if opts.Timeout == "" {
			opts.Timeout = cfg.CallTimeout
		}

		var (
			p   llm.Provider
			err error
		)
		switch name {
		case "gemini":
			p, err = llm.NewGemini(opts)
		default:
			p, err = llm.NewOpenAI(opts)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		providers = append(providers, p)
	}

	return providers, nil
}

// sweeper builds the retention sweeper over the workspace directories.
func (e *engine) sweeper() *retention.Sweeper {
	ws := &e.cfg.Workspace
	return retention.NewSweeper(ws.Checkpoints(), ws.DeadLetters(), ws.Cache(), ws.Drafts(), e.logger)
}
