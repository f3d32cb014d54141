package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JaimeStill/arbiter/internal/config"
	"github.com/JaimeStill/arbiter/internal/pipeline"
)

type configLoader func() (*config.Config, error)

func newRunCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run <inputs...>",
		Short: "Run the analysis pipeline over a batch of documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return executeRun(loadConfig, func(e *engine, pipe *pipeline.Pipeline) (*pipeline.Outcome, error) {
				return pipe.Run(e.lc.Context(), args)
			})
		},
	}
}

func newResumeCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a checkpointed run at its first unfinished stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return executeRun(loadConfig, func(e *engine, pipe *pipeline.Pipeline) (*pipeline.Outcome, error) {
				return pipe.Resume(e.lc.Context(), args[0])
			})
		},
	}
}

// executeRun is the shared run/resume flow: bootstrap, execute under
// signal-driven abort, report the outcome, and map the terminal status to
// the exit-code contract.
func executeRun(loadConfig configLoader, execute func(*engine, *pipeline.Pipeline) (*pipeline.Outcome, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	if err := e.start(); err != nil {
		return err
	}
	defer e.shutdown()

	pipe, err := e.pipeline("")
	if err != nil {
		return err
	}

	e.watchSignals()

	outcome, err := execute(e, pipe)
	if err != nil {
		return exitError{code: 2, err: err}
	}

	if err := printJSON(outcome); err != nil {
		return err
	}
	if code := outcome.ExitCode(); code != 0 {
		return exitError{code: code}
	}
	return nil
}

func newInspectCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect-deadletter <run-id>",
		Short: "Print the newest dead-letter record for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			e, err := newEngine(cfg)
			if err != nil {
				return err
			}

			record, path, err := e.deadLetters.Latest(args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stderr, "record:", path)
			return printJSON(record)
		},
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
