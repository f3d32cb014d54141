// Command arbiter drives the document-analysis pipeline from the command
// line: run a batch, resume a checkpointed run, inspect dead-letter
// records, and operate the surrounding tooling (baseline evaluation,
// dashboard, retention sweep, archive bundles).
//
// Exit codes follow the engine contract: 0 finalized, 1 blocked
// (resumable), 2 dead-lettered.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JaimeStill/arbiter/internal/config"
)

// exitError carries the engine's exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "arbiter",
		Short:         "Fail-closed document-analysis pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.BaseConfigFile, "path to the base config file")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(newRunCommand(loadConfig))
	root.AddCommand(newResumeCommand(loadConfig))
	root.AddCommand(newInspectCommand(loadConfig))
	root.AddCommand(newBaselineCommand(loadConfig))
	root.AddCommand(newDashboardCommand(loadConfig))
	root.AddCommand(newSweepCommand(loadConfig))
	root.AddCommand(newArchiveCommand(loadConfig))
	return root
}
