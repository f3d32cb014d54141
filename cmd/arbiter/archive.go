package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JaimeStill/arbiter/internal/archive"
)

func newArchiveCommand(loadConfig configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Operate on archived run bundles in blob storage",
	}
	cmd.AddCommand(newArchiveFetchCommand(loadConfig))
	cmd.AddCommand(newArchiveDiscardCommand(loadConfig))
	return cmd
}

func newArchiveFetchCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <run-id>",
		Short: "Print the archived report for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchiver(loadConfig, func(e *engine, archiver *archive.Archiver) error {
				report, err := archiver.Fetch(e.lc.Context(), args[0])
				if err != nil {
					return err
				}

				fmt.Println(string(report))
				return nil
			})
		},
	}
}

func newArchiveDiscardCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <run-id>",
		Short: "Remove a run's archive marker so the bundle can be re-archived",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchiver(loadConfig, func(e *engine, archiver *archive.Archiver) error {
				if err := archiver.Discard(e.lc.Context(), args[0]); err != nil {
					return err
				}

				fmt.Fprintln(os.Stderr, "archive marker removed:", args[0])
				return nil
			})
		},
	}
}

func withArchiver(loadConfig configLoader, fn func(*engine, *archive.Archiver) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.shutdown()

	archiver, err := e.archiver()
	if err != nil {
		return err
	}

	return fn(e, archiver)
}
