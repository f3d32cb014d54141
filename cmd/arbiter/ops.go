package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JaimeStill/arbiter/internal/baseline"
	"github.com/JaimeStill/arbiter/internal/index"
	"github.com/JaimeStill/arbiter/pkg/pagination"
)

func newBaselineCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "baseline <manifest>",
		Short: "Run the golden baseline suite and flag regressions",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			manifest, err := baseline.LoadManifest(args[0])
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

			if e.index == nil {
				return fmt.Errorf("baseline evaluation requires the run index; remove index.disabled")
			}

			e.watchSignals()
			evaluator := baseline.NewEvaluator(e.index, e.logger)
			ctx := e.lc.Context()

			failed, regressed := 0, 0
			for _, c := range manifest.Cases {
				pipe, err := e.pipeline(c.Profile)
				if err != nil {
					return err
				}

				outcome, err := pipe.Run(ctx, c.Docs)
				if err != nil {
					return fmt.Errorf("case %s: %w", c.ID, err)
				}

				evaluation, err := evaluator.Evaluate(ctx, manifest, baseline.Outcome{
					CaseID:     c.ID,
					RunID:      outcome.RunID,
					Decision:   string(outcome.Decision),
					Confidence: outcome.Confidence,
				})
				if err != nil {
					return fmt.Errorf("case %s: %w", c.ID, err)
				}

				status := "pass"
				if !evaluation.Result.Passed {
					status = "FAIL"
					failed++
				}
				if evaluation.Regressed {
					status += " (regressed)"
					regressed++
				}
				fmt.Printf("%-20s %-8s expected=%s actual=%s confidence=%.3f\n",
					c.ID, status, c.ExpectedDecision, evaluation.Result.Actual, outcome.Confidence)
			}

			fmt.Printf("\nsuite %s: %d cases, %d failed, %d regressed\n",
				manifest.Suite, len(manifest.Cases), failed, regressed)
			if regressed > 0 || failed > 0 {
				return exitError{code: 1}
			}
			return nil
		},
	}
}

func newDashboardCommand(loadConfig configLoader) *cobra.Command {
	var recent int

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Summarize run history from the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			if e.index == nil {
				return fmt.Errorf("the dashboard requires the run index; remove index.disabled")
			}

			ctx := cmd.Context()
			summary, err := e.index.Summary(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("runs: %d  cost: %.4f  tokens: %d  retries: %d  cache hits: %d  avg confidence: %.3f\n",
				summary.Runs, summary.TotalCost, summary.TotalTokens,
				summary.TotalRetries, summary.CacheHits, summary.AvgConfidence)
			for status, count := range summary.ByStatus {
				fmt.Printf("  %-14s %d\n", strings.ToLower(status), count)
			}

			streak, err := e.index.Streak(ctx, "FINALIZED", cfg.Gates.Escalation.Global)
			if err != nil {
				return err
			}
			fmt.Printf("quality streak: %d consecutive finalized runs at or above %.2f confidence\n",
				streak, cfg.Gates.Escalation.Global)

			page, err := e.index.Runs(ctx,
				pagination.PageRequest{Page: 1, PageSize: recent}, index.Filters{})
			if err != nil {
				return err
			}

			if len(page.Data) > 0 {
				fmt.Printf("\nrecent runs (%d of %d):\n", len(page.Data), page.Total)
			}
			for _, run := range page.Data {
				line := fmt.Sprintf("  %s  %-14s confidence=%.3f cost=%.4f",
					run.RunID, run.Status, run.Confidence, run.Cost)
				if run.Decision != "" {
					line += "  decision=" + run.Decision
				}
				if run.Error != "" {
					line += "  error=" + run.Error
				}
				fmt.Println(line)
			}

			deltas, err := e.index.CostDeltas(ctx, recent)
			if err != nil {
				return err
			}
			if len(deltas) > 0 {
				fmt.Println("\ncost deltas:")
				for _, point := range deltas {
					fmt.Printf("  %s  %.4f (%+.4f)\n", point.RunID, point.Cost, point.Delta)
				}
			}

			return nil
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 10, "number of recent runs to list")
	return cmd
}

func newSweepCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete checkpoints, dead letters, cache entries, and drafts past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			e, err := newEngine(cfg)
			if err != nil {
				return err
			}

			report, err := e.sweeper().Sweep(cmd.Context(), cfg.Retention.Policy())
			if err != nil {
				return err
			}

			fmt.Println(report.String())
			return nil
		},
	}
}
