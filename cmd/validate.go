package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/harness"
)

func newValidateCmd() *cobra.Command {
	var (
		terms      []string
		iterations int
		maxResults int
		platforms  []string
		minQuality float64
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run a baseline against live platforms and report latency, duplicates and listing quality",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config().Baseline
			if len(terms) > 0 {
				cfg.SearchTerms = terms
			}
			if iterations > 0 {
				cfg.Iterations = iterations
			}
			if maxResults > 0 {
				cfg.MaxResults = maxResults
			}
			if len(platforms) > 0 {
				cfg.Platforms = platforms
			}
			report, err := harness.RunBaseline(cmd.Context(), appInstance.Optimizer(), appInstance.Clock(),
				appInstance.Logger(), cfg)
			if err != nil {
				return fmt.Errorf("baseline: %w", err)
			}
			appInstance.Logger().Info("baseline finished",
				zap.Int("iterations", report.Iterations),
				zap.Int("failures", report.Failures),
				zap.Duration("p95", report.LatencyP95),
				zap.Float64("quality", report.Quality.Score),
			)
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Quality.Score < minQuality {
				return fmt.Errorf("listing quality %.2f below %.2f", report.Quality.Score, minQuality)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&terms, "terms", nil, "search terms (default from config)")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "number of optimizer calls")
	cmd.Flags().IntVar(&maxResults, "max", 0, "max results per platform")
	cmd.Flags().StringSliceVar(&platforms, "platforms", nil, "platforms to include (default all)")
	cmd.Flags().Float64Var(&minQuality, "min-quality", 0, "fail when the quality score is below this value")
	return cmd
}
