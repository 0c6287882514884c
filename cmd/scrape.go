package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/optimizer"
)

func newScrapeCmd() *cobra.Command {
	var req optimizer.Request
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Search every healthy platform once and print the deduplicated listings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Optimizer().ScrapeAllPlatforms(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("scrape: %w", err)
			}
			appInstance.Logger().Info("scrape finished",
				zap.String("search_term", res.SearchTerm),
				zap.Bool("success", res.Success),
				zap.Int("total_found", res.TotalFound),
				zap.Int("unique_total", res.UniqueTotal),
				zap.Int("saved", res.Saved),
			)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("no platform returned results for %q", req.SearchTerm)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.SearchTerm, "term", "", "search term")
	cmd.Flags().StringSliceVar(&req.Platforms, "platforms", nil, "platforms to search (default all)")
	cmd.Flags().IntVar(&req.MaxResults, "max", 0, "max results per platform")
	cmd.Flags().BoolVar(&req.Persist, "persist", false, "save deduplicated listings to the project store")
	_ = cmd.MarkFlagRequired("term")
	return cmd
}
