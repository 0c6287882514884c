package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/gigcrawler/internal/worker"
)

func newCleanupCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed and failed jobs older than the given age",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than-hours") && appInstance.Config().Worker.CleanupAgeHours > 0 {
				hours = appInstance.Config().Worker.CleanupAgeHours
			}
			deleted, err := appInstance.Queue().Cleanup(cmd.Context(), hours)
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), worker.CleanupResult{Deleted: deleted, OlderThanHours: hours})
		},
	}
	cmd.Flags().IntVar(&hours, "older-than-hours", 24, "age threshold in hours")
	return cmd
}
