package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync [area-id...]",
	GroupID: "daemon",
	Short:   "Run one drain-and-reconcile pass",
	Long: `Run a one-shot sync.

Without arguments every area with pending queue entries is drained and
reconciled. With area ids only those areas sync, whether or not they have
pending work.

Example usage:
  verisync sync                # all areas with pending work
  verisync sync area-7 area-9  # specific areas`,
	RunE: func(cmd *cobra.Command, args []string) error {
		comps, err := openComponents()
		if err != nil {
			return err
		}
		defer comps.close()

		ctx := context.Background()

		areas := args
		if len(areas) == 0 {
			areas, err = comps.queue.PendingAreas(ctx)
			if err != nil {
				return fmt.Errorf("failed to list pending areas: %w", err)
			}
			if len(areas) == 0 {
				fmt.Println("Nothing to sync")
				return nil
			}
		}

		failures := 0
		for _, areaID := range areas {
			if err := comps.coord.SyncArea(ctx, areaID); err != nil {
				fmt.Printf("  %-20s error: %v\n", areaID, err)
				failures++
				continue
			}
			fmt.Printf("  %-20s synced\n", areaID)
		}

		if failures > 0 {
			return fmt.Errorf("%d of %d areas failed to sync", failures, len(areas))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
