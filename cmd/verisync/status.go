package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldline/verisync/internal/schedule"
)

var statusCmd = &cobra.Command{
	Use:     "status [area-id...]",
	GroupID: "inspect",
	Short:   "Show cached verification progress per area",
	Long: `Show per-area verification progress from the local cache.

Without arguments every cached area is listed. For each area the completion
counts per schedule group are shown together with the sync state and the
number of unsynced mutations.

Example usage:
  verisync status          # all cached areas
  verisync status area-7   # one area`,
	RunE: func(cmd *cobra.Command, args []string) error {
		comps, err := openComponents()
		if err != nil {
			return err
		}
		defer comps.close()

		ctx := context.Background()

		areas := args
		if len(areas) == 0 {
			areas, err = comps.db.ListAreaIDs(ctx)
			if err != nil {
				return fmt.Errorf("failed to list cached areas: %w", err)
			}
			if len(areas) == 0 {
				fmt.Println("No cached areas")
				return nil
			}
		}

		for _, areaID := range areas {
			snap, _, err := comps.store.Load(ctx, areaID, comps.cfg.SiteID)
			if err != nil {
				fmt.Printf("%s: error: %v\n", areaID, err)
				continue
			}
			pending, err := comps.queue.PendingCount(ctx, areaID)
			if err != nil {
				return fmt.Errorf("failed to count pending entries: %w", err)
			}

			fmt.Printf("%s  [%s, %d unsynced]\n", areaID, snap.SyncStatus, pending)
			for _, typ := range []schedule.Type{schedule.Daily, schedule.Weekly, schedule.Monthly} {
				g := snap.Group(typ)
				if g.TotalCount == 0 {
					continue
				}
				fmt.Printf("  %-8s %d/%d complete (%.0f%%), %d failed\n",
					typ, g.CompletedCount, g.TotalCount, g.CompletionPercentage, g.FailedCount)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
