package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldline/verisync/internal/db"
	"github.com/fieldline/verisync/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "inspect",
	Short:   "Inspect the offline write queue",
	Long: `List entries in the offline write queue.

Pending entries are awaiting transmission, failed entries exhausted their
retries or were rejected by the server, and review entries were displaced by
the queue safety cap. Failed and review entries need manual attention; they
are never dropped automatically.

Example usage:
  verisync queue                    # pending entries, all areas
  verisync queue --state failed     # entries needing manual action
  verisync queue --area area-7      # one area's pending entries`,
	RunE: func(cmd *cobra.Command, args []string) error {
		comps, err := openComponents()
		if err != nil {
			return err
		}
		defer comps.close()

		stateFlag, _ := cmd.Flags().GetString("state")
		areaID, _ := cmd.Flags().GetString("area")

		ctx := context.Background()

		entries, err := listEntries(ctx, comps.queue, areaID, stateFlag)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("No %s entries\n", stateFlag)
			return nil
		}

		for _, e := range entries {
			line := fmt.Sprintf("%6d  %-14s %-20s %s", e.Seq, e.Kind, e.AreaID, e.CreatedAt.Format("2006-01-02 15:04:05"))
			if e.RetryCount > 0 {
				line += fmt.Sprintf("  retries=%d", e.RetryCount)
			}
			if e.LastError != "" {
				line += fmt.Sprintf("  error=%q", e.LastError)
			}
			fmt.Println(line)
		}
		fmt.Printf("%d %s entries\n", len(entries), stateFlag)
		return nil
	},
}

func listEntries(ctx context.Context, q *queue.Queue, areaID, state string) ([]*db.QueueEntry, error) {
	switch state {
	case "pending":
		return q.Pending(ctx, areaID)
	case "failed":
		return q.Failed(ctx, areaID)
	case "review":
		return q.Review(ctx, areaID)
	default:
		return nil, fmt.Errorf("unknown state %q (want pending, failed, or review)", state)
	}
}

func init() {
	queueCmd.Flags().String("state", "pending", "entry state to list (pending, failed, review)")
	queueCmd.Flags().String("area", "", "restrict to one area")

	rootCmd.AddCommand(queueCmd)
}
