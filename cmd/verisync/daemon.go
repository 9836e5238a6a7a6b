package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/verisync/internal/dashboard"
	"github.com/fieldline/verisync/internal/notify"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "daemon",
	Short:   "Run the sync daemon with the live dashboard",
	Long: `Run the background sync daemon.

The daemon drains the offline write queue on a periodic schedule, reconciles
remote snapshots into the local cache, sweeps due and overdue items into
reminders, and serves a WebSocket dashboard for live monitoring.

Dashboard messages include:
- progress_update: an area's completion counts changed
- sync_status: an area moved between synced, pending, and error
- badge_count: the attention badge changed

Example usage:
  verisync daemon                          # default dashboard on localhost:7317
  verisync daemon --dashboard-addr :9000   # custom dashboard address

Connect with a WebSocket client:
  ws://localhost:7317/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		comps, err := openComponents()
		if err != nil {
			return err
		}
		defer comps.close()

		addr, _ := cmd.Flags().GetString("dashboard-addr")
		if addr == "" {
			addr = comps.cfg.DashboardAddr
		}

		server := dashboard.NewServer(&dashboard.Config{
			Addr:   addr,
			Logger: comps.logger,
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := comps.coord.Start(ctx); err != nil {
			return err
		}

		// Notification preferences follow the config file without a restart.
		comps.loader.OnNotifyChange(func(enabled bool, bucket string) {
			comps.notify.SetPreferences(enabled, notify.Bucket(bucket))
		})
		comps.loader.Watch()

		// Push every loaded area's changes to dashboard clients.
		stopForward := forwardUpdates(ctx, comps, server)
		defer stopForward()

		fmt.Printf("Sync daemon running (dashboard on http://%s)\n", server.Addr())
		fmt.Println("Press Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		comps.coord.Stop()
		if err := server.Stop(); err != nil {
			return fmt.Errorf("dashboard shutdown error: %w", err)
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

// forwardUpdates periodically sweeps reminders and relays area snapshots to
// the dashboard. Returns a stop function.
func forwardUpdates(ctx context.Context, comps *components, server *dashboard.Server) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		lastBadge := -1
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C:
				for _, areaID := range comps.store.LoadedAreas() {
					if snap := comps.store.Snapshot(areaID); snap != nil {
						server.BroadcastProgress(snap)
						server.BroadcastSyncStatus(areaID, snap.SyncStatus)
					}
				}
				if badge := comps.notify.BadgeCount(); badge != lastBadge {
					server.BroadcastBadgeCount(badge)
					lastBadge = badge
				}
				if _, err := comps.notify.Sweep(ctx, time.Now()); err != nil {
					comps.logger.Printf("Reminder sweep failed: %v", err)
				}
				comps.store.EvictIdle()
			}
		}
	}()
	return func() { <-done }
}

func init() {
	daemonCmd.Flags().String("dashboard-addr", "", "dashboard listen address (overrides config)")

	rootCmd.AddCommand(daemonCmd)
}
