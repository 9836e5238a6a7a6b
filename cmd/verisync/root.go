package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/verisync/internal/config"
	"github.com/fieldline/verisync/internal/db"
	"github.com/fieldline/verisync/internal/notify"
	"github.com/fieldline/verisync/internal/queue"
	"github.com/fieldline/verisync/internal/store"
	"github.com/fieldline/verisync/internal/syncer"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "verisync",
	Short: "Offline-first verification progress cache and sync engine",
	Long: `verisync keeps per-area inspection checklists usable without a network:
verifications apply instantly to a local SQLite cache, queue durably, and
sync to the backend when connectivity allows.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./verisync.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Daemon Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
	)
}

// components bundles everything the commands build from configuration.
type components struct {
	cfg    *config.Config
	loader *config.Loader
	db     *db.DB
	store  *store.Store
	queue  *queue.Queue
	coord  *syncer.Coordinator
	notify *notify.Grouper
	logger *log.Logger
}

func (c *components) close() {
	c.store.Close()
	if err := c.db.Close(); err != nil {
		c.logger.Printf("Warning: failed to close database: %v", err)
	}
}

// openComponents loads configuration and wires the full local stack.
func openComponents() (*components, error) {
	loader, err := config.Load(cfgFile, nil)
	if err != nil {
		return nil, err
	}
	cfg := loader.Current()

	logger := log.New(cfg.NewLogWriter(), "[verisync] ", log.LstdFlags)

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchema(); err != nil {
		database.Close()
		return nil, err
	}

	scfg := store.DefaultConfig()
	scfg.WeeklyDueDay = time.Weekday(cfg.WeeklyDueDay)
	scfg.IdleEviction = cfg.IdleEviction
	scfg.Logger = logger
	st := store.New(database, scfg)

	qcfg := queue.DefaultConfig()
	qcfg.MaxRetries = cfg.QueueMaxRetries
	qcfg.BackoffBase = cfg.QueueBackoffBase
	qcfg.BackoffCap = cfg.QueueBackoffCap
	qcfg.PendingLimit = cfg.QueuePendingCap
	qcfg.Logger = logger
	q := queue.New(database, qcfg)

	remote := syncer.NewHTTPRemote(cfg.RemoteBaseURL, cfg.RemoteToken)
	ccfg := syncer.DefaultConfig()
	ccfg.CompanyID = cfg.CompanyID
	ccfg.SiteID = cfg.SiteID
	ccfg.BatchSize = cfg.SyncBatchSize
	ccfg.CallTimeout = cfg.SyncCallTimeout
	ccfg.Schedule = cfg.SyncSchedule
	ccfg.Logger = logger
	coord := syncer.New(st, q, remote, ccfg)

	ncfg := notify.DefaultConfig()
	ncfg.Enabled = cfg.NotifyEnabled
	ncfg.Bucket = notify.Bucket(cfg.NotifyBucket)
	ncfg.Logger = logger
	grouper := notify.New(database, st, ncfg)

	return &components{
		cfg:    cfg,
		loader: loader,
		db:     database,
		store:  st,
		queue:  q,
		coord:  coord,
		notify: grouper,
		logger: logger,
	}, nil
}
