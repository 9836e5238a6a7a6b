// Package config loads and watches the application configuration.
//
// Configuration is resolved in the usual precedence order: explicit flags
// beat environment variables beat the config file beat built-in defaults.
// The file is YAML, looked up in the working directory and under
// ~/.config/verisync. Notification preferences reload live when the file
// changes; everything else requires a restart.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config is the resolved application configuration.
type Config struct {
	// CompanyID and SiteID scope every remote call.
	CompanyID string `mapstructure:"company_id"`
	SiteID    string `mapstructure:"site_id"`

	// RemoteBaseURL and RemoteToken locate and authenticate against the
	// backend document store.
	RemoteBaseURL string `mapstructure:"remote_base_url"`
	RemoteToken   string `mapstructure:"remote_token"`

	// DBPath is the SQLite cache location.
	DBPath string `mapstructure:"db_path"`

	// WeeklyDueDay is the weekday weekly items come due, as time.Weekday
	// (0 = Sunday).
	WeeklyDueDay int `mapstructure:"weekly_due_day"`

	// Sync tuning.
	SyncBatchSize   int           `mapstructure:"sync_batch_size"`
	SyncCallTimeout time.Duration `mapstructure:"sync_call_timeout"`
	SyncSchedule    string        `mapstructure:"sync_schedule"`

	// Queue retry policy.
	QueueMaxRetries  int           `mapstructure:"queue_max_retries"`
	QueueBackoffBase time.Duration `mapstructure:"queue_backoff_base"`
	QueueBackoffCap  time.Duration `mapstructure:"queue_backoff_cap"`
	QueuePendingCap  int           `mapstructure:"queue_pending_cap"`

	// Store tuning.
	IdleEviction time.Duration `mapstructure:"idle_eviction"`

	// Notification preferences; reloadable without restart.
	NotifyEnabled bool   `mapstructure:"notify_enabled"`
	NotifyBucket  string `mapstructure:"notify_bucket"`

	// Dashboard server.
	DashboardAddr string `mapstructure:"dashboard_addr"`

	// Logging.
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

// setDefaults registers every default on a viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", defaultDBPath())
	v.SetDefault("weekly_due_day", int(time.Monday))

	v.SetDefault("sync_batch_size", 20)
	v.SetDefault("sync_call_timeout", 15*time.Second)
	v.SetDefault("sync_schedule", "@every 5m")

	v.SetDefault("queue_max_retries", 5)
	v.SetDefault("queue_backoff_base", 2*time.Second)
	v.SetDefault("queue_backoff_cap", 60*time.Second)
	v.SetDefault("queue_pending_cap", 1000)

	v.SetDefault("idle_eviction", 30*time.Minute)

	v.SetDefault("notify_enabled", true)
	v.SetDefault("notify_bucket", "morning")

	v.SetDefault("dashboard_addr", "localhost:7317")

	v.SetDefault("log_max_size_mb", 10)
	v.SetDefault("log_max_backups", 3)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "verisync.db"
	}
	return filepath.Join(home, ".local", "share", "verisync", "verisync.db")
}

// Loader owns the viper instance and the live-reload machinery.
type Loader struct {
	v      *viper.Viper
	logger *log.Logger

	mu       sync.Mutex
	current  *Config
	onNotify func(enabled bool, bucket string)
}

// Load reads configuration from the given file (empty means search the
// default locations) plus VERISYNC_* environment variables.
func Load(cfgFile string, logger *log.Logger) (*Loader, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VERISYNC")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("verisync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "verisync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Missing config file is fine, defaults apply.
	}

	l := &Loader{v: v, logger: logger}
	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.WeeklyDueDay < 0 || c.WeeklyDueDay > 6 {
		return fmt.Errorf("weekly_due_day %d out of range 0-6", c.WeeklyDueDay)
	}
	switch c.NotifyBucket {
	case "morning", "afternoon", "evening":
	default:
		return fmt.Errorf("unknown notify_bucket %q", c.NotifyBucket)
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("sync_batch_size must be positive, got %d", c.SyncBatchSize)
	}
	if c.QueueMaxRetries <= 0 {
		return fmt.Errorf("queue_max_retries must be positive, got %d", c.QueueMaxRetries)
	}
	return nil
}

// Current returns the latest resolved configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// OnNotifyChange registers a callback fired when the notification
// preferences change on a live reload.
func (l *Loader) OnNotifyChange(fn func(enabled bool, bucket string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onNotify = fn
}

// Watch starts watching the config file for changes. Only the notification
// preferences are applied live; other changed keys are logged and take
// effect on the next restart.
func (l *Loader) Watch() {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.unmarshal()
		if err != nil {
			l.logger.Printf("Ignoring invalid config change in %s: %v", e.Name, err)
			return
		}

		l.mu.Lock()
		prev := l.current
		l.current = cfg
		cb := l.onNotify
		changed := prev.NotifyEnabled != cfg.NotifyEnabled || prev.NotifyBucket != cfg.NotifyBucket
		l.mu.Unlock()

		if changed {
			l.logger.Printf("Notification preferences reloaded: enabled=%v bucket=%s",
				cfg.NotifyEnabled, cfg.NotifyBucket)
			if cb != nil {
				cb(cfg.NotifyEnabled, cfg.NotifyBucket)
			}
		}
	})
	l.v.WatchConfig()
}

// NewLogWriter returns the log destination: a size-rotated file when
// log_file is set, stderr otherwise.
func (c *Config) NewLogWriter() io.Writer {
	if c.LogFile == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
	}
}
