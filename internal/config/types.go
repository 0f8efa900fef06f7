package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zone database for hosts without /usr/share/zoneinfo
)

// DefaultTimezone is the civil zone every schedule is resolved in when the
// config does not name one.
const DefaultTimezone = "Europe/Moscow"

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Timezone is an IANA zone name. All fire instants are wall-clock times in
	// this zone, never the host's local zone.
	Timezone string `json:"timezone,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that runs dispatches.
	// If omitted, defaults apply and enabled follows scheduler.enabled.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Dispatcher *DispatcherConfig `json:"dispatcher,omitempty"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Legacy     *LegacyConfig     `json:"legacy,omitempty"`
	Content    *ContentConfig    `json:"content,omitempty"`
	Holidays   *HolidaysConfig   `json:"holidays,omitempty"`
	Films      *FilmsConfig      `json:"films,omitempty"`
	Ops        OpsConfig         `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// ReportChatID receives operator reports and forwarded WARN+ logs.
	// 0 means reports go to each owner privately.
	ReportChatID   int64 `json:"report_chat_id,omitempty"`
	ReportThreadID int   `json:"report_thread_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the tick driver.
//
// Defaults (when fields are omitted/zero):
//   - tick: "1m"
//   - dispatch_timeout: "10s"
//   - shutdown_grace: "5s"
//   - dispatch_retries: 0 (a failed dispatch waits for the next tick)
type SchedulerConfig struct {
	Enabled         bool   `json:"enabled"`
	Tick            string `json:"tick,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
	ShutdownGrace   string `json:"shutdown_grace,omitempty"`
	DispatchRetries int    `json:"dispatch_retries,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults:
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled; the scheduler sets per-task timeouts)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// DispatcherConfig caps outgoing delivery rate across all chats.
type DispatcherConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // default 20
	Burst      int     `json:"burst,omitempty"`        // default 1
}

// NotifierConfig controls the async operator-report pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/legendalf.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// LegacyConfig points at the flat users.json snapshot imported once at startup.
type LegacyConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type ContentConfig struct {
	QuotesPath string `json:"quotes_path"`
	MediaDir   string `json:"media_dir"`
}

// HolidaysConfig selects the holiday source.
// Source is one of "calendru" (default), "static" or "none".
type HolidaysConfig struct {
	Source     string `json:"source"`
	BaseURL    string `json:"base_url,omitempty"`
	StaticPath string `json:"static_path,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	CacheSize  int    `json:"cache_size,omitempty"`
}

type FilmsConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// OpsConfig controls the operational HTTP server (/metrics, /healthz, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Location returns the configured zone.
func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// Validate checks fields that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	for path, raw := range map[string]string{
		"scheduler.tick":             c.Scheduler.Tick,
		"scheduler.dispatch_timeout": c.Scheduler.DispatchTimeout,
		"scheduler.shutdown_grace":   c.Scheduler.ShutdownGrace,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Scheduler.DispatchRetries < 0 {
		errs = append(errs, errors.New("scheduler.dispatch_retries must be >= 0"))
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "sqlite", "file":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
		}
	}
	if c.Holidays != nil {
		switch strings.ToLower(strings.TrimSpace(c.Holidays.Source)) {
		case "", "calendru", "none":
		case "static":
			if strings.TrimSpace(c.Holidays.StaticPath) == "" {
				errs = append(errs, errors.New("holidays.static_path is required for source=static"))
			}
		default:
			errs = append(errs, fmt.Errorf("holidays.source: unsupported %q", c.Holidays.Source))
		}
	}
	if c.Dispatcher != nil && c.Dispatcher.RatePerSec < 0 {
		errs = append(errs, errors.New("dispatcher.rate_per_sec must be >= 0"))
	}
	return errors.Join(errs...)
}
