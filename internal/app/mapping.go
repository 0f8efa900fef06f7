package app

import (
	"fmt"
	"strings"
	"time"

	"legendalf/internal/config"
	"legendalf/internal/notifier"
	"legendalf/internal/observability/ops"
	"legendalf/internal/storage"
	"legendalf/internal/task/engine"
	"legendalf/internal/task/scheduler"
	"legendalf/internal/transport"
	logx "legendalf/pkg/logx"
)

const (
	defaultStoragePath = "./data/legendalf.db"
	defaultQuotesPath  = "./data/quotes.txt"
	defaultMediaDir    = "./data/media"
	defaultLegacyPath  = "./users.json"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.ReportChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: defaultStoragePath, BusyTimeout: time.Second}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = defaultStoragePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapTaskEngineConfig applies the engine defaults. An omitted enabled flag
// follows scheduler.enabled.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := cfg.Scheduler.Enabled
	workers := 4
	queueSize := 256
	historySize := 200
	defTimeoutStr := ""

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		if te.Workers != 0 {
			workers = te.Workers
		}
		if te.QueueSize != 0 {
			queueSize = te.QueueSize
		}
		if te.HistorySize != 0 {
			historySize = te.HistorySize
		}
		defTimeoutStr = te.DefaultTimeout

		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if historySize < 0 {
		historySize = 0
	}

	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", defTimeoutStr)
	if err != nil {
		return engine.Config{}, err
	}

	// Dispatch tasks never retry inside the engine: a failed occurrence is
	// picked up again by the next tick.
	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		HistorySize:    historySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, time.Duration, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, time.Minute)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	dt, err := config.ParseDurationOrDefault("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout, 10*time.Second)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	grace, err := config.ParseDurationOrDefault("scheduler.shutdown_grace", cfg.Scheduler.ShutdownGrace, 5*time.Second)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Tick: tick, DispatchTimeout: dt}, grace, nil
}

func mapDispatcherRate(cfg *config.Config) (float64, int) {
	rps, burst := 20.0, 1
	if d := cfg.Dispatcher; d != nil {
		if d.RatePerSec > 0 {
			rps = d.RatePerSec
		}
		if d.Burst > 0 {
			burst = d.Burst
		}
	}
	return rps, burst
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	base, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		Targets:         reportTargets(cfg),
	}, nil
}

// reportTargets is the report chat when configured, otherwise every owner's
// private chat.
func reportTargets(cfg *config.Config) []transport.ChatTarget {
	if cfg.Telegram.ReportChatID != 0 {
		return []transport.ChatTarget{{ChatID: cfg.Telegram.ReportChatID, ThreadID: cfg.Telegram.ReportThreadID}}
	}
	out := make([]transport.ChatTarget, 0, len(cfg.Telegram.OwnerUserIDs))
	for _, id := range cfg.Telegram.OwnerUserIDs {
		if id != 0 {
			out = append(out, transport.ChatTarget{ChatID: id})
		}
	}
	return out
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Pprof:         oc.Pprof,
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validate is the transactional check run before a reloaded config is
// committed.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}
