package config

import (
	"reflect"
	"sort"
	"strings"

	logx "legendalf/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"telegram": true,
	"timezone": true,
	"storage":  true,
	"legacy":   true,
	"holidays": true,
	"films":    true,
	"content":  true,
}

// SummarizeConfigChange returns the changed sections (sorted) and safe
// structured attrs for logging. Secrets such as tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.ReportChatID != nt.ReportChatID || ot.ReportThreadID != nt.ReportThreadID ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.report_chat_set", nt.ReportChatID != 0),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.String("scheduler.dispatch_timeout", strings.TrimSpace(newCfg.Scheduler.DispatchTimeout)),
			logx.Int("scheduler.dispatch_retries", newCfg.Scheduler.DispatchRetries),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.history_size", nTE.HistorySize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		if d := newCfg.Dispatcher; d != nil {
			attrs = append(attrs, logx.Float64("dispatcher.rate_per_sec", d.RatePerSec), logx.Int("dispatcher.burst", d.Burst))
		}
	}

	oldN, newN := notifierOrDefault(oldCfg.Notifier), notifierOrDefault(newCfg.Notifier)
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.String("notifier.dedup_window", newN.DedupWindow),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if s := newCfg.Storage; s != nil {
			attrs = append(attrs,
				logx.String("storage.driver", strings.TrimSpace(s.Driver)),
				logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Legacy, newCfg.Legacy) {
		changed = append(changed, "legacy")
	}
	if !reflect.DeepEqual(oldCfg.Content, newCfg.Content) {
		changed = append(changed, "content")
	}
	if !reflect.DeepEqual(oldCfg.Holidays, newCfg.Holidays) {
		changed = append(changed, "holidays")
		if h := newCfg.Holidays; h != nil {
			attrs = append(attrs, logx.String("holidays.source", h.Source))
		}
	}
	if !reflect.DeepEqual(oldCfg.Films, newCfg.Films) {
		changed = append(changed, "films")
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	if oo.Enabled != no.Enabled || oo.Addr != no.Addr || oo.Pprof != no.Pprof ||
		oo.AllowInsecure != no.AllowInsecure || (oo.Token != "") != (no.Token != "") ||
		oo.ReadTimeout != no.ReadTimeout || oo.WriteTimeout != no.WriteTimeout || oo.IdleTimeout != no.IdleTimeout {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.pprof", no.Pprof),
			logx.Bool("ops.token_set", strings.TrimSpace(no.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart filters changed sections down to those a running process ignores.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

// DefaultNotifier mirrors the runtime defaults used when the section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         1,
		QueueSize:       256,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "10m",
		DedupMaxEntries: 2000,
	}
}

func notifierOrDefault(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}
