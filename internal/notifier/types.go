package notifier

import (
	"time"

	"legendalf/internal/transport"
)

// Config controls the async report pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	// Targets receive every report without an explicit target.
	Targets []transport.ChatTarget
}

// Priority tags a report; higher is louder.
type Priority int

const (
	PriorityInfo     Priority = 5
	PriorityWarn     Priority = 7
	PriorityCritical Priority = 9
)

// Report is one operator message. Text is Telegram HTML.
type Report struct {
	// Channel groups reports of one kind, e.g. "schedule.disabled". Reports
	// without a channel are never deduplicated.
	Channel  string
	Priority Priority
	Text     string
	// Target overrides the configured targets.
	Target *transport.ChatTarget
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

// ReportEvent is emitted on the event bus for report lifecycle events.
type ReportEvent struct {
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
