package config

// Config is the root of the relay configuration file (JSON or YAML).
type Config struct {
	Bilibili BilibiliConfig `json:"bilibili"`
	Feed     SourceConfig   `json:"feed"`
	Live     SourceConfig   `json:"live"`
	Delivery DeliveryConfig `json:"delivery"`
	Dispatch DispatchConfig `json:"dispatch"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Status   StatusConfig   `json:"status"`
}

// BilibiliConfig addresses the account and room being watched.
//
// SESSDATA is a login cookie; it is never logged.
type BilibiliConfig struct {
	UID       string `json:"uid"`
	RoomID    string `json:"room_id"`
	SESSDATA  string `json:"sessdata,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	// Timeout is a Go duration string applied per HTTP request.
	Timeout       string `json:"timeout,omitempty"`
	RetryAttempts int    `json:"retry_attempts,omitempty"`

	// FeedURL and LiveURL override the public API endpoints (proxies, tests).
	FeedURL string `json:"feed_url,omitempty"`
	LiveURL string `json:"live_url,omitempty"`
}

// SourceConfig configures one watched source and its destination windows.
//
// Example:
//
//	"feed": {
//	  "enabled": true,
//	  "schedule": "10s",
//	  "titles": ["Fan Group"],
//	  "classes": { "ChatWnd": "legacy", "Qt51514QWindowIcon": "modern" }
//	}
type SourceConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Schedule is a duration ("10s"), an "every:"/"cron:" prefixed spec or HH:MM.
	Schedule string            `json:"schedule,omitempty"`
	Titles   []string          `json:"titles,omitempty"`
	Classes  map[string]string `json:"classes,omitempty"`

	MentionAll bool `json:"mention_all,omitempty"`
	// MentionAllOnEnd only applies to the live source.
	MentionAllOnEnd bool `json:"mention_all_on_end,omitempty"`
}

// IsEnabled reports whether the source is enabled; an omitted flag means on.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type DeliveryConfig struct {
	// DryRun swaps the OS window driver for a recording one.
	DryRun           bool           `json:"dry_run,omitempty"`
	SimulateWindows  []WindowConfig `json:"simulate_windows,omitempty"`
	LegacyForeground bool           `json:"legacy_foreground,omitempty"`
	MentionTrigger   string         `json:"mention_trigger,omitempty"`
	ImageDir         string         `json:"image_dir,omitempty"`
	ImageAttempts    int            `json:"image_attempts,omitempty"`
	Settle           SettleConfig   `json:"settle"`
}

type WindowConfig struct {
	Title string `json:"title"`
	Class string `json:"class"`
}

// SettleConfig holds the pauses between automation steps (Go duration strings).
type SettleConfig struct {
	Activate string `json:"activate,omitempty"`
	Mention  string `json:"mention,omitempty"`
	Step     string `json:"step,omitempty"`
}

// DispatchConfig controls the single delivery queue.
type DispatchConfig struct {
	QueueSize       int    `json:"queue_size,omitempty"`
	MinInterval     string `json:"min_interval,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls snapshot persistence.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/bilirelay" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
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

// LoggingTelegram forwards warnings and errors to a Telegram chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StatusConfig controls the optional status/pprof HTTP server.
//
// Prefer binding to localhost (the default).
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}
