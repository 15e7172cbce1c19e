package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of fired jobs. Omitted means defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Dedup     DedupConfig     `json:"dedup"`
	Collector CollectorConfig `json:"collector"`
	Sources   []SourceConfig  `json:"sources"`

	Ops    OpsConfig    `json:"ops,omitempty"`
	Notify NotifyConfig `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig points at the single SQLite database shared by the record
// store, the monitoring log and the persistent job store.
//
//	"storage": { "path": "./data/newsdesk.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls triggers. Jobs listed here are (re)applied on
// every config load; jobs added at runtime are kept in the job store when
// persist_jobs is set.
type SchedulerConfig struct {
	Enabled     bool        `json:"enabled"`
	Timezone    string      `json:"timezone,omitempty"`
	PersistJobs bool        `json:"persist_jobs,omitempty"`
	Jobs        []JobConfig `json:"jobs,omitempty"`
	// StartupSpread caps a random delay on the first fire of interval jobs.
	// Empty or 0 means interval jobs first fire at start + period.
	StartupSpread string `json:"startup_spread,omitempty"`
}

type JobConfig struct {
	ID      string            `json:"id"`
	Name    string            `json:"name,omitempty"`
	Task    string            `json:"task"`
	Trigger TriggerConfig     `json:"trigger"`
	Args    map[string]string `json:"args,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

// TriggerConfig mirrors scheduler.TriggerSpec.
//
//	{ "kind": "interval", "minutes": 30 }
//	{ "kind": "interval", "every": "90s" }
//	{ "kind": "cron", "expr": "0 */15 * * * *" }
//	{ "kind": "cron", "fields": { "hour": "6", "minute": "30" } }
//	{ "kind": "date", "at": "2026-01-02T15:04:05Z" }
type TriggerConfig struct {
	Kind string `json:"kind"`

	Every   string `json:"every,omitempty"`
	Weeks   int    `json:"weeks,omitempty"`
	Days    int    `json:"days,omitempty"`
	Hours   int    `json:"hours,omitempty"`
	Minutes int    `json:"minutes,omitempty"`
	Seconds int    `json:"seconds,omitempty"`

	Expr   string            `json:"expr,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`

	At string `json:"at,omitempty"`

	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "10m"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// DedupConfig tunes the title similarity rule. 0 means the store default.
type DedupConfig struct {
	TitleThreshold float64 `json:"title_threshold,omitempty"`
}

// CollectorConfig is shared by the feed and page collectors.
type CollectorConfig struct {
	UserAgent    string  `json:"user_agent,omitempty"`
	Timeout      string  `json:"timeout,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Burst        int     `json:"burst,omitempty"`
	MaxItems     int     `json:"max_items,omitempty"`
	IgnoreRobots bool    `json:"ignore_robots,omitempty"`
}

// SourceConfig describes one ingestion source. Kind is optional; when
// empty it is inferred from the URL.
type SourceConfig struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Category string `json:"category,omitempty"`
	Kind     string `json:"kind,omitempty"`

	// Page sources only (CSS selectors).
	ArticleSelector string `json:"article_selector,omitempty"`
	TitleSelector   string `json:"title_selector,omitempty"`
	LinkSelector    string `json:"link_selector,omitempty"`
	ContentSelector string `json:"content_selector,omitempty"`
}

// OpsConfig controls the operational HTTP listener (/healthz, /metrics and
// optionally /debug/pprof/).
//
// Prefer binding to localhost. A non-loopback address requires a token or
// an explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramNotifyConfig `json:"telegram,omitempty"`
}

// TelegramNotifyConfig sends run alerts to a chat.
type TelegramNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	// MinStatus is FAILED (default) or PARTIAL_SUCCESS.
	MinStatus  string `json:"min_status,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
}
