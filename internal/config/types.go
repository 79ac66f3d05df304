package config

// Config is the daemon configuration file (JSON, or YAML by extension).
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	Transport  TransportConfig   `json:"transport"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	API        APIConfig         `json:"api"`
	Engage     EngageConfig      `json:"engage"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls cron triggering. Changing timezone re-registers
// every engage schedule.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the workers that run schedule firings.
//
// Enabled is a pointer so an omitted value follows scheduler.enabled.
//
// Defaults: workers 2, queue_size 256, history_size 200, retry_max 0.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls delivery. An omitted section means enabled with
// defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// TransportConfig picks the delivery channel: "telegram" or "console".
// An empty driver means telegram when a token is set, console otherwise.
type TransportConfig struct {
	Driver  string `json:"driver,omitempty"`
	Token   string `json:"token,omitempty"`
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	// ParseMode applies to every engage message ("HTML", "MarkdownV2", or "").
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

// StorageConfig selects the message store.
//
//	"storage": { "driver": "sqlite", "path": "./data/engaged.sqlite" }
//	"storage": { "driver": "mongo", "uri": "mongodb://localhost:27017", "database": "crm" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URI         string `json:"uri,omitempty"`
	Database    string `json:"database,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// APIConfig controls the admin HTTP server.
//
// Binding to a non-loopback address requires a token or allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:8088"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// EngageConfig tunes how schedule firings are run and delivered.
type EngageConfig struct {
	// FireTimeout bounds one firing (enqueue into the notifier).
	FireTimeout string `json:"fire_timeout,omitempty"`
	// DefaultChatID is used for messages without a target chat.
	DefaultChatID int64 `json:"default_chat_id,omitempty"`
	// DedupPerMinute suppresses a second delivery of the same message within
	// the same minute (duplicate firing after a restart or reload).
	DedupPerMinute bool `json:"dedup_per_minute,omitempty"`
}
