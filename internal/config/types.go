// Package config loads the taskd configuration file (JSON or YAML) and
// watches it for changes.
package config

// Config is the root of the configuration file. Durations are Go duration
// strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	API       APIConfig       `json:"api"`
	Alert     AlertConfig     `json:"alert"`

	// Tasks are created on start when no definition with the same name
	// exists. Existing definitions are never overwritten.
	Tasks []TaskSeed `json:"tasks,omitempty"`
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

// SchedulerConfig controls the task scheduler.
//
// Enabled is a pointer so an omitted key defaults to true.
type SchedulerConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	StartupDelay string `json:"startup_delay,omitempty"` // default "60s"
	Timezone     string `json:"timezone,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
	StopTimeout  string `json:"stop_timeout,omitempty"` // default "30s"

	// DisabledTypes are task types that may not run. Changing the list at
	// runtime suspends and resumes the scheduler.
	DisabledTypes []string `json:"disabled_types,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// StorageConfig selects the definition store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/taskd.db" }
type StorageConfig struct {
	Driver      string             `json:"driver"` // memory|file|sqlite|postgres|redis
	Path        string             `json:"path,omitempty"`
	DSN         string             `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string             `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisStorageConfig `json:"redis"`
}

type RedisStorageConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// APIConfig controls the admin HTTP API. Requests must carry APIKey in the
// X-API-Key header.
type APIConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	APIKey       string `json:"api_key,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Pprof serves /debug/pprof behind the same key.
	Pprof bool `json:"pprof,omitempty"`
}

type AlertConfig struct {
	Telegram TelegramAlertConfig `json:"telegram"`
}

type TelegramAlertConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	ThreadID    int    `json:"thread_id,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
}

// TaskSeed is a definition declared in the config file. StartTime is
// RFC 3339; RepeatInterval is a Go duration or a plain number of seconds.
type TaskSeed struct {
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Description    string            `json:"description,omitempty"`
	StartTime      string            `json:"start_time,omitempty"`
	RepeatInterval string            `json:"repeat_interval,omitempty"`
	StartOnStartup bool              `json:"start_on_startup,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
}
