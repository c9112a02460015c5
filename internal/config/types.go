package config

import (
	"jobmaster/internal/catalog"
)

// Config is the whole configuration file. The catalog (servers, groups,
// categories, events) lives next to the runtime sections so one reload
// updates both.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Jobs      JobsConfig      `json:"jobs"`
	Worker    WorkerConfig    `json:"worker"`
	Monitor   MonitorConfig   `json:"monitor"`
	Notify    *NotifyConfig   `json:"notify,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Plugins   []PluginConfig  `json:"plugins,omitempty"`

	Servers    []catalog.Server   `json:"servers,omitempty"`
	Groups     []catalog.Group    `json:"groups,omitempty"`
	Categories []catalog.Category `json:"categories,omitempty"`
	Events     []catalog.Event    `json:"events,omitempty"`
}

// Catalog returns the catalog definition part of the config.
func (c *Config) Catalog() catalog.Definition {
	if c == nil {
		return catalog.Definition{}
	}
	return catalog.Definition{Servers: c.Servers, Groups: c.Groups, Categories: c.Categories, Events: c.Events}
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alerts  LoggingAlert `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ records to notify.alert_channel.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the minute tick.
//
// Defaults: timezone UTC, catchup_limit 10000, save_timeout "5s", plugin_budget "10s".
// plugin_budget bounds how long one tick spends on a single event with plugin rules;
// the rest of its catch-up window moves to the next tick.
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	Timezone     string `json:"timezone,omitempty"`
	CatchupLimit int    `json:"catchup_limit,omitempty"`
	SaveTimeout  string `json:"save_timeout,omitempty"`
	PluginBudget string `json:"plugin_budget,omitempty"`
}

// JobsConfig controls the job lifecycle manager.
//
// Defaults: abort_grace "30s", watch_interval "1s", archive_timeout "5s".
type JobsConfig struct {
	AbortGrace     string `json:"abort_grace,omitempty"`
	WatchInterval  string `json:"watch_interval,omitempty"`
	ArchiveTimeout string `json:"archive_timeout,omitempty"`
}

// WorkerConfig selects how jobs run: "exec" (default) or "systemd".
type WorkerConfig struct {
	Driver      string `json:"driver,omitempty"`
	LogDir      string `json:"log_dir,omitempty"`
	SampleEvery string `json:"sample_every,omitempty"`
	KillAfter   string `json:"kill_after,omitempty"`
	UnitPrefix  string `json:"unit_prefix,omitempty"`
}

type MonitorConfig struct {
	// StaleAfter marks a server offline when no stats arrived for this long. Default "90s".
	StaleAfter string             `json:"stale_after,omitempty"`
	Local      *LocalProbeConfig `json:"local,omitempty"`
}

// LocalProbeConfig reports this host's cpu and memory as ServerID.
type LocalProbeConfig struct {
	Enabled  bool   `json:"enabled"`
	ServerID string `json:"server_id"`
	Every    string `json:"every,omitempty"`
}

// NotifyConfig controls the action delivery pipeline.
// If the whole section is omitted, notify stays disabled.
type NotifyConfig struct {
	Enabled       bool            `json:"enabled"`
	Workers       int             `json:"workers,omitempty"`
	QueueSize     int             `json:"queue_size,omitempty"`
	RatePerSec    int             `json:"rate_per_sec,omitempty"`
	RetryMax      int             `json:"retry_max,omitempty"`
	RetryBase     string          `json:"retry_base,omitempty"`
	RetryMaxDelay string          `json:"retry_max_delay,omitempty"`
	DedupWindow   string          `json:"dedup_window,omitempty"`
	AlertChannel  string          `json:"alert_channel,omitempty"`
	AlertTarget   string          `json:"alert_target,omitempty"`
	Telegram      *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty"`
}

// StorageConfig controls persistence of event state and the job archive.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/jobmaster" }
type StorageConfig struct {
	Driver           string `json:"driver"`
	Path             string `json:"path,omitempty"`
	DSN              string `json:"dsn,omitempty"`
	BusyTimeout      string `json:"busy_timeout,omitempty"` // sqlite
	KeyPrefix        string `json:"key_prefix,omitempty"`   // redis
	ArchiveMax       int    `json:"archive_max,omitempty"`  // redis
	ArchiveRetention string `json:"archive_retention,omitempty"`
}

// PluginConfig declares an external scheduler plugin.
type PluginConfig struct {
	ID      string   `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}
