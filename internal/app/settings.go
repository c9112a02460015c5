package app

import (
	"fmt"
	"strings"
	"time"

	"jobmaster/internal/catalog"
	"jobmaster/internal/config"
	"jobmaster/internal/jobs"
	"jobmaster/internal/notify"
	"jobmaster/internal/plugin"
	"jobmaster/internal/scheduler"
	"jobmaster/internal/storage"
	"jobmaster/internal/worker"
	logx "jobmaster/pkg/logx"
)

// settings is a config file mapped onto component configs. Building it is the
// validation step for both startup and hot reload.
type settings struct {
	logging   logx.Config
	scheduler scheduler.Config
	jobs      jobs.Config
	worker    worker.Config
	storage   storage.Config
	notify    notify.Config
	telegram  notify.TelegramConfig
	plugins   []plugin.ExecConfig

	staleAfter time.Duration
	probe      probeSettings
}

type probeSettings struct {
	enabled  bool
	serverID string
	every    time.Duration
}

func mapSettings(cfg *config.Config) (settings, error) {
	var s settings
	if cfg == nil {
		return s, fmt.Errorf("config is nil")
	}
	var err error

	s.logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}

	if s.scheduler, err = mapScheduler(cfg.Scheduler); err != nil {
		return s, err
	}
	if s.jobs, err = mapJobs(cfg.Jobs); err != nil {
		return s, err
	}
	if s.worker, err = mapWorker(cfg.Worker); err != nil {
		return s, err
	}
	if s.storage, err = mapStorage(cfg.Storage); err != nil {
		return s, err
	}
	if s.notify, s.telegram, err = mapNotify(cfg.Notify); err != nil {
		return s, err
	}
	if s.plugins, err = mapPlugins(cfg.Plugins); err != nil {
		return s, err
	}

	if s.staleAfter, err = config.ParseDurationField("monitor.stale_after", cfg.Monitor.StaleAfter); err != nil {
		return s, err
	}
	if lp := cfg.Monitor.Local; lp != nil && lp.Enabled {
		if strings.TrimSpace(lp.ServerID) == "" {
			return s, fmt.Errorf("monitor.local.server_id is required when the local probe is enabled")
		}
		every, err := config.ParseDurationOrDefault("monitor.local.every", lp.Every, 10*time.Second)
		if err != nil {
			return s, err
		}
		s.probe = probeSettings{enabled: true, serverID: strings.TrimSpace(lp.ServerID), every: every}
	}
	return s, nil
}

func mapScheduler(c config.SchedulerConfig) (scheduler.Config, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if c.CatchupLimit < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.catchup_limit must be >= 0")
	}
	save, err := config.ParseDurationOrDefault("scheduler.save_timeout", c.SaveTimeout, 5*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	budget, err := config.ParseDurationOrDefault("scheduler.plugin_budget", c.PluginBudget, scheduler.DefaultPluginBudget)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      c.Enabled,
		Timezone:     tz,
		CatchupLimit: c.CatchupLimit,
		SaveTimeout:  save,
		PluginBudget: budget,
	}, nil
}

func mapJobs(c config.JobsConfig) (jobs.Config, error) {
	grace, err := config.ParseDurationField("jobs.abort_grace", c.AbortGrace)
	if err != nil {
		return jobs.Config{}, err
	}
	watch, err := config.ParseDurationField("jobs.watch_interval", c.WatchInterval)
	if err != nil {
		return jobs.Config{}, err
	}
	archive, err := config.ParseDurationField("jobs.archive_timeout", c.ArchiveTimeout)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{AbortGrace: grace, WatchInterval: watch, ArchiveTimeout: archive}, nil
}

func mapWorker(c config.WorkerConfig) (worker.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	switch driver {
	case "", worker.DriverExec, worker.DriverSystemd:
	default:
		return worker.Config{}, fmt.Errorf("worker.driver: unknown driver %q", c.Driver)
	}
	sample, err := config.ParseDurationField("worker.sample_every", c.SampleEvery)
	if err != nil {
		return worker.Config{}, err
	}
	kill, err := config.ParseDurationField("worker.kill_after", c.KillAfter)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		Driver:      driver,
		LogDir:      strings.TrimSpace(c.LogDir),
		SampleEvery: sample,
		KillAfter:   kill,
		UnitPrefix:  strings.TrimSpace(c.UnitPrefix),
	}, nil
}

// mapStorage returns a zero Config (driver "") when storage is off.
func mapStorage(c *config.StorageConfig) (storage.Config, error) {
	if c == nil {
		return storage.Config{}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, nil
	}
	sc := storage.Config{
		Driver:     driver,
		Path:       strings.TrimSpace(c.Path),
		DSN:        strings.TrimSpace(c.DSN),
		KeyPrefix:  c.KeyPrefix,
		ArchiveMax: c.ArchiveMax,
	}
	var err error
	switch driver {
	case "file":
	case "sqlite", "sqlite3":
		if sc.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		if sc.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, time.Second); err != nil {
			return storage.Config{}, err
		}
	case "postgres", "postgresql", "pgx", "redis":
		if sc.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", c.Driver)
	}
	if c.ArchiveMax < 0 {
		return storage.Config{}, fmt.Errorf("storage.archive_max must be >= 0")
	}
	if sc.ArchiveRetention, err = config.ParseDurationField("storage.archive_retention", c.ArchiveRetention); err != nil {
		return storage.Config{}, err
	}
	return sc, nil
}

func mapNotify(c *config.NotifyConfig) (notify.Config, notify.TelegramConfig, error) {
	if c == nil {
		return notify.Config{}, notify.TelegramConfig{}, nil
	}
	if c.Workers < 0 || c.QueueSize < 0 || c.RatePerSec < 0 || c.RetryMax < 0 {
		return notify.Config{}, notify.TelegramConfig{}, fmt.Errorf("notify: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	nc := notify.Config{
		Enabled:      c.Enabled,
		Workers:      c.Workers,
		QueueSize:    c.QueueSize,
		RatePerSec:   c.RatePerSec,
		RetryMax:     c.RetryMax,
		AlertChannel: strings.TrimSpace(c.AlertChannel),
		AlertTarget:  strings.TrimSpace(c.AlertTarget),
	}
	var err error
	if nc.RetryBase, err = config.ParseDurationField("notify.retry_base", c.RetryBase); err != nil {
		return notify.Config{}, notify.TelegramConfig{}, err
	}
	if nc.RetryMaxDelay, err = config.ParseDurationField("notify.retry_max_delay", c.RetryMaxDelay); err != nil {
		return notify.Config{}, notify.TelegramConfig{}, err
	}
	if nc.DedupWindow, err = config.ParseDurationField("notify.dedup_window", c.DedupWindow); err != nil {
		return notify.Config{}, notify.TelegramConfig{}, err
	}
	switch nc.AlertChannel {
	case "", notify.ChannelLog:
	case notify.ChannelTelegram:
		if _, _, err := notify.ParseTarget(nc.AlertTarget); err != nil {
			return notify.Config{}, notify.TelegramConfig{}, fmt.Errorf("notify.alert_target: %w", err)
		}
	default:
		return notify.Config{}, notify.TelegramConfig{}, fmt.Errorf("notify.alert_channel: unknown channel %q", nc.AlertChannel)
	}

	var tc notify.TelegramConfig
	if c.Telegram != nil {
		tc = notify.TelegramConfig{Token: strings.TrimSpace(c.Telegram.Token), APIURL: strings.TrimSpace(c.Telegram.APIURL)}
	}
	if nc.AlertChannel == notify.ChannelTelegram && tc.Token == "" {
		return notify.Config{}, notify.TelegramConfig{}, fmt.Errorf("notify.telegram.token is required for telegram alerts")
	}
	return nc, tc, nil
}

func mapPlugins(in []config.PluginConfig) ([]plugin.ExecConfig, error) {
	out := make([]plugin.ExecConfig, 0, len(in))
	seen := map[string]bool{}
	for i, p := range in {
		path := fmt.Sprintf("plugins[%d]", i)
		id := strings.TrimSpace(p.ID)
		if id == "" || strings.TrimSpace(p.Command) == "" {
			return nil, fmt.Errorf("%s: id and command are required", path)
		}
		if seen[id] {
			return nil, fmt.Errorf("%s: duplicate plugin id %q", path, id)
		}
		seen[id] = true
		timeout, err := config.ParseDurationField(path+".timeout", p.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, plugin.ExecConfig{ID: id, Command: p.Command, Args: p.Args, Timeout: timeout})
	}
	return out, nil
}

// compileCatalog validates the catalog against the plugins the config declares.
func compileCatalog(cfg *config.Config, plugins []plugin.ExecConfig) (*catalog.Catalog, error) {
	reg := plugin.NewRegistry()
	if err := reg.Apply(plugins); err != nil {
		return nil, err
	}
	return catalog.Compile(cfg.Catalog(), reg.Known)
}

// Validate checks a config without starting anything.
func Validate(cfg *config.Config) error {
	s, err := mapSettings(cfg)
	if err != nil {
		return err
	}
	_, err = compileCatalog(cfg, s.plugins)
	return err
}
