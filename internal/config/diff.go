package config

import (
	"reflect"
	"slices"
	"strings"

	logx "jobmaster/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (telegram token, DSNs) are reported
// only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.catchup_limit", newCfg.Scheduler.CatchupLimit),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.String("jobs.abort_grace", newCfg.Jobs.AbortGrace))
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs, logx.String("worker.driver", newCfg.Worker.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		local := newCfg.Monitor.Local != nil && newCfg.Monitor.Local.Enabled
		attrs = append(attrs, logx.Bool("monitor.local_probe", local))
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		n := NotifyConfig{}
		if newCfg.Notify != nil {
			n = *newCfg.Notify
		}
		attrs = append(attrs,
			logx.Bool("notify.enabled", n.Enabled),
			logx.Int("notify.workers", n.Workers),
			logx.Bool("notify.telegram_set", n.Telegram != nil && strings.TrimSpace(n.Telegram.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := "none"
		if newCfg.Storage != nil && newCfg.Storage.Driver != "" {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if !slices.EqualFunc(oldCfg.Plugins, newCfg.Plugins, func(a, b PluginConfig) bool {
		return reflect.DeepEqual(a, b)
	}) {
		changed = append(changed, "plugins")
		attrs = append(attrs, logx.Int("plugins.count", len(newCfg.Plugins)))
	}

	if !reflect.DeepEqual(oldCfg.Catalog(), newCfg.Catalog()) {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.Int("catalog.servers", len(newCfg.Servers)),
			logx.Int("catalog.groups", len(newCfg.Groups)),
			logx.Int("catalog.categories", len(newCfg.Categories)),
			logx.Int("catalog.events", len(newCfg.Events)),
		)
	}

	return changed, attrs
}

// StorageChanged reports whether the storage backend must be reopened.
func StorageChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return oldCfg != newCfg
	}
	return !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage)
}
