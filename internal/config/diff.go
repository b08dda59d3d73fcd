package config

import (
	"reflect"
	"sort"
	"strings"

	logx "courier/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens,
// passwords or DSNs), and (3) the ids of channels that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	// Alerts (never log token)
	oA, nA := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	if oA != nA {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.token_set", strings.TrimSpace(nA.Token) != ""),
			logx.String("alerts.chat_id", strings.TrimSpace(nA.Chat)),
		)
	}

	// HTTP (listener changes require a restart)
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.addr_changed", strings.TrimSpace(oldCfg.HTTP.Addr) != strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	// Scheduler (triggers)
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Task engine (executor)
	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	oPresent := oldCfg.TaskEngine != nil
	nPresent := newCfg.TaskEngine != nil
	if oPresent != nPresent || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")

		enabledEffective := newCfg.Scheduler.Enabled
		enabledSet := false
		if newCfg.TaskEngine != nil && newCfg.TaskEngine.Enabled != nil {
			enabledSet = true
			enabledEffective = *newCfg.TaskEngine.Enabled
		}

		attrs = append(attrs,
			logx.Bool("task_engine.present", nPresent),
			logx.Bool("task_engine.enabled", enabledEffective),
			logx.Bool("task_engine.enabled_set", enabledSet),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(nTE.MaxQueueDelay)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	// Delivery runner
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		enabled := true
		if newCfg.Delivery.Enabled != nil {
			enabled = *newCfg.Delivery.Enabled
		}
		attrs = append(attrs,
			logx.Bool("delivery.enabled", enabled),
			logx.String("delivery.tick_interval", strings.TrimSpace(newCfg.Delivery.TickInterval)),
			logx.Int("delivery.batch_size", newCfg.Delivery.BatchSize),
			logx.String("delivery.dispatch_timeout", strings.TrimSpace(newCfg.Delivery.DispatchTimeout)),
			logx.String("delivery.cleanup_schedule", strings.TrimSpace(newCfg.Delivery.CleanupSchedule)),
			logx.Bool("delivery.lease", newCfg.Delivery.Lease.Enabled),
		)
	}

	// Storage (persistence, restart required). Nil means in-memory.
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// Channels (summarize only; ids are returned separately)
	channelChanged := diffChannels(oldCfg.Channels, newCfg.Channels)
	if len(channelChanged) > 0 {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Int("channels.changed_count", len(channelChanged)),
			logx.Int("channels.count", len(newCfg.Channels)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, channelChanged
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefStorage(sc *StorageConfig) StorageConfig {
	if sc == nil {
		return StorageConfig{}
	}
	return *sc
}

func derefAlerts(ac *AlertsConfig) AlertsConfig {
	if ac == nil {
		return AlertsConfig{}
	}
	return *ac
}

func diffChannels(oldL, newL []ChannelConfig) []string {
	oldM := make(map[string]ChannelConfig, len(oldL))
	for _, c := range oldL {
		oldM[strings.TrimSpace(c.ID)] = c
	}
	newM := make(map[string]ChannelConfig, len(newL))
	for _, c := range newL {
		newM[strings.TrimSpace(c.ID)] = c
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, inOld := oldM[id]
		n, inNew := newM[id]
		if inOld != inNew || fingerprint(o) != fingerprint(n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
