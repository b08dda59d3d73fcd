package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	HTTP    HTTPConfig    `json:"http"`

	// Storage selects the message store. Omitted means an in-memory store.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Scheduler controls trigger behavior (cron/interval).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of triggered tasks.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Delivery DeliveryConfig  `json:"delivery"`
	Channels []ChannelConfig `json:"channels"`

	// Alerts is the operator chat that receives WARN+ log lines when
	// logging.alert.enabled is set.
	Alerts *AlertsConfig `json:"alerts,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	// RetryMax is how many extra attempts a failed cleanup run gets. Delivery
	// ticks never retry; the next tick is their retry.
	RetryMax int `json:"retry_max,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./courier.db" }
//	"storage": { "driver": "postgres", "dsn": "${COURIER_PG_DSN}" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres pool size
}

// HTTPConfig controls the API listener. An empty addr disables it.
type HTTPConfig struct {
	Addr            string `json:"addr"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	Metrics         *bool  `json:"metrics,omitempty"` // default true
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// AlertsConfig names the Telegram chat used as the alert sink.
type AlertsConfig struct {
	Token string `json:"token"`   // bot token (do not log)
	Chat  string `json:"chat_id"` // "-100123" or "-100123:7"
}

// SchedulerConfig controls the scheduler (trigger) service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`
}

// DeliveryConfig controls the delivery cycle runner and its triggers.
//
// Defaults:
//   - tick_interval: "1m"
//   - batch_size: 10
//   - dispatch_timeout: "30s"
//   - cleanup_schedule: "@daily"
//   - lease.ttl: "5m"
type DeliveryConfig struct {
	Enabled         *bool       `json:"enabled,omitempty"`
	TickInterval    string      `json:"tick_interval,omitempty"`
	BatchSize       int         `json:"batch_size,omitempty"`
	DispatchTimeout string      `json:"dispatch_timeout,omitempty"`
	CleanupSchedule string      `json:"cleanup_schedule,omitempty"`
	Lease           LeaseConfig `json:"lease"`
}

// LeaseConfig enables the store-backed tick lease for multi-process deployments.
type LeaseConfig struct {
	Enabled bool   `json:"enabled"`
	TTL     string `json:"ttl,omitempty"`
}

// ChannelConfig declares one delivery channel owned by one user.
// Credentials are opaque to the core and interpreted by the dispatcher of Kind.
type ChannelConfig struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	Kind        string            `json:"kind"`
	Name        string            `json:"name,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
}
