package app

import (
	"fmt"
	"strings"
	"time"

	"courier/internal/channel"
	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/storage"
	"courier/internal/task/engine"
	"courier/internal/transport/httpapi"
	logx "courier/pkg/logx"
)

const (
	defaultTickInterval    = time.Minute
	defaultCleanupSchedule = "@daily"
	cleanupTimeout         = 5 * time.Minute

	tickTaskName    = "delivery.tick"
	cleanupTaskName = "delivery.cleanup"
)

// deliverySettings is the effective delivery section after defaults.
type deliverySettings struct {
	Enabled         bool
	TickInterval    time.Duration
	CleanupSchedule string
	Runner          delivery.Config
}

// tickTimeout bounds one tick task: a full sequential batch of dispatches plus slack for the store.
func (d deliverySettings) tickTimeout() time.Duration {
	return time.Duration(d.Runner.BatchSize)*d.Runner.DispatchTimeout + time.Minute
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres", "pgx":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
		}
		return storage.Config{Driver: driver, DSN: dsn, MaxConns: int32(sc.MaxConns)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func deliveryEnabled(cfg *config.Config) bool {
	if cfg.Delivery.Enabled == nil {
		return true
	}
	return *cfg.Delivery.Enabled
}

// schedulerEnabled is on whenever delivery needs triggers, even if scheduler.enabled is unset.
func schedulerEnabled(cfg *config.Config) bool {
	return cfg.Scheduler.Enabled || deliveryEnabled(cfg)
}

func mapDeliveryConfig(cfg *config.Config) (deliverySettings, error) {
	dc := cfg.Delivery
	every, err := config.Duration("delivery.tick_interval", dc.TickInterval, defaultTickInterval)
	if err != nil {
		return deliverySettings{}, err
	}
	dispatch, err := config.Duration("delivery.dispatch_timeout", dc.DispatchTimeout, 0)
	if err != nil {
		return deliverySettings{}, err
	}
	ttl, err := config.Duration("delivery.lease.ttl", dc.Lease.TTL, 0)
	if err != nil {
		return deliverySettings{}, err
	}
	if dc.BatchSize < 0 {
		return deliverySettings{}, fmt.Errorf("delivery.batch_size must be >= 0")
	}
	cleanup := strings.TrimSpace(dc.CleanupSchedule)
	if cleanup == "" {
		cleanup = defaultCleanupSchedule
	}

	rc := delivery.Config{
		BatchSize:       dc.BatchSize,
		DispatchTimeout: dispatch,
		Lease: delivery.LeaseConfig{
			Enabled: dc.Lease.Enabled,
			TTL:     ttl,
		},
	}
	if rc.BatchSize == 0 {
		rc.BatchSize = delivery.DefaultBatchSize
	}
	if rc.DispatchTimeout == 0 {
		rc.DispatchTimeout = delivery.DefaultDispatchTimeout
	}
	if floor := delivery.MinLeaseTTL(rc.DispatchTimeout); rc.Lease.Enabled && ttl > 0 && ttl < floor {
		return deliverySettings{}, fmt.Errorf("delivery.lease.ttl must be >= %s with dispatch_timeout %s", floor, rc.DispatchTimeout)
	}
	return deliverySettings{
		Enabled:         deliveryEnabled(cfg),
		TickInterval:    every,
		CleanupSchedule: cleanup,
		Runner:          rc,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := schedulerEnabled(cfg)
	workers := 2
	queueSize := 256
	retryMax := 3
	defTimeoutStr := ""
	maxQueueDelayStr := ""

	if te := cfg.TaskEngine; te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		if te.Workers < 0 || te.QueueSize < 0 || te.RetryMax < 0 {
			return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size and retry_max must be >= 0")
		}
		if te.Workers != 0 {
			workers = te.Workers
		}
		if te.QueueSize != 0 {
			queueSize = te.QueueSize
		}
		if te.RetryMax != 0 {
			retryMax = te.RetryMax
		}
		defTimeoutStr = te.DefaultTimeout
		maxQueueDelayStr = te.MaxQueueDelay

		if schedulerEnabled(cfg) && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while the scheduler or delivery is enabled")
		}
	}

	defTimeout, err := config.Duration("task_engine.default_timeout", defTimeoutStr, 0)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.Duration("task_engine.max_queue_delay", maxQueueDelayStr, 0)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		RetryMax:       retryMax,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	hc := cfg.HTTP
	out := httpapi.ServerConfig{Addr: strings.TrimSpace(hc.Addr)}
	var err error
	if out.ReadTimeout, err = config.Duration("http.read_timeout", hc.ReadTimeout, 0); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.Duration("http.write_timeout", hc.WriteTimeout, 0); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.Duration("http.idle_timeout", hc.IdleTimeout, 0); err != nil {
		return out, err
	}
	if out.ShutdownTimeout, err = config.Duration("http.shutdown_timeout", hc.ShutdownTimeout, 0); err != nil {
		return out, err
	}
	return out, nil
}

func metricsEnabled(cfg *config.Config) bool {
	return cfg.HTTP.Metrics == nil || *cfg.HTTP.Metrics
}

func mapChannels(cfg *config.Config) []channel.Channel {
	out := make([]channel.Channel, 0, len(cfg.Channels))
	for _, c := range cfg.Channels {
		out = append(out, channel.Channel{
			ID:          strings.TrimSpace(c.ID),
			OwnerID:     strings.TrimSpace(c.Owner),
			Kind:        channel.ParseKind(c.Kind),
			Name:        c.Name,
			Credentials: channel.Credentials(c.Credentials),
		})
	}
	return out
}

// checkChannelKinds rejects channels no registered dispatcher can serve.
func checkChannelKinds(cfg *config.Config, reg *channel.Registry) error {
	for i, c := range cfg.Channels {
		if k := channel.ParseKind(c.Kind); !reg.Has(k) {
			return fmt.Errorf("channels[%d].kind: %w: %q", i, channel.ErrUnknownKind, c.Kind)
		}
	}
	return nil
}
