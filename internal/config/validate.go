package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Duration parses the Go duration at path. Empty or zero yields def; a
// negative value is an error.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	case d == 0:
		return def, nil
	}
	return d, nil
}

// Validate performs the syntactic checks that do not need any runtime component.
// Cron specs and channel kinds are checked by the app before a reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	durations := map[string]string{
		"http.read_timeout":         cfg.HTTP.ReadTimeout,
		"http.write_timeout":        cfg.HTTP.WriteTimeout,
		"http.idle_timeout":         cfg.HTTP.IdleTimeout,
		"http.shutdown_timeout":     cfg.HTTP.ShutdownTimeout,
		"delivery.tick_interval":    cfg.Delivery.TickInterval,
		"delivery.dispatch_timeout": cfg.Delivery.DispatchTimeout,
		"delivery.lease.ttl":        cfg.Delivery.Lease.TTL,
	}
	if cfg.TaskEngine != nil {
		durations["task_engine.default_timeout"] = cfg.TaskEngine.DefaultTimeout
		durations["task_engine.max_queue_delay"] = cfg.TaskEngine.MaxQueueDelay
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
	}
	for path, raw := range durations {
		if _, err := Duration(path, raw, 0); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Delivery.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("delivery.batch_size must be >= 0"))
	}

	if sc := cfg.Storage; sc != nil {
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "none", "memory":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=sqlite"))
			}
		case "postgres", "pgx":
			if strings.TrimSpace(sc.DSN) == "" {
				errs = append(errs, fmt.Errorf("storage.dsn is required when storage.driver=postgres"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown storage.driver: %s", sc.Driver))
		}
	}

	seen := make(map[string]struct{}, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		id := strings.TrimSpace(ch.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("channels[%d].id is required", i))
			continue
		case strings.TrimSpace(ch.Owner) == "":
			errs = append(errs, fmt.Errorf("channels[%d].owner is required", i))
		case strings.TrimSpace(ch.Kind) == "":
			errs = append(errs, fmt.Errorf("channels[%d].kind is required", i))
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("channels[%d]: duplicate id %q", i, id))
		}
		seen[id] = struct{}{}
	}

	if cfg.Logging.Alert.Enabled && (cfg.Alerts == nil || strings.TrimSpace(cfg.Alerts.Token) == "" || strings.TrimSpace(cfg.Alerts.Chat) == "") {
		errs = append(errs, fmt.Errorf("logging.alert.enabled requires alerts.token and alerts.chat_id"))
	}

	return errors.Join(errs...)
}
