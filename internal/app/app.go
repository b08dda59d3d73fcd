package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"courier/internal/channel"
	"courier/internal/channel/email"
	"courier/internal/channel/telegram"
	"courier/internal/channel/webhook"
	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/eventbus"
	"courier/internal/message"
	"courier/internal/runtime/supervisor"
	"courier/internal/scheduling"
	"courier/internal/storage"
	"courier/internal/task/engine"
	"courier/internal/task/scheduler"
	"courier/internal/transport/httpapi"
	logx "courier/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	sd   *notifier

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	directory *channel.Directory
	registry  *channel.Registry
	telegram  *telegram.Dispatcher

	messages *scheduling.Service
	runner   *delivery.Runner
	metrics  *delivery.Metrics
	promReg  *prometheus.Registry

	engine *engine.Service
	sched  *scheduler.Service
	http   *httpapi.Server
}

// New loads the config and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Bootstrap with alerts off: the alert sink needs the telegram dispatcher,
	// which needs a logger.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logSvc, root := logx.New(bootCfg)
	log := root.With(logx.String("comp", "app"))

	a := &App{
		cfgm: cfgm,
		sd:   newNotifier(log.With(logx.String("comp", "systemd"))),
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
	}

	a.telegram = telegram.New(telegram.Config{}, root.With(logx.String("comp", "telegram")))
	a.registry = channel.NewRegistry()
	a.registry.Register(channel.KindEmail, email.New(root.With(logx.String("comp", "email"))))
	a.registry.Register(channel.KindTelegram, a.telegram)
	a.registry.Register(channel.KindWebhook, webhook.New(webhook.Config{}, root.With(logx.String("comp", "webhook"))))
	if err := checkChannelKinds(cfg, a.registry); err != nil {
		return nil, err
	}

	a.applyAlerts(cfg)
	logSvc.Apply(logCfg)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	a.directory = channel.NewDirectory(mapChannels(cfg))
	clock := message.SystemClock()
	a.messages = scheduling.New(a.store, a.directory, clock, root.With(logx.String("comp", "scheduling")), a.bus)

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = delivery.NewMetrics(a.promReg)

	ds, err := mapDeliveryConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.runner = delivery.NewRunner(delivery.Deps{
		Store:    a.store,
		Channels: a.directory,
		Registry: a.registry,
		Clock:    clock,
		Log:      root.With(logx.String("comp", "delivery")),
		Bus:      a.bus,
		Metrics:  a.metrics,
	}, ds.Runner)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(scheduler.Config{
		Enabled:  schedulerEnabled(cfg),
		Timezone: cfg.Scheduler.Timezone,
	}, a.engine, root.With(logx.String("comp", "scheduler")))
	if err := a.registerDeliveryJobs(ds); err != nil {
		_ = a.store.Close()
		return nil, err
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	if hc.Addr != "" {
		opt := httpapi.Options{
			Messages: a.messages,
			Ticks:    a.runner,
			Log:      root.With(logx.String("comp", "http")),
		}
		if metricsEnabled(cfg) {
			opt.Gatherer = a.promReg
		}
		a.http = httpapi.NewServer(hc, httpapi.NewRouter(opt), opt.Log)
	}

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetGate(a.validateConfig)

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	if a.http != nil {
		a.sup.GoRestart("http.server", a.http.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug only: ticks fire every interval.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)

	a.sd.Ready()
	a.log.Info("app started",
		logx.Int("channels", a.directory.Len()),
		logx.Bool("delivery", a.sched.Enabled()),
		logx.Any("jobs", a.sched.Jobs()),
		logx.Bool("http", a.http != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so background loops and the HTTP server start unwinding.
	a.sup.Cancel()

	// Triggers stop before the engine so no new tick is queued while workers drain.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	if c := a.sup.Counters(); c.Active > 0 {
		a.log.Warn("goroutines still running after stop", logx.Int64("active", c.Active), logx.Uint64("started", c.Started))
	}
	a.step(ctx, "storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		// fn must honor stepCtx; log the leak instead of waiting on it.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

// applyAlerts points the log alert sink at the configured operator chat, or clears it.
func (a *App) applyAlerts(cfg *config.Config) {
	ac := cfg.Alerts
	if ac == nil || strings.TrimSpace(ac.Token) == "" || strings.TrimSpace(ac.Chat) == "" {
		a.logs.SetAlertSender(nil)
		return
	}
	a.logs.SetAlertSender(telegram.NewAlertSender(a.telegram, strings.TrimSpace(ac.Token), strings.TrimSpace(ac.Chat)))
}

// validateConfig is the reload gate: a config that fails here is never committed.
func (a *App) validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	ds, err := mapDeliveryConfig(cfg)
	if err != nil {
		return err
	}
	if err := scheduler.Validate(ds.CleanupSchedule); err != nil {
		return fmt.Errorf("delivery.cleanup_schedule: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return checkChannelKinds(cfg, a.registry)
}
