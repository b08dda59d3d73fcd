package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"courier/internal/config"
	"courier/internal/task/scheduler"
	logx "courier/pkg/logx"
)

// reloadLoop applies every committed config until ctx is done.
func (a *App) reloadLoop(c context.Context, sub <-chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedChannels := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range []string{"storage", "http"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	// Alert sink first so Apply doesn't warn about a missing sender.
	a.applyAlerts(newCfg)
	a.logs.Apply(mapLoggingConfig(newCfg))

	if len(changedChannels) > 0 {
		a.directory.Replace(mapChannels(newCfg))
		a.log.Info("channels updated", logx.Any("ids", changedChannels), logx.Int("count", a.directory.Len()))
	}

	prevSchedEnabled := a.sched.Enabled()

	// Engine Apply starts or stops the worker pool itself.
	engCfg, err := mapTaskEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, engCfg)
	}
	a.sched.Apply(scheduler.Config{
		Enabled:  schedulerEnabled(newCfg),
		Timezone: newCfg.Scheduler.Timezone,
	})

	ds, err := mapDeliveryConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.runner.Apply(ds.Runner)
		if err := a.registerDeliveryJobs(ds); err != nil {
			a.log.Warn("delivery schedule update failed", logx.Err(err))
		}
	}

	newSchedEnabled := a.sched.Enabled()
	if prevSchedEnabled && !newSchedEnabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if !prevSchedEnabled && newSchedEnabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	a.log.Info("config reloaded", fields...)
}
