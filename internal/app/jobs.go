package app

import (
	"context"

	"courier/internal/task/engine"
	"courier/internal/task/scheduler"
	logx "courier/pkg/logx"
)

// registerDeliveryJobs upserts (or removes, when delivery is disabled) the tick and cleanup triggers.
func (a *App) registerDeliveryJobs(ds deliverySettings) error {
	if !ds.Enabled {
		a.sched.Remove(tickTaskName)
		a.sched.Remove(cleanupTaskName)
		return nil
	}
	err := a.sched.Register(scheduler.Job{
		Name:      tickTaskName,
		Every:     ds.TickInterval,
		Timeout:   ds.tickTimeout(),
		Run:       a.tickJob,
		Exclusive: true,
	})
	if err != nil {
		return err
	}
	return a.sched.Register(scheduler.Job{
		Name:      cleanupTaskName,
		Schedule:  ds.CleanupSchedule,
		Timeout:   cleanupTimeout,
		Run:       a.cleanupJob,
		Exclusive: true,
	})
}

// tickJob runs one delivery cycle. The next interval is the retry, so engine retries are off.
func (a *App) tickJob(ctx context.Context) error {
	if _, err := a.runner.Tick(ctx); err != nil {
		return engine.NoRetry(err)
	}
	return nil
}

func (a *App) cleanupJob(ctx context.Context) error {
	n, err := a.messages.Cleanup(ctx)
	if err != nil {
		return err
	}
	a.metrics.ObserveCleanup(n)
	if n > 0 {
		a.log.Info("cleanup removed terminal messages", logx.Int64("deleted", n))
	}
	return nil
}
