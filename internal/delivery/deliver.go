package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"courier/internal/channel"
	"courier/internal/eventbus"
	"courier/internal/message"
	logx "courier/pkg/logx"
)

// deliver runs the per-message protocol: claim, dispatch, record outcome.
// A panic or store error here is contained to this message.
func (r *Runner) deliver(ctx context.Context, cfg Config, m *message.ScheduledMessage) (outcome string) {
	log := r.log.With(logx.String("id", m.ID), logx.String("channel", m.ChannelID))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("delivery panic", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			outcome = outcomeError
		}
	}()

	ok, err := r.store.TransitionStatus(ctx, m.ID, message.StatusPending, message.StatusProcessing, message.StatusUpdate{})
	if err != nil {
		log.Error("claim failed", logx.Err(err))
		return outcomeError
	}
	if !ok {
		log.Debug("claim lost: message no longer pending")
		return outcomeLost
	}

	kind, err := r.dispatch(ctx, cfg, m)
	if err == nil {
		now := r.clock.Now()
		if werr := r.write(ctx, m.ID, message.StatusSent, message.StatusUpdate{ExecutedAt: &now}); werr != nil {
			log.Error("record sent failed", logx.Err(werr))
			return outcomeError
		}
		r.metrics.message(kind, outcomeSent)
		log.Info("message sent", logx.String("kind", kind))
		r.emit(eventbus.TypeMessageSent, m, message.StatusSent, m.RetryCount, "")
		return outcomeSent
	}

	// A cancelled tick (shutdown, engine stop) is not a dispatch failure: put the
	// message back untouched so the restart does not spend its retry budget.
	if ctx.Err() != nil && !errors.Is(err, errDispatchTimeout) {
		if werr := r.write(ctx, m.ID, message.StatusPending, message.StatusUpdate{}); werr != nil {
			log.Error("requeue after cancel failed", logx.Err(werr))
			return outcomeError
		}
		log.Warn("dispatch interrupted; message requeued", logx.String("kind", kind), logx.Err(err))
		return outcomeRequeued
	}

	retries := m.RetryCount + 1
	next, outcome, typ := message.StatusPending, outcomeRetry, eventbus.TypeMessageRetry
	if channel.IsPermanent(err) || retries >= m.MaxRetries {
		next, outcome, typ = message.StatusFailed, outcomeFailed, eventbus.TypeMessageFailed
	}
	lastErr := err.Error()
	if werr := r.write(ctx, m.ID, next, message.StatusUpdate{RetryCount: &retries, LastError: &lastErr}); werr != nil {
		log.Error("record failure failed", logx.Err(werr), logx.String("dispatch_err", lastErr))
		return outcomeError
	}

	r.metrics.message(kind, outcome)
	log.Warn("dispatch failed",
		logx.String("kind", kind),
		logx.Err(err),
		logx.Int("retry_count", retries),
		logx.Int("max_retries", m.MaxRetries),
		logx.Bool("permanent", channel.IsPermanent(err)),
		logx.String("next", string(next)),
	)
	r.emit(typ, m, next, retries, lastErr)
	return outcome
}

// dispatch resolves the channel and calls its dispatcher under the dispatch
// timeout. A dispatcher that ignores its context is abandoned when the
// timeout fires; its late result is discarded.
func (r *Runner) dispatch(ctx context.Context, cfg Config, m *message.ScheduledMessage) (kind string, err error) {
	if r.channels == nil {
		return "", errors.New("no channel resolver")
	}
	ch, err := r.channels.Resolve(ctx, m.OwnerID, m.ChannelID)
	if err != nil {
		return "", fmt.Errorf("resolve channel: %w", err)
	}
	kind = string(ch.Kind)
	d, err := r.registry.Lookup(ch.Kind)
	if err != nil {
		return kind, err
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("dispatcher panic: %v", rec)
			}
		}()
		done <- d.Send(dctx, ch.Credentials, m.Payload())
	}()

	select {
	case err = <-done:
	case <-dctx.Done():
		err = dctx.Err()
	}
	r.metrics.dispatch(kind, time.Since(start))

	if err != nil && errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return kind, fmt.Errorf("%w after %s: %w", errDispatchTimeout, cfg.DispatchTimeout, err)
	}
	return kind, err
}

// write records an outcome. It outlives tick cancellation so a claimed
// message is not left PROCESSING by a shutdown.
func (r *Runner) write(ctx context.Context, id string, st message.Status, upd message.StatusUpdate) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return r.store.UpdateStatus(ctx, id, st, upd)
}

func (r *Runner) emit(typ string, m *message.ScheduledMessage, st message.Status, retries int, errText string) {
	eventbus.Emit(r.bus, typ, eventbus.MessageEvent{
		ID:         m.ID,
		OwnerID:    m.OwnerID,
		ChannelID:  m.ChannelID,
		Status:     string(st),
		RetryCount: retries,
		Error:      errText,
	})
}
