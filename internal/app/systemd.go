package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "courier/pkg/logx"
)

// notifier reports lifecycle state to systemd. Every call is a no-op outside a
// Type=notify unit (NOTIFY_SOCKET unset).
type notifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
}

func newNotifier(log logx.Logger) *notifier {
	return &notifier{
		log: log,
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
}

func (n *notifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Watchdog pings at half the WatchdogSec interval until ctx is done.
// It returns immediately when the unit has no watchdog.
func (n *notifier) Watchdog(ctx context.Context) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
