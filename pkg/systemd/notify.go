// Package systemd speaks the sd_notify protocol for Type=notify units.
// Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "serialbot/pkg/logx"
)

type Notifier struct {
	log logx.Logger

	notify          func(unsetEnv bool, state string) (bool, error)
	watchdogEnabled func(unsetEnv bool) (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:             log.With(logx.String("comp", "systemd")),
		notify:          daemon.SdNotify,
		watchdogEnabled: daemon.SdWatchdogEnabled,
	}
}

func (n *Notifier) send(state string) bool {
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready reports READY=1. It returns false when not running under systemd.
func (n *Notifier) Ready() bool {
	ok := n.send(daemon.SdNotifyReady)
	if ok {
		n.log.Debug("notified systemd: ready")
	}
	return ok
}

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) bool { return n.send("STATUS=" + s) }

// Watchdog pings WATCHDOG=1 at half the unit's WatchdogSec until ctx is
// done. It returns immediately when the watchdog is not enabled.
func (n *Notifier) Watchdog(ctx context.Context) error {
	interval, err := n.watchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		n.send(daemon.SdNotifyWatchdog)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
