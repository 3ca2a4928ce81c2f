// Package systemd reports service state to systemd for Type=notify units.
// Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "drawbot/pkg/logx"
)

// Ready tells systemd that startup finished. It reports whether a
// notification was actually sent.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping tells systemd that shutdown began.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status publishes a one-line status shown by systemctl status.
func Status(msg string) (bool, error) { return daemon.SdNotify(false, "STATUS="+msg) }

// Watchdog pings systemd at half of WatchdogSec until ctx ends. It returns
// at once when the unit has no watchdog configured.
func Watchdog(ctx context.Context, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
