// Package systemd reports service state to the systemd manager over the
// notify socket. Every call is a no-op when not run under systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "cadence/pkg/logx"
)

func Ready(log logx.Logger) {
	notify(log, daemon.SdNotifyReady)
}

func Stopping(log logx.Logger) {
	notify(log, daemon.SdNotifyStopping)
}

func Status(log logx.Logger, status string) {
	notify(log, "STATUS="+status)
}

// Watchdog pings the systemd watchdog at half the configured interval until
// ctx is canceled. It returns immediately when the watchdog is disabled.
func Watchdog(ctx context.Context, log logx.Logger, healthy func(context.Context) error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil {
				if err := healthy(ctx); err != nil {
					log.Warn("watchdog ping skipped: unhealthy", logx.Err(err))
					continue
				}
			}
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}
