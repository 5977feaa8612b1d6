package core

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"auditsched/pkg/logx"
)

// sdNotify sends a systemd readiness/state message. Outside a systemd unit
// (NOTIFY_SOCKET unset) this is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}
