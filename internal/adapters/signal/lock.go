package signal

import (
	"errors"

	"github.com/schooltrack/collabhub/internal/app"
	"github.com/schooltrack/collabhub/internal/core"
)

func (ctl *Controller) handleLockAcquire(id core.ConnID, conn core.SignalConnection, env core.Envelope) {
	res, err := ctl.Hub.AcquireLock(id, env.Room)
	if err != nil {
		if errors.Is(err, app.ErrNotJoined) {
			ctl.sendError(conn, env.Room, "not_joined", "join the document first")
			return
		}
		ctl.sendError(conn, env.Room, "lock_failed", "could not acquire lock")
		return
	}
	if !res.Granted {
		// Denial is an expected outcome, not an error: the UI shows
		// "being edited by X".
		ctl.sendEvent(conn, core.TypeLockDenied, env.Room, core.LockDeniedPayload{
			Holder:     res.Lock.Holder,
			HolderName: res.Lock.HolderName,
		})
	}
	// On grant the hub broadcast lockGranted to the whole room, the
	// requester included; no direct reply needed.
}

func (ctl *Controller) handleLockRelease(id core.ConnID, conn core.SignalConnection, env core.Envelope) {
	_, err := ctl.Hub.ReleaseLock(id, env.Room)
	if err != nil {
		if errors.Is(err, app.ErrNotJoined) {
			ctl.sendError(conn, env.Room, "not_joined", "join the document first")
		}
		return
	}
	// A stale release (not the holder) is a deliberate no-op.
}
