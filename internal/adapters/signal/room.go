package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/schooltrack/collabhub/internal/app"
	"github.com/schooltrack/collabhub/internal/core"
	"github.com/schooltrack/collabhub/internal/domain"
)

// handleJoin serves both join and reconnect: a reconnect arrives on a fresh
// connection and re-runs the same flow. A previously held lock is gone; the
// snapshot tells the client who holds it now.
func (ctl *Controller) handleJoin(id core.ConnID, conn core.SignalConnection, env core.Envelope) {
	res, err := ctl.Hub.Join(id, env.Room)
	switch {
	case err == nil:
	case errors.Is(err, app.ErrAlreadyJoined):
		ctl.sendError(conn, env.Room, "already_joined", "document already open in another connection")
		return
	case errors.Is(err, domain.ErrDocumentIDInvalid):
		ctl.sendError(conn, env.Room, "bad_room", "invalid document id")
		return
	default:
		log.Error().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("join failed")
		ctl.sendError(conn, env.Room, "join_failed", "could not join")
		return
	}

	ctl.sendEvent(conn, core.TypeJoined, env.Room, core.RoomStatePayload{
		Rev:     res.Rev,
		Viewers: res.Viewers,
		Lock:    res.Lock,
		History: res.History,
	})
}

// handleLeave exits the current room; the connection itself stays up.
func (ctl *Controller) handleLeave(id core.ConnID, conn core.SignalConnection) {
	ctl.Hub.Leave(id)
	ctl.sendEvent(conn, core.TypeLeft, "", nil)
}
