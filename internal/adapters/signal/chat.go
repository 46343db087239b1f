package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/schooltrack/collabhub/internal/app"
	"github.com/schooltrack/collabhub/internal/core"
	"github.com/schooltrack/collabhub/internal/domain"
)

type chatPayload struct {
	Text string `json:"text" validate:"required,max=2000"`
}

func (ctl *Controller) handleChat(id core.ConnID, user *domain.User, conn core.SignalConnection, env core.Envelope) {
	var p chatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("bad chat payload")
		ctl.sendError(conn, env.Room, "bad_payload", "chat payload invalid")
		return
	}
	if err := ctl.validate.Struct(p); err != nil {
		ctl.sendError(conn, env.Room, "bad_payload", "chat payload invalid")
		return
	}
	if !ctl.limiter.Allow(user.ID) {
		ctl.sendError(conn, env.Room, "rate_limited", "slow down")
		return
	}

	if _, err := ctl.Hub.Chat(id, env.Room, p.Text); err != nil {
		if errors.Is(err, app.ErrNotJoined) {
			ctl.sendError(conn, env.Room, "not_joined", "join the document first")
			return
		}
		ctl.sendError(conn, env.Room, "chat_failed", "could not send")
	}
	// The sender receives its own message through the room broadcast,
	// sequence number included.
}

func (ctl *Controller) handleTyping(id core.ConnID, conn core.SignalConnection, env core.Envelope, start bool) {
	var err error
	if start {
		err = ctl.Hub.StartTyping(id, env.Room)
	} else {
		err = ctl.Hub.StopTyping(id, env.Room)
	}
	if errors.Is(err, app.ErrNotJoined) {
		ctl.sendError(conn, env.Room, "not_joined", "join the document first")
	}
}
