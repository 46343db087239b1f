package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/schooltrack/collabhub/internal/core"
	"github.com/schooltrack/collabhub/internal/domain"
)

const writeWait = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, c *WsConn) {
	pinger := time.NewTicker(ctl.Cfg.PingPeriod)
	defer pinger.Stop()
	for {
		select {
		case <-ctx.Done():
			// Frames enqueued before the cancel carry the disconnect
			// reason; flush them before tearing the socket down. Closing
			// here also unblocks the read pump's pending ReadMessage.
			ctl.drainAndClose(c)
			return
		case <-pinger.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) drainAndClose(c *WsConn) {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		default:
			c.Close()
			return
		}
	}
}

// readPump owns the connection's lifetime: when it exits, for any reason, the
// hub tears the connection down and the room forgets it. That single cleanup
// path is what keeps locks and presence from leaking.
func (ctl *Controller) readPump(ctx context.Context, id core.ConnID, user *domain.User, c *WsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump closing")
		ctl.Hub.Disconnect(id, "")
		c.Close()
	}()

	pongWait := ctl.Cfg.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			// On cancel the write pump closes the socket, which fails this
			// read immediately instead of waiting out the read deadline.
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read error")
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.Hub.Touch(id)
			ctl.handleMessage(id, user, c, data)
		}
	}
}

// handleMessage dispatches one inbound envelope. A malformed message is
// dropped and logged; the connection stays up.
func (ctl *Controller) handleMessage(id core.ConnID, user *domain.User, conn core.SignalConnection, data []byte) {
	env, err := core.DecodeEnvelope(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("malformed message")
		ctl.sendError(conn, "", "malformed", "message dropped")
		return
	}

	switch env.Type {
	case core.TypeJoin, core.TypeReconnect:
		ctl.handleJoin(id, conn, env)
	case core.TypeLeave:
		ctl.handleLeave(id, conn)
	case core.TypeLockAcquire:
		ctl.handleLockAcquire(id, conn, env)
	case core.TypeLockRelease:
		ctl.handleLockRelease(id, conn, env)
	case core.TypeChatMessage:
		ctl.handleChat(id, user, conn, env)
	case core.TypeTypingStart:
		ctl.handleTyping(id, conn, env, true)
	case core.TypeTypingStop:
		ctl.handleTyping(id, conn, env, false)
	case core.TypeActivityPing:
		// Touch already happened on read; just acknowledge.
		ctl.sendEvent(conn, core.TypePong, "", nil)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown message type")
		ctl.sendError(conn, env.Room, "unknown_type", env.Type)
	}
}
