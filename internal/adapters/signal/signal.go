// Package signal is the WebSocket transport adapter: it upgrades connections,
// decodes inbound envelopes and hands every state transition to the hub.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/schooltrack/collabhub/internal/app"
	"github.com/schooltrack/collabhub/internal/config"
	"github.com/schooltrack/collabhub/internal/core"
	"github.com/schooltrack/collabhub/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// IdentityKey is where the router middleware stores the authenticated user.
const IdentityKey = "identity"

type Controller struct {
	Hub *app.Hub
	Cfg *config.Config

	limiter  *ChatRateLimiter
	validate *validator.Validate
}

func NewController(hub *app.Hub, cfg *config.Config) *Controller {
	return &Controller{
		Hub:      hub,
		Cfg:      cfg,
		limiter:  NewChatRateLimiter(cfg.ChatRateLimit, cfg.ChatRateInterval),
		validate: validator.New(),
	}
}

// WsConn adapts *websocket.Conn to core.SignalConnection: a buffered send
// channel drained by the write pump, with a non-blocking TrySend so a slow
// consumer never stalls a room.
type WsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsConn(ws *websocket.Conn, buffer int) *WsConn {
	return &WsConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleCollab upgrades the request and starts the connection's pumps.
// Authentication already happened in middleware; nothing here may block on
// the session provider.
func (ctl *Controller) HandleCollab(ctx context.Context, c *gin.Context) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	user := v.(*domain.User)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	connID := core.ConnID(uuid.NewString())
	conn := newWsConn(ws, ctl.Cfg.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)

	if err := ctl.Hub.Register(connID, user, core.NewMemberSession(user, conn), cancel); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("conn", string(connID)).Msg("register")
		cancel()
		conn.Close()
		return
	}
	log.Info().Str("module", "signal").Str("conn", string(connID)).Str("user", string(user.ID)).Msg("new WS connection")

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, connID, user, conn)
}

func (ctl *Controller) sendEvent(conn core.SignalConnection, msgType string, room domain.DocumentID, payload any) {
	frame, err := core.Encode(msgType, room, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("type", msgType).Msg("encode event")
		return
	}
	_ = conn.TrySend(frame)
}

func (ctl *Controller) sendError(conn core.SignalConnection, room domain.DocumentID, code, message string) {
	ctl.sendEvent(conn, core.TypeError, room, core.ErrorPayload{Code: code, Message: message})
}
