// Package http wires the gin router: session middleware, identity extraction
// and the collaboration WebSocket endpoint.
package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/schooltrack/collabhub/internal/adapters/signal"
	"github.com/schooltrack/collabhub/internal/app"
	"github.com/schooltrack/collabhub/internal/config"
	"github.com/schooltrack/collabhub/internal/domain"
)

// Session keys written by the platform's authentication flow. The hub only
// reads them; it never logs users in (except the debug helper below).
const (
	sessionUserKey = "user_id"
	sessionNameKey = "username"
)

// IdentityMiddleware lifts the verified identity out of the session before
// any hub state is touched. No identity, no join.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		id, _ := sess.Get(sessionUserKey).(string)
		name, _ := sess.Get(sessionNameKey).(string)
		if id != "" {
			if user, err := domain.NewUser(domain.UserID(id), name); err == nil {
				c.Set(signal.IdentityKey, user)
			}
		}
		c.Next()
	}
}

func requireIdentity(c *gin.Context) (*domain.User, bool) {
	v, ok := c.Get(signal.IdentityKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return nil, false
	}
	return v.(*domain.User), true
}

func SetupRouter(ctx context.Context, cfg *config.Config, hub *app.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CollabSessions", store))
	r.Use(IdentityMiddleware())

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	ctl := signal.NewController(hub, cfg)

	api := r.Group("/api")

	api.GET("/ws/collab", func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		ctl.HandleCollab(ctx, c)
	})

	api.GET("/rooms", func(c *gin.Context) {
		if _, ok := requireIdentity(c); !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"rooms": hub.Rooms.List()})
	})

	api.GET("/session", func(c *gin.Context) {
		user, ok := requireIdentity(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, user)
	})

	// Debug-only stand-in for the platform's login flow, so the hub can run
	// without the surrounding product.
	if cfg.Mode == "debug" {
		api.POST("/session", func(c *gin.Context) {
			var req struct {
				UserID   string `json:"user_id" binding:"required"`
				Username string `json:"username" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "missing user_id or username"})
				return
			}
			sess := sessions.Default(c)
			sess.Set(sessionUserKey, req.UserID)
			sess.Set(sessionNameKey, req.Username)
			if err := sess.Save(); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "session save failed"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"user_id": req.UserID})
		})
	}

	return r
}
