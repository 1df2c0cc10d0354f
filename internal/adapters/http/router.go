package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/adapters/signal"
	"github.com/ostraka/meetcore/internal/config"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware pins a persistent client token cookie to every
// visitor. The token is the durable identity key, so a guest keeps the same
// participant row across rejoins; each websocket gets its own connection id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(
	ctx context.Context,
	cfg *config.Config,
	sigCtl *signal.SignalWSController,
	adminCtl *signal.AdminWSController,
) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeetCoreSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("conn", c.GetString("client_token")).Msg("ws signal endpoint hit")
		sigCtl.HandleSignal(ctx, c)
	})

	admin := api.Group("/ws")
	admin.Use(AdminAuthMiddleware(cfg.JWTSecret))
	admin.GET("/admin", func(c *gin.Context) {
		adminCtl.HandleAdmin(ctx, c)
	})

	return r
}
