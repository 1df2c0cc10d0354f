package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/app"
	"github.com/ostraka/meetcore/internal/app/adminbus"
)

// AdminWSController streams bus events to operator websockets.
type AdminWSController struct {
	Svc *app.Service
	Bus *adminbus.Bus
}

func NewAdminWSController(svc *app.Service, bus *adminbus.Bus) *AdminWSController {
	return &AdminWSController{Svc: svc, Bus: bus}
}

func (ctl *AdminWSController) HandleAdmin(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "admin").Msg("ws upgrade")
		return
	}

	subID, events := ctl.Bus.Subscribe()
	log.Info().Str("module", "admin").Int("sub", subID).Msg("admin connected")

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer func() {
			cancel()
			ctl.Bus.Unsubscribe(subID)
			_ = ws.Close()
			log.Info().Str("module", "admin").Int("sub", subID).Msg("admin disconnected")
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				b, err := json.Marshal(ev)
				if err != nil {
					log.Error().Err(err).Str("module", "admin").Msg("event marshal")
					continue
				}
				if err := ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
					return
				}
				if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer cancel()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			switch env.Type {
			case "get-stats":
				// A snapshot lands on the bus, which routes back to every admin.
				sctx, scancel := context.WithTimeout(ctx, 5*time.Second)
				ctl.Svc.PublishStats(sctx)
				scancel()
			default:
				log.Warn().Str("module", "admin").Str("type", env.Type).Msg("unknown admin op")
			}
		}
	}()
}
