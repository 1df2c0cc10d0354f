package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/app"
	"github.com/ostraka/meetcore/internal/app/sfu"
	"github.com/ostraka/meetcore/internal/config"
	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// SignalWSController terminates the client websocket and dispatches ops onto
// the service.
type SignalWSController struct {
	Svc   *app.Service
	Media *sfu.Engine
	Cfg   *config.Config
}

func NewSignalWSController(svc *app.Service, media *sfu.Engine, cfg *config.Config) *SignalWSController {
	return &SignalWSController{Svc: svc, Media: media, Cfg: cfg}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	// clientKey is the durable identity cookie. The connection id is minted
	// per upgrade, so two tabs from one browser never collide.
	clientKey string

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
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

func (c *WsSignalConn) Close() {
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

// HandleSignal upgrades the request and runs the connection until either pump
// exits.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	if !ctl.Svc.Accepting() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	clientKey := c.GetString("client_token")
	id := core.ConnID(uuid.NewString())
	log.Info().Str("module", "signal").Str("conn", string(id)).
		Str("client", clientKey).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	conn := &WsSignalConn{
		conn:      ws,
		send:      make(chan core.Frame, 32),
		clientKey: clientKey,
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Svc.Connect(id, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, id, conn)
}

// sendError pushes the uniform error shape on the given channel kind.
func (ctl *SignalWSController) sendError(conn *WsSignalConn, kind string, err error) {
	ee, ok := err.(*domain.EventError)
	if !ok {
		ee = domain.NewInternalError()
	}
	ctl.sendJSON(conn, app.ErrorEvent{Type: kind, EventError: *ee})
}

func (ctl *SignalWSController) badPayload(conn *WsSignalConn, kind string) {
	ctl.sendError(conn, kind, domain.NewValidationError("bad payload"))
}
