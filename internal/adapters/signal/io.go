package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/core"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
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

func (ctl *SignalWSController) readPump(ctx context.Context, id core.ConnID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump closing")
		c.Close()
		dctx, cancel := context.WithTimeout(context.Background(), ctl.Cfg.StoreTimeout)
		ctl.Svc.Disconnect(dctx, id)
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read error")
				return
			}
			ctl.handleSignal(ctx, id, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, id core.ConnID, c *WsSignalConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "join-room":
		ctl.handleJoinRoom(ctx, id, c, data)
	case "request-join":
		ctl.handleRequestJoin(ctx, id, c, data)
	case "approve-request":
		ctl.handleApproveRequest(ctx, id, c, data)
	case "decline-request":
		ctl.handleDeclineRequest(ctx, id, c, data)
	case "get-pending-requests":
		ctl.handlePendingRequests(ctx, id, c)
	case "send-message":
		ctl.handleSendMessage(ctx, id, c, data)
	case "get-chat-history":
		ctl.handleChatHistory(ctx, id, c, data)
	case "delete-message":
		ctl.handleDeleteMessage(ctx, id, c, data)
	case "start-screen-share":
		ctl.handleStartShare(ctx, id, c)
	case "stop-screen-share":
		ctl.handleStopShare(ctx, id, c)
	case "get-screen-sharer":
		ctl.handleGetSharer(ctx, id, c, data)
	case "offer":
		ctl.handleOffer(ctx, id, c, data)
	case "candidate":
		ctl.handleCandidate(id, c, data)
	case "ping":
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
