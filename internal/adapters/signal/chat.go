package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/core"
)

func (ctl *SignalWSController) handleSendMessage(ctx context.Context, id core.ConnID, conn *WsSignalConn, data []byte) {
	var p struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad send-message payload")
		ctl.badPayload(conn, "chat-error")
		return
	}

	// The service broadcasts new-message to the whole room, sender included.
	if _, err := ctl.Svc.SendMessage(ctx, id, p.Text); err != nil {
		ctl.sendError(conn, "chat-error", err)
	}
}

func (ctl *SignalWSController) handleChatHistory(ctx context.Context, id core.ConnID, conn *WsSignalConn, data []byte) {
	var p struct {
		Type  string `json:"type"`
		Room  string `json:"room,omitempty"`
		Limit int    `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad get-chat-history payload")
		ctl.badPayload(conn, "chat-error")
		return
	}

	out, err := ctl.Svc.History(ctx, id, p.Room, p.Limit)
	if err != nil {
		ctl.sendError(conn, "chat-error", err)
		return
	}
	ctl.sendJSON(conn, out)
}

func (ctl *SignalWSController) handleDeleteMessage(ctx context.Context, id core.ConnID, conn *WsSignalConn, data []byte) {
	var p struct {
		Type      string `json:"type"`
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" {
		ctl.badPayload(conn, "chat-error")
		return
	}

	if err := ctl.Svc.DeleteMessage(ctx, id, p.MessageID); err != nil {
		ctl.sendError(conn, "chat-error", err)
	}
}
