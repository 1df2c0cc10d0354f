package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/core"
)

func (ctl *SignalWSController) handleRequestJoin(ctx context.Context, id core.ConnID, conn *WsSignalConn, data []byte) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad request-join payload")
		ctl.badPayload(conn, "error")
		return
	}

	log.Info().Str("module", "signal").Str("conn", string(id)).Str("room", p.Room).Msg("request-join")
	res, err := ctl.Svc.RequestJoin(ctx, id, p.params(conn.clientKey))
	if err != nil {
		ctl.sendError(conn, "error", err)
		return
	}
	// res is nil when the request went pending; the service has already sent
	// join-pending and notified the hosts.
	if res == nil {
		return
	}

	resp := struct {
		Type         string                `json:"type"`
		Room         string                `json:"room"`
		UserID       string                `json:"userId"`
		IsHost       bool                  `json:"isHost"`
		Participants []core.ParticipantDTO `json:"participants"`
	}{
		Type:         "room-joined",
		Room:         string(res.Room),
		UserID:       string(res.User.ID),
		IsHost:       res.IsHost,
		Participants: res.Participants,
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleApproveRequest(ctx context.Context, id core.ConnID, conn *WsSignalConn, data []byte) {
	var p struct {
		Type      string `json:"type"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.RequestID == "" {
		ctl.badPayload(conn, "error")
		return
	}

	if err := ctl.Svc.ApproveRequest(ctx, id, p.RequestID); err != nil {
		ctl.sendError(conn, "error", err)
		return
	}
	ctl.sendJSON(conn, struct {
		Type      string `json:"type"`
		RequestID string `json:"requestId"`
	}{"request-approved", p.RequestID})
}

func (ctl *SignalWSController) handleDeclineRequest(ctx context.Context, id core.ConnID, conn *WsSignalConn, data []byte) {
	var p struct {
		Type      string `json:"type"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.RequestID == "" {
		ctl.badPayload(conn, "error")
		return
	}

	if err := ctl.Svc.DeclineRequest(ctx, id, p.RequestID); err != nil {
		ctl.sendError(conn, "error", err)
		return
	}
	ctl.sendJSON(conn, struct {
		Type      string `json:"type"`
		RequestID string `json:"requestId"`
	}{"request-declined", p.RequestID})
}

func (ctl *SignalWSController) handlePendingRequests(ctx context.Context, id core.ConnID, conn *WsSignalConn) {
	out, err := ctl.Svc.PendingRequests(ctx, id)
	if err != nil {
		ctl.sendError(conn, "error", err)
		return
	}
	ctl.sendJSON(conn, out)
}
