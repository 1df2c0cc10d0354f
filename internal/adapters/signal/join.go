package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/app"
	"github.com/ostraka/meetcore/internal/core"
)

type joinPayload struct {
	Type            string `json:"type"`
	Room            string `json:"room"`
	Name            string `json:"name"`
	Email           string `json:"email,omitempty"`
	RequireApproval bool   `json:"requireApproval,omitempty"`
}

func (p joinPayload) params(clientKey string) app.JoinParams {
	return app.JoinParams{
		Room:            p.Room,
		Name:            p.Name,
		Email:           p.Email,
		ClientKey:       clientKey,
		RequireApproval: p.RequireApproval,
	}
}

func (ctl *SignalWSController) handleJoinRoom(ctx context.Context, id core.ConnID, conn *WsSignalConn, data []byte) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.badPayload(conn, "error")
		return
	}

	log.Info().Str("module", "signal").Str("conn", string(id)).Str("room", p.Room).Msg("join-room")
	res, err := ctl.Svc.Join(ctx, id, p.params(conn.clientKey))
	if err != nil {
		ctl.sendError(conn, "error", err)
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
