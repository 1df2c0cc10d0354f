package signal

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
)

func (ctl *SignalWSController) sendCandidate(c *WsSignalConn, ci webrtc.ICECandidateInit) {
	resp := struct {
		Type          string `json:"type"`
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdpMid,omitempty"`
		SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
	}{
		Type:      "candidate",
		Candidate: ci.Candidate,
	}
	if ci.SDPMid != nil {
		resp.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		resp.SDPMLineIndex = *ci.SDPMLineIndex
	}
	ctl.sendJSON(c, resp)
}

func (ctl *SignalWSController) handleOffer(ctx context.Context, id core.ConnID, conn *WsSignalConn, data []byte) {
	var p struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		return
	}

	room, ok := ctl.Svc.Registry().RoomOf(id)
	if !ok {
		ctl.sendError(conn, "error", domain.NewValidationError("join a room first"))
		return
	}

	t, err := ctl.Media.AttachPeer(ctx, room, id)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("attach media peer")
		ctl.sendError(conn, "error", domain.NewInternalError())
		return
	}

	t.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		ctl.sendCandidate(conn, ci)
	})

	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	}
	answer, err := t.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc apply offer")
		ctl.Media.ReleasePeer(id)
		ctl.sendError(conn, "error", domain.NewInternalError())
		return
	}

	// Negotiation done, feed the room's existing producers into this peer.
	ctl.Media.SubscribePeer(id)

	ctl.sendJSON(conn, map[string]string{
		"type": "answer",
		"sdp":  answer.SDP,
	})
}

func (ctl *SignalWSController) handleCandidate(id core.ConnID, _ *WsSignalConn, data []byte) {
	var p struct {
		Type          string `json:"type"`
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdpMid"`
		SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		return
	}

	cand := webrtc.ICECandidateInit{
		Candidate: p.Candidate,
	}
	if p.SDPMid != "" {
		cand.SDPMid = &p.SDPMid
	}
	cand.SDPMLineIndex = &p.SDPMLineIndex

	t, ok := ctl.Media.PeerTransport(id)
	if !ok {
		log.Warn().Str("module", "signal").Str("conn", string(id)).Msg("candidate: no media transport")
		return
	}
	if err := t.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("add ice candidate")
	}
}
