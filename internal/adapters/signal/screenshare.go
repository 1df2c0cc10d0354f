package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/core"
)

func (ctl *SignalWSController) handleStartShare(ctx context.Context, id core.ConnID, conn *WsSignalConn) {
	// The service broadcasts screen-share-started on success; a busy slot comes
	// back as SCREEN_SHARE_ACTIVE carrying the current sharer.
	if _, err := ctl.Svc.StartShare(ctx, id); err != nil {
		ctl.sendError(conn, "screen-share-error", err)
	}
}

func (ctl *SignalWSController) handleStopShare(ctx context.Context, id core.ConnID, conn *WsSignalConn) {
	if err := ctl.Svc.StopShare(ctx, id); err != nil {
		ctl.sendError(conn, "screen-share-error", err)
	}
}

func (ctl *SignalWSController) handleGetSharer(ctx context.Context, id core.ConnID, conn *WsSignalConn, data []byte) {
	var p struct {
		Type string `json:"type"`
		Room string `json:"room,omitempty"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad get-screen-sharer payload")
		ctl.badPayload(conn, "screen-share-error")
		return
	}

	out, err := ctl.Svc.CurrentSharer(ctx, id, p.Room)
	if err != nil {
		ctl.sendError(conn, "screen-share-error", err)
		return
	}
	ctl.sendJSON(conn, out)
}
