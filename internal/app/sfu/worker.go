package sfu

import (
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/ostraka/meetcore/internal/adapters/rtc"
	"github.com/ostraka/meetcore/internal/core"
)

// Worker owns one webrtc.API instance. Every transport of every room assigned
// to this worker is built on that API.
type Worker struct {
	id     int
	api    *webrtc.API
	cfg    webrtc.Configuration
	closed atomic.Bool
}

func newWorker(id int, cfg webrtc.Configuration) (*Worker, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("worker %d: register codecs: %w", id, err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	return &Worker{id: id, api: api, cfg: cfg}, nil
}

func (w *Worker) ID() int { return w.id }

// NewTransport creates a PeerConnection for conn on this worker's API.
func (w *Worker) NewTransport(conn core.ConnID) (*rtc.Transport, error) {
	if w.closed.Load() {
		return nil, fmt.Errorf("worker %d is closed", w.id)
	}
	return rtc.NewTransport(w.api, w.cfg, conn)
}

func (w *Worker) Close() {
	w.closed.Store(true)
}
