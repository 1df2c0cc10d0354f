package rtc

import (
	"context"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/core"
)

// Transport wraps one PeerConnection bound to a connection id.
type Transport struct {
	pc   *webrtc.PeerConnection
	conn core.ConnID

	cancel context.CancelFunc
	closed atomic.Bool

	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed func()
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// NewTransport builds a PeerConnection on the worker-owned API.
func NewTransport(api *webrtc.API, cfg webrtc.Configuration, conn core.ConnID) (*Transport, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Transport{pc: pc, conn: conn}, nil
}

// Start wires the lifecycle callbacks and binds the transport to ctx.
func (t *Transport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("conn", string(t.conn)).
			Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			if t.onClosed != nil {
				t.onClosed()
			}
		}
	})

	t.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && t.onICE != nil {
			t.onICE(cand.ToJSON())
		}
	})

	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().Str("module", "rtc").Str("conn", string(t.conn)).
			Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
		if t.onTrack != nil {
			t.onTrack(ctx, track, receiver)
		}
	})

	return nil
}

func (t *Transport) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return t.pc.LocalDescription(), nil
}

func (t *Transport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(ci)
}

// AddLocalTrack attaches an outgoing static RTP track.
func (t *Transport) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return t.pc.AddTrack(track)
}

func (t *Transport) RemoveTrack(sender *webrtc.RTPSender) error {
	return t.pc.RemoveTrack(sender)
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) { t.onICE = fn }

func (t *Transport) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	t.onTrack = fn
}

func (t *Transport) OnClosed(fn func()) { t.onClosed = fn }

func (t *Transport) IsClosed() bool { return t.closed.Load() }

func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	err := t.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("conn", string(t.conn)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("conn", string(t.conn)).Msg("closed")
	}
	if t.onClosed != nil {
		t.onClosed()
	}
	return err
}
