package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/ostraka/meetcore/internal/core"
)

// Producer owns one remote track and fans its RTP stream out to subscribers.
type Producer struct {
	Src   *webrtc.TrackRemote
	owner core.ConnID

	mu        sync.RWMutex
	outTracks map[core.ConnID]*OutTrack

	cancel context.CancelFunc
}

func NewProducer(owner core.ConnID, src *webrtc.TrackRemote, cancel context.CancelFunc) *Producer {
	return &Producer{
		Src:       src,
		owner:     owner,
		outTracks: make(map[core.ConnID]*OutTrack),
		cancel:    cancel,
	}
}

func (p *Producer) Owner() core.ConnID { return p.owner }

func (p *Producer) TrackID() string { return p.Src.ID() }

// loop reads RTP packets from the source track and forwards them to all subscribers.
func (p *Producer) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("producer ctx done, marking all out tracks for delete")
			p.markAllDelete()
			return
		default:
		}
		pkt, _, err := p.Src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("producer read RTP error, stopping")
			p.markAllDelete()
			return
		}
		p.forward(pkt, logger)
	}
}

func (p *Producer) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	snapshot := make(map[core.ConnID]*OutTrack, len(p.outTracks))
	p.mu.RLock()
	maps.Copy(snapshot, p.outTracks)
	p.mu.RUnlock()

	dirty := make([]core.ConnID, 0, len(snapshot))
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("dst_conn", string(dst)).
					Msg("producer write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		p.cleanupDeleted(dirty)
	}
}

func (p *Producer) cleanupDeleted(dirty []core.ConnID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, dst := range dirty {
		delete(p.outTracks, dst)
	}
}

func (p *Producer) markAllDelete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ot := range p.outTracks {
		ot.MarkDelete()
	}
}

func (p *Producer) AddOutTrack(dst core.ConnID, ot *OutTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outTracks[dst] = ot
}

// MarkSubscriberDelete flags dst's out track so the relay loop drops it.
func (p *Producer) MarkSubscriberDelete(dst core.ConnID) {
	p.mu.RLock()
	ot, ok := p.outTracks[dst]
	p.mu.RUnlock()
	if ok {
		ot.MarkDelete()
	}
}

// Close stops the read loop and detaches every subscriber.
func (p *Producer) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.markAllDelete()
}
