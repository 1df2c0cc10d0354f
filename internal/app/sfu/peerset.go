package sfu

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/ostraka/meetcore/internal/adapters/rtc"
	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
)

// consumer records one subscription of this peer to another member's producer.
type consumer struct {
	srcConn core.ConnID
	trackID string
	out     *OutTrack
	sender  *webrtc.RTPSender
}

// PeerSet bundles everything the SFU holds for one signal connection: the
// media transport plus the consumers feeding it. Producers live on the Router.
type PeerSet struct {
	conn core.ConnID
	room domain.RoomKey

	mu        sync.Mutex
	transport *rtc.Transport
	consumers []*consumer
}

func newPeerSet(conn core.ConnID, room domain.RoomKey) *PeerSet {
	return &PeerSet{conn: conn, room: room}
}

func (ps *PeerSet) Conn() core.ConnID { return ps.conn }

func (ps *PeerSet) Room() domain.RoomKey { return ps.room }

func (ps *PeerSet) Transport() *rtc.Transport {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.transport
}

func (ps *PeerSet) setTransport(t *rtc.Transport) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.transport = t
}

func (ps *PeerSet) addConsumer(c *consumer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.consumers = append(ps.consumers, c)
}

// hasConsumer reports whether this peer already subscribes to src's track.
func (ps *PeerSet) hasConsumer(src core.ConnID, trackID string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, c := range ps.consumers {
		if c.srcConn == src && c.trackID == trackID {
			return true
		}
	}
	return false
}

// dropConsumersFrom detaches this peer's subscriptions to src's producers.
func (ps *PeerSet) dropConsumersFrom(src core.ConnID, logger *zerolog.Logger) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	kept := ps.consumers[:0]
	for _, c := range ps.consumers {
		if c.srcConn != src {
			kept = append(kept, c)
			continue
		}
		c.out.MarkDelete()
		if ps.transport != nil && c.sender != nil {
			if err := ps.transport.RemoveTrack(c.sender); err != nil {
				logger.Error().Err(err).
					Str("src_conn", string(src)).
					Str("track_id", c.trackID).
					Msg("remove consumer track error")
			}
		}
	}
	ps.consumers = kept
}

// closeAll releases the consumers and then the transport. Individual close
// failures are logged and swallowed so teardown always completes.
func (ps *PeerSet) closeAll(logger *zerolog.Logger) {
	ps.mu.Lock()
	consumers := ps.consumers
	ps.consumers = nil
	transport := ps.transport
	ps.transport = nil
	ps.mu.Unlock()

	for _, c := range consumers {
		c.out.MarkDelete()
		if c.sender != nil {
			if err := c.sender.Stop(); err != nil {
				logger.Error().Err(err).
					Str("src_conn", string(c.srcConn)).
					Str("track_id", c.trackID).
					Msg("consumer sender stop error")
			}
		}
	}

	if transport != nil {
		if err := transport.Close(); err != nil {
			logger.Error().Err(err).Msg("transport close error")
		}
	}
}
