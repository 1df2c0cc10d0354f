// Package sfu forwards media between room members. A fixed pool of workers
// owns the pion API instances; each room's router is pinned to one worker and
// every transport of that room is created on it.
package sfu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/adapters/rtc"
	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
)

// Engine is the media orchestrator. It assigns rooms to workers round-robin,
// memoizes one Router per room and tracks a PeerSet per live connection.
type Engine struct {
	workers []*Worker

	mu      sync.RWMutex
	routers map[domain.RoomKey]*Router
	peers   map[core.ConnID]*PeerSet
	next    int

	onFatal   func(error)
	fatalOnce sync.Once
	closed    atomic.Bool
}

// NewEngine builds the worker pool. onFatal is invoked at most once, from its
// own goroutine, when a worker can no longer serve transports.
func NewEngine(workerCount int, onFatal func(error)) (*Engine, error) {
	if workerCount < 1 {
		workerCount = 1
	}
	cfg := rtc.DefaultWebRTCConfig()
	workers := make([]*Worker, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		w, err := newWorker(i, cfg)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	log.Info().Str("module", "sfu").Int("workers", workerCount).Msg("engine started")
	return &Engine{
		workers: workers,
		routers: make(map[domain.RoomKey]*Router),
		peers:   make(map[core.ConnID]*PeerSet),
		onFatal: onFatal,
	}, nil
}

// RouterFor returns the room's router, creating and pinning it to the next
// worker on first use.
func (e *Engine) RouterFor(room domain.RoomKey) (*Router, error) {
	e.mu.RLock()
	r, ok := e.routers[room]
	e.mu.RUnlock()
	if ok {
		return r, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.routers[room]; ok {
		return r, nil
	}
	if e.closed.Load() {
		return nil, fmt.Errorf("engine is closed")
	}
	w := e.workers[e.next%len(e.workers)]
	e.next++
	r = newRouter(room, w)
	e.routers[room] = r
	log.Info().Str("module", "sfu").
		Str("room", string(room)).Int("worker", w.ID()).Msg("router created")
	return r, nil
}

func (e *Engine) EnsureRouter(room domain.RoomKey) error {
	_, err := e.RouterFor(room)
	return err
}

// CloseRouter tears down the room's router. The caller guarantees the room
// has no live members.
func (e *Engine) CloseRouter(room domain.RoomKey) {
	e.mu.Lock()
	r, ok := e.routers[room]
	if ok {
		delete(e.routers, room)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	r.Close()
	log.Info().Str("module", "sfu").Str("room", string(room)).Msg("router closed")
}

// AttachPeer creates the media transport for conn on the room's worker and
// wires the track and lifecycle handlers. Replaces a previous transport if
// the client renegotiates from scratch.
func (e *Engine) AttachPeer(ctx context.Context, room domain.RoomKey, conn core.ConnID) (*rtc.Transport, error) {
	router, err := e.RouterFor(room)
	if err != nil {
		return nil, err
	}

	t, err := router.Worker().NewTransport(conn)
	if err != nil {
		e.fatal(fmt.Errorf("worker %d: new transport: %w", router.Worker().ID(), err))
		return nil, err
	}

	e.mu.Lock()
	ps, ok := e.peers[conn]
	if !ok {
		ps = newPeerSet(conn, room)
		e.peers[conn] = ps
	}
	e.mu.Unlock()

	if old := ps.Transport(); old != nil {
		logger := e.logger(conn)
		logger.Info().Msg("replacing existing media transport")
		// The outgoing transport must not release the peer we are re-attaching.
		old.OnClosed(nil)
		ps.closeAll(&logger)
	}
	ps.setTransport(t)

	t.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.handleTrack(trackCtx, conn, track)
	})
	t.OnClosed(func() { e.releaseIfCurrent(conn, t) })

	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// PeerTransport returns conn's media transport, if one is attached.
func (e *Engine) PeerTransport(conn core.ConnID) (*rtc.Transport, bool) {
	e.mu.RLock()
	ps, ok := e.peers[conn]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	t := ps.Transport()
	return t, t != nil
}

// SubscribePeer feeds every existing producer of conn's room into conn's
// transport. Called once negotiation completes.
func (e *Engine) SubscribePeer(conn core.ConnID) {
	e.mu.RLock()
	ps, ok := e.peers[conn]
	e.mu.RUnlock()
	if !ok || ps.Transport() == nil {
		return
	}
	router, err := e.RouterFor(ps.room)
	if err != nil {
		return
	}
	for _, p := range router.ProducersExcept(conn) {
		e.subscribe(p, ps)
	}
}

// handleTrack starts a producer for the new remote track and subscribes
// every other attached peer in the room to it.
func (e *Engine) handleTrack(ctx context.Context, conn core.ConnID, track *webrtc.TrackRemote) {
	e.mu.RLock()
	ps, ok := e.peers[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	router, err := e.RouterFor(ps.room)
	if err != nil {
		return
	}

	p := router.StartProducer(ctx, conn, track)

	e.mu.RLock()
	targets := make([]*PeerSet, 0, len(e.peers))
	for _, other := range e.peers {
		if other.conn != conn && other.room == ps.room {
			targets = append(targets, other)
		}
	}
	e.mu.RUnlock()

	for _, dst := range targets {
		e.subscribe(p, dst)
	}
}

// subscribe attaches an out track for p's stream onto dst's transport.
func (e *Engine) subscribe(p *Producer, dst *PeerSet) {
	t := dst.Transport()
	if t == nil || dst.hasConsumer(p.Owner(), p.TrackID()) {
		return
	}

	logger := e.logger(dst.conn)
	local, err := webrtc.NewTrackLocalStaticRTP(p.Src.Codec().RTPCodecCapability, p.Src.ID(), string(p.Owner()))
	if err != nil {
		logger.Error().Err(err).Str("src_conn", string(p.Owner())).Msg("new local track error")
		return
	}
	sender, err := t.AddLocalTrack(local)
	if err != nil {
		logger.Error().Err(err).Str("src_conn", string(p.Owner())).Msg("add local track error")
		return
	}

	ot := NewOutTrack(local)
	p.AddOutTrack(dst.conn, ot)
	dst.addConsumer(&consumer{
		srcConn: p.Owner(),
		trackID: p.TrackID(),
		out:     ot,
		sender:  sender,
	})
	logger.Info().
		Str("src_conn", string(p.Owner())).
		Str("track_id", p.TrackID()).
		Msg("subscribed")
}

// releaseIfCurrent drops the peer only when the closing transport is still
// the one attached. Callbacks from a replaced transport are ignored.
func (e *Engine) releaseIfCurrent(conn core.ConnID, t *rtc.Transport) {
	e.mu.RLock()
	ps, ok := e.peers[conn]
	e.mu.RUnlock()
	if !ok || ps.Transport() != t {
		return
	}
	e.ReleasePeer(conn)
}

// ReleasePeer tears down everything held for conn as a unit: its producers
// first, then its consumers, then the transport. Safe to call twice.
func (e *Engine) ReleasePeer(conn core.ConnID) {
	e.mu.Lock()
	ps, ok := e.peers[conn]
	if ok {
		delete(e.peers, conn)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	logger := e.logger(conn)

	e.mu.RLock()
	router := e.routers[ps.room]
	neighbors := make([]*PeerSet, 0, len(e.peers))
	for _, other := range e.peers {
		if other.room == ps.room {
			neighbors = append(neighbors, other)
		}
	}
	e.mu.RUnlock()
	if router != nil {
		for _, p := range router.RemoveProducers(conn) {
			p.Close()
		}
		router.DropSubscriber(conn)
	}
	// Remaining members stop carrying senders that fed from this peer.
	for _, other := range neighbors {
		other.dropConsumersFrom(conn, &logger)
	}

	ps.closeAll(&logger)
	logger.Info().Msg("peer released")
}

// Close stops every peer, router and worker. Used during shutdown.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	peers := make([]*PeerSet, 0, len(e.peers))
	for _, ps := range e.peers {
		peers = append(peers, ps)
	}
	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.peers = make(map[core.ConnID]*PeerSet)
	e.routers = make(map[domain.RoomKey]*Router)
	e.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	for _, ps := range peers {
		logger := e.logger(ps.conn)
		ps.closeAll(&logger)
	}
	for _, w := range e.workers {
		w.Close()
	}
	log.Info().Str("module", "sfu").Msg("engine closed")
	return nil
}

func (e *Engine) fatal(err error) {
	e.fatalOnce.Do(func() {
		log.Error().Err(err).Str("module", "sfu").Msg("fatal engine error")
		if e.onFatal != nil {
			go e.onFatal(err)
		}
	})
}

func (e *Engine) logger(conn core.ConnID) zerolog.Logger {
	return log.With().Str("module", "sfu").Str("conn", string(conn)).Logger()
}
