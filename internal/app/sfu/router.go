package sfu

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
)

// Router holds the media state of one room: every producer of every member.
// A router is pinned to the worker it was created on.
type Router struct {
	room   domain.RoomKey
	worker *Worker

	mu        sync.RWMutex
	producers map[core.ConnID]map[string]*Producer // owner conn -> track id -> producer
}

func newRouter(room domain.RoomKey, worker *Worker) *Router {
	return &Router{
		room:      room,
		worker:    worker,
		producers: make(map[core.ConnID]map[string]*Producer),
	}
}

func (r *Router) Room() domain.RoomKey { return r.room }

func (r *Router) Worker() *Worker { return r.worker }

// StartProducer registers a producer for the owner's remote track and starts its
// relay loop. An existing producer for the same track id is replaced.
func (r *Router) StartProducer(ctx context.Context, owner core.ConnID, track *webrtc.TrackRemote) *Producer {
	logger := log.With().
		Str("module", "sfu").
		Str("room", string(r.room)).
		Str("conn", string(owner)).
		Str("track_id", track.ID()).
		Logger()

	prodCtx, cancel := context.WithCancel(ctx)
	p := NewProducer(owner, track, cancel)

	r.mu.Lock()
	byTrack, ok := r.producers[owner]
	if !ok {
		byTrack = make(map[string]*Producer)
		r.producers[owner] = byTrack
	}
	if old, ok := byTrack[track.ID()]; ok {
		logger.Info().Msg("replacing existing producer for track")
		old.Close()
	}
	byTrack[track.ID()] = p
	r.mu.Unlock()

	logger.Info().Msg("starting producer loop")
	go p.loop(prodCtx, &logger)
	return p
}

// ProducersExcept returns every producer in the room not owned by conn.
func (r *Router) ProducersExcept(conn core.ConnID) []*Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Producer
	for owner, byTrack := range r.producers {
		if owner == conn {
			continue
		}
		for _, p := range byTrack {
			out = append(out, p)
		}
	}
	return out
}

// RemoveProducers detaches and returns all producers owned by conn.
func (r *Router) RemoveProducers(conn core.ConnID) []*Producer {
	r.mu.Lock()
	byTrack, ok := r.producers[conn]
	if ok {
		delete(r.producers, conn)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	out := make([]*Producer, 0, len(byTrack))
	for _, p := range byTrack {
		out = append(out, p)
	}
	return out
}

// DropSubscriber marks conn's out tracks for delete on every producer in the room.
func (r *Router) DropSubscriber(conn core.ConnID) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, byTrack := range r.producers {
		for _, p := range byTrack {
			p.MarkSubscriberDelete(conn)
		}
	}
}

// Close stops every producer in the room.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, byTrack := range r.producers {
		for _, p := range byTrack {
			p.Close()
		}
	}
	r.producers = make(map[core.ConnID]map[string]*Producer)
}
