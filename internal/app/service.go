// Package app hosts the session-coordination service: admission, presence,
// screen-share arbitration, chat relay and the lifecycle glue between the
// live connection state and the durable store.
package app

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/app/adminbus"
	"github.com/ostraka/meetcore/internal/app/ratelimit"
	"github.com/ostraka/meetcore/internal/config"
	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
)

type Service struct {
	cfg      *config.Config
	registry *core.Registry
	dir      *core.Directory
	store    Store
	limiter  *ratelimit.Limiter
	media    MediaEngine
	bus      *adminbus.Bus
	presence *Presence

	// connLocks serializes join/disconnect per connection id so cleanup for a
	// connection never interleaves with a join carrying the same id.
	connLocks sync.Map // core.ConnID -> *sync.Mutex

	accepting atomic.Bool
}

func NewService(
	cfg *config.Config,
	registry *core.Registry,
	dir *core.Directory,
	st Store,
	limiter *ratelimit.Limiter,
	media MediaEngine,
	bus *adminbus.Bus,
) *Service {
	s := &Service{
		cfg:      cfg,
		registry: registry,
		dir:      dir,
		store:    st,
		limiter:  limiter,
		media:    media,
		bus:      bus,
	}
	s.presence = NewPresence(cfg.PresenceDebounce, s.broadcastParticipants)
	s.accepting.Store(true)
	return s
}

func (s *Service) Registry() *core.Registry   { return s.registry }
func (s *Service) Directory() *core.Directory { return s.dir }

// Accepting reports whether new channels may still attach (false during drain).
func (s *Service) Accepting() bool { return s.accepting.Load() }

func (s *Service) connLock(id core.ConnID) *sync.Mutex {
	mu, _ := s.connLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Connect attaches a freshly opened channel; the connection starts unjoined.
func (s *Service) Connect(id core.ConnID, conn core.SignalConn, cancel context.CancelFunc) {
	s.registry.Bind(id, conn, cancel)
}

// Disconnect runs the per-connection shutdown path: stop an owned screen
// share, release media resources, close out durable participation, update the
// live directory and arm deferred deletion of a now-empty room.
func (s *Service) Disconnect(ctx context.Context, id core.ConnID) {
	mu := s.connLock(id)
	mu.Lock()
	defer mu.Unlock()

	s.leaveRoomLocked(ctx, id)
	s.registry.Drop(id)
	s.limiter.Forget(string(id))
	s.connLocks.Delete(id)
	log.Info().Str("module", "app").Str("conn", string(id)).Msg("disconnected")
}

// leaveRoomLocked performs the full explicit-leave sequence for the
// connection's current room. Caller holds the connection lock.
func (s *Service) leaveRoomLocked(ctx context.Context, id core.ConnID) {
	room, ok := s.registry.RoomOf(id)
	if !ok {
		return
	}
	rs, ok := s.dir.Get(room)
	if !ok {
		s.registry.Unregister(id)
		return
	}
	user, _ := s.registry.User(id)

	// An owned screen share stops first so the room sees the stopped event
	// before the next participants broadcast.
	if user != nil {
		if sharer, sharerConn, sessionID := rs.Sharer(); sharer == user.ID && sharerConn == id {
			s.stopShareOnLeave(ctx, rs, user, sessionID)
		}
	}

	s.media.ReleasePeer(id)

	if user != nil {
		if uid, mid, err := storeIDs(user, rs); err == nil {
			if err := s.store.MarkParticipantLeft(ctx, uid, mid); err != nil {
				log.Error().Err(err).Str("module", "app").Str("conn", string(id)).Msg("mark participant left")
			}
		}
	}

	s.registry.Unregister(id)
	_, remaining := rs.RemoveMember(id)
	s.presence.Schedule(room)

	if user != nil {
		s.bus.Publish(adminbus.Event{Type: adminbus.EventUserLeft, Data: map[string]any{
			"room": room, "userId": user.ID, "name": user.Name,
		}})
	}

	if remaining == 0 {
		s.scheduleRoomTeardown(rs)
	}
}

// scheduleRoomTeardown arms the grace timer that destroys the live projection
// and the room's media router unless someone reconnects first.
func (s *Service) scheduleRoomTeardown(rs *core.RoomState) {
	room := rs.Key
	rs.ScheduleDestroy(s.cfg.RoomGraceDelay, func() {
		if s.dir.RemoveIfEmpty(room) {
			s.media.CloseRouter(room)
		}
	})
}

// send marshals and pushes one event; backpressure drops are logged, never
// propagated.
func (s *Service) send(conn core.SignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Msg("event marshal")
		return
	}
	if err := conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "app").Msg("event dropped")
	}
}

func (s *Service) sendTo(id core.ConnID, v any) {
	if conn, ok := s.registry.Conn(id); ok {
		s.send(conn, v)
	}
}

func (s *Service) broadcastRoom(room domain.RoomKey, v any, exclude ...core.ConnID) {
	skip := make(map[core.ConnID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	for _, id := range s.registry.ConnsInRoom(room) {
		if _, ok := skip[id]; ok {
			continue
		}
		s.sendTo(id, v)
	}
}

func (s *Service) broadcastParticipants(room domain.RoomKey) {
	rs, ok := s.dir.Get(room)
	if !ok {
		return
	}
	s.broadcastRoom(room, NewParticipantsEvent(room, rs.Snapshot()))
}

// Stats is the aggregate snapshot published on the admin channel.
type Stats struct {
	Connections int             `json:"connections"`
	Rooms       []core.RoomInfo `json:"rooms"`
	Meetings    int64           `json:"meetings"`
	Messages    int64           `json:"messages"`
}

func (s *Service) PublishStats(ctx context.Context) {
	st := Stats{
		Connections: s.registry.Count(),
		Rooms:       s.dir.List(),
	}
	meetings, messages, err := s.store.Counts(ctx)
	if err != nil {
		// Stats stay partial; the admin channel must never fail the core.
		log.Warn().Err(err).Str("module", "app").Msg("stats counts")
	} else {
		st.Meetings = meetings
		st.Messages = messages
	}
	s.bus.Publish(adminbus.Event{Type: adminbus.EventStats, Data: st})
}

// StatsLoop publishes a snapshot on the configured timer until ctx ends.
func (s *Service) StatsLoop(ctx context.Context) {
	if s.cfg.StatsInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PublishStats(ctx)
		}
	}
}
