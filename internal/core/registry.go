package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/domain"
)

type connEntry struct {
	Conn     SignalConn
	User     *domain.User
	Room     domain.RoomKey
	JoinedAt time.Time
	Cancel   context.CancelFunc
}

// ConnState is the snapshot returned when a connection is unregistered.
type ConnState struct {
	User     *domain.User
	Room     domain.RoomKey
	JoinedAt time.Time
}

// Registry is the bidirectional connection map: conn -> (room, identity) and
// room -> conn set. Both directions are O(1).
type Registry struct {
	mu     sync.RWMutex
	conns  map[ConnID]*connEntry
	byRoom map[domain.RoomKey]map[ConnID]struct{}
	byUser map[domain.UserID]map[ConnID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[ConnID]*connEntry),
		byRoom: make(map[domain.RoomKey]map[ConnID]struct{}),
		byUser: make(map[domain.UserID]map[ConnID]struct{}),
	}
}

// Bind attaches a freshly opened channel. The connection starts unjoined.
func (r *Registry) Bind(id ConnID, conn SignalConn, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connEntry{Conn: conn, Cancel: cancel}
	log.Debug().Str("module", "core.registry").Str("conn", string(id)).Msg("bound connection")
}

func (r *Registry) SetUser(id ConnID, u *domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return
	}
	if e.User != nil && e.User.ID != u.ID {
		r.dropFromUser(id, e.User.ID)
	}
	e.User = u
	set, ok := r.byUser[u.ID]
	if !ok {
		set = make(map[ConnID]struct{})
		r.byUser[u.ID] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) dropFromUser(id ConnID, uid domain.UserID) {
	if set, ok := r.byUser[uid]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byUser, uid)
		}
	}
}

// ConnsByUser returns every live connection bound under the identity,
// regardless of room. Used to reach a requester waiting for admission.
func (r *Registry) ConnsByUser(uid domain.UserID) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[uid]
	out := make([]ConnID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (r *Registry) User(id ConnID) (*domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.User == nil {
		return nil, false
	}
	return e.User, true
}

func (r *Registry) Conn(id ConnID) (SignalConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.Conn == nil {
		return nil, false
	}
	return e.Conn, true
}

func (r *Registry) RoomOf(id ConnID) (domain.RoomKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.Room == "" {
		return "", false
	}
	return e.Room, true
}

// Register places the connection into a room. A connection that already has a
// room is silently migrated out of the old one first; the previous room is
// returned so the caller can fire the same membership-changed notification as
// an explicit leave.
func (r *Registry) Register(id ConnID, room domain.RoomKey) (prev domain.RoomKey, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.conns[id]
	if !found {
		return "", false
	}
	prev = e.Room
	if prev == room {
		return "", true
	}
	if prev != "" {
		r.dropFromRoom(id, prev)
	}
	e.Room = room
	e.JoinedAt = time.Now()
	set, found := r.byRoom[room]
	if !found {
		set = make(map[ConnID]struct{})
		r.byRoom[room] = set
	}
	set[id] = struct{}{}
	log.Debug().Str("module", "core.registry").Str("conn", string(id)).
		Str("room", string(room)).Str("prev", string(prev)).Msg("registered")
	return prev, true
}

// Unregister removes the room association but keeps the channel bound.
func (r *Registry) Unregister(id ConnID) (ConnState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return ConnState{}, false
	}
	prev := ConnState{User: e.User, Room: e.Room, JoinedAt: e.JoinedAt}
	if e.Room != "" {
		r.dropFromRoom(id, e.Room)
		e.Room = ""
	}
	return prev, true
}

// Drop removes the connection entirely. Called when the channel closes.
func (r *Registry) Drop(id ConnID) (ConnState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return ConnState{}, false
	}
	prev := ConnState{User: e.User, Room: e.Room, JoinedAt: e.JoinedAt}
	if e.Room != "" {
		r.dropFromRoom(id, e.Room)
	}
	if e.User != nil {
		r.dropFromUser(id, e.User.ID)
	}
	delete(r.conns, id)
	log.Debug().Str("module", "core.registry").Str("conn", string(id)).Msg("dropped connection")
	return prev, true
}

func (r *Registry) dropFromRoom(id ConnID, room domain.RoomKey) {
	if set, ok := r.byRoom[room]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byRoom, room)
		}
	}
}

// ConnsInRoom returns the live connection ids of a room.
func (r *Registry) ConnsInRoom(room domain.RoomKey) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byRoom[room]
	out := make([]ConnID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ConnsOfUser returns every connection currently bound under the given identity
// in a room. Reconnects can briefly leave more than one.
func (r *Registry) ConnsOfUser(room domain.RoomKey, uid domain.UserID) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ConnID
	for id := range r.byRoom[room] {
		if e, ok := r.conns[id]; ok && e.User != nil && e.User.ID == uid {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns every bound connection id. Used by the shutdown drain.
func (r *Registry) All() []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnID, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// Cancel fires the per-connection cancel func, tearing down its pumps.
func (r *Registry) Cancel(id ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	return true
}
