package core

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/domain"
)

var (
	// ErrRoomDestroyed reports a commit against a projection the grace
	// teardown already dropped. The caller retries with a fresh one.
	ErrRoomDestroyed = errors.New("room state destroyed")
	// ErrRoomFull reports the participant cap, checked under the room lock.
	ErrRoomFull = errors.New("room full")
)

// RoomState is the live projection of a meeting: membership, host and sharer.
// All mutating operations lock the room, so same-room traffic is serialized
// while different rooms never contend.
type RoomState struct {
	Key domain.RoomKey

	mu               sync.Mutex
	meetingID        domain.MeetingID
	title            string
	requiresApproval bool

	members map[ConnID]*domain.User
	order   []ConnID

	hostID domain.UserID
	dead   bool

	sharerID      domain.UserID
	sharerConn    ConnID
	sharerSession string

	destroy *time.Timer
}

func newRoomState(key domain.RoomKey) *RoomState {
	return &RoomState{
		Key:     key,
		members: make(map[ConnID]*domain.User),
	}
}

// BindMeeting links the live projection to its durable meeting record.
func (rs *RoomState) BindMeeting(id domain.MeetingID, title string, requiresApproval bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.meetingID = id
	rs.title = title
	rs.requiresApproval = requiresApproval
}

func (rs *RoomState) MeetingID() domain.MeetingID {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.meetingID
}

func (rs *RoomState) RequiresApproval() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.requiresApproval
}

// AddMember inserts the connection and cancels a pending destroy timer.
// Returns the new member count. The capacity check and the destroyed check
// both happen under the room lock so racing joins cannot overfill the room
// or commit into a projection the grace teardown already dropped. A
// capacity of zero or less means unlimited.
func (rs *RoomState) AddMember(id ConnID, u *domain.User, capacity int) (int, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.dead {
		return 0, ErrRoomDestroyed
	}
	if _, ok := rs.members[id]; !ok && capacity > 0 && len(rs.members) >= capacity {
		return len(rs.members), ErrRoomFull
	}
	if rs.destroy != nil {
		rs.destroy.Stop()
		rs.destroy = nil
	}
	if _, ok := rs.members[id]; !ok {
		rs.order = append(rs.order, id)
	}
	rs.members[id] = u
	log.Debug().Str("module", "core.directory").Str("room", string(rs.Key)).
		Str("conn", string(id)).Str("user", string(u.ID)).Msg("member added")
	return len(rs.members), nil
}

// RemoveMember drops the connection, returning its identity and the remaining
// member count. The sharer slot is cleared when the sharer's connection leaves.
func (rs *RoomState) RemoveMember(id ConnID) (*domain.User, int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	u, ok := rs.members[id]
	if !ok {
		return nil, len(rs.members)
	}
	delete(rs.members, id)
	for i, c := range rs.order {
		if c == id {
			rs.order = append(rs.order[:i], rs.order[i+1:]...)
			break
		}
	}
	if rs.sharerConn == id {
		rs.sharerID = ""
		rs.sharerConn = ""
		rs.sharerSession = ""
	}
	return u, len(rs.members)
}

func (rs *RoomState) Count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.members)
}

// Snapshot returns the member list in join order.
func (rs *RoomState) Snapshot() []ParticipantDTO {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]ParticipantDTO, 0, len(rs.members))
	for _, id := range rs.order {
		u := rs.members[id]
		out = append(out, ParticipantDTO{
			UserID: u.ID,
			Name:   u.Name,
			IsHost: u.ID == rs.hostID,
		})
	}
	return out
}

func (rs *RoomState) Host() domain.UserID {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.hostID
}

// ClaimHost assigns the host slot if and only if it is still vacant. The room
// lock makes two racing first joins resolve to exactly one host.
func (rs *RoomState) ClaimHost(uid domain.UserID) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.hostID != "" {
		return false
	}
	rs.hostID = uid
	return true
}

// ReleaseHostIf undoes a host claim after a failed persistence call.
func (rs *RoomState) ReleaseHostIf(uid domain.UserID) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.hostID == uid {
		rs.hostID = ""
	}
}

// Sharer reports the current active sharer, if any.
func (rs *RoomState) Sharer() (domain.UserID, ConnID, string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.sharerID, rs.sharerConn, rs.sharerSession
}

// ClaimSharer atomically takes the share slot. If another identity holds it,
// the holder is returned and the claim fails. A re-claim by the same identity
// (e.g. from a new connection) succeeds and displaces the stale claim.
func (rs *RoomState) ClaimSharer(uid domain.UserID, conn ConnID) (holder domain.UserID, ok bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.sharerID != "" && rs.sharerID != uid {
		return rs.sharerID, false
	}
	rs.sharerID = uid
	rs.sharerConn = conn
	rs.sharerSession = ""
	return "", true
}

// ConfirmSharer records the durable session id, but only when the claim is
// still held by the same identity: a disconnect may have cleared it while the
// store call was in flight.
func (rs *RoomState) ConfirmSharer(uid domain.UserID, sessionID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.sharerID != uid {
		return false
	}
	rs.sharerSession = sessionID
	return true
}

// ReleaseSharer clears the slot if held by uid.
func (rs *RoomState) ReleaseSharer(uid domain.UserID) (sessionID string, ok bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.sharerID != uid {
		return "", false
	}
	sessionID = rs.sharerSession
	rs.sharerID = ""
	rs.sharerConn = ""
	rs.sharerSession = ""
	return sessionID, true
}

// markDeadIfEmpty retires the projection once and for all, so a join that
// raced past Directory.Get cannot commit a member into it afterwards.
func (rs *RoomState) markDeadIfEmpty() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.members) > 0 {
		return false
	}
	rs.dead = true
	if rs.destroy != nil {
		rs.destroy.Stop()
		rs.destroy = nil
	}
	return true
}

// ScheduleDestroy arms the empty-room grace timer. fn runs after delay unless
// a member arrives first. Re-arming replaces the previous timer.
func (rs *RoomState) ScheduleDestroy(delay time.Duration, fn func()) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.destroy != nil {
		rs.destroy.Stop()
	}
	rs.destroy = time.AfterFunc(delay, fn)
}

// Directory maps room keys to live room state.
type Directory struct {
	mu    sync.RWMutex
	rooms map[domain.RoomKey]*RoomState
}

func NewDirectory() *Directory {
	return &Directory{rooms: make(map[domain.RoomKey]*RoomState)}
}

func (d *Directory) Get(key domain.RoomKey) (*RoomState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rs, ok := d.rooms[key]
	return rs, ok
}

// GetOrCreate lazily creates the live projection on first join.
func (d *Directory) GetOrCreate(key domain.RoomKey) (*RoomState, bool) {
	d.mu.RLock()
	rs, ok := d.rooms[key]
	d.mu.RUnlock()
	if ok {
		return rs, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if rs, ok = d.rooms[key]; ok {
		return rs, false
	}
	rs = newRoomState(key)
	d.rooms[key] = rs
	log.Info().Str("module", "core.directory").Str("room", string(key)).Msg("room created")
	return rs, true
}

// RemoveIfEmpty destroys the live projection once the grace delay has elapsed
// and nobody reconnected. The durable meeting record is untouched.
func (d *Directory) RemoveIfEmpty(key domain.RoomKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs, ok := d.rooms[key]
	if !ok {
		return false
	}
	if !rs.markDeadIfEmpty() {
		return false
	}
	delete(d.rooms, key)
	log.Info().Str("module", "core.directory").Str("room", string(key)).Msg("empty room destroyed")
	return true
}

func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

func (d *Directory) List() []RoomInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]RoomInfo, 0, len(d.rooms))
	for key, rs := range d.rooms {
		out = append(out, RoomInfo{Key: key, MemberCount: rs.Count()})
	}
	return out
}
