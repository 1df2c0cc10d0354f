package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ostraka/meetcore/internal/app/adminbus"
	"github.com/ostraka/meetcore/internal/app/ratelimit"
	"github.com/ostraka/meetcore/internal/config"
	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
	"github.com/ostraka/meetcore/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxParticipantsPerRoom: 4,
		MaxConnections:         100,
		MaxRooms:               10,
		MaxRoomKeyLen:          64,
		MaxDisplayNameLen:      36,
		ChatMaxLen:             40,
		ChatHistoryLimit:       5,
		PresenceDebounce:       5 * time.Millisecond,
		RoomGraceDelay:         20 * time.Millisecond,
		StoreTimeout:           time.Second,
		StatsInterval:          0,
	}
}

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New(map[ratelimit.Class]ratelimit.Config{
		ratelimit.ClassJoin:    {Limit: 1000, Window: time.Minute},
		ratelimit.ClassChat:    {Limit: 1000, Window: time.Minute},
		ratelimit.ClassRequest: {Limit: 1000, Window: time.Minute},
	}, 0)
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeMedia) {
	t.Helper()
	st := newFakeStore()
	media := &fakeMedia{}
	svc := NewService(
		testConfig(),
		core.NewRegistry(),
		core.NewDirectory(),
		st,
		testLimiter(),
		media,
		adminbus.New(nil, ""),
	)
	t.Cleanup(svc.StopAccepting)
	return svc, st, media
}

// connect binds a fake channel and returns it for event inspection.
func connect(svc *Service, id core.ConnID) *fakeConn {
	conn := &fakeConn{}
	svc.Connect(id, conn, func() {})
	return conn
}

func join(t *testing.T, svc *Service, id core.ConnID, room, name string) *JoinResult {
	t.Helper()
	res, err := svc.Join(context.Background(), id, JoinParams{
		Room: room, Name: name, ClientKey: string(id),
	})
	if err != nil {
		t.Fatalf("join %s into %s: %v", id, room, err)
	}
	return res
}

func mustRoomState(t *testing.T, svc *Service, room domain.RoomKey) *core.RoomState {
	t.Helper()
	rs, ok := svc.Directory().Get(room)
	if !ok {
		t.Fatalf("room %s not in directory", room)
	}
	return rs
}

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) eventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

func (c *fakeConn) countType(t string) int {
	n := 0
	for _, ev := range c.eventTypes() {
		if ev == t {
			n++
		}
	}
	return n
}

// lastOfType decodes the most recent frame of the given event type.
func (c *fakeConn) lastOfType(t string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		var m map[string]any
		if err := json.Unmarshal(c.frames[i], &m); err != nil {
			continue
		}
		if m["type"] == t {
			return m, true
		}
	}
	return nil, false
}

type fakeMedia struct {
	mu       sync.Mutex
	ensured  []domain.RoomKey
	released []core.ConnID
	closed   []domain.RoomKey
}

func (m *fakeMedia) EnsureRouter(room domain.RoomKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured = append(m.ensured, room)
	return nil
}

func (m *fakeMedia) CloseRouter(room domain.RoomKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, room)
}

func (m *fakeMedia) ReleasePeer(conn core.ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, conn)
}

func (m *fakeMedia) Close() error { return nil }

func (m *fakeMedia) closedRooms() []domain.RoomKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RoomKey(nil), m.closed...)
}

type participantKey struct {
	user    uuid.UUID
	meeting uuid.UUID
}

// fakeStore is an in-memory Store with the same visible semantics as the gorm
// implementation, plus injectable failures for rollback paths.
type fakeStore struct {
	mu           sync.Mutex
	users        map[string]*store.User
	meetings     map[string]*store.Meeting
	participants map[participantKey]*store.Participant
	requests     map[uuid.UUID]*store.JoinRequest
	shares       map[uuid.UUID]*store.ScreenShare
	messages     map[uuid.UUID]*store.ChatMessage
	msgOrder     []uuid.UUID

	failUpsert      bool
	failCreateShare bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        make(map[string]*store.User),
		meetings:     make(map[string]*store.Meeting),
		participants: make(map[participantKey]*store.Participant),
		requests:     make(map[uuid.UUID]*store.JoinRequest),
		shares:       make(map[uuid.UUID]*store.ScreenShare),
		messages:     make(map[uuid.UUID]*store.ChatMessage),
	}
}

func (f *fakeStore) GetOrCreateUser(_ context.Context, clientKey, name, email string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[clientKey]; ok {
		u.Name = name
		u.Email = email
		return u, nil
	}
	u := &store.User{ID: uuid.New(), ClientKey: clientKey, Name: name, Email: email, CreatedAt: time.Now()}
	f.users[clientKey] = u
	return u, nil
}

func (f *fakeStore) userByID(id uuid.UUID) *store.User {
	for _, u := range f.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (f *fakeStore) GetMeetingByRoom(_ context.Context, roomKey string) (*store.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.meetings[roomKey]; ok {
		return m, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) GetOrCreateMeeting(_ context.Context, roomKey, title string, requiresApproval bool) (*store.Meeting, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.meetings[roomKey]; ok {
		return m, false, nil
	}
	m := &store.Meeting{ID: uuid.New(), RoomKey: roomKey, Title: title, RequiresApproval: requiresApproval, CreatedAt: time.Now()}
	f.meetings[roomKey] = m
	return m, true, nil
}

func (f *fakeStore) CountActiveParticipants(_ context.Context, meetingID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, p := range f.participants {
		if p.MeetingID == meetingID && p.LeftAt == nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) UpsertParticipant(_ context.Context, userID, meetingID uuid.UUID, isHost, recomputeHost bool) (*store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert {
		return nil, fmt.Errorf("injected upsert failure")
	}
	k := participantKey{user: userID, meeting: meetingID}
	p, ok := f.participants[k]
	if !ok {
		p = &store.Participant{ID: uuid.New(), UserID: userID, MeetingID: meetingID}
		f.participants[k] = p
	}
	if recomputeHost {
		p.IsHost = isHost
	}
	p.JoinedAt = time.Now()
	p.LeftAt = nil
	return p, nil
}

func (f *fakeStore) MarkParticipantLeft(_ context.Context, userID, meetingID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.participants[participantKey{user: userID, meeting: meetingID}]; ok {
		now := time.Now()
		p.LeftAt = &now
	}
	return nil
}

func (f *fakeStore) CreateJoinRequest(_ context.Context, userID, meetingID uuid.UUID) (*store.JoinRequest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, jr := range f.requests {
		if jr.UserID == userID && jr.MeetingID == meetingID && jr.Status == store.JoinRequestPending {
			return jr, false, nil
		}
	}
	jr := &store.JoinRequest{
		ID: uuid.New(), UserID: userID, MeetingID: meetingID,
		Status: store.JoinRequestPending, CreatedAt: time.Now(),
	}
	if u := f.userByID(userID); u != nil {
		jr.User = *u
	}
	f.requests[jr.ID] = jr
	return jr, true, nil
}

func (f *fakeStore) PendingJoinRequests(_ context.Context, meetingID uuid.UUID) ([]store.JoinRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.JoinRequest
	for _, jr := range f.requests {
		if jr.MeetingID == meetingID && jr.Status == store.JoinRequestPending {
			out = append(out, *jr)
		}
	}
	return out, nil
}

func (f *fakeStore) ResolveJoinRequest(_ context.Context, id uuid.UUID, status string) (*store.JoinRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jr, ok := f.requests[id]
	if !ok || jr.Status != store.JoinRequestPending {
		return nil, gorm.ErrRecordNotFound
	}
	now := time.Now()
	jr.Status = status
	jr.ResolvedAt = &now
	return jr, nil
}

func (f *fakeStore) ActiveScreenShare(_ context.Context, meetingID uuid.UUID) (*store.ScreenShare, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ss := range f.shares {
		if ss.MeetingID == meetingID && ss.IsActive {
			return ss, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) DeactivateScreenShares(_ context.Context, userID, meetingID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ss := range f.shares {
		if ss.UserID == userID && ss.MeetingID == meetingID && ss.IsActive {
			now := time.Now()
			ss.IsActive = false
			ss.StoppedAt = &now
		}
	}
	return nil
}

func (f *fakeStore) CreateScreenShare(_ context.Context, userID, meetingID uuid.UUID) (*store.ScreenShare, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateShare {
		return nil, fmt.Errorf("injected create share failure")
	}
	ss := &store.ScreenShare{ID: uuid.New(), UserID: userID, MeetingID: meetingID, IsActive: true, StartedAt: time.Now()}
	f.shares[ss.ID] = ss
	return ss, nil
}

func (f *fakeStore) StopScreenShare(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ss, ok := f.shares[id]; ok && ss.IsActive {
		now := time.Now()
		ss.IsActive = false
		ss.StoppedAt = &now
	}
	return nil
}

func (f *fakeStore) activeShares(meetingID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ss := range f.shares {
		if ss.MeetingID == meetingID && ss.IsActive {
			n++
		}
	}
	return n
}

func (f *fakeStore) CreateMessage(_ context.Context, userID, meetingID uuid.UUID, text string) (*store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := &store.ChatMessage{ID: uuid.New(), UserID: userID, MeetingID: meetingID, Text: text, CreatedAt: time.Now()}
	if u := f.userByID(userID); u != nil {
		msg.User = *u
	}
	f.messages[msg.ID] = msg
	f.msgOrder = append(f.msgOrder, msg.ID)
	return msg, nil
}

func (f *fakeStore) ListMessages(_ context.Context, meetingID uuid.UUID, limit int) ([]store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []store.ChatMessage
	for _, id := range f.msgOrder {
		if msg, ok := f.messages[id]; ok && msg.MeetingID == meetingID {
			all = append(all, *msg)
		}
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (f *fakeStore) GetMessage(_ context.Context, id uuid.UUID) (*store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := f.messages[id]; ok {
		return msg, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) DeleteMessage(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) Counts(_ context.Context) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.meetings)), int64(len(f.messages)), nil
}

func (f *fakeStore) Close() error { return nil }
