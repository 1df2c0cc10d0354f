package app

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/app/adminbus"
	"github.com/ostraka/meetcore/internal/app/ratelimit"
	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
	"github.com/ostraka/meetcore/internal/store"
)

// RequestJoin files a pending admission request for an approval-gated room.
// Rooms without the approval policy fall through to a direct join.
func (s *Service) RequestJoin(ctx context.Context, id core.ConnID, p JoinParams) (*JoinResult, error) {
	if allowed, retry := s.limiter.Allow(string(id), ratelimit.ClassJoin); !allowed {
		return nil, domain.NewRateLimitError(retry)
	}
	roomKey, err := domain.ValidateRoomKey(p.Room, s.cfg.MaxRoomKeyLen)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, domain.NewValidationError("display name is empty")
	}
	if len(name) > s.cfg.MaxDisplayNameLen {
		return nil, domain.NewValidationError("display name too long")
	}

	meeting, err := s.store.GetMeetingByRoom(ctx, string(roomKey))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, domain.NewNotFoundError("unknown room")
		}
		log.Error().Err(err).Str("module", "app").Str("room", string(roomKey)).Msg("meeting lookup")
		return nil, domain.NewInternalError()
	}

	mu := s.connLock(id)
	mu.Lock()
	defer mu.Unlock()

	user, err := s.resolveUser(ctx, id, p.ClientKey, name, p.Email)
	if err != nil {
		return nil, err
	}

	if !meeting.RequiresApproval {
		return s.joinResolved(ctx, id, user, roomKey, false, false)
	}
	rs, ok := s.dir.Get(roomKey)
	if !ok || rs.Count() == 0 {
		// Empty room: the requester would become host anyway.
		return s.joinResolved(ctx, id, user, roomKey, false, true)
	}

	userUUID, err := uuid.Parse(string(user.ID))
	if err != nil {
		return nil, domain.NewInternalError()
	}
	jr, created, err := s.store.CreateJoinRequest(ctx, userUUID, meeting.ID)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Str("room", string(roomKey)).Msg("create join request")
		return nil, domain.NewInternalError()
	}

	s.sendTo(id, JoinPendingEvent{Type: "join-pending", Room: roomKey})

	if created {
		req := JoinRequestDTO{ID: jr.ID.String(), UserID: string(user.ID), Name: user.Name, CreatedAt: jr.CreatedAt}
		ev := NewJoinRequestEvent{Type: "new-join-request", Room: roomKey, Request: req}
		for _, hostConn := range s.registry.ConnsOfUser(roomKey, rs.Host()) {
			s.sendTo(hostConn, ev)
		}
		s.bus.Publish(adminbus.Event{Type: adminbus.EventNewJoinRequest, Data: ev})
	}
	return nil, nil
}

// resolveHostRoom loads the caller's room and verifies the host role.
func (s *Service) resolveHostRoom(id core.ConnID) (*core.RoomState, *domain.User, error) {
	room, ok := s.registry.RoomOf(id)
	if !ok {
		return nil, nil, domain.NewValidationError("join a room first")
	}
	rs, ok := s.dir.Get(room)
	if !ok {
		return nil, nil, domain.NewNotFoundError("unknown room")
	}
	user, ok := s.registry.User(id)
	if !ok || user.ID != rs.Host() {
		return nil, nil, domain.NewAuthorizationError("host role required")
	}
	return rs, user, nil
}

// ApproveRequest admits a pending requester; the approval performs the same
// join sequence as a direct join on the requester's live connection.
func (s *Service) ApproveRequest(ctx context.Context, id core.ConnID, requestID string) error {
	if allowed, retry := s.limiter.Allow(string(id), ratelimit.ClassRequest); !allowed {
		return domain.NewRateLimitError(retry)
	}
	rs, _, err := s.resolveHostRoom(id)
	if err != nil {
		return err
	}
	reqUUID, err := uuid.Parse(requestID)
	if err != nil {
		return domain.NewValidationError("bad request id")
	}

	jr, err := s.store.ResolveJoinRequest(ctx, reqUUID, store.JoinRequestApproved)
	if err != nil {
		if store.IsNotFound(err) {
			return domain.NewNotFoundError("no pending request")
		}
		log.Error().Err(err).Str("module", "app").Msg("resolve join request")
		return domain.NewInternalError()
	}
	if jr.MeetingID.String() != string(rs.MeetingID()) {
		return domain.NewNotFoundError("no pending request")
	}

	requester := &domain.User{ID: domain.UserID(jr.User.ID.String()), Name: jr.User.Name, Email: jr.User.Email}
	conns := s.registry.ConnsByUser(requester.ID)
	if len(conns) == 0 {
		// Requester went away; the approval stays on record.
		log.Info().Str("module", "app").Str("user", string(requester.ID)).Msg("approved requester offline")
		return nil
	}
	target := conns[0]

	s.sendTo(target, JoinResolvedEvent{Type: "join-approved", Room: rs.Key})

	mu := s.connLock(target)
	mu.Lock()
	defer mu.Unlock()
	s.registry.SetUser(target, requester)
	if _, err := s.joinResolved(ctx, target, requester, rs.Key, false, true); err != nil {
		s.sendError(target, "error", err)
	}
	return nil
}

// DeclineRequest resolves a pending request negatively and tells the requester.
func (s *Service) DeclineRequest(ctx context.Context, id core.ConnID, requestID string) error {
	if allowed, retry := s.limiter.Allow(string(id), ratelimit.ClassRequest); !allowed {
		return domain.NewRateLimitError(retry)
	}
	rs, _, err := s.resolveHostRoom(id)
	if err != nil {
		return err
	}
	reqUUID, err := uuid.Parse(requestID)
	if err != nil {
		return domain.NewValidationError("bad request id")
	}

	jr, err := s.store.ResolveJoinRequest(ctx, reqUUID, store.JoinRequestDeclined)
	if err != nil {
		if store.IsNotFound(err) {
			return domain.NewNotFoundError("no pending request")
		}
		log.Error().Err(err).Str("module", "app").Msg("resolve join request")
		return domain.NewInternalError()
	}
	if jr.MeetingID.String() != string(rs.MeetingID()) {
		return domain.NewNotFoundError("no pending request")
	}

	for _, conn := range s.registry.ConnsByUser(domain.UserID(jr.User.ID.String())) {
		s.sendTo(conn, JoinResolvedEvent{Type: "join-declined", Room: rs.Key})
	}
	return nil
}

// PendingRequests lists the open admission queue; host only.
func (s *Service) PendingRequests(ctx context.Context, id core.ConnID) (*PendingRequestsEvent, error) {
	if allowed, retry := s.limiter.Allow(string(id), ratelimit.ClassRequest); !allowed {
		return nil, domain.NewRateLimitError(retry)
	}
	rs, _, err := s.resolveHostRoom(id)
	if err != nil {
		return nil, err
	}
	meetingID, err := uuid.Parse(string(rs.MeetingID()))
	if err != nil {
		return nil, domain.NewInternalError()
	}
	rows, err := s.store.PendingJoinRequests(ctx, meetingID)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Msg("pending join requests")
		return nil, domain.NewInternalError()
	}
	out := PendingRequestsEvent{Type: "pending-requests", Room: rs.Key, Requests: make([]JoinRequestDTO, 0, len(rows))}
	for _, jr := range rows {
		out.Requests = append(out.Requests, JoinRequestDTO{
			ID: jr.ID.String(), UserID: jr.UserID.String(), Name: jr.User.Name, CreatedAt: jr.CreatedAt,
		})
	}
	return &out, nil
}

// sendError pushes a typed error event on the given channel kind.
func (s *Service) sendError(id core.ConnID, kind string, err error) {
	ee, ok := err.(*domain.EventError)
	if !ok {
		ee = domain.NewInternalError()
	}
	s.sendTo(id, ErrorEvent{Type: kind, EventError: *ee})
}
