package app

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/app/adminbus"
	"github.com/ostraka/meetcore/internal/app/ratelimit"
	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
	"github.com/ostraka/meetcore/internal/store"
)

// JoinParams is everything a direct join carries.
type JoinParams struct {
	Room      string
	Name      string
	Email     string
	ClientKey string
	// RequireApproval only matters when this join creates the meeting.
	RequireApproval bool
}

// JoinResult reports the accepted join back to the adapter.
type JoinResult struct {
	Room         domain.RoomKey
	User         *domain.User
	IsHost       bool
	Participants []core.ParticipantDTO
}

// Join runs the direct-join admission flow: rate limit, input bounds, caps,
// durable resolve/upsert, registry and directory mutation, synchronous state
// emit to the joiner and a debounced broadcast to the rest of the room.
func (s *Service) Join(ctx context.Context, id core.ConnID, p JoinParams) (*JoinResult, error) {
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

	mu := s.connLock(id)
	mu.Lock()
	defer mu.Unlock()

	user, err := s.resolveUser(ctx, id, p.ClientKey, name, p.Email)
	if err != nil {
		return nil, err
	}
	return s.joinResolved(ctx, id, user, roomKey, p.RequireApproval, false)
}

// resolveUser settles the durable identity and caches it on the registry.
func (s *Service) resolveUser(ctx context.Context, id core.ConnID, clientKey, name, email string) (*domain.User, error) {
	rec, err := s.store.GetOrCreateUser(ctx, clientKey, name, email)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Str("conn", string(id)).Msg("resolve user")
		return nil, domain.NewInternalError()
	}
	user := &domain.User{ID: domain.UserID(rec.ID.String()), Name: rec.Name, Email: rec.Email}
	s.registry.SetUser(id, user)
	return user, nil
}

// joinResolved is the shared tail of direct join and approved admission.
// Caller holds the connection lock. bypassApproval is set when a host approval
// already admitted this identity.
func (s *Service) joinResolved(ctx context.Context, id core.ConnID, user *domain.User, roomKey domain.RoomKey, requireApproval, bypassApproval bool) (*JoinResult, error) {
	if s.registry.Count() > s.cfg.MaxConnections {
		return nil, domain.NewValidationError("server is at capacity")
	}
	if _, exists := s.dir.Get(roomKey); !exists && s.dir.Count() >= s.cfg.MaxRooms {
		return nil, domain.NewValidationError("room limit reached")
	}

	meeting, createdMeeting, err := s.store.GetOrCreateMeeting(ctx, string(roomKey), string(roomKey), requireApproval)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Str("room", string(roomKey)).Msg("resolve meeting")
		return nil, domain.NewInternalError()
	}

	// Admission policy: a non-empty approval-gated room only admits through
	// the request/approve flow.
	if meeting.RequiresApproval && !bypassApproval {
		if rs, ok := s.dir.Get(roomKey); ok && rs.Count() > 0 {
			return nil, domain.NewApprovalRequiredError()
		}
	}

	userUUID, err := uuid.Parse(string(user.ID))
	if err != nil {
		return nil, domain.NewInternalError()
	}

	// The grace teardown can retire the projection while the store calls
	// below are in flight, so the membership commit re-validates under the
	// room lock and retries against a fresh projection when that happens.
	var (
		rs          *core.RoomState
		claimedHost bool
	)
	for attempt := 0; ; attempt++ {
		var createdRoom bool
		rs, createdRoom = s.dir.GetOrCreate(roomKey)
		rs.BindMeeting(domain.MeetingID(meeting.ID.String()), meeting.Title, meeting.RequiresApproval)
		if createdRoom && !createdMeeting {
			s.reconcileStaleShare(ctx, meeting.ID)
		}

		// Cheap early reject; AddMember re-checks under the room lock.
		if rs.Count() >= s.cfg.MaxParticipantsPerRoom {
			return nil, domain.NewValidationError("room is full")
		}

		liveCount, err := s.store.CountActiveParticipants(ctx, meeting.ID)
		if err != nil {
			log.Error().Err(err).Str("module", "app").Str("room", string(roomKey)).Msg("count participants")
			return nil, domain.NewInternalError()
		}

		// Host assignment: first identity into an empty meeting. The
		// in-memory claim is the arbiter, so two racing first joins yield
		// exactly one host.
		recomputeHost := liveCount == 0 && rs.Count() == 0
		claimedHost = false
		if recomputeHost {
			claimedHost = rs.ClaimHost(user.ID)
		}

		if _, err := s.store.UpsertParticipant(ctx, userUUID, meeting.ID, claimedHost, recomputeHost); err != nil {
			if claimedHost {
				rs.ReleaseHostIf(user.ID)
			}
			log.Error().Err(err).Str("module", "app").Str("room", string(roomKey)).Msg("upsert participant")
			return nil, domain.NewInternalError()
		}

		// An idempotent re-join migrates the connection out of its old room
		// with full leave semantics before entering the new one.
		if prev, ok := s.registry.RoomOf(id); ok && prev != roomKey {
			s.leaveRoomLocked(ctx, id)
		}
		if _, ok := s.registry.Register(id, roomKey); !ok {
			// Channel closed while we were resolving; roll the row back so
			// no phantom membership survives.
			if claimedHost {
				rs.ReleaseHostIf(user.ID)
			}
			if err := s.store.MarkParticipantLeft(ctx, userUUID, meeting.ID); err != nil {
				log.Warn().Err(err).Str("module", "app").Msg("rollback participant")
			}
			return nil, domain.NewInternalError()
		}

		_, addErr := rs.AddMember(id, user, s.cfg.MaxParticipantsPerRoom)
		if addErr == nil {
			break
		}
		if claimedHost {
			rs.ReleaseHostIf(user.ID)
		}
		s.registry.Unregister(id)
		if errors.Is(addErr, core.ErrRoomFull) {
			if err := s.store.MarkParticipantLeft(ctx, userUUID, meeting.ID); err != nil {
				log.Warn().Err(err).Str("module", "app").Msg("rollback participant")
			}
			return nil, domain.NewValidationError("room is full")
		}
		if attempt >= 2 {
			if err := s.store.MarkParticipantLeft(ctx, userUUID, meeting.ID); err != nil {
				log.Warn().Err(err).Str("module", "app").Msg("rollback participant")
			}
			log.Error().Str("module", "app").Str("room", string(roomKey)).Msg("room kept vanishing during join")
			return nil, domain.NewInternalError()
		}
		log.Debug().Str("module", "app").Str("room", string(roomKey)).Msg("room destroyed mid-join, retrying")
	}

	if err := s.media.EnsureRouter(roomKey); err != nil {
		log.Error().Err(err).Str("module", "app").Str("room", string(roomKey)).Msg("provision router")
	}

	result := &JoinResult{
		Room:         roomKey,
		User:         user,
		IsHost:       rs.Host() == user.ID,
		Participants: rs.Snapshot(),
	}

	// Synchronous emit to the joiner: membership first, then any live share.
	s.sendTo(id, NewParticipantsEvent(roomKey, result.Participants))
	if sharerID, _, sessionID := rs.Sharer(); sharerID != "" {
		s.sendTo(id, ScreenSharerInfoEvent{
			Type:  "screen-sharer-info",
			Room:  roomKey,
			Share: &ShareDTO{SessionID: sessionID, UserID: sharerID, Name: s.nameInRoom(rs, sharerID)},
		})
	}

	s.presence.Schedule(roomKey)

	if createdMeeting {
		s.bus.Publish(adminbus.Event{Type: adminbus.EventNewMeeting, Data: map[string]any{
			"room": roomKey, "meetingId": meeting.ID.String(), "requiresApproval": meeting.RequiresApproval,
		}})
	}
	s.bus.Publish(adminbus.Event{Type: adminbus.EventUserJoined, Data: map[string]any{
		"room": roomKey, "userId": user.ID, "name": user.Name, "isHost": result.IsHost,
	}})

	log.Info().Str("module", "app").Str("conn", string(id)).Str("room", string(roomKey)).
		Str("user", string(user.ID)).Bool("host", result.IsHost).Msg("joined")
	return result, nil
}

// reconcileStaleShare closes a dangling active share left over from a crash:
// the live projection is fresh, so nobody can be sharing.
func (s *Service) reconcileStaleShare(ctx context.Context, meetingID uuid.UUID) {
	ss, err := s.store.ActiveScreenShare(ctx, meetingID)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Warn().Err(err).Str("module", "app").Msg("stale share lookup")
		}
		return
	}
	if err := s.store.StopScreenShare(ctx, ss.ID); err != nil {
		log.Warn().Err(err).Str("module", "app").Msg("stale share stop")
		return
	}
	log.Info().Str("module", "app").Str("session", ss.ID.String()).Msg("closed stale screen share")
}

func (s *Service) nameInRoom(rs *core.RoomState, uid domain.UserID) string {
	for _, m := range rs.Snapshot() {
		if m.UserID == uid {
			return m.Name
		}
	}
	return ""
}

// storeIDs maps the live identifiers back to durable uuids.
func storeIDs(user *domain.User, rs *core.RoomState) (userID, meetingID uuid.UUID, err error) {
	userID, err = uuid.Parse(string(user.ID))
	if err != nil {
		return
	}
	meetingID, err = uuid.Parse(string(rs.MeetingID()))
	return
}
