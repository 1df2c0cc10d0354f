package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/app/ratelimit"
	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
)

// StartShare arbitrates the exclusive screen-share slot. The in-memory claim
// is taken atomically under the room lock before any store call, and confirmed
// after the store round-trip, which closes the check-then-act window without
// holding the lock across I/O.
func (s *Service) StartShare(ctx context.Context, id core.ConnID) (*ShareDTO, error) {
	if allowed, retry := s.limiter.Allow(string(id), ratelimit.ClassRequest); !allowed {
		return nil, domain.NewRateLimitError(retry)
	}
	rs, user, err := s.resolveMember(id)
	if err != nil {
		return nil, err
	}

	holder, ok := rs.ClaimSharer(user.ID, id)
	if !ok {
		// Tell the current sharer a hand-off was requested, then reject with
		// the holder attached so the caller can follow up.
		holderUser := &domain.User{ID: holder, Name: s.nameInRoom(rs, holder)}
		if _, holderConn, _ := rs.Sharer(); holderConn != "" {
			s.sendTo(holderConn, ScreenShareRequestedEvent{
				Type: "screen-share-requested", Room: rs.Key, Requester: *user,
			})
		}
		return nil, domain.NewConflictError(holderUser)
	}

	uid, mid, err := storeIDs(user, rs)
	if err != nil {
		rs.ReleaseSharer(user.ID)
		return nil, domain.NewInternalError()
	}
	// Any stale active session of the same identity dies before the new one.
	if err := s.store.DeactivateScreenShares(ctx, uid, mid); err != nil {
		rs.ReleaseSharer(user.ID)
		log.Error().Err(err).Str("module", "app").Str("room", string(rs.Key)).Msg("deactivate stale shares")
		return nil, domain.NewInternalError()
	}
	ss, err := s.store.CreateScreenShare(ctx, uid, mid)
	if err != nil {
		rs.ReleaseSharer(user.ID)
		log.Error().Err(err).Str("module", "app").Str("room", string(rs.Key)).Msg("create screen share")
		return nil, domain.NewInternalError()
	}

	if !rs.ConfirmSharer(user.ID, ss.ID.String()) {
		// The claim was cleared while the store call was in flight (the caller
		// disconnected). Release the durable row exactly once, here.
		if err := s.store.StopScreenShare(ctx, ss.ID); err != nil {
			log.Error().Err(err).Str("module", "app").Str("session", ss.ID.String()).Msg("rollback screen share")
		}
		return nil, domain.NewInternalError()
	}

	share := ShareDTO{SessionID: ss.ID.String(), UserID: user.ID, Name: user.Name}
	s.broadcastRoom(rs.Key, ScreenShareEvent{Type: "screen-share-started", Room: rs.Key, Share: share})
	log.Info().Str("module", "app").Str("room", string(rs.Key)).Str("user", string(user.ID)).Msg("screen share started")
	return &share, nil
}

// StopShare ends the caller's own active session.
func (s *Service) StopShare(ctx context.Context, id core.ConnID) error {
	if allowed, retry := s.limiter.Allow(string(id), ratelimit.ClassRequest); !allowed {
		return domain.NewRateLimitError(retry)
	}
	rs, user, err := s.resolveMember(id)
	if err != nil {
		return err
	}

	sharer, _, sessionID := rs.Sharer()
	if sharer != user.ID {
		return domain.NewValidationError("no active screen share session")
	}
	if sessionID != "" {
		ssID, err := uuid.Parse(sessionID)
		if err == nil {
			if err := s.store.StopScreenShare(ctx, ssID); err != nil {
				log.Error().Err(err).Str("module", "app").Str("session", sessionID).Msg("stop screen share")
				return domain.NewInternalError()
			}
		}
	}
	rs.ReleaseSharer(user.ID)

	s.broadcastRoom(rs.Key, ScreenShareEvent{
		Type: "screen-share-stopped", Room: rs.Key,
		Share: ShareDTO{SessionID: sessionID, UserID: user.ID, Name: user.Name},
	})
	log.Info().Str("module", "app").Str("room", string(rs.Key)).Str("user", string(user.ID)).Msg("screen share stopped")
	return nil
}

// stopShareOnLeave is the disconnect-path variant: best effort, the stopped
// broadcast must precede the membership update.
func (s *Service) stopShareOnLeave(ctx context.Context, rs *core.RoomState, user *domain.User, sessionID string) {
	if sessionID != "" {
		if ssID, err := uuid.Parse(sessionID); err == nil {
			if err := s.store.StopScreenShare(ctx, ssID); err != nil {
				log.Error().Err(err).Str("module", "app").Str("session", sessionID).Msg("stop share on leave")
			}
		}
	}
	rs.ReleaseSharer(user.ID)
	s.broadcastRoom(rs.Key, ScreenShareEvent{
		Type: "screen-share-stopped", Room: rs.Key,
		Share: ShareDTO{SessionID: sessionID, UserID: user.ID, Name: user.Name},
	})
}

// CurrentSharer answers get-screen-sharer for an arbitrary room key.
func (s *Service) CurrentSharer(ctx context.Context, id core.ConnID, room string) (*ScreenSharerInfoEvent, error) {
	if allowed, retry := s.limiter.Allow(string(id), ratelimit.ClassRequest); !allowed {
		return nil, domain.NewRateLimitError(retry)
	}
	roomKey := domain.RoomKey(room)
	if room == "" {
		current, ok := s.registry.RoomOf(id)
		if !ok {
			return nil, domain.NewValidationError("join a room first")
		}
		roomKey = current
	}
	rs, ok := s.dir.Get(roomKey)
	if !ok {
		return nil, domain.NewNotFoundError("unknown room")
	}
	ev := &ScreenSharerInfoEvent{Type: "screen-sharer-info", Room: roomKey}
	if sharer, _, sessionID := rs.Sharer(); sharer != "" {
		ev.Share = &ShareDTO{SessionID: sessionID, UserID: sharer, Name: s.nameInRoom(rs, sharer)}
	}
	return ev, nil
}

// resolveMember loads the caller's room state and identity; both must exist.
func (s *Service) resolveMember(id core.ConnID) (*core.RoomState, *domain.User, error) {
	room, ok := s.registry.RoomOf(id)
	if !ok {
		return nil, nil, domain.NewValidationError("join a room first")
	}
	rs, ok := s.dir.Get(room)
	if !ok {
		return nil, nil, domain.NewNotFoundError("unknown room")
	}
	user, ok := s.registry.User(id)
	if !ok {
		return nil, nil, domain.NewValidationError("identity not resolved")
	}
	return rs, user, nil
}

