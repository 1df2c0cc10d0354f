package app

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ostraka/meetcore/internal/app/ratelimit"
	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
	"github.com/ostraka/meetcore/internal/store"
)

// SendMessage relays one chat message: rate limit, bounds, persist, fan out.
func (s *Service) SendMessage(ctx context.Context, id core.ConnID, text string) (*MessageDTO, error) {
	if allowed, retry := s.limiter.Allow(string(id), ratelimit.ClassChat); !allowed {
		return nil, domain.NewRateLimitError(retry)
	}
	rs, user, err := s.resolveMember(id)
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.NewValidationError("message is empty")
	}
	if len(text) > s.cfg.ChatMaxLen {
		return nil, domain.NewValidationError("message too long")
	}

	uid, mid, err := storeIDs(user, rs)
	if err != nil {
		return nil, domain.NewInternalError()
	}
	msg, err := s.store.CreateMessage(ctx, uid, mid, text)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Str("room", string(rs.Key)).Msg("persist message")
		return nil, domain.NewInternalError()
	}

	dto := messageDTO(msg, user.Name)
	s.broadcastRoom(rs.Key, NewMessageEvent{Type: "new-message", Room: rs.Key, Message: dto})
	return &dto, nil
}

// History returns the tail of the room's chat in chronological order.
func (s *Service) History(ctx context.Context, id core.ConnID, room string, limit int) (*ChatHistoryEvent, error) {
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

	var meetingID uuid.UUID
	if rs, ok := s.dir.Get(roomKey); ok {
		var err error
		if meetingID, err = uuid.Parse(string(rs.MeetingID())); err != nil {
			return nil, domain.NewInternalError()
		}
	} else {
		meeting, err := s.store.GetMeetingByRoom(ctx, string(roomKey))
		if err != nil {
			if store.IsNotFound(err) {
				return nil, domain.NewNotFoundError("unknown room")
			}
			log.Error().Err(err).Str("module", "app").Str("room", string(roomKey)).Msg("meeting lookup")
			return nil, domain.NewInternalError()
		}
		meetingID = meeting.ID
	}

	if limit <= 0 || limit > s.cfg.ChatHistoryLimit {
		limit = s.cfg.ChatHistoryLimit
	}
	rows, err := s.store.ListMessages(ctx, meetingID, limit)
	if err != nil {
		log.Error().Err(err).Str("module", "app").Str("room", string(roomKey)).Msg("list messages")
		return nil, domain.NewInternalError()
	}

	ev := ChatHistoryEvent{Type: "chat-history", Room: roomKey, Messages: make([]MessageDTO, 0, len(rows))}
	for i := range rows {
		ev.Messages = append(ev.Messages, messageDTO(&rows[i], rows[i].User.Name))
	}
	return &ev, nil
}

// DeleteMessage removes a message; permitted for the owner or the room host.
func (s *Service) DeleteMessage(ctx context.Context, id core.ConnID, messageID string) error {
	if allowed, retry := s.limiter.Allow(string(id), ratelimit.ClassRequest); !allowed {
		return domain.NewRateLimitError(retry)
	}
	rs, user, err := s.resolveMember(id)
	if err != nil {
		return err
	}
	msgUUID, err := uuid.Parse(messageID)
	if err != nil {
		return domain.NewValidationError("bad message id")
	}

	msg, err := s.store.GetMessage(ctx, msgUUID)
	if err != nil {
		if store.IsNotFound(err) {
			return domain.NewNotFoundError("unknown message")
		}
		log.Error().Err(err).Str("module", "app").Msg("load message")
		return domain.NewInternalError()
	}
	if msg.MeetingID.String() != string(rs.MeetingID()) {
		return domain.NewNotFoundError("unknown message")
	}

	isOwner := msg.UserID.String() == string(user.ID)
	isHost := rs.Host() == user.ID
	if !isOwner && !isHost {
		return domain.NewAuthorizationError("only the owner or the host can delete")
	}

	if err := s.store.DeleteMessage(ctx, msgUUID); err != nil {
		log.Error().Err(err).Str("module", "app").Str("message", messageID).Msg("delete message")
		return domain.NewInternalError()
	}
	s.broadcastRoom(rs.Key, MessageDeletedEvent{Type: "message-deleted", Room: rs.Key, MessageID: messageID})
	return nil
}
