// Package store is the durable layer: gorm-backed repositories over postgres.
// Every call takes a context and is bounded by the configured timeout so a
// stuck database never wedges a room operation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	db      *gorm.DB
	timeout time.Duration
}

func Open(dsn string, timeout time.Duration) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&User{}, &Meeting{}, &Participant{},
		&JoinRequest{}, &ScreenShare{}, &ChatMessage{},
	); err != nil {
		return nil, err
	}
	log.Info().Str("module", "store").Msg("database ready")
	return &Store{db: db, timeout: timeout}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

// GetOrCreateUser resolves the durable identity behind a connection.
// Name and email are refreshed on every resolve so a rename sticks.
func (s *Store) GetOrCreateUser(parent context.Context, clientKey, name, email string) (*User, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()

	var u User
	err := s.db.WithContext(ctx).Where("client_key = ?", clientKey).First(&u).Error
	if err == nil {
		if u.Name != name || u.Email != email {
			u.Name = name
			u.Email = email
			if err := s.db.WithContext(ctx).Save(&u).Error; err != nil {
				return nil, err
			}
		}
		return &u, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	u = User{ClientKey: clientKey, Name: name, Email: email, CreatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetMeetingByRoom(parent context.Context, roomKey string) (*Meeting, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()
	var m Meeting
	if err := s.db.WithContext(ctx).Where("room_key = ?", roomKey).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// GetOrCreateMeeting lazily creates the durable meeting on first join.
// requiresApproval only applies at creation; an existing meeting keeps its policy.
func (s *Store) GetOrCreateMeeting(parent context.Context, roomKey, title string, requiresApproval bool) (*Meeting, bool, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()

	var m Meeting
	err := s.db.WithContext(ctx).Where("room_key = ?", roomKey).First(&m).Error
	if err == nil {
		return &m, false, nil
	}
	if !IsNotFound(err) {
		return nil, false, err
	}
	m = Meeting{RoomKey: roomKey, Title: title, RequiresApproval: requiresApproval, CreatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

// CountActiveParticipants counts rows whose leftAt is still null.
func (s *Store) CountActiveParticipants(parent context.Context, meetingID uuid.UUID) (int64, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()
	var n int64
	err := s.db.WithContext(ctx).Model(&Participant{}).
		Where("meeting_id = ? AND left_at IS NULL", meetingID).Count(&n).Error
	return n, err
}

// UpsertParticipant reuses the prior (user, meeting) row on rejoin: leftAt is
// reset to null and isHost is recomputed only when recomputeHost is set, i.e.
// when the room was empty at join time.
func (s *Store) UpsertParticipant(parent context.Context, userID, meetingID uuid.UUID, isHost, recomputeHost bool) (*Participant, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()

	var p Participant
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND meeting_id = ?", userID, meetingID).First(&p).Error
	if err == nil {
		p.LeftAt = nil
		p.JoinedAt = time.Now()
		if recomputeHost {
			p.IsHost = isHost
		}
		if err := s.db.WithContext(ctx).Save(&p).Error; err != nil {
			return nil, err
		}
		return &p, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	p = Participant{UserID: userID, MeetingID: meetingID, IsHost: isHost, JoinedAt: time.Now()}
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) MarkParticipantLeft(parent context.Context, userID, meetingID uuid.UUID) error {
	ctx, cancel := s.ctx(parent)
	defer cancel()
	now := time.Now()
	return s.db.WithContext(ctx).Model(&Participant{}).
		Where("user_id = ? AND meeting_id = ? AND left_at IS NULL", userID, meetingID).
		Update("left_at", &now).Error
}

// CreateJoinRequest keeps at most one live pending request per (user, meeting).
func (s *Store) CreateJoinRequest(parent context.Context, userID, meetingID uuid.UUID) (*JoinRequest, bool, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()

	var jr JoinRequest
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND meeting_id = ? AND status = ?", userID, meetingID, JoinRequestPending).
		First(&jr).Error
	if err == nil {
		return &jr, false, nil
	}
	if !IsNotFound(err) {
		return nil, false, err
	}
	jr = JoinRequest{UserID: userID, MeetingID: meetingID, Status: JoinRequestPending, CreatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Create(&jr).Error; err != nil {
		return nil, false, err
	}
	return &jr, true, nil
}

func (s *Store) PendingJoinRequests(parent context.Context, meetingID uuid.UUID) ([]JoinRequest, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()
	var out []JoinRequest
	err := s.db.WithContext(ctx).Preload("User").
		Where("meeting_id = ? AND status = ?", meetingID, JoinRequestPending).
		Order("created_at ASC").Find(&out).Error
	return out, err
}

// ResolveJoinRequest moves a pending request to its terminal state.
func (s *Store) ResolveJoinRequest(parent context.Context, id uuid.UUID, status string) (*JoinRequest, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()

	var jr JoinRequest
	if err := s.db.WithContext(ctx).Preload("User").
		Where("id = ? AND status = ?", id, JoinRequestPending).First(&jr).Error; err != nil {
		return nil, err
	}
	now := time.Now()
	jr.Status = status
	jr.ResolvedAt = &now
	if err := s.db.WithContext(ctx).Save(&jr).Error; err != nil {
		return nil, err
	}
	return &jr, nil
}

func (s *Store) ActiveScreenShare(parent context.Context, meetingID uuid.UUID) (*ScreenShare, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()
	var ss ScreenShare
	if err := s.db.WithContext(ctx).Preload("User").
		Where("meeting_id = ? AND is_active", meetingID).First(&ss).Error; err != nil {
		return nil, err
	}
	return &ss, nil
}

// DeactivateScreenShares stops any stale active sessions owned by the user.
func (s *Store) DeactivateScreenShares(parent context.Context, userID, meetingID uuid.UUID) error {
	ctx, cancel := s.ctx(parent)
	defer cancel()
	now := time.Now()
	return s.db.WithContext(ctx).Model(&ScreenShare{}).
		Where("user_id = ? AND meeting_id = ? AND is_active", userID, meetingID).
		Updates(map[string]any{"is_active": false, "stopped_at": &now}).Error
}

func (s *Store) CreateScreenShare(parent context.Context, userID, meetingID uuid.UUID) (*ScreenShare, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()
	ss := ScreenShare{UserID: userID, MeetingID: meetingID, IsActive: true, StartedAt: time.Now()}
	if err := s.db.WithContext(ctx).Create(&ss).Error; err != nil {
		return nil, err
	}
	return &ss, nil
}

func (s *Store) StopScreenShare(parent context.Context, id uuid.UUID) error {
	ctx, cancel := s.ctx(parent)
	defer cancel()
	now := time.Now()
	return s.db.WithContext(ctx).Model(&ScreenShare{}).
		Where("id = ? AND is_active", id).
		Updates(map[string]any{"is_active": false, "stopped_at": &now}).Error
}

func (s *Store) CreateMessage(parent context.Context, userID, meetingID uuid.UUID, text string) (*ChatMessage, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()
	msg := ChatMessage{UserID: userID, MeetingID: meetingID, Text: text, CreatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns the most recent limit messages in chronological order.
func (s *Store) ListMessages(parent context.Context, meetingID uuid.UUID, limit int) ([]ChatMessage, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()
	var out []ChatMessage
	err := s.db.WithContext(ctx).Preload("User").
		Where("meeting_id = ?", meetingID).
		Order("created_at DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) GetMessage(parent context.Context, id uuid.UUID) (*ChatMessage, error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()
	var msg ChatMessage
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) DeleteMessage(parent context.Context, id uuid.UUID) error {
	ctx, cancel := s.ctx(parent)
	defer cancel()
	return s.db.WithContext(ctx).Delete(&ChatMessage{}, "id = ?", id).Error
}

// Counts feeds the admin stats snapshot.
func (s *Store) Counts(parent context.Context) (meetings, messages int64, err error) {
	ctx, cancel := s.ctx(parent)
	defer cancel()
	if err = s.db.WithContext(ctx).Model(&Meeting{}).Count(&meetings).Error; err != nil {
		return
	}
	err = s.db.WithContext(ctx).Model(&ChatMessage{}).Count(&messages).Error
	return
}
