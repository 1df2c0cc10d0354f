package store

import (
	"time"

	"github.com/google/uuid"
)

// User is a durable identity. ClientKey ties guest users to their persistent
// client token so a rejoin resolves to the same row; authenticated users are
// keyed by the verified token subject instead.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ClientKey string    `gorm:"uniqueIndex;not null"`
	Name      string    `gorm:"not null"`
	Email     string    `gorm:"index"`
	CreatedAt time.Time
}

type Meeting struct {
	ID               uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	RoomKey          string    `gorm:"uniqueIndex;not null"`
	Title            string
	RequiresApproval bool `gorm:"default:false"`
	CreatedAt        time.Time
}

// Participant holds exactly one row per (user, meeting). LeftAt is null iff
// the identity is currently connected under that meeting.
type Participant struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID    uuid.UUID `gorm:"not null;uniqueIndex:idx_participants_user_meeting"`
	MeetingID uuid.UUID `gorm:"not null;uniqueIndex:idx_participants_user_meeting"`
	IsHost    bool      `gorm:"default:false"`
	JoinedAt  time.Time
	LeftAt    *time.Time

	User    User    `gorm:"foreignKey:UserID"`
	Meeting Meeting `gorm:"foreignKey:MeetingID"`
}

const (
	JoinRequestPending  = "pending"
	JoinRequestApproved = "approved"
	JoinRequestDeclined = "declined"
)

type JoinRequest struct {
	ID         uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID     uuid.UUID `gorm:"not null;index"`
	MeetingID  uuid.UUID `gorm:"not null;index"`
	Status     string    `gorm:"not null;default:'pending';check:status IN ('pending','approved','declined')"`
	CreatedAt  time.Time
	ResolvedAt *time.Time

	User    User    `gorm:"foreignKey:UserID"`
	Meeting Meeting `gorm:"foreignKey:MeetingID"`
}

// ScreenShare invariant: at most one row with IsActive per meeting.
type ScreenShare struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID    uuid.UUID `gorm:"not null"`
	MeetingID uuid.UUID `gorm:"not null;index"`
	IsActive  bool      `gorm:"default:true;index"`
	StartedAt time.Time
	StoppedAt *time.Time

	User User `gorm:"foreignKey:UserID"`
}

type ChatMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID    uuid.UUID `gorm:"not null"`
	MeetingID uuid.UUID `gorm:"not null;index"`
	Text      string    `gorm:"not null"`
	CreatedAt time.Time

	User User `gorm:"foreignKey:UserID"`
}
