package app

import (
	"context"

	"github.com/google/uuid"

	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
	"github.com/ostraka/meetcore/internal/store"
)

// Store is the durable layer consumed by the coordinator. Implemented by
// *store.Store; tests substitute an in-memory fake.
type Store interface {
	GetOrCreateUser(ctx context.Context, clientKey, name, email string) (*store.User, error)
	GetMeetingByRoom(ctx context.Context, roomKey string) (*store.Meeting, error)
	GetOrCreateMeeting(ctx context.Context, roomKey, title string, requiresApproval bool) (*store.Meeting, bool, error)

	CountActiveParticipants(ctx context.Context, meetingID uuid.UUID) (int64, error)
	UpsertParticipant(ctx context.Context, userID, meetingID uuid.UUID, isHost, recomputeHost bool) (*store.Participant, error)
	MarkParticipantLeft(ctx context.Context, userID, meetingID uuid.UUID) error

	CreateJoinRequest(ctx context.Context, userID, meetingID uuid.UUID) (*store.JoinRequest, bool, error)
	PendingJoinRequests(ctx context.Context, meetingID uuid.UUID) ([]store.JoinRequest, error)
	ResolveJoinRequest(ctx context.Context, id uuid.UUID, status string) (*store.JoinRequest, error)

	ActiveScreenShare(ctx context.Context, meetingID uuid.UUID) (*store.ScreenShare, error)
	DeactivateScreenShares(ctx context.Context, userID, meetingID uuid.UUID) error
	CreateScreenShare(ctx context.Context, userID, meetingID uuid.UUID) (*store.ScreenShare, error)
	StopScreenShare(ctx context.Context, id uuid.UUID) error

	CreateMessage(ctx context.Context, userID, meetingID uuid.UUID, text string) (*store.ChatMessage, error)
	ListMessages(ctx context.Context, meetingID uuid.UUID, limit int) ([]store.ChatMessage, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*store.ChatMessage, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) error

	Counts(ctx context.Context) (meetings, messages int64, err error)
	Close() error
}

// MediaEngine is the SFU lifecycle surface the coordinator drives. Implemented
// by *sfu.Engine.
type MediaEngine interface {
	// EnsureRouter provisions the per-room router on its assigned worker.
	EnsureRouter(room domain.RoomKey) error
	// CloseRouter tears the router down; called only once the room directory
	// reports zero live members.
	CloseRouter(room domain.RoomKey)
	// ReleasePeer closes the connection's producers, consumers and transports
	// as a unit, swallowing individual close failures.
	ReleasePeer(conn core.ConnID)
	Close() error
}
