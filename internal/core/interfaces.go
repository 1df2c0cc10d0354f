package core

import "github.com/ostraka/meetcore/internal/domain"

// Frame is a single marshaled event payload.
type Frame []byte

// ConnID identifies one live bidirectional channel.
type ConnID string

// SignalConn abstracts the system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConn interface {
	TrySend(Frame) error
	Close()
}

// ParticipantDTO is a read-only membership view for the wire (no transport fields).
type ParticipantDTO struct {
	UserID domain.UserID `json:"userId"`
	Name   string        `json:"name"`
	IsHost bool          `json:"isHost"`
}

// RoomInfo is an aggregate view used by admin stats.
type RoomInfo struct {
	Key         domain.RoomKey `json:"room"`
	MemberCount int            `json:"memberCount"`
}
