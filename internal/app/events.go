package app

import (
	"time"

	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
	"github.com/ostraka/meetcore/internal/store"
)

// Server->client event payloads. Each carries its own type tag, the adapter
// marshals and pushes frames as-is.

type ParticipantsEvent struct {
	Type         string                `json:"type"`
	Room         domain.RoomKey        `json:"room"`
	Participants []core.ParticipantDTO `json:"participants"`
}

func NewParticipantsEvent(room domain.RoomKey, members []core.ParticipantDTO) ParticipantsEvent {
	return ParticipantsEvent{Type: "participants", Room: room, Participants: members}
}

type MessageDTO struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

func messageDTO(m *store.ChatMessage, name string) MessageDTO {
	return MessageDTO{
		ID:        m.ID.String(),
		UserID:    m.UserID.String(),
		Name:      name,
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
	}
}

type NewMessageEvent struct {
	Type    string         `json:"type"`
	Room    domain.RoomKey `json:"room"`
	Message MessageDTO     `json:"message"`
}

type ChatHistoryEvent struct {
	Type     string         `json:"type"`
	Room     domain.RoomKey `json:"room"`
	Messages []MessageDTO   `json:"messages"`
}

type MessageDeletedEvent struct {
	Type      string         `json:"type"`
	Room      domain.RoomKey `json:"room"`
	MessageID string         `json:"messageId"`
}

type ShareDTO struct {
	SessionID string        `json:"sessionId"`
	UserID    domain.UserID `json:"userId"`
	Name      string        `json:"name"`
}

type ScreenShareEvent struct {
	Type  string         `json:"type"`
	Room  domain.RoomKey `json:"room"`
	Share ShareDTO       `json:"share"`
}

type ScreenShareRequestedEvent struct {
	Type      string         `json:"type"`
	Room      domain.RoomKey `json:"room"`
	Requester domain.User    `json:"requester"`
}

// ScreenSharerInfoEvent answers get-screen-sharer; Share is null when nobody
// is sharing.
type ScreenSharerInfoEvent struct {
	Type  string         `json:"type"`
	Room  domain.RoomKey `json:"room"`
	Share *ShareDTO      `json:"share"`
}

type JoinRequestDTO struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type JoinPendingEvent struct {
	Type string         `json:"type"`
	Room domain.RoomKey `json:"room"`
}

type JoinResolvedEvent struct {
	Type string         `json:"type"`
	Room domain.RoomKey `json:"room"`
}

type NewJoinRequestEvent struct {
	Type    string         `json:"type"`
	Room    domain.RoomKey `json:"room"`
	Request JoinRequestDTO `json:"request"`
}

type PendingRequestsEvent struct {
	Type     string           `json:"type"`
	Room     domain.RoomKey   `json:"room"`
	Requests []JoinRequestDTO `json:"requests"`
}

// ErrorEvent is the uniform error shape; Type distinguishes the channel
// (error, chat-error, screen-share-error).
type ErrorEvent struct {
	Type string `json:"type"`
	domain.EventError
}
