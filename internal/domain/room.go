package domain

import "strings"

// RoomKey is the opaque client-facing identifier of a meeting room.
type RoomKey string

// MeetingID is the durable meeting record identifier.
type MeetingID string

// ValidateRoomKey checks client-supplied room keys before anything is created.
func ValidateRoomKey(raw string, maxLen int) (RoomKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", NewValidationError("room key is empty")
	}
	if maxLen > 0 && len(raw) > maxLen {
		return "", NewValidationError("room key too long")
	}
	return RoomKey(raw), nil
}
