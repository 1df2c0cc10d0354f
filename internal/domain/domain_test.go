package domain

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRoomKey(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		maxLen  int
		want    RoomKey
		wantErr bool
	}{
		{"plain", "standup", 64, "standup", false},
		{"trimmed", "  standup  ", 64, "standup", false},
		{"empty", "", 64, "", true},
		{"whitespace only", "   ", 64, "", true},
		{"at limit", strings.Repeat("r", 64), 64, RoomKey(strings.Repeat("r", 64)), false},
		{"over limit", strings.Repeat("r", 65), 64, "", true},
		{"no limit", strings.Repeat("r", 200), 0, RoomKey(strings.Repeat("r", 200)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateRoomKey(tt.raw, tt.maxLen)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, CodeInvalid, CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeRateLimited, CodeOf(NewRateLimitError(3)))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestConflictErrorCarriesHolder(t *testing.T) {
	holder := &User{ID: "u-1", Name: "Alice"}
	err := NewConflictError(holder)
	assert.Equal(t, CodeScreenShareActive, err.Code)
	require.NotNil(t, err.Holder)
	assert.Equal(t, holder.ID, err.Holder.ID)
}

func TestRateLimitErrorRetryHint(t *testing.T) {
	err := NewRateLimitError(7)
	assert.Equal(t, 7, err.RetryAfter)
	assert.Contains(t, err.Error(), CodeRateLimited)
}
