package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// No config file on disk: every knob falls back to its default.
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)

	assert.Equal(t, 16, cfg.MaxParticipantsPerRoom)
	assert.Equal(t, 1000, cfg.MaxConnections)
	assert.Equal(t, 200, cfg.MaxRooms)
	assert.Equal(t, 64, cfg.MaxRoomKeyLen)
	assert.Equal(t, 36, cfg.MaxDisplayNameLen)
	assert.Equal(t, 500, cfg.ChatMaxLen)
	assert.Equal(t, 100, cfg.ChatHistoryLimit)

	assert.Equal(t, 5, cfg.JoinLimit.Limit)
	assert.Equal(t, 10*time.Second, cfg.JoinLimit.Window)
	assert.Equal(t, 30, cfg.ChatLimit.Limit)
	assert.Equal(t, time.Minute, cfg.ChatLimit.Window)
	assert.Equal(t, 20, cfg.RequestLimit.Limit)

	assert.Equal(t, 50*time.Millisecond, cfg.PresenceDebounce)
	assert.Equal(t, 10*time.Second, cfg.RoomGraceDelay)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)

	assert.Equal(t, 4, cfg.SFUWorkers)
	assert.Equal(t, 30*time.Second, cfg.StatsInterval)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 2*time.Second, cfg.FatalGraceDelay)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "config", "config.dev.yaml"),
		[]byte("port:\n  nested: true\n"), 0o644))

	_, err := Load()
	require.Error(t, err, "a value that cannot decode into the struct is an error")
}
