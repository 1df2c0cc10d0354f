package app

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ostraka/meetcore/internal/core"
	"github.com/ostraka/meetcore/internal/domain"
)

func TestJoinFirstBecomesHost(t *testing.T) {
	svc, _, _ := newTestService(t)
	connect(svc, "c1")
	connect(svc, "c2")

	res1 := join(t, svc, "c1", "standup", "Alice")
	require.True(t, res1.IsHost)

	res2 := join(t, svc, "c2", "standup", "Bob")
	assert.False(t, res2.IsHost)
	require.Len(t, res2.Participants, 2)

	// Snapshot keeps join order.
	assert.Equal(t, "Alice", res2.Participants[0].Name)
	assert.True(t, res2.Participants[0].IsHost)
	assert.Equal(t, "Bob", res2.Participants[1].Name)
}

func TestJoinValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	tests := []struct {
		name     string
		room     string
		display  string
		wantCode string
	}{
		{"empty room", "", "Alice", domain.CodeInvalid},
		{"blank room", "   ", "Alice", domain.CodeInvalid},
		{"room key too long", strings.Repeat("r", 65), "Alice", domain.CodeInvalid},
		{"empty name", "standup", "", domain.CodeInvalid},
		{"blank name", "standup", "   ", domain.CodeInvalid},
		{"name too long", "standup", strings.Repeat("n", 37), domain.CodeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connect(svc, "c1")
			_, err := svc.Join(context.Background(), "c1", JoinParams{
				Room: tt.room, Name: tt.display, ClientKey: "c1",
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, domain.CodeOf(err))
		})
	}
}

func TestJoinRoomFull(t *testing.T) {
	svc, _, _ := newTestService(t)
	// testConfig caps a room at 4 members.
	for _, id := range []core.ConnID{"c1", "c2", "c3", "c4"} {
		connect(svc, id)
		join(t, svc, id, "crowded", "user-"+string(id))
	}

	connect(svc, "c5")
	_, err := svc.Join(context.Background(), "c5", JoinParams{Room: "crowded", Name: "Late", ClientKey: "c5"})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalid, domain.CodeOf(err))
}

func TestJoinSameRoomIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	connect(svc, "c1")
	join(t, svc, "c1", "standup", "Alice")
	res := join(t, svc, "c1", "standup", "Alice")

	assert.True(t, res.IsHost)
	assert.Len(t, res.Participants, 1)

	rs, ok := svc.Directory().Get("standup")
	require.True(t, ok)
	assert.Equal(t, 1, rs.Count())
}

func TestJoinMigratesBetweenRooms(t *testing.T) {
	svc, _, _ := newTestService(t)
	connect(svc, "c1")
	connect(svc, "c2")
	join(t, svc, "c1", "alpha", "Alice")
	join(t, svc, "c2", "alpha", "Bob")

	res := join(t, svc, "c2", "beta", "Bob")
	assert.Equal(t, domain.RoomKey("beta"), res.Room)
	assert.True(t, res.IsHost, "first into the new room becomes its host")

	room, ok := svc.Registry().RoomOf("c2")
	require.True(t, ok)
	assert.Equal(t, domain.RoomKey("beta"), room)

	rsA, ok := svc.Directory().Get("alpha")
	require.True(t, ok)
	assert.Equal(t, 1, rsA.Count())
}

func TestEmptyRoomTornDownAfterGrace(t *testing.T) {
	svc, _, media := newTestService(t)
	connect(svc, "c1")
	join(t, svc, "c1", "ephemeral", "Alice")

	svc.Disconnect(context.Background(), "c1")

	// Still present inside the grace window.
	_, ok := svc.Directory().Get("ephemeral")
	assert.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = svc.Directory().Get("ephemeral")
	assert.False(t, ok, "empty room should be destroyed after the grace delay")
	assert.Contains(t, media.closedRooms(), domain.RoomKey("ephemeral"))
}

func TestReconnectWithinGraceKeepsRoom(t *testing.T) {
	svc, _, media := newTestService(t)
	connect(svc, "c1")
	join(t, svc, "c1", "sticky", "Alice")
	svc.Disconnect(context.Background(), "c1")

	connect(svc, "c2")
	join(t, svc, "c2", "sticky", "Bob")

	time.Sleep(60 * time.Millisecond)
	rs, ok := svc.Directory().Get("sticky")
	require.True(t, ok)
	assert.Equal(t, 1, rs.Count())
	assert.NotContains(t, media.closedRooms(), domain.RoomKey("sticky"))
}

func TestConcurrentFirstJoinSingleHost(t *testing.T) {
	svc, _, _ := newTestService(t)
	const n = 8
	ids := make([]core.ConnID, n)
	for i := range ids {
		ids[i] = core.ConnID(string(rune('a' + i)))
		connect(svc, ids[i])
	}

	// The room cap would reject latecomers, so lift it for this race.
	svc.cfg.MaxParticipantsPerRoom = n

	var wg sync.WaitGroup
	results := make([]*JoinResult, n)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id core.ConnID) {
			defer wg.Done()
			res, err := svc.Join(context.Background(), id, JoinParams{
				Room: "racing", Name: "user-" + string(id), ClientKey: string(id),
			})
			if err == nil {
				results[i] = res
			}
		}(i, id)
	}
	wg.Wait()

	hosts := 0
	joined := 0
	for _, res := range results {
		if res == nil {
			continue
		}
		joined++
		if res.IsHost {
			hosts++
		}
	}
	require.NotZero(t, joined)
	assert.Equal(t, 1, hosts, "exactly one racing first join may claim host")
}

func TestJoinRefusedAtConnectionCap(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.cfg.MaxConnections = 2
	connect(svc, "c1")
	connect(svc, "c2")
	join(t, svc, "c1", "standup", "Alice")
	join(t, svc, "c2", "standup", "Bob")

	connect(svc, "c3")
	_, err := svc.Join(context.Background(), "c3", JoinParams{
		Room: "standup", Name: "Carol", ClientKey: "c3",
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalid, domain.CodeOf(err))
	assert.Equal(t, 2, mustRoomState(t, svc, "standup").Count())
}

func TestJoinRefusedAtRoomCountCap(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.cfg.MaxRooms = 1
	connect(svc, "c1")
	connect(svc, "c2")
	connect(svc, "c3")
	join(t, svc, "c1", "alpha", "Alice")

	_, err := svc.Join(context.Background(), "c2", JoinParams{
		Room: "beta", Name: "Bob", ClientKey: "c2",
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalid, domain.CodeOf(err))

	// Existing rooms still admit members at the cap.
	join(t, svc, "c3", "alpha", "Carol")
	assert.Equal(t, 2, mustRoomState(t, svc, "alpha").Count())
}

func TestConcurrentJoinsRespectRoomCap(t *testing.T) {
	svc, _, _ := newTestService(t)
	const n = 8
	capLimit := svc.cfg.MaxParticipantsPerRoom
	require.Less(t, capLimit, n)

	ids := make([]core.ConnID, n)
	for i := range ids {
		ids[i] = core.ConnID(string(rune('a' + i)))
		connect(svc, ids[i])
	}

	var wg sync.WaitGroup
	var joined atomic.Int32
	for _, id := range ids {
		wg.Add(1)
		go func(id core.ConnID) {
			defer wg.Done()
			_, err := svc.Join(context.Background(), id, JoinParams{
				Room: "packed", Name: "user-" + string(id), ClientKey: string(id),
			})
			if err == nil {
				joined.Add(1)
			}
		}(id)
	}
	wg.Wait()

	rs := mustRoomState(t, svc, "packed")
	assert.LessOrEqual(t, rs.Count(), capLimit, "racing joins must not overfill the room")
	assert.Equal(t, int(joined.Load()), rs.Count())
}

func TestJoinAfterTeardownCreatesFreshRoom(t *testing.T) {
	svc, _, media := newTestService(t)
	connect(svc, "c1")
	join(t, svc, "c1", "fleeting", "Alice")
	svc.Disconnect(context.Background(), "c1")

	// Let the grace timer retire the room.
	time.Sleep(50 * time.Millisecond)
	require.Contains(t, media.closedRooms(), domain.RoomKey("fleeting"))

	connect(svc, "c2")
	res := join(t, svc, "c2", "fleeting", "Bob")
	assert.True(t, res.IsHost, "first member of the recreated room is host")
	assert.Equal(t, 1, mustRoomState(t, svc, "fleeting").Count())
}

func TestSecondChannelSameIdentityIndependent(t *testing.T) {
	svc, _, _ := newTestService(t)
	connect(svc, "tab-a")
	tabB := connect(svc, "tab-b")

	// Same identity cookie on two websockets, e.g. a second browser tab.
	resA, err := svc.Join(context.Background(), "tab-a", JoinParams{
		Room: "standup", Name: "Alice", ClientKey: "ck-1",
	})
	require.NoError(t, err)
	resB, err := svc.Join(context.Background(), "tab-b", JoinParams{
		Room: "standup", Name: "Alice", ClientKey: "ck-1",
	})
	require.NoError(t, err)
	assert.Equal(t, resA.User.ID, resB.User.ID, "one durable user behind both tabs")

	svc.Disconnect(context.Background(), "tab-a")

	// The surviving channel keeps its binding and its membership.
	got, ok := svc.Registry().Conn("tab-b")
	require.True(t, ok)
	assert.Same(t, tabB, got.(*fakeConn))
	room, ok := svc.Registry().RoomOf("tab-b")
	require.True(t, ok)
	assert.Equal(t, domain.RoomKey("standup"), room)
	assert.Equal(t, 1, mustRoomState(t, svc, "standup").Count())
}

func TestJoinRollsBackHostOnStoreFailure(t *testing.T) {
	svc, st, _ := newTestService(t)
	connect(svc, "c1")

	st.failUpsert = true
	_, err := svc.Join(context.Background(), "c1", JoinParams{Room: "standup", Name: "Alice", ClientKey: "c1"})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInternal, domain.CodeOf(err))

	// The in-memory host claim must not survive the failed persist.
	st.failUpsert = false
	connect(svc, "c2")
	res := join(t, svc, "c2", "standup", "Bob")
	assert.True(t, res.IsHost)
}

func TestJoinEmitsStateToJoiner(t *testing.T) {
	svc, _, _ := newTestService(t)
	conn := connect(svc, "c1")
	join(t, svc, "c1", "standup", "Alice")

	require.GreaterOrEqual(t, conn.countType("participants"), 1)
}
