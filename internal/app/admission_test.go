package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ostraka/meetcore/internal/domain"
)

// setupApprovalRoom creates an approval-gated room with Alice as host.
func setupApprovalRoom(t *testing.T, svc *Service) *fakeConn {
	t.Helper()
	hostConn := connect(svc, "host")
	res, err := svc.Join(context.Background(), "host", JoinParams{
		Room: "gated", Name: "Alice", ClientKey: "host", RequireApproval: true,
	})
	require.NoError(t, err)
	require.True(t, res.IsHost)
	return hostConn
}

func TestDirectJoinBlockedByApprovalGate(t *testing.T) {
	svc, _, _ := newTestService(t)
	setupApprovalRoom(t, svc)

	connect(svc, "guest")
	_, err := svc.Join(context.Background(), "guest", JoinParams{
		Room: "gated", Name: "Bob", ClientKey: "guest",
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeApprovalRequired, domain.CodeOf(err))
}

func TestRequestJoinFallsThroughWithoutGate(t *testing.T) {
	svc, _, _ := newTestService(t)
	connect(svc, "c1")
	join(t, svc, "c1", "open", "Alice")

	connect(svc, "c2")
	res, err := svc.RequestJoin(context.Background(), "c2", JoinParams{
		Room: "open", Name: "Bob", ClientKey: "c2",
	})
	require.NoError(t, err)
	require.NotNil(t, res, "ungated rooms admit directly")
	assert.False(t, res.IsHost)
}

func TestRequestJoinUnknownRoom(t *testing.T) {
	svc, _, _ := newTestService(t)
	connect(svc, "c1")
	_, err := svc.RequestJoin(context.Background(), "c1", JoinParams{
		Room: "nowhere", Name: "Bob", ClientKey: "c1",
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

func TestRequestJoinPendingThenApproved(t *testing.T) {
	svc, _, _ := newTestService(t)
	hostConn := setupApprovalRoom(t, svc)

	guestConn := connect(svc, "guest")
	res, err := svc.RequestJoin(context.Background(), "guest", JoinParams{
		Room: "gated", Name: "Bob", ClientKey: "guest",
	})
	require.NoError(t, err)
	require.Nil(t, res, "gated non-empty room parks the request")

	assert.Equal(t, 1, guestConn.countType("join-pending"))
	require.Equal(t, 1, hostConn.countType("new-join-request"))

	ev, ok := hostConn.lastOfType("new-join-request")
	require.True(t, ok)
	request := ev["request"].(map[string]any)
	requestID := request["id"].(string)

	require.NoError(t, svc.ApproveRequest(context.Background(), "host", requestID))

	assert.Equal(t, 1, guestConn.countType("join-approved"))
	assert.GreaterOrEqual(t, guestConn.countType("participants"), 1)

	rs, ok := svc.Directory().Get("gated")
	require.True(t, ok)
	assert.Equal(t, 2, rs.Count())
}

func TestRequestJoinDeclined(t *testing.T) {
	svc, _, _ := newTestService(t)
	hostConn := setupApprovalRoom(t, svc)

	guestConn := connect(svc, "guest")
	_, err := svc.RequestJoin(context.Background(), "guest", JoinParams{
		Room: "gated", Name: "Bob", ClientKey: "guest",
	})
	require.NoError(t, err)

	ev, ok := hostConn.lastOfType("new-join-request")
	require.True(t, ok)
	requestID := ev["request"].(map[string]any)["id"].(string)

	require.NoError(t, svc.DeclineRequest(context.Background(), "host", requestID))

	assert.Equal(t, 1, guestConn.countType("join-declined"))
	rs, ok := svc.Directory().Get("gated")
	require.True(t, ok)
	assert.Equal(t, 1, rs.Count(), "declined requester must not be admitted")
}

func TestRequestJoinDuplicatePending(t *testing.T) {
	svc, _, _ := newTestService(t)
	hostConn := setupApprovalRoom(t, svc)

	connect(svc, "guest")
	for i := 0; i < 3; i++ {
		_, err := svc.RequestJoin(context.Background(), "guest", JoinParams{
			Room: "gated", Name: "Bob", ClientKey: "guest",
		})
		require.NoError(t, err)
	}
	// One pending request per identity: the host hears about it once.
	assert.Equal(t, 1, hostConn.countType("new-join-request"))
}

func TestApproveRequiresHost(t *testing.T) {
	svc, _, _ := newTestService(t)
	hostConn := setupApprovalRoom(t, svc)

	connect(svc, "guest")
	_, err := svc.RequestJoin(context.Background(), "guest", JoinParams{
		Room: "gated", Name: "Bob", ClientKey: "guest",
	})
	require.NoError(t, err)
	ev, _ := hostConn.lastOfType("new-join-request")
	requestID := ev["request"].(map[string]any)["id"].(string)

	// Admit a second member through the host, then have that member try to
	// approve someone else.
	connect(svc, "member")
	resM, err := svc.Join(context.Background(), "member", JoinParams{
		Room: "open-side", Name: "Carol", ClientKey: "member",
	})
	require.NoError(t, err)
	require.True(t, resM.IsHost) // host of a different room, not of "gated"

	err = svc.ApproveRequest(context.Background(), "member", requestID)
	require.Error(t, err)
	// Carol is host of her own room; the request belongs to another meeting.
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))

	err = svc.ApproveRequest(context.Background(), "guest", requestID)
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalid, domain.CodeOf(err), "unjoined caller cannot approve")
}

func TestPendingRequestsHostOnly(t *testing.T) {
	svc, _, _ := newTestService(t)
	setupApprovalRoom(t, svc)

	connect(svc, "guest")
	_, err := svc.RequestJoin(context.Background(), "guest", JoinParams{
		Room: "gated", Name: "Bob", ClientKey: "guest",
	})
	require.NoError(t, err)

	out, err := svc.PendingRequests(context.Background(), "host")
	require.NoError(t, err)
	require.Len(t, out.Requests, 1)
	assert.Equal(t, "Bob", out.Requests[0].Name)

	_, err = svc.PendingRequests(context.Background(), "guest")
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalid, domain.CodeOf(err))
}

func TestResolveTwiceFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	hostConn := setupApprovalRoom(t, svc)

	connect(svc, "guest")
	_, err := svc.RequestJoin(context.Background(), "guest", JoinParams{
		Room: "gated", Name: "Bob", ClientKey: "guest",
	})
	require.NoError(t, err)
	ev, _ := hostConn.lastOfType("new-join-request")
	requestID := ev["request"].(map[string]any)["id"].(string)

	require.NoError(t, svc.DeclineRequest(context.Background(), "host", requestID))
	err = svc.ApproveRequest(context.Background(), "host", requestID)
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}
