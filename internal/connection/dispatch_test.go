package connection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watchsync/server/internal/packet"
	"github.com/watchsync/server/internal/room"
	"github.com/watchsync/server/internal/userregistry"
	"github.com/watchsync/server/internal/videodata"
)

func newTestRoom(t *testing.T, maxUsers int, permission int) *room.Room {
	t.Helper()
	reg := room.NewRegistry("room/ws")
	data := videodata.New("https://example.com/a.mp4", "", 0, permission)
	r, err := reg.Create("R", data, maxUsers)
	require.NoError(t, err)
	return r
}

func newTestConnection(r *room.Room, isOwner bool, permission int) (*Connection, *userregistry.User) {
	u := &userregistry.User{ID: "u1", RoomID: r.ID, Name: "alice", IsOwner: isOwner, Outbox: userregistry.NewOutbox(), Permission: permission}
	r.Users.Add(u)
	c := New(u.ID, u.Name, r, u, isOwner, &noopSocket{})
	return c, u
}

func popOutbox(t *testing.T, u *userregistry.User) *packet.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := u.Outbox.Next(ctx)
	require.True(t, ok)
	p, err := packet.Parse(string(msg))
	require.NoError(t, err)
	return p
}

func popBroadcast(t *testing.T, sub *room.Subscription) *packet.Packet {
	t.Helper()
	select {
	case frame, ok := <-sub.C():
		require.True(t, ok)
		p, err := packet.Parse(string(frame))
		require.NoError(t, err)
		return p
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
		return nil
	}
}

func TestOwnerSeekBroadcastsNewTime(t *testing.T) {
	r := newTestRoom(t, 3, videodata.PermissionRestricted)
	sub := r.Subscribe()
	c, _ := newTestConnection(r, true, videodata.PermissionAll)

	c.dispatch(packet.New(packet.TypeSeek).Arg("60.25").String())

	p := popBroadcast(t, sub)
	require.Equal(t, packet.TypeSeek, p.Type)
	require.Equal(t, []string{"60250"}, p.Args)
	require.Equal(t, int64(60250), r.Data.Snapshot().TimeMS)
}

func TestOwnerPlayBroadcastsAndSetsPlayState(t *testing.T) {
	r := newTestRoom(t, 3, videodata.PermissionRestricted)
	sub := r.Subscribe()
	c, _ := newTestConnection(r, true, videodata.PermissionAll)

	c.dispatch(packet.New(packet.TypePlay).Arg("10").String())

	p := popBroadcast(t, sub)
	require.Equal(t, packet.TypePlay, p.Type)
	require.Equal(t, videodata.StatePlay, r.Data.Snapshot().State)
}

func TestOwnerStateWithinSyncTimeoutRepliesStateOkOnly(t *testing.T) {
	r := newTestRoom(t, 3, videodata.PermissionRestricted)
	r.Data.SetTimeAndState(30000, videodata.StatePlay)
	sub := r.Subscribe()
	c, u := newTestConnection(r, true, videodata.PermissionAll)

	// 30.9s incoming vs the roughly-projected stored time; drift is small.
	c.dispatch(packet.New(packet.TypeState).Arg("30.9").Arg("1").String())

	p := popOutbox(t, u)
	require.Equal(t, packet.TypeStateOk, p.Type)

	select {
	case <-sub.C():
		t.Fatal("did not expect a broadcast for an in-sync state report")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOwnerStateOutsideSyncTimeoutBroadcastsCorrection(t *testing.T) {
	r := newTestRoom(t, 3, videodata.PermissionRestricted)
	r.Data.SetTimeAndState(30000, videodata.StatePlay)
	sub := r.Subscribe()
	c, _ := newTestConnection(r, true, videodata.PermissionAll)

	c.dispatch(packet.New(packet.TypeState).Arg("90").Arg("1").String())

	p := popBroadcast(t, sub)
	require.Equal(t, packet.TypeState, p.Type)
	require.Equal(t, []string{"90000", "1"}, p.Args)
}

func TestRestrictedGuestCannotMutateAndGetsSnapshot(t *testing.T) {
	r := newTestRoom(t, 3, videodata.PermissionRestricted)
	r.Data.SetTime(12345)
	c, u := newTestConnection(r, false, videodata.PermissionRestricted)

	c.dispatch(packet.New(packet.TypePause).Arg("999").String())

	require.Equal(t, int64(12345), r.Data.Snapshot().TimeMS, "a restricted guest must never mutate authoritative state")

	p := popOutbox(t, u)
	require.Equal(t, packet.TypeVideoData, p.Type)
	var snap videodata.Snapshot
	require.NoError(t, json.Unmarshal([]byte(p.Args[0]), &snap))
	require.Equal(t, int64(12345), snap.TimeMS)
}

func TestGloballyControllableGuestCanMutate(t *testing.T) {
	r := newTestRoom(t, 3, videodata.PermissionControllable)
	sub := r.Subscribe()
	c, _ := newTestConnection(r, false, videodata.PermissionControllable)

	c.dispatch(packet.New(packet.TypeSeek).Arg("5").String())

	p := popBroadcast(t, sub)
	require.Equal(t, packet.TypeSeek, p.Type)
}

func TestMalformedPacketIsSilentlyIgnored(t *testing.T) {
	r := newTestRoom(t, 3, videodata.PermissionRestricted)
	c, _ := newTestConnection(r, true, videodata.PermissionAll)

	var parsed bool
	require.NotPanics(t, func() {
		parsed = c.dispatch("not a valid frame")
	})
	require.False(t, parsed, "a frame that fails to parse must not count as a heartbeat")
}

func TestOutOfBoundsStateIsRejectedNotApplied(t *testing.T) {
	r := newTestRoom(t, 3, videodata.PermissionRestricted)
	c, _ := newTestConnection(r, true, videodata.PermissionAll)

	parsed := c.dispatch(packet.New(packet.TypeState).Arg("10").Arg("99").String())
	require.Equal(t, videodata.StatePause, r.Data.Snapshot().State)
	require.True(t, parsed, "a well-formed packet with out-of-bounds values is still received-but-rejected, which counts as a heartbeat")
}

// noopSocket satisfies Socket for tests that only exercise dispatch
// directly and never call Run.
type noopSocket struct{}

func (noopSocket) ReadMessage() (int, []byte, error)   { select {} }
func (noopSocket) WriteMessage(int, []byte) error       { return nil }
func (noopSocket) Close() error                         { return nil }
func (noopSocket) SetReadDeadline(time.Time) error      { return nil }
func (noopSocket) SetWriteDeadline(time.Time) error     { return nil }
