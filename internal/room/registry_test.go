package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/watchsync/server/internal/videodata"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newData() *videodata.Data {
	return videodata.New("https://example.com/a.mp4", "", 0, videodata.PermissionRestricted)
}

func TestCreateRejectsMaxUsersAboveCap(t *testing.T) {
	reg := NewRegistry("room/ws")
	_, err := reg.Create("r", newData(), MaxUsers+1)
	require.ErrorIs(t, err, ErrMaxUserExceeded)
}

func TestCreateAcceptsMaxUsersAtCap(t *testing.T) {
	reg := NewRegistry("room/ws")
	r, err := reg.Create("r", newData(), MaxUsers)
	require.NoError(t, err)
	require.Equal(t, int64(MaxUsers), r.Remaining())
}

func TestJoinDecrementsRemainingAndRejectsWhenFull(t *testing.T) {
	reg := NewRegistry("room/ws")
	r, err := reg.Create("r", newData(), 2)
	require.NoError(t, err)

	_, err = reg.Join(r.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), r.Remaining())

	_, err = reg.Join(r.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), r.Remaining())

	_, err = reg.Join(r.ID)
	require.ErrorIs(t, err, ErrRoomFull)
	require.Equal(t, int64(0), r.Remaining(), "a failed join must never drive remaining negative")
}

func TestJoinUnknownRoomReturnsNoRoomAndChangesNothing(t *testing.T) {
	reg := NewRegistry("room/ws")
	_, err := reg.Join("does-not-exist")
	require.ErrorIs(t, err, ErrNoRoom)
	require.Equal(t, 0, reg.Count())
}

func TestLeaveSaturatesAtMaxUsers(t *testing.T) {
	reg := NewRegistry("room/ws")
	r, err := reg.Create("r", newData(), 2)
	require.NoError(t, err)

	reg.Leave(r.ID)
	reg.Leave(r.ID)
	require.Equal(t, int64(2), r.Remaining())
}

func TestVerifyReportsRoomFullWithoutClaimingASeat(t *testing.T) {
	reg := NewRegistry("room/ws")
	r, err := reg.Create("r", newData(), 1)
	require.NoError(t, err)

	_, err = reg.Join(r.ID)
	require.NoError(t, err)

	_, err = reg.Verify(r.ID)
	require.ErrorIs(t, err, ErrRoomFull)
	require.Equal(t, int64(0), r.Remaining())
}

func TestGraceRemovesRoomAfterTimeoutWhenStillEmpty(t *testing.T) {
	reg := NewRegistryWithGracePeriod("room/ws", 20*time.Millisecond)
	r, err := reg.Create("r", newData(), 1)
	require.NoError(t, err)

	_, err = reg.Join(r.ID)
	require.NoError(t, err)
	reg.Leave(r.ID)

	require.Eventually(t, func() bool {
		_, err := reg.Get(r.ID)
		return err == ErrNoRoom
	}, time.Second, 5*time.Millisecond)
}

func TestGraceIsCancelledByAnInterveningJoin(t *testing.T) {
	reg := NewRegistryWithGracePeriod("room/ws", 30*time.Millisecond)
	r, err := reg.Create("r", newData(), 1)
	require.NoError(t, err)

	_, err = reg.Join(r.ID)
	require.NoError(t, err)
	reg.Leave(r.ID)

	_, err = reg.Join(r.ID)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	_, err = reg.Get(r.ID)
	require.NoError(t, err, "an intervening join must cancel the pending teardown")
}
