package connection

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/watchsync/server/internal/packet"
	"github.com/watchsync/server/internal/userregistry"
	"github.com/watchsync/server/internal/videodata"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// timeoutErr mimics the net.Error a deadline-exceeded socket read or
// write returns, without this test suite ever waiting out a real OS
// timer.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// fakeSocket is an in-memory stand-in for a *websocket.Conn. ReadMessage
// actually blocks until a frame is pushed, the deadline set by
// SetReadDeadline elapses, or the socket is closed, so tests can control
// pacing with real (short) timeouts instead of racing instantaneous
// channel ops. Writes are recorded unless failWrites is set, in which case
// they return a timeout error to exercise the WouldBlock path.
type fakeSocket struct {
	mu         sync.Mutex
	reads      chan []byte
	writes     [][]byte
	closed     bool
	deadline   time.Time
	failWrites bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{reads: make(chan []byte, 16)}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	s.mu.Lock()
	deadline := s.deadline
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, nil, io.EOF
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, timeoutErr{}
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case msg, ok := <-s.reads:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, msg, nil
	case <-timeout:
		return 0, nil, timeoutErr{}
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return timeoutErr{}
	}
	s.writes = append(s.writes, data)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.reads)
	}
	return nil
}

func (s *fakeSocket) SetReadDeadline(d time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = d
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) pushRead(msg string) {
	s.reads <- []byte(msg)
}

func (s *fakeSocket) writtenFrames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	for i, w := range s.writes {
		out[i] = string(w)
	}
	return out
}

func TestRunEndsAfterMissedPingsExceeded(t *testing.T) {
	r := newTestRoom(t, 3, videodata.PermissionRestricted)
	u := &userregistry.User{ID: "u1", Name: "alice", IsOwner: true, Outbox: userregistry.NewOutbox(), Permission: videodata.PermissionAll}
	r.Users.Add(u)
	sock := newFakeSocket()
	c := newWithReadTimeout(u.ID, u.Name, r, u, true, sock, time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not end after missed pings exceeded MaxMissedPings")
	}
}

// TestMalformedFrameDoesNotResetMissedPings exercises spec.md §4.9's
// "parse failures... treated as not-a-heartbeat": a malformed frame
// arriving between two read timeouts must leave the missed-ping count
// where the timeouts left it, not reset it, so the connection ends after
// one further timeout rather than being granted a fresh allowance of
// MaxMissedPings+1 timeouts.
func TestMalformedFrameDoesNotResetMissedPings(t *testing.T) {
	r := newTestRoom(t, 3, videodata.PermissionRestricted)
	u := &userregistry.User{ID: "u1", Name: "alice", IsOwner: true, Outbox: userregistry.NewOutbox(), Permission: videodata.PermissionAll}
	r.Users.Add(u)
	sock := newFakeSocket()
	readTimeout := 50 * time.Millisecond
	c := newWithReadTimeout(u.ID, u.Name, r, u, true, sock, readTimeout)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	// Let two read timeouts elapse (missed == MaxMissedPings), then
	// deliver a malformed frame inside the third read's window.
	time.Sleep(2*readTimeout + readTimeout/2)
	sock.pushRead("not a valid frame")

	select {
	case <-done:
	case <-time.After(2 * readTimeout):
		t.Fatal("a malformed frame must not reset missed_pings: the connection should have ended one more timeout after it, not been granted a fresh allowance")
	}
}

func TestRunProcessesFramesBeforeEnding(t *testing.T) {
	r := newTestRoom(t, 3, videodata.PermissionRestricted)
	u := &userregistry.User{ID: "u1", Name: "alice", IsOwner: true, Outbox: userregistry.NewOutbox(), Permission: videodata.PermissionAll}
	r.Users.Add(u)
	sock := newFakeSocket()
	sock.pushRead(packet.New(packet.TypeSeek).Arg("5").String())
	c := newWithReadTimeout(u.ID, u.Name, r, u, true, sock, time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run never ended")
	}

	require.Equal(t, int64(5000), r.Data.Snapshot().TimeMS, "the one queued frame should have been processed before the connection ended")
}

func TestSendLoopWritesBroadcastFramesToSocket(t *testing.T) {
	r := newTestRoom(t, 3, videodata.PermissionRestricted)
	u := &userregistry.User{ID: "u1", Name: "alice", IsOwner: true, Outbox: userregistry.NewOutbox(), Permission: videodata.PermissionAll}
	r.Users.Add(u)
	sock := newFakeSocket()
	c := newWithReadTimeout(u.ID, u.Name, r, u, true, sock, time.Second)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	r.Broadcast(packet.New(packet.TypeSeek).Arg("1000"))

	require.Eventually(t, func() bool {
		for _, f := range sock.writtenFrames() {
			if f == packet.New(packet.TypeSeek).Arg("1000").String() {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	sock.Close()
	<-done
}

func TestTeardownBroadcastsLeftWhenUsersRemain(t *testing.T) {
	r := newTestRoom(t, 3, videodata.PermissionRestricted)
	u1 := &userregistry.User{ID: "u1", Name: "alice", IsOwner: true, Outbox: userregistry.NewOutbox(), Permission: videodata.PermissionAll}
	u2 := &userregistry.User{ID: "u2", Name: "bob", Outbox: userregistry.NewOutbox(), Permission: videodata.PermissionRestricted}
	r.Users.Add(u1)
	r.Users.Add(u2)

	sub := r.Subscribe()
	sock := newFakeSocket()
	sock.Close()
	c := newWithReadTimeout(u1.ID, u1.Name, r, u1, true, sock, time.Millisecond)

	c.Run(context.Background())

	p := popBroadcast(t, sub)
	require.Equal(t, packet.TypeLeft, p.Type)
	require.Equal(t, []string{"alice", "u1"}, p.Args)

	_, ok := r.Users.Get("u1")
	require.False(t, ok)
}
