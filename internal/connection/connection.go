package connection

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/watchsync/server/internal/logging"
	"github.com/watchsync/server/internal/metrics"
	"github.com/watchsync/server/internal/packet"
	"github.com/watchsync/server/internal/room"
	"github.com/watchsync/server/internal/userregistry"
	"github.com/watchsync/server/internal/videodata"
)

// MaxMissedPings is how many consecutive read timeouts a connection
// tolerates before its receive activity gives up on it.
const MaxMissedPings = 2

// WriteTimeout bounds how long a single socket write may take before it
// is treated the same as a WouldBlock.
const WriteTimeout = 10 * time.Second

// Connection is the actor spawned for one accepted, joined WebSocket
// connection. It owns the socket and runs a send activity, a receive
// activity, and the supervisor that waits on whichever ends first.
type Connection struct {
	ID      string
	Name    string
	Room    *room.Room
	User    *userregistry.User
	IsOwner bool

	// OnLeave, if set, is invoked exactly once during teardown, before
	// the "left" broadcast, so the caller can perform seat accounting on
	// the owning registry (the registry is otherwise unknown to this
	// package, which only ever sees one room at a time).
	OnLeave func()

	socket      Socket
	sub         *room.Subscription
	readTimeout time.Duration

	once sync.Once
}

// New constructs a Connection and subscribes it to the room's broadcast
// fan-out. The caller is expected to call Run immediately afterward.
func New(id, name string, r *room.Room, u *userregistry.User, isOwner bool, socket Socket) *Connection {
	return newWithReadTimeout(id, name, r, u, isOwner, socket, room.ClientTimeout)
}

// newWithReadTimeout builds a Connection with a non-standard read
// timeout, so tests don't have to wait out the real room.ClientTimeout to
// exercise missed-ping accounting.
func newWithReadTimeout(id, name string, r *room.Room, u *userregistry.User, isOwner bool, socket Socket, readTimeout time.Duration) *Connection {
	return &Connection{
		ID:          id,
		Name:        name,
		Room:        r,
		User:        u,
		IsOwner:     isOwner,
		socket:      socket,
		sub:         r.Subscribe(),
		readTimeout: readTimeout,
	}
}

// privileged reports whether this connection may mutate room state
// directly: it is either the owner, or the room is globally controllable
// and the connection's snapshot permission grants PermissionControllable.
func (c *Connection) privileged() bool {
	return c.IsOwner || c.User.Permission&videodata.PermissionControllable != 0
}

// Run drives the connection to completion: it starts the send and receive
// activities, waits for either to end, cancels the other, then performs
// leave accounting. Run blocks until the connection is fully torn down.
func (c *Connection) Run(ctx context.Context) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)
	go func() { c.sendLoop(runCtx); done <- struct{}{} }()
	go func() { c.receiveLoop(runCtx); done <- struct{}{} }()

	<-done
	cancel()
	<-done

	c.teardown()
}

// teardown runs the supervisor's leave accounting exactly once: it closes
// the socket and subscriptions, evicts the user from the room, runs
// OnLeave (seat + grace-timer bookkeeping on the registry), and, if other
// users remain, broadcasts a "left" frame.
func (c *Connection) teardown() {
	c.once.Do(func() {
		c.sub.Close()
		c.User.Outbox.Close()
		c.socket.Close()

		c.Room.Users.Remove(c.User.ID)
		if c.OnLeave != nil {
			c.OnLeave()
		}

		if c.Room.Users.Count() > 0 {
			c.Room.Broadcast(packet.New(packet.TypeLeft).Arg(c.Name).Arg(c.ID))
		}

		ctx := logging.WithUserID(logging.WithRoomID(context.Background(), c.Room.ID), c.ID)
		logging.Info(ctx, "connection closed", zap.Bool("owner", c.IsOwner))
	})
}

// sendLoop drains the user's direct outbox and the room broadcast
// subscription, writing whichever arrives first to the socket. A
// WouldBlock-shaped write error is tolerated: dropped for broadcast
// frames, re-queued to the outbox for direct messages. Any other write
// error, or the broadcast subscription closing (the room evicted this
// connection for falling behind), ends the activity.
func (c *Connection) sendLoop(ctx context.Context) {
	outboxCh := make(chan []byte)
	go func() {
		for {
			msg, ok := c.User.Outbox.Next(ctx)
			if !ok {
				return
			}
			select {
			case outboxCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.sub.C():
			if !ok {
				return
			}
			if err := c.writeRaw(frame); err != nil && !isWouldBlock(err) {
				return
			}
		case msg, ok := <-outboxCh:
			if !ok {
				return
			}
			if err := c.writeRaw(msg); err != nil {
				if isWouldBlock(err) {
					c.User.Outbox.Push(msg)
					continue
				}
				return
			}
		}
	}
}

func (c *Connection) writeRaw(frame []byte) error {
	if err := c.socket.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return err
	}
	return c.socket.WriteMessage(websocket.TextMessage, frame)
}

// receiveLoop reads frames off the socket, racing each read against
// room.ClientTimeout. A timeout increments the missed-ping counter; once
// it exceeds MaxMissedPings the activity ends. Per spec.md §4.9, only a
// frame that parses as a well-formed packet counts as a heartbeat and
// resets the counter; a frame that fails to parse is treated as
// not-a-heartbeat and leaves missed untouched (not merely "not
// incremented").
func (c *Connection) receiveLoop(ctx context.Context) {
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.socket.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return
		}
		msgType, data, err := c.socket.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				missed++
				if missed > MaxMissedPings {
					return
				}
				continue
			}
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		c.Room.Data.Refresh()
		if c.dispatch(string(data)) {
			missed = 0
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func isWouldBlock(err error) bool {
	return isTimeout(err)
}
