// Package room implements the room fabric: the registry of live rooms,
// each room's playback state and seat accounting, and the per-room
// broadcast fan-out that publishes pre-serialized frames to every attached
// connection.
package room

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/watchsync/server/internal/idgen"
	"github.com/watchsync/server/internal/packet"
	"github.com/watchsync/server/internal/userregistry"
	"github.com/watchsync/server/internal/videodata"
)

// MaxUsers is the server-wide hard cap on a room's max_users, regardless of
// what a room-create request asks for.
const MaxUsers = 100

// ClientTimeout bounds both receive inactivity on a connection and a
// room's shutdown grace period after it empties.
const ClientTimeout = 120 * time.Second

// Sentinel errors returned, unwrapped, by the registry, so callers may
// compare against them with == or errors.Is.
var (
	ErrNoRoom          = errors.New("room: no such room")
	ErrRoomFull        = errors.New("room: room is full")
	ErrMaxUserExceeded = errors.New("room: max_users exceeds the server cap")
)

// Room is a single synchronized playback session: authoritative video
// state, the set of connected users, and the broadcast channel that fans
// state changes out to them.
type Room struct {
	ID     string
	Name   string
	WSPath string

	Data  *videodata.Data
	Users *userregistry.Registry

	broadcast *broadcaster
	maxUsers  int
	remaining atomic.Int64
}

// MaxUsers returns the room's configured seat cap.
func (r *Room) MaxUsers() int {
	return r.maxUsers
}

// Remaining returns the number of unclaimed seats.
func (r *Room) Remaining() int64 {
	return r.remaining.Load()
}

// Subscribe attaches a new subscriber to the room's broadcast fan-out.
func (r *Room) Subscribe() *Subscription {
	return r.broadcast.Subscribe()
}

// Broadcast serializes pkt once and fans the resulting frame out to every
// current subscriber. Publication never blocks on a slow subscriber.
func (r *Room) Broadcast(pkt *packet.Packet) {
	r.broadcast.Publish(pkt.Bytes())
}

// BroadcastRaw fans already-serialized frame bytes out, for callers that
// built the wire frame themselves (e.g. a video_data snapshot with an
// embedded JSON blob).
func (r *Room) BroadcastRaw(frame []byte) {
	r.broadcast.Publish(frame)
}

// SubscriberCount returns the number of connections currently attached to
// the room's broadcast fan-out.
func (r *Room) SubscriberCount() int {
	return r.broadcast.Count()
}

// Close drops every broadcast subscriber. The registry calls it when it
// removes the room.
func (r *Room) Close() {
	r.broadcast.CloseAll()
}

// tryDecrement atomically claims one seat, failing if none remain. It
// never lets remaining fall below zero.
func (r *Room) tryDecrement() bool {
	for {
		cur := r.remaining.Load()
		if cur <= 0 {
			return false
		}
		if r.remaining.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// increment releases one seat, saturating at maxUsers. It reports whether
// the room is now fully empty (remaining == maxUsers).
func (r *Room) increment() (empty bool) {
	for {
		cur := r.remaining.Load()
		next := cur + 1
		if next > int64(r.maxUsers) {
			next = int64(r.maxUsers)
		}
		if r.remaining.CompareAndSwap(cur, next) {
			return next == int64(r.maxUsers)
		}
	}
}

func newRoom(name, wsPath string, data *videodata.Data, maxUsers int) *Room {
	r := &Room{
		ID:     idgen.New(),
		Name:   name,
		WSPath: wsPath,
		Data:   data,
		Users:  userregistry.New(),
		maxUsers: maxUsers,
	}
	r.broadcast = newBroadcaster(r.ID, maxUsers)
	r.remaining.Store(int64(maxUsers))
	return r
}
