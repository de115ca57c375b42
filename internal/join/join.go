// Package join implements the handshake that turns a freshly upgraded
// WebSocket into a running connection.Connection: either the owner path,
// which redeems a checked-auth ticket minted by the HTTP layer, or the guest
// path, which waits for a single join_room frame.
package join

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/watchsync/server/internal/checkedauth"
	"github.com/watchsync/server/internal/connection"
	"github.com/watchsync/server/internal/idgen"
	"github.com/watchsync/server/internal/logging"
	"github.com/watchsync/server/internal/metrics"
	"github.com/watchsync/server/internal/packet"
	"github.com/watchsync/server/internal/room"
	"github.com/watchsync/server/internal/userregistry"
	"github.com/watchsync/server/internal/videodata"
)

// closeProtocolError and closeGenericError pick the two close codes the
// handshake ever sends: CloseProtocolError when the peer's first frame
// isn't a valid join_room, and CloseInternalServerErr for every other
// rejection (no such room, room full), matching spec.md's Error/Protocol
// close-frame categories.
const (
	closeProtocolError = websocket.CloseProtocolError
	closeGenericError  = websocket.CloseInternalServerErr
)

// Orchestrator wires the room registry and checked-auth ticket store
// together to run the join handshake for one accepted socket.
type Orchestrator struct {
	Rooms   *room.Registry
	Tickets *checkedauth.Store
}

// New builds an Orchestrator.
func New(rooms *room.Registry, tickets *checkedauth.Store) *Orchestrator {
	return &Orchestrator{Rooms: rooms, Tickets: tickets}
}

// Handshake runs the full join sequence for sock: it tries the owner path
// if checkedAuthID is non-empty, falling through silently to the guest path
// on any ticket failure, then blocks for the lifetime of the resulting
// connection.Connection. It never returns an error for a clean rejection;
// the rejection itself (a Close frame) is the only signal the caller needs.
func (o *Orchestrator) Handshake(ctx context.Context, sock connection.Socket, remoteAddr, userAgent, checkedAuthID string) {
	if checkedAuthID != "" {
		if r, user, ok := o.tryOwnerPath(checkedAuthID, remoteAddr, userAgent); ok {
			o.run(ctx, sock, r, user, true)
			return
		}
	}

	r, user, ok := o.guestPath(sock, remoteAddr, userAgent)
	if !ok {
		return
	}
	o.run(ctx, sock, r, user, false)
}

// tryOwnerPath redeems a checked-auth ticket. Any failure (expired,
// unknown, ip/user-agent mismatch, room since removed, room now full) is
// reported as ok=false so the caller falls through to the guest handshake,
// per spec.md §4.12's "token verification failure on the owner path is
// silent".
func (o *Orchestrator) tryOwnerPath(checkedAuthID, remoteAddr, userAgent string) (*room.Room, *userregistry.User, bool) {
	ticket, ok := o.Tickets.Consume(checkedAuthID, func(t checkedauth.Ticket) bool {
		return ipEqual(t.IP, remoteAddr) && t.UserAgent == userAgent
	})
	if !ok {
		logging.Warn(context.Background(), "checked-auth ticket missing, expired, or rebind mismatch")
		return nil, nil, false
	}

	r, err := o.Rooms.Join(ticket.RoomID)
	if err != nil {
		metrics.JoinAttempts.WithLabelValues("owner_room_gone").Inc()
		return nil, nil, false
	}

	user := &userregistry.User{
		ID:         idgen.New(),
		RoomID:     r.ID,
		Name:       ticket.Username,
		IsOwner:    true,
		Permission: videodata.PermissionAll,
		Outbox:     userregistry.NewOutbox(),
	}
	metrics.JoinAttempts.WithLabelValues("owner_ok").Inc()
	return r, user, true
}

// guestPath awaits a single join_room frame within room.ClientTimeout,
// validates the named room, and claims a seat. On any rejection it sends a
// Close frame and closes the socket before returning ok=false.
func (o *Orchestrator) guestPath(sock connection.Socket, remoteAddr, userAgent string) (*room.Room, *userregistry.User, bool) {
	if err := sock.SetReadDeadline(time.Now().Add(room.ClientTimeout)); err != nil {
		return nil, nil, false
	}
	msgType, data, err := sock.ReadMessage()
	if err != nil {
		return nil, nil, false
	}
	if msgType != websocket.TextMessage {
		o.reject(sock, closeProtocolError, "expected a text frame")
		return nil, nil, false
	}

	p, err := packet.Parse(string(data))
	if err != nil || p.Type != packet.TypeJoinRoom || len(p.Args) < 2 {
		o.reject(sock, closeProtocolError, "expected join_room <room_id>|.|<name>")
		metrics.JoinAttempts.WithLabelValues("malformed").Inc()
		return nil, nil, false
	}
	roomID, name := p.Args[0], p.Args[1]

	r, err := o.Rooms.Join(roomID)
	if err != nil {
		o.reject(sock, closeGenericError, err.Error())
		metrics.JoinAttempts.WithLabelValues(joinOutcome(err)).Inc()
		return nil, nil, false
	}

	user := &userregistry.User{
		ID:         idgen.New(),
		RoomID:     r.ID,
		Name:       name,
		IsOwner:    false,
		Permission: r.Data.Permission(),
		Outbox:     userregistry.NewOutbox(),
	}
	metrics.JoinAttempts.WithLabelValues("guest_ok").Inc()
	return r, user, true
}

// run attaches user to r's registry, subscribes a Connection before
// announcing it (so the new participant observes its own "joined"
// broadcast, as spec.md's scenario 1 requires), sends the initial
// video_data snapshot directly, then drives the connection to completion.
func (o *Orchestrator) run(ctx context.Context, sock connection.Socket, r *room.Room, user *userregistry.User, isOwner bool) {
	r.Users.Add(user)

	conn := connection.New(user.ID, user.Name, r, user, isOwner, sock)
	conn.OnLeave = func() { o.Rooms.Leave(r.ID) }

	r.Broadcast(packet.New(packet.TypeJoined).Arg(user.Name).Arg(user.ID))
	sendInitialSnapshot(r, user, isOwner)

	logging.Info(logging.WithUserID(logging.WithRoomID(ctx, r.ID), user.ID), "connection joined", zap.Bool("owner", isOwner))
	conn.Run(ctx)
}

func sendInitialSnapshot(r *room.Room, user *userregistry.User, isOwner bool) {
	snap := r.Data.Snapshot()
	if isOwner {
		snap.Permission = videodata.PermissionAll
	}
	body, err := json.Marshal(snap)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal initial video_data snapshot", zap.Error(err))
		return
	}
	user.Outbox.Push(packet.New(packet.TypeVideoData).Arg(string(body)).Bytes())
}

// reject writes a best-effort close frame and closes the socket. Errors are
// ignored: the connection is being torn down regardless.
func (o *Orchestrator) reject(sock connection.Socket, code int, reason string) {
	frame := websocket.FormatCloseMessage(code, reason)
	_ = sock.WriteMessage(websocket.CloseMessage, frame)
	_ = sock.Close()
}

func joinOutcome(err error) string {
	switch err {
	case room.ErrNoRoom:
		return "no_room"
	case room.ErrRoomFull:
		return "room_full"
	default:
		return "rejected"
	}
}

func ipEqual(a, b string) bool {
	ha, _, errA := net.SplitHostPort(a)
	if errA != nil {
		ha = a
	}
	hb, _, errB := net.SplitHostPort(b)
	if errB != nil {
		hb = b
	}
	return ha == hb
}
