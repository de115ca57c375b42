package connection

import (
	"encoding/json"
	"strconv"

	"github.com/watchsync/server/internal/logging"
	"github.com/watchsync/server/internal/metrics"
	"github.com/watchsync/server/internal/packet"
	"github.com/watchsync/server/internal/videodata"
	"go.uber.org/zap"
)

// syncTimeoutMS is the drift threshold, in milliseconds, above which an
// incoming state packet is considered out of sync with the authoritative
// position and triggers a correction rather than a bare state_ok.
const syncTimeoutMS = 5000

// dispatch parses raw and routes it to the privileged or normal processor
// depending on this connection's permission snapshot. It reports whether
// raw parsed as a well-formed packet at all: per spec.md §4.9, a frame
// that fails to parse is treated as not-a-heartbeat (the caller must leave
// missed_pings untouched), while a frame that parses but carries
// out-of-bounds values is still received-but-rejected (a heartbeat, the
// counter resets) — so dispatch returns true for every frame that parses,
// whatever the handlers below then do with its values (they only count
// rejected values as "rejected" in the metrics).
func (c *Connection) dispatch(raw string) (parsed bool) {
	p, err := packet.Parse(raw)
	if err != nil {
		metrics.PacketsReceived.WithLabelValues("unknown", "malformed").Inc()
		return false
	}

	if c.privileged() {
		c.dispatchPrivileged(p)
	} else {
		c.dispatchNormal(p)
	}
	return true
}

func (c *Connection) dispatchPrivileged(p *packet.Packet) {
	switch p.Type {
	case packet.TypeState:
		c.handlePrivilegedState(p)
	case packet.TypeSeek:
		c.handlePrivilegedSeek(p)
	case packet.TypePlay:
		c.handlePrivilegedMutation(p, videodata.StatePlay)
	case packet.TypePause:
		c.handlePrivilegedMutation(p, videodata.StatePause)
	default:
		metrics.PacketsReceived.WithLabelValues(p.Type, "ignored").Inc()
	}
}

// handlePrivilegedState implements spec.md §4.9's "state time state":
// write and broadcast only if the incoming (time, state) pair drifts from
// the authoritative one by more than SYNC_TIMEOUT; otherwise reply with a
// bare state_ok so the sender knows it's already in sync.
func (c *Connection) handlePrivilegedState(p *packet.Packet) {
	if len(p.Args) < 2 {
		metrics.PacketsReceived.WithLabelValues(packet.TypeState, "rejected").Inc()
		return
	}
	timeMS, okTime := parseSeconds(p.Args[0])
	state, okState := parseState(p.Args[1])
	if !okTime || !okState {
		metrics.PacketsReceived.WithLabelValues(packet.TypeState, "rejected").Inc()
		return
	}

	snap := c.Room.Data.Snapshot()
	if state != snap.State || abs64(timeMS-snap.TimeMS) > syncTimeoutMS {
		c.Room.Data.SetTimeAndState(timeMS, state)
		c.Room.Broadcast(packet.New(packet.TypeState).Arg(strconv.FormatInt(timeMS, 10)).Arg(strconv.Itoa(state)))
		metrics.BroadcastsSent.WithLabelValues(packet.TypeState).Inc()
	} else {
		c.sendDirect(packet.New(packet.TypeStateOk))
	}
	metrics.PacketsReceived.WithLabelValues(packet.TypeState, "ok").Inc()
}

func (c *Connection) handlePrivilegedSeek(p *packet.Packet) {
	if len(p.Args) < 1 {
		metrics.PacketsReceived.WithLabelValues(packet.TypeSeek, "rejected").Inc()
		return
	}
	timeMS, ok := parseSeconds(p.Args[0])
	if !ok {
		metrics.PacketsReceived.WithLabelValues(packet.TypeSeek, "rejected").Inc()
		return
	}

	c.Room.Data.SetTime(timeMS)
	c.Room.Broadcast(packet.New(packet.TypeSeek).Arg(strconv.FormatInt(timeMS, 10)))
	metrics.BroadcastsSent.WithLabelValues(packet.TypeSeek).Inc()
	metrics.PacketsReceived.WithLabelValues(packet.TypeSeek, "ok").Inc()
}

// handlePrivilegedMutation implements the shared shape of "play time" and
// "pause time": write time_ms and the given state together, then
// broadcast the packet type that was received.
func (c *Connection) handlePrivilegedMutation(p *packet.Packet, state int) {
	packetType := packet.TypePlay
	if state == videodata.StatePause {
		packetType = packet.TypePause
	}

	if len(p.Args) < 1 {
		metrics.PacketsReceived.WithLabelValues(packetType, "rejected").Inc()
		return
	}
	timeMS, ok := parseSeconds(p.Args[0])
	if !ok {
		metrics.PacketsReceived.WithLabelValues(packetType, "rejected").Inc()
		return
	}

	c.Room.Data.SetTimeAndState(timeMS, state)
	c.Room.Broadcast(packet.New(packetType).Arg(strconv.FormatInt(timeMS, 10)))
	metrics.BroadcastsSent.WithLabelValues(packetType).Inc()
	metrics.PacketsReceived.WithLabelValues(packetType, "ok").Inc()
}

func (c *Connection) dispatchNormal(p *packet.Packet) {
	switch p.Type {
	case packet.TypeState:
		c.handleNormalState(p)
	case packet.TypeSeek, packet.TypePlay, packet.TypePause:
		c.sendVideoDataSnapshot()
		metrics.PacketsReceived.WithLabelValues(p.Type, "ignored").Inc()
	default:
		metrics.PacketsReceived.WithLabelValues(p.Type, "ignored").Inc()
	}
}

// handleNormalState mirrors the privileged sync check but never mutates
// or broadcasts: a restricted participant learns the authoritative state
// directly, or gets a bare state_ok when already in sync.
func (c *Connection) handleNormalState(p *packet.Packet) {
	if len(p.Args) < 2 {
		metrics.PacketsReceived.WithLabelValues(packet.TypeState, "rejected").Inc()
		return
	}
	timeMS, okTime := parseSeconds(p.Args[0])
	state, okState := parseState(p.Args[1])
	if !okTime || !okState {
		metrics.PacketsReceived.WithLabelValues(packet.TypeState, "rejected").Inc()
		return
	}

	snap := c.Room.Data.Snapshot()
	if state != snap.State || abs64(timeMS-snap.TimeMS) > syncTimeoutMS {
		c.sendDirect(packet.New(packet.TypeState).Arg(strconv.FormatInt(snap.TimeMS, 10)).Arg(strconv.Itoa(snap.State)))
	} else {
		c.sendDirect(packet.New(packet.TypeStateOk))
	}
	metrics.PacketsReceived.WithLabelValues(packet.TypeState, "ok").Inc()
}

// sendVideoDataSnapshot pushes a fresh video_data packet directly to this
// connection's outbox. The owner always sees full permission bits
// regardless of the room's guest permission mask.
func (c *Connection) sendVideoDataSnapshot() {
	snap := c.Room.Data.Snapshot()
	if c.IsOwner {
		snap.Permission = videodata.PermissionAll
	}

	body, err := json.Marshal(snap)
	if err != nil {
		logging.Error(logCtx(c), "failed to marshal video_data snapshot", zap.Error(err))
		return
	}
	c.sendDirect(packet.New(packet.TypeVideoData).Arg(string(body)))
}

func (c *Connection) sendDirect(p *packet.Packet) {
	c.User.Outbox.Push(p.Bytes())
}

func parseSeconds(s string) (int64, bool) {
	f, err := parseFloat(s)
	if err != nil {
		return 0, false
	}
	ms := int64(f * 1000)
	if ms < 0 {
		ms = 0
	}
	if ms > videodata.MaxVideoLen {
		ms = videodata.MaxVideoLen
	}
	return ms, true
}

func parseState(s string) (int, bool) {
	n, err := parseInt(s)
	if err != nil || n < 0 || n > videodata.StateMax {
		return 0, false
	}
	return n, true
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
