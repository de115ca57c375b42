// Package packet implements the line-oriented text wire protocol spoken
// over the watch-party WebSocket: a fixed header, a packet type, and a
// pipe-delimited argument list.
package packet

import (
	"fmt"
	"strings"
)

const (
	header   = "||-=-||"
	typeSep  = "-=-"
	argSep   = "|.|"
)

// Known packet types.
const (
	TypeJoinRoom  = "join_room"
	TypeVideoData = "video_data"
	TypeState     = "state"
	TypeStateOk   = "state_ok"
	TypeSeek      = "seek"
	TypePlay      = "play"
	TypePause     = "pause"
	TypeAuth      = "auth"
	TypeJoined    = "joined"
	TypeLeft      = "left"
	TypePing      = "ping"
	TypePong      = "pong"
)

// Packet is a parsed or in-progress wire message: a type tag plus an
// ordered list of string arguments.
type Packet struct {
	Type string
	Args []string
}

// New starts a packet of the given type with no arguments yet.
func New(packetType string) *Packet {
	return &Packet{Type: packetType}
}

// Arg appends an argument and returns the packet, so calls can be chained:
// packet.New(packet.TypeSeek).Arg(strconv.FormatInt(ms, 10)).String().
func (p *Packet) Arg(value string) *Packet {
	p.Args = append(p.Args, value)
	return p
}

// String renders the packet into its wire form.
func (p *Packet) String() string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString(p.Type)
	b.WriteString(typeSep)
	b.WriteString(strings.Join(p.Args, argSep))
	return b.String()
}

// Bytes renders the packet as a byte slice suitable for a WebSocket text
// frame.
func (p *Packet) Bytes() []byte {
	return []byte(p.String())
}

// ErrMalformed is returned by Parse when the frame does not carry the
// expected header or type separator.
var ErrMalformed = fmt.Errorf("packet: malformed frame")

// Parse decodes a raw wire frame into a Packet. An empty argument list
// (nothing after the type separator) parses to a Packet with Args of
// length 1 containing the empty string, matching how the original framing
// treats "type-=-" as one empty argument; callers that expect zero
// arguments should check len(Args) == 1 && Args[0] == "".
func Parse(raw string) (*Packet, error) {
	rest, ok := strings.CutPrefix(raw, header)
	if !ok {
		return nil, ErrMalformed
	}
	packetType, argsRaw, ok := strings.Cut(rest, typeSep)
	if !ok {
		return nil, ErrMalformed
	}
	if packetType == "" {
		return nil, ErrMalformed
	}
	args := strings.Split(argsRaw, argSep)
	return &Packet{Type: packetType, Args: args}, nil
}
