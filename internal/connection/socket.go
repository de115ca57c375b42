// Package connection implements the per-socket connection actor: a send
// activity and a receive activity racing a missed-ping timeout, supervised
// so that either one ending tears the whole connection down cleanly.
package connection

import "time"

// Socket is the subset of *websocket.Conn this package depends on, so
// tests can exercise the actor against an in-memory fake instead of a real
// network connection.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}
