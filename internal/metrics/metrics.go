// Package metrics registers the Prometheus instruments this service
// exposes on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections is the number of currently upgraded WebSocket
	// connections across all rooms.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchparty_active_connections",
		Help: "Current number of open WebSocket connections.",
	})

	// ActiveRooms is the number of rooms currently tracked by the
	// registry, including rooms mid-grace-period.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchparty_active_rooms",
		Help: "Current number of rooms held in the registry.",
	})

	// RoomUsers tracks per-room connected user counts.
	RoomUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "watchparty_room_users",
		Help: "Current number of connected users, by room.",
	}, []string{"room_id"})

	// PacketsReceived counts inbound packets by wire type and outcome
	// (ok, rejected, ignored, malformed).
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_packets_received_total",
		Help: "Inbound packets processed, by type and outcome.",
	}, []string{"type", "outcome"})

	// BroadcastsSent counts packets fanned out to room subscribers.
	BroadcastsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_broadcasts_sent_total",
		Help: "Packets fanned out to subscribers, by room event type.",
	}, []string{"type"})

	// BroadcastsDropped counts subscribers dropped for falling behind a
	// room's broadcast fan-out.
	BroadcastsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_broadcasts_dropped_total",
		Help: "Subscribers dropped from a room broadcast for being too slow.",
	}, []string{"room_id"})

	// JoinAttempts counts WebSocket join handshakes by outcome (guest_ok,
	// owner_ok, owner_room_gone, malformed, no_room, room_full, rejected).
	JoinAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_join_attempts_total",
		Help: "Room join attempts, by outcome.",
	}, []string{"outcome"})

	// RateLimitExceeded counts requests rejected by the rate limiter, by
	// endpoint and limit kind. The limiter keys by client IP only, so kind
	// is always "ip".
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_rate_limit_exceeded_total",
		Help: "Requests rejected by the rate limiter, by endpoint and kind.",
	}, []string{"endpoint", "kind"})
)
