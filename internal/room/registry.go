package room

import (
	"context"
	"sync"
	"time"

	"github.com/watchsync/server/internal/logging"
	"github.com/watchsync/server/internal/metrics"
	"github.com/watchsync/server/internal/videodata"

	"go.uber.org/zap"
)

// Registry is the concurrency-safe map of every room currently live in
// this process, plus the grace-period timers that delay-delete rooms once
// they empty.
type Registry struct {
	wsPath      string
	gracePeriod time.Duration

	mu    sync.Mutex
	rooms map[string]*Room
	grace map[string]*time.Timer
}

// NewRegistry builds an empty Registry using the standard ClientTimeout
// shutdown grace period. wsPath is the WebSocket upgrade path every room
// it creates reports back to HTTP callers.
func NewRegistry(wsPath string) *Registry {
	return NewRegistryWithGracePeriod(wsPath, ClientTimeout)
}

// NewRegistryWithGracePeriod builds a Registry with a non-standard grace
// period, so tests don't have to wait out the real ClientTimeout to
// exercise room teardown.
func NewRegistryWithGracePeriod(wsPath string, gracePeriod time.Duration) *Registry {
	return &Registry{
		wsPath:      wsPath,
		gracePeriod: gracePeriod,
		rooms:       make(map[string]*Room),
		grace:       make(map[string]*time.Timer),
	}
}

// Create allocates a new room with maxUsers seats, rejecting requests
// above the server-wide MaxUsers cap.
func (reg *Registry) Create(name string, data *videodata.Data, maxUsers int) (*Room, error) {
	if maxUsers > MaxUsers {
		return nil, ErrMaxUserExceeded
	}
	if maxUsers < 1 {
		maxUsers = 1
	}

	r := newRoom(name, reg.wsPath, data, maxUsers)

	reg.mu.Lock()
	reg.rooms[r.ID] = r
	reg.mu.Unlock()

	metrics.ActiveRooms.Inc()
	metrics.RoomUsers.WithLabelValues(r.ID).Set(0)
	logging.Info(context.Background(), "room created", zap.String("room_id", r.ID), zap.Int("max_users", maxUsers))
	return r, nil
}

// Get returns the room with the given ID, without affecting its seat
// count.
func (reg *Registry) Get(id string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	if !ok {
		return nil, ErrNoRoom
	}
	return r, nil
}

// Verify reports whether a room exists and currently has a free seat,
// without claiming one. Used by the HTTP join handler to validate a
// room_id before minting a checked-auth ticket.
func (reg *Registry) Verify(id string) (*Room, error) {
	r, err := reg.Get(id)
	if err != nil {
		return nil, err
	}
	if r.Remaining() == 0 {
		return nil, ErrRoomFull
	}
	return r, nil
}

// Join atomically claims one seat in room id, cancelling any pending
// shutdown grace for it.
func (reg *Registry) Join(id string) (*Room, error) {
	reg.mu.Lock()
	r, ok := reg.rooms[id]
	reg.mu.Unlock()
	if !ok {
		return nil, ErrNoRoom
	}
	if !r.tryDecrement() {
		return nil, ErrRoomFull
	}

	reg.cancelGrace(id)
	metrics.RoomUsers.WithLabelValues(id).Set(float64(r.maxUsers - int(r.Remaining())))
	return r, nil
}

// Leave releases a seat in room id. If that empties the room, a shutdown
// grace timer is armed: after ClientTimeout the room is removed iff it is
// still empty at that point. A join in the interim cancels the timer via
// Join above.
func (reg *Registry) Leave(id string) {
	reg.mu.Lock()
	r, ok := reg.rooms[id]
	reg.mu.Unlock()
	if !ok {
		return
	}

	empty := r.increment()
	metrics.RoomUsers.WithLabelValues(id).Set(float64(r.maxUsers - int(r.Remaining())))
	if empty {
		reg.armGrace(id)
	}
}

// Remove deletes a room immediately, bypassing the grace period, and
// drops its broadcast subscribers. Used for explicit room closure.
func (reg *Registry) Remove(id string) {
	reg.mu.Lock()
	r, ok := reg.rooms[id]
	if !ok {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, id)
	if t, ok := reg.grace[id]; ok {
		t.Stop()
		delete(reg.grace, id)
	}
	reg.mu.Unlock()

	r.Close()
	metrics.ActiveRooms.Dec()
	metrics.RoomUsers.DeleteLabelValues(id)
}

func (reg *Registry) armGrace(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if t, ok := reg.grace[id]; ok {
		t.Stop()
	}
	reg.grace[id] = time.AfterFunc(reg.gracePeriod, func() {
		reg.sweepGrace(id)
	})
}

func (reg *Registry) cancelGrace(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if t, ok := reg.grace[id]; ok {
		t.Stop()
		delete(reg.grace, id)
	}
}

func (reg *Registry) sweepGrace(id string) {
	reg.mu.Lock()
	r, ok := reg.rooms[id]
	if !ok {
		delete(reg.grace, id)
		reg.mu.Unlock()
		return
	}
	delete(reg.grace, id)
	stillEmpty := r.Remaining() == int64(r.maxUsers)
	if stillEmpty {
		delete(reg.rooms, id)
	}
	reg.mu.Unlock()

	if stillEmpty {
		r.Close()
		metrics.ActiveRooms.Dec()
		metrics.RoomUsers.DeleteLabelValues(id)
		logging.Info(context.Background(), "room removed after grace period", zap.String("room_id", id))
	}
}

// Count returns the number of rooms currently tracked, including rooms
// mid-grace-period.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
