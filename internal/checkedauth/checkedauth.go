// Package checkedauth hands a short-lived, single-use ticket from the HTTP
// join handler to the WebSocket upgrade handler, so the socket never has to
// re-run the owner token check that already happened in the HTTP request a
// moment earlier. The seat itself is still claimed at the upgrade, when the
// ticket's room is joined.
package checkedauth

import (
	"sync"
	"time"

	"github.com/watchsync/server/internal/idgen"
)

// Expiration is how long a ticket remains consumable after being minted.
const Expiration = 10 * time.Second

// Ticket carries the already-validated join decision from the HTTP layer
// to the WebSocket upgrade.
type Ticket struct {
	RoomID    string
	Username  string
	IP        string
	UserAgent string
	IsOwner   bool
	expiresAt time.Time
}

// Store holds pending tickets, each consumable exactly once before it
// expires.
type Store struct {
	mu      sync.Mutex
	tickets map[string]Ticket
	stop    chan struct{}
	stopped bool
}

// NewStore builds a Store and starts its background sweeper, which removes
// tickets that expired without being consumed.
func NewStore() *Store {
	s := &Store{tickets: make(map[string]Ticket), stop: make(chan struct{})}
	go s.sweep()
	return s
}

// Add mints a new ticket and returns its opaque ID.
func (s *Store) Add(t Ticket) string {
	t.expiresAt = time.Now().Add(Expiration)
	id := idgen.New()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[id] = t
	return id
}

// Consume atomically removes and returns the ticket for id iff it exists,
// has not expired, and predicate(t) returns true. The check and the delete
// happen under the same lock, so a ticket that fails predicate (e.g. an
// ip/user-agent rebind mismatch) is left in place for the real caller's
// follow-up attempt instead of being burned by the mismatched one.
func (s *Store) Consume(id string, predicate func(Ticket) bool) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok || time.Now().After(t.expiresAt) || !predicate(t) {
		return Ticket{}, false
	}
	delete(s.tickets, id)
	return t, true
}

// Close stops the background sweeper. Safe to call more than once.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
}

func (s *Store) sweep() {
	ticker := time.NewTicker(Expiration)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) sweepOnce() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tickets {
		if now.After(t.expiresAt) {
			delete(s.tickets, id)
		}
	}
}
