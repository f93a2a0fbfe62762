package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/kestrel/vm"
)

// handle is a server-side reference to a VM value. The value cell is
// protected, so the collector keeps the object alive and rewrites the
// cell when it moves.
type handle struct {
	id        string
	value     vm.Value
	pinned    bool
	sessionID string
	created   time.Time
	lastUsed  time.Time
}

// HandleStore keeps evaluation results reachable between requests,
// keyed by uuid.
type HandleStore struct {
	mu      sync.Mutex
	handles map[string]*handle
	worker  *VMWorker
}

// NewHandleStore creates a new handle store.
func NewHandleStore(worker *VMWorker) *HandleStore {
	return &HandleStore{
		handles: make(map[string]*handle),
		worker:  worker,
	}
}

// Create registers a value and returns an opaque handle ID. Immediates
// need no pinning but still get a handle so clients treat results alike.
func (s *HandleStore) Create(value vm.Value, sessionID string) string {
	now := time.Now()
	h := &handle{
		id:        uuid.NewString(),
		value:     value,
		sessionID: sessionID,
		created:   now,
		lastUsed:  now,
		pinned:    value.IsRef(),
	}
	if h.pinned {
		s.worker.VM().Protect(&h.value)
	}

	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()
	return h.id
}

// Lookup retrieves the value for a handle. Call it on the worker
// goroutine: the cell may be rewritten by a collection.
func (s *HandleStore) Lookup(id string) (vm.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return vm.Nil, false
	}
	h.lastUsed = time.Now()
	return h.value, true
}

// Len returns the number of live handles, optionally for one session.
func (s *HandleStore) Len(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID == "" {
		return len(s.handles)
	}
	n := 0
	for _, h := range s.handles {
		if h.sessionID == sessionID {
			n++
		}
	}
	return n
}

// release unpins and forgets h. s.mu must be held. It never reads the
// cell, so it is safe off the worker goroutine.
func (s *HandleStore) release(h *handle) {
	if h.pinned {
		s.worker.VM().Unprotect(&h.value)
	}
	delete(s.handles, h.id)
}

// Release removes a handle and unpins the value.
func (s *HandleStore) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if ok {
		s.release(h)
	}
	return ok
}

// ReleaseSession unpins every result a session still holds.
func (s *HandleStore) ReleaseSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.handles {
		if h.sessionID == sessionID {
			s.release(h)
		}
	}
}

// Sweep drops handles idle for longer than ttl and returns how many went.
func (s *HandleStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, h := range s.handles {
		if h.lastUsed.Before(cutoff) {
			s.release(h)
			removed++
		}
	}
	return removed
}

// StartSweeper sweeps every interval until the returned func is called.
func (s *HandleStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(ttl); n > 0 {
					log.Debugf("swept %d idle handles", n)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
