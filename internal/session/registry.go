// Package session implements the supervisor-only, process-wide mapping
// from session ID to live session record. It is touched only from the
// supervisor's accept loop and its worker-reaping goroutines; the
// worker process never sees it.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"ptyrelay/internal/handoff"
)

// MaxSessions bounds the registry. It doubles as the supervisor's
// concurrent-worker limit.
const MaxSessions = 64

// Session is one persistent session's supervisor-side bookkeeping.
type Session struct {
	ID       uint64
	ChildPID int
	Handoff  *handoff.Endpoint // endpoint 0; the worker holds endpoint 1
}

// Registry maps session IDs and worker PIDs to Session records.
type Registry struct {
	mu    sync.Mutex
	byID  map[uint64]*Session
	byPID map[int]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[uint64]*Session),
		byPID: make(map[int]*Session),
	}
}

// New allocates a fresh session with a uniform-random, nonzero 64-bit ID
// that does not collide with a live session, and inserts it under that
// ID. The caller fills in ChildPID and Handoff once known and should
// call BindPID to index the record by PID too.
func (r *Registry) New() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byID) >= MaxSessions {
		return nil, fmt.Errorf("session: registry full (%d sessions)", MaxSessions)
	}

	var id uint64
	for {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("session: generate id: %w", err)
		}
		id = binary.LittleEndian.Uint64(b[:])
		if id == 0 {
			continue
		}
		if _, exists := r.byID[id]; exists {
			continue
		}
		break
	}

	s := &Session{ID: id}
	r.byID[id] = s
	return s, nil
}

// BindPID indexes an existing session record by its worker's PID, once
// the supervisor knows it (after fork/exec of the worker).
func (r *Registry) BindPID(s *Session, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ChildPID = pid
	r.byPID[pid] = s
}

// Get looks up a session by ID.
func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// GetByPID looks up a session by its worker's PID.
func (r *Registry) GetByPID(pid int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byPID[pid]
	return s, ok
}

// Delete removes a session and closes its supervisor-side handoff
// endpoint. Called when the worker exits or a new session fails to
// start.
func (r *Registry) Delete(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byPID, s.ChildPID)
	if s.Handoff != nil {
		s.Handoff.Close()
	}
}

// Len reports the number of live sessions. The supervisor's
// concurrency gate is its own worker semaphore, not this count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
