package ingest

import (
	"sync"
	"time"
)

// Session is the in-memory record of one running camera ingestion.
type Session struct {
	CameraID     string
	StreamID     string
	RoomID       string
	RTSPURL      string
	TransportID  string
	ProducerID   string
	AssignedPort int
	SourcePort   int
	SSRC         uint32
	StartedAt    time.Time

	Process TranscoderProcess

	// Restart bookkeeping, owned by the health monitor path.
	RestartAttempts int
	LastRestartAt   time.Time
}

// Registry is the concurrent index of active sessions. All orchestration for
// one camera runs under that camera's key lock, so Start/Stop/Restart flows
// for the same camera never interleave while different cameras proceed in
// parallel.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	keyLocks map[string]*sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// LockKey acquires the per-camera lock and returns the unlock function.
func (r *Registry) LockKey(cameraID string) func() {
	r.mu.Lock()
	l, ok := r.keyLocks[cameraID]
	if !ok {
		l = &sync.Mutex{}
		r.keyLocks[cameraID] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Get returns a copy of the session for cameraID, or nil.
func (r *Registry) Get(cameraID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[cameraID]
	if !ok {
		return nil
	}
	out := *s
	return &out
}

// Put inserts or replaces the session for its camera.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *s
	r.sessions[s.CameraID] = &copied
}

// Delete removes the session for cameraID if present.
func (r *Registry) Delete(cameraID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, cameraID)
}

// Update applies fn to the stored session under the registry lock.
func (r *Registry) Update(cameraID string, fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[cameraID]; ok {
		fn(s)
	}
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns copies of all sessions.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		copied := *s
		out = append(out, &copied)
	}
	return out
}
