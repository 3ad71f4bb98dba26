package session

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"cliproom/internal/identity"
	"cliproom/internal/metrics"
	"cliproom/internal/storage"
	"cliproom/pkg/types"
)

// Registry is the process-wide map from session code to live session and the
// sole owner of session lifetime. The registry lock guards only the map;
// per-session state is guarded by each session's own mutex, so operations on
// different sessions proceed in parallel.
type Registry struct {
	store      storage.BlobStore
	log        *zap.Logger
	codeLength int
	maxUpload  int64

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. codeLength is the session code
// length; maxUpload bounds a single artifact in bytes (0 disables the bound).
func NewRegistry(store storage.BlobStore, codeLength int, maxUpload int64, log *zap.Logger) *Registry {
	return &Registry{
		store:      store,
		log:        log,
		codeLength: codeLength,
		maxUpload:  maxUpload,
		sessions:   make(map[string]*Session),
	}
}

// Create allocates a fresh unique code and stores a session whose single
// participant is the host. The code is drawn under the registry lock so two
// concurrent creates cannot collide.
func (r *Registry) Create(hostName string) (*Session, *types.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := identity.NewSessionCode(r.codeLength, func(candidate string) bool {
		_, exists := r.sessions[candidate]
		return exists
	})
	s, host := newSession(code, hostName, r.store, r.maxUpload, r.log)
	r.sessions[code] = s
	metrics.ActiveSessions.Set(float64(len(r.sessions)))

	r.log.Info("session created", zap.String("session", code), zap.String("host", host.ID))
	return s, host
}

// Lookup resolves a code case-insensitively. Sessions destroyed but not yet
// unlinked report not-found through their own staleness check, so a stale
// pointer is never acted on.
func (r *Registry) Lookup(code string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[strings.ToLower(code)]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return s, nil
}

// Destroy tears down a session at the host's request. The session is
// condemned under its own mutex (termination broadcast, connection closes,
// artifact removal) and then unlinked; after condemnation the session
// reports not-found to any caller still holding it.
func (r *Registry) Destroy(code, callerID string) error {
	s, err := r.Lookup(code)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return types.ErrSessionNotFound
	}
	if err := s.requireHostLocked(callerID); err != nil {
		s.mu.Unlock()
		return err
	}
	s.destroyLocked(types.DestroyReasonHostAction)
	s.mu.Unlock()

	r.unlink(s.code)
	return nil
}

// unlink removes a condemned session from the map.
func (r *Registry) unlink(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, code)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
}

// snapshot returns the current sessions for sweeping without holding the
// registry lock during per-session work.
func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
