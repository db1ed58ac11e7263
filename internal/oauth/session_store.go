package oauth

import (
	"context"
	"sync"
	"time"

	"smartgate/pkg/logging"
)

// SessionStore holds sessions and their single current TokenMaterial.
//
// SwapMaterial is the only way to replace material on an existing session.
// It is a compare-and-swap on the material generation: exactly one of any
// number of concurrent swaps from the same generation succeeds, the rest get
// ErrStaleRefreshToken.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	SwapMaterial(ctx context.Context, id string, expectedGeneration uint64, material *TokenMaterial) error
	Delete(ctx context.Context, id string) error
}

// checkStorable enforces that stored material is never already expired.
func checkStorable(material *TokenMaterial, now time.Time) error {
	if material != nil && !material.ExpiresAt.After(now) {
		return ErrExpiredMaterial
	}
	return nil
}

// MemorySessionStore is an in-process SessionStore with idle expiry.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	idleTTL  time.Duration
	now      func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewMemorySessionStore creates the store and starts its cleanup loop.
// Sessions not accessed for idleTTL are removed.
func NewMemorySessionStore(idleTTL time.Duration) *MemorySessionStore {
	s := &MemorySessionStore{
		sessions:    make(map[string]*Session),
		idleTTL:     idleTTL,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemorySessionStore) Create(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkStorable(session.Material, s.now()); err != nil {
		return err
	}
	if _, exists := s.sessions[session.ID]; exists {
		return ErrConflict
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	now := s.now()
	if s.idle(session, now) {
		delete(s.sessions, id)
		return nil, ErrSessionNotFound
	}
	session.LastAccessAt = now
	return session.Clone(), nil
}

func (s *MemorySessionStore) SwapMaterial(_ context.Context, id string, expectedGeneration uint64, material *TokenMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	var current uint64
	if session.Material != nil {
		current = session.Material.Generation
	}
	if current != expectedGeneration {
		return ErrStaleRefreshToken
	}
	if err := checkStorable(material, s.now()); err != nil {
		return err
	}
	session.Material = material.Clone()
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Len returns the number of live sessions.
func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop stops the background cleanup goroutine.
func (s *MemorySessionStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *MemorySessionStore) idle(session *Session, now time.Time) bool {
	return s.idleTTL > 0 && now.Sub(session.LastAccessAt) > s.idleTTL
}

func (s *MemorySessionStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemorySessionStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for id, session := range s.sessions {
		if s.idle(session, now) {
			delete(s.sessions, id)
			count++
		}
	}
	if count > 0 {
		logging.Debug("Store", "Cleaned up %d idle sessions", count)
	}
}
