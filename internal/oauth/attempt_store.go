package oauth

import (
	"context"
	"sync"
	"time"

	"smartgate/pkg/logging"
)

// AttemptStore holds PendingAttempts keyed by their anti-forgery marker.
type AttemptStore interface {
	// Put stores a new attempt. It returns ErrConflict if the marker is
	// already present, consumed or not.
	Put(ctx context.Context, attempt *PendingAttempt) error

	// Consume atomically looks up the attempt for marker and marks it
	// consumed. Unknown, already consumed and expired markers yield a
	// *CSRFError. A successful Consume returns the attempt in the consumed
	// state; no other caller can consume it again.
	Consume(ctx context.Context, marker string) (*PendingAttempt, error)

	// Finish records the terminal state of a consumed attempt for audit.
	Finish(ctx context.Context, attempt *PendingAttempt) error
}

// MemoryAttemptStore is an in-process AttemptStore. Consumed attempts are
// kept as tombstones until their TTL so that a replayed marker is reported as
// reused rather than unknown.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]*PendingAttempt
	now      func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewMemoryAttemptStore creates the store and starts its cleanup loop.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	s := &MemoryAttemptStore{
		attempts:    make(map[string]*PendingAttempt),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryAttemptStore) Put(_ context.Context, attempt *PendingAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attempts[attempt.Marker]; exists {
		return ErrConflict
	}
	stored := *attempt
	s.attempts[attempt.Marker] = &stored
	return nil
}

func (s *MemoryAttemptStore) Consume(_ context.Context, marker string) (*PendingAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.attempts[marker]
	if !ok {
		return nil, &CSRFError{Reason: CSRFUnknownState}
	}
	if stored.Consumed() {
		return nil, &CSRFError{Reason: CSRFReusedState}
	}
	if stored.Expired(s.now()) {
		_ = stored.Transition(AttemptExpired)
		return nil, &CSRFError{Reason: CSRFExpiredState}
	}
	if err := stored.Transition(AttemptConsumed); err != nil {
		return nil, err
	}

	out := *stored
	return &out, nil
}

func (s *MemoryAttemptStore) Finish(_ context.Context, attempt *PendingAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.attempts[attempt.Marker]; ok {
		stored.Status = attempt.Status
	}
	return nil
}

// Stop stops the background cleanup goroutine.
func (s *MemoryAttemptStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *MemoryAttemptStore) cleanupLoop() {
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

func (s *MemoryAttemptStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for marker, a := range s.attempts {
		if a.Expired(now) {
			delete(s.attempts, marker)
			count++
		}
	}
	if count > 0 {
		logging.Debug("Store", "Cleaned up %d expired attempts", count)
	}
}
