package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"smartgate/pkg/logging"
)

// CodeLedger remembers redeemed authorization codes so that a replayed code
// is detected even though the gateway never stores the code itself. Entries
// are keyed by HashCode(code).
type CodeLedger interface {
	// Claim records codeHash. It returns false if the hash was already
	// claimed.
	Claim(ctx context.Context, codeHash string) (bool, error)

	// Bind associates a claimed code with the session created from it.
	Bind(ctx context.Context, codeHash, sessionID string) error

	// Lookup returns the session bound to codeHash, or "" if none.
	Lookup(ctx context.Context, codeHash string) (string, error)
}

// HashCode returns the hex SHA-256 of an authorization code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

type ledgerEntry struct {
	sessionID string
	expiresAt time.Time
}

// MemoryCodeLedger is an in-process CodeLedger.
type MemoryCodeLedger struct {
	mu      sync.Mutex
	entries map[string]*ledgerEntry
	ttl     time.Duration
	now     func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewMemoryCodeLedger creates a ledger whose entries live for ttl.
func NewMemoryCodeLedger(ttl time.Duration) *MemoryCodeLedger {
	l := &MemoryCodeLedger{
		entries:     make(map[string]*ledgerEntry),
		ttl:         ttl,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *MemoryCodeLedger) Claim(_ context.Context, codeHash string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.entries[codeHash]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	l.entries[codeHash] = &ledgerEntry{expiresAt: now.Add(l.ttl)}
	return true, nil
}

func (l *MemoryCodeLedger) Bind(_ context.Context, codeHash, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[codeHash]; ok {
		e.sessionID = sessionID
	}
	return nil
}

func (l *MemoryCodeLedger) Lookup(_ context.Context, codeHash string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[codeHash]; ok && l.now().Before(e.expiresAt) {
		return e.sessionID, nil
	}
	return "", nil
}

// Stop stops the background cleanup goroutine.
func (l *MemoryCodeLedger) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *MemoryCodeLedger) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *MemoryCodeLedger) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	count := 0
	for hash, e := range l.entries {
		if !now.Before(e.expiresAt) {
			delete(l.entries, hash)
			count++
		}
	}
	if count > 0 {
		logging.Debug("Store", "Cleaned up %d redeemed code entries", count)
	}
}
