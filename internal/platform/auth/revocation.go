package auth

import (
	"context"
	"sync"
	"time"
)

// RevocationList remembers session ids that were logged out before they
// expired. Entries are dropped once the token would have expired anyway.
type RevocationList struct {
	mu      sync.RWMutex
	entries map[string]time.Time // jti -> token expiry
	now     func() time.Time
}

func NewRevocationList() *RevocationList {
	return &RevocationList{entries: make(map[string]time.Time), now: time.Now}
}

func (l *RevocationList) Revoke(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	l.mu.Lock()
	l.entries[jti] = expiresAt
	l.mu.Unlock()
}

func (l *RevocationList) IsRevoked(jti string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[jti]
	return ok
}

func (l *RevocationList) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Sweep removes entries whose tokens have expired.
func (l *RevocationList) Sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for jti, exp := range l.entries {
		if now.After(exp) {
			delete(l.entries, jti)
		}
	}
}

// StartCleanup sweeps every interval until ctx is done.
func (l *RevocationList) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}
