package revocation

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is an in-process deny list for tests and single-node use.
// Production deployments use RedisRegistry; per-instance memory cannot give
// the cross-instance visibility revocation requires.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]time.Time // session id -> expiry of the deny marker
	now     func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an in-memory revocation registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Revoke marks a session as revoked until the TTL elapses.
func (r *MemoryRegistry) Revoke(ctx context.Context, sessionID string, ttl time.Duration) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sessionID] = r.now().Add(ttl)
	return nil
}

// IsRevoked reports whether the session carries an unexpired deny marker.
// Expired markers are reaped here; the expiry re-check and the delete happen
// under one write lock so a concurrent Revoke can never be reaped as stale.
func (r *MemoryRegistry) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, ErrEmptySessionID
	}
	r.mu.RLock()
	expiry, ok := r.entries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !r.now().After(expiry) {
		return true, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok = r.entries[sessionID]
	if !ok {
		return false, nil
	}
	if r.now().After(expiry) {
		delete(r.entries, sessionID)
		return false, nil
	}
	return true, nil
}
