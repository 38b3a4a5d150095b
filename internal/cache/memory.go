package cache

import (
	"context"
	"sync"
	"time"

	"github.com/trustgate/trustgate/internal/rbac"
)

// MemorySnapshotCache is an in-process snapshot cache for single-node
// deployments and tests. It honors the same TTL and invalidation contract as
// the redis implementation but is not shared between instances.
type MemorySnapshotCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	snap      *rbac.Snapshot
	expiresAt time.Time
}

var (
	_ rbac.SnapshotCache = (*MemorySnapshotCache)(nil)
	_ Invalidator        = (*MemorySnapshotCache)(nil)
)

// NewMemorySnapshotCache creates an in-memory snapshot cache. A zero ttl
// falls back to DefaultTTL.
func NewMemorySnapshotCache(ttl time.Duration) *MemorySnapshotCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemorySnapshotCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached snapshot for a fingerprint, if present and fresh.
// Expired entries are evicted on read so the map does not grow without bound.
func (c *MemorySnapshotCache) Get(ctx context.Context, fingerprint string) (*rbac.Snapshot, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		// A concurrent Set may have refreshed the entry since the read
		// above; only drop it if it is still expired.
		if entry, ok := c.entries[fingerprint]; ok && c.now().After(entry.expiresAt) {
			delete(c.entries, fingerprint)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry.snap, true, nil
}

// Set stores a snapshot under its fingerprint.
func (c *MemorySnapshotCache) Set(ctx context.Context, fingerprint string, snap *rbac.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = memoryEntry{
		snap:      snap,
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

// InvalidateSubjectTenant drops all snapshots for one (subject, tenant) pair.
func (c *MemorySnapshotCache) InvalidateSubjectTenant(ctx context.Context, userID, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, entry := range c.entries {
		if entry.snap.UserID == userID && entry.snap.TenantID == tenantID {
			delete(c.entries, fp)
		}
	}
	return nil
}

// InvalidateAll drops every cached snapshot.
func (c *MemorySnapshotCache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}
