package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustgate/trustgate/internal/rbac"
)

func snapshot(userID, tenantID, audience string) *rbac.Snapshot {
	return &rbac.Snapshot{
		UserID:      userID,
		TenantID:    tenantID,
		Audience:    audience,
		RoleLabel:   "member",
		Roles:       []string{"editor"},
		Permissions: []string{"read", "write"},
		ResolvedAt:  time.Now().UTC(),
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemorySnapshotCache(time.Minute)
	ctx := context.Background()
	fp := rbac.Fingerprint("u1", "t1", "svc")

	_, ok, err := c.Get(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, fp, snapshot("u1", "t1", "svc")))

	got, ok, err := c.Get(ctx, fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"read", "write"}, got.Permissions)
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := NewMemorySnapshotCache(time.Minute)
	current := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return current }

	ctx := context.Background()
	fp := rbac.Fingerprint("u1", "t1", "svc")
	require.NoError(t, c.Set(ctx, fp, snapshot("u1", "t1", "svc")))

	_, ok, err := c.Get(ctx, fp)
	require.NoError(t, err)
	assert.True(t, ok)

	current = current.Add(61 * time.Second)

	_, ok, err = c.Get(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must be a miss")
}

func TestMemoryCacheEvictsExpiredOnRead(t *testing.T) {
	c := NewMemorySnapshotCache(time.Minute)
	current := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return current }

	ctx := context.Background()
	fp := rbac.Fingerprint("u1", "t1", "svc")
	require.NoError(t, c.Set(ctx, fp, snapshot("u1", "t1", "svc")))

	current = current.Add(61 * time.Second)

	_, ok, err := c.Get(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok)

	c.mu.RLock()
	_, present := c.entries[fp]
	c.mu.RUnlock()
	assert.False(t, present, "expired entry must be dropped from the map")
}

func TestMemoryCacheInvalidateSubjectTenant(t *testing.T) {
	c := NewMemorySnapshotCache(time.Minute)
	ctx := context.Background()

	// Two audiences for the same membership, one unrelated entry.
	require.NoError(t, c.Set(ctx, rbac.Fingerprint("u1", "t1", "svc-a"), snapshot("u1", "t1", "svc-a")))
	require.NoError(t, c.Set(ctx, rbac.Fingerprint("u1", "t1", "svc-b"), snapshot("u1", "t1", "svc-b")))
	require.NoError(t, c.Set(ctx, rbac.Fingerprint("u2", "t1", "svc-a"), snapshot("u2", "t1", "svc-a")))

	require.NoError(t, c.InvalidateSubjectTenant(ctx, "u1", "t1"))

	_, ok, _ := c.Get(ctx, rbac.Fingerprint("u1", "t1", "svc-a"))
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, rbac.Fingerprint("u1", "t1", "svc-b"))
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, rbac.Fingerprint("u2", "t1", "svc-a"))
	assert.True(t, ok, "other subjects must be untouched")
}

func TestMemoryCacheInvalidateAll(t *testing.T) {
	c := NewMemorySnapshotCache(time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, rbac.Fingerprint("u1", "t1", "svc"), snapshot("u1", "t1", "svc")))
	require.NoError(t, c.Set(ctx, rbac.Fingerprint("u2", "t2", "svc"), snapshot("u2", "t2", "svc")))

	require.NoError(t, c.InvalidateAll(ctx))

	_, ok, _ := c.Get(ctx, rbac.Fingerprint("u1", "t1", "svc"))
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, rbac.Fingerprint("u2", "t2", "svc"))
	assert.False(t, ok)
}
