package revocation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistryRevokeThenCheck(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	revoked, err := r.IsRevoked(ctx, "session-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, r.Revoke(ctx, "session-1", time.Hour))

	revoked, err = r.IsRevoked(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Other sessions are untouched.
	revoked, err = r.IsRevoked(ctx, "session-2")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestMemoryRegistryMarkerExpires(t *testing.T) {
	r := NewMemoryRegistry()
	current := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return current }
	ctx := context.Background()

	require.NoError(t, r.Revoke(ctx, "session-1", time.Minute))

	revoked, err := r.IsRevoked(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	current = current.Add(61 * time.Second)

	revoked, err = r.IsRevoked(ctx, "session-1")
	require.NoError(t, err)
	assert.False(t, revoked, "deny marker must expire with its TTL")
}

func TestMemoryRegistryReapKeepsConcurrentRevoke(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return base }
	require.NoError(t, r.Revoke(ctx, "session-1", time.Minute))

	// The expired marker is observed outside the write lock; a fresh Revoke
	// lands in exactly that window, before the reap runs. The reap must
	// re-check under the write lock and keep the new marker.
	injected := false
	r.now = func() time.Time {
		now := base.Add(2 * time.Minute)
		if !injected {
			injected = true
			r.mu.Lock()
			r.entries["session-1"] = now.Add(time.Hour)
			r.mu.Unlock()
		}
		return now
	}

	revoked, err := r.IsRevoked(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, revoked, "a revocation landing during the reap must not be lost")

	revoked, err = r.IsRevoked(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestMemoryRegistryEmptySessionID(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	require.ErrorIs(t, r.Revoke(ctx, "", time.Minute), ErrEmptySessionID)

	_, err := r.IsRevoked(ctx, "")
	require.ErrorIs(t, err, ErrEmptySessionID)
}

func TestMemoryRegistryConcurrentAccess(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Revoke(ctx, "session-1", time.Hour)
		}()
		go func() {
			defer wg.Done()
			_, _ = r.IsRevoked(ctx, "session-1")
		}()
	}
	wg.Wait()

	revoked, err := r.IsRevoked(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}
