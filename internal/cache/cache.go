// Copyright 2026 The TrustGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the TTL-bounded, invalidation-aware credential cache
// that maps a (subject, tenant, audience) fingerprint to a resolved permission
// snapshot. It is a latency optimization only: every implementation must be
// safe to miss entirely.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trustgate/trustgate/internal/rbac"
)

// Key prefixes. The index set per (subject, tenant) makes invalidation exact
// instead of depending on a keyspace scan.
const (
	snapshotKeyPrefix = "trustgate:snapshot:"
	indexKeyPrefix    = "trustgate:snapshot_index:"
)

// DefaultTTL bounds the staleness window if an invalidation is ever missed.
const DefaultTTL = 5 * time.Minute

// Invalidator is the write-path hook the tenant-management subsystem calls
// after mutating membership, role, or permission state.
type Invalidator interface {
	// InvalidateSubjectTenant drops every cached snapshot for one
	// (subject, tenant) pair across all audiences.
	InvalidateSubjectTenant(ctx context.Context, userID, tenantID string) error

	// InvalidateAll drops every cached snapshot. Used after mutations to
	// shared role/permission definitions where the affected subjects are
	// unknown.
	InvalidateAll(ctx context.Context) error
}

// RedisSnapshotCache stores snapshots in redis so invalidation performed on
// one server instance is observed by all of them.
type RedisSnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

var (
	_ rbac.SnapshotCache = (*RedisSnapshotCache)(nil)
	_ Invalidator        = (*RedisSnapshotCache)(nil)
)

// NewRedisSnapshotCache creates a redis-backed snapshot cache. A zero ttl
// falls back to DefaultTTL.
func NewRedisSnapshotCache(client *redis.Client, ttl time.Duration) *RedisSnapshotCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisSnapshotCache{client: client, ttl: ttl}
}

// Get returns the cached snapshot for a fingerprint, if present.
func (c *RedisSnapshotCache) Get(ctx context.Context, fingerprint string) (*rbac.Snapshot, bool, error) {
	raw, err := c.client.Get(ctx, snapshotKeyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	var snap rbac.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// Treat undecodable entries as a miss; they will be overwritten.
		return nil, false, nil
	}
	return &snap, true, nil
}

// Set stores a snapshot under its fingerprint and records the fingerprint in
// the (subject, tenant) index used for invalidation.
func (c *RedisSnapshotCache) Set(ctx context.Context, fingerprint string, snap *rbac.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}

	index := indexKey(snap.UserID, snap.TenantID)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, snapshotKeyPrefix+fingerprint, raw, c.ttl)
	pipe.SAdd(ctx, index, fingerprint)
	pipe.Expire(ctx, index, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// InvalidateSubjectTenant drops all snapshots recorded in the (subject,
// tenant) index.
func (c *RedisSnapshotCache) InvalidateSubjectTenant(ctx context.Context, userID, tenantID string) error {
	index := indexKey(userID, tenantID)
	fingerprints, err := c.client.SMembers(ctx, index).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache index read: %w", err)
	}

	keys := make([]string, 0, len(fingerprints)+1)
	for _, fp := range fingerprints {
		keys = append(keys, snapshotKeyPrefix+fp)
	}
	keys = append(keys, index)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// InvalidateAll scans and deletes every snapshot and index key.
func (c *RedisSnapshotCache) InvalidateAll(ctx context.Context) error {
	for _, pattern := range []string{snapshotKeyPrefix + "*", indexKeyPrefix + "*"} {
		iter := c.client.Scan(ctx, 0, pattern, 128).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("cache invalidate all: %w", err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("cache scan: %w", err)
		}
	}
	return nil
}

func indexKey(userID, tenantID string) string {
	return indexKeyPrefix + userID + ":" + tenantID
}
