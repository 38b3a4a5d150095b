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

// Package revocation provides the shared, TTL-bounded deny list keyed by
// session identifier. Every assertion and scoped credential carries the same
// session id, so one registry write invalidates all of them at once.
//
// Callers must fail closed: a registry read error means the session state is
// unknown and the request is denied.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmptySessionID rejects registry operations without a session identifier.
var ErrEmptySessionID = errors.New("session id is required")

const revokedKeyPrefix = "trustgate:revoked_session:"

// Registry is the deny list consulted before trusting any assertion or
// credential tied to a session.
type Registry interface {
	// Revoke marks a session as revoked. ttl must cover the longest possible
	// remaining lifetime of any credential issued under the session.
	Revoke(ctx context.Context, sessionID string, ttl time.Duration) error

	// IsRevoked reports whether a session is on the deny list. An error means
	// the registry is unreachable; the caller must treat the session as
	// revoked.
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// RedisRegistry backs the deny list with redis so a revocation performed on
// one server instance is visible to every other instance on its next read.
type RedisRegistry struct {
	client *redis.Client
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry creates a redis-backed revocation registry.
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

// Revoke inserts the deny marker with the given TTL.
func (r *RedisRegistry) Revoke(ctx context.Context, sessionID string, ttl time.Duration) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	revokedAt := time.Now().UTC().Format(time.RFC3339)
	if err := r.client.Set(ctx, revokedKeyPrefix+sessionID, revokedAt, ttl).Err(); err != nil {
		return fmt.Errorf("revocation write: %w", err)
	}
	return nil
}

// IsRevoked checks the deny list. Expired markers disappear via redis TTL.
func (r *RedisRegistry) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, ErrEmptySessionID
	}
	n, err := r.client.Exists(ctx, revokedKeyPrefix+sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("revocation read: %w", err)
	}
	return n > 0, nil
}
