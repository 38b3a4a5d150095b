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

package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// KeySetProvider yields the key set used to verify identity assertions.
// Implementations may fetch remotely and cache.
type KeySetProvider interface {
	KeySet(ctx context.Context) (jwk.Set, error)
}

// RemoteKeySet fetches a JWKS document over HTTPS and caches it for a fixed
// TTL. A fetch failure while a cached set exists falls back to the stale set
// so transient upstream blips do not take down token exchange. No lock is
// held across the fetch: one caller refreshes while concurrent callers keep
// using the stale set, each bounded only by its own context.
type RemoteKeySet struct {
	url   string
	ttl   time.Duration
	fetch func(ctx context.Context, url string) (jwk.Set, error)

	mu       sync.RWMutex
	set      jwk.Set
	expires  time.Time
	fetching bool
}

// NewRemoteKeySet builds a TTL-cached JWKS fetcher for the given URL.
func NewRemoteKeySet(url string, ttl time.Duration) *RemoteKeySet {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RemoteKeySet{
		url: url,
		ttl: ttl,
		fetch: func(ctx context.Context, url string) (jwk.Set, error) {
			return jwk.Fetch(ctx, url)
		},
	}
}

func (r *RemoteKeySet) KeySet(ctx context.Context) (jwk.Set, error) {
	r.mu.RLock()
	set, fresh := r.set, time.Now().Before(r.expires)
	r.mu.RUnlock()
	if set != nil && fresh {
		return set, nil
	}

	r.mu.Lock()
	if r.set != nil && (time.Now().Before(r.expires) || r.fetching) {
		set := r.set
		r.mu.Unlock()
		return set, nil
	}
	r.fetching = true
	r.mu.Unlock()

	fetched, err := r.fetch(ctx, r.url)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetching = false
	if err != nil {
		if r.set != nil {
			return r.set, nil
		}
		return nil, fmt.Errorf("fetch identity provider keys: %w", err)
	}
	r.set = fetched
	r.expires = time.Now().Add(r.ttl)
	return fetched, nil
}

// StaticKeySet serves a fixed key set. Used in tests and in deployments where
// the identity provider key is pinned via configuration.
type StaticKeySet struct {
	set jwk.Set
}

func NewStaticKeySet(set jwk.Set) *StaticKeySet {
	return &StaticKeySet{set: set}
}

func (s *StaticKeySet) KeySet(_ context.Context) (jwk.Set, error) {
	return s.set, nil
}

// AssertionVerifier validates tenant-agnostic identity assertions issued by
// the identity provider. It checks signature, issuer, audience, expiry and
// the identity type tag, and requires a session id.
type AssertionVerifier struct {
	keys     KeySetProvider
	issuer   string
	audience string
}

// NewAssertionVerifier builds a verifier for assertions from the given
// issuer, addressed to the platform's own audience.
func NewAssertionVerifier(keys KeySetProvider, issuer, audience string) *AssertionVerifier {
	return &AssertionVerifier{keys: keys, issuer: issuer, audience: audience}
}

// Verify parses and validates a raw identity assertion, returning its claims.
// A structurally valid assertion of the wrong type is rejected so scoped
// credentials can never be replayed as assertions.
func (v *AssertionVerifier) Verify(ctx context.Context, raw string) (*IdentityClaims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty assertion", ErrInvalidToken)
	}
	set, err := v.keys.KeySet(ctx)
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.Parse([]byte(raw),
		jwt.WithKeySet(set),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(verifyLeeway),
		// An assertion with no expiry would otherwise pass "not expired" and
		// mint a credential with the full maximum lifetime.
		jwt.WithRequiredClaim(jwt.ExpirationKey),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if typ, _ := parsed.Get("token_type"); typ != TypeIdentity {
		return nil, ErrWrongType
	}
	sid, _ := parsed.Get("sid")
	sessionID, _ := sid.(string)
	if sessionID == "" {
		return nil, ErrNoSessionID
	}

	claims := &IdentityClaims{
		Subject:   parsed.Subject(),
		SessionID: sessionID,
		Issuer:    parsed.Issuer(),
		IssuedAt:  parsed.IssuedAt(),
		ExpiresAt: parsed.Expiration(),
	}
	if len(parsed.Audience()) > 0 {
		claims.Audience = parsed.Audience()[0]
	}
	if email, ok := parsed.Get("email"); ok {
		claims.Email, _ = email.(string)
	}
	if name, ok := parsed.Get("name"); ok {
		claims.Name, _ = name.(string)
	}
	return claims, nil
}
