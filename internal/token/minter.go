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
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scoped credential verification tolerates this much clock skew. Kept small
// so credentials expire promptly.
const verifyLeeway = 5 * time.Second

// Minter builds and signs scoped access credentials, and verifies credentials
// it previously minted. Minting is pure construction: it performs no I/O
// beyond signing and makes no authorization decisions; validation, resolution
// and policy enforcement are strictly ordered before it.
type Minter struct {
	issuer      string
	signingKey  *rsa.PrivateKey
	kid         string
	maxLifetime time.Duration
}

// MintInput carries the validated, resolved, policy-approved inputs for one
// credential. Every field originates from the validated assertion or from
// server-side lookups keyed by it.
type MintInput struct {
	Subject     string
	Email       string
	TenantID    string
	Audience    string
	SessionID   string
	Roles       []string
	Permissions []string

	// AssertionExpiresAt is the expiry of the originating identity assertion.
	// The minted credential never outlives it.
	AssertionExpiresAt time.Time
}

// NewMinter creates a minter signing with the given RSA key. The key id is a
// stable thumbprint of the public modulus so downstream JWKS consumers see a
// deterministic kid across restarts with the same key.
func NewMinter(issuer string, key *rsa.PrivateKey, maxLifetime time.Duration) (*Minter, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if key == nil {
		return nil, errors.New("signing key is required")
	}
	if maxLifetime <= 0 {
		return nil, errors.New("max credential lifetime must be positive")
	}

	hash := sha256.Sum256(key.PublicKey.N.Bytes())
	kid := base64.RawURLEncoding.EncodeToString(hash[:16])

	return &Minter{
		issuer:      issuer,
		signingKey:  key,
		kid:         kid,
		maxLifetime: maxLifetime,
	}, nil
}

// Mint signs a scoped access credential. Expiry is the minimum of the
// configured maximum lifetime and the remaining life of the originating
// assertion; the session id is copied verbatim so one revocation covers every
// credential minted from the session.
func (m *Minter) Mint(in MintInput) (string, *AccessClaims, error) {
	if in.Subject == "" || in.TenantID == "" || in.Audience == "" {
		return "", nil, errors.New("subject, tenant and audience are required")
	}
	if in.SessionID == "" {
		return "", nil, ErrNoSessionID
	}

	now := time.Now().UTC()
	expiresAt := now.Add(m.maxLifetime)
	if !in.AssertionExpiresAt.IsZero() && in.AssertionExpiresAt.Before(expiresAt) {
		expiresAt = in.AssertionExpiresAt
	}
	if !expiresAt.After(now) {
		return "", nil, errors.New("originating assertion has no remaining lifetime")
	}

	roles := in.Roles
	if roles == nil {
		roles = []string{}
	}
	permissions := in.Permissions
	if permissions == nil {
		permissions = []string{}
	}

	claims := &accessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   in.Subject,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{in.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TokenType:   TypeAccess,
		Email:       in.Email,
		TenantID:    in.TenantID,
		SessionID:   in.SessionID,
		Roles:       roles,
		Permissions: permissions,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = m.kid

	signed, err := tok.SignedString(m.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("sign access credential: %w", err)
	}
	return signed, claims.toAccessClaims(), nil
}

// Verify checks a scoped access credential's signature, expiry, issuer and
// type tag. audience may be empty for introspection-style callers that accept
// any audience; when set, a mismatch is rejected.
func (m *Minter) Verify(raw string, audience string) (*AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithLeeway(verifyLeeway),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	var claims accessTokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return &m.signingKey.PublicKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenInvalidAudience) {
			return nil, ErrWrongAudience
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.TokenType != TypeAccess {
		return nil, ErrWrongType
	}
	if claims.SessionID == "" {
		return nil, ErrNoSessionID
	}
	return claims.toAccessClaims(), nil
}

// MaxLifetime returns the configured maximum credential lifetime.
func (m *Minter) MaxLifetime() time.Duration {
	return m.maxLifetime
}

// Kid returns the stable key id published in the JWKS.
func (m *Minter) Kid() string {
	return m.kid
}

// JWK represents a JSON Web Key (RFC 7517).
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS represents a JSON Web Key Set (RFC 7517).
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns the public signing key so resource services can validate
// scoped credentials offline.
func (m *Minter) JWKS() JWKS {
	pub := m.signingKey.PublicKey
	return JWKS{
		Keys: []JWK{
			{
				Kty: "RSA",
				Use: "sig",
				Alg: "RS256",
				Kid: m.kid,
				N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(intToBytes(pub.E)),
			},
		},
	}
}

func intToBytes(n int) []byte {
	if n == 0 {
		return []byte{0}
	}
	var out []byte
	for n > 0 {
		out = append([]byte{byte(n & 0xff)}, out...)
		n >>= 8
	}
	return out
}

// LoadSigningKey parses an RSA private key from PEM (PKCS#1 or PKCS#8). An
// empty input generates an ephemeral development key.
func LoadSigningKey(pemData []byte) (*rsa.PrivateKey, error) {
	if len(pemData) == 0 {
		return rsa.GenerateKey(rand.Reader, 2048)
	}

	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("signing key is not valid PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("signing key is not RSA")
	}
	return key, nil
}
