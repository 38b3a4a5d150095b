package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type discriminators. Every token minted or accepted by this core
// carries one; checking it prevents a scoped credential from being replayed
// where an identity assertion is expected (and vice versa).
const (
	TypeIdentity = "identity"
	TypeAccess   = "access"
)

// Domain errors
var (
	ErrInvalidToken  = errors.New("token is invalid")
	ErrWrongType     = errors.New("unexpected token type")
	ErrWrongAudience = errors.New("unexpected token audience")
	ErrNoSessionID   = errors.New("token carries no session id")
)

// IdentityClaims are the validated contents of an inbound identity assertion.
// They are produced only by AssertionVerifier; nothing in this core trusts
// identity metadata from any other source.
type IdentityClaims struct {
	Subject   string
	Email     string
	Name      string
	SessionID string
	Issuer    string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AccessClaims are the contents of a scoped access credential: tenant- and
// audience-bound, carrying the resolved roles and permissions and the session
// id inherited unchanged from the originating identity assertion.
type AccessClaims struct {
	ID          string    `json:"jti"`
	Subject     string    `json:"sub"`
	Email       string    `json:"email,omitempty"`
	TenantID    string    `json:"tenant_id"`
	Audience    string    `json:"aud"`
	SessionID   string    `json:"sid"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	Issuer      string    `json:"iss"`
	IssuedAt    time.Time `json:"iat"`
	ExpiresAt   time.Time `json:"exp"`
}

// accessTokenClaims is the wire shape signed into the JWT.
type accessTokenClaims struct {
	jwt.RegisteredClaims
	TokenType   string   `json:"token_type"`
	Email       string   `json:"email,omitempty"`
	TenantID    string   `json:"tenant_id"`
	SessionID   string   `json:"sid"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (c *accessTokenClaims) toAccessClaims() *AccessClaims {
	out := &AccessClaims{
		ID:          c.ID,
		Subject:     c.Subject,
		Email:       c.Email,
		TenantID:    c.TenantID,
		SessionID:   c.SessionID,
		Roles:       c.Roles,
		Permissions: c.Permissions,
		Issuer:      c.Issuer,
	}
	if len(c.Audience) > 0 {
		out.Audience = c.Audience[0]
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out
}
