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

// Package exchange implements the token exchange pipeline: validate the
// identity assertion, resolve tenant membership and roles, enforce policy,
// mint the scoped credential. Each stage is terminal on failure; nothing
// downstream of a failed stage runs.
package exchange

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/observability/logger"
	"github.com/trustgate/trustgate/internal/policy"
	"github.com/trustgate/trustgate/internal/rbac"
	"github.com/trustgate/trustgate/internal/revocation"
	"github.com/trustgate/trustgate/internal/token"
)

const (
	defaultTimeout = 10 * time.Second
	maxAudienceLen = 255
)

// AssertionVerifier validates raw identity assertions.
type AssertionVerifier interface {
	Verify(ctx context.Context, raw string) (*token.IdentityClaims, error)
}

// CredentialMinter mints and verifies scoped access credentials.
type CredentialMinter interface {
	Mint(in token.MintInput) (string, *token.AccessClaims, error)
	Verify(raw string, audience string) (*token.AccessClaims, error)
	MaxLifetime() time.Duration
}

// RoleResolver resolves membership snapshots.
type RoleResolver interface {
	Resolve(ctx context.Context, userID, tenantID, audience string) (*rbac.Snapshot, error)
}

// Decider applies the action matrix.
type Decider interface {
	Decide(ctx context.Context, subject policy.Subject, input policy.Input) error
}

// Service orchestrates the exchange pipeline. All dependencies are injected;
// the service holds no cross-request state.
type Service struct {
	assertions AssertionVerifier
	tokens     CredentialMinter
	resolver   RoleResolver
	policy     Decider
	registry   revocation.Registry
	audit      audit.Logger

	// revocationTTL bounds how long a revocation marker must outlive the
	// session: the longest credential that could have been minted from it.
	revocationTTL time.Duration
	timeout       time.Duration
}

// Options tunes the service.
type Options struct {
	// RevocationTTL is how long revocation markers are kept. Zero derives it
	// from the minter's max credential lifetime plus verification skew.
	RevocationTTL time.Duration
	// Timeout is the per-request deadline for the whole pipeline.
	Timeout time.Duration
}

// NewService wires the exchange pipeline.
func NewService(
	assertions AssertionVerifier,
	tokens CredentialMinter,
	resolver RoleResolver,
	decider Decider,
	registry revocation.Registry,
	auditLog audit.Logger,
	opts Options,
) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RevocationTTL <= 0 {
		opts.RevocationTTL = tokens.MaxLifetime() + 24*time.Hour
	}
	if auditLog == nil {
		auditLog = audit.NewSlogLogger()
	}
	return &Service{
		assertions:    assertions,
		tokens:        tokens,
		resolver:      resolver,
		policy:        decider,
		registry:      registry,
		audit:         auditLog,
		revocationTTL: opts.RevocationTTL,
		timeout:       opts.Timeout,
	}
}

// ExchangeRequest carries the caller's inputs. Every identity-bearing value
// used downstream comes from the validated assertion, never from here.
type ExchangeRequest struct {
	Assertion string `json:"assertion"`
	TenantID  string `json:"tenant_id"`
	Audience  string `json:"audience"`
}

// ExchangeResponse is a successful mint.
type ExchangeResponse struct {
	AccessToken string              `json:"access_token"`
	TokenType   string              `json:"token_type"`
	ExpiresIn   int64               `json:"expires_in"`
	Claims      *token.AccessClaims `json:"claims"`
}

// Introspection reports credential liveness without ever erroring.
type Introspection struct {
	Active bool                `json:"active"`
	Claims *token.AccessClaims `json:"claims,omitempty"`
}

// Exchange converts a validated identity assertion into a tenant-scoped,
// audience-bound access credential.
func (s *Service) Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResponse, error) {
	if err := validateExchangeRequest(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	claims, err := s.verifyAssertion(ctx, req)
	if err != nil {
		return nil, err
	}

	snap, err := s.resolver.Resolve(ctx, claims.Subject, req.TenantID, req.Audience)
	if err != nil {
		return nil, s.resolveFailure(ctx, claims, req, err)
	}

	subject := policy.Subject{
		UserID:      claims.Subject,
		Email:       claims.Email,
		TenantID:    req.TenantID,
		Roles:       snap.Roles,
		Permissions: snap.Permissions,
	}
	input := policy.Input{Action: policy.ActionTokenExchange, Scope: policy.TenantScope(req.TenantID)}
	if err := s.policy.Decide(ctx, subject, input); err != nil {
		if errors.Is(err, policy.ErrForbidden) {
			s.audit.Log(ctx, audit.Event{
				Type:      audit.TypeExchangeForbidden,
				TenantID:  req.TenantID,
				ActorID:   claims.Subject,
				SessionID: claims.SessionID,
				Audience:  req.Audience,
			})
			return nil, NewError(CodeForbidden, "policy denied the exchange")
		}
		return nil, NewError(CodeUnavailable, "policy evaluation failed")
	}

	// The mint step is never retried: a retry must re-run the whole pipeline
	// from validated inputs.
	raw, minted, err := s.tokens.Mint(token.MintInput{
		Subject:            claims.Subject,
		Email:              claims.Email,
		TenantID:           req.TenantID,
		Audience:           req.Audience,
		SessionID:          claims.SessionID,
		Roles:              snap.Roles,
		Permissions:        snap.Permissions,
		AssertionExpiresAt: claims.ExpiresAt,
	})
	if err != nil {
		slog.ErrorContext(ctx, "credential mint failed",
			logger.Component("exchange"), logger.UserID(claims.Subject), logger.Error(err))
		return nil, NewError(CodeUnavailable, "credential could not be minted")
	}

	s.audit.Log(ctx, audit.Event{
		Type:      audit.TypeTokenMinted,
		TenantID:  req.TenantID,
		ActorID:   claims.Subject,
		SessionID: claims.SessionID,
		Audience:  req.Audience,
		Metadata: map[string]any{
			"jti":        minted.ID,
			"expires_at": minted.ExpiresAt,
		},
	})

	return &ExchangeResponse{
		AccessToken: raw,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(minted.ExpiresAt).Seconds()),
		Claims:      minted,
	}, nil
}

// Validate checks a scoped credential and re-checks the revocation registry.
// Registry errors deny; the registry is never bypassed.
func (s *Service) Validate(ctx context.Context, raw string) (*token.AccessClaims, error) {
	if raw == "" {
		return nil, NewError(CodeInvalidRequest, "credential is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	claims, err := s.tokens.Verify(raw, "")
	if err != nil {
		return nil, NewError(CodeUnauthenticated, "credential is invalid or expired")
	}

	revoked, err := s.registry.IsRevoked(ctx, claims.SessionID)
	if err != nil {
		slog.ErrorContext(ctx, "revocation registry check failed",
			logger.Component("exchange"), logger.SessionID(claims.SessionID), logger.Error(err))
		return nil, NewError(CodeUnavailable, "revocation registry is unavailable")
	}
	if revoked {
		return nil, NewError(CodeUnauthenticated, "session has been revoked")
	}

	return claims, nil
}

// Introspect reports {active:false} for any invalid, expired or revoked
// credential. It never returns an error to the caller.
func (s *Service) Introspect(ctx context.Context, raw string) Introspection {
	claims, err := s.Validate(ctx, raw)
	if err != nil {
		return Introspection{Active: false}
	}
	return Introspection{Active: true, Claims: claims}
}

// GetResolvedRoles returns the current snapshot for (user, tenant) without
// minting. The actor must be the user themselves, a tenant admin, or a
// platform admin.
func (s *Service) GetResolvedRoles(ctx context.Context, actor policy.Subject, userID, tenantID string) (*rbac.Snapshot, error) {
	if userID == "" || !validID(tenantID) {
		return nil, NewError(CodeInvalidRequest, "user id and tenant id are required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	scope := policy.TenantScope(tenantID)
	scope.UserID = userID
	if err := s.policy.Decide(ctx, actor, policy.Input{Action: policy.ActionRolesRead, Scope: scope}); err != nil {
		if errors.Is(err, policy.ErrForbidden) {
			return nil, NewError(CodeForbidden, "not allowed to read roles for this user")
		}
		return nil, NewError(CodeUnavailable, "policy evaluation failed")
	}

	snap, err := s.resolver.Resolve(ctx, userID, tenantID, "")
	if err != nil {
		if errors.Is(err, rbac.ErrNotMember) {
			return nil, NewError(CodeNotMember, "subject is not a member of the tenant")
		}
		slog.ErrorContext(ctx, "role resolution failed",
			logger.Component("exchange"), logger.UserID(userID), logger.Error(err))
		return nil, NewError(CodeUnavailable, "role resolution failed")
	}
	return snap, nil
}

// Revoke marks a session revoked. Every credential minted from the session
// fails Validate from this point on, across all instances. Actors may revoke
// their own session; anything else requires platform admin.
func (s *Service) Revoke(ctx context.Context, actor policy.Subject, actorSessionID, sessionID string) error {
	if sessionID == "" {
		return NewError(CodeInvalidRequest, "session id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if sessionID != actorSessionID {
		err := s.policy.Decide(ctx, actor, policy.Input{Action: policy.ActionSessionRevoke, Scope: policy.GlobalScope()})
		if err != nil {
			if errors.Is(err, policy.ErrForbidden) {
				return NewError(CodeForbidden, "revoking another session requires platform admin")
			}
			return NewError(CodeUnavailable, "policy evaluation failed")
		}
	}

	if err := s.registry.Revoke(ctx, sessionID, s.revocationTTL); err != nil {
		slog.ErrorContext(ctx, "revocation write failed",
			logger.Component("exchange"), logger.SessionID(sessionID), logger.Error(err))
		return NewError(CodeUnavailable, "revocation registry is unavailable")
	}

	s.audit.Log(ctx, audit.Event{
		Type:      audit.TypeSessionRevoked,
		ActorID:   actor.UserID,
		SessionID: sessionID,
	})
	return nil
}

// verifyAssertion runs cryptographic validation and then the revocation
// check on the assertion's session. Ordering is fixed: the registry is only
// consulted for assertions that already passed signature checks.
func (s *Service) verifyAssertion(ctx context.Context, req ExchangeRequest) (*token.IdentityClaims, error) {
	claims, err := s.assertions.Verify(ctx, req.Assertion)
	if err != nil {
		if errors.Is(err, token.ErrInvalidToken) ||
			errors.Is(err, token.ErrWrongType) ||
			errors.Is(err, token.ErrWrongAudience) ||
			errors.Is(err, token.ErrNoSessionID) {
			s.audit.Log(ctx, audit.Event{
				Type:     audit.TypeAssertionRejected,
				TenantID: req.TenantID,
				Audience: req.Audience,
			})
			return nil, NewError(CodeUnauthenticated, "identity assertion rejected")
		}
		slog.ErrorContext(ctx, "identity provider keys unavailable",
			logger.Component("exchange"), logger.Error(err))
		return nil, NewError(CodeUnavailable, "identity provider keys unavailable")
	}

	revoked, err := s.registry.IsRevoked(ctx, claims.SessionID)
	if err != nil {
		slog.ErrorContext(ctx, "revocation registry check failed",
			logger.Component("exchange"), logger.SessionID(claims.SessionID), logger.Error(err))
		return nil, NewError(CodeUnavailable, "revocation registry is unavailable")
	}
	if revoked {
		return nil, NewError(CodeUnauthenticated, "session has been revoked")
	}
	return claims, nil
}

func (s *Service) resolveFailure(ctx context.Context, claims *token.IdentityClaims, req ExchangeRequest, err error) error {
	if errors.Is(err, rbac.ErrNotMember) {
		s.audit.Log(ctx, audit.Event{
			Type:      audit.TypeExchangeNotMember,
			TenantID:  req.TenantID,
			ActorID:   claims.Subject,
			SessionID: claims.SessionID,
			Audience:  req.Audience,
		})
		return NewError(CodeNotMember, "subject is not a member of the tenant")
	}
	// Cycle, depth and arena inconsistencies are logged with their role ids
	// but never echoed to the caller.
	slog.ErrorContext(ctx, "role resolution failed",
		logger.Component("exchange"), logger.UserID(claims.Subject),
		logger.String("tenant_id", req.TenantID), logger.Error(err))
	return NewError(CodeUnavailable, "role resolution failed")
}

func validateExchangeRequest(req ExchangeRequest) error {
	if req.Assertion == "" {
		return NewError(CodeInvalidRequest, "assertion is required")
	}
	if !validID(req.TenantID) {
		return NewError(CodeInvalidRequest, "tenant id is malformed")
	}
	if req.Audience == "" || len(req.Audience) > maxAudienceLen {
		return NewError(CodeInvalidRequest, "audience is malformed")
	}
	return nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
