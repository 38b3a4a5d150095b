package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/policy"
	"github.com/trustgate/trustgate/internal/rbac"
	"github.com/trustgate/trustgate/internal/revocation"
	"github.com/trustgate/trustgate/internal/token"
)

const (
	testTenantID = "5b2acafe-8c0f-4c0c-9266-1e9a2c5d9e01"
	testAudience = "svc-billing"
	testUserID   = "user-1"
)

type fakeAssertions struct {
	claims *token.IdentityClaims
	err    error
}

func (f *fakeAssertions) Verify(_ context.Context, raw string) (*token.IdentityClaims, error) {
	if f.err != nil {
		return nil, f.err
	}
	if raw != "good-assertion" {
		return nil, token.ErrInvalidToken
	}
	return f.claims, nil
}

type fakeResolver struct {
	snap  *rbac.Snapshot
	err   error
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, userID, tenantID, audience string) (*rbac.Snapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	snap := *f.snap
	snap.UserID = userID
	snap.TenantID = tenantID
	snap.Audience = audience
	return &snap, nil
}

type recordingAudit struct {
	events []audit.Event
}

func (r *recordingAudit) Log(_ context.Context, e audit.Event) {
	r.events = append(r.events, e)
}

func (r *recordingAudit) types() []string {
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc        *Service
	assertions *fakeAssertions
	resolver   *fakeResolver
	registry   *revocation.MemoryRegistry
	audit      *recordingAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := token.LoadSigningKey(nil)
	require.NoError(t, err)
	minter, err := token.NewMinter("https://trustgate.test", key, 15*time.Minute)
	require.NoError(t, err)

	assertions := &fakeAssertions{claims: &token.IdentityClaims{
		Subject:   testUserID,
		Email:     "u1@example.com",
		SessionID: "sess-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	resolver := &fakeResolver{snap: &rbac.Snapshot{
		RoleLabel:   "member",
		Roles:       []string{"editor", "viewer"},
		Permissions: []string{"doc.read", "doc.write"},
	}}
	registry := revocation.NewMemoryRegistry()
	rec := &recordingAudit{}

	svc := NewService(
		assertions,
		minter,
		resolver,
		policy.NewEngine(policy.Config{}, nil, nil),
		registry,
		rec,
		Options{},
	)
	return &fixture{svc: svc, assertions: assertions, resolver: resolver, registry: registry, audit: rec}
}

func goodRequest() ExchangeRequest {
	return ExchangeRequest{Assertion: "good-assertion", TenantID: testTenantID, Audience: testAudience}
}

func exchangeCode(t *testing.T, err error) string {
	t.Helper()
	var xerr *Error
	require.ErrorAs(t, err, &xerr)
	return xerr.Code
}

func TestExchangeRoundTrip(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Exchange(context.Background(), goodRequest())
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Positive(t, resp.ExpiresIn)

	claims, err := f.svc.Validate(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testUserID, claims.Subject)
	assert.Equal(t, testTenantID, claims.TenantID)
	assert.Equal(t, testAudience, claims.Audience)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, []string{"editor", "viewer"}, claims.Roles)
	assert.Equal(t, []string{"doc.read", "doc.write"}, claims.Permissions)
	assert.Equal(t, resp.Claims.ID, claims.ID)

	assert.Contains(t, f.audit.types(), audit.TypeTokenMinted)
}

func TestExchangeNotMemberProducesNoCredential(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = rbac.ErrNotMember

	resp, err := f.svc.Exchange(context.Background(), goodRequest())
	assert.Nil(t, resp)
	assert.Equal(t, CodeNotMember, exchangeCode(t, err))
	assert.Contains(t, f.audit.types(), audit.TypeExchangeNotMember)
}

func TestExchangeRejectsInvalidAssertion(t *testing.T) {
	f := newFixture(t)

	req := goodRequest()
	req.Assertion = "tampered"
	_, err := f.svc.Exchange(context.Background(), req)
	assert.Equal(t, CodeUnauthenticated, exchangeCode(t, err))
	assert.Zero(t, f.resolver.calls, "resolver must not run after a failed validation")
	assert.Contains(t, f.audit.types(), audit.TypeAssertionRejected)
}

func TestExchangeRejectsRevokedSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Revoke(context.Background(), "sess-1", time.Hour))

	_, err := f.svc.Exchange(context.Background(), goodRequest())
	assert.Equal(t, CodeUnauthenticated, exchangeCode(t, err))
	assert.Zero(t, f.resolver.calls)
}

func TestExchangeFailsClosedOnRegistryError(t *testing.T) {
	f := newFixture(t)
	f.svc.registry = failingRegistry{}

	_, err := f.svc.Exchange(context.Background(), goodRequest())
	assert.Equal(t, CodeUnavailable, exchangeCode(t, err))
}

func TestExchangeValidatesInputs(t *testing.T) {
	f := newFixture(t)

	cases := []ExchangeRequest{
		{TenantID: testTenantID, Audience: testAudience},
		{Assertion: "good-assertion", TenantID: "not-a-uuid", Audience: testAudience},
		{Assertion: "good-assertion", TenantID: testTenantID},
	}
	for _, req := range cases {
		_, err := f.svc.Exchange(context.Background(), req)
		assert.Equal(t, CodeInvalidRequest, exchangeCode(t, err))
	}
}

func TestExchangeRoleResolutionFailureIsOpaque(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = rbac.ErrRoleCycle

	_, err := f.svc.Exchange(context.Background(), goodRequest())
	assert.Equal(t, CodeUnavailable, exchangeCode(t, err))

	var xerr *Error
	require.ErrorAs(t, err, &xerr)
	assert.NotContains(t, xerr.Description, "cycle")
}

func TestValidateIsIdempotent(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Exchange(context.Background(), goodRequest())
	require.NoError(t, err)

	first, err := f.svc.Validate(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	second, err := f.svc.Validate(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRevokeThenValidateFails(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Exchange(context.Background(), goodRequest())
	require.NoError(t, err)

	actor := policy.Subject{UserID: testUserID}
	require.NoError(t, f.svc.Revoke(context.Background(), actor, "sess-1", "sess-1"))

	_, err = f.svc.Validate(context.Background(), resp.AccessToken)
	assert.Equal(t, CodeUnauthenticated, exchangeCode(t, err))
	assert.Contains(t, f.audit.types(), audit.TypeSessionRevoked)
}

func TestRevokeOtherSessionRequiresPlatformAdmin(t *testing.T) {
	f := newFixture(t)

	actor := policy.Subject{UserID: testUserID}
	err := f.svc.Revoke(context.Background(), actor, "sess-1", "someone-elses-session")
	assert.Equal(t, CodeForbidden, exchangeCode(t, err))
}

func TestExpiryClampFollowsAssertion(t *testing.T) {
	f := newFixture(t)
	f.assertions.claims.ExpiresAt = time.Now().Add(3 * time.Minute)

	resp, err := f.svc.Exchange(context.Background(), goodRequest())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(3*time.Minute), resp.Claims.ExpiresAt, 5*time.Second)
}

func TestIntrospectNeverErrors(t *testing.T) {
	f := newFixture(t)

	out := f.svc.Introspect(context.Background(), "garbage")
	assert.False(t, out.Active)
	assert.Nil(t, out.Claims)

	resp, err := f.svc.Exchange(context.Background(), goodRequest())
	require.NoError(t, err)
	out = f.svc.Introspect(context.Background(), resp.AccessToken)
	assert.True(t, out.Active)
	require.NotNil(t, out.Claims)
	assert.Equal(t, testUserID, out.Claims.Subject)

	require.NoError(t, f.registry.Revoke(context.Background(), "sess-1", time.Hour))
	out = f.svc.Introspect(context.Background(), resp.AccessToken)
	assert.False(t, out.Active)
}

func TestGetResolvedRolesSelf(t *testing.T) {
	f := newFixture(t)

	actor := policy.Subject{UserID: testUserID, TenantID: testTenantID}
	snap, err := f.svc.GetResolvedRoles(context.Background(), actor, testUserID, testTenantID)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc.read", "doc.write"}, snap.Permissions)
}

func TestGetResolvedRolesOtherUserForbiddenForMembers(t *testing.T) {
	f := newFixture(t)

	actor := policy.Subject{UserID: testUserID, TenantID: testTenantID, Roles: []string{"member"}}
	_, err := f.svc.GetResolvedRoles(context.Background(), actor, "user-2", testTenantID)
	assert.Equal(t, CodeForbidden, exchangeCode(t, err))
}

func TestGetResolvedRolesNotMember(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = rbac.ErrNotMember

	actor := policy.Subject{UserID: testUserID, TenantID: testTenantID}
	_, err := f.svc.GetResolvedRoles(context.Background(), actor, testUserID, testTenantID)
	assert.Equal(t, CodeNotMember, exchangeCode(t, err))
}

type failingRegistry struct{}

func (failingRegistry) Revoke(context.Context, string, time.Duration) error {
	return errors.New("registry down")
}

func (failingRegistry) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("registry down")
}
