package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMembershipSource struct {
	admins map[string]bool
	err    error
	calls  int
}

func (f *fakeMembershipSource) HasMembershipLabel(_ context.Context, userID, _, label string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return label == "admin" && f.admins[userID], nil
}

type fakePolicySource struct {
	active *ActivePolicy
	err    error
}

func (f *fakePolicySource) ActivePolicy(_ context.Context, _ string) (*ActivePolicy, error) {
	return f.active, f.err
}

func memberSubject(tenantID string) Subject {
	return Subject{
		UserID:   "user-1",
		Email:    "user@tenant.test",
		TenantID: tenantID,
		Roles:    []string{"member"},
	}
}

func TestDecideAllowsPlatformAdminByEmail(t *testing.T) {
	e := NewEngine(Config{PlatformAdminEmails: []string{"Admin@Platform.Test"}}, nil, nil)

	subject := Subject{UserID: "u", Email: "admin@platform.test"}
	err := e.Decide(context.Background(), subject, Input{Action: ActionCacheInvalidate, Scope: GlobalScope()})
	assert.NoError(t, err)
}

func TestDecideAllowsPlatformAdminByMembership(t *testing.T) {
	ms := &fakeMembershipSource{admins: map[string]bool{"user-1": true}}
	e := NewEngine(Config{PlatformTenantID: "platform"}, ms, nil)

	err := e.Decide(context.Background(), memberSubject("tenant-a"), Input{Action: ActionAuditRead, Scope: GlobalScope()})
	assert.NoError(t, err)
	assert.Equal(t, 1, ms.calls)
}

func TestDecidePlatformActionRejectsTenantRoles(t *testing.T) {
	e := NewEngine(Config{}, nil, nil)

	subject := memberSubject("tenant-a")
	subject.Roles = []string{"admin", "owner"}
	err := e.Decide(context.Background(), subject, Input{Action: ActionPlatformAdmin, Scope: GlobalScope()})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDecideMembershipLookupFailureIsNotAdmin(t *testing.T) {
	ms := &fakeMembershipSource{err: errors.New("store down")}
	e := NewEngine(Config{PlatformTenantID: "platform"}, ms, nil)

	err := e.Decide(context.Background(), memberSubject("tenant-a"), Input{Action: ActionAuditRead, Scope: GlobalScope()})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDecideTokenExchangeRequiresTenantMatch(t *testing.T) {
	e := NewEngine(Config{}, nil, nil)

	err := e.Decide(context.Background(), memberSubject("tenant-a"), Input{Action: ActionTokenExchange, Scope: TenantScope("tenant-a")})
	assert.NoError(t, err)

	err = e.Decide(context.Background(), memberSubject("tenant-b"), Input{Action: ActionTokenExchange, Scope: TenantScope("tenant-a")})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDecideCrossTenantRejectedRegardlessOfRoles(t *testing.T) {
	e := NewEngine(Config{}, nil, nil)

	subject := memberSubject("tenant-b")
	subject.Roles = []string{"owner", "admin"}
	subject.Permissions = []string{"rbac:*", "user:*"}
	err := e.Decide(context.Background(), subject, Input{Action: ActionTokenExchange, Scope: TenantScope("tenant-a")})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDecideSessionRevokeSelf(t *testing.T) {
	e := NewEngine(Config{}, nil, nil)

	subject := memberSubject("tenant-a")
	err := e.Decide(context.Background(), subject, Input{Action: ActionSessionRevoke, Scope: UserScope("user-1")})
	assert.NoError(t, err)

	err = e.Decide(context.Background(), subject, Input{Action: ActionSessionRevoke, Scope: UserScope("user-2")})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDecideRolesReadSelfServiceBypassesAdmin(t *testing.T) {
	e := NewEngine(Config{}, nil, nil)

	scope := TenantScope("tenant-a")
	scope.UserID = "user-1"
	err := e.Decide(context.Background(), memberSubject("tenant-a"), Input{Action: ActionRolesRead, Scope: scope})
	assert.NoError(t, err)
}

func TestDecideRolesReadOtherUserRequiresAdminOrPermission(t *testing.T) {
	e := NewEngine(Config{}, nil, nil)

	scope := TenantScope("tenant-a")
	scope.UserID = "user-2"

	subject := memberSubject("tenant-a")
	err := e.Decide(context.Background(), subject, Input{Action: ActionRolesRead, Scope: scope})
	assert.ErrorIs(t, err, ErrForbidden)

	subject.Roles = []string{"admin"}
	require.NoError(t, e.Decide(context.Background(), subject, Input{Action: ActionRolesRead, Scope: scope}))

	subject.Roles = []string{"member"}
	subject.Permissions = []string{"rbac:read"}
	require.NoError(t, e.Decide(context.Background(), subject, Input{Action: ActionRolesRead, Scope: scope}))
}

func TestDecideEnforcedAttributePolicyDenies(t *testing.T) {
	src := &fakePolicySource{active: &ActivePolicy{
		Mode: ModeEnforce,
		Document: &Document{Rules: []Rule{
			{ID: "deny_members", Effect: EffectDeny, Actions: []string{"token_exchange"}, Priority: 1,
				Condition: mustCondition(t, `{"var":"subject.roles","op":"contains","value":"member"}`)},
		}},
	}}
	e := NewEngine(Config{}, nil, src)

	err := e.Decide(context.Background(), memberSubject("tenant-a"), Input{Action: ActionTokenExchange, Scope: TenantScope("tenant-a")})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDecideShadowAttributePolicyDoesNotDeny(t *testing.T) {
	src := &fakePolicySource{active: &ActivePolicy{
		Mode: ModeShadow,
		Document: &Document{Rules: []Rule{
			{ID: "deny_members", Effect: EffectDeny, Actions: []string{"token_exchange"}, Priority: 1,
				Condition: mustCondition(t, `{"var":"subject.roles","op":"contains","value":"member"}`)},
		}},
	}}
	e := NewEngine(Config{}, nil, src)

	err := e.Decide(context.Background(), memberSubject("tenant-a"), Input{Action: ActionTokenExchange, Scope: TenantScope("tenant-a")})
	assert.NoError(t, err)
}

func TestDecideAttributePolicyLookupFailureDegrades(t *testing.T) {
	src := &fakePolicySource{err: errors.New("store down")}
	e := NewEngine(Config{}, nil, src)

	err := e.Decide(context.Background(), memberSubject("tenant-a"), Input{Action: ActionTokenExchange, Scope: TenantScope("tenant-a")})
	assert.NoError(t, err)
}

func TestDecidePlatformAdminBypassesAttributePolicy(t *testing.T) {
	src := &fakePolicySource{active: &ActivePolicy{
		Mode:     ModeEnforce,
		Document: &Document{Rules: []Rule{{ID: "deny_all", Effect: EffectDeny, Priority: 1}}},
	}}
	e := NewEngine(Config{PlatformAdminEmails: []string{"root@platform.test"}}, nil, src)

	subject := memberSubject("tenant-a")
	subject.Email = "root@platform.test"
	err := e.Decide(context.Background(), subject, Input{Action: ActionTokenExchange, Scope: TenantScope("tenant-a")})
	assert.NoError(t, err)
}
