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

package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/trustgate/trustgate/internal/observability/logger"
)

// ErrForbidden is returned for every policy denial. Callers that need the
// reason read the wrapping message; code paths branch on the sentinel only.
var ErrForbidden = errors.New("forbidden")

// PlatformMembershipSource answers whether a user holds a given membership
// label in a tenant. Used for the platform-admin predicate.
type PlatformMembershipSource interface {
	HasMembershipLabel(ctx context.Context, userID, tenantID, label string) (bool, error)
}

// ActivePolicy is a tenant's currently published attribute policy, if any.
type ActivePolicy struct {
	Mode     Mode
	Document *Document
}

// Source loads the published attribute policy for a tenant. A nil result
// means the tenant has not opted in.
type Source interface {
	ActivePolicy(ctx context.Context, tenantID string) (*ActivePolicy, error)
}

// Engine evaluates the action matrix. Platform actions require the
// platform-admin predicate; tenant actions require the subject's tenant to
// match the resource's tenant before anything else; self-service actions
// require identity match only.
type Engine struct {
	platformAdminEmails map[string]struct{}
	platformTenantID    string
	memberships         PlatformMembershipSource
	policies            Source
	now                 func() time.Time
}

// Config carries the static inputs of the engine.
type Config struct {
	// PlatformAdminEmails always satisfy the platform-admin predicate.
	PlatformAdminEmails []string
	// PlatformTenantID is the tenant whose "admin" members are platform
	// admins. Empty disables the membership path.
	PlatformTenantID string
}

// NewEngine builds a policy engine. memberships and policies may be nil;
// both paths then degrade to the config-only checks.
func NewEngine(cfg Config, memberships PlatformMembershipSource, policies Source) *Engine {
	emails := make(map[string]struct{}, len(cfg.PlatformAdminEmails))
	for _, e := range cfg.PlatformAdminEmails {
		emails[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}
	return &Engine{
		platformAdminEmails: emails,
		platformTenantID:    cfg.PlatformTenantID,
		memberships:         memberships,
		policies:            policies,
		now:                 time.Now,
	}
}

// IsPlatformAdmin reports whether the subject satisfies the platform-admin
// predicate: an allowlisted email, or membership in the platform tenant with
// the admin label. Tenant roles never satisfy it. Lookup failures count as
// not-admin.
func (e *Engine) IsPlatformAdmin(ctx context.Context, subject Subject) bool {
	if subject.Email != "" {
		if _, ok := e.platformAdminEmails[strings.ToLower(subject.Email)]; ok {
			return true
		}
	}
	if e.memberships == nil || e.platformTenantID == "" || subject.UserID == "" {
		return false
	}
	isAdmin, err := e.memberships.HasMembershipLabel(ctx, subject.UserID, e.platformTenantID, "admin")
	if err != nil {
		slog.WarnContext(ctx, "platform admin membership lookup failed",
			logger.Component("policy"), logger.UserID(subject.UserID), logger.Error(err))
		return false
	}
	return isAdmin
}

// Decide returns nil when the subject may perform the action, or an error
// wrapping ErrForbidden. Platform admins bypass every arm.
func (e *Engine) Decide(ctx context.Context, subject Subject, input Input) error {
	if e.IsPlatformAdmin(ctx, subject) {
		return nil
	}

	switch input.Action {
	case ActionPlatformAdmin, ActionCacheInvalidate, ActionAuditRead:
		return fmt.Errorf("%w: platform admin required", ErrForbidden)

	case ActionSessionRevoke:
		if input.Scope.Kind == ScopeUser && input.Scope.UserID == subject.UserID {
			break
		}
		return fmt.Errorf("%w: sessions of other users require platform admin", ErrForbidden)

	case ActionTokenExchange:
		if err := e.requireTenantMatch(subject, input.Scope); err != nil {
			return err
		}

	case ActionRolesRead:
		if input.Scope.UserID != "" && input.Scope.UserID == subject.UserID {
			break
		}
		if err := e.requireTenantMatch(subject, input.Scope); err != nil {
			return err
		}
		if !e.hasAdminRole(subject) && !hasAnyPermission(subject, "rbac:read", "rbac:*", "user:read", "user:*") {
			return fmt.Errorf("%w: admin role or read permission required", ErrForbidden)
		}

	default:
		return fmt.Errorf("%w: unknown action", ErrForbidden)
	}

	return e.applyAttributePolicy(ctx, subject, input)
}

func (e *Engine) requireTenantMatch(subject Subject, scope ResourceScope) error {
	if scope.Kind != ScopeTenant && scope.TenantID == "" {
		return fmt.Errorf("%w: tenant-scoped action requires a tenant resource", ErrForbidden)
	}
	if subject.TenantID == "" || subject.TenantID != scope.TenantID {
		return fmt.Errorf("%w: cannot access another tenant", ErrForbidden)
	}
	return nil
}

func (e *Engine) hasAdminRole(subject Subject) bool {
	for _, r := range subject.Roles {
		if r == "admin" || r == "owner" {
			return true
		}
	}
	return false
}

func hasAnyPermission(subject Subject, wanted ...string) bool {
	for _, p := range subject.Permissions {
		for _, w := range wanted {
			if p == w {
				return true
			}
		}
	}
	return false
}

// applyAttributePolicy overlays the tenant's published attribute policy on an
// already-allowed decision. A missing or unreadable policy degrades to the
// role-based outcome; shadow mode logs would-deny without enforcing.
func (e *Engine) applyAttributePolicy(ctx context.Context, subject Subject, input Input) error {
	if e.policies == nil || input.Scope.TenantID == "" {
		return nil
	}

	active, err := e.policies.ActivePolicy(ctx, input.Scope.TenantID)
	if err != nil {
		slog.WarnContext(ctx, "attribute policy lookup failed, using role-based decision",
			logger.Component("policy"), logger.String("tenant_id", input.Scope.TenantID), logger.Error(err))
		return nil
	}
	if active == nil || active.Mode == ModeDisabled || active.Document == nil {
		return nil
	}

	actionKey := input.Action.String()
	resourceType := input.Scope.resourceType()
	out := Evaluate(active.Document, actionKey, resourceType, e.buildContext(subject, input))
	if !out.Denied {
		return nil
	}

	switch active.Mode {
	case ModeShadow:
		slog.WarnContext(ctx, "attribute policy shadow deny matched",
			logger.Component("policy"),
			logger.String("action", actionKey),
			logger.String("tenant_id", input.Scope.TenantID),
			slog.Any("deny_rules", out.MatchedDeny),
			slog.Any("allow_rules", out.MatchedAllow))
		return nil
	case ModeEnforce:
		return fmt.Errorf("%w: denied by tenant attribute policy", ErrForbidden)
	}
	return nil
}

func (e *Engine) buildContext(subject Subject, input Input) map[string]any {
	now := e.now().UTC()
	ctx := map[string]any{
		"subject.user_id":     subject.UserID,
		"subject.email":       subject.Email,
		"subject.tenant_id":   subject.TenantID,
		"subject.roles":       subject.Roles,
		"subject.permissions": subject.Permissions,
		"request.action":      input.Action.String(),
		"resource.type":       input.Scope.resourceType(),
		"env.now_utc":         now.Format(time.RFC3339),
		"env.weekday":         isoWeekday(now),
		"env.hour":            now.Hour(),
	}
	if idx := strings.IndexByte(subject.Email, '@'); idx >= 0 && idx+1 < len(subject.Email) {
		ctx["subject.email_domain"] = subject.Email[idx+1:]
	}
	if input.Scope.TenantID != "" {
		ctx["resource.tenant_id"] = input.Scope.TenantID
	}
	if input.Scope.UserID != "" {
		ctx["resource.target_user_id"] = input.Scope.UserID
	}
	return ctx
}

// Monday=1 .. Sunday=7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
