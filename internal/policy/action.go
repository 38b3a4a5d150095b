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

// Package policy applies the action matrix on top of resolved role and
// permission snapshots. Actions form a closed set so every handler names the
// exact check it performs; there is no string-keyed dispatch.
package policy

// Action identifies one guarded operation.
type Action int

const (
	// ActionTokenExchange mints a scoped credential for a tenant and audience.
	ActionTokenExchange Action = iota
	// ActionRolesRead reads a user's resolved roles within a tenant.
	ActionRolesRead
	// ActionSessionRevoke revokes a session platform-wide.
	ActionSessionRevoke
	// ActionCacheInvalidate flushes resolved snapshots.
	ActionCacheInvalidate
	// ActionAuditRead reads the audit stream.
	ActionAuditRead
	// ActionPlatformAdmin gates platform administration surfaces directly.
	ActionPlatformAdmin
)

func (a Action) String() string {
	switch a {
	case ActionTokenExchange:
		return "token_exchange"
	case ActionRolesRead:
		return "roles_read"
	case ActionSessionRevoke:
		return "session_revoke"
	case ActionCacheInvalidate:
		return "cache_invalidate"
	case ActionAuditRead:
		return "audit_read"
	case ActionPlatformAdmin:
		return "platform_admin"
	default:
		return "unknown"
	}
}

// ScopeKind discriminates resource scopes.
type ScopeKind int

const (
	ScopeGlobal ScopeKind = iota
	ScopeTenant
	ScopeUser
)

// ResourceScope names the resource a guarded operation targets.
type ResourceScope struct {
	Kind     ScopeKind
	TenantID string
	UserID   string
}

func GlobalScope() ResourceScope {
	return ResourceScope{Kind: ScopeGlobal}
}

func TenantScope(tenantID string) ResourceScope {
	return ResourceScope{Kind: ScopeTenant, TenantID: tenantID}
}

func UserScope(userID string) ResourceScope {
	return ResourceScope{Kind: ScopeUser, UserID: userID}
}

func (s ResourceScope) resourceType() string {
	switch s.Kind {
	case ScopeTenant:
		return "tenant"
	case ScopeUser:
		return "user"
	default:
		return "global"
	}
}

// Subject is the actor a decision is made about. Roles and permissions come
// from the resolver, never from request metadata.
type Subject struct {
	UserID      string
	Email       string
	TenantID    string
	Roles       []string
	Permissions []string
}

// Input pairs an action with the scope it targets.
type Input struct {
	Action Action
	Scope  ResourceScope
}
