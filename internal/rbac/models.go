package rbac

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Domain errors
var (
	ErrNotMember       = errors.New("subject is not a member of the tenant")
	ErrRoleCycle       = errors.New("role inheritance cycle detected")
	ErrDepthExceeded   = errors.New("role inheritance depth exceeded")
	ErrRoleNotFound    = errors.New("role not found")
	ErrMembershipStale = errors.New("cached membership no longer exists")
)

// MaxInheritanceDepth bounds the parent-chain walk during role expansion.
// The store does not enforce acyclicity at write time, so resolution is the
// safety net.
const MaxInheritanceDepth = 32

// Membership is the (user, tenant) relationship that roots all role resolution.
// It is owned and mutated by the tenant-management subsystem; this core only
// reads it.
type Membership struct {
	ID        string
	UserID    string
	TenantID  string
	RoleLabel string // coarse role-in-tenant label ("owner", "admin", "member")
	CreatedAt time.Time
}

// Role is a named bundle of permissions scoped to a service. ParentID forms an
// inheritance chain; a role grants everything its ancestors grant.
type Role struct {
	ID        string
	ServiceID string
	Name      string
	ParentID  string // empty when the role has no parent
}

// Permission is an individual capability code scoped to a service.
type Permission struct {
	ID        string
	ServiceID string
	Code      string
	Name      string
}

// Snapshot is the resolved union of direct and inherited roles/permissions for
// one (subject, tenant, audience) at a point in time. It is a derived value:
// cached, never persisted.
type Snapshot struct {
	UserID      string    `json:"user_id"`
	TenantID    string    `json:"tenant_id"`
	Audience    string    `json:"audience"`
	RoleLabel   string    `json:"role_label"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// HasPermission checks whether the snapshot grants a permission code.
func (s *Snapshot) HasPermission(code string) bool {
	for _, p := range s.Permissions {
		if p == "*" || p == code {
			return true
		}
	}
	return false
}

// MembershipGraph is everything resolution needs, read from one consistent
// view: membership existence, direct role assignments, the role arena for the
// requested audience, and role-permission rows. Producing it as a single
// logical read closes the check-then-mint gap.
type MembershipGraph struct {
	Membership      *Membership // nil when no membership row exists
	AssignedRoleIDs []string
	Roles           map[string]Role         // role arena, keyed by role ID
	RolePermissions map[string][]Permission // role ID -> directly granted permissions
}

// MembershipRepository reads the membership/role/permission graph. The store
// is owned by the tenant-management subsystem; implementations must never
// write through it.
type MembershipRepository interface {
	// LoadGraph reads the full resolution input in a single consistent view.
	// An empty audience loads the role arena across all services.
	LoadGraph(ctx context.Context, userID, tenantID, audience string) (*MembershipGraph, error)

	// Exists is the cheap liveness probe run before trusting a cached snapshot.
	Exists(ctx context.Context, userID, tenantID string) (bool, error)
}

// SnapshotCache is the credential cache consumed by the resolver. It is a
// latency optimization only; implementations may miss freely without
// affecting correctness.
type SnapshotCache interface {
	Get(ctx context.Context, fingerprint string) (*Snapshot, bool, error)
	Set(ctx context.Context, fingerprint string, snap *Snapshot) error
}

// Fingerprint derives the cache key for a (subject, tenant, audience) triple.
func Fingerprint(userID, tenantID, audience string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(audience))
	return hex.EncodeToString(h.Sum(nil))
}
