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

package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/trustgate/trustgate/internal/observability/logger"
)

// Resolver computes Resolved Permission Snapshots for (subject, tenant,
// audience) triples. It is cache-aside over the repository's consistent read:
// a cache hit is trusted only after a membership liveness re-check, bounding
// staleness to a single extra read.
type Resolver struct {
	repo  MembershipRepository
	cache SnapshotCache
}

// NewResolver creates a resolver. cache may be nil, in which case every
// resolution recomputes from the store.
func NewResolver(repo MembershipRepository, cache SnapshotCache) *Resolver {
	return &Resolver{
		repo:  repo,
		cache: cache,
	}
}

// Resolve returns the current permission snapshot for the subject in the
// tenant, scoped to the audience. A missing membership row is ErrNotMember,
// never an empty default role set.
func (r *Resolver) Resolve(ctx context.Context, userID, tenantID, audience string) (*Snapshot, error) {
	fp := Fingerprint(userID, tenantID, audience)

	if r.cache != nil {
		snap, ok, err := r.cache.Get(ctx, fp)
		if err != nil {
			// Cache failures degrade to recompute; the cache is never
			// authorization truth.
			slog.WarnContext(ctx, "snapshot cache read failed",
				logger.Component("rbac"), logger.Error(err))
		} else if ok {
			alive, err := r.repo.Exists(ctx, userID, tenantID)
			if err != nil {
				return nil, fmt.Errorf("membership liveness check: %w", err)
			}
			if alive {
				return snap, nil
			}
			// Membership deleted since the snapshot was cached.
			return nil, ErrNotMember
		}
	}

	graph, err := r.repo.LoadGraph(ctx, userID, tenantID, audience)
	if err != nil {
		return nil, fmt.Errorf("load membership graph: %w", err)
	}
	if graph.Membership == nil {
		return nil, ErrNotMember
	}

	roles, err := expandRoles(graph)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		UserID:      userID,
		TenantID:    tenantID,
		Audience:    audience,
		RoleLabel:   graph.Membership.RoleLabel,
		Roles:       roleNames(roles),
		Permissions: collectPermissions(graph, roles),
		ResolvedAt:  time.Now().UTC(),
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, fp, snap); err != nil {
			slog.WarnContext(ctx, "snapshot cache write failed",
				logger.Component("rbac"), logger.Error(err))
		}
	}

	return snap, nil
}

// expandRoles walks parent chains over the pre-loaded role arena. Each chain
// carries its own visited set so a corrupted graph fails deterministically
// with ErrRoleCycle instead of looping, and the walk depth is bounded.
func expandRoles(graph *MembershipGraph) (map[string]Role, error) {
	expanded := make(map[string]Role, len(graph.AssignedRoleIDs))

	for _, roleID := range graph.AssignedRoleIDs {
		role, ok := graph.Roles[roleID]
		if !ok {
			// Assigned role exists in another service's arena; skip it for
			// this audience.
			continue
		}

		chain := map[string]struct{}{}
		for depth := 0; ; depth++ {
			if depth >= MaxInheritanceDepth {
				return nil, fmt.Errorf("role %s: %w", role.ID, ErrDepthExceeded)
			}
			if _, seen := chain[role.ID]; seen {
				return nil, fmt.Errorf("role %s: %w", role.ID, ErrRoleCycle)
			}
			chain[role.ID] = struct{}{}
			expanded[role.ID] = role

			if role.ParentID == "" {
				break
			}
			parent, ok := graph.Roles[role.ParentID]
			if !ok {
				return nil, fmt.Errorf("role %s parent %s: %w", role.ID, role.ParentID, ErrRoleNotFound)
			}
			role = parent
		}
	}

	return expanded, nil
}

func roleNames(roles map[string]Role) []string {
	names := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if _, ok := seen[role.Name]; ok {
			continue
		}
		seen[role.Name] = struct{}{}
		names = append(names, role.Name)
	}
	sort.Strings(names)
	return names
}

func collectPermissions(graph *MembershipGraph, roles map[string]Role) []string {
	codes := make(map[string]struct{})
	for roleID := range roles {
		for _, perm := range graph.RolePermissions[roleID] {
			codes[perm.Code] = struct{}{}
		}
	}
	out := make([]string, 0, len(codes))
	for code := range codes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
