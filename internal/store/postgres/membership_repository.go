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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/trustgate/trustgate/internal/rbac"
)

// MembershipRepository implements rbac.MembershipRepository and the policy
// engine's platform membership lookup against PostgreSQL.
type MembershipRepository struct {
	db *DB
}

// NewMembershipRepository creates a new membership repository
func NewMembershipRepository(db *DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

// LoadGraph reads everything role resolution needs in one repeatable-read,
// read-only transaction: the membership row, assigned role ids, the role
// arena for the audience's service and the role-permission rows. The single
// consistent read closes the gap between membership check and mint. A missing
// membership returns a graph with a nil Membership, not an error.
func (r *MembershipRepository) LoadGraph(ctx context.Context, userID, tenantID, audience string) (*rbac.MembershipGraph, error) {
	tx, err := r.db.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("begin membership read: %w", err)
	}
	defer tx.Rollback(ctx)

	graph := &rbac.MembershipGraph{
		Roles:           map[string]rbac.Role{},
		RolePermissions: map[string][]rbac.Permission{},
	}

	var m rbac.Membership
	err = tx.QueryRow(ctx, `
		SELECT id, user_id, tenant_id, role, created_at
		FROM tenant_memberships
		WHERE user_id = $1 AND tenant_id = $2
	`, userID, tenantID).Scan(&m.ID, &m.UserID, &m.TenantID, &m.RoleLabel, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return graph, tx.Commit(ctx)
		}
		return nil, fmt.Errorf("failed to query membership: %w", err)
	}
	graph.Membership = &m

	rows, err := tx.Query(ctx, `
		SELECT role_id FROM membership_roles WHERE membership_id = $1
	`, m.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assigned roles: %w", err)
	}
	for rows.Next() {
		var roleID string
		if err := rows.Scan(&roleID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan assigned role: %w", err)
		}
		graph.AssignedRoleIDs = append(graph.AssignedRoleIDs, roleID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read assigned roles: %w", err)
	}

	if err := r.loadRoleArena(ctx, tx, graph, audience); err != nil {
		return nil, err
	}
	if err := r.loadRolePermissions(ctx, tx, graph); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit membership read: %w", err)
	}
	return graph, nil
}

// loadRoleArena loads every role of the audience's service, or all roles when
// audience is empty. The resolver walks parent chains in memory over this
// arena; no per-parent queries happen.
func (r *MembershipRepository) loadRoleArena(ctx context.Context, tx pgx.Tx, graph *rbac.MembershipGraph, audience string) error {
	query := `
		SELECT r.id, r.service_id, r.name, r.parent_role_id
		FROM roles r
	`
	args := []any{}
	if audience != "" {
		query += `
		JOIN services s ON s.id = r.service_id
		WHERE s.client_id = $1
	`
		args = append(args, audience)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query role arena: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var role rbac.Role
		var parentID sql.NullString
		if err := rows.Scan(&role.ID, &role.ServiceID, &role.Name, &parentID); err != nil {
			return fmt.Errorf("failed to scan role: %w", err)
		}
		if parentID.Valid {
			role.ParentID = parentID.String
		}
		graph.Roles[role.ID] = role
	}
	return rows.Err()
}

func (r *MembershipRepository) loadRolePermissions(ctx context.Context, tx pgx.Tx, graph *rbac.MembershipGraph) error {
	if len(graph.Roles) == 0 {
		return nil
	}
	roleIDs := make([]string, 0, len(graph.Roles))
	for id := range graph.Roles {
		roleIDs = append(roleIDs, id)
	}

	rows, err := tx.Query(ctx, `
		SELECT rp.role_id, p.id, p.service_id, p.code, p.name
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = ANY($1)
	`, roleIDs)
	if err != nil {
		return fmt.Errorf("failed to query role permissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var roleID string
		var perm rbac.Permission
		if err := rows.Scan(&roleID, &perm.ID, &perm.ServiceID, &perm.Code, &perm.Name); err != nil {
			return fmt.Errorf("failed to scan role permission: %w", err)
		}
		graph.RolePermissions[roleID] = append(graph.RolePermissions[roleID], perm)
	}
	return rows.Err()
}

// Exists is the cheap liveness re-check run before trusting a cached
// snapshot.
func (r *MembershipRepository) Exists(ctx context.Context, userID, tenantID string) (bool, error) {
	var exists bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tenant_memberships WHERE user_id = $1 AND tenant_id = $2
		)
	`, userID, tenantID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return exists, nil
}

// HasMembershipLabel reports whether the user's membership in the tenant
// carries the given label. Used for the platform-admin predicate.
func (r *MembershipRepository) HasMembershipLabel(ctx context.Context, userID, tenantID, label string) (bool, error) {
	var exists bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tenant_memberships
			WHERE user_id = $1 AND tenant_id = $2 AND role = $3
		)
	`, userID, tenantID, label).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check membership label: %w", err)
	}
	return exists, nil
}
