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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/trustgate/trustgate/internal/policy"
)

// PolicyRepository implements policy.Source. Only the currently published,
// frozen version of a tenant's attribute policy is ever returned; drafts are
// invisible here.
type PolicyRepository struct {
	db *DB
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// ActivePolicy returns the tenant's published attribute policy, or nil when
// the tenant has not opted in or nothing is published.
func (r *PolicyRepository) ActivePolicy(ctx context.Context, tenantID string) (*policy.ActivePolicy, error) {
	var mode string
	var raw sql.NullString
	err := r.db.pool.QueryRow(ctx, `
		SELECT ps.mode, v.document::text
		FROM abac_policy_sets ps
		LEFT JOIN abac_policy_set_versions v ON v.id = ps.published_version_id
		WHERE ps.tenant_id = $1
	`, tenantID).Scan(&mode, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query attribute policy: %w", err)
	}

	active := &policy.ActivePolicy{Mode: policy.ParseMode(mode)}
	if !raw.Valid {
		return active, nil
	}

	var doc policy.Document
	if err := json.Unmarshal([]byte(raw.String), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode attribute policy: %w", err)
	}
	active.Document = &doc
	return active, nil
}
