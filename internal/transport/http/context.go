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

package http

import (
	"context"

	"github.com/trustgate/trustgate/internal/policy"
	"github.com/trustgate/trustgate/internal/token"
)

type contextKey string

const claimsKey contextKey = "access_claims"

// GetClaims retrieves the validated credential claims from context.
// Returns nil on unauthenticated requests.
func GetClaims(ctx context.Context) *token.AccessClaims {
	if val, ok := ctx.Value(claimsKey).(*token.AccessClaims); ok {
		return val
	}
	return nil
}

// GetSubject builds the policy subject for the authenticated caller.
func GetSubject(ctx context.Context) policy.Subject {
	claims := GetClaims(ctx)
	if claims == nil {
		return policy.Subject{}
	}
	return policy.Subject{
		UserID:      claims.Subject,
		Email:       claims.Email,
		TenantID:    claims.TenantID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}
}
