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

package exchange

import "fmt"

// Error is a terminal exchange failure with a stable machine-readable code.
// Descriptions are written for callers and auditors; they never carry
// signature or role-graph internals.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange error: %s (%s)", e.Code, e.Description)
}

// Stable error codes.
const (
	// CodeUnauthenticated covers invalid, expired, mistyped or revoked
	// assertions. Revocation is reported the same as any other
	// authentication failure.
	CodeUnauthenticated = "unauthenticated"
	// CodeNotMember is returned when the subject has no membership in the
	// requested tenant. Deliberately distinct from CodeForbidden so callers
	// and auditors can tell absence of membership from a policy denial.
	CodeNotMember = "not_member"
	// CodeForbidden is a policy denial of an authenticated member.
	CodeForbidden = "forbidden"
	// CodeUnavailable means a required dependency did not answer in time.
	// Registry unavailability maps here and still denies.
	CodeUnavailable = "unavailable"
	// CodeInvalidRequest covers malformed tenant ids, audiences and bodies.
	CodeInvalidRequest = "invalid_request"
)

// NewError creates a terminal exchange error.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}
