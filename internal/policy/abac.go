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
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// Mode controls how a tenant's attribute policy participates in decisions.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeShadow   Mode = "shadow"
	ModeEnforce  Mode = "enforce"
)

// ParseMode maps stored mode strings; anything unrecognized is disabled.
func ParseMode(s string) Mode {
	switch s {
	case string(ModeShadow):
		return ModeShadow
	case string(ModeEnforce):
		return ModeEnforce
	default:
		return ModeDisabled
	}
}

// Effect is a rule outcome.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Document is a frozen, published attribute policy: an ordered rule list.
// Draft versions never reach evaluation.
type Document struct {
	Rules []Rule `json:"rules"`
}

// Rule matches an action and resource type, optionally guarded by a
// condition tree. Higher priority evaluates first.
type Rule struct {
	ID            string     `json:"id"`
	Effect        Effect     `json:"effect"`
	Actions       []string   `json:"actions"`
	ResourceTypes []string   `json:"resourceTypes"`
	Priority      int        `json:"priority"`
	Condition     *Condition `json:"condition,omitempty"`
}

// Condition is one node of a condition tree: exactly one of All, Any, Not or
// a Var/Op predicate. A node with none set is invalid and skips its rule.
type Condition struct {
	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`
	Not *Condition  `json:"not,omitempty"`

	Var   string `json:"var,omitempty"`
	Op    string `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`
}

func (c *Condition) valid() bool {
	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if !c.All[i].valid() {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for i := range c.Any {
			if !c.Any[i].valid() {
				return false
			}
		}
		return true
	case c.Not != nil:
		return c.Not.valid()
	default:
		return c.Var != "" && c.Op != ""
	}
}

func (c *Condition) eval(ctx map[string]any) bool {
	switch {
	case len(c.All) > 0:
		for i := range c.All {
			if !c.All[i].eval(ctx) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for i := range c.Any {
			if c.Any[i].eval(ctx) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !c.Not.eval(ctx)
	default:
		return evalPredicate(c.Var, c.Op, c.Value, ctx)
	}
}

// Outcome reports what a document evaluation matched and whether the net
// result is a denial.
type Outcome struct {
	Denied       bool
	MatchedAllow []string
	MatchedDeny  []string
}

// Evaluate runs a published document against a request context. Rules run in
// descending priority order; a matched deny always overrides matched allows,
// and a document containing allow rules denies by default when none match.
func Evaluate(doc *Document, actionKey, resourceType string, ctx map[string]any) Outcome {
	var out Outcome
	if doc == nil {
		return out
	}

	hasAllowRules := false
	for i := range doc.Rules {
		if doc.Rules[i].Effect == EffectAllow {
			hasAllowRules = true
			break
		}
	}

	rules := make([]Rule, len(doc.Rules))
	copy(rules, doc.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for _, rule := range rules {
		if !matchesList(rule.Actions, actionKey) {
			continue
		}
		if !matchesList(rule.ResourceTypes, resourceType) {
			continue
		}
		if rule.Condition != nil {
			if !rule.Condition.valid() {
				continue
			}
			if !rule.Condition.eval(ctx) {
				continue
			}
		}
		switch rule.Effect {
		case EffectAllow:
			out.MatchedAllow = append(out.MatchedAllow, rule.ID)
		case EffectDeny:
			out.MatchedDeny = append(out.MatchedDeny, rule.ID)
		}
	}

	out.Denied = len(out.MatchedDeny) > 0 || (hasAllowRules && len(out.MatchedAllow) == 0)
	return out
}

// An empty list matches everything; "*" is an explicit wildcard.
func matchesList(list []string, key string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == "*" || strings.EqualFold(item, key) {
			return true
		}
	}
	return false
}

func evalPredicate(varName, op string, expected any, ctx map[string]any) bool {
	left, ok := ctx[varName]
	if !ok {
		if op == "exists" {
			want, isBool := expected.(bool)
			return isBool && !want
		}
		return false
	}

	switch op {
	case "exists":
		if want, isBool := expected.(bool); isBool {
			return want
		}
		return true
	case "eq":
		return equalValues(left, expected)
	case "neq":
		return !equalValues(left, expected)
	case "contains":
		return containsValue(left, expected)
	case "starts_with":
		ls, lok := asString(left)
		es, eok := asString(expected)
		return lok && eok && strings.HasPrefix(ls, es)
	case "in":
		return sliceContains(toSlice(expected), left)
	case "not_in":
		return !sliceContains(toSlice(expected), left)
	case "gt", "gte", "lt", "lte":
		return compareNumbers(left, expected, op)
	case "ip_in_cidr":
		return ipInCIDR(left, expected)
	case "time_between":
		return timeBetween(left, expected)
	default:
		return false
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func equalValues(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	if as, aok := asString(a); aok {
		bs, bok := asString(b)
		return bok && as == bs
	}
	if ab, aok := a.(bool); aok {
		bb, bok := b.(bool)
		return bok && ab == bb
	}
	return false
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}

func sliceContains(haystack []any, needle any) bool {
	for _, e := range haystack {
		if equalValues(e, needle) {
			return true
		}
	}
	return false
}

func containsValue(left, expected any) bool {
	switch l := left.(type) {
	case []any:
		return sliceContains(l, expected)
	case []string:
		return sliceContains(toSlice(l), expected)
	case string:
		es, ok := asString(expected)
		return ok && strings.Contains(l, es)
	default:
		return false
	}
}

func compareNumbers(left, right any, op string) bool {
	l, lok := asFloat(left)
	r, rok := asFloat(right)
	if !lok || !rok {
		return false
	}
	switch op {
	case "gt":
		return l > r
	case "gte":
		return l >= r
	case "lt":
		return l < r
	case "lte":
		return l <= r
	default:
		return false
	}
}

func ipInCIDR(left, expected any) bool {
	rawIP, ok := asString(left)
	if !ok {
		return false
	}
	rawCIDR, ok := asString(expected)
	if !ok {
		return false
	}
	addr, err := netip.ParseAddr(rawIP)
	if err != nil {
		return false
	}
	prefix, err := netip.ParsePrefix(rawCIDR)
	if err != nil {
		return false
	}
	return prefix.Contains(addr.Unmap())
}

// timeBetween expects the current hour on the left and an "HH:MM-HH:MM"
// window, possibly wrapping midnight, on the right.
func timeBetween(left, expected any) bool {
	window, ok := asString(expected)
	if !ok {
		return false
	}
	parts := strings.Split(window, "-")
	if len(parts) != 2 {
		return false
	}
	start, ok := parseHHMM(parts[0])
	if !ok {
		return false
	}
	end, ok := parseHHMM(parts[1])
	if !ok {
		return false
	}
	hour, ok := asFloat(left)
	if !ok {
		return false
	}
	nowMinutes := int(hour) * 60
	if start <= end {
		return nowMinutes >= start && nowMinutes <= end
	}
	return nowMinutes >= start || nowMinutes <= end
}

func parseHHMM(raw string) (int, bool) {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
