package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCondition(t *testing.T, raw string) *Condition {
	t.Helper()
	var c Condition
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	return &c
}

func TestConditionAllAnyNot(t *testing.T) {
	ctx := map[string]any{
		"subject.email_domain": "trustgate.local",
		"subject.roles":        []string{"owner"},
	}

	cond := mustCondition(t, `{
		"all": [
			{ "var": "subject.email_domain", "op": "eq", "value": "trustgate.local" },
			{ "any": [
				{ "var": "subject.roles", "op": "contains", "value": "owner" },
				{ "var": "subject.roles", "op": "contains", "value": "admin" }
			]}
		]
	}`)

	assert.True(t, cond.eval(ctx))

	negated := &Condition{Not: cond}
	assert.False(t, negated.eval(ctx))
}

func TestEvaluateDenyOverridesAllow(t *testing.T) {
	doc := &Document{Rules: []Rule{
		{
			ID:            "allow_admin",
			Effect:        EffectAllow,
			Actions:       []string{"roles_read"},
			ResourceTypes: []string{"tenant"},
			Priority:      10,
			Condition:     mustCondition(t, `{"var":"subject.roles","op":"contains","value":"admin"}`),
		},
		{
			ID:            "deny_off_hours",
			Effect:        EffectDeny,
			Actions:       []string{"roles_read"},
			ResourceTypes: []string{"tenant"},
			Priority:      100,
			Condition:     mustCondition(t, `{"var":"env.hour","op":"gte","value":19}`),
		},
	}}

	ctx := map[string]any{
		"subject.roles": []string{"admin"},
		"env.hour":      20,
	}
	out := Evaluate(doc, "roles_read", "tenant", ctx)
	assert.True(t, out.Denied)
	assert.Equal(t, []string{"allow_admin"}, out.MatchedAllow)
	assert.Equal(t, []string{"deny_off_hours"}, out.MatchedDeny)
}

func TestEvaluateDefaultDenyWhenAllowRulesUnmatched(t *testing.T) {
	doc := &Document{Rules: []Rule{
		{
			ID:            "allow_owner",
			Effect:        EffectAllow,
			Actions:       []string{"roles_read"},
			ResourceTypes: []string{"tenant"},
			Priority:      1,
			Condition:     mustCondition(t, `{"var":"subject.roles","op":"contains","value":"owner"}`),
		},
	}}

	out := Evaluate(doc, "roles_read", "tenant", map[string]any{
		"subject.roles": []string{"member"},
	})
	assert.True(t, out.Denied)
	assert.Empty(t, out.MatchedAllow)
	assert.Empty(t, out.MatchedDeny)
}

func TestEvaluateAllowsWhenOnlyDenyRulesAndNoneMatch(t *testing.T) {
	doc := &Document{Rules: []Rule{
		{
			ID:            "deny_external",
			Effect:        EffectDeny,
			Actions:       []string{"roles_read"},
			ResourceTypes: []string{"tenant"},
			Priority:      1,
			Condition:     mustCondition(t, `{"var":"request.ip","op":"ip_in_cidr","value":"10.0.0.0/8"}`),
		},
	}}

	out := Evaluate(doc, "roles_read", "tenant", map[string]any{
		"request.ip": "203.0.113.10",
	})
	assert.False(t, out.Denied)
}

func TestEvaluateSkipsInvalidCondition(t *testing.T) {
	doc := &Document{Rules: []Rule{
		{
			ID:            "bad_rule",
			Effect:        EffectDeny,
			Actions:       []string{"roles_read"},
			ResourceTypes: []string{"tenant"},
			Priority:      1,
			Condition:     mustCondition(t, `{"unexpected": true}`),
		},
	}}

	out := Evaluate(doc, "roles_read", "tenant", map[string]any{})
	assert.False(t, out.Denied)
}

func TestEvaluateEmptyActionListMatchesEverything(t *testing.T) {
	doc := &Document{Rules: []Rule{
		{ID: "deny_all", Effect: EffectDeny, Priority: 1},
	}}

	out := Evaluate(doc, "anything", "global", map[string]any{})
	assert.True(t, out.Denied)
	assert.Equal(t, []string{"deny_all"}, out.MatchedDeny)
}

func TestPredicateExistsInNotIn(t *testing.T) {
	ctx := map[string]any{
		"subject.roles":  []string{"admin", "member"},
		"subject.region": "us-east",
	}

	assert.True(t, evalPredicate("subject.roles", "exists", true, ctx))
	assert.True(t, evalPredicate("subject.region", "in", []any{"us-east", "eu"}, ctx))
	assert.True(t, evalPredicate("subject.region", "not_in", []any{"ap-south", "eu"}, ctx))
	assert.True(t, evalPredicate("subject.missing", "exists", false, ctx))
	assert.False(t, evalPredicate("subject.missing", "exists", true, ctx))
}

func TestPredicateNumberAndStringOps(t *testing.T) {
	ctx := map[string]any{
		"env.hour":      10,
		"subject.email": "admin@example.com",
	}

	assert.True(t, evalPredicate("env.hour", "gt", float64(9), ctx))
	assert.True(t, evalPredicate("env.hour", "lte", float64(10), ctx))
	assert.False(t, evalPredicate("env.hour", "lt", float64(10), ctx))
	assert.True(t, evalPredicate("subject.email", "starts_with", "admin@", ctx))
	assert.True(t, evalPredicate("subject.email", "contains", "example", ctx))
	assert.True(t, evalPredicate("subject.email", "neq", "other@example.com", ctx))
}

func TestPredicateIPAndTimeWindow(t *testing.T) {
	ctx := map[string]any{
		"request.ip": "10.1.2.3",
		"env.hour":   23,
	}

	assert.True(t, evalPredicate("request.ip", "ip_in_cidr", "10.0.0.0/8", ctx))
	assert.False(t, evalPredicate("request.ip", "ip_in_cidr", "10.0.0.0/40", ctx))
	assert.False(t, evalPredicate("request.ip", "ip_in_cidr", "not-a-cidr", ctx))
	assert.True(t, evalPredicate("env.hour", "time_between", "22:00-06:00", ctx))
	assert.False(t, evalPredicate("env.hour", "time_between", "09:00-18:00", ctx))
}

func TestPredicateUnknownOp(t *testing.T) {
	ctx := map[string]any{"subject.email": "a@b.c"}
	assert.False(t, evalPredicate("subject.email", "matches_regex", ".*", ctx))
}
