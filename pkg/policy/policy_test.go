package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
	"github.com/sujan174/Ai-Link-sub000/pkg/policy"
)

func TestConditionEvaluator_LeafOperators(t *testing.T) {
	ce, err := policy.NewConditionEvaluator()
	require.NoError(t, err)

	facet := policy.Facet{
		"request": map[string]any{
			"model":  "gpt-4",
			"tokens": 1500.0,
			"tags":   []any{"prod", "agent"},
		},
	}

	cases := []struct {
		name string
		cond *contracts.Condition
		want bool
	}{
		{"eq match", &contracts.Condition{Path: "request.model", Operator: contracts.OpEquals, Value: "gpt-4"}, true},
		{"eq mismatch", &contracts.Condition{Path: "request.model", Operator: contracts.OpEquals, Value: "gpt-3"}, false},
		{"gt", &contracts.Condition{Path: "request.tokens", Operator: contracts.OpGreaterThan, Value: 1000.0}, true},
		{"lte false", &contracts.Condition{Path: "request.tokens", Operator: contracts.OpLessEq, Value: 1000.0}, false},
		{"in list", &contracts.Condition{Path: "request.tags", Operator: contracts.OpContains, Value: "prod"}, true},
		{"starts_with", &contracts.Condition{Path: "request.model", Operator: contracts.OpStartsWith, Value: "gpt"}, true},
		{"glob", &contracts.Condition{Path: "request.model", Operator: contracts.OpGlob, Value: "gpt-*"}, true},
		{"regex", &contracts.Condition{Path: "request.model", Operator: contracts.OpRegex, Value: "^gpt-[0-9]$"}, true},
		{"exists true", &contracts.Condition{Path: "request.model", Operator: contracts.OpExists}, true},
		{"exists false", &contracts.Condition{Path: "request.missing", Operator: contracts.OpExists}, false},
		{"always", &contracts.Condition{Always: true}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ce.Eval(tc.cond, facet)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConditionEvaluator_LogicTree(t *testing.T) {
	ce, err := policy.NewConditionEvaluator()
	require.NoError(t, err)

	facet := policy.Facet{"request": map[string]any{"model": "gpt-4", "tokens": 50.0}}

	cond := &contracts.Condition{
		Logic: contracts.LogicAnd,
		Children: []*contracts.Condition{
			{Path: "request.model", Operator: contracts.OpEquals, Value: "gpt-4"},
			{
				Logic: contracts.LogicNot,
				Children: []*contracts.Condition{
					{Path: "request.tokens", Operator: contracts.OpGreaterThan, Value: 1000.0},
				},
			},
		},
	}

	got, err := ce.Eval(cond, facet)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestConditionEvaluator_ExprOperator(t *testing.T) {
	ce, err := policy.NewConditionEvaluator()
	require.NoError(t, err)

	facet := policy.Facet{"request": map[string]any{"tokens": 5000.0}}
	cond := &contracts.Condition{Operator: contracts.OpExpression, Expr: `facet.request.tokens > 1000.0`}

	got, err := ce.Eval(cond, facet)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEngine_DenyShortCircuits(t *testing.T) {
	eng, err := policy.NewEngine()
	require.NoError(t, err)

	policies := []*contracts.Policy{{
		ID:   "p1",
		Mode: contracts.ModeEnforce,
		Rules: []*contracts.Rule{
			{
				ID:        "deny-large",
				Phase:     contracts.PhasePreRequest,
				Condition: &contracts.Condition{Path: "request.tokens", Operator: contracts.OpGreaterThan, Value: 1000.0},
				Actions:   []*contracts.Action{{Kind: contracts.ActionDeny, Deny: &contracts.DenyAction{ReasonCode: "too_large"}}},
			},
			{
				ID:        "tag-all",
				Phase:     contracts.PhasePreRequest,
				Condition: &contracts.Condition{Always: true},
				Actions:   []*contracts.Action{{Kind: contracts.ActionTag, Tag: &contracts.TagAction{Key: "seen", Value: "yes"}}},
			},
		},
	}}

	facet := policy.Facet{"request": map[string]any{"tokens": 5000.0}}
	v, err := eng.Evaluate(contracts.PhasePreRequest, policies, facet)
	require.NoError(t, err)

	assert.Equal(t, contracts.VerdictDeny, v.Decision)
	assert.Equal(t, "too_large", v.DenyReason)
	assert.NotContains(t, v.MatchedRules, "tag-all", "deny must short-circuit remaining rules in the same phase")
}

func TestEngine_ShadowModeNeverDenies(t *testing.T) {
	eng, err := policy.NewEngine()
	require.NoError(t, err)

	policies := []*contracts.Policy{{
		ID:   "p1",
		Mode: contracts.ModeShadow,
		Rules: []*contracts.Rule{{
			ID:        "deny-large",
			Phase:     contracts.PhasePreRequest,
			Condition: &contracts.Condition{Always: true},
			Actions:   []*contracts.Action{{Kind: contracts.ActionDeny, Deny: &contracts.DenyAction{ReasonCode: "too_large"}}},
		}},
	}}

	v, err := eng.Evaluate(contracts.PhasePreRequest, policies, policy.Facet{})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAllow, v.Decision, "shadow mode must record but never enforce")
	assert.Contains(t, v.MatchedRules, "deny-large")
}

func TestEngine_RequireApprovalPending(t *testing.T) {
	eng, err := policy.NewEngine()
	require.NoError(t, err)

	policies := []*contracts.Policy{{
		ID:   "p1",
		Mode: contracts.ModeEnforce,
		Rules: []*contracts.Rule{{
			ID:        "needs-approval",
			Phase:     contracts.PhasePreRequest,
			Condition: &contracts.Condition{Always: true},
			Actions: []*contracts.Action{{
				Kind:            contracts.ActionRequireApproval,
				RequireApproval: &contracts.RequireApprovalAction{TimeoutSeconds: 60, OnTimeout: "deny"},
			}},
		}},
	}}

	v, err := eng.Evaluate(contracts.PhasePreRequest, policies, policy.Facet{})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictPending, v.Decision)
	require.NotNil(t, v.PendingApproval)
}

func TestEngine_AsyncCheckNeverBlocks(t *testing.T) {
	eng, err := policy.NewEngine()
	require.NoError(t, err)

	policies := []*contracts.Policy{{
		ID:   "p1",
		Mode: contracts.ModeEnforce,
		Rules: []*contracts.Rule{{
			ID:         "background-deny",
			Phase:      contracts.PhasePreRequest,
			Condition:  &contracts.Condition{Always: true},
			AsyncCheck: true,
			Actions:    []*contracts.Action{{Kind: contracts.ActionDeny, Deny: &contracts.DenyAction{ReasonCode: "would_deny"}}},
		}},
	}}

	v, err := eng.Evaluate(contracts.PhasePreRequest, policies, policy.Facet{})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAllow, v.Decision)
	assert.Contains(t, v.MatchedRules, "background-deny")
}

func TestEngine_RedactAndTag(t *testing.T) {
	eng, err := policy.NewEngine()
	require.NoError(t, err)

	policies := []*contracts.Policy{{
		ID:   "p1",
		Mode: contracts.ModeEnforce,
		Rules: []*contracts.Rule{{
			ID:        "redact-ssn",
			Phase:     contracts.PhasePreRequest,
			Condition: &contracts.Condition{Always: true},
			Actions: []*contracts.Action{
				{Kind: contracts.ActionRedact, Redact: &contracts.RedactAction{Path: "request.body.ssn"}},
				{Kind: contracts.ActionTag, Tag: &contracts.TagAction{Key: "pii", Value: "true"}},
			},
		}},
	}}

	v, err := eng.Evaluate(contracts.PhasePreRequest, policies, policy.Facet{})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAllow, v.Decision)
	require.Len(t, v.Redactions, 1)
	assert.Equal(t, "request.body.ssn", v.Redactions[0].Path)
	assert.Equal(t, "true", v.Tags["pii"])
}
