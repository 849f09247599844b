package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// Verdict is the outcome of evaluating a phase's worth of policies against
// a facet: the overall decision plus everything that needs to happen next
// (redactions to apply, an approval to raise, a route to take).
//
//nolint:govet // fieldalignment: struct layout kept readable
type Verdict struct {
	Decision       contracts.Verdict
	MatchedRules   []string
	AppliedActions []string
	DenyReason     string

	PendingApproval *contracts.Action // the RequireApprovalAction that fired, if any
	RouteOverride   string            // not set by Evaluate for any action kind
	ToolScope       *contracts.ToolScopeAction
	RetryConfig     *contracts.RetryConfig

	// Mutations the engine computed against the facet; the pipeline
	// orchestrator applies these to the live request/response, not this
	// package, since only the orchestrator holds the wire representation.
	Redactions []PathMutation
	Transforms []PathMutation
	Overrides  []PathMutation
	Tags       map[string]string
}

// PathMutation is one field-level change an action produced.
type PathMutation struct {
	Path  string
	Value any
}

// Engine evaluates a token's ordered policy list for one phase.
type Engine struct {
	cond *ConditionEvaluator
}

// NewEngine builds a policy Engine.
func NewEngine() (*Engine, error) {
	cond, err := NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{cond: cond}, nil
}

// Evaluate runs every enabled rule across policies whose Phase matches
// phase (or whose Rule.Phase overrides it), in policy-then-rule order. The
// first Deny short-circuits remaining rules in the same phase, per spec
// §4.4; an Allow likewise ends evaluation once the allowing rule's own
// actions (Tag, Redact, ...) have been recorded, so later rules in the
// phase are not evaluated.
func (e *Engine) Evaluate(phase contracts.Phase, policies []*contracts.Policy, facet Facet) (*Verdict, error) {
	v := &Verdict{Decision: contracts.VerdictAllow, Tags: make(map[string]string)}

	var effectiveRetry *contracts.RetryConfig

	for _, p := range policies {
		if p.Disabled {
			continue
		}
		if effectiveRetry == nil && p.RetryConfig != nil {
			effectiveRetry = p.RetryConfig
		}
		shadow := p.Mode == contracts.ModeShadow

		for _, rule := range p.Rules {
			rulePhase := rule.Phase
			if rulePhase == "" {
				rulePhase = p.Phase
			}
			if rulePhase != phase {
				continue
			}

			matched, err := e.cond.Eval(rule.Condition, facet)
			if err != nil {
				return nil, fmt.Errorf("policy: evaluate rule %s: %w", rule.ID, err)
			}
			if !matched {
				continue
			}

			v.MatchedRules = append(v.MatchedRules, rule.ID)

			denied, allowed, err := e.applyActions(rule, shadow, facet, v)
			if err != nil {
				return nil, fmt.Errorf("policy: apply actions for rule %s: %w", rule.ID, err)
			}
			if denied && !shadow {
				v.Decision = contracts.VerdictDeny
				v.RetryConfig = effectiveRetry
				return v, nil
			}
			if allowed {
				v.RetryConfig = effectiveRetry
				return v, nil
			}
			if v.PendingApproval != nil && !shadow {
				v.Decision = contracts.VerdictPending
				v.RetryConfig = effectiveRetry
				return v, nil
			}
		}
	}

	v.RetryConfig = effectiveRetry
	return v, nil
}

// applyActions executes a rule's actions against v, returning whether a
// Deny or Allow fired. AsyncCheck rules record matches/tags for audit but
// never set denied/allowed/PendingApproval, per spec's non-blocking check
// semantics.
func (e *Engine) applyActions(rule *contracts.Rule, shadow bool, facet Facet, v *Verdict) (denied, allowed bool, err error) {
	for _, action := range rule.Actions {
		v.AppliedActions = append(v.AppliedActions, string(action.Kind))

		if rule.AsyncCheck {
			continue
		}

		switch action.Kind {
		case contracts.ActionDeny:
			if action.Deny != nil {
				v.DenyReason = action.Deny.ReasonCode
			}
			if !shadow {
				denied = true
			}
		case contracts.ActionAllow:
			if !shadow {
				allowed = true
			}
		case contracts.ActionRequireApproval:
			v.PendingApproval = action
		case contracts.ActionRedact:
			if action.Redact != nil {
				mask := action.Redact.Mask
				if mask == "" {
					mask = "[redacted]"
				}
				v.Redactions = append(v.Redactions, PathMutation{Path: action.Redact.Path, Value: mask})
			}
		case contracts.ActionTransform:
			if action.Transform != nil {
				val, terr := e.cond.evalExprValue(action.Transform.Expression, facet)
				if terr != nil {
					return false, false, terr
				}
				v.Transforms = append(v.Transforms, PathMutation{Path: action.Transform.Path, Value: val})
			}
		case contracts.ActionOverride:
			if action.Override != nil {
				v.Overrides = append(v.Overrides, PathMutation{Path: action.Override.Path, Value: action.Override.Value})
			}
		case contracts.ActionTag:
			if action.Tag != nil {
				v.Tags[action.Tag.Key] = action.Tag.Value
			}
		case contracts.ActionDynamicRoute, contracts.ActionConditionalRoute:
			// Recorded in AppliedActions only. The engine does not set
			// RouteOverride and no pipeline stage reads these actions, so
			// dispatch uses the token's own upstream list.
		case contracts.ActionToolScope:
			v.ToolScope = action.ToolScope
		case contracts.ActionRateLimit, contracts.ActionThrottle, contracts.ActionLog,
			contracts.ActionWebhook, contracts.ActionValidateSchema, contracts.ActionContentFilter,
			contracts.ActionExternalGuardrail, contracts.ActionSplit:
			// Run by the pipeline's ActionExecutor (pkg/pipeline/actions.go),
			// which owns the network calls and rate-limit state these actions
			// need; the engine's job here is limited to recording that they
			// matched.
		}
	}
	return denied, allowed, nil
}

// evalExprValue compiles (and caches) expr as a value-producing CEL
// expression and evaluates it against facet, for Transform actions whose
// replacement value is computed rather than constant.
func (ce *ConditionEvaluator) evalExprValue(expr string, facet Facet) (any, error) {
	ce.mu.RLock()
	prg, hit := ce.programs[expr]
	ce.mu.RUnlock()

	if !hit {
		ce.mu.Lock()
		if prg, hit = ce.programs[expr]; !hit {
			ast, issues := ce.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				ce.mu.Unlock()
				return nil, fmt.Errorf("policy: compile transform expr %q: %w", expr, issues.Err())
			}
			p, err := ce.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
			if err != nil {
				ce.mu.Unlock()
				return nil, fmt.Errorf("policy: build program for %q: %w", expr, err)
			}
			ce.programs[expr] = p
			prg = p
		}
		ce.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{"facet": map[string]any(facet)})
	if err != nil {
		return nil, fmt.Errorf("policy: eval transform expr %q: %w", expr, err)
	}
	return out.Value(), nil
}
