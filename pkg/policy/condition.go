// Package policy implements the policy engine (C7): evaluating a token's
// ordered Policy list's condition trees against the current request/response
// facet, and dispatching the matched rules' actions. The "expr" leaf
// operator is backed by a cached CEL program per expression, in the style
// of a compiled-and-cached rule evaluator; every other operator is plain Go
// comparison over a dot-path lookup into the facet, per spec §4.2/§4.4.
package policy

import (
	"encoding/json"
	"fmt"
	"path"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// Facet is the evaluation input: a tree of plain Go values (maps, slices,
// scalars) built from the request/response at facet-build time. Condition
// paths navigate it with dot-separated segments, e.g. "request.headers.x-team".
type Facet map[string]any

// ConditionEvaluator evaluates Condition trees against a Facet, caching
// compiled CEL programs for the "expr" operator across calls.
type ConditionEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewConditionEvaluator builds an evaluator with a CEL environment exposing
// the whole facet as a single dynamic variable named "facet".
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(cel.Variable("facet", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("policy: create cel environment: %w", err)
	}
	return &ConditionEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Eval reports whether cond holds against facet.
func (ce *ConditionEvaluator) Eval(cond *contracts.Condition, facet Facet) (bool, error) {
	if cond == nil {
		return true, nil
	}
	if cond.Always {
		return true, nil
	}

	if !cond.IsLeaf() {
		return ce.evalInterior(cond, facet)
	}
	return ce.evalLeaf(cond, facet)
}

func (ce *ConditionEvaluator) evalInterior(cond *contracts.Condition, facet Facet) (bool, error) {
	switch cond.Logic {
	case contracts.LogicNot:
		if len(cond.Children) != 1 {
			return false, fmt.Errorf("policy: 'not' requires exactly one child, got %d", len(cond.Children))
		}
		v, err := ce.Eval(cond.Children[0], facet)
		if err != nil {
			return false, err
		}
		return !v, nil
	case contracts.LogicOr:
		for _, c := range cond.Children {
			v, err := ce.Eval(c, facet)
			if err != nil {
				return false, err
			}
			if v {
				return true, nil
			}
		}
		return false, nil
	case contracts.LogicAnd, "":
		for _, c := range cond.Children {
			v, err := ce.Eval(c, facet)
			if err != nil {
				return false, err
			}
			if !v {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("policy: unknown logic operator %q", cond.Logic)
	}
}

func (ce *ConditionEvaluator) evalLeaf(cond *contracts.Condition, facet Facet) (bool, error) {
	if cond.Operator == contracts.OpExpression {
		return ce.evalExpr(cond.Expr, facet)
	}

	actual, exists := lookupPath(facet, cond.Path)

	switch cond.Operator {
	case contracts.OpExists:
		return exists, nil
	case contracts.OpEquals:
		return exists && looseEqual(actual, cond.Value), nil
	case contracts.OpNotEquals:
		return !exists || !looseEqual(actual, cond.Value), nil
	case contracts.OpGreaterThan, contracts.OpGreaterEq, contracts.OpLessThan, contracts.OpLessEq:
		if !exists {
			return false, nil
		}
		return compareNumeric(actual, cond.Value, cond.Operator)
	case contracts.OpIn:
		return exists && memberOf(actual, cond.Value), nil
	case contracts.OpContains:
		return exists && containsSubstringOrElement(actual, cond.Value), nil
	case contracts.OpStartsWith:
		return exists && strings.HasPrefix(toString(actual), toString(cond.Value)), nil
	case contracts.OpEndsWith:
		return exists && strings.HasSuffix(toString(actual), toString(cond.Value)), nil
	case contracts.OpGlob:
		if !exists {
			return false, nil
		}
		ok, err := path.Match(toString(cond.Value), toString(actual))
		if err != nil {
			return false, fmt.Errorf("policy: invalid glob pattern %q: %w", cond.Value, err)
		}
		return ok, nil
	case contracts.OpRegex:
		if !exists {
			return false, nil
		}
		return matchRegex(toString(cond.Value), toString(actual))
	default:
		return false, fmt.Errorf("policy: unknown condition operator %q", cond.Operator)
	}
}

func (ce *ConditionEvaluator) evalExpr(expr string, facet Facet) (bool, error) {
	ce.mu.RLock()
	prg, hit := ce.programs[expr]
	ce.mu.RUnlock()

	if !hit {
		ce.mu.Lock()
		if prg, hit = ce.programs[expr]; !hit {
			ast, issues := ce.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				ce.mu.Unlock()
				return false, fmt.Errorf("policy: compile expr %q: %w", expr, issues.Err())
			}
			p, err := ce.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
			if err != nil {
				ce.mu.Unlock()
				return false, fmt.Errorf("policy: build program for %q: %w", expr, err)
			}
			ce.programs[expr] = p
			prg = p
		}
		ce.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{"facet": map[string]any(facet)})
	if err != nil {
		return false, fmt.Errorf("policy: eval expr %q: %w", expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: expr %q did not evaluate to a bool", expr)
	}
	return val, nil
}

// LookupPath exposes the dot-path navigator to callers outside this package
// (the pipeline's deferred-action executor keys RateLimit buckets and reads
// ContentFilter/ValidateSchema targets off facet paths the same way rule
// conditions do).
func LookupPath(facet Facet, dotted string) (any, bool) {
	return lookupPath(facet, dotted)
}

// lookupPath navigates dotted into a Facet, treating map and slice-index
// segments uniformly. A missing intermediate segment reports exists=false
// rather than erroring, since most conditions legitimately test for absence.
func lookupPath(facet Facet, dotted string) (any, bool) {
	if dotted == "" {
		return nil, false
	}
	segments := strings.Split(dotted, ".")
	var cur any = map[string]any(facet)
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareNumeric(actual, want any, op contracts.ConditionOperator) (bool, error) {
	af, aok := toFloat(actual)
	bf, bok := toFloat(want)
	if !aok || !bok {
		return false, fmt.Errorf("policy: %s comparison requires numeric operands, got %T and %T", op, actual, want)
	}
	switch op {
	case contracts.OpGreaterThan:
		return af > bf, nil
	case contracts.OpGreaterEq:
		return af >= bf, nil
	case contracts.OpLessThan:
		return af < bf, nil
	case contracts.OpLessEq:
		return af <= bf, nil
	}
	return false, fmt.Errorf("policy: %s is not a numeric comparison operator", op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func memberOf(actual, set any) bool {
	rv := reflect.ValueOf(set)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if looseEqual(actual, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func containsSubstringOrElement(actual, want any) bool {
	rv := reflect.ValueOf(actual)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return memberOf(want, actual)
	}
	return strings.Contains(toString(actual), toString(want))
}

var (
	regexMu    sync.RWMutex
	regexCache = make(map[string]*regexp.Regexp)
)

func matchRegex(pattern, input string) (bool, error) {
	regexMu.RLock()
	re, ok := regexCache[pattern]
	regexMu.RUnlock()
	if !ok {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("policy: invalid regex %q: %w", pattern, err)
		}
		regexMu.Lock()
		regexCache[pattern] = compiled
		regexMu.Unlock()
		re = compiled
	}
	return re.MatchString(input), nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
