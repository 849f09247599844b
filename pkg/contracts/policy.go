package contracts

import "time"

// PolicyMode controls whether a policy's actions are actually enforced or
// merely logged for later review.
type PolicyMode string

const (
	ModeEnforce PolicyMode = "enforce"
	ModeShadow  PolicyMode = "shadow"
)

// Policy is an ordered collection of rules evaluated against every request
// that passes through the pipeline orchestrator.
//
//nolint:govet // fieldalignment: struct layout kept readable
type Policy struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Name        string       `json:"name"`
	Version     int          `json:"version"`
	Mode        PolicyMode   `json:"mode"`
	Phase       Phase        `json:"phase"`
	Rules       []*Rule      `json:"rules"`
	RetryConfig *RetryConfig `json:"retry_config,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Disabled    bool         `json:"disabled"`
}

// RetryConfig is the dispatcher's retry envelope for upstream calls made
// under this policy. The first policy in a token's ordered list that
// carries a non-nil RetryConfig is the "effective" one (spec §4.4).
//
//nolint:govet // fieldalignment: struct layout kept readable
type RetryConfig struct {
	MaxRetries    int   `json:"max_retries"`
	BaseDelayMs   int   `json:"base_delay_ms"`
	MaxBackoffMs  int   `json:"max_backoff_ms"`
	JitterMs      int   `json:"jitter_ms"`
	StatusCodes   []int `json:"status_codes"`
}

// Phase identifies when during the pipeline a rule is evaluated.
type Phase string

const (
	PhasePreRequest  Phase = "pre_request"
	PhasePostResponse Phase = "post_response"
)

// Rule pairs a condition with an ordered list of actions to execute when
// the condition evaluates true. Rules within a Policy are evaluated in
// slice order; the first Deny short-circuits the remaining rules in its
// phase (see the policy engine for the full evaluation order).
//
//nolint:govet // fieldalignment: struct layout kept readable
type Rule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Phase      Phase      `json:"phase"` // overrides the parent Policy.Phase when set
	Condition  *Condition `json:"condition"`
	Actions    []*Action  `json:"actions"`
	AsyncCheck bool       `json:"async_check"` // non-blocking: informs audit only, never terminal
	Priority  int        `json:"priority"`
}

// LogicOperator combines child conditions in an interior Condition node.
type LogicOperator string

const (
	LogicAnd LogicOperator = "and"
	LogicOr  LogicOperator = "or"
	LogicNot LogicOperator = "not"
)

// ConditionOperator is a leaf comparison operator.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "eq"
	OpNotEquals   ConditionOperator = "neq"
	OpGreaterThan ConditionOperator = "gt"
	OpGreaterEq   ConditionOperator = "gte"
	OpLessThan    ConditionOperator = "lt"
	OpLessEq      ConditionOperator = "lte"
	OpIn          ConditionOperator = "in"
	OpContains    ConditionOperator = "contains"
	OpStartsWith  ConditionOperator = "starts_with"
	OpEndsWith    ConditionOperator = "ends_with"
	OpGlob        ConditionOperator = "glob"
	OpRegex       ConditionOperator = "regex"
	OpExists      ConditionOperator = "exists"
	OpExpression  ConditionOperator = "expr" // raw CEL expression over the evaluation input
)

// Condition is a node in the policy condition tree. A leaf node (Operator
// set, Children empty) compares a dot-path field of the evaluation input
// against Value. An interior node (Logic set, Children non-empty) combines
// its children. Exactly one of {leaf fields, Children, Always} should be
// populated; the evaluator treats an interior node with no children as
// vacuously true for "and" and vacuously false for "or".
//
//nolint:govet // fieldalignment: struct layout kept readable
type Condition struct {
	// Leaf fields.
	Always   bool              `json:"always,omitempty"`
	Path     string            `json:"path,omitempty"`     // e.g. "request.headers.x-team"
	Operator ConditionOperator `json:"operator,omitempty"`
	Value    any               `json:"value,omitempty"`
	Expr     string            `json:"expr,omitempty"` // CEL source, used when Operator == OpExpression

	// Interior fields.
	Logic    LogicOperator `json:"logic,omitempty"`
	Children []*Condition  `json:"children,omitempty"`
}

// IsLeaf reports whether this node is a leaf (has no children).
func (c *Condition) IsLeaf() bool {
	return len(c.Children) == 0 && c.Logic == ""
}
