package contracts

import (
	"encoding/json"
	"time"
)

// AuditEventType enumerates the kinds of events the audit writer records.
type AuditEventType string

const (
	AuditEventRequest     AuditEventType = "request"
	AuditEventDecision    AuditEventType = "policy_decision"
	AuditEventApproval    AuditEventType = "approval"
	AuditEventDispatch    AuditEventType = "dispatch"
	AuditEventError       AuditEventType = "error"
	AuditEventCBTransition AuditEventType = "circuit_breaker_transition"
)

// AuditRecord is one entry in the append-only, hash-chained audit log.
// PreviousHash links it to the prior record (the genesis record uses the
// sentinel value "genesis"); EntryHash is the SHA-256 of the record's
// canonical JSON encoding (see pkg/audit for the hashing implementation)
// with EntryHash itself zeroed out before hashing.
//
//nolint:govet // fieldalignment: struct layout kept readable
type AuditRecord struct {
	Sequence     int64           `json:"sequence"`
	EntryID      string          `json:"entry_id"`
	Timestamp    time.Time       `json:"timestamp"`
	EventType    AuditEventType  `json:"event_type"`
	TenantID     string          `json:"tenant_id"`
	SessionID    string          `json:"session_id,omitempty"`
	TokenID      string          `json:"token_id,omitempty"`
	Subject      string          `json:"subject"` // e.g. upstream name, policy ID
	TraceID      string          `json:"trace_id,omitempty"`
	SpanID       string          `json:"span_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
	SignatureType string         `json:"signature_type,omitempty"`
	Signature    string          `json:"signature,omitempty"`
}

// PolicyDecision is the signed record of a single rule evaluation pass: a
// phase's worth of matched rules and the actions that were applied (or
// would have been applied, in shadow mode).
//
//nolint:govet // fieldalignment: struct layout kept readable
type PolicyDecision struct {
	DecisionID    string    `json:"decision_id"`
	TenantID      string    `json:"tenant_id"`
	SessionID     string    `json:"session_id"`
	Phase         Phase     `json:"phase"`
	Verdict       Verdict   `json:"verdict"`
	MatchedRules  []string  `json:"matched_rules"`
	AppliedActions []string `json:"applied_actions"`
	Shadow        bool      `json:"shadow"`
	Timestamp     time.Time `json:"timestamp"`
	SignatureType string    `json:"signature_type,omitempty"`
	Signature     string    `json:"signature,omitempty"`
}

// Verdict is the overall outcome of a policy evaluation pass.
type Verdict string

const (
	VerdictAllow   Verdict = "allow"
	VerdictDeny    Verdict = "deny"
	VerdictPending Verdict = "pending_approval"
)
