package contracts

import "time"

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is created when a RequireApprovalAction fires. It is
// keyed by IntentHash (the SHA-256 of the canonicalized request this
// approval gates) so that a resubmission of the identical intent is
// idempotent against the pending queue.
//
//nolint:govet // fieldalignment: struct layout kept readable
type ApprovalRequest struct {
	ApprovalID     string           `json:"approval_id"`
	IntentHash     string           `json:"intent_hash"` // sha256 of the canonicalized request this approval gates
	TenantID       string           `json:"tenant_id"`
	TokenID        string           `json:"token_id"`
	SessionID      string           `json:"session_id"`
	RuleID         string           `json:"rule_id"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	ApproverRoles  []string         `json:"approver_roles"`
	RequestSummary string           `json:"request_summary"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	OnTimeout      string           `json:"on_timeout"`
	Status         ApprovalStatus   `json:"status"`
	Receipt        *ApprovalReceipt `json:"receipt,omitempty"`
}

// ApprovalReceipt is the operator-signed verdict over an ApprovalRequest's
// IntentHash. Signature is an Ed25519 signature (hex-encoded) over the raw
// IntentHash bytes, verified against PublicKey before the request resumes.
//
//nolint:govet // fieldalignment: struct layout kept readable
type ApprovalReceipt struct {
	IntentHash string    `json:"intent_hash"`
	ApproverID string    `json:"approver_id"`
	Decision   string    `json:"decision"` // "approve" | "deny"
	Reason     string    `json:"reason,omitempty"`
	PublicKey  string    `json:"public_key"`
	Signature  string    `json:"signature"`
	Timestamp  time.Time `json:"timestamp"`
}
