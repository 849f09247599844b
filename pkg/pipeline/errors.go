package pipeline

import (
	"net/http"
	"time"
)

// ErrorKind discriminates the error taxonomy every terminal pipeline failure
// maps to exactly one of, per spec §7. Orchestrator.writeError (pipeline.go)
// renders these as RFC 7807 problem+json; nothing downstream of AILinkError ever sees the
// internal cause string, only Code and Message.
type ErrorKind string

const (
	ErrUnknownToken       ErrorKind = "invalid_token"
	ErrAccessDenied       ErrorKind = "access_denied"
	ErrPolicyDenied       ErrorKind = "policy_denied"
	ErrContentBlocked     ErrorKind = "content_blocked"
	ErrApprovalPending    ErrorKind = "approval_pending"
	ErrApprovalTimeout    ErrorKind = "approval_timeout"
	ErrRateLimited        ErrorKind = "rate_limited"
	ErrSpendCapExceeded   ErrorKind = "spend_cap_exceeded"
	ErrPayloadTooLarge    ErrorKind = "payload_too_large"
	ErrValidationError    ErrorKind = "validation_error"
	ErrUpstreamAllOpen    ErrorKind = "upstream_unavailable"
	ErrUpstreamTimeout    ErrorKind = "upstream_timeout"
	ErrUpstreamError      ErrorKind = "upstream_error"
	ErrInternalError      ErrorKind = "internal_error"
)

// statusFor is the Kind -> HTTP status table from spec §7.
var statusFor = map[ErrorKind]int{
	ErrUnknownToken:     http.StatusUnauthorized,
	ErrAccessDenied:     http.StatusForbidden,
	ErrPolicyDenied:     http.StatusForbidden,
	ErrContentBlocked:   http.StatusForbidden,
	ErrApprovalPending:  http.StatusAccepted,
	ErrApprovalTimeout:  http.StatusRequestTimeout,
	ErrRateLimited:      http.StatusTooManyRequests,
	ErrSpendCapExceeded: http.StatusPaymentRequired,
	ErrPayloadTooLarge:  http.StatusRequestEntityTooLarge,
	ErrValidationError:  http.StatusUnprocessableEntity,
	ErrUpstreamAllOpen:  http.StatusServiceUnavailable,
	ErrUpstreamTimeout:  http.StatusGatewayTimeout,
	ErrUpstreamError:    http.StatusBadGateway,
	ErrInternalError:    http.StatusInternalServerError,
}

// defaultMessageFor is the generic, safe-to-surface message per Kind; a
// policy-provided message (DenyAction.Message) overrides this for
// PolicyDenied.
var defaultMessageFor = map[ErrorKind]string{
	ErrUnknownToken:     "unauthorized",
	ErrAccessDenied:     "forbidden",
	ErrPolicyDenied:     "denied by policy",
	ErrContentBlocked:   "content blocked by policy",
	ErrApprovalPending:  "approval pending",
	ErrApprovalTimeout:  "approval timed out",
	ErrRateLimited:      "rate limit exceeded",
	ErrSpendCapExceeded: "spend cap exceeded",
	ErrValidationError:  "validation error",
	ErrUpstreamAllOpen:  "upstream unavailable",
	ErrUpstreamTimeout:  "upstream timeout",
	ErrUpstreamError:    "upstream error",
	ErrInternalError:    "internal server error",
}

// AILinkError is the tagged-variant error every pipeline stage that fails
// terminally returns. Cause carries the internal diagnostic detail (logged
// and audited) that never crosses the wire; Message is what pkg/api is
// allowed to serialize to the caller.
//
//nolint:govet // fieldalignment: struct layout kept readable
type AILinkError struct {
	Kind       ErrorKind
	Message    string
	Cause      error
	RetryAfter int // seconds; set for RateLimited and UpstreamAllOpen

	// ApprovalID and ExpiresAt carry the spec §6/§7 literal 202 body for
	// ErrApprovalPending; unused for every other Kind.
	ApprovalID string
	ExpiresAt  time.Time
}

func (e *AILinkError) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *AILinkError) Unwrap() error { return e.Cause }

// Status returns the HTTP status this error's Kind maps to.
func (e *AILinkError) Status() int {
	if s, ok := statusFor[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NewError builds an AILinkError, filling Message with the spec-default for
// kind when msg is empty.
func NewError(kind ErrorKind, msg string, cause error) *AILinkError {
	if msg == "" {
		msg = defaultMessageFor[kind]
	}
	return &AILinkError{Kind: kind, Message: msg, Cause: cause}
}

// NewRetryableError is NewError plus a Retry-After hint in seconds.
func NewRetryableError(kind ErrorKind, msg string, cause error, retryAfterSeconds int) *AILinkError {
	e := NewError(kind, msg, cause)
	e.RetryAfter = retryAfterSeconds
	return e
}

// NewApprovalPendingError builds the ErrApprovalPending short-circuit
// spec §6/§7 requires: a 202 carrying the approval's id and expiry so the
// client can poll or retry with the same idempotency key once a human
// decides.
func NewApprovalPendingError(approvalID string, expiresAt time.Time) *AILinkError {
	e := NewError(ErrApprovalPending, "", nil)
	e.ApprovalID = approvalID
	e.ExpiresAt = expiresAt
	return e
}
