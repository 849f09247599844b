package pipeline

import (
	"net/http"
	"time"

	"github.com/sujan174/Ai-Link-sub000/pkg/auth"
	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
	"github.com/sujan174/Ai-Link-sub000/pkg/policy"
	"github.com/sujan174/Ai-Link-sub000/pkg/translate"
)

// stageResult is what each pipeline stage returns: Continue means proceed to
// the next stage; a non-nil err means Short-circuit (for ErrApprovalPending,
// which still produces a response) or Error; for the former, the error's
// ApprovalID and ExpiresAt become the 202 response body that writeError
// renders, per spec §4.9's three-way stage contract.
type stageResult struct {
	err *AILinkError
}

func cont() stageResult             { return stageResult{} }
func fail(e *AILinkError) stageResult { return stageResult{err: e} }

// RequestContext is the single mutable record one ingress traversal owns.
// Every stage reads and writes through it; nothing about one request's
// progress is held anywhere else, so cancellation or a panic recovery only
// ever needs to reason about this one value.
//
//nolint:govet // fieldalignment: struct layout kept readable
type RequestContext struct {
	RequestID string
	TraceID   string
	SpanID    string
	StartedAt time.Time

	HTTPRequest *http.Request
	RawBody     []byte

	Identity *auth.Identity
	Bundle   *contracts.TokenBundle
	Session  *contracts.Session

	TenantID string

	// Resolved upstream candidates and CB config for this request, copied
	// out of Bundle.Token so the cached bundle is never mutated. No policy
	// action overrides them.
	Upstreams []contracts.Upstream
	CBConfig  contracts.CBConfig

	// RequestProvider is the wire schema the client's body is already in
	// (always ProviderOpenAI for the convenience endpoints in spec §6);
	// UpstreamProvider is the schema selected from the model name.
	RequestProvider  contracts.ProviderType
	UpstreamProvider contracts.ProviderType

	Envelope     *translate.ChatRequest
	UpstreamPath string
	UpstreamBody []byte

	PreFacet  policy.Facet
	PostFacet policy.Facet

	PreVerdict  *policy.Verdict
	PostVerdict *policy.Verdict

	Secret *secretHandle

	UpstreamStatus  int
	UpstreamHeader  http.Header
	UpstreamLatency int64
	UpstreamURL     string
	CBStateSeen     contracts.CBState
	Attempts        int

	ChatResponse   *translate.ChatResponse
	ResponseBody   []byte
	Streaming      bool

	RedactionsApplied int
	Shadow            bool

	Disposition string // "ok" | "client_cancel" | "error"
}

// secretHandle owns the decrypted plaintext secret for exactly as long as
// the dispatcher needs it to frame the outbound request, per spec §3's
// zeroize-on-every-exit-path invariant.
type secretHandle struct {
	plaintext []byte
}

func newSecretHandle(s string) *secretHandle {
	return &secretHandle{plaintext: []byte(s)}
}

// String exposes the plaintext; callers must not retain the returned string
// beyond the call that consumes it.
func (h *secretHandle) String() string {
	if h == nil {
		return ""
	}
	return string(h.plaintext)
}

// Zero overwrites the secret's backing buffer. Idempotent and nil-safe so it
// can be deferred unconditionally from every stage that might hold one.
func (h *secretHandle) Zero() {
	if h == nil {
		return
	}
	for i := range h.plaintext {
		h.plaintext[i] = 0
	}
}
