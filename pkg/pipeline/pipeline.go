// Package pipeline implements the C11 orchestrator: the single stage
// sequence every inbound agent request walks through, from header parsing
// to audit finalization, per spec §4.9:
//
//	ingress-parse -> auth-extract -> resolve-bundle -> session-gate ->
//	facet-build(pre) -> policy-eval(pre) -> credential-decrypt ->
//	translator-request -> dispatcher(+CB+retry) -> translator-response ->
//	facet-extend(post) -> policy-eval(post) -> sanitize -> egress-write ->
//	audit-finalize
//
// Every stage returns Continue, Short-circuit(Response), or Error; nothing
// about a request's progress is held outside the RequestContext the
// Orchestrator threads through the whole sequence.
package pipeline

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sujan174/Ai-Link-sub000/pkg/approval"
	"github.com/sujan174/Ai-Link-sub000/pkg/audit"
	"github.com/sujan174/Ai-Link-sub000/pkg/auth"
	"github.com/sujan174/Ai-Link-sub000/pkg/breaker"
	"github.com/sujan174/Ai-Link-sub000/pkg/cache"
	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
	"github.com/sujan174/Ai-Link-sub000/pkg/dispatch"
	"github.com/sujan174/Ai-Link-sub000/pkg/kvs"
	"github.com/sujan174/Ai-Link-sub000/pkg/observability"
	"github.com/sujan174/Ai-Link-sub000/pkg/policy"
	"github.com/sujan174/Ai-Link-sub000/pkg/translate"
	"github.com/sujan174/Ai-Link-sub000/pkg/vault"
)

// SessionStore is the slice of pkg/pstore the orchestrator needs for
// session-gate: loading and updating the multi-turn agent run a request
// belongs to. Satisfied by *pstore.Store.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*contracts.Session, error)
	SaveSession(ctx context.Context, sess *contracts.Session) error
	IncrementIteration(ctx context.Context, id string) (int64, error)
}

// Orchestrator wires every C-numbered component the spec names into the
// one stage sequence that serves a request. It holds no per-request state;
// everything mutable lives on the RequestContext built for that call.
//
//nolint:govet // fieldalignment: struct layout kept readable
type Orchestrator struct {
	Cache     *cache.Cache
	Policy    *policy.Engine
	Actions   *ActionExecutor
	Vault     vault.Manager
	Translate *translate.Registry
	Dispatch  *dispatch.Dispatcher
	Breaker   *breaker.Breaker
	Approval  *approval.Manager
	Audit     *audit.Writer
	KV        kvs.Store
	Sessions  SessionStore

	// Timeline and SLO are optional operator-console instrumentation: when
	// set, every completed request is recorded to both in addition to the
	// durable audit writer above.
	Timeline *observability.AuditTimeline
	SLO      *observability.SLOTracker

	DispatchTimeout time.Duration
	MaxBodyBytes    int64

	// ApprovalHoldWindow bounds how long a request suspends synchronously
	// on awaitApproval before detaching to the spec §6/§7 202 contract; the
	// approval itself keeps waiting in the background on whatever budget
	// RequireApprovalAction.TimeoutSeconds gave it.
	ApprovalHoldWindow time.Duration

	Log *slog.Logger
}

const sloOperationRequest = "pipeline_request"

// Handle runs the full stage sequence for one HTTP request and writes the
// outcome directly to w. It never returns an error to its own caller; every
// failure run returns is rendered onto w by writeError and then audited
// (pkg/api's handler just calls this and returns).
func (o *Orchestrator) Handle(w http.ResponseWriter, r *http.Request) {
	rc := &RequestContext{
		RequestID: uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	rc.TraceID, rc.SpanID = newTraceContext()

	if aerr := o.run(w, r, rc); aerr != nil {
		o.writeError(w, rc, aerr)
		o.auditError(rc, aerr)
		return
	}
}

// run executes every stage through egress-write, returning the first
// terminal error (if any). A nil return means the response has already
// been written to w by the egress-write stage below.
func (o *Orchestrator) run(w http.ResponseWriter, r *http.Request, rc *RequestContext) *AILinkError {
	ctx := r.Context()

	// ingress-parse
	body, err := io.ReadAll(io.LimitReader(r.Body, o.maxBody()))
	if err != nil {
		return NewError(ErrInternalError, "failed to read request body", err)
	}
	rc.HTTPRequest = r
	rc.RawBody = body
	rc.RequestProvider = contracts.ProviderOpenAI

	// auth-extract
	identity, err := auth.Extract(r)
	if err != nil {
		return NewError(ErrUnknownToken, "missing or malformed bearer token", err)
	}
	rc.Identity = identity

	// resolve-bundle
	bundle, err := o.Cache.Resolve(ctx, identity.VirtualToken)
	if err != nil {
		switch err {
		case cache.ErrUnknownToken:
			return NewError(ErrUnknownToken, "", err)
		case cache.ErrInactiveToken:
			return NewError(ErrAccessDenied, "token is inactive, expired, or revoked", err)
		default:
			return NewError(ErrInternalError, "bundle resolution failed", err)
		}
	}
	if bundle == nil {
		return NewError(ErrUnknownToken, "", nil)
	}
	rc.Bundle = bundle
	rc.TenantID = bundle.Token.TenantID
	rc.Upstreams = resolveUpstreams(bundle.Token)
	rc.CBConfig = bundle.Token.CircuitBreaker.WithDefaults()

	// session-gate
	if identity.SessionID != "" {
		sess, err := o.sessionGate(ctx, identity.SessionID, bundle.Token)
		if err != nil {
			return err
		}
		rc.Session = sess
	}

	// facet-build(pre)
	rc.PreFacet = rc.buildPreFacet()

	// policy-eval(pre)
	if aerr := o.evaluatePolicy(ctx, rc, contracts.PhasePreRequest); aerr != nil {
		return aerr
	}

	// credential-decrypt
	if aerr := o.decryptCredential(ctx, rc); aerr != nil {
		return aerr
	}
	defer rc.Secret.Zero()

	// translator-request
	if aerr := o.translateRequest(rc); aerr != nil {
		return aerr
	}

	// dispatcher(+CB+retry)
	resp, aerr := o.dispatch(ctx, rc)
	if aerr != nil {
		return aerr
	}
	defer resp.Body.Close()

	if rc.Envelope.Stream {
		return o.runStream(ctx, w, rc, resp)
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(ErrUpstreamError, "failed to read upstream response", err)
	}
	rc.UpstreamStatus = resp.StatusCode
	rc.UpstreamHeader = resp.Header
	rc.UpstreamLatency = resp.LatencyMs
	rc.UpstreamURL = resp.Upstream
	rc.Attempts = resp.Attempts

	// translator-response
	translated, aerr := o.translateResponse(rc, responseBody)
	if aerr != nil {
		return aerr
	}
	rc.ResponseBody = translated

	// facet-extend(post)
	rc.PostFacet = rc.extendPostFacet()

	// policy-eval(post)
	if aerr := o.evaluatePolicy(ctx, rc, contracts.PhasePostResponse); aerr != nil {
		return aerr
	}

	// sanitize
	o.sanitize(rc)

	// egress-write
	o.writeResponse(w, rc)

	// audit-finalize
	o.auditSuccess(rc)
	rc.Disposition = "ok"
	return nil
}

func (o *Orchestrator) maxBody() int64 {
	if o.MaxBodyBytes > 0 {
		return o.MaxBodyBytes
	}
	return 10 << 20 // 10 MiB
}

func (o *Orchestrator) dispatchTimeout() time.Duration {
	if o.DispatchTimeout > 0 {
		return o.DispatchTimeout
	}
	return 60 * time.Second
}

func (o *Orchestrator) holdWindow() time.Duration {
	if o.ApprovalHoldWindow > 0 {
		return o.ApprovalHoldWindow
	}
	return 25 * time.Second
}

// resolveUpstreams builds the dispatcher's candidate list from a token's
// configured upstreams, falling back to its single default upstream.
func resolveUpstreams(t *contracts.VirtualToken) []contracts.Upstream {
	if len(t.Upstreams) > 0 {
		return t.Upstreams
	}
	if t.DefaultUpstream != "" {
		return []contracts.Upstream{{URL: t.DefaultUpstream, Weight: 1, Priority: 0}}
	}
	return nil
}

func (o *Orchestrator) sessionGate(ctx context.Context, sessionID string, tok *contracts.VirtualToken) (*contracts.Session, *AILinkError) {
	sess, err := o.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, NewError(ErrInternalError, "session lookup failed", err)
	}
	now := time.Now().UTC()
	if sess == nil {
		sess = &contracts.Session{
			ID:        sessionID,
			TenantID:  tok.TenantID,
			TokenID:   tok.ID,
			Status:    contracts.SessionActive,
			StartedAt: now,
			LastSeenAt: now,
		}
		if err := o.Sessions.SaveSession(ctx, sess); err != nil {
			return nil, NewError(ErrInternalError, "session create failed", err)
		}
		return sess, nil
	}
	if !sess.AdmitsRequests(now) {
		observability.AddSpanEvent(ctx, "session.rejected",
			observability.SessionOperation(sess.ID, string(sess.Status), sess.IterationCount)...)
		return nil, NewError(ErrAccessDenied, "session has exceeded its iteration, wallclock, or spend budget", nil)
	}
	iteration, err := o.Sessions.IncrementIteration(ctx, sessionID)
	if err != nil {
		return nil, NewError(ErrInternalError, "session iteration increment failed", err)
	}
	observability.AddSpanEvent(ctx, "session.admitted",
		observability.SessionOperation(sess.ID, string(sess.Status), iteration)...)
	return sess, nil
}

// evaluatePolicy runs the engine for phase, executes the deferred actions
// it matched, and — if a RequireApprovalAction fired — suspends the
// request on the approval bus before returning.
func (o *Orchestrator) evaluatePolicy(ctx context.Context, rc *RequestContext, phase contracts.Phase) *AILinkError {
	facet := rc.PreFacet
	if phase == contracts.PhasePostResponse {
		facet = rc.PostFacet
	}

	start := time.Now()
	verdict, err := o.Policy.Evaluate(phase, rc.Bundle.Policies, facet)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return NewError(ErrInternalError, "policy evaluation failed", err)
	}
	observability.AddSpanEvent(ctx, "policy.evaluated",
		observability.PolicyOperation(rc.Bundle.Token.ID, string(phase), string(verdict.Decision), latencyMs)...)

	if phase == contracts.PhasePreRequest {
		rc.PreVerdict = verdict
	} else {
		rc.PostVerdict = verdict
	}

	if verdict.Decision == contracts.VerdictDeny {
		kind := ErrPolicyDenied
		return NewError(kind, verdict.DenyReason, nil)
	}

	if verdict.PendingApproval != nil && phase == contracts.PhasePreRequest {
		if aerr := o.awaitApproval(ctx, rc, verdict); aerr != nil {
			return aerr
		}
	}

	if o.Actions != nil {
		if aerr := o.Actions.Run(ctx, rc.Bundle.Policies, verdict, phase, facet); aerr != nil {
			return aerr
		}
	}

	applyMutations(ctx, rc.Bundle.Token.ID, facet, verdict)
	if len(verdict.Overrides)+len(verdict.Transforms)+len(verdict.Redactions) > 0 {
		section, wire := "request", &rc.RawBody
		if phase == contracts.PhasePostResponse {
			section, wire = "response", &rc.ResponseBody
		}
		if sec, ok := facet[section].(map[string]any); ok && sec["body"] != nil {
			if b, merr := json.Marshal(sec["body"]); merr == nil {
				*wire = b
			}
		}
	}
	return nil
}

// applyMutations writes Redact/Transform/Override PathMutations onto the
// facet. evaluatePolicy then re-encodes the facet's "request" or "response"
// body into rc.RawBody or rc.ResponseBody, which translator-request and
// egress-write send on, so the mutated value reaches the wire.
func applyMutations(ctx context.Context, tokenID string, facet policy.Facet, v *policy.Verdict) {
	for _, m := range v.Overrides {
		setPath(facet, m.Path, m.Value)
		observability.AddSpanEvent(ctx, "policy.mutation", observability.MutationOperation(tokenID, "override", m.Path)...)
	}
	for _, m := range v.Transforms {
		setPath(facet, m.Path, m.Value)
		observability.AddSpanEvent(ctx, "policy.mutation", observability.MutationOperation(tokenID, "transform", m.Path)...)
	}
	for _, m := range v.Redactions {
		setPath(facet, m.Path, m.Value)
		observability.AddSpanEvent(ctx, "policy.mutation", observability.MutationOperation(tokenID, "redact", m.Path)...)
	}
}

func setPath(facet policy.Facet, dotted string, value any) {
	segments := strings.Split(dotted, ".")
	if len(segments) == 0 {
		return
	}
	var cur any = map[string]any(facet)
	for i, seg := range segments {
		node, ok := cur.(map[string]any)
		if !ok {
			return
		}
		if i == len(segments)-1 {
			node[seg] = value
			return
		}
		next, ok := node[seg]
		if !ok {
			return
		}
		cur = next
	}
}

func (o *Orchestrator) awaitApproval(ctx context.Context, rc *RequestContext, v *policy.Verdict) *AILinkError {
	action := v.PendingApproval.RequireApproval
	if action == nil {
		return nil
	}
	req := &contracts.ApprovalRequest{
		ApprovalID:     uuid.NewString(),
		IntentHash:     intentHash(rc),
		TenantID:       rc.TenantID,
		TokenID:        rc.Bundle.Token.ID,
		SessionID:      rc.Identity.SessionID,
		ApproverRoles:  action.ApproverRoles,
		RequestSummary: summarize(rc),
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      time.Now().UTC().Add(time.Duration(action.TimeoutSeconds) * time.Second),
		OnTimeout:      action.OnTimeout,
		Status:         contracts.ApprovalPending,
	}

	raised, err := o.Approval.Raise(ctx, req)
	if err != nil {
		return NewError(ErrInternalError, "approval raise failed", err)
	}

	// Hold the request open for a bounded window; a decision inside that
	// window resolves synchronously, per S5. A decision still pending once
	// the window elapses detaches into the spec §6/§7 202 contract instead
	// of blocking the connection for the action's full timeout.
	holdCtx, cancel := context.WithTimeout(ctx, o.holdWindow())
	defer cancel()

	resolved, err := o.Approval.Await(holdCtx, raised)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return NewApprovalPendingError(raised.ApprovalID, raised.ExpiresAt)
		}
		return NewError(ErrApprovalTimeout, "approval wait failed", err)
	}

	switch resolved.Status {
	case contracts.ApprovalApproved:
		return nil
	case contracts.ApprovalExpired:
		return NewError(ErrApprovalTimeout, "", nil)
	default:
		return NewError(ErrAccessDenied, "approval denied", nil)
	}
}

func intentHash(rc *RequestContext) string {
	sum := sha256sum(rc.RawBody, []byte(rc.Identity.VirtualToken), []byte(rc.HTTPRequest.URL.Path))
	return hex.EncodeToString(sum)
}

func summarize(rc *RequestContext) string {
	return fmt.Sprintf("%s %s by %s", rc.HTTPRequest.Method, rc.HTTPRequest.URL.Path, rc.Identity.AgentName)
}

func (o *Orchestrator) decryptCredential(ctx context.Context, rc *RequestContext) *AILinkError {
	cred := rc.Bundle.Credential
	if cred == nil {
		if rc.Identity.BYOKSecret != "" {
			rc.Secret = newSecretHandle(rc.Identity.BYOKSecret)
			return nil
		}
		return NewError(ErrAccessDenied, "token has no linked credential and no BYOK key was supplied", nil)
	}
	sealed, err := vault.DecodeSealedSecret(cred.EncryptedSecret)
	if err != nil {
		return NewError(ErrInternalError, "stored credential is malformed", err)
	}
	plaintext, err := o.Vault.Open(sealed)
	if err != nil {
		observability.AddSpanEvent(ctx, "vault.open",
			observability.CryptoOperation("aes-256-gcm", "open", fmt.Sprint(sealed.KEKVersion))...)
		return NewError(ErrInternalError, "credential decrypt failed", err)
	}
	observability.AddSpanEvent(ctx, "vault.open",
		observability.CryptoOperation("aes-256-gcm", "open", fmt.Sprint(sealed.KEKVersion))...)
	rc.Secret = newSecretHandle(plaintext)
	return nil
}

func (o *Orchestrator) translateRequest(rc *RequestContext) *AILinkError {
	var envelope translate.ChatRequest
	if err := json.Unmarshal(rc.RawBody, &envelope); err != nil {
		return NewError(ErrValidationError, "request body is not valid JSON", err)
	}
	rc.Envelope = &envelope
	rc.UpstreamProvider = detectProvider(envelope.Model)

	if rc.UpstreamProvider == rc.RequestProvider {
		rc.UpstreamPath = rc.HTTPRequest.URL.Path
		rc.UpstreamBody = rc.RawBody
		return nil
	}

	path, out, err := o.Translate.Translate(rc.RequestProvider, rc.UpstreamProvider, rc.RawBody)
	if err != nil {
		return NewError(ErrInternalError, "request translation failed", err)
	}
	rc.UpstreamPath = path
	rc.UpstreamBody = out
	return nil
}

// detectProvider maps a client-supplied model name to its upstream
// provider family by prefix, per spec §4.6: "claude-*" is Anthropic,
// "gemini-*" is Gemini, everything else is routed to OpenAI.
func detectProvider(model string) contracts.ProviderType {
	switch {
	case strings.HasPrefix(model, "claude-"):
		return contracts.ProviderAnthropic
	case strings.HasPrefix(model, "gemini-"):
		return contracts.ProviderGemini
	default:
		return contracts.ProviderOpenAI
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, rc *RequestContext) (*dispatch.Response, *AILinkError) {
	body := rc.UpstreamBody
	secret := dispatch.NewSecret(rc.Secret.String())
	defer secret.Zero()
	req := &dispatch.Request{
		TokenID:    rc.Bundle.Token.ID,
		Method:     rc.HTTPRequest.Method,
		Path:       rc.UpstreamPath,
		Header:     cloneInjectableHeaders(rc.HTTPRequest.Header),
		Body:       bodyFunc(body),
		Credential: rc.Bundle.Credential,
		Secret:     secret,
		Candidates: rc.Upstreams,
		CBConfig:   rc.CBConfig,
		Timeout:    o.dispatchTimeout(),
	}
	if pol := firstRetryConfig(rc.Bundle.Policies); pol != nil {
		req.Retry = pol
	}

	resp, err := o.Dispatch.Do(ctx, req)
	if err != nil {
		if allOpen, ok := err.(*breaker.ErrAllUpstreamsOpen); ok {
			rc.CBStateSeen = contracts.CBOpen
			observability.AddSpanEvent(ctx, "breaker.all_open",
				observability.BreakerOperation(rc.Bundle.Token.ID, string(contracts.CBOpen))...)
			return nil, NewRetryableError(ErrUpstreamAllOpen, "", err, int(allOpen.RetryAfter.Seconds())+1)
		}
		return nil, NewError(ErrUpstreamError, "dispatch failed", err)
	}
	rc.CBStateSeen = o.Breaker.Health(rc.Bundle.Token.ID, resp.Upstream).State
	observability.AddSpanEvent(ctx, "breaker.dispatched",
		observability.BreakerOperation(resp.Upstream, string(rc.CBStateSeen))...)
	return resp, nil
}

func firstRetryConfig(policies []*contracts.Policy) *contracts.RetryConfig {
	for _, p := range policies {
		if p.RetryConfig != nil {
			return p.RetryConfig
		}
	}
	return nil
}

func bodyFunc(body []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(string(body))), nil
	}
}

func cloneInjectableHeaders(h http.Header) http.Header {
	out := make(http.Header, 2)
	if ct := h.Get("Content-Type"); ct != "" {
		out.Set("Content-Type", ct)
	} else {
		out.Set("Content-Type", "application/json")
	}
	if accept := h.Get("Accept"); accept != "" {
		out.Set("Accept", accept)
	}
	return out
}

func (o *Orchestrator) translateResponse(rc *RequestContext, upstreamBody []byte) ([]byte, *AILinkError) {
	if rc.UpstreamProvider == rc.RequestProvider {
		return upstreamBody, nil
	}
	out, err := o.Translate.TranslateResponse(rc.UpstreamProvider, rc.RequestProvider, upstreamBody)
	if err != nil {
		return nil, NewError(ErrInternalError, "response translation failed", err)
	}
	return out, nil
}

// runStream serves a stream:true request as an event-at-a-time SSE pipeline
// instead of buffering the upstream body, per spec §4.6/§4.7/§9: headers
// flush immediately, each decoded event is pushed to the client as it
// arrives, and a mid-stream upstream failure is surfaced as a synthetic SSE
// error event rather than left to hang the connection.
func (o *Orchestrator) runStream(ctx context.Context, w http.ResponseWriter, rc *RequestContext, resp *dispatch.Response) *AILinkError {
	rc.Streaming = true
	rc.UpstreamStatus = resp.StatusCode
	rc.UpstreamHeader = resp.Header
	rc.UpstreamLatency = resp.LatencyMs
	rc.UpstreamURL = resp.Upstream
	rc.Attempts = resp.Attempts

	flusher, ok := w.(http.Flusher)
	if !ok {
		return NewError(ErrInternalError, "response writer does not support streaming", nil)
	}
	srcCodec, err := o.Translate.Codec(rc.UpstreamProvider)
	if err != nil {
		return NewError(ErrInternalError, "no codec for upstream provider", err)
	}
	dstCodec, err := o.Translate.Codec(rc.RequestProvider)
	if err != nil {
		return NewError(ErrInternalError, "no codec for request provider", err)
	}
	decoder := srcCodec.NewStreamDecoder()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-AILink-Request-Id", rc.RequestID)
	w.Header().Set("X-AILink-Upstream", rc.UpstreamURL)
	w.Header().Set("X-AILink-CB-State", string(rc.CBStateSeen))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var textBuf strings.Builder
	var finishReason string
	var usage *translate.Usage
	buf := make([]byte, 4096)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			events, decErr := decoder.Feed(buf[:n])
			if decErr != nil {
				return o.writeStreamError(w, flusher, rc, NewError(ErrUpstreamError, "stream decode failed", decErr))
			}
			for _, ev := range events {
				if aerr := o.evaluateStreamEventPolicy(rc, &ev); aerr != nil {
					return o.writeStreamError(w, flusher, rc, aerr)
				}
				if ev.DeltaText != "" {
					textBuf.WriteString(ev.DeltaText)
				}
				if ev.FinishReason != "" {
					finishReason = ev.FinishReason
				}
				if ev.Usage != nil {
					usage = ev.Usage
				}
				out, encErr := dstCodec.EncodeStreamEvent(ev)
				if encErr != nil {
					return o.writeStreamError(w, flusher, rc, NewError(ErrInternalError, "stream encode failed", encErr))
				}
				if len(out) == 0 {
					continue
				}
				if _, werr := w.Write(out); werr != nil {
					rc.Disposition = "client_cancel"
					return nil
				}
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return o.writeStreamError(w, flusher, rc, NewError(ErrUpstreamError, "stream read failed", readErr))
		}
	}

	rc.ChatResponse = &translate.ChatResponse{
		Model:        rc.Envelope.Model,
		Message:      translate.Message{Role: translate.RoleAssistant, Content: []translate.ContentPart{{Type: "text", Text: textBuf.String()}}},
		FinishReason: finishReason,
	}
	if usage != nil {
		rc.ChatResponse.Usage = *usage
	}
	respJSON, merr := json.Marshal(rc.ChatResponse)
	if merr == nil {
		rc.ResponseBody = respJSON
	}
	rc.PostFacet = rc.extendPostFacet()
	o.sanitize(rc)
	o.auditSuccess(rc)
	rc.Disposition = "ok"
	return nil
}

// writeStreamError emits a synthetic SSE "error" event on a stream whose
// headers have already been flushed, per spec §7, then audits the partial
// outcome and closes cleanly. It always returns nil: once the 200 and SSE
// headers are on the wire there is no status code left to change.
func (o *Orchestrator) writeStreamError(w http.ResponseWriter, flusher http.Flusher, rc *RequestContext, aerr *AILinkError) *AILinkError {
	payload, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"kind":    aerr.Kind,
			"message": aerr.Message,
		},
	})
	_, _ = w.Write([]byte("event: error\ndata: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
	o.auditError(rc, aerr)
	rc.Disposition = "error"
	return nil
}

// evaluateStreamEventPolicy runs the post-phase policy engine against one
// decoded StreamEvent's delta text and applies the resulting redaction (and
// fires any matched Log action) in place, per spec §4.4: Redact/Log/Tag are
// the only actions meaningful at per-event granularity; RateLimit, Webhook,
// ValidateSchema and the rest only make sense against the full post-phase
// facet evaluated once the stream completes. A Deny verdict mid-stream is
// returned as a terminal error so the caller ends the stream with a
// synthetic error event.
func (o *Orchestrator) evaluateStreamEventPolicy(rc *RequestContext, ev *translate.StreamEvent) *AILinkError {
	if o.Policy == nil || ev.DeltaText == "" {
		return nil
	}
	facet := rc.streamEventFacet(*ev)
	verdict, err := o.Policy.Evaluate(contracts.PhasePostResponse, rc.Bundle.Policies, facet)
	if err != nil {
		return NewError(ErrInternalError, "stream policy evaluation failed", err)
	}
	if verdict.Decision == contracts.VerdictDeny {
		return NewError(ErrContentBlocked, verdict.DenyReason, nil)
	}
	for _, m := range verdict.Redactions {
		setPath(facet, m.Path, m.Value)
		rc.RedactionsApplied++
	}
	if redacted, ok := policy.LookupPath(facet, "response.body.delta"); ok {
		if s, ok := redacted.(string); ok {
			ev.DeltaText = s
		}
	}
	for _, pol := range rc.Bundle.Policies {
		if pol.Disabled {
			continue
		}
		for _, rule := range pol.Rules {
			if !containsID(verdict.MatchedRules, rule.ID) {
				continue
			}
			for _, action := range rule.Actions {
				if action.Kind == contracts.ActionLog && o.Actions != nil {
					o.Actions.logAction(action.Log)
				}
			}
		}
	}
	return nil
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// sanitize applies the redaction count the post-phase policy run computed
// and strips any upstream header that leaks provider-internal detail.
func (o *Orchestrator) sanitize(rc *RequestContext) {
	if rc.PostVerdict != nil {
		rc.RedactionsApplied = len(rc.PostVerdict.Redactions)
	}
	if rc.UpstreamHeader != nil {
		rc.UpstreamHeader.Del("Set-Cookie")
		rc.UpstreamHeader.Del("Server")
	}
}

func (o *Orchestrator) writeResponse(w http.ResponseWriter, rc *RequestContext) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-AILink-Request-Id", rc.RequestID)
	w.Header().Set("X-AILink-Upstream", rc.UpstreamURL)
	w.Header().Set("X-AILink-CB-State", string(rc.CBStateSeen))
	status := rc.UpstreamStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(rc.ResponseBody)
}

func (o *Orchestrator) writeError(w http.ResponseWriter, rc *RequestContext, aerr *AILinkError) {
	rc.Disposition = "error"
	w.Header().Set("X-AILink-Request-Id", rc.RequestID)
	w.Header().Set("X-AILink-CB-State", string(rc.CBStateSeen))

	if aerr.Kind == ErrApprovalPending {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"approval_id": aerr.ApprovalID,
			"expires_at":  aerr.ExpiresAt,
		})
		return
	}

	w.Header().Set("Content-Type", "application/problem+json")
	if aerr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", aerr.RetryAfter))
	}
	w.WriteHeader(aerr.Status())
	problem := map[string]any{
		"type":      "https://ailink.dev/errors/" + string(aerr.Kind),
		"title":     string(aerr.Kind),
		"status":    aerr.Status(),
		"detail":    aerr.Message,
		"requestId": rc.RequestID,
	}
	_ = json.NewEncoder(w).Encode(problem)
}

func (o *Orchestrator) auditSuccess(rc *RequestContext) {
	if o.Audit == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"method":       rc.HTTPRequest.Method,
		"path":         rc.HTTPRequest.URL.Path,
		"upstream":     rc.UpstreamURL,
		"status":       rc.UpstreamStatus,
		"latency_ms":   rc.UpstreamLatency,
		"attempts":     rc.Attempts,
		"redactions":   rc.RedactionsApplied,
	})
	o.Audit.Record(audit.Draft{
		EventType: contracts.AuditEventDispatch,
		TenantID:  rc.TenantID,
		SessionID: rc.Identity.SessionID,
		TokenID:   rc.Bundle.Token.ID,
		Subject:   rc.UpstreamURL,
		Payload:   json.RawMessage(payload),
	})
	o.recordTimeline(observability.EntryTypeDispatch, rc.TenantID, rc.RequestID,
		fmt.Sprintf("dispatched to %s (status %d)", rc.UpstreamURL, rc.UpstreamStatus))
	o.recordSLO(true, time.Since(rc.StartedAt))
}

func (o *Orchestrator) auditError(rc *RequestContext, aerr *AILinkError) {
	if o.Audit == nil {
		return
	}
	tenantID, tokenID, sessionID := "", "", ""
	if rc.Bundle != nil && rc.Bundle.Token != nil {
		tenantID = rc.Bundle.Token.TenantID
		tokenID = rc.Bundle.Token.ID
	}
	if rc.Identity != nil {
		sessionID = rc.Identity.SessionID
	}
	cause := ""
	if aerr.Cause != nil {
		cause = aerr.Cause.Error()
	}
	payload, _ := json.Marshal(map[string]any{
		"kind":    aerr.Kind,
		"message": aerr.Message,
		"cause":   cause,
	})
	o.Audit.Record(audit.Draft{
		EventType: contracts.AuditEventError,
		TenantID:  tenantID,
		SessionID: sessionID,
		TokenID:   tokenID,
		Subject:   string(aerr.Kind),
		Payload:   json.RawMessage(payload),
	})
	o.recordTimeline(observability.EntryTypeDispatch, tenantID, rc.RequestID,
		fmt.Sprintf("request failed: %s", aerr.Kind))
	o.recordSLO(false, time.Since(rc.StartedAt))
}

// recordTimeline appends an entry to the operator-console timeline, if one
// is configured. Best-effort: a marshal failure here must never fail the
// request it's describing.
func (o *Orchestrator) recordTimeline(entryType observability.TimelineEntryType, tenantID, requestID, summary string) {
	if o.Timeline == nil {
		return
	}
	_ = o.Timeline.Record(observability.TimelineEntry{
		EntryType: entryType,
		RequestID: requestID,
		TenantID:  tenantID,
		Summary:   summary,
	})
}

// recordSLO feeds one request's outcome into the pipeline_request SLO, if
// a tracker is configured.
func (o *Orchestrator) recordSLO(success bool, latency time.Duration) {
	if o.SLO == nil {
		return
	}
	o.SLO.Record(observability.SLOObservation{
		Operation: sloOperationRequest,
		Latency:   latency,
		Success:   success,
	})
}

// newTraceContext mints a random W3C-shaped trace/span id pair. Handle calls
// it for every request; an incoming trace context is not read.
func newTraceContext() (traceID, spanID string) {
	var t [16]byte
	var s [8]byte
	_, _ = rand.Read(t[:])
	_, _ = rand.Read(s[:])
	return hex.EncodeToString(t[:]), hex.EncodeToString(s[:])
}

func sha256sum(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
