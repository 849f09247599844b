package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
	"github.com/sujan174/Ai-Link-sub000/pkg/kvs"
	"github.com/sujan174/Ai-Link-sub000/pkg/observability"
	"github.com/sujan174/Ai-Link-sub000/pkg/policy"
)

// ActionExecutor runs the policy actions the engine's Evaluate deliberately
// leaves as no-ops (RateLimit, Throttle, Log, Webhook, ValidateSchema,
// ContentFilter, ExternalGuardrail, Split), since those need a live KVS
// connection, an outbound HTTP client, or the wire body — none of which the
// policy package itself holds. The orchestrator calls Run once per phase
// after policy.Engine.Evaluate returns, walking the same matched rules the
// engine already found.
type ActionExecutor struct {
	kv   kvs.Store
	http *http.Client
	log  *slog.Logger

	schemaMu    sync.Mutex
	schemaCache map[string]*jsonschema.Schema

	wasmScanners map[string]*policy.WasmScanner
}

// NewActionExecutor wires a KVS client and an outbound HTTP client (used for
// Webhook and ExternalGuardrail) into an executor.
func NewActionExecutor(kv kvs.Store, httpClient *http.Client, log *slog.Logger) *ActionExecutor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &ActionExecutor{
		kv:          kv,
		http:        httpClient,
		log:         log,
		schemaCache: make(map[string]*jsonschema.Schema),
	}
}

// WithWasmModule registers a compiled content-filter module under name so
// ContentFilterAction.WasmModule can reference it. Returns the executor for
// chaining at startup wiring time.
func (ax *ActionExecutor) WithWasmModule(name string, scanner *policy.WasmScanner) *ActionExecutor {
	if ax.wasmScanners == nil {
		ax.wasmScanners = make(map[string]*policy.WasmScanner)
	}
	ax.wasmScanners[name] = scanner
	return ax
}

// Run executes every deferred action attached to the rules the engine
// matched in this phase, in rule order, stopping at the first one that
// produces a terminal AILinkError (a schema/content-filter/guardrail
// rejection configured to deny, or an exhausted rate limit).
func (ax *ActionExecutor) Run(ctx context.Context, policies []*contracts.Policy, v *policy.Verdict, phase contracts.Phase, facet policy.Facet) *AILinkError {
	matched := make(map[string]bool, len(v.MatchedRules))
	for _, id := range v.MatchedRules {
		matched[id] = true
	}

	for _, pol := range policies {
		if pol.Disabled {
			continue
		}
		for _, rule := range pol.Rules {
			rulePhase := rule.Phase
			if rulePhase == "" {
				rulePhase = pol.Phase
			}
			if rulePhase != phase || !matched[rule.ID] {
				continue
			}
			for _, action := range rule.Actions {
				if err := ax.runOne(ctx, action, facet); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (ax *ActionExecutor) runOne(ctx context.Context, action *contracts.Action, facet policy.Facet) *AILinkError {
	switch action.Kind {
	case contracts.ActionRateLimit:
		return ax.rateLimit(ctx, action.RateLimit, facet)
	case contracts.ActionThrottle:
		return ax.throttle(ctx, action.Throttle)
	case contracts.ActionLog:
		ax.logAction(action.Log)
		return nil
	case contracts.ActionWebhook:
		return ax.webhook(ctx, action.Webhook, facet)
	case contracts.ActionValidateSchema:
		return ax.validateSchema(ctx, action.ValidateSchema, facet)
	case contracts.ActionContentFilter:
		return ax.contentFilter(ctx, action.ContentFilter, facet)
	case contracts.ActionExternalGuardrail:
		return ax.externalGuardrail(ctx, action.ExternalGuardrail, facet)
	case contracts.ActionSplit:
		ax.split(ctx, action.Split, facet)
		return nil
	default:
		// Deny/Allow/RequireApproval/Redact/Transform/Override/Tag/ToolScope
		// are handled inside the policy engine itself; DynamicRoute/
		// ConditionalRoute are only recorded there and do not change the
		// upstream. Nothing to do here.
		return nil
	}
}

// rateLimit keys the bucket off whatever facet path the action names (e.g.
// "token.id", "context.ip", "agent.name"), admitting at most a.Max requests
// per a.Window.
func (ax *ActionExecutor) rateLimit(ctx context.Context, a *contracts.RateLimitAction, facet policy.Facet) *AILinkError {
	if a == nil || ax.kv == nil {
		return nil
	}
	val, ok := policy.LookupPath(facet, a.Key)
	if !ok {
		val = "unknown"
	}
	key := fmt.Sprintf("ratelimit:%s:%v", a.Key, val)
	window := a.Window
	if window <= 0 {
		window = time.Minute
	}
	max := int64(a.Max)
	if max <= 0 {
		max = 1
	}
	admitted, _, remaining, err := ax.kv.IncrementIfUnder(ctx, key, window, max)
	if err != nil {
		return NewError(ErrInternalError, "rate limit check failed", err)
	}
	if !admitted {
		return NewRetryableError(ErrRateLimited, "", nil, int(remaining.Seconds())+1)
	}
	return nil
}

func (ax *ActionExecutor) throttle(ctx context.Context, a *contracts.ThrottleAction) *AILinkError {
	if a == nil || a.DelayMs <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(a.DelayMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return NewError(ErrInternalError, "request cancelled during throttle", ctx.Err())
	case <-t.C:
		return nil
	}
}

func (ax *ActionExecutor) logAction(a *contracts.LogAction) {
	if a == nil || ax.log == nil {
		return
	}
	ax.log.Log(context.Background(), logLevel(a.Level), a.Message, "source", "policy_log_action")
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// webhook fires a best-effort POST of the facet to a.URL. FireAndForget
// detaches it onto its own goroutine with an independent timeout; otherwise
// the caller blocks and OnFail decides whether a delivery failure is
// escalated to a pipeline error.
func (ax *ActionExecutor) webhook(ctx context.Context, a *contracts.WebhookAction, facet policy.Facet) *AILinkError {
	if a == nil || a.URL == "" {
		return nil
	}
	body, err := json.Marshal(facet)
	if err != nil {
		return nil
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	send := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := ax.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s returned %d", a.URL, resp.StatusCode)
		}
		return nil
	}

	if a.FireAndForget {
		go func() {
			fireCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := send(fireCtx); err != nil && ax.log != nil {
				ax.log.Warn("webhook delivery failed", "url", a.URL, "error", err)
			}
		}()
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := send(sendCtx); err != nil {
		switch a.OnFail {
		case "deny":
			return NewError(ErrPolicyDenied, "webhook delivery required and failed", err)
		case "log":
			if ax.log != nil {
				ax.log.Warn("webhook delivery failed", "url", a.URL, "error", err)
			}
		}
	}
	return nil
}

// validateSchema compiles (and caches, by schema text) a JSON Schema and
// validates the facet value at Path against it, grounded on the same
// santhosh-tekuri/jsonschema/v5 compile-then-Validate sequence the upstream
// tool firewall uses for tool-call parameters.
func (ax *ActionExecutor) validateSchema(ctx context.Context, a *contracts.ValidateSchemaAction, facet policy.Facet) *AILinkError {
	if a == nil {
		return nil
	}
	schema, err := ax.compiledSchema(a.Schema)
	if err != nil {
		return NewError(ErrInternalError, "schema compile failed", err)
	}
	val, ok := policy.LookupPath(facet, a.Path)
	if !ok {
		observability.AddSpanEvent(ctx, "guardrail.checked", observability.GuardrailOperation("schema", a.Path, false)...)
		return NewError(ErrValidationError, "required field missing: "+a.Path, nil)
	}
	if err := schema.Validate(val); err != nil {
		observability.AddSpanEvent(ctx, "guardrail.checked", observability.GuardrailOperation("schema", a.Path, false)...)
		return NewError(ErrValidationError, "schema validation failed for "+a.Path, err)
	}
	observability.AddSpanEvent(ctx, "guardrail.checked", observability.GuardrailOperation("schema", a.Path, true)...)
	return nil
}

func (ax *ActionExecutor) compiledSchema(raw string) (*jsonschema.Schema, error) {
	ax.schemaMu.Lock()
	defer ax.schemaMu.Unlock()
	if s, ok := ax.schemaCache[raw]; ok {
		return s, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("mem://ailink/policy/schema/%x.json", schemaDigest(raw))
	if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	ax.schemaCache[raw] = compiled
	return compiled, nil
}

// cannedPatterns maps the named content categories spec §4.4 lists
// (jailbreak, harmful, PII) to built-in regexes; any Patterns entry that
// doesn't match a name here is compiled as a literal regex instead.
var cannedPatterns = map[string]*regexp.Regexp{
	"ssn":          regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"email":        regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`),
	"credit_card":  regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
	"api_key":      regexp.MustCompile(`\b(sk|pk|ailink)_[A-Za-z0-9_-]{16,}\b`),
	"jailbreak":    regexp.MustCompile(`(?i)\b(ignore (all|previous) instructions|disregard (your|the) (system|prior) prompt|you are now (dan|unrestricted))\b`),
	"harmful":      regexp.MustCompile(`(?i)\b(how to (build|make) a (bomb|weapon)|synthesize (a )?nerve agent)\b`),
}

func (ax *ActionExecutor) contentFilter(ctx context.Context, a *contracts.ContentFilterAction, facet policy.Facet) *AILinkError {
	if a == nil {
		return nil
	}
	val, ok := policy.LookupPath(facet, a.Path)
	if !ok {
		return nil
	}
	text := toText(val)
	if text == "" {
		return nil
	}

	var matches []string
	for _, p := range a.Patterns {
		re := cannedPatterns[p]
		if re == nil {
			compiled, err := regexp.Compile(p)
			if err != nil {
				continue
			}
			re = compiled
		}
		if re.MatchString(text) {
			matches = append(matches, p)
		}
	}

	if a.WasmModule != "" {
		if scanner, ok := ax.wasmScanners[a.WasmModule]; ok {
			verdict, err := scanner.Scan(ctx, text)
			if err != nil {
				if ax.log != nil {
					ax.log.Warn("wasm content-filter module failed, skipping its verdict", "module", a.WasmModule, "error", err)
				}
			} else if verdict.Flagged {
				matches = append(matches, "wasm:"+verdict.Reason)
			}
		}
	}

	if len(matches) == 0 {
		observability.AddSpanEvent(ctx, "guardrail.checked", observability.GuardrailOperation("content_filter", a.Path, true)...)
		return nil
	}
	observability.AddSpanEvent(ctx, "guardrail.checked",
		observability.GuardrailOperation("content_filter", strings.Join(matches, ","), false)...)

	switch a.OnMatch {
	case "deny":
		return NewError(ErrContentBlocked, "content matched: "+strings.Join(matches, ","), nil)
	case "log":
		if ax.log != nil {
			ax.log.Warn("content filter match", "path", a.Path, "patterns", matches)
		}
	default: // "redact" is applied by the orchestrator's sanitize stage, not here
	}
	return nil
}

func toText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// externalGuardrailResponse is the vendor contract: a numeric risk score the
// caller compares against Threshold.
type externalGuardrailResponse struct {
	Score float64 `json:"score"`
}

func (ax *ActionExecutor) externalGuardrail(ctx context.Context, a *contracts.ExternalGuardrailAction, facet policy.Facet) *AILinkError {
	if a == nil || a.URL == "" {
		return nil
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, _ := json.Marshal(facet)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return ax.guardrailFailure(a, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ax.http.Do(req)
	if err != nil {
		return ax.guardrailFailure(a, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return ax.guardrailFailure(a, fmt.Errorf("guardrail %s returned %d", a.Vendor, resp.StatusCode))
	}

	var out externalGuardrailResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ax.guardrailFailure(a, err)
	}
	if out.Score >= a.Threshold {
		return NewError(ErrContentBlocked, "external guardrail "+a.Vendor+" flagged this request", nil)
	}
	return nil
}

func (ax *ActionExecutor) guardrailFailure(a *contracts.ExternalGuardrailAction, cause error) *AILinkError {
	if a.OnError == "allow" {
		if ax.log != nil {
			ax.log.Warn("external guardrail unreachable, failing open", "vendor", a.Vendor, "error", cause)
		}
		return nil
	}
	return NewError(ErrUpstreamError, "external guardrail "+a.Vendor+" unreachable", cause)
}

// split fires a best-effort, fire-and-forget duplicate of the facet's
// recorded request to every shadow upstream for comparison/canary purposes.
// The primary upstream is left to the orchestrator's normal candidate
// selection; split never affects which upstream actually serves the client.
func (ax *ActionExecutor) split(ctx context.Context, a *contracts.SplitAction, facet policy.Facet) {
	if a == nil || len(a.ShadowUpstreams) == 0 {
		return
	}
	body, err := json.Marshal(facet)
	if err != nil {
		return
	}
	for _, shadowURL := range a.ShadowUpstreams {
		shadowURL := shadowURL
		go func() {
			shadowCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(shadowCtx, http.MethodPost, shadowURL, bytes.NewReader(body))
			if err != nil {
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := ax.http.Do(req)
			if err != nil {
				if ax.log != nil {
					ax.log.Debug("shadow traffic delivery failed", "url", shadowURL, "error", err)
				}
				return
			}
			resp.Body.Close()
		}()
	}
}

func schemaDigest(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
