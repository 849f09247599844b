package pipeline

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sujan174/Ai-Link-sub000/pkg/policy"
	"github.com/sujan174/Ai-Link-sub000/pkg/translate"
)

// headerCaser folds header names for facet lookup. Header names are ASCII
// per RFC 7230, but agent-supplied custom headers (X-Team, X-Région, etc.)
// can carry non-ASCII bytes a caller meant case-insensitively; cases.Lower
// folds those correctly where strings.ToLower only handles ASCII and a
// handful of simple Unicode mappings.
var headerCaser = cases.Lower(language.Und)

// buildPreFacet assembles the pre-phase request facet (spec §3's
// "request facet"): method, path, headers, parsed JSON body, agent/token/
// session identity, and context fields policy conditions navigate by dot
// path, e.g. "request.headers.x-team" or "usage.spend_today_usd".
func (rc *RequestContext) buildPreFacet() policy.Facet {
	headers := make(map[string]any, len(rc.HTTPRequest.Header))
	for k, v := range rc.HTTPRequest.Header {
		if len(v) > 0 {
			headers[headerCaser.String(k)] = v[0]
		}
	}

	var body any
	if len(rc.RawBody) > 0 {
		var parsed any
		if err := json.Unmarshal(rc.RawBody, &parsed); err == nil {
			body = parsed
		}
	}

	now := time.Now().UTC()

	facet := policy.Facet{
		"request": map[string]any{
			"method":  rc.HTTPRequest.Method,
			"path":    rc.HTTPRequest.URL.Path,
			"headers": headers,
			"body":    body,
		},
		"agent": map[string]any{
			"name": rc.Identity.AgentName,
		},
		"token": map[string]any{
			"id":         rc.Bundle.Token.ID,
			"project_id": rc.Bundle.Token.ProjectID,
			"tenant_id":  rc.Bundle.Token.TenantID,
		},
		"context": map[string]any{
			"time": map[string]any{
				"hour":       now.Hour(),
				"weekday":    int(now.Weekday()),
				"unix_ms":    now.UnixMilli(),
			},
			"ip": clientIP(rc.HTTPRequest),
		},
	}

	if rc.Session != nil {
		facet["session"] = map[string]any{
			"id":              rc.Session.ID,
			"status":          string(rc.Session.Status),
			"iteration_count": rc.Session.IterationCount,
		}
		facet["usage"] = map[string]any{
			"spend_today_usd": rc.Session.SpendTodayUSD,
			"spend_cap_usd":   rc.Session.SpendCapUSD,
		}
	}

	return facet
}

// extendPostFacet adds response fields to a copy of the pre-phase facet, per
// spec §4.4: post-phase rules see both request and response facets.
func (rc *RequestContext) extendPostFacet() policy.Facet {
	post := make(policy.Facet, len(rc.PreFacet)+1)
	for k, v := range rc.PreFacet {
		post[k] = v
	}

	var respBody any
	if len(rc.ResponseBody) > 0 {
		var parsed any
		if err := json.Unmarshal(rc.ResponseBody, &parsed); err == nil {
			respBody = parsed
		}
	}

	post["response"] = map[string]any{
		"status": rc.UpstreamStatus,
		"body":   respBody,
	}

	return post
}

// streamEventFacet builds the lightweight per-event facet post-phase policy
// evaluates against one decoded StreamEvent while a response is streaming,
// per spec §4.4. It carries the event's delta text at "response.body.delta"
// rather than the full response body extendPostFacet builds once a
// non-streaming response (or a completed stream) is available.
func (rc *RequestContext) streamEventFacet(ev translate.StreamEvent) policy.Facet {
	facet := make(policy.Facet, len(rc.PreFacet)+1)
	for k, v := range rc.PreFacet {
		facet[k] = v
	}
	facet["response"] = map[string]any{
		"status": rc.UpstreamStatus,
		"body": map[string]any{
			"delta":         ev.DeltaText,
			"finish_reason": ev.FinishReason,
		},
	}
	return facet
}

// clientIP prefers X-Forwarded-For's first hop, falling back to the raw
// connection's remote address, matching a reverse proxy that trusts its own
// ingress to have stripped any client-supplied forwarding header it doesn't
// want honored (left to the ingress LB in this deployment shape).
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
