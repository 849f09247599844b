// Package api wires the pipeline orchestrator and the process's liveness,
// readiness, and metrics surfaces onto the net/http ServeMux that serves
// spec §6's agent-facing and operational endpoints. It holds no business
// logic of its own: every request under the proxy paths is handed straight
// to pkg/pipeline's Orchestrator, which owns the whole stage sequence and
// already renders RFC 7807 problem+json for every terminal error itself
// (Orchestrator.writeError in pkg/pipeline/pipeline.go, over the error
// taxonomy in pkg/pipeline/errors.go).
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sujan174/Ai-Link-sub000/pkg/auth"
	"github.com/sujan174/Ai-Link-sub000/pkg/breaker"
	"github.com/sujan174/Ai-Link-sub000/pkg/identity"
	"github.com/sujan174/Ai-Link-sub000/pkg/kvs"
	"github.com/sujan174/Ai-Link-sub000/pkg/metrics"
	"github.com/sujan174/Ai-Link-sub000/pkg/pipeline"
)

// Deps is everything the router needs beyond the Orchestrator itself:
// probes for /readyz and the registries for the two operational surfaces
// spec §6 asks for ("Observability"/"Health").
//
//nolint:govet // fieldalignment: struct layout kept readable
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Breaker      *breaker.Breaker
	KV           kvs.Store
	DB           *sql.DB
	Metrics      *metrics.Registry

	// AdminKey is the AILINK_ADMIN_KEY bootstrap credential; Tokens mints
	// and validates the short-lived internal token it exchanges for
	// (pkg/identity). Both nil/empty disables the /admin surface.
	AdminKey string
	Tokens   *identity.TokenManager

	// AllowedOrigins configures the management-facing CORS surface
	// (DASHBOARD_ORIGIN); nil means "allow all", matching development mode.
	AllowedOrigins []string
}

// NewRouter builds the complete process ServeMux: the agent-facing proxy
// surface (spec §6's convenience paths, all routed through the same
// Orchestrator since none of them change pipeline semantics — only the
// inbound path, which the translator/dispatcher already carry through
// unmodified when no DynamicRoute action rewrites it) plus the
// unauthenticated /healthz, /readyz, /health/upstreams, and /metrics
// endpoints.
func NewRouter(deps Deps) http.Handler {
	mux := http.NewServeMux()

	proxyHandler := auth.RequestIDMiddleware(http.HandlerFunc(deps.Orchestrator.Handle))

	for _, path := range []string{
		"/v1/chat/completions",
		"/v1/embeddings",
		"/v1/models",
	} {
		mux.Handle(path, proxyHandler)
	}
	mux.Handle("/v1/images/", proxyHandler)
	mux.Handle("/v1/proxy/services/", proxyHandler)

	mux.HandleFunc("/healthz", handleLiveness)
	mux.HandleFunc("/readyz", deps.handleReadiness)
	mux.HandleFunc("/health/upstreams", deps.handleUpstreamHealth)

	if deps.Tokens != nil {
		mux.HandleFunc("/admin/token", deps.handleAdminToken)
		mux.HandleFunc("/admin/whoami", deps.handleAdminWhoami)
	}

	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics.Handler())
	}

	return auth.CORSMiddleware(deps.AllowedOrigins)(mux)
}

// handleLiveness answers spec §6's "/healthz (process liveness)": if this
// handler runs at all, the process is alive. No dependency is consulted.
func handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReadiness answers spec §6's "/readyz (KVS + persistent store
// reachable)": a round trip to each, short-circuiting to 503 on the first
// failure so an operator's probe sees exactly which dependency is down.
func (d Deps) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if d.DB != nil {
		if err := d.DB.PingContext(ctx); err != nil {
			checks["persistent_store"] = err.Error()
			healthy = false
		} else {
			checks["persistent_store"] = "ok"
		}
	}

	if d.KV != nil {
		probeKey := "ailink:readyz:probe"
		if err := d.KV.Set(ctx, probeKey, "1", 5*time.Second); err != nil {
			checks["kvs"] = err.Error()
			healthy = false
		} else {
			checks["kvs"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"checks": checks})
}

// handleUpstreamHealth answers spec §6's "/health/upstreams
// (management-side view of CB table)": every (token, upstream) pair the
// breaker has observed, with its current circuit state. Unauthenticated
// like the rest of the health surface, but only ever exposes state, never
// secrets.
func (d Deps) handleUpstreamHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if d.Breaker == nil {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode([]breaker.UpstreamSnapshot{})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(d.Breaker.Snapshot())
}
