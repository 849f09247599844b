package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sujan174/Ai-Link-sub000/pkg/breaker"
	"github.com/sujan174/Ai-Link-sub000/pkg/kvs"
)

func TestHandleLiveness(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handleLiveness(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReadiness_KVSUp(t *testing.T) {
	deps := Deps{KV: kvs.NewFake()}
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	deps.handleReadiness(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleUpstreamHealth_Empty(t *testing.T) {
	deps := Deps{Breaker: breaker.New()}
	req := httptest.NewRequest(http.MethodGet, "/health/upstreams", nil)
	rec := httptest.NewRecorder()

	deps.handleUpstreamHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandleUpstreamHealth_ReportsObservedUpstream(t *testing.T) {
	br := breaker.New()
	br.RecordSuccess("tok-1", "https://api.example.com", 42)

	deps := Deps{Breaker: br}
	req := httptest.NewRequest(http.MethodGet, "/health/upstreams", nil)
	rec := httptest.NewRecorder()

	deps.handleUpstreamHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "tok-1")
	require.Contains(t, rec.Body.String(), "api.example.com")
}

func TestServeMux_DispatchesRegisteredProxyPath(t *testing.T) {
	called := false
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
}
