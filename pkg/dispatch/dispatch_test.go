package dispatch_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujan174/Ai-Link-sub000/pkg/breaker"
	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
	"github.com/sujan174/Ai-Link-sub000/pkg/dispatch"
)

func TestDispatcher_SuccessInjectsHeaderCredential(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := dispatch.New(breaker.New(), nil)
	secret := dispatch.NewSecret("sk-test-123")
	defer secret.Zero()

	resp, err := d.Do(context.Background(), &dispatch.Request{
		TokenID:    "tok-1",
		Method:     http.MethodGet,
		Path:       "/v1/models",
		Header:     http.Header{},
		Credential: &contracts.Credential{InjectionMode: contracts.InjectHeader},
		Secret:     secret,
		Candidates: []contracts.Upstream{{URL: srv.URL}},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer sk-test-123", gotAuth)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestDispatcher_QueryInjection(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := dispatch.New(breaker.New(), nil)
	secret := dispatch.NewSecret("gem-key-456")

	resp, err := d.Do(context.Background(), &dispatch.Request{
		TokenID:    "tok-1",
		Method:     http.MethodGet,
		Header:     http.Header{},
		Credential: &contracts.Credential{InjectionMode: contracts.InjectQuery, InjectionName: "key"},
		Secret:     secret,
		Candidates: []contracts.Upstream{{URL: srv.URL}},
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "gem-key-456", gotKey)
}

func TestDispatcher_RetriesOnRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := dispatch.New(breaker.New(), nil)
	resp, err := d.Do(context.Background(), &dispatch.Request{
		TokenID:    "tok-1",
		Method:     http.MethodGet,
		Header:     http.Header{},
		Candidates: []contracts.Upstream{{URL: srv.URL}},
		Retry: &contracts.RetryConfig{
			MaxRetries:  3,
			BaseDelayMs: 1,
			JitterMs:    1,
			StatusCodes: []int{503},
		},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatcher_HonorsRetryAfterHeader(t *testing.T) {
	var calls int32
	start := time.Now()
	var firstCallAt time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			firstCallAt = time.Now()
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := dispatch.New(breaker.New(), nil)
	resp, err := d.Do(context.Background(), &dispatch.Request{
		TokenID:    "tok-1",
		Method:     http.MethodGet,
		Header:     http.Header{},
		Candidates: []contracts.Upstream{{URL: srv.URL}},
		Retry:      &contracts.RetryConfig{MaxRetries: 2, BaseDelayMs: 1, StatusCodes: []int{429}},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, firstCallAt.After(start) || firstCallAt.Equal(start))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDispatcher_FailureTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	br := breaker.New()
	d := dispatch.New(br, nil)

	_, err := d.Do(context.Background(), &dispatch.Request{
		TokenID:    "tok-1",
		Method:     http.MethodGet,
		Header:     http.Header{},
		Candidates: []contracts.Upstream{{URL: srv.URL}},
		CBConfig:   contracts.CBConfig{FailureThreshold: 1},
		Retry:      &contracts.RetryConfig{MaxRetries: 0, StatusCodes: []int{500}},
	})
	require.NoError(t, err) // last attempt's 500 is returned, not an error

	health := br.Health("tok-1", srv.URL)
	assert.Equal(t, contracts.CBOpen, health.State)
}

func TestDispatcher_NoCandidatesErrors(t *testing.T) {
	d := dispatch.New(breaker.New(), nil)
	_, err := d.Do(context.Background(), &dispatch.Request{
		TokenID:    "tok-1",
		Method:     http.MethodGet,
		Header:     http.Header{},
		Candidates: nil,
	})
	assert.Error(t, err)
}
