// Package dispatch implements the upstream dispatcher (C9): it owns the
// pooled HTTP clients that actually talk to provider APIs, injects the
// decrypted credential onto the outbound request, retries with exponential
// backoff honoring both Retry-After and the policy's RetryConfig, and
// reports every attempt's outcome to the circuit breaker so a failing
// upstream stops receiving traffic for other requests on the same token.
package dispatch

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sujan174/Ai-Link-sub000/pkg/breaker"
	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// Secret is a plaintext credential value scoped to the lifetime of a single
// dispatch call. Callers must call Zero once the request has been sent so
// the plaintext does not linger in memory longer than necessary.
type Secret struct {
	bytes []byte
}

// NewSecret wraps plaintext in a Secret.
func NewSecret(plaintext string) *Secret {
	return &Secret{bytes: []byte(plaintext)}
}

func (s *Secret) String() string {
	if s == nil {
		return ""
	}
	return string(s.bytes)
}

// Zero overwrites the secret's backing bytes so they don't persist in any
// buffer this Secret happened to share memory with.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	for i := range s.bytes {
		s.bytes[i] = 0
	}
}

// Request is one outbound call the dispatcher should make, already
// translated into the upstream provider's wire format by the translator
// stage. Body is read once per attempt; callers must supply a factory
// rather than an io.Reader so retries can replay it.
//
//nolint:govet // fieldalignment: struct layout kept readable
type Request struct {
	TokenID     string
	Method      string
	Path        string // joined onto the chosen upstream's base URL
	Header      http.Header
	Body        func() (io.ReadCloser, error)
	Credential  *contracts.Credential
	Secret      *Secret
	Candidates  []contracts.Upstream
	CBConfig    contracts.CBConfig
	Retry       *contracts.RetryConfig
	Timeout     time.Duration
}

// Response is the upstream's reply, streamed rather than buffered: callers
// copy resp.Body directly to the client connection instead of reading it
// fully into memory, so a large or long-lived SSE stream never gets
// buffered end-to-end in the gateway.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Upstream   string
	LatencyMs  int64
	Attempts   int
}

var defaultRetry = contracts.RetryConfig{
	MaxRetries:   2,
	BaseDelayMs:  200,
	MaxBackoffMs: 5000,
	JitterMs:     100,
	StatusCodes:  []int{429, 500, 502, 503, 504},
}

// Dispatcher pools one *http.Client per (scheme, host) target and routes
// every call through the circuit breaker for upstream selection and health
// tracking.
type Dispatcher struct {
	mu      sync.Mutex
	clients map[string]*http.Client

	limiterMu    sync.Mutex
	limiters     map[string]*rate.Limiter
	upstreamRPS  float64 // 0 disables outbound rate limiting
	limiterBurst int

	breaker *breaker.Breaker
	log     *slog.Logger
}

// New builds a Dispatcher backed by br for upstream selection/health.
func New(br *breaker.Breaker, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		clients:  make(map[string]*http.Client),
		limiters: make(map[string]*rate.Limiter),
		breaker:  br,
		log:      log,
	}
}

// WithUpstreamRateLimit caps outbound requests per (scheme, host) target to
// rps sustained, bursting up to burst, independent of the circuit breaker's
// failure-based health tracking — this throttles a healthy-but-rate-limited
// upstream before it starts returning 429s at all. A zero rps disables the
// limiter (the default).
func (d *Dispatcher) WithUpstreamRateLimit(rps float64, burst int) *Dispatcher {
	d.upstreamRPS = rps
	if burst <= 0 {
		burst = 1
	}
	d.limiterBurst = burst
	return d
}

func (d *Dispatcher) limiterFor(target *url.URL) *rate.Limiter {
	key := target.Scheme + "://" + target.Host
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	if l, ok := d.limiters[key]; ok {
		return l
	}
	burst := d.limiterBurst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(d.upstreamRPS), burst)
	d.limiters[key] = l
	return l
}

func (d *Dispatcher) clientFor(target *url.URL, timeout time.Duration) *http.Client {
	key := target.Scheme + "://" + target.Host
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[key]; ok {
		return c
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &http.Client{Timeout: timeout}
	d.clients[key] = c
	return c
}

// Do dispatches req, selecting an upstream via the circuit breaker, retrying
// on the configured status codes/errors with exponential backoff and
// jitter, and honoring an upstream Retry-After header when present. The
// returned Response's Body must be closed by the caller.
func (d *Dispatcher) Do(ctx context.Context, req *Request) (*Response, error) {
	retry := defaultRetry
	if req.Retry != nil {
		retry = *req.Retry
	}

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		attempts++

		upstream, err := d.breaker.Select(req.TokenID, req.Candidates, req.CBConfig)
		if err != nil {
			return nil, fmt.Errorf("dispatch: select upstream: %w", err)
		}

		probing := false
		if probeErr := d.breaker.ReserveProbe(req.TokenID, upstream, req.CBConfig); probeErr == nil {
			probing = true
		}

		resp, latency, err := d.attempt(ctx, req, upstream)
		if err == nil && !shouldRetryStatus(resp.StatusCode, retry.StatusCodes) {
			d.breaker.RecordSuccess(req.TokenID, upstream, latency)
			resp.Attempts = attempts
			return resp, nil
		}

		if err == nil {
			d.breaker.RecordFailure(req.TokenID, upstream, req.CBConfig)
			if attempt == retry.MaxRetries {
				resp.Attempts = attempts
				return resp, nil
			}
			wait := retryAfterOrBackoff(resp.Header, attempt, retry)
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("dispatch: upstream %s returned status %d", upstream, resp.StatusCode)
			if !d.sleep(ctx, wait) {
				return nil, ctx.Err()
			}
			continue
		}

		d.breaker.RecordFailure(req.TokenID, upstream, req.CBConfig)
		lastErr = err
		if probing {
			d.log.Warn("dispatch: half-open probe failed", "upstream", upstream, "error", err)
		}
		if attempt == retry.MaxRetries {
			break
		}
		wait := backoffDelay(attempt, retry)
		if !d.sleep(ctx, wait) {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("dispatch: exhausted %d attempts: %w", attempts, lastErr)
}

func (d *Dispatcher) attempt(ctx context.Context, req *Request, upstream string) (*Response, int64, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, 0, fmt.Errorf("dispatch: parse upstream %q: %w", upstream, err)
	}
	target.Path = joinPath(target.Path, req.Path)

	var body io.ReadCloser
	if req.Body != nil {
		body, err = req.Body()
		if err != nil {
			return nil, 0, fmt.Errorf("dispatch: read request body: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, 0, fmt.Errorf("dispatch: build request: %w", err)
	}
	httpReq.Header = req.Header.Clone()

	injectCredential(httpReq, req.Credential, req.Secret)

	if d.upstreamRPS > 0 {
		if err := d.limiterFor(target).Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("dispatch: upstream rate limit wait: %w", err)
		}
	}

	client := d.clientFor(target, req.Timeout)

	start := time.Now()
	resp, err := client.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, latency, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Upstream:   upstream,
		LatencyMs:  latency,
	}, latency, nil
}

// injectCredential places the resolved plaintext secret on req per the
// credential's InjectionMode, mirroring a bearer-forwarding proxy that never
// lets the caller's own Authorization header leak upstream.
func injectCredential(req *http.Request, cred *contracts.Credential, secret *Secret) {
	if cred == nil || secret == nil {
		return
	}
	name := cred.InjectionName
	switch cred.InjectionMode {
	case contracts.InjectQuery:
		if name == "" {
			name = "api_key"
		}
		q := req.URL.Query()
		q.Set(name, secret.String())
		req.URL.RawQuery = q.Encode()
	case contracts.InjectHeader:
		fallthrough
	default:
		if name == "" {
			name = "Authorization"
		}
		value := secret.String()
		if name == "Authorization" {
			value = "Bearer " + value
		}
		req.Header.Set(name, value)
	}
}

func shouldRetryStatus(status int, codes []int) bool {
	for _, c := range codes {
		if status == c {
			return true
		}
	}
	return false
}

func retryAfterOrBackoff(header http.Header, attempt int, retry contracts.RetryConfig) time.Duration {
	if ra := header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return backoffDelay(attempt, retry)
}

// backoffDelay computes base*2^attempt capped at MaxBackoffMs, plus a
// cryptographically-sourced jitter up to JitterMs, in the style of a
// standard exponential-backoff-with-jitter retry loop.
func backoffDelay(attempt int, retry contracts.RetryConfig) time.Duration {
	base := float64(retry.BaseDelayMs)
	if base <= 0 {
		base = 200
	}
	backoff := base * math.Pow(2, float64(attempt))
	maxBackoff := float64(retry.MaxBackoffMs)
	if maxBackoff <= 0 {
		maxBackoff = 30000
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	jitterMs := retry.JitterMs
	if jitterMs <= 0 {
		jitterMs = 100
	}
	jitter := time.Duration(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(int64(jitterMs))); err == nil {
		jitter = time.Duration(n.Int64()) * time.Millisecond
	}

	return time.Duration(backoff)*time.Millisecond + jitter
}

func (d *Dispatcher) sleep(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func joinPath(base, extra string) string {
	if extra == "" {
		return base
	}
	if len(base) > 0 && base[len(base)-1] == '/' && len(extra) > 0 && extra[0] == '/' {
		return base + extra[1:]
	}
	if (len(base) == 0 || base[len(base)-1] != '/') && (len(extra) == 0 || extra[0] != '/') {
		return base + "/" + extra
	}
	return base + extra
}
