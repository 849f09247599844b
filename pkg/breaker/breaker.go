// Package breaker implements the per-(token,upstream) circuit breaker and
// weighted load balancer (C5). Each upstream target tracked for a token has
// its own independent state machine — Closed, Open, HalfOpen, or Disabled —
// so one failing provider never trips traffic bound for another, per spec
// §4.6.
package breaker

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// ErrAllUpstreamsOpen is returned by Select when every candidate upstream
// for a token is in the Open state; RetryAfter carries the soonest cooldown
// expiry across the candidates, suitable for a Retry-After response header.
type ErrAllUpstreamsOpen struct {
	RetryAfter time.Duration
}

func (e *ErrAllUpstreamsOpen) Error() string {
	return fmt.Sprintf("breaker: all upstreams open, retry after %s", e.RetryAfter)
}

var errProbeSlotTaken = errors.New("breaker: half-open probe slot already in use")

// state is one upstream's circuit breaker state for one token.
type state struct {
	mu sync.Mutex

	current         contracts.CBState
	consecutiveFail int
	consecutiveOK   int
	lastFailureAt   time.Time
	openedAt        time.Time
	lastLatencyMs   int64
	halfOpenInUse   int
}

// Breaker tracks circuit breaker state per (token, upstream) pair and
// selects among a token's configured upstreams by weight.
type Breaker struct {
	mu     sync.Mutex
	states map[string]*state // key: tokenID + "|" + upstreamURL

	now func() time.Time
}

// New returns an empty Breaker.
func New() *Breaker {
	return &Breaker{states: make(map[string]*state), now: time.Now}
}

func (b *Breaker) key(tokenID, upstream string) string {
	return tokenID + "|" + upstream
}

func (b *Breaker) stateFor(tokenID, upstream string) *state {
	k := b.key(tokenID, upstream)
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[k]
	if !ok {
		s = &state{current: contracts.CBClosed}
		b.states[k] = s
	}
	return s
}

// Select chooses an upstream among candidates for tokenID, skipping any
// currently Open, and weighting among the rest by Upstream.Weight (ties
// broken by Priority, then by slice order). A HalfOpen upstream is eligible
// only while one of its HalfOpenMaxRequests probe slots is free (see
// ReserveProbe).
func (b *Breaker) Select(tokenID string, candidates []contracts.Upstream, cfg contracts.CBConfig) (string, error) {
	cfg = cfg.WithDefaults()
	if cfg.Disabled || len(candidates) == 0 {
		if len(candidates) == 0 {
			return "", fmt.Errorf("breaker: no candidate upstreams for token %s", tokenID)
		}
		return candidates[0].URL, nil
	}

	type eligible struct {
		up contracts.Upstream
	}
	var pool []eligible
	var soonestCooldown time.Duration
	haveCooldown := false

	for _, up := range candidates {
		s := b.stateFor(tokenID, up.URL)
		s.mu.Lock()
		st := b.transitionLocked(s, cfg)
		switch st {
		case contracts.CBOpen:
			remaining := cfg.RecoveryCooldown - b.now().Sub(s.openedAt)
			if remaining < 0 {
				remaining = 0
			}
			if !haveCooldown || remaining < soonestCooldown {
				soonestCooldown = remaining
				haveCooldown = true
			}
		case contracts.CBHalfOpen:
			if s.halfOpenInUse < cfg.HalfOpenMaxRequests {
				pool = append(pool, eligible{up})
			}
		default:
			pool = append(pool, eligible{up})
		}
		s.mu.Unlock()
	}

	if len(pool) == 0 {
		return "", &ErrAllUpstreamsOpen{RetryAfter: soonestCooldown}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].up.Priority != pool[j].up.Priority {
			return pool[i].up.Priority > pool[j].up.Priority
		}
		return false
	})

	topPriority := pool[0].up.Priority
	var tier []contracts.Upstream
	for _, e := range pool {
		if e.up.Priority == topPriority {
			tier = append(tier, e.up)
		}
	}

	return b.weightedPick(tier), nil
}

// weightedPick picks one upstream from tier proportionally to weight; a
// weight of zero is treated as 1 so an unconfigured upstream is still
// reachable. Upstreams of equal weight get equal shares of the random pick.
func (b *Breaker) weightedPick(tier []contracts.Upstream) string {
	if len(tier) == 1 {
		return tier[0].URL
	}
	total := 0
	for _, u := range tier {
		w := u.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	r := rand.Intn(total) //nolint:gosec // load-balancing jitter, not security sensitive
	for _, u := range tier {
		w := u.Weight
		if w <= 0 {
			w = 1
		}
		if r < w {
			return u.URL
		}
		r -= w
	}
	return tier[len(tier)-1].URL
}

// transitionLocked applies time-based Open->HalfOpen promotion; caller
// holds s.mu.
func (b *Breaker) transitionLocked(s *state, cfg contracts.CBConfig) contracts.CBState {
	if s.current == contracts.CBOpen && b.now().Sub(s.openedAt) >= cfg.RecoveryCooldown {
		s.current = contracts.CBHalfOpen
		s.halfOpenInUse = 0
	}
	return s.current
}

// ReserveProbe claims a HalfOpen probe slot for upstream before dispatching
// a request through it. The slot is freed when RecordSuccess or
// RecordFailure is called for the upstream, once per reservation.
func (b *Breaker) ReserveProbe(tokenID, upstream string, cfg contracts.CBConfig) error {
	cfg = cfg.WithDefaults()
	s := b.stateFor(tokenID, upstream)
	s.mu.Lock()
	defer s.mu.Unlock()
	b.transitionLocked(s, cfg)
	if s.current != contracts.CBHalfOpen {
		return nil
	}
	if s.halfOpenInUse >= cfg.HalfOpenMaxRequests {
		return errProbeSlotTaken
	}
	s.halfOpenInUse++
	return nil
}

// RecordSuccess reports a successful call through upstream for tokenID. A
// HalfOpen probe success closes the breaker; a Closed breaker's fail streak
// resets.
func (b *Breaker) RecordSuccess(tokenID, upstream string, latencyMs int64) {
	s := b.stateFor(tokenID, upstream)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastLatencyMs = latencyMs
	s.consecutiveFail = 0
	s.consecutiveOK++

	if s.current == contracts.CBHalfOpen {
		s.current = contracts.CBClosed
		s.halfOpenInUse = 0
	}
}

// RecordFailure reports a failed call through upstream for tokenID. Closed
// trips to Open after cfg.FailureThreshold consecutive failures; a HalfOpen
// probe failure immediately re-opens.
func (b *Breaker) RecordFailure(tokenID, upstream string, cfg contracts.CBConfig) {
	cfg = cfg.WithDefaults()
	s := b.stateFor(tokenID, upstream)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecutiveOK = 0
	s.consecutiveFail++
	s.lastFailureAt = b.now()

	switch s.current {
	case contracts.CBHalfOpen:
		s.current = contracts.CBOpen
		s.openedAt = b.now()
		s.halfOpenInUse = 0
	case contracts.CBClosed:
		if s.consecutiveFail >= cfg.FailureThreshold {
			s.current = contracts.CBOpen
			s.openedAt = b.now()
		}
	}
}

// Health returns the current observable state of one (token, upstream)
// pair, for the /health/upstreams endpoint and audit snapshots.
func (b *Breaker) Health(tokenID, upstream string) contracts.UpstreamHealth {
	s := b.stateFor(tokenID, upstream)
	s.mu.Lock()
	defer s.mu.Unlock()
	return contracts.UpstreamHealth{
		Upstream:        upstream,
		State:           s.current,
		ConsecutiveFail: s.consecutiveFail,
		ConsecutiveOK:   s.consecutiveOK,
		LastFailureAt:   s.lastFailureAt,
		OpenedAt:        s.openedAt,
		LastLatencyMs:   s.lastLatencyMs,
	}
}

// UpstreamSnapshot pairs a tracked upstream's health with the token it is
// tracked under, for the management-side /health/upstreams view.
//
//nolint:govet // fieldalignment: struct layout kept readable
type UpstreamSnapshot struct {
	TokenID string                  `json:"token_id"`
	Health  contracts.UpstreamHealth `json:"health"`
}

// Snapshot returns every (token, upstream) pair the breaker has observed at
// least one request for, in no particular order. Used by the /health/upstreams
// surface; never consulted on the hot path.
func (b *Breaker) Snapshot() []UpstreamSnapshot {
	b.mu.Lock()
	keys := make([]string, 0, len(b.states))
	states := make([]*state, 0, len(b.states))
	for k, s := range b.states {
		keys = append(keys, k)
		states = append(states, s)
	}
	b.mu.Unlock()

	out := make([]UpstreamSnapshot, 0, len(keys))
	for i, k := range keys {
		tokenID, upstream, ok := splitKey(k)
		if !ok {
			continue
		}
		s := states[i]
		s.mu.Lock()
		h := contracts.UpstreamHealth{
			Upstream:        upstream,
			State:           s.current,
			ConsecutiveFail: s.consecutiveFail,
			ConsecutiveOK:   s.consecutiveOK,
			LastFailureAt:   s.lastFailureAt,
			OpenedAt:        s.openedAt,
			LastLatencyMs:   s.lastLatencyMs,
		}
		s.mu.Unlock()
		out = append(out, UpstreamSnapshot{TokenID: tokenID, Health: h})
	}
	return out
}

// splitKey reverses Breaker.key, splitting on the first "|" separator.
// Upstream URLs never contain "|", so the split is unambiguous.
func splitKey(k string) (tokenID, upstream string, ok bool) {
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			return k[:i], k[i+1:], true
		}
	}
	return "", "", false
}
