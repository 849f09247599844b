// Package contracts defines the wire and storage types shared across AILink's
// components: virtual tokens, credentials, policies, sessions, and the
// records that get hashed, signed, and written to the audit log.
package contracts

import "time"

// VirtualToken is the opaque, agent-facing token that never leaves the
// gateway's trust boundary. Agents authenticate with a VirtualToken; AILink
// resolves it to a Credential internally and never echoes the credential
// back out. The wire form is "ailink_v1_proj_<project>_tok_<suffix>"; ID
// carries that full opaque string.
type VirtualToken struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	ProjectID         string            `json:"project_id"`
	Label             string            `json:"label"`
	CredentialID      string            `json:"credential_id"`
	DefaultUpstream   string            `json:"default_upstream_url"`
	Upstreams         []Upstream        `json:"upstreams,omitempty"`
	PolicyIDs         []string          `json:"policy_ids"`
	CircuitBreaker    CBConfig          `json:"circuit_breaker_config"`
	Scopes            []string          `json:"scopes,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	Revoked           bool              `json:"revoked"`
	RevokedAt         *time.Time        `json:"revoked_at,omitempty"`
	LastUsedAt        *time.Time        `json:"last_used_at,omitempty"`
}

// Upstream is one weighted target a DynamicRoute/circuit breaker may select
// for a token. Priority breaks weight ties; insertion order (slice index)
// breaks priority ties, per the spec's selection rule.
type Upstream struct {
	URL      string `json:"url"`
	Weight   int    `json:"weight"`
	Priority int    `json:"priority"`
}

// CBConfig tunes the per-(token,upstream) circuit breaker state machine.
// Zero values fall back to the spec defaults (3 / 30s / 1).
type CBConfig struct {
	FailureThreshold     int           `json:"failure_threshold"`
	RecoveryCooldown     time.Duration `json:"recovery_cooldown"`
	HalfOpenMaxRequests  int           `json:"half_open_max_requests"`
	Disabled             bool          `json:"disabled"`
}

// WithDefaults returns a copy of c with spec default values filled in for
// any zero field.
func (c CBConfig) WithDefaults() CBConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryCooldown <= 0 {
		c.RecoveryCooldown = 30 * time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 1
	}
	return c
}

// IsActive reports whether the token can currently be used to authenticate
// a request.
func (t *VirtualToken) IsActive(now time.Time) bool {
	if t.Revoked {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	return true
}

// CurrentSchemaVersion is the semver this build of AILink's contracts
// package understands. pstore stamps it onto every TokenBundle it assembles;
// pkg/cache checks a shared-tier entry's SchemaVersion against
// SupportedSchemaRange before trusting it.
const CurrentSchemaVersion = "1.2.0"

// SupportedSchemaRange is the semver constraint (Masterminds/semver syntax)
// of bundle schema versions this build accepts from the shared cache tier.
// A bundle loaded fresh from pstore is always trusted regardless of this
// range, since it was just stamped by this same binary's CurrentSchemaVersion.
const SupportedSchemaRange = ">= 1.0.0, < 2.0.0"

// TokenBundle is the result of resolving a VirtualToken: the token itself,
// plus the upstream credential(s) and policies bound to it. This is what
// the pipeline orchestrator carries through a single request's evaluation.
type TokenBundle struct {
	Token       *VirtualToken `json:"token"`
	Credential  *Credential   `json:"credential"`
	Policies    []*Policy     `json:"policies"`

	// SchemaVersion is a semver string stamped by the management plane that
	// wrote this bundle's policies. The cache compares it against the
	// range of schema versions this gateway build understands before
	// trusting a value it did not just load from the store, so a
	// management-plane upgrade that changes policy semantics can't get
	// silently replayed out of a stale shared-cache entry.
	SchemaVersion string `json:"schema_version,omitempty"`
}

// ProviderType identifies an upstream AI provider family.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGemini    ProviderType = "gemini"
	ProviderGeneric   ProviderType = "generic"
)

// Credential is an upstream API credential, stored encrypted at rest via the
// vault and decrypted only for the lifetime of a single dispatch call.
//
//nolint:govet // fieldalignment: struct layout kept readable
type Credential struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	Provider        ProviderType   `json:"provider"`
	UpstreamBaseURL string         `json:"upstream_base_url"`
	EncryptedSecret string         `json:"encrypted_secret"` // vault-sealed, never decoded outside the dispatcher
	KeyVersion      int            `json:"key_version"`
	InjectionMode   InjectionMode  `json:"injection_mode"`
	InjectionName   string         `json:"injection_name"`
	CreatedAt       time.Time      `json:"created_at"`
	LastUsedAt      *time.Time     `json:"last_used_at,omitempty"`
	Disabled        bool           `json:"disabled"`
}

// InjectionMode selects where the dispatcher places the resolved plaintext
// secret on the outbound request.
type InjectionMode string

const (
	InjectHeader InjectionMode = "header"
	InjectQuery  InjectionMode = "query"
)

// CredentialStatus is the public-safe projection of a Credential returned to
// management-plane callers; it never carries the encrypted secret.
type CredentialStatus struct {
	ID         string       `json:"id"`
	Provider   ProviderType `json:"provider"`
	CreatedAt  time.Time    `json:"created_at"`
	LastUsedAt *time.Time   `json:"last_used_at,omitempty"`
	Disabled   bool         `json:"disabled"`
}

// SessionStatus is the lifecycle state of a Session. A session in
// StatusPaused or StatusCompleted admits zero new requests.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// Session tracks per-conversation/per-agent-run state that policies and the
// circuit breaker need across multiple requests: iteration counts, wallclock
// budgets, spend caps, and the sticky upstream chosen by the load balancer.
// Sessions auto-create on first observation of an X-Session-Id header.
type Session struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	TokenID         string            `json:"token_id"`
	Status          SessionStatus     `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	LastSeenAt      time.Time         `json:"last_seen_at"`
	IterationCount  int64             `json:"iteration_count"`
	MaxIterations   int64             `json:"max_iterations,omitempty"`
	WallclockBudget time.Duration     `json:"wallclock_budget,omitempty"`
	SpendCapUSD     float64           `json:"spend_cap_usd,omitempty"`
	SpendTodayUSD   float64           `json:"spend_today_usd"`
	StickyUpstream  string            `json:"sticky_upstream,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// ExceedsIterationLimit reports whether the session has used up its
// configured iteration budget.
func (s *Session) ExceedsIterationLimit() bool {
	return s.MaxIterations > 0 && s.IterationCount >= s.MaxIterations
}

// ExceedsWallclockBudget reports whether the session has run longer than its
// configured wallclock budget.
func (s *Session) ExceedsWallclockBudget(now time.Time) bool {
	return s.WallclockBudget > 0 && now.Sub(s.StartedAt) >= s.WallclockBudget
}

// ExceedsSpendCap reports whether the session has spent past its cap.
func (s *Session) ExceedsSpendCap() bool {
	return s.SpendCapUSD > 0 && s.SpendTodayUSD >= s.SpendCapUSD
}

// AdmitsRequests reports whether the session is in a state that allows new
// requests to be admitted: status must be active (or unset, for a session
// record that predates explicit status tracking) and none of its iteration,
// wallclock, or spend budgets may already be exhausted.
func (s *Session) AdmitsRequests(now time.Time) bool {
	if s.Status != "" && s.Status != SessionActive {
		return false
	}
	if s.ExceedsIterationLimit() || s.ExceedsWallclockBudget(now) || s.ExceedsSpendCap() {
		return false
	}
	return true
}

// UpstreamHealth is the circuit breaker's view of one upstream target.
//
//nolint:govet // fieldalignment: struct layout kept readable
type UpstreamHealth struct {
	Upstream        string    `json:"upstream"`
	State           CBState   `json:"state"`
	ConsecutiveFail int       `json:"consecutive_fail"`
	ConsecutiveOK   int       `json:"consecutive_ok"`
	LastFailureAt   time.Time `json:"last_failure_at,omitzero"`
	OpenedAt        time.Time `json:"opened_at,omitzero"`
	LastLatencyMs   int64     `json:"last_latency_ms"`
}

// CBState is a circuit breaker state.
type CBState string

const (
	CBClosed   CBState = "closed"
	CBOpen     CBState = "open"
	CBHalfOpen CBState = "half_open"
	CBDisabled CBState = "disabled"
)
