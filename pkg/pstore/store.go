// Package pstore is the persistent store facade: durable, encrypted-at-rest
// storage for credentials, virtual tokens, and policies, backed by Postgres
// and the vault. Secrets never cross this package in plaintext except for
// the instant a dispatcher resolves one for an outbound call.
package pstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
	"github.com/sujan174/Ai-Link-sub000/pkg/database"
	"github.com/sujan174/Ai-Link-sub000/pkg/vault"
)

// Store manages encrypted credential, token, and policy storage. Reads and
// writes may target different connections when backed by a multi-region
// router; a plain *sql.DB uses itself for both.
type Store struct {
	db     *sql.DB // write path
	reader *sql.DB // read path; equal to db unless routed
	vault  vault.Manager
	mu     sync.RWMutex
}

// New creates a persistent store facade backed by db and sealed through v.
func New(db *sql.DB, v vault.Manager) *Store {
	return &Store{db: db, reader: db, vault: v}
}

// NewFromRouter creates a persistent store facade that sends writes to the
// router's primary region and reads to whichever region its ReadPreference
// selects, sealed through v.
func NewFromRouter(router *database.MultiRegionRouter, v vault.Manager) *Store {
	return &Store{db: router.Writer(), reader: router.Reader(), vault: v}
}

// SaveCredential seals secret through the vault and upserts the credential
// row. secret is never retained in the returned Credential.
func (s *Store) SaveCredential(ctx context.Context, cred *contracts.Credential, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.vault.Seal(secret)
	if err != nil {
		return fmt.Errorf("pstore: seal credential secret: %w", err)
	}
	cred.EncryptedSecret = sealed.Encode()
	cred.KeyVersion = sealed.KEKVersion

	now := time.Now().UTC()
	cred.CreatedAt = now

	query := `
		INSERT INTO credentials (id, tenant_id, provider, upstream_base_url, encrypted_secret, key_version, created_at, disabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			upstream_base_url = EXCLUDED.upstream_base_url,
			encrypted_secret = EXCLUDED.encrypted_secret,
			key_version = EXCLUDED.key_version,
			disabled = EXCLUDED.disabled
	`
	_, err = s.db.ExecContext(ctx, query,
		cred.ID, cred.TenantID, cred.Provider, cred.UpstreamBaseURL,
		cred.EncryptedSecret, cred.KeyVersion, cred.CreatedAt, cred.Disabled,
	)
	return err
}

// GetCredential retrieves a credential by tenant and provider. The returned
// Credential carries the vault-sealed secret string, not plaintext.
func (s *Store) GetCredential(ctx context.Context, tenantID string, provider contracts.ProviderType) (*contracts.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cred contracts.Credential
	var lastUsedAt sql.NullTime

	query := `
		SELECT id, tenant_id, provider, upstream_base_url, encrypted_secret, key_version, created_at, last_used_at, disabled
		FROM credentials
		WHERE tenant_id = $1 AND provider = $2
	`
	err := s.reader.QueryRowContext(ctx, query, tenantID, provider).Scan(
		&cred.ID, &cred.TenantID, &cred.Provider, &cred.UpstreamBaseURL,
		&cred.EncryptedSecret, &cred.KeyVersion, &cred.CreatedAt, &lastUsedAt, &cred.Disabled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastUsedAt.Valid {
		cred.LastUsedAt = &lastUsedAt.Time
	}
	return &cred, nil
}

// ResolveSecret unseals a credential's secret through the vault. Callers
// should hold the result only as long as it takes to build the outbound
// request; it must never be logged or echoed back to an agent.
func (s *Store) ResolveSecret(cred *contracts.Credential) (string, error) {
	sealed, err := vault.DecodeSealedSecret(cred.EncryptedSecret)
	if err != nil {
		return "", fmt.Errorf("pstore: decode sealed secret: %w", err)
	}
	return s.vault.Open(sealed)
}

// GetStatus returns the public-safe status projection for a credential.
func (s *Store) GetStatus(ctx context.Context, tenantID string, provider contracts.ProviderType) (*contracts.CredentialStatus, error) {
	cred, err := s.GetCredential(ctx, tenantID, provider)
	if err != nil || cred == nil {
		return nil, err
	}
	return &contracts.CredentialStatus{
		ID:         cred.ID,
		Provider:   cred.Provider,
		CreatedAt:  cred.CreatedAt,
		LastUsedAt: cred.LastUsedAt,
		Disabled:   cred.Disabled,
	}, nil
}

// DeleteCredential removes a credential row.
func (s *Store) DeleteCredential(ctx context.Context, tenantID string, provider contracts.ProviderType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE tenant_id = $1 AND provider = $2`, tenantID, provider)
	return err
}

// UpdateLastUsed stamps a credential's last-used time.
func (s *Store) UpdateLastUsed(ctx context.Context, tenantID string, provider contracts.ProviderType) error {
	_, err := s.db.ExecContext(ctx, `UPDATE credentials SET last_used_at = $1 WHERE tenant_id = $2 AND provider = $3`,
		time.Now().UTC(), tenantID, provider)
	return err
}

// RewrapCredential re-wraps a credential's sealed secret under the vault's
// currently active KEK version, without ever decrypting the secret payload.
// Called after vault.RotateMaster to migrate stored credentials off old keys.
func (s *Store) RewrapCredential(ctx context.Context, cred *contracts.Credential) error {
	sealed, err := vault.DecodeSealedSecret(cred.EncryptedSecret)
	if err != nil {
		return fmt.Errorf("pstore: decode sealed secret: %w", err)
	}
	rewrapped, err := s.vault.RewrapDEK(sealed)
	if err != nil {
		return fmt.Errorf("pstore: rewrap: %w", err)
	}
	cred.EncryptedSecret = rewrapped.Encode()
	cred.KeyVersion = rewrapped.KEKVersion

	_, err = s.db.ExecContext(ctx,
		`UPDATE credentials SET encrypted_secret = $1, key_version = $2 WHERE id = $3`,
		cred.EncryptedSecret, cred.KeyVersion, cred.ID,
	)
	return err
}

// SaveToken upserts a virtual token.
func (s *Store) SaveToken(ctx context.Context, tok *contracts.VirtualToken) error {
	policyIDs, _ := json.Marshal(tok.PolicyIDs)
	scopes, _ := json.Marshal(tok.Scopes)
	metadata, _ := json.Marshal(tok.Metadata)
	upstreams, _ := json.Marshal(tok.Upstreams)
	cb, _ := json.Marshal(tok.CircuitBreaker)

	query := `
		INSERT INTO virtual_tokens (id, tenant_id, project_id, label, credential_id, default_upstream_url, upstreams, circuit_breaker_config, policy_ids, scopes, metadata, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			credential_id = EXCLUDED.credential_id,
			default_upstream_url = EXCLUDED.default_upstream_url,
			upstreams = EXCLUDED.upstreams,
			circuit_breaker_config = EXCLUDED.circuit_breaker_config,
			policy_ids = EXCLUDED.policy_ids,
			scopes = EXCLUDED.scopes,
			metadata = EXCLUDED.metadata,
			expires_at = EXCLUDED.expires_at,
			revoked = EXCLUDED.revoked
	`
	_, err := s.db.ExecContext(ctx, query,
		tok.ID, tok.TenantID, tok.ProjectID, tok.Label, tok.CredentialID, tok.DefaultUpstream,
		string(upstreams), string(cb), string(policyIDs), string(scopes), string(metadata),
		tok.CreatedAt, tok.ExpiresAt, tok.Revoked,
	)
	return err
}

// GetToken retrieves a virtual token by ID.
func (s *Store) GetToken(ctx context.Context, id string) (*contracts.VirtualToken, error) {
	var tok contracts.VirtualToken
	var policyIDs, scopes, metadata, upstreams, cb sql.NullString
	var expiresAt, revokedAt, lastUsedAt sql.NullTime

	query := `
		SELECT id, tenant_id, project_id, label, credential_id, default_upstream_url, upstreams, circuit_breaker_config,
			policy_ids, scopes, metadata, created_at, expires_at, revoked, revoked_at, last_used_at
		FROM virtual_tokens WHERE id = $1
	`
	err := s.reader.QueryRowContext(ctx, query, id).Scan(
		&tok.ID, &tok.TenantID, &tok.ProjectID, &tok.Label, &tok.CredentialID, &tok.DefaultUpstream, &upstreams, &cb,
		&policyIDs, &scopes, &metadata,
		&tok.CreatedAt, &expiresAt, &tok.Revoked, &revokedAt, &lastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if policyIDs.Valid {
		_ = json.Unmarshal([]byte(policyIDs.String), &tok.PolicyIDs)
	}
	if scopes.Valid {
		_ = json.Unmarshal([]byte(scopes.String), &tok.Scopes)
	}
	if metadata.Valid {
		_ = json.Unmarshal([]byte(metadata.String), &tok.Metadata)
	}
	if upstreams.Valid {
		_ = json.Unmarshal([]byte(upstreams.String), &tok.Upstreams)
	}
	if cb.Valid {
		_ = json.Unmarshal([]byte(cb.String), &tok.CircuitBreaker)
	}
	if expiresAt.Valid {
		tok.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		tok.RevokedAt = &revokedAt.Time
	}
	if lastUsedAt.Valid {
		tok.LastUsedAt = &lastUsedAt.Time
	}
	return &tok, nil
}

// SavePolicy upserts a policy document.
func (s *Store) SavePolicy(ctx context.Context, p *contracts.Policy) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("pstore: marshal policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, tenant_id, body, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
	`, p.ID, p.TenantID, string(body), time.Now().UTC())
	return err
}

// GetPolicyByID retrieves a single policy by ID.
func (s *Store) GetPolicyByID(ctx context.Context, id string) (*contracts.Policy, error) {
	var body string
	err := s.reader.QueryRowContext(ctx, `SELECT body FROM policies WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p contracts.Policy
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("pstore: unmarshal policy: %w", err)
	}
	return &p, nil
}

// ListPolicies retrieves every policy named in ids, in the order of ids;
// ids with no stored policy are skipped. The policy engine evaluates
// policies in slice order, so this order is the evaluation order.
func (s *Store) ListPolicies(ctx context.Context, ids []string) ([]*contracts.Policy, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	policies := make([]*contracts.Policy, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPolicyByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			policies = append(policies, p)
		}
	}
	return policies, nil
}

// DeletePolicy removes a policy document.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	return err
}

// ResolveBundle loads a virtual token along with its bound credential and
// policies, assembling the contracts.TokenBundle the pipeline orchestrator
// carries through a request. It returns (nil, nil) when the token does not
// exist; callers distinguish "not found" from "I/O error" by the nil bundle.
func (s *Store) ResolveBundle(ctx context.Context, tokenID string) (*contracts.TokenBundle, error) {
	tok, err := s.GetToken(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("pstore: resolve bundle: load token: %w", err)
	}
	if tok == nil {
		return nil, nil
	}

	bundle := &contracts.TokenBundle{Token: tok, SchemaVersion: contracts.CurrentSchemaVersion}

	if tok.CredentialID != "" {
		cred, err := s.getCredentialByID(ctx, tok.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("pstore: resolve bundle: load credential: %w", err)
		}
		bundle.Credential = cred
	}

	policies, err := s.ListPolicies(ctx, tok.PolicyIDs)
	if err != nil {
		return nil, fmt.Errorf("pstore: resolve bundle: load policies: %w", err)
	}
	bundle.Policies = policies

	return bundle, nil
}

func (s *Store) getCredentialByID(ctx context.Context, id string) (*contracts.Credential, error) {
	var cred contracts.Credential
	var lastUsedAt sql.NullTime

	query := `
		SELECT id, tenant_id, provider, upstream_base_url, encrypted_secret, key_version,
			injection_mode, injection_name, created_at, last_used_at, disabled
		FROM credentials WHERE id = $1
	`
	err := s.reader.QueryRowContext(ctx, query, id).Scan(
		&cred.ID, &cred.TenantID, &cred.Provider, &cred.UpstreamBaseURL,
		&cred.EncryptedSecret, &cred.KeyVersion, &cred.InjectionMode, &cred.InjectionName,
		&cred.CreatedAt, &lastUsedAt, &cred.Disabled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastUsedAt.Valid {
		cred.LastUsedAt = &lastUsedAt.Time
	}
	return &cred, nil
}

// RevokeToken marks a virtual token revoked.
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE virtual_tokens SET revoked = true, revoked_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	return err
}

// TouchToken stamps a virtual token's last-used time.
func (s *Store) TouchToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE virtual_tokens SET last_used_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	return err
}
