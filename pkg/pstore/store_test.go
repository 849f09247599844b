package pstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
	"github.com/sujan174/Ai-Link-sub000/pkg/vault"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	schema := `
		CREATE TABLE credentials (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			upstream_base_url TEXT,
			encrypted_secret TEXT NOT NULL,
			key_version INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			last_used_at DATETIME,
			disabled BOOLEAN NOT NULL DEFAULT 0,
			UNIQUE (tenant_id, provider)
		);
		CREATE TABLE virtual_tokens (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			project_id TEXT,
			label TEXT,
			credential_id TEXT,
			default_upstream_url TEXT,
			upstreams TEXT,
			circuit_breaker_config TEXT,
			policy_ids TEXT,
			scopes TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			expires_at DATETIME,
			revoked BOOLEAN NOT NULL DEFAULT 0,
			revoked_at DATETIME,
			last_used_at DATETIME
		);
		CREATE TABLE policies (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			mode TEXT NOT NULL,
			rules TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			disabled BOOLEAN NOT NULL DEFAULT 0
		);
		CREATE TABLE sessions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			token_id TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			last_seen_at DATETIME NOT NULL,
			iteration_count INTEGER NOT NULL DEFAULT 0,
			max_iterations INTEGER NOT NULL DEFAULT 0,
			wallclock_budget_ns INTEGER NOT NULL DEFAULT 0,
			sticky_upstream TEXT,
			tags TEXT
		);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func testVault(t *testing.T) vault.Manager {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	v, err := vault.NewLocalVault(key)
	if err != nil {
		t.Fatalf("NewLocalVault: %v", err)
	}
	return v
}

func TestStore_SaveAndResolveCredential(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := New(db, testVault(t))
	ctx := context.Background()

	cred := &contracts.Credential{
		ID:              "cred-1",
		TenantID:        "tenant-a",
		Provider:        contracts.ProviderOpenAI,
		UpstreamBaseURL: "https://api.openai.com",
	}

	if err := store.SaveCredential(ctx, cred, "sk-live-secret"); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}
	if cred.EncryptedSecret == "sk-live-secret" {
		t.Fatal("secret must not be stored in plaintext")
	}

	got, err := store.GetCredential(ctx, "tenant-a", contracts.ProviderOpenAI)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got == nil {
		t.Fatal("expected credential, got nil")
	}

	secret, err := store.ResolveSecret(got)
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if secret != "sk-live-secret" {
		t.Fatalf("resolved secret = %q, want sk-live-secret", secret)
	}
}

func TestStore_DeleteCredential(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := New(db, testVault(t))
	ctx := context.Background()

	cred := &contracts.Credential{ID: "cred-2", TenantID: "tenant-b", Provider: contracts.ProviderAnthropic}
	if err := store.SaveCredential(ctx, cred, "secret"); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}
	if err := store.DeleteCredential(ctx, "tenant-b", contracts.ProviderAnthropic); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}

	got, err := store.GetCredential(ctx, "tenant-b", contracts.ProviderAnthropic)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil after delete")
	}
}

func TestStore_RewrapCredentialAfterRotation(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	v := testVault(t)
	store := New(db, v)
	ctx := context.Background()

	cred := &contracts.Credential{ID: "cred-3", TenantID: "tenant-c", Provider: contracts.ProviderGemini}
	if err := store.SaveCredential(ctx, cred, "rotate-secret"); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}
	oldVersion := cred.KeyVersion

	if _, err := v.(*vault.LocalVault).RotateMaster(); err != nil {
		t.Fatalf("RotateMaster: %v", err)
	}
	if err := store.RewrapCredential(ctx, cred); err != nil {
		t.Fatalf("RewrapCredential: %v", err)
	}
	if cred.KeyVersion == oldVersion {
		t.Fatal("expected key version to advance after rewrap")
	}

	secret, err := store.ResolveSecret(cred)
	if err != nil {
		t.Fatalf("ResolveSecret after rewrap: %v", err)
	}
	if secret != "rotate-secret" {
		t.Fatalf("secret changed after rewrap: got %q", secret)
	}
}

func TestStore_TokenLifecycle(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := New(db, testVault(t))
	ctx := context.Background()

	tok := &contracts.VirtualToken{
		ID:        "tok-1",
		TenantID:  "tenant-d",
		Label:     "ci-agent",
		PolicyIDs: []string{"policy-1"},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.SaveToken(ctx, tok); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	got, err := store.GetToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got == nil || got.Label != "ci-agent" {
		t.Fatalf("unexpected token: %+v", got)
	}
	if !got.IsActive(time.Now()) {
		t.Fatal("expected active token")
	}

	if err := store.RevokeToken(ctx, "tok-1"); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	got, err = store.GetToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetToken after revoke: %v", err)
	}
	if got.IsActive(time.Now()) {
		t.Fatal("expected revoked token to be inactive")
	}
}

func TestStore_SessionIterationCounter(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := New(db, testVault(t))
	ctx := context.Background()

	now := time.Now().UTC()
	sess := &contracts.Session{
		ID:            "sess-1",
		TenantID:      "tenant-e",
		TokenID:       "tok-1",
		StartedAt:     now,
		LastSeenAt:    now,
		MaxIterations: 3,
	}
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	var last int64
	for i := 0; i < 3; i++ {
		count, err := store.IncrementIteration(ctx, "sess-1")
		if err != nil {
			t.Fatalf("IncrementIteration: %v", err)
		}
		last = count
	}
	if last != 3 {
		t.Fatalf("expected iteration_count 3, got %d", last)
	}

	got, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.ExceedsIterationLimit() {
		t.Fatal("expected session to exceed iteration limit after 3 increments")
	}
}
