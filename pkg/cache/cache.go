// Package cache implements the tiered token-bundle cache (C4): a small,
// short-TTL in-process tier backed by a longer-TTL shared tier in the KVS
// (pkg/kvs), with invalidation fanned out over the KVS pub/sub channel so a
// revoke on one gateway instance evicts the bundle everywhere within one
// round trip, per spec §4.1/§4.3.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
	"github.com/sujan174/Ai-Link-sub000/pkg/kvs"
)

// Loader resolves a bundle on a cache miss; backed by pkg/pstore's
// ResolveBundle in production.
type Loader interface {
	ResolveBundle(ctx context.Context, tokenID string) (*contracts.TokenBundle, error)
}

// Errors the resolve-bundle pipeline stage distinguishes between, per spec
// §4.1's session-gate invariants.
var (
	// ErrUnknownToken is returned when no bundle exists for the token at all.
	ErrUnknownToken = errors.New("cache: unknown token")
	// ErrInactiveToken is returned when the token resolves but is revoked or
	// past its expiry.
	ErrInactiveToken = errors.New("cache: inactive token")
	// ErrInconsistentBundle is returned when a resolved bundle references a
	// credential or policy ID that no longer exists — a data integrity fault,
	// never a normal cache miss.
	ErrInconsistentBundle = errors.New("cache: inconsistent bundle")
	// ErrStaleSchema is returned when a shared-tier entry carries a
	// SchemaVersion outside contracts.SupportedSchemaRange, forcing a
	// reload through the Loader instead of trusting the cached bytes.
	ErrStaleSchema = errors.New("cache: stale schema version in shared entry")
)

var schemaConstraint = mustParseConstraint(contracts.SupportedSchemaRange)

func mustParseConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

type entry struct {
	bundle    *contracts.TokenBundle
	expiresAt time.Time
}

// Cache is the C4 facade. The in-process tier is checked first; a miss
// there falls through to the shared KVS tier; a miss there falls through to
// Loader, and the result is written back to both tiers.
type Cache struct {
	loader Loader
	kv     kvs.Store

	processTTL time.Duration
	sharedTTL  time.Duration

	mu      sync.RWMutex
	process map[string]entry

	unsub func()
}

// New builds a Cache and starts listening for invalidation events on the
// KVS pub/sub channel. Callers must call Close to stop that listener.
func New(ctx context.Context, loader Loader, kv kvs.Store, processTTL, sharedTTL time.Duration) (*Cache, error) {
	c := &Cache{
		loader:     loader,
		kv:         kv,
		processTTL: processTTL,
		sharedTTL:  sharedTTL,
		process:    make(map[string]entry),
	}

	invalidations, cancel, err := kv.Subscribe(ctx, kvs.ChannelInvalidation)
	if err != nil {
		return nil, fmt.Errorf("cache: subscribe invalidation channel: %w", err)
	}
	c.unsub = cancel

	go func() {
		for tokenID := range invalidations {
			c.evictLocal(tokenID)
		}
	}()

	return c, nil
}

// Close stops the invalidation subscriber.
func (c *Cache) Close() {
	if c.unsub != nil {
		c.unsub()
	}
}

// Resolve returns the bundle for tokenID, consulting the process tier, then
// the shared tier, then the Loader, in that order. It enforces the
// session-gate invariant that an inactive token never resolves, regardless
// of which tier served it.
func (c *Cache) Resolve(ctx context.Context, tokenID string) (*contracts.TokenBundle, error) {
	if b, ok := c.fromProcess(tokenID); ok {
		return b, validateBundle(b)
	}

	b, ok, err := c.fromShared(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if ok {
		if verr := checkSchema(b); verr != nil {
			// Stale shared-tier schema: fall through to the Loader below
			// instead of serving bytes this build may misinterpret.
		} else {
			c.putProcess(tokenID, b)
			return b, validateBundle(b)
		}
	}

	b, err = c.loader.ResolveBundle(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("cache: load bundle: %w", err)
	}
	if b == nil || b.Token == nil {
		return nil, ErrUnknownToken
	}
	if err := validateBundle(b); err != nil {
		return nil, err
	}

	c.putProcess(tokenID, b)
	_ = c.putShared(ctx, tokenID, b)
	return b, nil
}

// validateBundle enforces the active-token and referential-integrity
// invariants independent of which tier served the bundle.
func validateBundle(b *contracts.TokenBundle) error {
	if b == nil || b.Token == nil {
		return ErrUnknownToken
	}
	if !b.Token.IsActive(time.Now()) {
		return ErrInactiveToken
	}
	if b.Token.CredentialID != "" && b.Credential == nil {
		return ErrInconsistentBundle
	}
	for _, id := range b.Token.PolicyIDs {
		found := false
		for _, p := range b.Policies {
			if p.ID == id {
				found = true
				break
			}
		}
		if !found {
			return ErrInconsistentBundle
		}
	}
	return nil
}

// checkSchema reports ErrStaleSchema if b carries a SchemaVersion this
// build's contracts.SupportedSchemaRange rejects. A blank SchemaVersion
// (an entry written before this field existed) is treated as compatible.
func checkSchema(b *contracts.TokenBundle) error {
	if b.SchemaVersion == "" {
		return nil
	}
	v, err := semver.NewVersion(b.SchemaVersion)
	if err != nil {
		return fmt.Errorf("%w: unparseable version %q", ErrStaleSchema, b.SchemaVersion)
	}
	if !schemaConstraint.Check(v) {
		return fmt.Errorf("%w: %s not in range %s", ErrStaleSchema, v, contracts.SupportedSchemaRange)
	}
	return nil
}

// Invalidate evicts tokenID from both tiers and publishes the invalidation
// to every other gateway instance.
func (c *Cache) Invalidate(ctx context.Context, tokenID string) error {
	c.evictLocal(tokenID)
	if err := c.kv.Delete(ctx, sharedKey(tokenID)); err != nil {
		return fmt.Errorf("cache: delete shared entry: %w", err)
	}
	if err := c.kv.Publish(ctx, kvs.ChannelInvalidation, tokenID); err != nil {
		return fmt.Errorf("cache: publish invalidation: %w", err)
	}
	return nil
}

func (c *Cache) evictLocal(tokenID string) {
	c.mu.Lock()
	delete(c.process, tokenID)
	c.mu.Unlock()
}

func (c *Cache) fromProcess(tokenID string) (*contracts.TokenBundle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.process[tokenID]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.bundle, true
}

func (c *Cache) putProcess(tokenID string, b *contracts.TokenBundle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.process[tokenID] = entry{bundle: b, expiresAt: time.Now().Add(c.processTTL)}
}

func (c *Cache) fromShared(ctx context.Context, tokenID string) (*contracts.TokenBundle, bool, error) {
	raw, ok, err := c.kv.Get(ctx, sharedKey(tokenID))
	if err != nil {
		return nil, false, fmt.Errorf("cache: get shared entry: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var b contracts.TokenBundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, false, fmt.Errorf("cache: decode shared entry: %w", err)
	}
	return &b, true, nil
}

func (c *Cache) putShared(ctx context.Context, tokenID string, b *contracts.TokenBundle) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("cache: encode shared entry: %w", err)
	}
	return c.kv.Set(ctx, sharedKey(tokenID), string(raw), c.sharedTTL)
}

func sharedKey(tokenID string) string {
	return "bundle:" + tokenID
}
