// Package approval implements the approval bus (C8): the human-in-the-loop
// bridge for RequireApproval policy actions. A pipeline goroutine raises a
// request and suspends on Await; an operator resolves it by posting a
// signed ApprovalReceipt, which Resolve verifies and then broadcasts over
// the KVS approval channel so every gateway instance holding a suspended
// request for that intent wakes up, not just the one that happened to
// receive the HTTP call.
package approval

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
	"github.com/sujan174/Ai-Link-sub000/pkg/kvs"
)

// ErrNotFound is returned when an intent hash has no matching pending
// request, either because it was never raised on this store or because it
// already resolved and was reaped.
var ErrNotFound = fmt.Errorf("approval: request not found")

// ErrAlreadyResolved is returned when Resolve targets a request that is no
// longer ApprovalPending.
var ErrAlreadyResolved = fmt.Errorf("approval: request already resolved")

const keyPrefix = "approval:"

// waiter is a local suspend point; exactly one pipeline goroutine blocks on
// ready per raised request, woken either by a direct Resolve on this
// instance or by a pub/sub notification that another instance resolved it.
type waiter struct {
	ready chan struct{}
	once  sync.Once
}

func (w *waiter) fire() {
	w.once.Do(func() { close(w.ready) })
}

// Manager tracks in-flight approval requests and brokers their resolution.
// Requests are persisted to the KVS (so a request survives the raising
// instance crashing) and mirrored in an in-process map for low-latency
// suspend/resume on the common case where the same instance also resolves
// the request.
//
//nolint:govet // fieldalignment: struct layout kept readable
type Manager struct {
	kv kvs.Store

	mu      sync.Mutex
	waiters map[string]*waiter // keyed by IntentHash

	unsub func()
	clock func() time.Time
}

// New builds a Manager backed by kv and starts listening for cross-instance
// approval events. Callers must call Close when done.
func New(ctx context.Context, kv kvs.Store) (*Manager, error) {
	m := &Manager{
		kv:      kv,
		waiters: make(map[string]*waiter),
		clock:   time.Now,
	}

	events, unsub, err := kv.Subscribe(ctx, kvs.ChannelApprovals)
	if err != nil {
		return nil, fmt.Errorf("approval: subscribe to approval channel: %w", err)
	}
	m.unsub = unsub

	go m.listen(events)

	return m, nil
}

func (m *Manager) listen(events <-chan string) {
	for payload := range events {
		var evt struct {
			IntentHash string `json:"intent_hash"`
		}
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			continue
		}
		m.mu.Lock()
		if w, ok := m.waiters[evt.IntentHash]; ok {
			w.fire()
		}
		m.mu.Unlock()
	}
}

// Close stops listening for cross-instance approval events.
func (m *Manager) Close() {
	if m.unsub != nil {
		m.unsub()
	}
}

// Raise persists a new approval request keyed by its IntentHash, reusing
// an existing request with the same IntentHash instead of creating a
// duplicate, but only while that request is still pending. IdempotencyKey
// is not consulted, and an already decided request is not reused. The
// returned request always reflects the canonical pending record, which may
// not be the one passed in.
func (m *Manager) Raise(ctx context.Context, req *contracts.ApprovalRequest) (*contracts.ApprovalRequest, error) {
	if req.ApprovalID == "" {
		req.ApprovalID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.clock()
	}
	if req.Status == "" {
		req.Status = contracts.ApprovalPending
	}

	if existing, err := m.lookup(ctx, req.IntentHash); err == nil && existing.Status == contracts.ApprovalPending {
		return existing, nil
	}

	m.mu.Lock()
	if _, ok := m.waiters[req.IntentHash]; !ok {
		m.waiters[req.IntentHash] = &waiter{ready: make(chan struct{})}
	}
	m.mu.Unlock()

	if err := m.persist(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Await suspends until req resolves, the context is cancelled, or req's
// ExpiresAt passes, whichever comes first. On expiry it resolves the
// request according to its OnTimeout policy ("deny" by default, per
// RequireApprovalAction) and returns the resulting terminal state.
func (m *Manager) Await(ctx context.Context, req *contracts.ApprovalRequest) (*contracts.ApprovalRequest, error) {
	m.mu.Lock()
	w, ok := m.waiters[req.IntentHash]
	if !ok {
		w = &waiter{ready: make(chan struct{})}
		m.waiters[req.IntentHash] = w
	}
	m.mu.Unlock()

	timer := time.NewTimer(time.Until(req.ExpiresAt))
	defer timer.Stop()

	select {
	case <-w.ready:
		return m.lookup(ctx, req.IntentHash)
	case <-timer.C:
		return m.expire(ctx, req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) expire(ctx context.Context, req *contracts.ApprovalRequest) (*contracts.ApprovalRequest, error) {
	current, err := m.lookup(ctx, req.IntentHash)
	if err != nil {
		return nil, err
	}
	if current.Status != contracts.ApprovalPending {
		return current, nil
	}

	if current.OnTimeout == "allow" {
		current.Status = contracts.ApprovalApproved
	} else {
		current.Status = contracts.ApprovalExpired
	}

	if err := m.persist(ctx, current); err != nil {
		return nil, err
	}
	m.broadcast(ctx, current.IntentHash)
	return current, nil
}

// Resolve applies an operator's signed receipt to the pending request it
// targets, verifying the Ed25519 signature over IntentHash before
// accepting the decision. Mirrors the verification flow of a WebCrypto
// signed approval callback: decode key, decode signature, verify, then
// flip status.
func (m *Manager) Resolve(ctx context.Context, receipt *contracts.ApprovalReceipt) (*contracts.ApprovalRequest, error) {
	if receipt.IntentHash == "" || receipt.PublicKey == "" || receipt.Signature == "" {
		return nil, fmt.Errorf("approval: receipt missing intent_hash, public_key, or signature")
	}

	req, err := m.lookup(ctx, receipt.IntentHash)
	if err != nil {
		return nil, err
	}
	if req.Status != contracts.ApprovalPending {
		return nil, ErrAlreadyResolved
	}

	pubKeyBytes, err := hex.DecodeString(receipt.PublicKey)
	if err != nil || len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("approval: invalid public key")
	}
	sigBytes, err := hex.DecodeString(receipt.Signature)
	if err != nil {
		return nil, fmt.Errorf("approval: invalid signature encoding: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKeyBytes), []byte(receipt.IntentHash), sigBytes) {
		return nil, fmt.Errorf("approval: signature verification failed")
	}

	if m.clock().After(req.ExpiresAt) {
		req.Status = contracts.ApprovalExpired
		_ = m.persist(ctx, req)
		return req, fmt.Errorf("approval: request expired before resolution")
	}

	receipt.Timestamp = m.clock()
	switch receipt.Decision {
	case "approve":
		req.Status = contracts.ApprovalApproved
	case "deny":
		req.Status = contracts.ApprovalDenied
	default:
		return nil, fmt.Errorf("approval: unknown decision %q", receipt.Decision)
	}
	req.Receipt = receipt

	if err := m.persist(ctx, req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if w, ok := m.waiters[req.IntentHash]; ok {
		w.fire()
	}
	m.mu.Unlock()

	m.broadcast(ctx, req.IntentHash)
	return req, nil
}

func (m *Manager) broadcast(ctx context.Context, intentHash string) {
	payload, _ := json.Marshal(struct {
		IntentHash string `json:"intent_hash"`
	}{IntentHash: intentHash})
	_ = m.kv.Publish(ctx, kvs.ChannelApprovals, string(payload))
}

func (m *Manager) persist(ctx context.Context, req *contracts.ApprovalRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("approval: marshal request: %w", err)
	}
	ttl := time.Until(req.ExpiresAt) + time.Hour
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := m.kv.Set(ctx, keyPrefix+req.IntentHash, string(data), ttl); err != nil {
		return fmt.Errorf("approval: persist request: %w", err)
	}
	return nil
}

func (m *Manager) lookup(ctx context.Context, intentHash string) (*contracts.ApprovalRequest, error) {
	raw, ok, err := m.kv.Get(ctx, keyPrefix+intentHash)
	if err != nil {
		return nil, fmt.Errorf("approval: lookup request: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var req contracts.ApprovalRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("approval: unmarshal request: %w", err)
	}
	return &req, nil
}
