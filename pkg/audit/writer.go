// Package audit implements the audit writer (C10): an append-only,
// hash-chained log of every pipeline decision. Records are accepted onto a
// bounded in-process channel and drained by a small pool of batch writers;
// when the channel is saturated the writer degrades rather than blocks,
// keeping only the fields spec §7 calls non-negotiable (identity, decision,
// latency, status) and dropping the rest.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

// genesisHash seeds the chain for a tenant's very first record.
const genesisHash = "genesis"

// Sink persists a batch of already hash-chained records. Each batch writer
// goroutine calls it; Sink implementations must be safe for
// concurrent use by multiple writer goroutines writing disjoint tenants.
type Sink interface {
	WriteBatch(ctx context.Context, records []*contracts.AuditRecord) error
}

// LocalBuffer receives records the primary Sink could not accept (e.g. the
// database was unreachable); it exists so a sink outage never loses
// audit history. BufferedSQLite implements this.
type LocalBuffer interface {
	Append(ctx context.Context, records []*contracts.AuditRecord) error
}

// Writer is the C10 facade every pipeline stage records through. It owns
// the bounded channel, the hash-chain state per tenant, and the batch
// writer pool.
type Writer struct {
	sink   Sink
	buffer LocalBuffer
	log    *slog.Logger
	signer ChainSigner // nil disables per-record signing

	ch         chan *contracts.AuditRecord
	coreCh     chan *contracts.AuditRecord // small reserved lane for degraded records
	batchSize  int
	flushEvery time.Duration

	chainMu sync.Mutex
	chain   map[string]string // tenantID -> last EntryHash
	seq     map[string]int64  // tenantID -> last Sequence

	degraded atomic.Int64 // count of records written in degraded (core-fields-only) form
	dropped  atomic.Int64 // count of records that hit neither sink nor buffer

	wg   sync.WaitGroup
	stop chan struct{}
}

// Config tunes the writer's channel capacity and batch writer pool, per
// spec §6's AILINK_AUDIT_BUFFER_SIZE and writer-pool settings.
type Config struct {
	BufferSize   int
	WriterPool   int
	BatchSize    int
	FlushEvery   time.Duration
}

// WithDefaults fills zero fields with spec-consistent values.
func (c Config) WithDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.WriterPool <= 0 {
		c.WriterPool = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 500 * time.Millisecond
	}
	return c
}

// New starts a Writer with cfg's pool of batch writers draining into sink,
// falling back to buffer (may be nil) when sink rejects a batch.
func New(cfg Config, sink Sink, buffer LocalBuffer, log *slog.Logger) *Writer {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = slog.Default()
	}
	coreCap := cfg.BufferSize / 4
	if coreCap < 64 {
		coreCap = 64
	}
	w := &Writer{
		sink:       sink,
		buffer:     buffer,
		log:        log,
		ch:         make(chan *contracts.AuditRecord, cfg.BufferSize),
		coreCh:     make(chan *contracts.AuditRecord, coreCap),
		batchSize:  cfg.BatchSize,
		flushEvery: cfg.FlushEvery,
		chain:      make(map[string]string),
		seq:        make(map[string]int64),
		stop:       make(chan struct{}),
	}
	for i := 0; i < cfg.WriterPool; i++ {
		w.wg.Add(1)
		go w.runBatchWriter()
	}
	return w
}

// WithSigner enables Ed25519 signing of every record's EntryHash as it's
// chained. Returns w for chaining at construction time.
func (w *Writer) WithSigner(signer ChainSigner) *Writer {
	w.signer = signer
	return w
}

// Draft is the pre-chained input to Record; the writer fills in Sequence,
// EntryID, PreviousHash, and EntryHash before it ever reaches a sink.
//
//nolint:govet // fieldalignment: struct layout kept readable
type Draft struct {
	EventType contracts.AuditEventType
	TenantID  string
	SessionID string
	TokenID   string
	Subject   string
	Payload   any
}

// Record enqueues a draft record for asynchronous writing. It never blocks
// more than an immediate channel send/degrade decision: if the channel is
// full, Record drops the full payload and writes a core-fields-only record
// instead, per spec §7's back-pressure invariant — identity, decision,
// latency, and status are the fields degrade-to-core-fields never sheds.
func (w *Writer) Record(d Draft) {
	rec := w.chainNext(d)

	select {
	case w.ch <- rec:
		return
	default:
	}

	core := w.degradeToCore(rec)
	select {
	case w.coreCh <- core:
		w.degraded.Add(1)
	default:
		w.dropped.Add(1)
		w.log.Warn("audit: dropped record under sustained back-pressure",
			"tenant_id", d.TenantID, "event_type", d.EventType)
	}
}

// degradeToCore strips everything from rec except the fields spec §7 names
// as never-droppable: identity (tenant/session/token), decision/subject,
// and status/latency when present in the payload.
func (w *Writer) degradeToCore(rec *contracts.AuditRecord) *contracts.AuditRecord {
	type core struct {
		StatusCode int   `json:"status_code,omitempty"`
		LatencyMs  int64 `json:"latency_ms,omitempty"`
		Decision   string `json:"decision,omitempty"`
	}
	var extracted core
	_ = json.Unmarshal(rec.Payload, &extracted)
	payload, _ := json.Marshal(extracted)

	degraded := *rec
	degraded.Payload = payload
	return &degraded
}

// chainNext assigns the next sequence number and computes EntryHash over
// the record with PreviousHash set and EntryHash held at "".
func (w *Writer) chainNext(d Draft) *contracts.AuditRecord {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		payload = json.RawMessage(`{}`)
	}

	w.chainMu.Lock()
	prev, ok := w.chain[d.TenantID]
	if !ok {
		prev = genesisHash
	}
	w.seq[d.TenantID]++
	seq := w.seq[d.TenantID]
	w.chainMu.Unlock()

	rec := &contracts.AuditRecord{
		Sequence:     seq,
		EntryID:      uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		EventType:    d.EventType,
		TenantID:     d.TenantID,
		SessionID:    d.SessionID,
		TokenID:      d.TokenID,
		Subject:      d.Subject,
		Payload:      payload,
		PreviousHash: prev,
	}
	rec.EntryHash = hashRecord(rec)
	if w.signer != nil {
		if sigType, sig, err := w.signer.Sign(rec.EntryHash); err != nil {
			w.log.Warn("audit: chain signing failed, writing unsigned record", "error", err)
		} else {
			rec.SignatureType = sigType
			rec.Signature = sig
		}
	}

	w.chainMu.Lock()
	w.chain[d.TenantID] = rec.EntryHash
	w.chainMu.Unlock()

	return rec
}

// hashRecord computes the SHA-256 of rec's JSON Canonicalization Scheme
// (RFC 8785) encoding with EntryHash held empty, so the hash commits to
// every other field deterministically regardless of map/field ordering.
func hashRecord(rec *contracts.AuditRecord) string {
	cp := *rec
	cp.EntryHash = ""
	raw, err := json.Marshal(cp)
	if err != nil {
		return ""
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		canon = raw
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// VerifyChain recomputes every record's EntryHash and checks PreviousHash
// linkage, returning the index of the first broken record or -1 if the
// chain verifies end to end. Records must be supplied in Sequence order
// for a single tenant.
func VerifyChain(records []*contracts.AuditRecord) int {
	prev := genesisHash
	for i, rec := range records {
		if rec.PreviousHash != prev {
			return i
		}
		want := hashRecord(rec)
		if want != rec.EntryHash {
			return i
		}
		prev = rec.EntryHash
	}
	return -1
}

func (w *Writer) runBatchWriter() {
	defer w.wg.Done()
	batch := make([]*contracts.AuditRecord, 0, w.batchSize)
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.writeBatch(batch)
		batch = batch[:0]
	}

	// drain empties both channels once Close has closed them, so records
	// queued before Close are written rather than abandoned.
	drain := func() {
		for rec := range w.ch {
			batch = append(batch, rec)
		}
		for rec := range w.coreCh {
			batch = append(batch, rec)
		}
		flush()
	}

	for {
		select {
		case rec, ok := <-w.ch:
			if !ok {
				drain()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
			}
		case rec, ok := <-w.coreCh:
			if !ok {
				drain()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stop:
			drain()
			return
		}
	}
}

func (w *Writer) writeBatch(batch []*contracts.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cp := make([]*contracts.AuditRecord, len(batch))
	copy(cp, batch)

	if err := w.sink.WriteBatch(ctx, cp); err != nil {
		w.log.Error("audit: sink write failed, falling back to local buffer", "error", err, "count", len(cp))
		if w.buffer == nil {
			w.dropped.Add(int64(len(cp)))
			return
		}
		if err := w.buffer.Append(ctx, cp); err != nil {
			w.dropped.Add(int64(len(cp)))
			w.log.Error("audit: local buffer append failed, records lost", "error", err, "count", len(cp))
		}
	}
}

// Close stops accepting new records, drains the channel, and waits for all
// batch writers to exit.
func (w *Writer) Close() error {
	close(w.stop)
	close(w.ch)
	close(w.coreCh)
	w.wg.Wait()
	return nil
}

// Stats reports the writer's back-pressure counters for observability.
func (w *Writer) Stats() (degraded, dropped int64) {
	return w.degraded.Load(), w.dropped.Load()
}
