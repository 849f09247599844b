package audit_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujan174/Ai-Link-sub000/pkg/audit"
	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]*contracts.AuditRecord
	failN   int
}

func (c *captureSink) WriteBatch(_ context.Context, records []*contracts.AuditRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failN > 0 {
		c.failN--
		return assertError
	}
	cp := make([]*contracts.AuditRecord, len(records))
	copy(cp, records)
	c.batches = append(c.batches, cp)
	return nil
}

func (c *captureSink) all() []*contracts.AuditRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*contracts.AuditRecord
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

var assertError = &sinkErr{}

type sinkErr struct{}

func (*sinkErr) Error() string { return "sink unavailable" }

type captureBuffer struct {
	mu      sync.Mutex
	records []*contracts.AuditRecord
}

func (b *captureBuffer) Append(_ context.Context, records []*contracts.AuditRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, records...)
	return nil
}

func TestWriter_ChainsSequentially(t *testing.T) {
	sink := &captureSink{}
	w := audit.New(audit.Config{BatchSize: 1, FlushEvery: 10 * time.Millisecond}, sink, nil, slog.Default())
	defer w.Close()

	for i := 0; i < 3; i++ {
		w.Record(audit.Draft{
			EventType: contracts.AuditEventRequest,
			TenantID:  "tenant-a",
			Subject:   "req",
			Payload:   map[string]int{"i": i},
		})
	}

	require.Eventually(t, func() bool { return len(sink.all()) == 3 }, time.Second, 10*time.Millisecond)

	recs := sink.all()
	idx := audit.VerifyChain(recs)
	assert.Equal(t, -1, idx, "chain must verify with no tampering")
	assert.Equal(t, int64(1), recs[0].Sequence)
	assert.Equal(t, int64(3), recs[2].Sequence)
	assert.Equal(t, "genesis", recs[0].PreviousHash)
	assert.Equal(t, recs[0].EntryHash, recs[1].PreviousHash)
}

func TestVerifyChain_DetectsTamper(t *testing.T) {
	sink := &captureSink{}
	w := audit.New(audit.Config{BatchSize: 1, FlushEvery: 10 * time.Millisecond}, sink, nil, slog.Default())
	defer w.Close()

	for i := 0; i < 2; i++ {
		w.Record(audit.Draft{EventType: contracts.AuditEventRequest, TenantID: "tenant-a", Subject: "req"})
	}
	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, time.Second, 10*time.Millisecond)

	recs := sink.all()
	recs[1].Subject = "tampered"
	idx := audit.VerifyChain(recs)
	assert.Equal(t, 1, idx)
}

func TestWriter_FallsBackToLocalBuffer(t *testing.T) {
	sink := &captureSink{failN: 1}
	buf := &captureBuffer{}
	w := audit.New(audit.Config{BatchSize: 1, FlushEvery: 10 * time.Millisecond}, sink, buf, slog.Default())
	defer w.Close()

	w.Record(audit.Draft{EventType: contracts.AuditEventRequest, TenantID: "tenant-a", Subject: "req"})

	require.Eventually(t, func() bool {
		buf.mu.Lock()
		defer buf.mu.Unlock()
		return len(buf.records) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWriter_DegradesUnderBackPressure(t *testing.T) {
	sink := &captureSink{}
	w := audit.New(audit.Config{BufferSize: 1, WriterPool: 0, BatchSize: 1, FlushEvery: time.Hour}, sink, nil, slog.Default())

	w.Record(audit.Draft{
		EventType: contracts.AuditEventRequest,
		TenantID:  "tenant-a",
		Subject:   "req-1",
		Payload:   map[string]any{"status_code": 200, "latency_ms": 12, "body": "huge-request-body"},
	})
	w.Record(audit.Draft{
		EventType: contracts.AuditEventRequest,
		TenantID:  "tenant-a",
		Subject:   "req-2",
		Payload:   map[string]any{"status_code": 429, "latency_ms": 3, "body": "another-huge-body"},
	})

	degraded, _ := w.Stats()
	assert.GreaterOrEqual(t, degraded, int64(1))
}
