package audit_test

import (
	"crypto/rand"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujan174/Ai-Link-sub000/pkg/audit"
	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

func randomSeed(t *testing.T) []byte {
	t.Helper()
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return seed
}

func TestWriter_SignsChainedRecords(t *testing.T) {
	signer, err := audit.NewEd25519ChainSigner(randomSeed(t))
	require.NoError(t, err)

	sink := &captureSink{}
	w := audit.New(audit.Config{BatchSize: 1, FlushEvery: 10 * time.Millisecond}, sink, nil, slog.Default()).WithSigner(signer)
	defer w.Close()

	w.Record(audit.Draft{EventType: contracts.AuditEventRequest, TenantID: "tenant-a", Subject: "req"})
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 10*time.Millisecond)

	recs := sink.all()
	assert.Equal(t, "ed25519", recs[0].SignatureType)
	assert.NotEmpty(t, recs[0].Signature)
	assert.Equal(t, -1, audit.VerifySignatures(recs, signer.PublicKey()))
}

func TestVerifySignatures_DetectsTamperAfterSigning(t *testing.T) {
	signer, err := audit.NewEd25519ChainSigner(randomSeed(t))
	require.NoError(t, err)

	sink := &captureSink{}
	w := audit.New(audit.Config{BatchSize: 1, FlushEvery: 10 * time.Millisecond}, sink, nil, slog.Default()).WithSigner(signer)
	defer w.Close()

	w.Record(audit.Draft{EventType: contracts.AuditEventRequest, TenantID: "tenant-a", Subject: "req"})
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 10*time.Millisecond)

	recs := sink.all()
	recs[0].Signature = recs[0].Signature[:len(recs[0].Signature)-2] + "00"
	assert.Equal(t, 0, audit.VerifySignatures(recs, signer.PublicKey()))
}

func TestEd25519ChainSigner_DeterministicFromSeed(t *testing.T) {
	seed := randomSeed(t)
	a, err := audit.NewEd25519ChainSigner(seed)
	require.NoError(t, err)
	b, err := audit.NewEd25519ChainSigner(seed)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), b.PublicKey(), "same seed must derive the same signing key across restarts")
}
