package breaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujan174/Ai-Link-sub000/pkg/breaker"
	"github.com/sujan174/Ai-Link-sub000/pkg/contracts"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := breaker.New()
	cfg := contracts.CBConfig{FailureThreshold: 3}
	up := []contracts.Upstream{{URL: "https://a"}}

	for i := 0; i < 2; i++ {
		sel, err := b.Select("tok-1", up, cfg)
		require.NoError(t, err)
		assert.Equal(t, "https://a", sel)
		b.RecordFailure("tok-1", "https://a", cfg)
	}

	b.RecordFailure("tok-1", "https://a", cfg)

	_, err := b.Select("tok-1", up, cfg)
	var openErr *breaker.ErrAllUpstreamsOpen
	require.True(t, errors.As(err, &openErr))
}

func TestBreaker_SelectsAroundOpenUpstream(t *testing.T) {
	b := breaker.New()
	cfg := contracts.CBConfig{FailureThreshold: 1}
	up := []contracts.Upstream{{URL: "https://a", Weight: 1}, {URL: "https://b", Weight: 1}}

	b.RecordFailure("tok-1", "https://a", cfg)

	for i := 0; i < 5; i++ {
		sel, err := b.Select("tok-1", up, cfg)
		require.NoError(t, err)
		assert.Equal(t, "https://b", sel)
	}
}

func TestBreaker_PriorityOverridesWeight(t *testing.T) {
	b := breaker.New()
	cfg := contracts.CBConfig{}
	up := []contracts.Upstream{
		{URL: "https://low", Weight: 100, Priority: 0},
		{URL: "https://high", Weight: 1, Priority: 10},
	}

	for i := 0; i < 10; i++ {
		sel, err := b.Select("tok-1", up, cfg)
		require.NoError(t, err)
		assert.Equal(t, "https://high", sel)
	}
}

func TestBreaker_PerUpstreamIsolation(t *testing.T) {
	b := breaker.New()
	cfg := contracts.CBConfig{FailureThreshold: 1}

	b.RecordFailure("tok-1", "https://a", cfg)
	health := b.Health("tok-1", "https://a")
	assert.Equal(t, contracts.CBOpen, health.State)

	otherHealth := b.Health("tok-1", "https://b")
	assert.Equal(t, contracts.CBClosed, otherHealth.State)

	tokHealth := b.Health("tok-2", "https://a")
	assert.Equal(t, contracts.CBClosed, tokHealth.State, "breaker state is per-token, not global per-upstream")
}

func TestBreaker_HalfOpenProbeSlotLimitsConcurrency(t *testing.T) {
	b := breaker.New()
	cfg := contracts.CBConfig{FailureThreshold: 1, HalfOpenMaxRequests: 1, RecoveryCooldown: time.Nanosecond}

	b.RecordFailure("tok-1", "https://a", cfg)

	// RecoveryCooldown is 1ns (a zero value would fall back to the 30s
	// default) so the very next touch promotes Open -> HalfOpen.
	require.NoError(t, b.ReserveProbe("tok-1", "https://a", cfg))
	err := b.ReserveProbe("tok-1", "https://a", cfg)
	assert.Error(t, err, "a second concurrent probe must be rejected")
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := breaker.New()
	cfg := contracts.CBConfig{FailureThreshold: 1, HalfOpenMaxRequests: 1, RecoveryCooldown: time.Nanosecond}

	b.RecordFailure("tok-1", "https://a", cfg)
	require.NoError(t, b.ReserveProbe("tok-1", "https://a", cfg))
	b.RecordSuccess("tok-1", "https://a", 42)

	assert.Equal(t, contracts.CBClosed, b.Health("tok-1", "https://a").State)
}
