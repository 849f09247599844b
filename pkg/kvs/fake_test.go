package kvs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujan174/Ai-Link-sub000/pkg/kvs"
)

func TestFakeStore_IncrementIfUnder(t *testing.T) {
	ctx := context.Background()
	f := kvs.NewFake()

	for i := 0; i < 3; i++ {
		admitted, count, _, err := f.IncrementIfUnder(ctx, "rl:tok", time.Minute, 3)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, int64(i+1), count)
	}

	admitted, count, _, err := f.IncrementIfUnder(ctx, "rl:tok", time.Minute, 3)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, int64(3), count)
}

func TestFakeStore_AddSpend(t *testing.T) {
	ctx := context.Background()
	f := kvs.NewFake()

	total, exceeded, err := f.AddSpend(ctx, "spend:tok:2026-07-31", 4.5, 10)
	require.NoError(t, err)
	assert.Equal(t, 4.5, total)
	assert.False(t, exceeded)

	total, exceeded, err = f.AddSpend(ctx, "spend:tok:2026-07-31", 6, 10)
	require.NoError(t, err)
	assert.Equal(t, 10.5, total)
	assert.True(t, exceeded)
}

func TestFakeStore_Lock(t *testing.T) {
	ctx := context.Background()
	f := kvs.NewFake()

	ok, err := f.AcquireLock(ctx, "probe:upstream-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.AcquireLock(ctx, "probe:upstream-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire before release must fail")

	require.NoError(t, f.ReleaseLock(ctx, "probe:upstream-a"))

	ok, err = f.AcquireLock(ctx, "probe:upstream-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFakeStore_PubSub(t *testing.T) {
	ctx := context.Background()
	f := kvs.NewFake()

	ch, cancel, err := f.Subscribe(ctx, kvs.ChannelInvalidation)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.Publish(ctx, kvs.ChannelInvalidation, "tok:abc"))

	select {
	case msg := <-ch:
		assert.Equal(t, "tok:abc", msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
