package bigcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{LifeWindow: time.Minute})
	require.NoError(t, err)
	defer p.Close(ctx)

	ok, err := p.Set(ctx, "k1", []byte("v1"), 2, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = p.Set(ctx, "k2", []byte("v2"), 2, 0)
	require.NoError(t, err)

	b, hit, err := p.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, []byte("v1"), b)

	got, err := p.GetMany(ctx, []string{"k1", "missing", "k2"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, []byte("v2"), got["k2"])

	require.NoError(t, p.Del(ctx, "k1"))
	require.NoError(t, p.Del(ctx, "k1"))
	_, hit, err = p.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, hit)
}

func TestOversizedEntryIsRejected(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{LifeWindow: time.Minute, HardMaxCacheSizeMB: 1, MaxEntrySize: 64, MaxEntriesInWindow: 16})
	require.NoError(t, err)
	defer p.Close(ctx)

	big := make([]byte, p.maxEntry+1)
	ok, err := p.Set(ctx, "huge", big, int64(len(big)), 0)
	require.NoError(t, err)
	require.False(t, ok)
}
