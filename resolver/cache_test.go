package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/store"
)

type stubTrustStore struct {
	cfg   *model.SourceTrustConfig
	loads int
}

func (s *stubTrustStore) TrustConfig(context.Context, string) (*model.SourceTrustConfig, error) {
	s.loads++
	if s.cfg == nil {
		return nil, store.ErrNotFound
	}
	var cfg = *s.cfg
	return &cfg, nil
}

func TestTrustCacheLoadsThroughOnce(t *testing.T) {
	var ts = &stubTrustStore{cfg: &model.SourceTrustConfig{
		SourceID: "avantlink:sportsmans", UPCTrusted: true, Version: 1,
	}}
	var c = NewTrustCache(ts, nil)

	for i := 0; i < 3; i++ {
		cfg, err := c.Get(context.Background(), "avantlink:sportsmans")
		require.NoError(t, err)
		require.True(t, cfg.UPCTrusted)
	}
	require.Equal(t, 1, ts.loads)
}

func TestTrustCacheAbsentRowIsUntrusted(t *testing.T) {
	var c = NewTrustCache(&stubTrustStore{}, nil)

	cfg, err := c.Get(context.Background(), "unknown:source")
	require.NoError(t, err)
	require.False(t, cfg.UPCTrusted)
	require.Zero(t, cfg.Version)
}

func TestTrustCacheInvalidateReloads(t *testing.T) {
	var ts = &stubTrustStore{cfg: &model.SourceTrustConfig{
		SourceID: "avantlink:sportsmans", Version: 1,
	}}
	var c = NewTrustCache(ts, nil)

	cfg, err := c.Get(context.Background(), "avantlink:sportsmans")
	require.NoError(t, err)
	require.False(t, cfg.UPCTrusted)

	ts.cfg = &model.SourceTrustConfig{
		SourceID: "avantlink:sportsmans", UPCTrusted: true, Version: 2,
	}
	c.Invalidate("avantlink:sportsmans")

	cfg, err = c.Get(context.Background(), "avantlink:sportsmans")
	require.NoError(t, err)
	require.True(t, cfg.UPCTrusted)
	require.Equal(t, 2, cfg.Version)
	require.Equal(t, 2, ts.loads)
}

func TestInvalidationChannelsAreDistinct(t *testing.T) {
	// Trust messages carry a sourceID to drop; alias messages trigger a
	// full map rebuild. Conflating the channels would leave one cache
	// stale for up to its TTL.
	require.NotEqual(t, AliasInvalidateChannel, TrustInvalidateChannel)
}
