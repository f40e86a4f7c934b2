package runlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ammoindex/datafeed/model"
)

func TestSlug(t *testing.T) {
	require.Equal(t, "sportsman-s-warehouse", Slug("Sportsman's Warehouse"))
	require.Equal(t, "midwayusa", Slug("MidwayUSA"))
	require.Equal(t, "unknown", Slug("  "))
}

func TestForIngestPaths(t *testing.T) {
	var dir = t.TempDir()
	var at = time.Date(2025, 7, 1, 8, 30, 0, 0, time.UTC)

	h, err := ForIngest(dir, model.KindAffiliate, "Sportsman's Warehouse", at)
	require.NoError(t, err)
	h.WithField("rowsRead", 10).Info("parsed")
	require.NoError(t, h.Close())
	require.Equal(t,
		filepath.Join(dir, "datafeeds", "affiliate", "sportsman-s-warehouse", "2025-07-01T08-30-00Z.log"),
		h.Path)

	// Lines are JSON.
	raw, err := os.ReadFile(h.Path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"rowsRead":10`)

	h, err = ForIngest(dir, model.KindRetailer, "", at)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.Equal(t,
		filepath.Join(dir, "datafeeds", "retailers", "2025-07-01T08-30-00Z.log"),
		h.Path)
}

func TestForResolverPaths(t *testing.T) {
	var dir = t.TempDir()
	var at = time.Date(2025, 7, 1, 8, 30, 0, 0, time.UTC)

	h, err := ForResolver(dir, 42, at)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.Equal(t, filepath.Join(dir, "datafeeds", "resolver", "42.log"), h.Path)

	h, err = ForResolver(dir, 0, at)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.Equal(t, filepath.Join(dir, "datafeeds", "resolver", "daily-2025-07-01.log"), h.Path)
}

func TestSweepRetention(t *testing.T) {
	var dir = t.TempDir()
	var now = time.Now()

	h, err := ForIngest(dir, model.KindAffiliate, "old-retailer", now)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	var oldPath = h.Path
	require.NoError(t, os.Chtimes(oldPath, now.Add(-8*24*time.Hour), now.Add(-8*24*time.Hour)))

	h, err = ForIngest(dir, model.KindAffiliate, "fresh-retailer", now)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	var freshPath = h.Path

	require.NoError(t, Sweep(dir, now))

	_, err = os.Stat(oldPath)
	require.True(t, os.IsNotExist(err))
	// The emptied retailer directory goes too.
	_, err = os.Stat(filepath.Dir(oldPath))
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(freshPath)
	require.NoError(t, err)
}

func TestSweepMissingRootIsFine(t *testing.T) {
	require.NoError(t, Sweep(filepath.Join(t.TempDir(), "nope"), time.Now()))
}
