package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ammoindex/datafeed/model"
)

func TestTaskIDsAreStablePerEntity(t *testing.T) {
	require.Equal(t, "RESOLVE_SOURCE_PRODUCT_42", ResolveTaskID(42))
	require.Equal(t, ResolveTaskID(42), ResolveTaskID(42))
	require.NotEqual(t, ResolveTaskID(42), ResolveTaskID(43))

	require.Equal(t, "FEED_INGEST_7", IngestTaskID(7))
	require.NotEqual(t, IngestTaskID(7), ResolveTaskID(7))
}

func TestIngestQueueSelection(t *testing.T) {
	require.Equal(t, QueueAffiliateIngest, IngestQueue(model.KindAffiliate))
	require.Equal(t, QueueRetailerIngest, IngestQueue(model.KindRetailer))
}

func TestResolveAttemptCeiling(t *testing.T) {
	// First execution plus retries must total three attempts, matching
	// the sweeper's max-attempts cutoff for resolve requests.
	require.Equal(t, 3, resolveMaxRetry+1)
}

func TestResolveDebounceWindow(t *testing.T) {
	var e = NewEnqueuer(nil)
	for i := 0; i < 100; i++ {
		var delay = resolveDebounceBase + e.jitter(resolveDebounceJitter)
		require.GreaterOrEqual(t, delay, resolveDebounceBase)
		require.Less(t, delay, resolveDebounceBase+resolveDebounceJitter)
	}
}
