package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/queue"
	"github.com/ammoindex/datafeed/store"
	"github.com/ammoindex/datafeed/transport"
)

func TestExpiryExceeded(t *testing.T) {
	// First run of a fresh source: nothing active, never blocks.
	require.False(t, expiryExceeded(0, 0, 0.2))
	require.False(t, expiryExceeded(5, 0, 0.2))
	require.False(t, expiryExceeded(0, 100, 0.2))

	require.False(t, expiryExceeded(20, 100, 0.2)) // exactly at the bound
	require.True(t, expiryExceeded(21, 100, 0.2))
	require.True(t, expiryExceeded(100, 100, 0.99))
}

func TestScheduleAfter(t *testing.T) {
	var now = time.Date(2025, 7, 1, 6, 0, 0, 0, time.UTC)
	var feed = &model.Feed{Status: model.FeedEnabled, ScheduleFrequencyHours: 6}

	next := scheduleAfter(feed, model.FeedEnabled, now)
	require.NotNil(t, next)
	require.Equal(t, now.Add(6*time.Hour), *next)

	// Feeds leaving ENABLED stop rescheduling.
	require.Nil(t, scheduleAfter(feed, model.FeedPaused, now))
	require.Nil(t, scheduleAfter(feed, model.FeedDisabled, now))
}

func TestFailureTallyAutoDisables(t *testing.T) {
	var feed = &model.Feed{Status: model.FeedEnabled, ConsecutiveFailures: 0}

	n, status := failureTally(feed)
	require.Equal(t, 1, n)
	require.Equal(t, model.FeedEnabled, status)

	feed.ConsecutiveFailures = 2
	n, status = failureTally(feed)
	require.Equal(t, 3, n)
	require.Equal(t, model.FeedDisabled, status)
}

func TestObjectKey(t *testing.T) {
	require.Equal(t, "feeds/3/17.csv", ObjectKey(3, 17, model.CompressionNone))
	require.Equal(t, "feeds/3/17.csv.gz", ObjectKey(3, 17, model.CompressionGzip))
}

func TestDirArchive(t *testing.T) {
	var root = t.TempDir()
	var a = DirArchive{Root: root}

	require.NoError(t, a.Put(context.Background(), "feeds/1/2.csv", []byte("a,b\n")))
	raw, err := os.ReadFile(filepath.Join(root, "feeds", "1", "2.csv"))
	require.NoError(t, err)
	require.Equal(t, "a,b\n", string(raw))
}

func TestRowPipelineErrorDetection(t *testing.T) {
	var wrapped = pipelineError{os.ErrClosed}
	require.True(t, rowPipelineError(wrapped))
	require.False(t, rowPipelineError(os.ErrClosed))
}

// feedUpdate captures one UpdateFeedAfterRun call.
type feedUpdate struct {
	mtime    *time.Time
	size     *int64
	hash     string
	next     *time.Time
	failures int
	status   model.FeedStatus
}

// fakeEngineStore satisfies Stores. Advisory locking delegates to a real
// store over sqlmock so the pin-and-unlock path stays exercised.
type fakeEngineStore struct {
	feed      *model.Feed
	refreshed *model.Feed
	feedReads int

	locks    *store.Store
	lockBusy bool

	hasBaseline bool
	settings    map[string]bool

	upserts     []*model.SourceProduct
	seen        []int64
	resolveReqs []int64
	runErrors   []*model.FeedRunError

	missing, active   int
	promoted, expired int64
	promoteCalls      int

	updates        []feedUpdate
	finished       []*model.FeedRun
	pendingCleared []bool
	createdRuns    []model.RunTrigger
}

func (f *fakeEngineStore) FeedByID(context.Context, int64) (*model.Feed, error) {
	f.feedReads++
	if f.feedReads > 1 && f.refreshed != nil {
		return f.refreshed, nil
	}
	return f.feed, nil
}
func (f *fakeEngineStore) TryAdvisoryLock(ctx context.Context, key int64) (*store.AdvisoryLock, bool, error) {
	if f.lockBusy {
		return nil, false, nil
	}
	return f.locks.TryAdvisoryLock(ctx, key)
}
func (f *fakeEngineStore) SettingBool(_ context.Context, name string) (bool, error) {
	return f.settings[name], nil
}
func (f *fakeEngineStore) HasSucceededRun(context.Context, int64) (bool, error) {
	return f.hasBaseline, nil
}
func (f *fakeEngineStore) InsertRunError(_ context.Context, e *model.FeedRunError, _ time.Time) error {
	f.runErrors = append(f.runErrors, e)
	return nil
}
func (f *fakeEngineStore) UpsertSourceProduct(_ context.Context, sp *model.SourceProduct, _ time.Time) (int64, bool, error) {
	f.upserts = append(f.upserts, sp)
	return int64(len(f.upserts)), true, nil
}
func (f *fakeEngineStore) ReplaceIdentifiers(context.Context, int64, []model.Identifier) error {
	return nil
}
func (f *fakeEngineStore) MarkSeen(_ context.Context, _, sourceProductID int64) error {
	f.seen = append(f.seen, sourceProductID)
	return nil
}
func (f *fakeEngineStore) EnqueueResolveRequest(_ context.Context, sourceProductID int64, _ time.Time) error {
	f.resolveReqs = append(f.resolveReqs, sourceProductID)
	return nil
}
func (f *fakeEngineStore) MissingFromRun(context.Context, string, int64) (int, error) {
	return f.missing, nil
}
func (f *fakeEngineStore) ActiveCount(context.Context, string) (int, error) {
	return f.active, nil
}
func (f *fakeEngineStore) PromoteRun(context.Context, int64, string, int, time.Time) (int64, int64, error) {
	f.promoteCalls++
	return f.promoted, f.expired, nil
}
func (f *fakeEngineStore) UpdateFeedAfterRun(_ context.Context, _ int64, mtime *time.Time,
	size *int64, hash string, next *time.Time, failures int,
	status model.FeedStatus, _ time.Time) error {
	f.updates = append(f.updates, feedUpdate{mtime, size, hash, next, failures, status})
	return nil
}
func (f *fakeEngineStore) FinishRun(_ context.Context, r *model.FeedRun, _ time.Time) (bool, error) {
	var cp = *r
	f.finished = append(f.finished, &cp)
	return true, nil
}
func (f *fakeEngineStore) SetManualRunPending(_ context.Context, _ int64, pending bool, _ time.Time) error {
	f.pendingCleared = append(f.pendingCleared, pending)
	return nil
}
func (f *fakeEngineStore) CreateRun(_ context.Context, _ int64, trigger model.RunTrigger,
	_ string, _ time.Time) (int64, error) {
	f.createdRuns = append(f.createdRuns, trigger)
	return 99, nil
}

// lockingStore backs TryAdvisoryLock with sqlmock so acquiring and
// releasing both hit real SQL.
func lockingStore(t *testing.T) *store.Store {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	return store.New(db)
}

type fakeTransport struct {
	dials   int
	dialErr error

	info      transport.FileInfo
	content   []byte
	downloads int
}

func (f *fakeTransport) Stat(context.Context, string) (transport.FileInfo, error) {
	return f.info, nil
}
func (f *fakeTransport) Download(_ context.Context, _ string, sink io.Writer, _ int64) (int64, error) {
	f.downloads++
	n, err := sink.Write(f.content)
	return int64(n), err
}
func (f *fakeTransport) TestConnection(context.Context) error { return nil }
func (f *fakeTransport) Close() error                         { return nil }

type fakeEnqueues struct {
	resolves []queue.ResolvePayload
	queues   []string
	ingests  []queue.IngestPayload
}

func (f *fakeEnqueues) EnqueueResolve(_ context.Context, p queue.ResolvePayload) error {
	f.resolves = append(f.resolves, p)
	return nil
}
func (f *fakeEnqueues) EnqueueIngest(_ context.Context, q string, p queue.IngestPayload) (bool, error) {
	f.queues = append(f.queues, q)
	f.ingests = append(f.ingests, p)
	return false, nil
}

const feedCSV = "sku,name,url,brand,price\n" +
	"SKU1,Federal 9mm Luger 115gr FMJ 50rd,https://shop.example/p/1,Federal,14.99\n"

func engineFeed() *model.Feed {
	return &model.Feed{
		ID: 1, SourceID: "avantlink:sportsmans", Network: "avantlink",
		Kind: model.KindAffiliate, Status: model.FeedEnabled,
		Transport: model.TransportSFTP, Host: "feeds.example.com", Port: 22,
		Path: "/export/feed.csv", Username: "ammo", Secret: []byte("pw"),
		Format: "CSV", Compression: model.CompressionNone,
		ScheduleFrequencyHours: 6, ExpiryHours: 48, ExpiryMaxFraction: 0.5,
		FeedLockID: -42,
	}
}

func newRunFixture(t *testing.T, st *fakeEngineStore, conn *fakeTransport) (*Engine, *fakeEnqueues) {
	t.Helper()
	if st.settings == nil {
		st.settings = map[string]bool{}
	}
	var enq = &fakeEnqueues{}
	var e = NewEngine(st, enq, EngineConfig{LogDir: t.TempDir()})
	e.now = func() time.Time { return time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC) }
	e.dial = func(context.Context, bool, transport.Params) (transport.Transport, error) {
		if conn.dialErr != nil {
			return nil, conn.dialErr
		}
		conn.dials++
		return conn, nil
	}
	return e, enq
}

func TestRunFeedLockBusySkips(t *testing.T) {
	var st = &fakeEngineStore{feed: engineFeed(), lockBusy: true}
	var conn = &fakeTransport{}
	e, _ := newRunFixture(t, st, conn)

	require.NoError(t, e.RunFeed(context.Background(), 1, 10, model.TriggerScheduled))

	require.Len(t, st.finished, 1)
	require.Equal(t, model.RunSkipped, st.finished[0].Status)
	require.Equal(t, model.SkipLockBusy, st.finished[0].FailureCode)
	require.Zero(t, conn.dials)
	// The lock holder owns the schedule; the loser must not touch it.
	require.Empty(t, st.updates)
}

func TestRunFeedUnchangedStatSkips(t *testing.T) {
	var mtime = time.Date(2025, 6, 30, 3, 0, 0, 0, time.UTC)
	var size = int64(2048)
	var feed = engineFeed()
	feed.LastRemoteMtime, feed.LastRemoteSize = &mtime, &size

	var st = &fakeEngineStore{feed: feed, locks: lockingStore(t), hasBaseline: true}
	var conn = &fakeTransport{info: transport.FileInfo{Size: size, ModTime: mtime}}
	e, _ := newRunFixture(t, st, conn)

	require.NoError(t, e.RunFeed(context.Background(), 1, 10, model.TriggerScheduled))

	require.Len(t, st.finished, 1)
	require.Equal(t, model.RunSkipped, st.finished[0].Status)
	require.Equal(t, model.SkipUnchangedStat, st.finished[0].FailureCode)
	require.Zero(t, conn.downloads)

	// Stat skips still reschedule with failures untouched.
	require.Len(t, st.updates, 1)
	require.Zero(t, st.updates[0].failures)
	require.Equal(t, model.FeedEnabled, st.updates[0].status)
	require.NotNil(t, st.updates[0].next)
}

func TestRunFeedUnchangedStatWithoutBaselineDownloads(t *testing.T) {
	var mtime = time.Date(2025, 6, 30, 3, 0, 0, 0, time.UTC)
	var size = int64(len(feedCSV))
	var feed = engineFeed()
	feed.LastRemoteMtime, feed.LastRemoteSize = &mtime, &size

	var st = &fakeEngineStore{
		feed: feed, locks: lockingStore(t),
		hasBaseline: false, active: 100,
	}
	var conn = &fakeTransport{
		info:    transport.FileInfo{Size: size, ModTime: mtime},
		content: []byte(feedCSV),
	}
	e, _ := newRunFixture(t, st, conn)

	require.NoError(t, e.RunFeed(context.Background(), 1, 10, model.TriggerScheduled))

	require.Equal(t, 1, conn.downloads)
	require.Len(t, st.finished, 1)
	require.Equal(t, model.RunSucceeded, st.finished[0].Status)
}

func TestRunFeedUnchangedHashSkips(t *testing.T) {
	var sum = sha256.Sum256([]byte(feedCSV))
	var feed = engineFeed()
	feed.LastContentHash = hex.EncodeToString(sum[:])

	var st = &fakeEngineStore{feed: feed, locks: lockingStore(t)}
	var conn = &fakeTransport{
		info:    transport.FileInfo{Size: int64(len(feedCSV)), ModTime: time.Now()},
		content: []byte(feedCSV),
	}
	e, _ := newRunFixture(t, st, conn)

	require.NoError(t, e.RunFeed(context.Background(), 1, 10, model.TriggerScheduled))

	require.Equal(t, 1, conn.downloads)
	require.Empty(t, st.upserts)
	require.Len(t, st.finished, 1)
	require.Equal(t, model.RunSkipped, st.finished[0].Status)
	require.Equal(t, model.SkipUnchangedHash, st.finished[0].FailureCode)
}

func TestRunFeedCircuitBreakerBlocksPromotion(t *testing.T) {
	var st = &fakeEngineStore{
		feed: engineFeed(), locks: lockingStore(t),
		missing: 60, active: 100,
	}
	var conn = &fakeTransport{
		info:    transport.FileInfo{Size: int64(len(feedCSV)), ModTime: time.Now()},
		content: []byte(feedCSV),
	}
	e, enq := newRunFixture(t, st, conn)

	require.NoError(t, e.RunFeed(context.Background(), 1, 10, model.TriggerScheduled))

	// The row pipeline ran in full before the breaker tripped.
	require.Len(t, st.upserts, 1)
	require.Equal(t, "SKU1", st.upserts[0].StableKey)
	require.Equal(t, []int64{1}, st.seen)
	require.Equal(t, []int64{1}, st.resolveReqs)
	require.Len(t, enq.resolves, 1)
	require.Equal(t, int64(10), enq.resolves[0].AffiliateFeedRunID)

	// Blocked promotion still finalizes as SUCCEEDED, awaiting approval.
	require.Zero(t, st.promoteCalls)
	require.Len(t, st.finished, 1)
	var run = st.finished[0]
	require.Equal(t, model.RunSucceeded, run.Status)
	require.True(t, run.ExpiryBlocked)
	require.True(t, strings.HasPrefix(run.ExpiryBlockedReason, model.FailCircuitOpen))
}

func TestRunFeedPromotesAndSchedules(t *testing.T) {
	var st = &fakeEngineStore{
		feed: engineFeed(), locks: lockingStore(t),
		missing: 1, active: 100, promoted: 1, expired: 1,
	}
	var conn = &fakeTransport{
		info:    transport.FileInfo{Size: int64(len(feedCSV)), ModTime: time.Now()},
		content: []byte(feedCSV),
	}
	e, _ := newRunFixture(t, st, conn)

	require.NoError(t, e.RunFeed(context.Background(), 1, 10, model.TriggerScheduled))

	require.Equal(t, 1, st.promoteCalls)
	require.Len(t, st.finished, 1)
	var run = st.finished[0]
	require.Equal(t, model.RunSucceeded, run.Status)
	require.Equal(t, 1, run.Counters.ProductsPromoted)
	require.Equal(t, 1, run.Counters.ProductsUpserted)

	require.Len(t, st.updates, 1)
	require.Zero(t, st.updates[0].failures)
	require.Equal(t, run.ContentHash, st.updates[0].hash)
	require.NotNil(t, st.updates[0].next)
}

func TestRunFeedAutoDisablesAfterRepeatedFailures(t *testing.T) {
	var feed = engineFeed()
	feed.ConsecutiveFailures = 2

	var st = &fakeEngineStore{feed: feed, locks: lockingStore(t)}
	var conn = &fakeTransport{dialErr: errors.New("connection refused")}
	e, _ := newRunFixture(t, st, conn)

	require.NoError(t, e.RunFeed(context.Background(), 1, 10, model.TriggerScheduled))

	require.Len(t, st.finished, 1)
	require.Equal(t, model.RunFailed, st.finished[0].Status)
	require.Equal(t, model.FailureTransport, st.finished[0].FailureKind)

	// Third consecutive failure crosses the auto-disable threshold.
	require.Len(t, st.updates, 1)
	require.Equal(t, 3, st.updates[0].failures)
	require.Equal(t, model.FeedDisabled, st.updates[0].status)
	require.Nil(t, st.updates[0].next)
}

func TestRunFeedManualPendingFollowUp(t *testing.T) {
	var refreshed = *engineFeed()
	refreshed.ManualRunPending = true

	var st = &fakeEngineStore{
		feed: engineFeed(), refreshed: &refreshed, locks: lockingStore(t),
		active: 100,
	}
	var conn = &fakeTransport{
		info:    transport.FileInfo{Size: int64(len(feedCSV)), ModTime: time.Now()},
		content: []byte(feedCSV),
	}
	e, enq := newRunFixture(t, st, conn)

	require.NoError(t, e.RunFeed(context.Background(), 1, 10, model.TriggerScheduled))

	require.Equal(t, []bool{false}, st.pendingCleared)
	require.Equal(t, []model.RunTrigger{model.TriggerManualPending}, st.createdRuns)
	require.Equal(t, []string{queue.IngestQueue(model.KindAffiliate)}, enq.queues)
	require.Len(t, enq.ingests, 1)
	require.Equal(t, string(model.TriggerManualPending), enq.ingests[0].Trigger)
	require.Equal(t, int64(99), enq.ingests[0].FeedRunID)
}
