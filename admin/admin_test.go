package admin

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/resolver"
	"github.com/ammoindex/datafeed/store"
)

var testNow = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var svc = NewService(store.New(db), nil, nil, nil)
	svc.now = func() time.Time { return testNow }
	return svc, mock
}

var feedCols = []string{
	"id", "source_id", "network", "kind", "status", "transport", "host",
	"port", "path", "username", "secret", "secret_key_id", "secret_version",
	"format", "compression", "schedule_frequency_hours", "expiry_hours",
	"expiry_max_fraction", "max_file_size_bytes", "max_row_count",
	"next_run_at", "manual_run_pending", "last_manual_run_at",
	"consecutive_failures", "last_remote_mtime", "last_remote_size",
	"last_content_hash", "feed_lock_id", "created_at", "updated_at",
}

func feedRow(status model.FeedStatus, lastManualRunAt *time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(feedCols).AddRow(
		int64(1), "avantlink:sportsmans", "avantlink", "AFFILIATE", string(status),
		"SFTP", "feeds.example.com", 22, "/export/feed.csv.gz", "ammo",
		[]byte("secret"), "kms-1", 1,
		"CSV", "GZIP", 6, 48,
		0.2, int64(0), 0,
		nil, false, lastManualRunAt,
		0, nil, nil,
		"", int64(-12345), testNow, testNow,
	)
}

func expectFeedByID(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT (.+) FROM feeds WHERE id`).
		WithArgs(int64(1)).WillReturnRows(rows)
}

func TestPauseRequiresEnabled(t *testing.T) {
	svc, mock := newService(t)
	expectFeedByID(mock, feedRow(model.FeedDraft, nil))

	var res = svc.Pause(context.Background(), 1)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "requires ENABLED")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPauseClearsSchedule(t *testing.T) {
	svc, mock := newService(t)
	expectFeedByID(mock, feedRow(model.FeedEnabled, nil))
	mock.ExpectExec(`UPDATE feeds SET status`).
		WithArgs(int64(1), string(model.FeedPaused), nil, false, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var res = svc.Pause(context.Background(), 1)
	require.True(t, res.Success)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnableRejectsIncompleteCredentials(t *testing.T) {
	svc, mock := newService(t)
	var rows = sqlmock.NewRows(feedCols).AddRow(
		int64(1), "s", "n", "AFFILIATE", "DRAFT",
		"SFTP", "", 22, "", "",
		[]byte{}, "", 0,
		"CSV", "NONE", 6, 48,
		0.2, int64(0), 0,
		nil, false, nil,
		0, nil, nil,
		"", int64(-1), testNow, testNow,
	)
	expectFeedByID(mock, rows)

	var res = svc.Enable(context.Background(), 1)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "incomplete transport credentials")
}

func TestUpdateNextRunAtWindow(t *testing.T) {
	svc, mock := newService(t)

	expectFeedByID(mock, feedRow(model.FeedEnabled, nil))
	var res = svc.UpdateNextRunAt(context.Background(), 1, testNow.Add(-time.Hour))
	require.False(t, res.Success)

	expectFeedByID(mock, feedRow(model.FeedEnabled, nil))
	res = svc.UpdateNextRunAt(context.Background(), 1, testNow.Add(8*24*time.Hour))
	require.False(t, res.Success)

	expectFeedByID(mock, feedRow(model.FeedEnabled, nil))
	var at = testNow.Add(2 * time.Hour)
	mock.ExpectExec(`UPDATE feeds SET next_run_at`).
		WithArgs(int64(1), at, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	res = svc.UpdateNextRunAt(context.Background(), 1, at)
	require.True(t, res.Success)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerManualRunRateLimited(t *testing.T) {
	svc, mock := newService(t)
	var recent = testNow.Add(-time.Minute)
	expectFeedByID(mock, feedRow(model.FeedEnabled, &recent))

	var res = svc.TriggerManualRun(context.Background(), 1)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "rate limited")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerManualRunDefersBehindInFlight(t *testing.T) {
	svc, mock := newService(t)
	var old = testNow.Add(-time.Hour)
	expectFeedByID(mock, feedRow(model.FeedEnabled, &old))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM feed_runs WHERE feed_id = \$1 AND status = 'RUNNING'\)`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`UPDATE feeds SET last_manual_run_at`).
		WithArgs(int64(1), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE feeds SET manual_run_pending`).
		WithArgs(int64(1), true, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var res = svc.TriggerManualRun(context.Background(), 1)
	require.True(t, res.Success)
	require.Contains(t, res.Message, "queued after")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIgnoreRunRequiresReason(t *testing.T) {
	svc, _ := newService(t)
	var res = svc.IgnoreRun(context.Background(), 5, "ops", "no")
	require.False(t, res.Success)
	require.Contains(t, res.Error, "at least 3 characters")
}

func TestUpdateSourceTrustConfig(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery(`INSERT INTO source_trust_config`).
		WithArgs("avantlink:sportsmans", true, testNow).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).
			AddRow(4, testNow))

	var res = svc.UpdateSourceTrustConfig(context.Background(), "avantlink:sportsmans", true)
	require.True(t, res.Success)
	require.Contains(t, res.Message, "version=4")
	require.NoError(t, mock.ExpectationsWereMet())
}

type fakeTrustStore struct{ cfg model.SourceTrustConfig }

func (f *fakeTrustStore) TrustConfig(context.Context, string) (*model.SourceTrustConfig, error) {
	var cfg = f.cfg
	return &cfg, nil
}

func TestUpdateSourceTrustConfigInvalidatesCache(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var ts = &fakeTrustStore{cfg: model.SourceTrustConfig{
		SourceID: "avantlink:sportsmans", Version: 1,
	}}
	var trust = resolver.NewTrustCache(ts, nil)
	var svc = NewService(store.New(db), nil, trust, nil)
	svc.now = func() time.Time { return testNow }

	cached, err := trust.Get(context.Background(), "avantlink:sportsmans")
	require.NoError(t, err)
	require.False(t, cached.UPCTrusted)

	// The row changes underneath the TTL'd cache; the admin op must not
	// leave the stale entry behind.
	ts.cfg = model.SourceTrustConfig{
		SourceID: "avantlink:sportsmans", UPCTrusted: true, Version: 2,
	}
	mock.ExpectQuery(`INSERT INTO source_trust_config`).
		WithArgs("avantlink:sportsmans", true, testNow).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).
			AddRow(2, testNow))

	require.True(t, svc.UpdateSourceTrustConfig(
		context.Background(), "avantlink:sportsmans", true).Success)

	fresh, err := trust.Get(context.Background(), "avantlink:sportsmans")
	require.NoError(t, err)
	require.True(t, fresh.UPCTrusted)
	require.Equal(t, 2, fresh.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFeedConfigMergePatch(t *testing.T) {
	svc, mock := newService(t)
	expectFeedByID(mock, feedRow(model.FeedEnabled, nil))
	mock.ExpectExec(`UPDATE feeds SET transport`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var res = svc.UpdateFeedConfig(context.Background(), 1,
		[]byte(`{"scheduleFrequencyHours": 12, "expiryMaxFraction": 0.3}`))
	require.True(t, res.Success)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFeedConfigRejectsUnknownField(t *testing.T) {
	svc, mock := newService(t)
	expectFeedByID(mock, feedRow(model.FeedEnabled, nil))

	var res = svc.UpdateFeedConfig(context.Background(), 1,
		[]byte(`{"secret": "sneaky"}`))
	require.False(t, res.Success)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFeedConfigValidates(t *testing.T) {
	svc, mock := newService(t)
	expectFeedByID(mock, feedRow(model.FeedEnabled, nil))

	var res = svc.UpdateFeedConfig(context.Background(), 1,
		[]byte(`{"expiryMaxFraction": 1.5}`))
	require.False(t, res.Success)
	require.Contains(t, res.Error, "expiryMaxFraction")
}
