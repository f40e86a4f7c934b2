// Package ingest runs feed downloads end to end: lock, change detection,
// bounded download, CSV parse, per-row upsert + resolve enqueue, the
// expiry circuit breaker, and run finalization.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"github.com/ammoindex/datafeed/metrics"
	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/queue"
	"github.com/ammoindex/datafeed/resolver"
	"github.com/ammoindex/datafeed/runlog"
	"github.com/ammoindex/datafeed/store"
	"github.com/ammoindex/datafeed/transport"
)

const (
	// defaultExpiryMaxFraction guards feeds that never configured one.
	defaultExpiryMaxFraction = 0.5
	// rowErrorThreshold fails the run outright when exceeded.
	defaultRowErrorThreshold = 1_000
	// recordedErrorCap bounds per-row FeedRunError rows persisted per run.
	recordedErrorCap = 100
	// autoDisableAfter consecutive failures flips the feed to DISABLED.
	autoDisableAfter = 3
)

// Stores is the store surface the engine drives, satisfied by
// *store.Store.
type Stores interface {
	FeedByID(ctx context.Context, id int64) (*model.Feed, error)
	TryAdvisoryLock(ctx context.Context, key int64) (*store.AdvisoryLock, bool, error)
	SettingBool(ctx context.Context, name string) (bool, error)
	HasSucceededRun(ctx context.Context, feedID int64) (bool, error)
	InsertRunError(ctx context.Context, e *model.FeedRunError, now time.Time) error
	UpsertSourceProduct(ctx context.Context, sp *model.SourceProduct, now time.Time) (int64, bool, error)
	ReplaceIdentifiers(ctx context.Context, sourceProductID int64, idents []model.Identifier) error
	MarkSeen(ctx context.Context, feedRunID, sourceProductID int64) error
	EnqueueResolveRequest(ctx context.Context, sourceProductID int64, now time.Time) error
	MissingFromRun(ctx context.Context, sourceID string, feedRunID int64) (int, error)
	ActiveCount(ctx context.Context, sourceID string) (int, error)
	PromoteRun(ctx context.Context, feedRunID int64, sourceID string, expiryHours int, now time.Time) (int64, int64, error)
	UpdateFeedAfterRun(ctx context.Context, id int64, mtime *time.Time, size *int64,
		contentHash string, nextRunAt *time.Time, consecutiveFailures int,
		status model.FeedStatus, now time.Time) error
	FinishRun(ctx context.Context, r *model.FeedRun, now time.Time) (bool, error)
	SetManualRunPending(ctx context.Context, id int64, pending bool, now time.Time) error
	CreateRun(ctx context.Context, feedID int64, trigger model.RunTrigger,
		correlationID string, now time.Time) (int64, error)
}

// Enqueues is the queue surface, satisfied by *queue.Enqueuer.
type Enqueues interface {
	EnqueueResolve(ctx context.Context, p queue.ResolvePayload) error
	EnqueueIngest(ctx context.Context, queueName string, p queue.IngestPayload) (conflicted bool, err error)
}

// CredentialFunc recovers the remote password from a feed's secret blob.
// Key management happens elsewhere; the engine only needs the opener.
type CredentialFunc func(*model.Feed) (string, error)

// PlaintextCredentials treats the secret blob as the password itself.
func PlaintextCredentials(f *model.Feed) (string, error) {
	return string(f.Secret), nil
}

// EngineConfig carries the engine's optional knobs.
type EngineConfig struct {
	LogDir            string
	Archive           Archive
	Credentials       CredentialFunc
	RowErrorThreshold int
}

// Engine executes feed runs.
type Engine struct {
	store   Stores
	enq     Enqueues
	archive Archive
	creds   CredentialFunc
	logDir  string

	rowErrorThreshold int
	now               func() time.Time
	// dial is swapped out in tests.
	dial func(ctx context.Context, allowFTP bool, p transport.Params) (transport.Transport, error)
}

func NewEngine(st Stores, enq Enqueues, cfg EngineConfig) *Engine {
	var e = &Engine{
		store:   st,
		enq:     enq,
		archive: cfg.Archive,
		creds:   cfg.Credentials,
		logDir:  cfg.LogDir,

		rowErrorThreshold: cfg.RowErrorThreshold,
		now:               time.Now,
		dial: func(ctx context.Context, allowFTP bool, p transport.Params) (transport.Transport, error) {
			return transport.Dialer{AllowPlainFTP: allowFTP}.Dial(ctx, p)
		},
	}
	if e.archive == nil {
		e.archive = NopArchive{}
	}
	if e.creds == nil {
		e.creds = PlaintextCredentials
	}
	if e.rowErrorThreshold <= 0 {
		e.rowErrorThreshold = defaultRowErrorThreshold
	}
	return e
}

// HandleTask is the asynq entry point for feed:ingest jobs.
func (e *Engine) HandleTask(ctx context.Context, t *asynq.Task) error {
	var p queue.IngestPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal ingest payload: %w", err)
	}
	return e.RunFeed(ctx, p.FeedID, p.FeedRunID, model.RunTrigger(p.Trigger))
}

// feedRun is the in-flight state of one RunFeed call.
type feedRun struct {
	feed *model.Feed
	run  *model.FeedRun

	handle     *runlog.Handle
	timing     metrics.TimingBreakdown
	errorCodes map[string]int
}

func (fr *feedRun) logger() *log.Logger {
	if fr.handle != nil {
		return fr.handle.Logger
	}
	return log.StandardLogger()
}

// RunFeed executes one run of one feed end to end. The run row must
// already exist in RUNNING state (the scheduler or admin created it).
func (e *Engine) RunFeed(ctx context.Context, feedID, runID int64, trigger model.RunTrigger) error {
	var now = e.now()

	feed, err := e.store.FeedByID(ctx, feedID)
	if err != nil {
		return fmt.Errorf("loading feed %d: %w", feedID, err)
	}
	var fr = &feedRun{
		feed: feed,
		run: &model.FeedRun{
			ID: runID, FeedID: feedID,
			Trigger: trigger, Status: model.RunRunning,
			StartedAt: now,
		},
		errorCodes: map[string]int{},
	}
	if handle, err := runlog.ForIngest(e.logDir, feed.Kind, feed.Network, now); err != nil {
		log.WithError(err).WithField("feed", feedID).Warn("cannot open run log file")
	} else {
		fr.handle = handle
		defer handle.Close()
	}
	fr.logger().WithFields(log.Fields{
		"feed": feedID, "run": runID, "trigger": trigger,
	}).Info("feed run starting")

	// Step 1: one run per feed process-wide, keyed by the frozen lock id.
	lock, acquired, err := e.store.TryAdvisoryLock(ctx, feed.FeedLockID)
	if err != nil {
		return e.failRun(ctx, fr, model.FailureSystem, model.FailSystemError, err)
	}
	if !acquired {
		return e.skipRun(ctx, fr, model.SkipLockBusy, false)
	}
	defer lock.Release(context.Background())

	err = e.fetchAndProcess(ctx, fr)

	// A skip already finalized inside fetchAndProcess.
	if fr.run.Terminal() {
		return err
	}
	if err != nil {
		return err
	}
	return e.succeed(ctx, fr)
}

// fetchAndProcess covers steps 2-6: stat, download, parse, the row
// pipeline, and the circuit breaker. It finalizes skip and failure
// outcomes itself; on plain success the run is left RUNNING for succeed.
func (e *Engine) fetchAndProcess(ctx context.Context, fr *feedRun) error {
	var feed, run = fr.feed, fr.run

	allowFTP, err := e.store.SettingBool(ctx, model.SettingAllowPlainFTP)
	if err != nil {
		return e.failRun(ctx, fr, model.FailureSystem, model.FailSystemError, err)
	}
	password, err := e.creds(feed)
	if err != nil {
		return e.failRun(ctx, fr, model.FailureSystem, model.FailSystemError, err)
	}

	var statStart = e.now()
	conn, err := e.dial(ctx, allowFTP, transport.Params{
		Kind: feed.Transport, Host: feed.Host, Port: feed.Port,
		Username: feed.Username, Password: password,
	})
	if err != nil {
		return e.failRun(ctx, fr, model.FailureTransport, transport.FailureCode(err), err)
	}
	defer conn.Close()

	// Step 2: change detection on (mtime, size), only once a successful
	// baseline exists.
	info, err := conn.Stat(ctx, feed.Path)
	if err != nil {
		return e.failRun(ctx, fr, model.FailureTransport, transport.FailureCode(err), err)
	}
	fr.timing.StatMs = e.now().Sub(statStart).Milliseconds()
	var mtime = info.ModTime
	run.RemoteMtime, run.RemoteSize = &mtime, &info.Size

	if feed.LastRemoteMtime != nil && feed.LastRemoteSize != nil &&
		feed.LastRemoteMtime.Equal(info.ModTime) && *feed.LastRemoteSize == info.Size {
		baseline, err := e.store.HasSucceededRun(ctx, feed.ID)
		if err != nil {
			return e.failRun(ctx, fr, model.FailureSystem, model.FailSystemError, err)
		}
		if baseline {
			return e.skipRun(ctx, fr, model.SkipUnchangedStat, true)
		}
	}

	// Step 3: bounded download, then content-hash change detection.
	var maxBytes = feed.MaxFileSizeBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileSizeBytes
	}
	var downloadStart = e.now()
	var buf bytes.Buffer
	if _, err = conn.Download(ctx, feed.Path, &buf, maxBytes); err != nil {
		return e.failRun(ctx, fr, model.FailureTransport, transport.FailureCode(err), err)
	}
	fr.timing.DownloadMs = e.now().Sub(downloadStart).Milliseconds()

	var sum = sha256.Sum256(buf.Bytes())
	run.ContentHash = hex.EncodeToString(sum[:])
	if feed.LastContentHash != "" && run.ContentHash == feed.LastContentHash {
		return e.skipRun(ctx, fr, model.SkipUnchangedHash, true)
	}

	if err = e.archive.Put(ctx, ObjectKey(feed.ID, run.ID, feed.Compression), buf.Bytes()); err != nil {
		fr.logger().WithError(err).Warn("archiving raw feed bytes failed")
	}

	// Steps 4-5: parse and the per-row pipeline.
	if err = e.processRows(ctx, fr, &buf); err != nil {
		return err
	}

	// Step 6: the expiry circuit breaker.
	return e.applyCircuitBreaker(ctx, fr)
}

// processRows parses the buffer and drives the row pipeline.
func (e *Engine) processRows(ctx context.Context, fr *feedRun, buf *bytes.Buffer) error {
	var feed, run = fr.feed, fr.run
	var parseStart = e.now()

	var seenKeys = map[string]struct{}{}
	var rowsStart time.Time
	res, err := Parse(bytes.NewReader(buf.Bytes()), feed.Compression, feed.MaxRowCount,
		func(row Row) error {
			if rowsStart.IsZero() {
				rowsStart = e.now()
			}
			return e.processRow(ctx, fr, row, seenKeys)
		})

	run.Counters.RowsRead = res.RowsRead
	run.Counters.RowsParsed = res.RowsParsed
	fr.timing.ParseMs = e.now().Sub(parseStart).Milliseconds()
	if !rowsStart.IsZero() {
		fr.timing.RowsMs = e.now().Sub(rowsStart).Milliseconds()
	}

	for i, rowErr := range res.Errors {
		fr.errorCodes[rowErr.Code]++
		run.Counters.ErrorCount++
		if i >= recordedErrorCap {
			continue
		}
		if ierr := e.store.InsertRunError(ctx, &model.FeedRunError{
			FeedRunID: run.ID, RowNumber: rowErr.RowNumber,
			Code: rowErr.Code, Message: rowErr.Message, RawRow: rowErr.Raw,
		}, e.now()); ierr != nil {
			fr.logger().WithError(ierr).Warn("recording row error failed")
		}
	}

	if errors.Is(err, ErrTooManyRows) {
		return e.failRun(ctx, fr, model.FailureParse, model.FailTooManyRows, err)
	} else if err != nil {
		// Row pipeline errors are store/queue failures, not parse ones.
		var kind, code = model.FailureParse, model.FailParseError
		if rowPipelineError(err) {
			kind, code = model.FailureSystem, model.FailSystemError
		}
		return e.failRun(ctx, fr, kind, code, err)
	}
	if run.Counters.ErrorCount > e.rowErrorThreshold {
		return e.failRun(ctx, fr, model.FailureParse, model.FailParseError,
			fmt.Errorf("%d row errors exceed threshold %d",
				run.Counters.ErrorCount, e.rowErrorThreshold))
	}
	return nil
}

type pipelineError struct{ error }

func (p pipelineError) Unwrap() error { return p.error }

func rowPipelineError(err error) bool {
	var pe pipelineError
	return errors.As(err, &pe)
}

// processRow upserts one source product and fans out its resolve work.
func (e *Engine) processRow(ctx context.Context, fr *feedRun, row Row, seenKeys map[string]struct{}) error {
	var run = fr.run
	var now = e.now()

	sp, urlFallback := row.SourceProduct(fr.feed.SourceID)
	if urlFallback {
		run.Counters.URLHashFallbackCount++
	}
	if _, dup := seenKeys[sp.StableKey]; dup {
		run.Counters.DuplicateKeyCount++
	}
	seenKeys[sp.StableKey] = struct{}{}

	id, created, err := e.store.UpsertSourceProduct(ctx, sp, now)
	if err != nil {
		return pipelineError{err}
	}
	if err = e.store.ReplaceIdentifiers(ctx, id, sp.Identifiers); err != nil {
		return pipelineError{err}
	}
	run.Counters.ProductsUpserted++
	if created {
		metrics.RecordIngestListings(fr.feed.Kind, 1, 0)
	} else {
		metrics.RecordIngestListings(fr.feed.Kind, 0, 1)
	}
	if sp.LastPriceCents > 0 {
		run.Counters.PricesWritten++
	}

	if err = e.store.MarkSeen(ctx, run.ID, id); err != nil {
		return pipelineError{err}
	}
	if err = e.store.EnqueueResolveRequest(ctx, id, now); err != nil {
		return pipelineError{err}
	}
	var payload = queue.ResolvePayload{
		SourceProductID: id,
		Trigger:         string(resolver.TriggerIngest),
		ResolverVersion: resolver.Version,
	}
	if fr.feed.Kind == model.KindAffiliate {
		payload.AffiliateFeedRunID = run.ID
	}
	if err = e.enq.EnqueueResolve(ctx, payload); err != nil {
		return pipelineError{err}
	}
	return nil
}

// applyCircuitBreaker decides whether promoting this run's seen set would
// expire too many active products, and either promotes or blocks.
func (e *Engine) applyCircuitBreaker(ctx context.Context, fr *feedRun) error {
	var feed, run = fr.feed, fr.run

	missing, err := e.store.MissingFromRun(ctx, feed.SourceID, run.ID)
	if err != nil {
		return e.failRun(ctx, fr, model.FailureSystem, model.FailSystemError, err)
	}
	active, err := e.store.ActiveCount(ctx, feed.SourceID)
	if err != nil {
		return e.failRun(ctx, fr, model.FailureSystem, model.FailSystemError, err)
	}

	var maxFraction = feed.ExpiryMaxFraction
	if maxFraction <= 0 {
		maxFraction = defaultExpiryMaxFraction
	}
	if expiryExceeded(missing, active, maxFraction) {
		run.ExpiryBlocked = true
		run.ExpiryBlockedReason = fmt.Sprintf(
			"%s: run would expire %d of %d active products (max fraction %.2f)",
			model.FailCircuitOpen, missing, active, maxFraction)
		fr.logger().WithFields(log.Fields{
			"missing": missing, "active": active, "maxFraction": maxFraction,
		}).Warn("expiry circuit breaker blocked promotion")
		return nil
	}

	promoted, expired, err := e.store.PromoteRun(ctx, run.ID, feed.SourceID, feed.ExpiryHours, e.now())
	if err != nil {
		return e.failRun(ctx, fr, model.FailureSystem, model.FailSystemError, err)
	}
	run.Counters.ProductsPromoted = int(promoted)
	run.Counters.ProductsRejected = int(expired)
	return nil
}

// expiryExceeded is the breaker predicate: the run must be expiring a
// strictly larger share of active products than the source tolerates.
func expiryExceeded(missing, active int, maxFraction float64) bool {
	if missing == 0 || active == 0 {
		return false
	}
	return float64(missing)/float64(active) > maxFraction
}

// scheduleAfter recomputes nextRunAt; feeds that left ENABLED mid-run
// stop rescheduling.
func scheduleAfter(feed *model.Feed, status model.FeedStatus, now time.Time) *time.Time {
	if status != model.FeedEnabled {
		return nil
	}
	var next = now.Add(time.Duration(feed.ScheduleFrequencyHours) * time.Hour)
	return &next
}

// failureTally advances the consecutive-failure counter, auto-disabling
// the feed when it crosses the threshold.
func failureTally(feed *model.Feed) (int, model.FeedStatus) {
	var n = feed.ConsecutiveFailures + 1
	if n >= autoDisableAfter {
		return n, model.FeedDisabled
	}
	return n, feed.Status
}

// skipRun finalizes a SKIPPED run. reschedule is false for LOCK_BUSY,
// where the lock holder owns the feed's schedule.
func (e *Engine) skipRun(ctx context.Context, fr *feedRun, reason string, reschedule bool) error {
	var run = fr.run
	run.Status = model.RunSkipped
	run.FailureCode = reason

	if reschedule {
		var feed = fr.feed
		var next = scheduleAfter(feed, feed.Status, e.now())
		if err := e.store.UpdateFeedAfterRun(ctx, feed.ID, run.RemoteMtime, run.RemoteSize,
			run.ContentHash, next, feed.ConsecutiveFailures, feed.Status, e.now()); err != nil {
			fr.logger().WithError(err).Warn("rescheduling after skip failed")
		}
	}
	return e.finish(ctx, fr)
}

// failRun finalizes a FAILED run and advances the failure counter.
func (e *Engine) failRun(ctx context.Context, fr *feedRun,
	kind model.FailureKind, code string, cause error) error {

	var feed, run = fr.feed, fr.run
	run.Status = model.RunFailed
	run.FailureKind, run.FailureCode = kind, code
	run.FailureMessage = cause.Error()
	fr.logger().WithError(cause).WithFields(log.Fields{
		"failureKind": kind, "failureCode": code,
	}).Error("feed run failed")

	failures, status := failureTally(feed)
	var next = scheduleAfter(feed, status, e.now())
	if err := e.store.UpdateFeedAfterRun(ctx, feed.ID, nil, nil, "",
		next, failures, status, e.now()); err != nil {
		fr.logger().WithError(err).Warn("finalizing feed after failure failed")
	}
	if status == model.FeedDisabled && feed.Status != model.FeedDisabled {
		fr.logger().WithField("consecutiveFailures", failures).
			Warn("feed auto-disabled after repeated failures")
	}
	return e.finish(ctx, fr)
}

// succeed finalizes a successful run: change-detection state, schedule,
// failure-counter reset.
func (e *Engine) succeed(ctx context.Context, fr *feedRun) error {
	var feed, run = fr.feed, fr.run
	run.Status = model.RunSucceeded

	var finalizeStart = e.now()
	var next = scheduleAfter(feed, feed.Status, e.now())
	if err := e.store.UpdateFeedAfterRun(ctx, feed.ID, run.RemoteMtime, run.RemoteSize,
		run.ContentHash, next, 0, feed.Status, e.now()); err != nil {
		return e.failRun(ctx, fr, model.FailureSystem, model.FailSystemError, err)
	}
	fr.timing.FinalizeMs = e.now().Sub(finalizeStart).Milliseconds()
	return e.finish(ctx, fr)
}

// finish writes the terminal run row once, emits the summary, records
// metrics, and runs the manual-pending follow-up.
func (e *Engine) finish(ctx context.Context, fr *feedRun) error {
	var feed, run = fr.feed, fr.run
	var now = e.now()

	wrote, err := e.store.FinishRun(ctx, run, now)
	if err != nil {
		return fmt.Errorf("finishing run %d: %w", run.ID, err)
	}
	if !wrote {
		// An admin reset closed the run first; its terminal block wins.
		fr.logger().WithField("run", run.ID).Warn("run was already terminal")
		return nil
	}
	metrics.RecordIngestRun(feed.Kind, run.Status)
	metrics.RecordIngestPrices(feed.Kind, run.Counters.PricesWritten)

	var summary = metrics.NewRunSummary(feed, run, fr.timing, fr.errorCodes, now)
	summary.Emit(fr.logger())
	if fr.handle != nil {
		summary.Emit(log.StandardLogger())
	}

	e.followUpManualPending(ctx, fr)
	return nil
}

// followUpManualPending enqueues the deferred manual run, if an admin
// requested one while we were running.
func (e *Engine) followUpManualPending(ctx context.Context, fr *feedRun) {
	var now = e.now()
	feed, err := e.store.FeedByID(ctx, fr.feed.ID)
	if err != nil || !feed.ManualRunPending {
		return
	}
	if err = e.store.SetManualRunPending(ctx, feed.ID, false, now); err != nil {
		fr.logger().WithError(err).Warn("clearing manualRunPending failed")
		return
	}
	runID, err := e.store.CreateRun(ctx, feed.ID, model.TriggerManualPending,
		fr.run.CorrelationID, now)
	if err != nil {
		fr.logger().WithError(err).Warn("creating manual-pending run failed")
		return
	}
	if _, err = e.enq.EnqueueIngest(ctx, queue.IngestQueue(feed.Kind), queue.IngestPayload{
		FeedID: feed.ID, FeedRunID: runID,
		Trigger:    string(model.TriggerManualPending),
		RetailerID: feed.Network,
		AccessType: string(feed.Transport),
		FormatType: feed.Format,
	}); err != nil {
		fr.logger().WithError(err).Warn("enqueueing manual-pending run failed")
	}
}
