// Package admin is the operator action surface: feed lifecycle, manual
// runs, run approval, trust configuration. Operations return short
// success/error results suitable for a CLI or an HTTP shim.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/queue"
	"github.com/ammoindex/datafeed/resolver"
	"github.com/ammoindex/datafeed/store"
)

// manualRunCooldown rate-limits manual refreshes per feed.
const manualRunCooldown = 5 * time.Minute

// Result is the uniform operation outcome.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(format string, args ...interface{}) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...interface{}) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Service executes admin operations. Trust and Redis are optional: when
// absent, cache invalidation falls back to the pub/sub fanout alone or is
// skipped.
type Service struct {
	store *store.Store
	enq   *queue.Enqueuer
	trust *resolver.TrustCache
	redis *redis.Client
	now   func() time.Time
}

func NewService(st *store.Store, enq *queue.Enqueuer, trust *resolver.TrustCache, rdb *redis.Client) *Service {
	return &Service{store: st, enq: enq, trust: trust, redis: rdb, now: time.Now}
}

// Enable moves a configured feed into ENABLED and schedules it
// immediately. Requires complete transport credentials.
func (s *Service) Enable(ctx context.Context, feedID int64) Result {
	f, err := s.store.FeedByID(ctx, feedID)
	if err != nil {
		return fail("loading feed %d: %v", feedID, err)
	}
	switch f.Status {
	case model.FeedDraft, model.FeedPaused, model.FeedDisabled:
	default:
		return fail("feed %d is %s; enable requires DRAFT, PAUSED or DISABLED", feedID, f.Status)
	}
	if f.Host == "" || f.Path == "" || f.Username == "" || len(f.Secret) == 0 {
		return fail("feed %d has incomplete transport credentials", feedID)
	}

	var next = s.now()
	if err = s.store.UpdateFeedActivation(ctx, feedID, model.FeedEnabled, &next, true, s.now()); err != nil {
		return fail("enabling feed %d: %v", feedID, err)
	}
	return ok("feed %d enabled; next run due now", feedID)
}

// Pause stops scheduling without losing state.
func (s *Service) Pause(ctx context.Context, feedID int64) Result {
	f, err := s.store.FeedByID(ctx, feedID)
	if err != nil {
		return fail("loading feed %d: %v", feedID, err)
	}
	if f.Status != model.FeedEnabled {
		return fail("feed %d is %s; pause requires ENABLED", feedID, f.Status)
	}
	if err = s.store.UpdateFeedActivation(ctx, feedID, model.FeedPaused, nil, false, s.now()); err != nil {
		return fail("pausing feed %d: %v", feedID, err)
	}
	return ok("feed %d paused", feedID)
}

// Reenable recovers a paused or auto-disabled feed.
func (s *Service) Reenable(ctx context.Context, feedID int64) Result {
	f, err := s.store.FeedByID(ctx, feedID)
	if err != nil {
		return fail("loading feed %d: %v", feedID, err)
	}
	if f.Status != model.FeedPaused && f.Status != model.FeedDisabled {
		return fail("feed %d is %s; reenable requires PAUSED or DISABLED", feedID, f.Status)
	}
	var next = s.now()
	if err = s.store.UpdateFeedActivation(ctx, feedID, model.FeedEnabled, &next, true, s.now()); err != nil {
		return fail("reenabling feed %d: %v", feedID, err)
	}
	return ok("feed %d reenabled; next run due now", feedID)
}

// TriggerManualRun starts a run now, or defers it behind the in-flight
// one. Rate limited per feed.
func (s *Service) TriggerManualRun(ctx context.Context, feedID int64) Result {
	f, err := s.store.FeedByID(ctx, feedID)
	if err != nil {
		return fail("loading feed %d: %v", feedID, err)
	}
	if f.Status == model.FeedDraft {
		return fail("feed %d is DRAFT; enable it first", feedID)
	}
	var now = s.now()
	if f.LastManualRunAt != nil && now.Sub(*f.LastManualRunAt) < manualRunCooldown {
		var wait = manualRunCooldown - now.Sub(*f.LastManualRunAt)
		return fail("manual refresh for feed %d rate limited; retry in %s", feedID, wait.Round(time.Second))
	}

	inFlight, err := s.store.InFlightRun(ctx, feedID)
	if err != nil {
		return fail("checking in-flight run: %v", err)
	}
	if err = s.store.TouchManualRun(ctx, feedID, now); err != nil {
		return fail("stamping manual run: %v", err)
	}
	if inFlight {
		if err = s.store.SetManualRunPending(ctx, feedID, true, now); err != nil {
			return fail("deferring manual run: %v", err)
		}
		return ok("feed %d has a run in flight; manual run queued after it", feedID)
	}

	runID, err := s.store.CreateRun(ctx, feedID, model.TriggerManual, uuid.NewString(), now)
	if err != nil {
		return fail("creating manual run: %v", err)
	}
	conflicted, err := s.enq.EnqueueIngest(ctx, queue.IngestQueue(f.Kind), queue.IngestPayload{
		FeedID: feedID, FeedRunID: runID,
		Trigger:    string(model.TriggerManual),
		RetailerID: f.Network,
		AccessType: string(f.Transport),
		FormatType: f.Format,
	})
	if err != nil {
		return fail("enqueueing manual run: %v", err)
	}
	if conflicted {
		var run = &model.FeedRun{
			ID: runID, FeedID: feedID, Trigger: model.TriggerManual,
			Status: model.RunSkipped, FailureCode: model.SkipLockBusy,
			StartedAt: now,
		}
		if _, ferr := s.store.FinishRun(ctx, run, s.now()); ferr != nil {
			log.WithError(ferr).Warn("closing conflicted manual run failed")
		}
		return ok("feed %d already has a queued run", feedID)
	}
	return ok("manual run %d enqueued for feed %d", runID, feedID)
}

// UpdateNextRunAt reschedules an enabled feed within the next 7 days.
func (s *Service) UpdateNextRunAt(ctx context.Context, feedID int64, t time.Time) Result {
	f, err := s.store.FeedByID(ctx, feedID)
	if err != nil {
		return fail("loading feed %d: %v", feedID, err)
	}
	if f.Status != model.FeedEnabled {
		return fail("feed %d is %s; rescheduling requires ENABLED", feedID, f.Status)
	}
	var now = s.now()
	if !t.After(now) || t.After(now.Add(7*24*time.Hour)) {
		return fail("nextRunAt must lie in (now, now+7d]")
	}
	if err = s.store.UpdateNextRunAt(ctx, feedID, t, now); err != nil {
		return fail("rescheduling feed %d: %v", feedID, err)
	}
	return ok("feed %d next run at %s", feedID, t.UTC().Format(time.RFC3339))
}

// ResetFeedState force-fails any RUNNING run, clears the pending manual
// marker, and resets the failure counter. The hung worker is not
// interrupted; its terminal write will find the run already closed.
func (s *Service) ResetFeedState(ctx context.Context, feedID int64) Result {
	f, err := s.store.FeedByID(ctx, feedID)
	if err != nil {
		return fail("loading feed %d: %v", feedID, err)
	}
	var now = s.now()
	closed, err := s.store.FailRunningRuns(ctx, feedID, model.FailureAdmin,
		model.FailAdminReset, "reset by admin", now)
	if err != nil {
		return fail("failing running runs: %v", err)
	}
	if err = s.store.SetManualRunPending(ctx, feedID, false, now); err != nil {
		return fail("clearing manualRunPending: %v", err)
	}
	var next *time.Time
	if f.Status == model.FeedEnabled {
		next = &now
	}
	if err = s.store.UpdateFeedActivation(ctx, feedID, f.Status, next, true, now); err != nil {
		return fail("resetting feed state: %v", err)
	}
	return ok("feed %d reset; closed %d running run(s)", feedID, closed)
}

// ForceReprocess wipes change-detection state so the next run ingests the
// file even if it is byte-identical.
func (s *Service) ForceReprocess(ctx context.Context, feedID int64) Result {
	if err := s.store.ClearFetchState(ctx, feedID, s.now()); err != nil {
		return fail("clearing fetch state: %v", err)
	}
	return ok("feed %d will reprocess on its next run", feedID)
}

// ApproveActivation approves an expiry-blocked run and promotes its seen
// set, under the same per-feed advisory lock the engine uses.
func (s *Service) ApproveActivation(ctx context.Context, runID int64, actor string) Result {
	run, err := s.store.RunByID(ctx, runID)
	if err != nil {
		return fail("loading run %d: %v", runID, err)
	}
	if !run.ExpiryBlocked {
		return fail("run %d is not expiry-blocked", runID)
	}
	if run.ExpiryApprovedAt != nil {
		return fail("run %d is already approved", runID)
	}
	f, err := s.store.FeedByID(ctx, run.FeedID)
	if err != nil {
		return fail("loading feed %d: %v", run.FeedID, err)
	}
	newer, err := s.store.HasNewerSucceededRun(ctx, run.FeedID, runID)
	if err != nil {
		return fail("checking newer runs: %v", err)
	}
	if newer {
		return fail("run %d is stale; a newer run already succeeded", runID)
	}

	lock, acquired, err := s.store.TryAdvisoryLock(ctx, f.FeedLockID)
	if err != nil {
		return fail("acquiring feed lock: %v", err)
	}
	if !acquired {
		return fail("feed %d has a run in flight; retry shortly", f.ID)
	}
	defer lock.Release(context.Background())

	var now = s.now()
	approved, err := s.store.ApproveRun(ctx, runID, actor, now)
	if err != nil {
		return fail("approving run %d: %v", runID, err)
	}
	if !approved {
		return fail("run %d was approved concurrently", runID)
	}
	promoted, expired, err := s.store.PromoteRun(ctx, runID, f.SourceID, f.ExpiryHours, now)
	if err != nil {
		return fail("promoting run %d: %v", runID, err)
	}
	return ok("run %d approved by %s; promoted %d, expired %d", runID, actor, promoted, expired)
}

// IgnoreRun hides a run from consumer reads. The reason is mandatory.
func (s *Service) IgnoreRun(ctx context.Context, runID int64, by, reason string) Result {
	if len(reason) < 3 {
		return fail("ignore reason must be at least 3 characters")
	}
	if err := s.store.IgnoreRun(ctx, runID, by, reason, s.now()); err != nil {
		return fail("ignoring run %d: %v", runID, err)
	}
	return ok("run %d ignored", runID)
}

// UnignoreRun clears the ignore triad.
func (s *Service) UnignoreRun(ctx context.Context, runID int64) Result {
	if err := s.store.UnignoreRun(ctx, runID); err != nil {
		return fail("unignoring run %d: %v", runID, err)
	}
	return ok("run %d unignored", runID)
}

// UpdateSourceTrustConfig flips a source's UPC trust and fans the change
// out to every resolver process.
func (s *Service) UpdateSourceTrustConfig(ctx context.Context, sourceID string, upcTrusted bool) Result {
	cfg, err := s.store.UpsertTrustConfig(ctx, sourceID, upcTrusted, s.now())
	if err != nil {
		return fail("updating trust config for %s: %v", sourceID, err)
	}
	if s.trust != nil {
		s.trust.Invalidate(sourceID)
	}
	if s.redis != nil {
		if err = s.redis.Publish(ctx, resolver.TrustInvalidateChannel, sourceID).Err(); err != nil {
			log.WithError(err).Warn("publishing trust invalidation failed")
		}
	}
	return ok("source %s upcTrusted=%t version=%d", sourceID, cfg.UPCTrusted, cfg.Version)
}
