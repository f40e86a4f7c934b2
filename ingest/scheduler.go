package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/queue"
	"github.com/ammoindex/datafeed/store"
)

const (
	DefaultSchedulerTick = 30 * time.Second
	defaultDueBatch      = 20
)

// Scheduler enqueues due feeds of one pipeline. One scheduler runs per
// FeedKind; each tick is single-flight.
type Scheduler struct {
	store *store.Store
	enq   *queue.Enqueuer
	kind  model.FeedKind

	tick  time.Duration
	batch int
	now   func() time.Time
}

func NewScheduler(st *store.Store, enq *queue.Enqueuer, kind model.FeedKind, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultSchedulerTick
	}
	return &Scheduler{
		store: st, enq: enq, kind: kind,
		tick: tick, batch: defaultDueBatch, now: time.Now,
	}
}

// Run ticks until ctx is done. Tick errors are logged, never fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	var ticker = time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				log.WithError(err).WithField("pipeline", s.kind).
					Warn("scheduler tick failed")
			}
		}
	}
}

// Tick dispatches one batch of due feeds, gated on the pipeline's
// scheduler-enabled setting.
func (s *Scheduler) Tick(ctx context.Context) error {
	enabled, err := s.store.SettingBool(ctx, model.SchedulerSetting(s.kind))
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	feeds, err := s.store.DueFeeds(ctx, s.kind, s.now(), s.batch)
	if err != nil {
		return err
	}
	for _, feed := range feeds {
		if err = s.dispatch(ctx, feed, model.TriggerScheduled); err != nil {
			log.WithError(err).WithField("feed", feed.ID).
				Warn("dispatching due feed failed")
		}
	}
	return nil
}

// dispatch opens a RUNNING run and publishes its ingest job. When a job
// for the feed is already queued, the fresh run closes as LOCK_BUSY
// rather than dangling in RUNNING forever.
func (s *Scheduler) dispatch(ctx context.Context, feed *model.Feed, trigger model.RunTrigger) error {
	var now = s.now()
	runID, err := s.store.CreateRun(ctx, feed.ID, trigger, uuid.NewString(), now)
	if err != nil {
		return err
	}

	conflicted, err := s.enq.EnqueueIngest(ctx, queue.IngestQueue(feed.Kind), queue.IngestPayload{
		FeedID: feed.ID, FeedRunID: runID,
		Trigger:    string(trigger),
		RetailerID: feed.Network,
		AccessType: string(feed.Transport),
		FormatType: feed.Format,
	})
	if err != nil {
		return err
	}
	if conflicted {
		var run = &model.FeedRun{
			ID: runID, FeedID: feed.ID, Trigger: trigger,
			Status: model.RunSkipped, FailureCode: model.SkipLockBusy,
			StartedAt: now,
		}
		if _, ferr := s.store.FinishRun(ctx, run, s.now()); ferr != nil {
			return ferr
		}
		return nil
	}
	log.WithFields(log.Fields{
		"feed": feed.ID, "run": runID, "pipeline": s.kind,
	}).Info("enqueued feed run")
	return nil
}
