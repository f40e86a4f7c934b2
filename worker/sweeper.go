package worker

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/queue"
	"github.com/ammoindex/datafeed/resolver"
)

const (
	DefaultSweepInterval = time.Minute
	// stuckAfter is how long a PROCESSING request may sit before the
	// sweeper reclaims it (worker crash, lost ack).
	stuckAfter = 5 * time.Minute
	sweepBatch = 100
	// maxRequestAttempts caps sweeper recoveries per request.
	maxRequestAttempts = 3
	requeueDelay       = 5 * time.Second
)

// SweepStores is the store surface of the sweeper.
type SweepStores interface {
	StuckRequests(ctx context.Context, cutoff time.Time, limit int) ([]*model.ProductResolveRequest, error)
	RequeueStuckRequest(ctx context.Context, id int64, now time.Time) error
	FailStuckRequest(ctx context.Context, id int64, message string, now time.Time) error
}

// Requeuer re-publishes resolve jobs, satisfied by *queue.Enqueuer.
type Requeuer interface {
	EnqueueResolveIn(ctx context.Context, p queue.ResolvePayload, delay time.Duration) error
}

// Sweeper recovers resolve requests orphaned in PROCESSING.
type Sweeper struct {
	store SweepStores
	enq   Requeuer

	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex // single-flight across ticks
}

func NewSweeper(st SweepStores, enq Requeuer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{store: st, enq: enq, interval: interval, now: time.Now}
}

// Run ticks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	var ticker = time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := s.SweepOnce(ctx); err != nil {
				log.WithError(err).Warn("resolve-request sweep failed")
			}
		}
	}
}

// SweepOnce recovers one batch of stuck requests: requests under the
// attempt cap go back to PENDING and re-enqueue as RECONCILE jobs; the
// rest fail terminally.
func (s *Sweeper) SweepOnce(ctx context.Context) (requeued, failed int, err error) {
	if !s.mu.TryLock() {
		return 0, 0, nil
	}
	defer s.mu.Unlock()

	var now = s.now()
	stuck, err := s.store.StuckRequests(ctx, now.Add(-stuckAfter), sweepBatch)
	if err != nil {
		return 0, 0, err
	}

	for _, req := range stuck {
		if req.Attempts+1 >= maxRequestAttempts {
			if ferr := s.store.FailStuckRequest(ctx, req.ID, "Exceeded max attempts", now); ferr != nil {
				log.WithError(ferr).WithField("request", req.ID).
					Warn("failing stuck request failed")
				continue
			}
			failed++
			continue
		}
		if rerr := s.store.RequeueStuckRequest(ctx, req.ID, now); rerr != nil {
			log.WithError(rerr).WithField("request", req.ID).
				Warn("requeueing stuck request failed")
			continue
		}
		if eerr := s.enq.EnqueueResolveIn(ctx, queue.ResolvePayload{
			SourceProductID: req.SourceProductID,
			Trigger:         string(resolver.TriggerReconcile),
			ResolverVersion: resolver.Version,
		}, requeueDelay); eerr != nil {
			log.WithError(eerr).WithField("request", req.ID).
				Warn("re-enqueueing stuck request failed")
			continue
		}
		requeued++
	}
	if requeued+failed > 0 {
		log.WithFields(log.Fields{"requeued": requeued, "failed": failed}).
			Info("recovered stuck resolve requests")
	}
	return requeued, failed, nil
}
