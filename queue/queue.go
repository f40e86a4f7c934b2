// Package queue binds the logical job queues onto asynq. Task ids carry
// the deduplication contract: two enqueues with the same id collapse, so
// jobs for one source product (or one feed) are serialized for free.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ammoindex/datafeed/model"
)

// Logical queue names.
const (
	QueueResolve         = "product-resolve"
	QueueAffiliateIngest = "affiliate-feed-ingest"
	QueueRetailerIngest  = "retailer-feed-ingest"
	QueueEmbedding       = "embedding-generate"
)

// Task type names routed by the handler mux.
const (
	TypeResolve   = "resolve:source-product"
	TypeIngest    = "feed:ingest"
	TypeEmbedding = "embedding:generate"
)

const (
	// resolveMaxRetry counts retries after the first execution: three
	// attempts total, the same ceiling the resolve-request sweeper enforces.
	resolveMaxRetry = 2
	// Resolve jobs debounce 10-30s so a burst of row upserts for the same
	// source product collapses into one resolution of the final state.
	resolveDebounceBase   = 10 * time.Second
	resolveDebounceJitter = 20 * time.Second
)

// ResolvePayload is the product-resolve job body.
type ResolvePayload struct {
	SourceProductID    int64  `json:"sourceProductId"`
	Trigger            string `json:"trigger"`
	ResolverVersion    string `json:"resolverVersion"`
	AffiliateFeedRunID int64  `json:"affiliateFeedRunId,omitempty"`
}

// IngestPayload is the feed-ingest job body, shared by the affiliate and
// retailer queues. Retailer jobs carry their extra access fields.
type IngestPayload struct {
	FeedID    int64  `json:"feedId"`
	FeedRunID int64  `json:"feedRunId"`
	Trigger   string `json:"trigger"`

	RetailerID string `json:"retailerId,omitempty"`
	AccessType string `json:"accessType,omitempty"`
	FormatType string `json:"formatType,omitempty"`
	URL        string `json:"url,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// EmbeddingPayload is the fire-and-forget embedding-generate event.
type EmbeddingPayload struct {
	ProductID int64             `json:"productId"`
	Trigger   string            `json:"trigger"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// ResolveTaskID is the dedup id of a source product's resolve job.
func ResolveTaskID(sourceProductID int64) string {
	return fmt.Sprintf("RESOLVE_SOURCE_PRODUCT_%d", sourceProductID)
}

// IngestTaskID is the dedup id of a feed's ingest job: one active per feed.
func IngestTaskID(feedID int64) string {
	return fmt.Sprintf("FEED_INGEST_%d", feedID)
}

// IngestQueue selects the pipeline queue of a feed kind.
func IngestQueue(kind model.FeedKind) string {
	if kind == model.KindRetailer {
		return QueueRetailerIngest
	}
	return QueueAffiliateIngest
}

// Enqueuer publishes jobs. It is safe for concurrent use.
type Enqueuer struct {
	client *asynq.Client
	// jitter is swapped out in tests for determinism.
	jitter func(time.Duration) time.Duration
}

func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{
		client: client,
		jitter: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// EnqueueResolve publishes a debounced resolve job. A job already queued
// for the same source product absorbs this enqueue.
func (e *Enqueuer) EnqueueResolve(ctx context.Context, p ResolvePayload) error {
	return e.EnqueueResolveIn(ctx, p, resolveDebounceBase+e.jitter(resolveDebounceJitter))
}

// EnqueueResolveIn publishes a resolve job with an explicit delay; the
// sweeper uses a short one when recovering stuck requests.
func (e *Enqueuer) EnqueueResolveIn(ctx context.Context, p ResolvePayload, delay time.Duration) error {
	var body, err = json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal resolve payload: %w", err)
	}
	_, err = e.client.EnqueueContext(ctx, asynq.NewTask(TypeResolve, body),
		asynq.Queue(QueueResolve),
		asynq.TaskID(ResolveTaskID(p.SourceProductID)),
		asynq.MaxRetry(resolveMaxRetry),
		asynq.ProcessIn(delay),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	} else if err != nil {
		return fmt.Errorf("enqueue resolve job: %w", err)
	}
	return nil
}

// EnqueueIngest publishes a feed-ingest job on the pipeline's queue.
// conflicted reports whether a job for the feed was already in flight.
func (e *Enqueuer) EnqueueIngest(ctx context.Context, queue string, p IngestPayload) (conflicted bool, err error) {
	body, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("marshal ingest payload: %w", err)
	}
	_, err = e.client.EnqueueContext(ctx, asynq.NewTask(TypeIngest, body),
		asynq.Queue(queue),
		asynq.TaskID(IngestTaskID(p.FeedID)),
		asynq.MaxRetry(0),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("enqueue ingest job: %w", err)
	}
	return false, nil
}

// EnqueueEmbedding publishes an embedding-generate event. Callers treat
// failures as warnings; embedding is isolated from resolution.
func (e *Enqueuer) EnqueueEmbedding(ctx context.Context, p EmbeddingPayload) error {
	var body, err = json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal embedding payload: %w", err)
	}
	if _, err = e.client.EnqueueContext(ctx, asynq.NewTask(TypeEmbedding, body),
		asynq.Queue(QueueEmbedding),
	); err != nil {
		return fmt.Errorf("enqueue embedding job: %w", err)
	}
	return nil
}

// ServerConfig sizes the worker pool.
type ServerConfig struct {
	ResolveConcurrency int
	IngestConcurrency  int
}

// NewServer builds the asynq worker server. Retries back off
// exponentially; business outcomes are returned as nil errors by the
// handlers, so only system errors reach the retry machinery.
func NewServer(redisOpt asynq.RedisClientOpt, cfg ServerConfig) *asynq.Server {
	// The embedding queue is absent on purpose: its consumer is a separate
	// service, this daemon only publishes into it.
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.ResolveConcurrency + cfg.IngestConcurrency,
		Queues: map[string]int{
			QueueResolve:         cfg.ResolveConcurrency,
			QueueAffiliateIngest: cfg.IngestConcurrency,
			QueueRetailerIngest:  cfg.IngestConcurrency,
		},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return (5 * time.Second) << uint(n)
		},
	})
}
