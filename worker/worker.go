// Package worker consumes product-resolve jobs: it drives the resolver,
// persists the decision link and evidence, and accounts for the outcome.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"github.com/ammoindex/datafeed/evidence"
	"github.com/ammoindex/datafeed/metrics"
	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/queue"
	"github.com/ammoindex/datafeed/resolver"
	"github.com/ammoindex/datafeed/runlog"
)

// Stores is the store surface the handler writes through.
type Stores interface {
	MarkRequestProcessing(ctx context.Context, sourceProductID int64, now time.Time) error
	CompleteRequest(ctx context.Context, sourceProductID int64, resultProductID *int64, now time.Time) error
	FailRequest(ctx context.Context, sourceProductID int64, message string, now time.Time) error
	UpsertLink(ctx context.Context, l *model.ProductLink, now time.Time) error
	SetNormalizedHash(ctx context.Context, sourceProductID int64, hash string, now time.Time) error
	SettingBool(ctx context.Context, name string) (bool, error)
}

// Resolving is the resolver surface, satisfied by *resolver.Resolver.
type Resolving interface {
	Resolve(ctx context.Context, sourceProductID int64, trigger resolver.Trigger) (resolver.Result, error)
}

// Embedder publishes embedding-generate events, satisfied by
// *queue.Enqueuer.
type Embedder interface {
	EnqueueEmbedding(ctx context.Context, p queue.EmbeddingPayload) error
}

// Handler processes resolve jobs.
type Handler struct {
	store    Stores
	resolver Resolving
	embed    Embedder
	logDir   string
	now      func() time.Time
}

func NewHandler(st Stores, r Resolving, embed Embedder, logDir string) *Handler {
	return &Handler{store: st, resolver: r, embed: embed, logDir: logDir, now: time.Now}
}

// HandleResolve is the asynq entry point for resolve:source-product jobs.
// Business outcomes (NEEDS_REVIEW, ERROR results) complete the job;
// only dependency errors reach asynq's retry machinery.
func (h *Handler) HandleResolve(ctx context.Context, t *asynq.Task) error {
	var p queue.ResolvePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal resolve payload: %w", err)
	}

	var logger = log.StandardLogger()
	if handle, err := runlog.ForResolver(h.logDir, p.AffiliateFeedRunID, h.now()); err != nil {
		log.WithError(err).Warn("cannot open resolver log file")
	} else {
		logger = handle.Logger
		defer handle.Close()
	}

	var start = h.now()
	if err := h.store.MarkRequestProcessing(ctx, p.SourceProductID, start); err != nil {
		return h.retryOrFail(ctx, p.SourceProductID, model.SourceUnknown, err)
	}

	res, err := h.resolver.Resolve(ctx, p.SourceProductID, resolver.Trigger(p.Trigger))
	if err != nil {
		return h.retryOrFail(ctx, p.SourceProductID, res.SourceKind, err)
	}

	metrics.RecordResolverRequest(res.SourceKind)
	metrics.ObserveResolverLatency(h.now().Sub(start))

	if err = h.persist(ctx, &res, logger); err != nil {
		return h.retryOrFail(ctx, p.SourceProductID, res.SourceKind, err)
	}
	h.account(ctx, &res, logger)
	return nil
}

// persist writes the decision: link row, normalized hash, request state.
// Skipped decisions and vanished source rows complete the request without
// touching the link.
func (h *Handler) persist(ctx context.Context, res *resolver.Result, logger *log.Logger) error {
	var now = h.now()

	if res.Skipped || res.ReasonCode == model.ReasonSourceNotFound {
		return h.store.CompleteRequest(ctx, res.SourceProductID, res.ProductID, now)
	}

	var doc = evidence.Truncate(res.Evidence)
	if err := h.store.UpsertLink(ctx, &model.ProductLink{
		SourceProductID: res.SourceProductID,
		ProductID:       res.ProductID,
		MatchType:       res.MatchType,
		Status:          res.Status,
		ReasonCode:      res.ReasonCode,
		Confidence:      res.Confidence,
		ResolverVersion: res.ResolverVersion,
		Evidence:        doc.Marshal(),
		ResolvedAt:      now,
	}, now); err != nil {
		return err
	}
	if err := h.store.SetNormalizedHash(ctx, res.SourceProductID, res.Evidence.InputHash, now); err != nil {
		return err
	}
	if err := h.store.CompleteRequest(ctx, res.SourceProductID, res.ProductID, now); err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"sourceProduct": res.SourceProductID,
		"status":        res.Status,
		"matchType":     res.MatchType,
		"reasonCode":    res.ReasonCode,
		"confidence":    res.Confidence,
		"relink":        res.IsRelink,
		"relinkBlocked": res.RelinkBlocked,
	}).Info("resolver decision persisted")
	return nil
}

// account records metrics and fires the embedding follow-up.
func (h *Handler) account(ctx context.Context, res *resolver.Result, logger *log.Logger) {
	metrics.RecordResolverDecision(res.SourceKind, res.Status)
	metrics.RecordMatchPath(matchPath(res), matchOutcome(res))
	if res.Status == model.LinkError {
		metrics.RecordResolverFailure(res.SourceKind, res.ReasonCode)
	}

	if res.ProductID == nil ||
		(res.Status != model.LinkMatched && res.Status != model.LinkCreated) {
		return
	}
	enabled, err := h.store.SettingBool(ctx, model.SettingAutoEmbeddingEnabled)
	if err != nil || !enabled {
		return
	}
	// Embedding is isolated from resolution: failures only warn.
	if err = h.embed.EnqueueEmbedding(ctx, queue.EmbeddingPayload{
		ProductID: *res.ProductID,
		Trigger:   "RESOLVE",
		Meta: map[string]string{
			"matchType": string(res.MatchType),
			"created":   fmt.Sprintf("%t", res.CreatedProduct),
		},
	}); err != nil {
		logger.WithError(err).WithField("product", *res.ProductID).
			Warn("enqueueing embedding job failed")
	}
}

// matchPath names the resolver path a decision came from. A fingerprint
// decision came through the fuzzy pool exactly when the fuzzy rule fired.
func matchPath(res *resolver.Result) string {
	switch res.MatchType {
	case model.MatchUPC:
		return metrics.PathUPC
	case model.MatchFingerprint:
		if res.Evidence.Fired(evidence.RuleFuzzyAttempted) {
			return metrics.PathFuzzy
		}
		return metrics.PathIdentity
	}
	return metrics.PathNone
}

func matchOutcome(res *resolver.Result) string {
	if res.Skipped {
		return metrics.OutcomeSkipped
	}
	switch res.Status {
	case model.LinkMatched:
		return metrics.OutcomeMatched
	case model.LinkCreated:
		return metrics.OutcomeCreated
	case model.LinkNeedsReview:
		return metrics.OutcomeNeedsReview
	}
	return metrics.OutcomeError
}

// retryOrFail rethrows for asynq's retry machinery, recording the system
// error and marking the request FAILED when this was the final attempt.
func (h *Handler) retryOrFail(ctx context.Context, sourceProductID int64, kind model.SourceKind, cause error) error {
	metrics.RecordResolverFailure(kind, model.ReasonSystemError)
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried >= maxRetry {
		if err := h.store.FailRequest(ctx, sourceProductID, cause.Error(), h.now()); err != nil {
			log.WithError(err).WithField("sourceProduct", sourceProductID).
				Warn("marking request failed after final attempt failed")
		}
	}
	return fmt.Errorf("resolving source product %d: %w", sourceProductID, cause)
}

// Mux builds the asynq mux routing the task types this daemon consumes.
// Embedding jobs are published here but consumed by a separate service.
func Mux(h *Handler, ingest asynq.Handler) *asynq.ServeMux {
	var mux = asynq.NewServeMux()
	mux.HandleFunc(queue.TypeResolve, h.HandleResolve)
	mux.Handle(queue.TypeIngest, ingest)
	return mux
}
