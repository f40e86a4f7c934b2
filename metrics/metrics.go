// Package metrics owns the prometheus instruments. Label sets are closed:
// every label value passes through a normalizer that maps anything
// unexpected onto a bounded fallback, so ids and free text can never
// explode a series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ammoindex/datafeed/model"
)

var resolverRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "resolver_requests_total",
	Help: "counter of resolver invocations",
}, []string{"source_kind"})

var resolverDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "resolver_decisions_total",
	Help: "counter of resolver decisions by outcome status",
}, []string{"source_kind", "status"})

var resolverFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "resolver_failure_total",
	Help: "counter of resolver ERROR outcomes by reason code",
}, []string{"source_kind", "reason_code"})

var resolverLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "resolver_latency_ms",
	Help:    "histogram of resolver decision latency in milliseconds",
	Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
})

var resolverMatchPath = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "resolver_match_path_total",
	Help: "counter of match paths taken and their outcomes",
}, []string{"path", "outcome"})

var resolverMissingFields = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "resolver_missing_fields_total",
	Help: "counter of normalized fields absent from resolver inputs",
}, []string{"field"})

var ingestRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_runs_total",
	Help: "counter of feed runs by terminal status",
}, []string{"pipeline", "status"})

var ingestListingsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_listings_created_total",
	Help: "counter of source products created by ingestion",
}, []string{"pipeline"})

var ingestListingsUpdated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_listings_updated_total",
	Help: "counter of source products updated by ingestion",
}, []string{"pipeline"})

var ingestPricesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_prices_written_total",
	Help: "counter of price observations written by ingestion",
}, []string{"pipeline"})

// Match paths and outcomes, closed.
const (
	PathUPC      = "upc"
	PathIdentity = "identity_key"
	PathFuzzy    = "fuzzy"
	PathNone     = "none"

	OutcomeMatched     = "matched"
	OutcomeCreated     = "created"
	OutcomeNeedsReview = "needs_review"
	OutcomeError       = "error"
	OutcomeSkipped     = "skipped"
)

// Missing-field label values, closed.
const (
	FieldBrand   = "brand"
	FieldCaliber = "caliber"
	FieldUPC     = "upc"
	FieldGrain   = "grain"
	FieldPack    = "pack"
)

// SourceKindLabel clamps a source kind onto its closed label set.
func SourceKindLabel(kind model.SourceKind) string {
	for _, k := range model.SourceKinds {
		if kind == k {
			return string(kind)
		}
	}
	return string(model.SourceUnknown)
}

// StatusLabel clamps a link status; anything unexpected reads as error.
func StatusLabel(status model.LinkStatus) string {
	for _, s := range model.LinkStatuses {
		if status == s {
			return string(status)
		}
	}
	return string(model.LinkError)
}

// ReasonLabel clamps a reason code.
func ReasonLabel(reason model.ReasonCode) string {
	for _, r := range model.ReasonCodes {
		if reason == r {
			return string(reason)
		}
	}
	return string(model.ReasonSystemError)
}

var matchPaths = map[string]struct{}{
	PathUPC: {}, PathIdentity: {}, PathFuzzy: {}, PathNone: {},
}

var matchOutcomes = map[string]struct{}{
	OutcomeMatched: {}, OutcomeCreated: {}, OutcomeNeedsReview: {},
	OutcomeError: {}, OutcomeSkipped: {},
}

var missingFields = map[string]struct{}{
	FieldBrand: {}, FieldCaliber: {}, FieldUPC: {}, FieldGrain: {}, FieldPack: {},
}

// PathLabel clamps a match path onto the closed set.
func PathLabel(path string) string {
	if _, ok := matchPaths[path]; ok {
		return path
	}
	return PathNone
}

// OutcomeLabel clamps a match outcome onto the closed set.
func OutcomeLabel(outcome string) string {
	if _, ok := matchOutcomes[outcome]; ok {
		return outcome
	}
	return OutcomeError
}

// FieldLabel clamps a missing-field name onto the closed set.
func FieldLabel(field string) string {
	if _, ok := missingFields[field]; ok {
		return field
	}
	return FieldBrand
}

func RecordResolverRequest(kind model.SourceKind) {
	resolverRequests.WithLabelValues(SourceKindLabel(kind)).Inc()
}

func RecordResolverDecision(kind model.SourceKind, status model.LinkStatus) {
	resolverDecisions.WithLabelValues(SourceKindLabel(kind), StatusLabel(status)).Inc()
}

// RecordResolverFailure counts ERROR outcomes only; callers gate on status.
func RecordResolverFailure(kind model.SourceKind, reason model.ReasonCode) {
	resolverFailures.WithLabelValues(SourceKindLabel(kind), ReasonLabel(reason)).Inc()
}

func ObserveResolverLatency(d time.Duration) {
	resolverLatency.Observe(float64(d.Milliseconds()))
}

func RecordMatchPath(path, outcome string) {
	resolverMatchPath.WithLabelValues(PathLabel(path), OutcomeLabel(outcome)).Inc()
}

func RecordMissingField(field string) {
	resolverMissingFields.WithLabelValues(FieldLabel(field)).Inc()
}

// PipelineLabel maps a feed kind onto the bounded pipeline label.
func PipelineLabel(kind model.FeedKind) string {
	return string(model.SourceKindOf(kind))
}

func RecordIngestRun(kind model.FeedKind, status model.RunStatus) {
	ingestRuns.WithLabelValues(PipelineLabel(kind), string(status)).Inc()
}

func RecordIngestListings(kind model.FeedKind, created, updated int) {
	ingestListingsCreated.WithLabelValues(PipelineLabel(kind)).Add(float64(created))
	ingestListingsUpdated.WithLabelValues(PipelineLabel(kind)).Add(float64(updated))
}

func RecordIngestPrices(kind model.FeedKind, n int) {
	ingestPricesWritten.WithLabelValues(PipelineLabel(kind)).Add(float64(n))
}
