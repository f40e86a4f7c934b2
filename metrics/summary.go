package metrics

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ammoindex/datafeed/model"
)

// TimingBreakdown splits a run's wall clock across its phases, in
// milliseconds.
type TimingBreakdown struct {
	StatMs     int64 `json:"statMs"`
	DownloadMs int64 `json:"downloadMs"`
	ParseMs    int64 `json:"parseMs"`
	RowsMs     int64 `json:"rowsMs"`
	FinalizeMs int64 `json:"finalizeMs"`
}

// ErrorSummary aggregates a run's row errors.
type ErrorSummary struct {
	Count       int            `json:"count"`
	PrimaryCode string         `json:"primaryCode,omitempty"`
	Codes       map[string]int `json:"codes,omitempty"`
}

// IngestRunSummary is the single structured event emitted when a feed run
// reaches a terminal state. It is both logged and written into the run's
// log file.
type IngestRunSummary struct {
	Pipeline   string    `json:"pipeline"`
	RunID      int64     `json:"runId"`
	SourceID   string    `json:"sourceId"`
	RetailerID string    `json:"retailerId,omitempty"`
	Status     string    `json:"status"`
	SkipReason string    `json:"skipReason,omitempty"`
	Trigger    string    `json:"trigger"`
	Timestamp  time.Time `json:"ts"`
	DurationMs int64     `json:"durationMs"`

	Timing TimingBreakdown `json:"timing"`

	RowsRead         int `json:"rowsRead"`
	RowsParsed       int `json:"rowsParsed"`
	ProductsUpserted int `json:"productsUpserted"`
	PricesWritten    int `json:"pricesWritten"`
	ProductsPromoted int `json:"productsPromoted"`
	ProductsRejected int `json:"productsRejected"`

	Errors ErrorSummary `json:"errors"`

	DuplicateKeyCount    int `json:"duplicateKeyCount"`
	URLHashFallbackCount int `json:"urlHashFallbackCount"`

	// ParseRate is rowsParsed over rowsRead, the run's basic quality
	// signal. 1.0 for empty files.
	ParseRate float64 `json:"parseRate"`
}

// NewRunSummary assembles the summary from a terminal run.
func NewRunSummary(feed *model.Feed, run *model.FeedRun, timing TimingBreakdown,
	errorCodes map[string]int, now time.Time) IngestRunSummary {

	var s = IngestRunSummary{
		Pipeline:   PipelineLabel(feed.Kind),
		RunID:      run.ID,
		SourceID:   feed.SourceID,
		RetailerID: feed.Network,
		Status:     string(run.Status),
		Trigger:    string(run.Trigger),
		Timestamp:  now.Truncate(time.Minute),
		DurationMs: now.Sub(run.StartedAt).Milliseconds(),
		Timing:     timing,

		RowsRead:         run.Counters.RowsRead,
		RowsParsed:       run.Counters.RowsParsed,
		ProductsUpserted: run.Counters.ProductsUpserted,
		PricesWritten:    run.Counters.PricesWritten,
		ProductsPromoted: run.Counters.ProductsPromoted,
		ProductsRejected: run.Counters.ProductsRejected,

		DuplicateKeyCount:    run.Counters.DuplicateKeyCount,
		URLHashFallbackCount: run.Counters.URLHashFallbackCount,

		ParseRate: 1.0,
	}
	if run.Status == model.RunSkipped {
		s.SkipReason = run.FailureCode
	}
	if run.Counters.RowsRead > 0 {
		s.ParseRate = float64(run.Counters.RowsParsed) / float64(run.Counters.RowsRead)
	}

	s.Errors = ErrorSummary{Count: run.Counters.ErrorCount}
	if len(errorCodes) > 0 {
		s.Errors.Codes = errorCodes
		var max int
		for code, n := range errorCodes {
			if n > max || (n == max && code < s.Errors.PrimaryCode) {
				s.Errors.PrimaryCode, max = code, n
			}
		}
	}
	return s
}

// Emit writes the summary as one structured event through the logger.
func (s IngestRunSummary) Emit(logger *log.Logger) {
	var doc, err = json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("marshaling run summary cannot fail: %v", err))
	}
	logger.WithFields(log.Fields{
		"event":   "ingestRunSummary",
		"summary": json.RawMessage(doc),
	}).Info("feed run finished")
}
