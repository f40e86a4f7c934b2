package model

import (
	"time"
)

// FeedStatus is the lifecycle state of a configured feed.
type FeedStatus string

const (
	FeedDraft    FeedStatus = "DRAFT"
	FeedEnabled  FeedStatus = "ENABLED"
	FeedPaused   FeedStatus = "PAUSED"
	FeedDisabled FeedStatus = "DISABLED"
)

// FeedKind selects the ingest pipeline a feed belongs to. It decides the
// queue the scheduler enqueues into, the scheduler gate setting, and the
// bounded `pipeline` metric label.
type FeedKind string

const (
	KindAffiliate FeedKind = "AFFILIATE"
	KindRetailer  FeedKind = "RETAILER"
)

// TransportKind is the remote protocol a feed is fetched over.
type TransportKind string

const (
	TransportFTP  TransportKind = "FTP"
	TransportSFTP TransportKind = "SFTP"
)

// Compression of the remote feed file.
type Compression string

const (
	CompressionNone Compression = "NONE"
	CompressionGzip Compression = "GZIP"
)

// Feed is one configured remote product-catalog source.
type Feed struct {
	ID       int64
	SourceID string
	Network  string
	Kind     FeedKind
	Status   FeedStatus

	Transport TransportKind
	Host      string
	Port      int
	Path      string
	Username  string
	// Secret is the encrypted credential blob. Key management is out of
	// scope; the blob plus key id travel opaquely.
	Secret        []byte
	SecretKeyID   string
	SecretVersion int

	Format      string // "CSV" in v1.
	Compression Compression

	ScheduleFrequencyHours int
	ExpiryHours            int
	// ExpiryMaxFraction is the largest fraction of currently-active products
	// a single run may expire before the circuit breaker blocks promotion.
	ExpiryMaxFraction float64
	MaxFileSizeBytes  int64 // 0 means the engine default.
	MaxRowCount       int   // 0 means the engine default.

	NextRunAt           *time.Time
	ManualRunPending    bool
	LastManualRunAt     *time.Time
	ConsecutiveFailures int

	// Change-detection state from the last successful run.
	LastRemoteMtime *time.Time
	LastRemoteSize  *int64
	LastContentHash string

	// FeedLockID is the stable 64-bit advisory lock key. Computed once at
	// feed creation (see LockID) and never recomputed.
	FeedLockID int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunTrigger says why a feed run was started.
type RunTrigger string

const (
	TriggerScheduled     RunTrigger = "SCHEDULED"
	TriggerManual        RunTrigger = "MANUAL"
	TriggerManualPending RunTrigger = "MANUAL_PENDING"
	TriggerAdminTest     RunTrigger = "ADMIN_TEST"
	TriggerRetry         RunTrigger = "RETRY"
)

// RunStatus is the lifecycle state of a FeedRun. Terminal states are
// write-once except for the expiry-approval and ignore triads.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunSkipped   RunStatus = "SKIPPED"
)

// FailureKind is the coarse failure bucket surfaced on a FeedRun.
type FailureKind string

const (
	FailureTransport FailureKind = "TRANSPORT"
	FailureParse     FailureKind = "PARSE"
	FailureCircuit   FailureKind = "CIRCUIT"
	FailureAdmin     FailureKind = "ADMIN"
	FailureSystem    FailureKind = "SYSTEM"
)

// Failure codes, the specific constants within a FailureKind.
const (
	FailAuth                = "AUTH"
	FailTransport           = "TRANSPORT"
	FailFileNotFound        = "FILE_NOT_FOUND"
	FailFileTooLarge        = "FILE_TOO_LARGE"
	FailTimeout             = "TIMEOUT"
	FailTransportNotAllowed = "TRANSPORT_NOT_ALLOWED"
	FailParseError          = "PARSE_ERROR"
	FailTooManyRows         = "TOO_MANY_ROWS"
	FailCircuitOpen         = "CIRCUIT_OPEN"
	FailAdminReset          = "ADMIN_RESET"
	FailManuallyCancelled   = "MANUALLY_CANCELLED"
	FailSystemError         = "SYSTEM_ERROR"
)

// Skip reasons recorded on SKIPPED runs.
const (
	SkipLockBusy      = "LOCK_BUSY"
	SkipUnchangedStat = "UNCHANGED_STAT"
	SkipUnchangedHash = "UNCHANGED_HASH"
)

// RunCounters are the per-run pipeline counters.
type RunCounters struct {
	RowsRead             int
	RowsParsed           int
	ProductsUpserted     int
	PricesWritten        int
	ProductsPromoted     int
	ProductsRejected     int
	DuplicateKeyCount    int
	URLHashFallbackCount int
	ErrorCount           int
}

// FeedRun is one execution attempt of one feed.
type FeedRun struct {
	ID     int64
	FeedID int64

	Trigger RunTrigger
	Status  RunStatus

	StartedAt  time.Time
	FinishedAt *time.Time

	Counters RunCounters

	FailureKind    FailureKind
	FailureCode    string
	FailureMessage string

	CorrelationID string

	ExpiryBlocked       bool
	ExpiryBlockedReason string
	ExpiryApprovedAt    *time.Time
	ExpiryApprovedBy    string

	IgnoredAt     *time.Time
	IgnoredBy     string
	IgnoredReason string

	RemoteMtime *time.Time
	RemoteSize  *int64
	ContentHash string
}

// Terminal reports whether the run reached a write-once terminal status.
func (r *FeedRun) Terminal() bool {
	switch r.Status {
	case RunSucceeded, RunFailed, RunSkipped:
		return true
	}
	return false
}

// FeedRunError is one recorded per-row failure of a run.
type FeedRunError struct {
	ID        int64
	FeedRunID int64
	RowNumber int
	Code      string
	Message   string
	RawRow    string
	CreatedAt time.Time
}
