package model

import (
	"time"
)

// SourceKind is the bounded origin label attached to resolver results and
// metrics. It mirrors FeedKind but tolerates rows whose feed is gone.
type SourceKind string

const (
	SourceAffiliate SourceKind = "affiliate"
	SourceRetailer  SourceKind = "retailer"
	SourceUnknown   SourceKind = "unknown"
)

// SourceKinds is the closed label set; metrics reject anything else.
var SourceKinds = []SourceKind{SourceAffiliate, SourceRetailer, SourceUnknown}

// SourceKindOf maps a feed kind onto its bounded source kind.
func SourceKindOf(kind FeedKind) SourceKind {
	switch kind {
	case KindAffiliate:
		return SourceAffiliate
	case KindRetailer:
		return SourceRetailer
	}
	return SourceUnknown
}

// IdentifierKind classifies a source product identifier row.
type IdentifierKind string

const (
	IdentUPC  IdentifierKind = "UPC"
	IdentSKU  IdentifierKind = "SKU"
	IdentASIN IdentifierKind = "ASIN"
	IdentMPN  IdentifierKind = "MPN"
)

// Identifier is one identifier row attached to a SourceProduct.
type Identifier struct {
	Kind  IdentifierKind
	Value string
}

// SourceProduct is one row ingested from a feed, keyed by
// (sourceId, stableKey).
type SourceProduct struct {
	ID       int64
	SourceID string
	// StableKey is the retailer SKU when present, else a hash of the
	// normalized URL.
	StableKey string

	Title         string
	Brand         string
	URL           string
	NormalizedURL string

	Caliber     string
	GrainWeight int
	RoundCount  int

	Identifiers []Identifier

	LastPriceCents    int64
	LastPriceCurrency string

	// NormalizedHash is the resolver's evidence.inputHash from the last
	// completed resolution; identical hashes short-circuit re-runs.
	NormalizedHash string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UPC returns the first UPC identifier value, or "".
func (s *SourceProduct) UPC() string {
	for _, id := range s.Identifiers {
		if id.Kind == IdentUPC {
			return id.Value
		}
	}
	return ""
}

// Product is the canonical identity shared across sources. CanonicalKey is
// unique, never mutated after creation, and takes exactly one of the shapes
// UPC:<12 digits>, FP:v1:<64-hex>, or FP_SG:v1:<64-hex> (composed by the
// normalize package).
type Product struct {
	ID           int64
	CanonicalKey string

	Name        string
	Category    string
	Brand       string
	BrandNorm   string
	Caliber     string
	CaliberNorm string
	GrainWeight int
	RoundCount  int
	UPCNorm     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProductAlias is a directed deprecation/merge edge between products.
type ProductAlias struct {
	FromProductID int64
	ToProductID   int64
	Reason        string
	CreatedAt     time.Time
}

// MatchType says which resolver path produced a link.
type MatchType string

const (
	MatchUPC         MatchType = "UPC"
	MatchFingerprint MatchType = "FINGERPRINT"
	MatchManual      MatchType = "MANUAL"
	MatchNone        MatchType = "NONE"
	MatchError       MatchType = "ERROR"
)

// Strength orders match types for relink hysteresis: a new decision must
// strictly exceed the prior one (or beat its confidence by 0.10) to move a
// link. MANUAL outranks everything and is never overwritten.
func (m MatchType) Strength() int {
	switch m {
	case MatchManual:
		return 4
	case MatchUPC:
		return 3
	case MatchFingerprint:
		return 2
	case MatchNone:
		return 1
	}
	return 0 // ERROR and unknown.
}

// LinkStatus is the outcome state of a ProductLink.
type LinkStatus string

const (
	LinkMatched     LinkStatus = "MATCHED"
	LinkCreated     LinkStatus = "CREATED"
	LinkNeedsReview LinkStatus = "NEEDS_REVIEW"
	LinkError       LinkStatus = "ERROR"
)

// LinkStatuses is the closed label set used by metrics.
var LinkStatuses = []LinkStatus{LinkMatched, LinkCreated, LinkNeedsReview, LinkError}

// ReasonCode is the bounded explanation recorded on a link.
type ReasonCode string

const (
	ReasonNone                    ReasonCode = ""
	ReasonInsufficientData        ReasonCode = "INSUFFICIENT_DATA"
	ReasonAmbiguousFingerprint    ReasonCode = "AMBIGUOUS_FINGERPRINT"
	ReasonConflictingIdentifiers  ReasonCode = "CONFLICTING_IDENTIFIERS"
	ReasonRelinkBlockedHysteresis ReasonCode = "RELINK_BLOCKED_HYSTERESIS"
	ReasonManualLocked            ReasonCode = "MANUAL_LOCKED"
	ReasonSourceNotFound          ReasonCode = "SOURCE_NOT_FOUND"
	ReasonSystemError             ReasonCode = "SYSTEM_ERROR"
)

// ReasonCodes is the closed set of codes the resolver may emit. The
// resolver_failure_total metric additionally restricts itself to ERROR
// outcomes.
var ReasonCodes = []ReasonCode{
	ReasonInsufficientData,
	ReasonAmbiguousFingerprint,
	ReasonConflictingIdentifiers,
	ReasonRelinkBlockedHysteresis,
	ReasonManualLocked,
	ReasonSourceNotFound,
	ReasonSystemError,
}

// ProductLink binds one SourceProduct to at most one canonical Product.
// Invariants: MATCHED/CREATED imply ProductID set; NEEDS_REVIEW implies
// ProductID nil; MANUAL links are never overwritten by the resolver.
type ProductLink struct {
	ID              int64
	SourceProductID int64
	ProductID       *int64

	MatchType  MatchType
	Status     LinkStatus
	ReasonCode ReasonCode
	Confidence float64

	ResolverVersion string
	Evidence        []byte // JSON evidence document.
	ResolvedAt      time.Time
}

// RequestStatus is the queue-visible state of a resolve request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestProcessing RequestStatus = "PROCESSING"
	RequestCompleted  RequestStatus = "COMPLETED"
	RequestFailed     RequestStatus = "FAILED"
)

// ProductResolveRequest is one queued unit of resolver work. At most one
// open request exists per source product (the idempotency key).
type ProductResolveRequest struct {
	ID              int64
	IdempotencyKey  string
	SourceProductID int64
	Status          RequestStatus
	Attempts        int
	LastAttemptAt   *time.Time
	ErrorMessage    string
	ResultProductID *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SourceTrustConfig is the per-source identifier trust row. Version
// increments on every change and is folded into resolver input hashes.
type SourceTrustConfig struct {
	SourceID   string
	UPCTrusted bool
	Version    int
	UpdatedAt  time.Time
}

// BrandAlias maps a normalized brand variant onto its canonical form.
type BrandAlias struct {
	ID       int64
	FromNorm string
	ToNorm   string
	HitCount int64
}
