package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ammoindex/datafeed/evidence"
	"github.com/ammoindex/datafeed/metrics"
	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/normalize"
	"github.com/ammoindex/datafeed/store"
)

// Version stamps every link this resolver writes. Bump on any behavior
// change so decisions stay attributable.
const Version = "v1"

// Trigger says why a resolution was requested.
type Trigger string

const (
	TriggerIngest    Trigger = "INGEST"
	TriggerReconcile Trigger = "RECONCILE"
	TriggerManual    Trigger = "MANUAL"
)

const (
	upcConfidence = 0.95
	maxAliasDepth = 10
)

// Lookups is the narrow store surface the resolver reads through.
// CreateProduct is the one write it may perform, and that one is
// conditional-insert shaped: a canonical-key conflict is a lookup result
// (ErrConflict), not a failure.
type Lookups interface {
	SourceProductByID(ctx context.Context, id int64) (*model.SourceProduct, error)
	SourceKind(ctx context.Context, sourceID string) (model.SourceKind, error)
	LinkBySourceProductID(ctx context.Context, sourceProductID int64) (*model.ProductLink, error)
	ProductByCanonicalKey(ctx context.Context, key string) (*model.Product, error)
	ProductByID(ctx context.Context, id int64) (*model.Product, error)
	CreateProduct(ctx context.Context, p *model.Product, now time.Time) (int64, error)
	CandidatesByBrandCaliber(ctx context.Context, brandNorm, caliberNorm string, limit int) ([]*model.Product, error)
	AliasTarget(ctx context.Context, fromProductID int64) (int64, bool, error)
}

// TrustLookup is the trust-config view, implemented by TrustCache.
type TrustLookup interface {
	Get(ctx context.Context, sourceID string) (model.SourceTrustConfig, error)
}

// BrandLookup is the brand-alias view, implemented by AliasCache.
type BrandLookup interface {
	Resolve(brandNorm string) (resolved string, aliasApplied bool, aliasID int64)
}

// Result is a resolver decision plus everything the worker needs to
// persist and account for it. The resolver itself never writes the link.
type Result struct {
	SourceProductID int64
	ProductID       *int64
	MatchType       model.MatchType
	Status          model.LinkStatus
	ReasonCode      model.ReasonCode
	Confidence      float64
	ResolverVersion string
	Evidence        evidence.Document
	SourceKind      model.SourceKind

	// Skipped means nothing changed: MANUAL link, or identical input hash.
	Skipped bool
	// IsRelink means the decision points at a different product than the
	// prior link did; RelinkBlocked means hysteresis kept the prior one.
	IsRelink      bool
	RelinkBlocked bool
	// CreatedProduct is set when this resolution created the canonical row.
	CreatedProduct bool
}

// Resolver is the deterministic decision core. It is pure over its inputs
// and the Lookups/Trust/Brand views; two calls with identical observable
// state produce identical results.
type Resolver struct {
	Lookups Lookups
	Trust   TrustLookup
	Brands  BrandLookup
	Weights Weights
	Now     func() time.Time
}

func New(lookups Lookups, trust TrustLookup, brands BrandLookup) *Resolver {
	return &Resolver{
		Lookups: lookups,
		Trust:   trust,
		Brands:  brands,
		Weights: DefaultWeights,
		Now:     time.Now,
	}
}

// Resolve maps one source product onto its canonical product identity.
// Dependency errors propagate; resolver-internal panics are converted
// into an ERROR result carrying evidence.systemError.
func (r *Resolver) Resolve(ctx context.Context, sourceProductID int64, trigger Trigger) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{
				SourceProductID: sourceProductID,
				MatchType:       model.MatchError,
				Status:          model.LinkError,
				ReasonCode:      model.ReasonSystemError,
				ResolverVersion: Version,
				SourceKind:      res.SourceKind,
			}
			res.Evidence.SystemError = &evidence.SystemError{
				Code:    "PANIC",
				Message: fmt.Sprint(p),
			}
			err = nil
		}
	}()
	return r.resolve(ctx, sourceProductID, trigger)
}

func (r *Resolver) resolve(ctx context.Context, sourceProductID int64, trigger Trigger) (Result, error) {
	var res = Result{
		SourceProductID: sourceProductID,
		ResolverVersion: Version,
		SourceKind:      model.SourceUnknown,
	}

	// 1: the source row must exist.
	var sp, err = r.Lookups.SourceProductByID(ctx, sourceProductID)
	if errors.Is(err, store.ErrNotFound) {
		res.MatchType = model.MatchError
		res.Status = model.LinkError
		res.ReasonCode = model.ReasonSourceNotFound
		res.Evidence.SystemError = &evidence.SystemError{
			Code:    string(model.ReasonSourceNotFound),
			Message: fmt.Sprintf("source product %d does not exist", sourceProductID),
		}
		return res, nil
	} else if err != nil {
		return res, err
	}

	if res.SourceKind, err = r.Lookups.SourceKind(ctx, sp.SourceID); err != nil {
		return res, err
	}

	// 2: a MANUAL link is never overwritten.
	prior, err := r.Lookups.LinkBySourceProductID(ctx, sourceProductID)
	if errors.Is(err, store.ErrNotFound) {
		prior = nil
	} else if err != nil {
		return res, err
	}
	if prior != nil && prior.MatchType == model.MatchManual {
		res.ProductID = prior.ProductID
		res.MatchType = prior.MatchType
		res.Status = prior.Status
		res.ReasonCode = model.ReasonManualLocked
		res.Confidence = prior.Confidence
		res.Skipped = true
		res.RelinkBlocked = true
		res.Evidence.Fire(evidence.RuleManualPreserved)
		return res, nil
	}

	// 3: normalize and hash the input.
	var doc = &res.Evidence
	doc.DictionaryVersion = normalize.DictionaryVersion()
	doc.WeightsVersion = WeightsVersion

	var brandNorm = normalize.Brand(sp.Brand)
	resolved, aliasApplied, aliasID := r.Brands.Resolve(brandNorm)
	if aliasApplied {
		brandNorm = resolved
		doc.Fire(evidence.RuleBrandAliasApplied)
		doc.AddNormalizationError("brand", fmt.Sprintf("alias %d applied", aliasID))
	}

	var fp = normalize.ExtractFingerprint(brandNorm, sp.Title, sp.Caliber, sp.URL)
	if fp.GrainWeight == 0 {
		fp.GrainWeight = sp.GrainWeight
	}
	if fp.PackCount == 0 {
		fp.PackCount = sp.RoundCount
	}

	var upcNorm string
	if raw := sp.UPC(); raw != "" {
		var ok bool
		if upcNorm, ok = normalize.UPC(raw); !ok {
			doc.AddNormalizationError("upc", fmt.Sprintf("identifier %q is not a usable UPC", raw))
		}
	}

	trust, err := r.Trust.Get(ctx, sp.SourceID)
	if err != nil {
		return res, err
	}
	doc.TrustConfigVersion = trust.Version

	doc.InputNormalized = evidence.NormalizedInput{
		Title:       normalize.Title(sp.Title),
		BrandNorm:   brandNorm,
		CaliberNorm: fp.CaliberNorm,
		GrainWeight: fp.GrainWeight,
		PackCount:   fp.PackCount,
		TitleSig:    fp.TitleSig,
		UPCNorm:     upcNorm,
		LoadType:    fp.LoadType,
		ShellLength: fp.ShellLength,
		IdentityKey: fp.IdentityKey(),
	}
	doc.InputHash = evidence.InputHash(doc.InputNormalized, doc.DictionaryVersion, doc.TrustConfigVersion)

	if prior != nil {
		doc.PreviousDecision = previousDecision(prior)
		if priorInputHash(prior) == doc.InputHash {
			res.ProductID = prior.ProductID
			res.MatchType = prior.MatchType
			res.Status = prior.Status
			res.ReasonCode = prior.ReasonCode
			res.Confidence = prior.Confidence
			res.Skipped = true
			doc.Fire(evidence.RuleInputHashUnchanged)
			return res, nil
		}
	}

	recordMissingFields(doc.InputNormalized)

	// 4-7: the match ladder.
	if err = r.match(ctx, &res, sp, fp, upcNorm, trust); err != nil {
		return res, err
	}

	// 8: follow alias chains off matched/created products.
	if err = r.followAliases(ctx, &res); err != nil {
		return res, err
	}

	// 9: relink hysteresis against the prior link.
	r.applyHysteresis(&res, prior)

	res.Evidence = evidence.Truncate(res.Evidence)
	return res, nil
}

// recordMissingFields counts the normalized facets absent from a
// resolution that reached the match ladder; the ladder degrades on each.
func recordMissingFields(in evidence.NormalizedInput) {
	if in.BrandNorm == "" {
		metrics.RecordMissingField(metrics.FieldBrand)
	}
	if in.CaliberNorm == "" {
		metrics.RecordMissingField(metrics.FieldCaliber)
	}
	if in.UPCNorm == "" {
		metrics.RecordMissingField(metrics.FieldUPC)
	}
	if in.GrainWeight == 0 {
		metrics.RecordMissingField(metrics.FieldGrain)
	}
	if in.PackCount == 0 {
		metrics.RecordMissingField(metrics.FieldPack)
	}
}

// match runs the UPC, identity-key, and fuzzy paths in fixed priority and
// fills the decision fields of res.
func (r *Resolver) match(ctx context.Context, res *Result, sp *model.SourceProduct,
	fp normalize.Fingerprint, upcNorm string, trust model.SourceTrustConfig) error {

	var doc = &res.Evidence

	if upcNorm != "" {
		if trust.UPCTrusted {
			doc.Fire(evidence.RuleUPCMatchAttempted)
			return r.matchByKey(ctx, res, sp, fp, normalize.UPCKey(upcNorm), upcNorm, model.MatchUPC, upcConfidence)
		}
		doc.Fire(evidence.RuleUPCNotTrusted)
		doc.AddNormalizationError("upc", "source is not UPC-trusted; falling through to fingerprint")
	}

	if key := fp.IdentityKey(); key != "" {
		return r.matchByKey(ctx, res, sp, fp, key, upcNorm, model.MatchFingerprint, 1.0)
	}

	if fp.BrandNorm != "" && fp.CaliberNorm != "" {
		return r.matchFuzzy(ctx, res, sp, fp)
	}

	doc.Fire(evidence.RuleInsufficientData)
	res.MatchType = model.MatchNone
	res.Status = model.LinkNeedsReview
	res.ReasonCode = model.ReasonInsufficientData
	return nil
}

// matchByKey is the shared direct-unique-lookup arm of the UPC and
// identity-key paths, including the create-with-race-retry protocol.
func (r *Resolver) matchByKey(ctx context.Context, res *Result, sp *model.SourceProduct,
	fp normalize.Fingerprint, key, upcNorm string, matchType model.MatchType, confidence float64) error {

	var doc = &res.Evidence

	var product, err = r.Lookups.ProductByCanonicalKey(ctx, key)
	if err == nil {
		if matchType == model.MatchFingerprint {
			doc.Fire(evidence.RuleIdentityKeyMatched)
		}
		var id = product.ID
		res.ProductID = &id
		res.MatchType = matchType
		res.Status = model.LinkMatched
		res.Confidence = confidence
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	var created = &model.Product{
		CanonicalKey: key,
		Name:         sp.Title,
		Brand:        sp.Brand,
		BrandNorm:    fp.BrandNorm,
		Caliber:      sp.Caliber,
		CaliberNorm:  fp.CaliberNorm,
		GrainWeight:  fp.GrainWeight,
		RoundCount:   fp.PackCount,
		UPCNorm:      upcNorm,
	}
	id, err := r.Lookups.CreateProduct(ctx, created, r.Now().UTC())
	if errors.Is(err, store.ErrConflict) {
		// Another resolution created the same identity concurrently; the
		// winner's row is authoritative and this becomes a match.
		doc.Fire(evidence.RuleProductRaceRetry)
		winner, err := r.Lookups.ProductByCanonicalKey(ctx, key)
		if err != nil {
			return fmt.Errorf("re-reading product after race on %q: %w", key, err)
		}
		var wid = winner.ID
		res.ProductID = &wid
		res.MatchType = matchType
		res.Status = model.LinkMatched
		res.Confidence = confidence
		return nil
	} else if err != nil {
		return err
	}

	if matchType == model.MatchFingerprint {
		doc.Fire(evidence.RuleIdentityKeyCreated)
	} else {
		doc.Fire(evidence.RuleProductCreated)
	}
	res.ProductID = &id
	res.MatchType = matchType
	res.Status = model.LinkCreated
	res.Confidence = confidence
	res.CreatedProduct = true
	return nil
}

func previousDecision(prior *model.ProductLink) *evidence.PreviousDecision {
	var prev = evidence.PreviousDecision{
		MatchType:  string(prior.MatchType),
		Status:     string(prior.Status),
		ReasonCode: string(prior.ReasonCode),
		Confidence: prior.Confidence,
		ResolvedAt: prior.ResolvedAt,
	}
	if prior.ProductID != nil {
		prev.ProductID = *prior.ProductID
	}
	return &prev
}

// priorInputHash digs the inputHash out of a persisted evidence document.
// Unparseable evidence reads as "no hash", forcing a fresh resolution.
func priorInputHash(prior *model.ProductLink) string {
	var doc struct {
		InputHash string `json:"inputHash"`
	}
	if err := json.Unmarshal(prior.Evidence, &doc); err != nil {
		return ""
	}
	return doc.InputHash
}

// followAliases walks deprecation edges off a matched or created product.
// Every hop is recorded; walking past maxAliasDepth (or around a cycle)
// degrades the decision to ERROR.
func (r *Resolver) followAliases(ctx context.Context, res *Result) error {
	if res.ProductID == nil {
		return nil
	}
	var cur = *res.ProductID
	var visited = map[int64]struct{}{cur: {}}

	for hop := 0; ; hop++ {
		var to, ok, err = r.Lookups.AliasTarget(ctx, cur)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if hop+1 > maxAliasDepth {
			res.ProductID = nil
			res.MatchType = model.MatchError
			res.Status = model.LinkError
			res.ReasonCode = model.ReasonSystemError
			res.Confidence = 0
			res.Evidence.SystemError = &evidence.SystemError{
				Code:    "ALIAS_DEPTH_EXCEEDED",
				Message: fmt.Sprintf("alias chain exceeds %d hops", maxAliasDepth),
			}
			return nil
		}
		res.Evidence.AliasHops = append(res.Evidence.AliasHops,
			evidence.AliasHop{FromProductID: cur, ToProductID: to})
		if _, seen := visited[to]; seen {
			res.ProductID = nil
			res.MatchType = model.MatchError
			res.Status = model.LinkError
			res.ReasonCode = model.ReasonSystemError
			res.Confidence = 0
			res.Evidence.SystemError = &evidence.SystemError{
				Code:    "ALIAS_CYCLE",
				Message: fmt.Sprintf("alias chain revisits product %d", to),
			}
			return nil
		}
		visited[to] = struct{}{}
		cur = to
	}

	if len(res.Evidence.AliasHops) > 0 {
		res.Evidence.Fire(evidence.RuleAliasChainFollowed)
		res.ProductID = &cur
	}
	return nil
}

// applyHysteresis compares the new decision against the prior link. A
// relink to a different product needs a strictly stronger match type or a
// +0.10 confidence improvement; otherwise the prior product is kept and
// the attempt is recorded.
func (r *Resolver) applyHysteresis(res *Result, prior *model.ProductLink) {
	if prior == nil || prior.ProductID == nil || res.ProductID == nil {
		return
	}
	if *prior.ProductID == *res.ProductID {
		return
	}
	res.IsRelink = true

	if res.MatchType.Strength() > prior.MatchType.Strength() {
		return
	}
	if res.Confidence >= prior.Confidence+0.10 {
		return
	}

	res.Evidence.Fire(evidence.RuleRelinkBlocked)
	res.ProductID = prior.ProductID
	res.MatchType = prior.MatchType
	res.Status = model.LinkMatched
	res.ReasonCode = model.ReasonRelinkBlockedHysteresis
	res.Confidence = prior.Confidence
	res.RelinkBlocked = true
	res.CreatedProduct = false
}
