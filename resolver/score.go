package resolver

import (
	"context"
	"sort"
	"strings"

	"github.com/ammoindex/datafeed/evidence"
	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/normalize"
)

// WeightsVersion stamps evidence so scored decisions replay against the
// weights that produced them.
const WeightsVersion = "w1"

// Weights are the fixed per-component multipliers of the fuzzy scorer.
type Weights struct {
	Brand   float64
	Caliber float64
	Pack    float64
	Grain   float64
	Title   float64
}

var DefaultWeights = Weights{
	Brand:   0.25,
	Caliber: 0.30,
	Pack:    0.20,
	Grain:   0.15,
	Title:   0.10,
}

const (
	maxCandidates = 200
	topK          = 10 // Candidates retained in evidence.

	// The ambiguity band: a best score inside [low, high), or within gap
	// of the runner-up, is not decidable automatically.
	ambiguityLow  = 0.55
	ambiguityHigh = 0.70
	ambiguityGap  = 0.03
)

// matchFuzzy runs only when no identity key could be formed. Candidates
// are pooled by exact (brandNorm, caliberNorm), scored with the fixed
// weights, and either matched, sent to review, or rejected for lack of
// data.
func (r *Resolver) matchFuzzy(ctx context.Context, res *Result, sp *model.SourceProduct,
	fp normalize.Fingerprint) error {

	var doc = &res.Evidence
	doc.Fire(evidence.RuleFuzzyAttempted)

	var pool, err = r.Lookups.CandidatesByBrandCaliber(ctx, fp.BrandNorm, fp.CaliberNorm, maxCandidates+1)
	if err != nil {
		return err
	}
	if len(pool) > maxCandidates {
		doc.Fire(evidence.RuleCandidateOverflow)
		res.MatchType = model.MatchNone
		res.Status = model.LinkNeedsReview
		res.ReasonCode = model.ReasonAmbiguousFingerprint
		return nil
	}
	if len(pool) == 0 {
		// An identity key could not be formed, so there is nothing to
		// create either; an operator has to fill the gap.
		doc.Fire(evidence.RuleInsufficientData)
		res.MatchType = model.MatchNone
		res.Status = model.LinkNeedsReview
		res.ReasonCode = model.ReasonInsufficientData
		return nil
	}

	var scored = make([]evidence.Candidate, 0, len(pool))
	for _, p := range pool {
		scored = append(scored, r.score(fp, sp.Title, p))
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	doc.Candidates = scored

	var best = scored[0].Score
	var second float64
	if len(scored) > 1 {
		second = scored[1].Score
	}
	if (best >= ambiguityLow && best < ambiguityHigh) || best-second < ambiguityGap {
		doc.Fire(evidence.RuleFuzzyAmbiguous)
		res.MatchType = model.MatchNone
		res.Status = model.LinkNeedsReview
		res.ReasonCode = model.ReasonAmbiguousFingerprint
		return nil
	}

	var id = scored[0].ProductID
	res.ProductID = &id
	res.MatchType = model.MatchFingerprint
	res.Status = model.LinkMatched
	res.Confidence = best
	return nil
}

// score computes one candidate's weighted score. Brand and caliber are
// earned by pool membership; pack and grain require the input facet to be
// present and equal; title is continuous token-set similarity.
func (r *Resolver) score(fp normalize.Fingerprint, title string, p *model.Product) evidence.Candidate {
	var c = evidence.ScoreComponents{
		Brand:   r.Weights.Brand,
		Caliber: r.Weights.Caliber,
	}
	if fp.PackCount > 0 && p.RoundCount == fp.PackCount {
		c.Pack = r.Weights.Pack
	}
	if fp.GrainWeight > 0 && p.GrainWeight == fp.GrainWeight {
		c.Grain = r.Weights.Grain
	}
	c.Title = r.Weights.Title * tokenJaccard(title, p.Name)

	return evidence.Candidate{
		ProductID:  p.ID,
		Name:       p.Name,
		Score:      c.Brand + c.Caliber + c.Pack + c.Grain + c.Title,
		Components: c,
	}
}

// tokenJaccard is the similarity of two titles' normalized token sets.
func tokenJaccard(a, b string) float64 {
	var setA = tokenSet(a)
	var setB = tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	var both int
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			both++
		}
	}
	return float64(both) / float64(len(setA)+len(setB)-both)
}

func tokenSet(s string) map[string]struct{} {
	var out = make(map[string]struct{})
	for _, tok := range strings.Fields(normalize.Title(s)) {
		out[tok] = struct{}{}
	}
	return out
}
