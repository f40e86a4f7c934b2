package evidence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"
)

// Snapshots the full document shape for an ambiguous fuzzy decision, the
// richest evidence the resolver emits. Regenerate with
// UPDATE_SNAPSHOTS=true after any deliberate schema change.
func TestEvidenceDocumentSnapshot(t *testing.T) {
	var in = NormalizedInput{
		Title:       "federal premium 9mm luger fmj brass",
		BrandNorm:   "federal",
		CaliberNorm: "9mm Luger",
		TitleSig:    "aabbccdd00112233",
		UPCNorm:     "029465064389",
	}
	var doc = Document{
		DictionaryVersion:  "2025.07.1",
		TrustConfigVersion: 3,
		WeightsVersion:     "fixed-2025.07",
		InputNormalized:    in,
		InputHash:          InputHash(in, "2025.07.1", 3),
		RulesFired: []string{
			RuleBrandAliasApplied,
			RuleUPCNotTrusted,
			RuleFuzzyAttempted,
			RuleFuzzyAmbiguous,
		},
		Candidates: []Candidate{
			{
				ProductID:  101,
				Name:       "federal premium 9mm luger 115gr fmj",
				Score:      0.63,
				Components: ScoreComponents{Brand: 0.25, Caliber: 0.3, Title: 0.08},
			},
			{
				ProductID:  102,
				Name:       "federal premium 9mm luger 124gr fmj",
				Score:      0.62,
				Components: ScoreComponents{Brand: 0.25, Caliber: 0.3, Title: 0.07},
			},
		},
		PreviousDecision: &PreviousDecision{
			MatchType:  "NONE",
			Status:     "NEEDS_REVIEW",
			ReasonCode: "AMBIGUOUS_FINGERPRINT",
			ResolvedAt: time.Date(2025, 7, 14, 9, 30, 0, 0, time.UTC),
		},
		NormalizationErrors: []NormalizationError{
			{Field: "identifiers", Message: "identifier 12345 rejected: length 5 out of range"},
		},
	}

	// Canonicalize through a generic map so the snapshot is insensitive
	// to struct field order.
	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(doc.Marshal(), &generic))
	pretty, err := json.MarshalIndent(generic, "", "  ")
	require.NoError(t, err)

	cupaloy.SnapshotT(t, string(pretty))
}
