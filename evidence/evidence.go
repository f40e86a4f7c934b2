package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// Rule names recorded in Document.RulesFired, in the order the resolver
// fired them. The set is closed: dashboards and replay tooling key on it.
const (
	RuleManualPreserved    = "MANUAL_LINK_PRESERVED"
	RuleInputHashUnchanged = "INPUT_HASH_UNCHANGED"
	RuleBrandAliasApplied  = "BRAND_ALIAS_APPLIED"
	RuleUPCMatchAttempted  = "UPC_MATCH_ATTEMPTED"
	RuleUPCNotTrusted      = "UPC_NOT_TRUSTED"
	RuleProductRaceRetry   = "PRODUCT_RACE_RETRY"
	RuleProductCreated     = "PRODUCT_CREATED"
	RuleIdentityKeyMatched = "IDENTITY_KEY_MATCHED"
	RuleIdentityKeyCreated = "IDENTITY_KEY_CREATED"
	RuleFuzzyAttempted     = "FUZZY_MATCH_ATTEMPTED"
	RuleFuzzyAmbiguous     = "FUZZY_AMBIGUOUS"
	RuleCandidateOverflow  = "CANDIDATE_OVERFLOW"
	RuleInsufficientData   = "INSUFFICIENT_DATA"
	RuleAliasChainFollowed = "ALIAS_CHAIN_FOLLOWED"
	RuleRelinkBlocked      = "RELINK_BLOCKED_HYSTERESIS"
)

// NormalizedInput is the resolver's view of a source row after
// normalization. Its JSON form feeds InputHash, so field order is part of
// the hash contract: append new fields, never reorder.
type NormalizedInput struct {
	Title       string `json:"title"`
	BrandNorm   string `json:"brandNorm"`
	CaliberNorm string `json:"caliberNorm"`
	GrainWeight int    `json:"grainWeight"`
	PackCount   int    `json:"packCount"`
	TitleSig    string `json:"titleSig"`
	UPCNorm     string `json:"upcNorm,omitempty"`
	LoadType    string `json:"loadType,omitempty"`
	ShellLength string `json:"shellLength,omitempty"`
	IdentityKey string `json:"identityKey,omitempty"`
}

// ScoreComponents breaks a candidate score into its weighted parts.
type ScoreComponents struct {
	Brand   float64 `json:"brand"`
	Caliber float64 `json:"caliber"`
	Pack    float64 `json:"pack"`
	Grain   float64 `json:"grain"`
	Title   float64 `json:"title"`
}

// Candidate is one scored fuzzy-match candidate, retained top-K.
type Candidate struct {
	ProductID  int64           `json:"productId"`
	Name       string          `json:"name,omitempty"`
	Score      float64         `json:"score"`
	Components ScoreComponents `json:"components"`
}

// AliasHop is one edge followed during product alias resolution.
type AliasHop struct {
	FromProductID int64 `json:"fromProductId"`
	ToProductID   int64 `json:"toProductId"`
}

// PreviousDecision snapshots the link that existed before this run.
type PreviousDecision struct {
	ProductID  int64     `json:"productId,omitempty"`
	MatchType  string    `json:"matchType"`
	Status     string    `json:"status"`
	ReasonCode string    `json:"reasonCode,omitempty"`
	Confidence float64   `json:"confidence"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Manual carries provenance for operator-made links and is present only
// when the preserved matchType is MANUAL.
type Manual struct {
	Actor    string    `json:"actor"`
	Note     string    `json:"note,omitempty"`
	LinkedAt time.Time `json:"linkedAt"`
}

// SystemError records a resolver-internal failure.
type SystemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NormalizationError records a non-fatal extraction problem, such as a
// rejected identifier.
type NormalizationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Document is the replayable audit payload persisted on every
// ProductLink.
type Document struct {
	DictionaryVersion   string               `json:"dictionaryVersion"`
	TrustConfigVersion  int                  `json:"trustConfigVersion"`
	WeightsVersion      string               `json:"weightsVersion"`
	InputNormalized     NormalizedInput      `json:"inputNormalized"`
	InputHash           string               `json:"inputHash"`
	RulesFired          []string             `json:"rulesFired"`
	Candidates          []Candidate          `json:"candidates,omitempty"`
	AliasHops           []AliasHop           `json:"aliasHops,omitempty"`
	PreviousDecision    *PreviousDecision    `json:"previousDecision,omitempty"`
	Manual              *Manual              `json:"manual,omitempty"`
	SystemError         *SystemError         `json:"systemError,omitempty"`
	NormalizationErrors []NormalizationError `json:"normalizationErrors,omitempty"`
	Truncated           bool                 `json:"truncated"`
	TruncationSteps     []string             `json:"truncationSteps,omitempty"`
}

// Fire appends a rule to the ordered log.
func (d *Document) Fire(rule string) {
	d.RulesFired = append(d.RulesFired, rule)
}

// Fired reports whether a rule is in the log.
func (d Document) Fired(rule string) bool {
	for _, r := range d.RulesFired {
		if r == rule {
			return true
		}
	}
	return false
}

// AddNormalizationError appends a non-fatal extraction problem.
func (d *Document) AddNormalizationError(field, message string) {
	d.NormalizationErrors = append(d.NormalizationErrors,
		NormalizationError{Field: field, Message: message})
}

// Marshal renders the document for persistence.
func (d Document) Marshal() []byte {
	var b, err = json.Marshal(d)
	if err != nil {
		// Document contains only marshalable kinds.
		panic(err)
	}
	return b
}

// InputHash binds the normalized input to the dictionary and trust-config
// versions under which it was produced. Two resolve calls agree on it iff
// nothing the resolver can observe has changed.
func InputHash(in NormalizedInput, dictionaryVersion string, trustConfigVersion int) string {
	var h = sha256.New()
	h.Write(mustJSON(in))
	h.Write([]byte{0})
	h.Write([]byte(dictionaryVersion))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(trustConfigVersion)))
	return hex.EncodeToString(h.Sum(nil))
}

func mustJSON(v interface{}) []byte {
	var b, err = json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
