package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	// KeyPrefixUPC prefixes identity keys built from a trusted UPC.
	KeyPrefixUPC = "UPC:"
	// KeyPrefixFingerprint prefixes rifle/pistol fingerprint keys.
	KeyPrefixFingerprint = "FP:v1:"
	// KeyPrefixShotgun prefixes shotgun fingerprint keys, which swap the
	// grain component for load type and shell length.
	KeyPrefixShotgun = "FP_SG:v1:"
)

// Fingerprint is the set of normalized fields that feed identity keys and
// candidate scoring. Zero values mean the field could not be extracted.
type Fingerprint struct {
	BrandNorm   string
	CaliberNorm string
	GrainWeight int
	PackCount   int
	TitleSig    string

	// Shotgun-only facets.
	LoadType    string
	ShellLength string
}

// ExtractFingerprint runs every extractor against the raw title plus the
// attribute and URL fallbacks and assembles the fingerprint. brand has
// already been normalized by the caller (alias application happens there
// too, so this stays a pure function of its inputs).
func ExtractFingerprint(brandNorm, rawTitle, rawAttributes, rawURL string) Fingerprint {
	var fp = Fingerprint{
		BrandNorm: brandNorm,
		TitleSig:  TitleSignature(rawTitle),
	}
	for _, src := range []string{rawTitle, rawAttributes, rawURL} {
		if src == "" {
			continue
		}
		if fp.CaliberNorm == "" {
			fp.CaliberNorm, _ = Caliber(src)
		}
		if fp.GrainWeight == 0 {
			fp.GrainWeight = GrainWeight(src)
		}
		if fp.PackCount == 0 {
			fp.PackCount = RoundCount(src)
		}
	}
	if IsGauge(fp.CaliberNorm) {
		var shotSize, slugWeight string
		for _, src := range []string{rawTitle, rawAttributes} {
			if src == "" {
				continue
			}
			if shotSize == "" {
				shotSize, _ = ShotSize(src)
			}
			if slugWeight == "" {
				slugWeight, _ = SlugWeight(src)
			}
			if fp.ShellLength == "" {
				fp.ShellLength, _ = ShellLength(src)
			}
		}
		fp.LoadType = ShotgunLoadType(rawTitle, shotSize, slugWeight)
	}
	return fp
}

// Complete reports whether every identity field is present: brand,
// caliber, pack count, and then grain plus title signature for rifle and
// pistol loads, or load type plus shell length (title signature standing
// in) for shotgun loads. Anything less falls back to fuzzy matching.
func (fp Fingerprint) Complete() bool {
	if fp.BrandNorm == "" || fp.CaliberNorm == "" || fp.PackCount == 0 {
		return false
	}
	if IsGauge(fp.CaliberNorm) {
		return fp.LoadType != "" && (fp.ShellLength != "" || fp.TitleSig != "")
	}
	return fp.GrainWeight > 0 && fp.TitleSig != ""
}

// IdentityKey derives the deterministic fingerprint key. Shotgun calibers
// use the FP_SG form so that shot loads with no grain weight still key
// distinctly. Returns "" when the fingerprint is not Complete.
func (fp Fingerprint) IdentityKey() string {
	if !fp.Complete() {
		return ""
	}
	if IsGauge(fp.CaliberNorm) {
		var shellOrSig = fp.ShellLength
		if shellOrSig == "" {
			shellOrSig = fp.TitleSig
		}
		return KeyPrefixShotgun + digest(
			fp.BrandNorm,
			fp.CaliberNorm,
			strconv.Itoa(fp.PackCount),
			fp.LoadType,
			shellOrSig,
		)
	}
	return KeyPrefixFingerprint + digest(
		fp.BrandNorm,
		fp.CaliberNorm,
		strconv.Itoa(fp.GrainWeight),
		strconv.Itoa(fp.PackCount),
		fp.TitleSig,
	)
}

// UPCKey derives the identity key for a trusted, normalized UPC.
func UPCKey(upc string) string {
	return KeyPrefixUPC + upc
}

// IsShotgunKey reports whether key was produced by the shotgun form.
func IsShotgunKey(key string) bool {
	return strings.HasPrefix(key, KeyPrefixShotgun)
}

func digest(parts ...string) string {
	var sum = sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// String renders the fingerprint for evidence documents and log lines.
func (fp Fingerprint) String() string {
	if IsGauge(fp.CaliberNorm) {
		return fmt.Sprintf("brand=%s caliber=%s pack=%d load=%s shell=%s",
			fp.BrandNorm, fp.CaliberNorm, fp.PackCount, fp.LoadType, fp.ShellLength)
	}
	return fmt.Sprintf("brand=%s caliber=%s grain=%d pack=%d",
		fp.BrandNorm, fp.CaliberNorm, fp.GrainWeight, fp.PackCount)
}
