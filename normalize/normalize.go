package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// All functions in this package are pure, deterministic, and non-throwing:
// malformed input yields zero values, never errors.

var nonWordRe = regexp.MustCompile(`[^a-z0-9_]+`)
var spaceRe = regexp.MustCompile(`\s+`)

// Title lower-cases, replaces every run of characters outside
// [a-z0-9_] with a single space, collapses whitespace, and trims.
// Title is idempotent: Title(Title(s)) == Title(s).
func Title(s string) string {
	s = strings.ToLower(s)
	s = nonWordRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Brand applies the same character rules as Title. Brand-alias lookup is
// deliberately not here: the resolver applies aliases through its cache so
// the application can be flagged in evidence.
func Brand(s string) string {
	return Title(s)
}

// TitleSignature is the first 16 hex characters of the sha256 over the
// sorted distinct lowercased tokens of length > 2. Returns "" when no
// token qualifies.
func TitleSignature(title string) string {
	var seen = make(map[string]struct{})
	for _, tok := range strings.Fields(Title(title)) {
		if len(tok) > 2 {
			seen[tok] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return ""
	}
	var tokens = make([]string, 0, len(seen))
	for tok := range seen {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)

	var sum = sha256.Sum256([]byte(strings.Join(tokens, " ")))
	return hex.EncodeToString(sum[:])[:16]
}

var digitsRe = regexp.MustCompile(`[^0-9]`)

// UPC keeps digits only, rejects lengths outside [10,14], and left-pads to
// the 12-digit UPC-A form. The second return is false when no usable UPC
// was found.
func UPC(s string) (string, bool) {
	var digits = digitsRe.ReplaceAllString(s, "")
	if len(digits) < 10 || len(digits) > 14 {
		return "", false
	}
	if len(digits) > 12 {
		// EAN-13/GTIN-14 carry leading packaging/zero digits; strip them
		// only when they are zeros, otherwise the code is not a UPC-A.
		var lead = digits[:len(digits)-12]
		if strings.Trim(lead, "0") != "" {
			return "", false
		}
		digits = digits[len(digits)-12:]
	}
	for len(digits) < 12 {
		digits = "0" + digits
	}
	return digits, true
}

// URL canonicalizes a product URL for stable-key hashing: lower-cased
// scheme/host, query and fragment dropped, trailing slash trimmed.
func URL(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "://"); i >= 0 {
		var rest = s[i+3:]
		var scheme = strings.ToLower(s[:i])
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			rest = strings.ToLower(rest[:j]) + rest[j:]
		} else {
			rest = strings.ToLower(rest)
		}
		s = scheme + "://" + rest
	}
	return strings.TrimRight(s, "/")
}

// URLHash is the stable-key fallback for rows without a retailer SKU:
// sha256 of the canonicalized URL, truncated to 16 hex characters.
func URLHash(rawURL string) string {
	var sum = sha256.Sum256([]byte(URL(rawURL)))
	return "url_" + hex.EncodeToString(sum[:])[:16]
}
