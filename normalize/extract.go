package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

// Extractors run over raw (un-normalized) text so they can see punctuation
// like "#8", "2-3/4"" and ".45". Callers fall back from title to the
// Attributes blob to the URL, in that order.

// Caliber returns the normalized caliber or gauge, preferring gauges since
// their suffix makes them unambiguous. ok is false when nothing matched.
func Caliber(s string) (string, bool) {
	for _, e := range dict.gauges {
		if e.re.MatchString(s) {
			return e.norm, true
		}
	}
	for _, e := range dict.calibers {
		if e.re.MatchString(s) {
			return e.norm, true
		}
	}
	return "", false
}

// IsGauge reports whether a normalized caliber names a shotgun bore.
func IsGauge(caliberNorm string) bool {
	if caliberNorm == ".410 Bore" {
		return true
	}
	return strings.HasSuffix(caliberNorm, " Gauge")
}

// GrainWeight extracts the projectile weight in grains, or 0.
func GrainWeight(s string) int {
	return firstInt(dict.grain, s)
}

// RoundCount extracts the per-unit round count, or 0. Patterns are tried
// in dictionary order; the first hit wins.
func RoundCount(s string) int {
	for _, re := range dict.roundCount {
		if n := firstInt(re, s); n > 0 {
			return n
		}
	}
	return 0
}

// ShotSize extracts a normalized shot size such as "8 Shot" or "BB Shot".
func ShotSize(s string) (string, bool) {
	var m = dict.shotSize.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]) + " Shot", true
}

// BuckSize extracts a normalized buckshot size such as "00 Buck".
func BuckSize(s string) (string, bool) {
	var m = dict.buckSize.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1] + " Buck", true
}

// SlugWeight extracts a normalized slug weight such as "1oz" or "1-1/8oz".
func SlugWeight(s string) (string, bool) {
	var m = dict.slugWeight.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return condense(m[1]) + "oz", true
}

// ShellLength extracts a normalized shotshell length: "2.75in", "3in", or
// "3.5in". Entries are ordered most-specific-first in the dictionary so
// that 3" does not shadow 3-1/2".
func ShellLength(s string) (string, bool) {
	for _, e := range dict.shellLength {
		if e.re.MatchString(s) {
			return e.norm, true
		}
	}
	return "", false
}

var slugWordRe = regexp.MustCompile(`(?i)\bslugs?\b`)
var buckWordRe = regexp.MustCompile(`(?i)\bbuck(?:shot)?\b`)

// ShotgunLoadType derives the load descriptor from the first applicable of:
// an explicit shot size; a slug weight on a title mentioning "Slug"; a raw
// "Slug" mention; a weight-plus-Buck/Shot pattern. Returns "" when none
// apply.
func ShotgunLoadType(title, shotSize, slugWeight string) string {
	if shotSize != "" {
		return shotSize
	}
	if slugWeight != "" && slugWordRe.MatchString(title) {
		return slugWeight + " Slug"
	}
	if slugWordRe.MatchString(title) {
		return "Slug"
	}
	if buck, ok := BuckSize(title); ok {
		return buck
	}
	if buckWordRe.MatchString(title) {
		return "Buck"
	}
	return ""
}

func firstInt(re *regexp.Regexp, s string) int {
	var m = re.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

var fracPunctRe = regexp.MustCompile(`\s*([-/])\s*`)
var fracSpaceRe = regexp.MustCompile(`\s+`)

// condense canonicalizes a fraction capture: "1 - 1/8", "1 1/8" and
// "1-1/8" all become "1-1/8".
func condense(s string) string {
	s = fracPunctRe.ReplaceAllString(s, "$1")
	return fracSpaceRe.ReplaceAllString(s, "-")
}
