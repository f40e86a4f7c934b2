package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCaliberExtraction(t *testing.T) {
	var cases = []struct {
		raw, expect string
	}{
		{"Federal American Eagle 9mm Luger 115gr", "9mm Luger"},
		{"Blazer Brass 9 mm FMJ", "9mm Luger"},
		{"Speer Gold Dot 9x19 124gr JHP", "9mm Luger"},
		{"Hornady Critical Defense .45ACP", ".45 ACP"},
		{"Winchester 45 Auto 230 grain", ".45 ACP"},
		{"Sig Sauer .357SIG V-Crown", ".357 SIG"},
		{"Remington UMC .40 S&W", ".40 S&W"},
		{"PMC Bronze .223 Remington 55gr", ".223 Remington"},
		{"Wolf 7.62x39 123gr steel case", "7.62x39mm"},
		{"Hornady 6.5 Creedmoor 140gr ELD", "6.5 Creedmoor"},
		{"Winchester .30-06 Sprg 150gr", ".30-06 Springfield"},
		{"Federal 5.56 NATO XM193", "5.56 NATO"},
		{"CCI .22LR Mini-Mag", ".22 LR"},
		// Case: gauges win over any caliber pattern.
		{"Federal Top Gun 12ga #8 Shot", "12 Gauge"},
		{"Winchester AA 20 Gauge Target", "20 Gauge"},
		{"Remington .410 Bore 000 Buck", ".410 Bore"},
		{"Winchester 410 gauge slugs", ".410 Bore"},
	}
	for _, tc := range cases {
		got, ok := Caliber(tc.raw)
		require.True(t, ok, "raw: %q", tc.raw)
		require.Equal(t, tc.expect, got, "raw: %q", tc.raw)
	}

	// Case: a bare number that is not a caliber token does not match.
	_, ok := Caliber("Plano ammo can holds 410 loose")
	require.False(t, ok)

	_, ok = Caliber("Gun cleaning kit universal")
	require.False(t, ok)
}

func TestGrainAndRoundCount(t *testing.T) {
	require.Equal(t, 115, GrainWeight("9mm Luger 115gr FMJ"))
	require.Equal(t, 230, GrainWeight("45 ACP 230 grain JHP"))
	require.Equal(t, 62, GrainWeight("5.56 62 grs. green tip"))
	// Case: grain needs its unit suffix; bare numbers never match.
	require.Equal(t, 0, GrainWeight("9mm 115 FMJ"))

	require.Equal(t, 50, RoundCount("9mm 115gr FMJ 50rds"))
	require.Equal(t, 1000, RoundCount("bulk case 1000 rounds"))
	require.Equal(t, 500, RoundCount("22lr 500ct brick"))
	require.Equal(t, 20, RoundCount("Box of 20"))
	require.Equal(t, 25, RoundCount("25/box target load"))
	require.Equal(t, 0, RoundCount("9mm 115gr FMJ"))
}

func TestShotgunFacets(t *testing.T) {
	shot, ok := ShotSize("12ga 2-3/4in #8 Shot")
	require.True(t, ok)
	require.Equal(t, "8 Shot", shot)

	shot, ok = ShotSize("20 gauge No. 6 shot field load")
	require.True(t, ok)
	require.Equal(t, "6 Shot", shot)

	shot, ok = ShotSize("12ga BB shot")
	require.True(t, ok)
	require.Equal(t, "BB Shot", shot)

	_, ok = ShotSize("12ga rifled slug")
	require.False(t, ok)

	buck, ok := BuckSize("12ga 00 Buck 9 pellet")
	require.True(t, ok)
	require.Equal(t, "00 Buck", buck)

	buck, ok = BuckSize(".410 000 buckshot")
	require.True(t, ok)
	require.Equal(t, "000 Buck", buck)

	slug, ok := SlugWeight("12ga 1oz rifled slug")
	require.True(t, ok)
	require.Equal(t, "1oz", slug)

	// Case: fractional weights condense to a canonical token.
	slug, ok = SlugWeight("12ga 1-1/8 oz slug")
	require.True(t, ok)
	require.Equal(t, "1-1/8oz", slug)

	// Case: "1 1/8" and "1-1/8" canonicalize identically.
	slug, ok = SlugWeight("12ga 1 1/8oz. target")
	require.True(t, ok)
	require.Equal(t, "1-1/8oz", slug)

	length, ok := ShellLength(`12ga 2-3/4" target load`)
	require.True(t, ok)
	require.Equal(t, "2.75in", length)

	length, ok = ShellLength("12ga 3.5in turkey")
	require.True(t, ok)
	require.Equal(t, "3.5in", length)

	// Case: 3-1/2 must not resolve as a 3 inch shell.
	length, ok = ShellLength("12ga 3-1/2 inch magnum")
	require.True(t, ok)
	require.Equal(t, "3.5in", length)

	length, ok = ShellLength("12ga 3in buckshot")
	require.True(t, ok)
	require.Equal(t, "3in", length)
}

func TestShotgunLoadTypeLadder(t *testing.T) {
	// Case: an explicit shot size always wins.
	require.Equal(t, "8 Shot", ShotgunLoadType("12ga slug and shot combo", "8 Shot", "1oz"))
	// Case: slug weight applies only when the title says slug.
	require.Equal(t, "1oz Slug", ShotgunLoadType("12ga 1oz rifled slug", "", "1oz"))
	require.Equal(t, "", ShotgunLoadType("12ga 1oz field load", "", "1oz"))
	// Case: a bare slug mention still classifies.
	require.Equal(t, "Slug", ShotgunLoadType("12ga rifled slugs 5rd", "", ""))
	// Case: buck size, then bare buck.
	require.Equal(t, "00 Buck", ShotgunLoadType("12ga 00 buck 9 pellet", "", ""))
	require.Equal(t, "Buck", ShotgunLoadType("12ga buckshot magnum", "", ""))
	require.Equal(t, "", ShotgunLoadType("12ga target load", "", ""))
}

func TestExtractFingerprintRifle(t *testing.T) {
	var fp = ExtractFingerprint(
		"federal american eagle",
		"Federal American Eagle 9mm Luger 115gr FMJ 50rds",
		"", "")

	require.Equal(t, "9mm Luger", fp.CaliberNorm)
	require.Equal(t, 115, fp.GrainWeight)
	require.Equal(t, 50, fp.PackCount)
	require.NotEmpty(t, fp.TitleSig)
	require.Empty(t, fp.LoadType)
	require.True(t, fp.Complete())
	require.Contains(t, fp.IdentityKey(), KeyPrefixFingerprint)
}

func TestExtractFingerprintShotgun(t *testing.T) {
	var fp = ExtractFingerprint(
		"federal",
		"Federal Top Gun 12ga 2-3/4in #8 Shot 25 Rounds",
		"", "")

	require.Equal(t, "12 Gauge", fp.CaliberNorm)
	require.Equal(t, 25, fp.PackCount)
	require.Equal(t, "8 Shot", fp.LoadType)
	require.Equal(t, "2.75in", fp.ShellLength)
	require.Equal(t, 0, fp.GrainWeight)
	require.True(t, fp.Complete())

	var key = fp.IdentityKey()
	require.Contains(t, key, KeyPrefixShotgun)
	require.True(t, IsShotgunKey(key))
}

func TestExtractFingerprintFallbacks(t *testing.T) {
	// Case: attributes fill facets missing from the title.
	var fp = ExtractFingerprint(
		"winchester",
		"Winchester White Box Value Pack",
		"caliber: 9mm Luger; grain: 115; rounds: 100 rounds",
		"")
	require.Equal(t, "9mm Luger", fp.CaliberNorm)
	require.Equal(t, 100, fp.PackCount)

	// Case: URL is the last fallback.
	fp = ExtractFingerprint(
		"winchester",
		"White Box Value Pack",
		"",
		"https://shop.example.com/winchester-9mm-luger-100-rounds")
	require.Equal(t, "9mm Luger", fp.CaliberNorm)
	require.Equal(t, 100, fp.PackCount)
}

func TestIdentityKeyDeterminism(t *testing.T) {
	var fp = Fingerprint{
		BrandNorm:   "federal",
		CaliberNorm: "9mm Luger",
		GrainWeight: 115,
		PackCount:   50,
		TitleSig:    "aabbccdd00112233",
	}
	require.Equal(t, fp.IdentityKey(), fp.IdentityKey())

	// Case: every scoring facet participates in the key.
	var grain = fp
	grain.GrainWeight = 124
	require.NotEqual(t, fp.IdentityKey(), grain.IdentityKey())

	var pack = fp
	pack.PackCount = 100
	require.NotEqual(t, fp.IdentityKey(), pack.IdentityKey())

	// Case: incomplete fingerprints never key.
	var noBrand = fp
	noBrand.BrandNorm = ""
	require.False(t, noBrand.Complete())
	require.Equal(t, "", noBrand.IdentityKey())

	var noCaliber = fp
	noCaliber.CaliberNorm = ""
	require.Equal(t, "", noCaliber.IdentityKey())
}

func TestIdentityKeyShotgunShellFallback(t *testing.T) {
	var fp = Fingerprint{
		BrandNorm:   "federal",
		CaliberNorm: "12 Gauge",
		PackCount:   25,
		LoadType:    "8 Shot",
		ShellLength: "2.75in",
		TitleSig:    "aabbccdd00112233",
	}
	var withShell = fp.IdentityKey()

	// Case: when shell length is unknown the title signature stands in,
	// so two lengths of the same load do not collide.
	fp.ShellLength = ""
	require.NotEqual(t, withShell, fp.IdentityKey())
}

func TestUPCKey(t *testing.T) {
	require.Equal(t, "UPC:012345678901", UPCKey("012345678901"))
	require.False(t, IsShotgunKey(UPCKey("012345678901")))
}
