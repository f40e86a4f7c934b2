package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTitleNormalization(t *testing.T) {
	var cases = []struct {
		raw, expect string
	}{
		// Case: punctuation runs collapse to a single space.
		{"Federal® American Eagle, 9mm!!", "federal american eagle 9mm"},
		// Case: leading and trailing junk is trimmed.
		{"  ***CCI Blazer***  ", "cci blazer"},
		// Case: underscores survive, everything else non-alnum does not.
		{"load_type: #8 shot (25/box)", "load_type 8 shot 25 box"},
		{"", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expect, Title(tc.raw), "raw: %q", tc.raw)
		// Title is idempotent.
		require.Equal(t, tc.expect, Title(Title(tc.raw)), "raw: %q", tc.raw)
	}
}

func TestTitleSignature(t *testing.T) {
	// Case: token order and repetition do not change the signature.
	var a = TitleSignature("Winchester White Box 9mm Luger")
	var b = TitleSignature("9mm LUGER winchester white box WINCHESTER")
	require.Equal(t, a, b)
	require.Len(t, a, 16)

	// Case: a different token set yields a different signature.
	require.NotEqual(t, a, TitleSignature("Winchester White Box 45 ACP"))

	// Case: tokens of length <= 2 never contribute.
	require.Equal(t,
		TitleSignature("CCI Standard"),
		TitleSignature("CCI Standard 22 lr"))

	// Case: nothing qualifying yields the empty signature.
	require.Equal(t, "", TitleSignature("a b c 22"))
}

func TestUPCNormalization(t *testing.T) {
	var cases = []struct {
		raw, expect string
		ok          bool
	}{
		// Case: separators are stripped and 12 digits pass through.
		{"0-12345-67890-1", "012345678901", true},
		{"012345678901", "012345678901", true},
		// Case: 10 and 11 digit codes left-pad to UPC-A.
		{"1234567890", "001234567890", true},
		{"12345678901", "012345678901", true},
		// Case: EAN-13 with a zero prefix folds to UPC-A.
		{"0123456789012", "123456789012", true},
		{"00123456789012", "123456789012", true},
		// Case: a nonzero EAN-13 prefix is not a UPC-A.
		{"7123456789012", "", false},
		// Case: out-of-range lengths are rejected.
		{"123456789", "", false},
		{"123456789012345", "", false},
		{"", "", false},
		{"no digits here", "", false},
	}
	for _, tc := range cases {
		got, ok := UPC(tc.raw)
		require.Equal(t, tc.ok, ok, "raw: %q", tc.raw)
		require.Equal(t, tc.expect, got, "raw: %q", tc.raw)
	}
}

func TestURLCanonicalization(t *testing.T) {
	var cases = []struct {
		raw, expect string
	}{
		// Case: query and fragment are dropped, host lower-cased.
		{
			"HTTPS://Shop.Example.COM/Ammo/9mm?utm_source=feed#top",
			"https://shop.example.com/Ammo/9mm",
		},
		// Case: path case is preserved, trailing slash is not.
		{"https://example.com/A/B/", "https://example.com/A/B"},
		{"https://example.com/", "https://example.com"},
		// Case: schemeless input still gets query stripping.
		{"example.com/p?x=1", "example.com/p"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expect, URL(tc.raw), "raw: %q", tc.raw)
	}
}

func TestURLHashStability(t *testing.T) {
	// Case: tracking parameters do not change the stable key.
	var a = URLHash("https://shop.example.com/p/123?utm_source=feed")
	var b = URLHash("https://shop.example.com/p/123")
	require.Equal(t, a, b)
	require.Regexp(t, `^url_[0-9a-f]{16}$`, a)

	// Case: distinct paths produce distinct keys.
	require.NotEqual(t, a, URLHash("https://shop.example.com/p/124"))
}

func TestDictionaryVersion(t *testing.T) {
	require.Equal(t, "2025.07.1", DictionaryVersion())
}
