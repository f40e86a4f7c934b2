package ingest

import (
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ammoindex/datafeed/model"
)

func collectRows(t *testing.T, csv string, comp model.Compression, maxRows int) (ParseResult, []Row) {
	t.Helper()
	var rows []Row
	res, err := Parse(strings.NewReader(csv), comp, maxRows, func(r Row) error {
		rows = append(rows, r)
		return nil
	})
	require.NoError(t, err)
	return res, rows
}

func TestParseHeaderMapping(t *testing.T) {
	// Mixed header conventions from two real networks.
	var csv = "Product Name,Buy URL,Manufacturer,SKU,UPC,Sale Price\n" +
		"Federal AE 9mm 115gr FMJ 50rd,https://x.example/p/1,Federal,AE9DP,029465085904,$14.99\n"

	res, rows := collectRows(t, csv, model.CompressionNone, 0)
	require.Equal(t, 1, res.RowsRead)
	require.Equal(t, 1, res.RowsParsed)
	require.Empty(t, res.Errors)

	require.Equal(t, "Federal AE 9mm 115gr FMJ 50rd", rows[0].Title)
	require.Equal(t, "Federal", rows[0].Brand)
	require.Equal(t, "AE9DP", rows[0].SKU)
	require.Equal(t, "029465085904", rows[0].UPC)
	require.Equal(t, int64(1499), rows[0].PriceCents)
	require.Equal(t, "USD", rows[0].Currency)
	require.Equal(t, 2, rows[0].Number)
}

func TestParseGzip(t *testing.T) {
	var raw bytes.Buffer
	var gz = gzip.NewWriter(&raw)
	_, err := gz.Write([]byte("Name,Link\nSome Product,https://x.example/p/2\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	var rows []Row
	res, err := Parse(&raw, model.CompressionGzip, 0, func(r Row) error {
		rows = append(rows, r)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.RowsParsed)
	require.Equal(t, "Some Product", rows[0].Title)
}

func TestParseRowErrorsContinue(t *testing.T) {
	var csv = "Name,Url,Price\n" +
		"Missing URL row,,\n" +
		"Good row,https://x.example/p/3,12.00\n" +
		"Bad price,https://x.example/p/4,twelve\n"

	res, rows := collectRows(t, csv, model.CompressionNone, 0)
	require.Equal(t, 3, res.RowsRead)
	require.Equal(t, 1, res.RowsParsed)
	require.Len(t, res.Errors, 2)
	require.Equal(t, "MISSING_FIELD", res.Errors[0].Code)
	require.Equal(t, model.FailParseError, res.Errors[1].Code)
	require.Equal(t, int64(1200), rows[0].PriceCents)
}

func TestParseRowLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString("Name,Url\n")
	for i := 0; i < 5; i++ {
		b.WriteString("p,https://x.example/p\n")
	}
	_, err := Parse(strings.NewReader(b.String()), model.CompressionNone, 3,
		func(Row) error { return nil })
	require.ErrorIs(t, err, ErrTooManyRows)
}

func TestParseUnrecognizedHeader(t *testing.T) {
	_, err := Parse(strings.NewReader("foo,bar\n1,2\n"), model.CompressionNone, 0,
		func(Row) error { return nil })
	require.Error(t, err)
}

func TestParseEmptyFile(t *testing.T) {
	res, rows := collectRows(t, "", model.CompressionNone, 0)
	require.Zero(t, res.RowsRead)
	require.Empty(t, rows)
}

func TestParseMoney(t *testing.T) {
	for raw, want := range map[string]int64{
		"$1,299.99": 129999,
		"14.99":     1499,
		"0.50":      50,
		"20":        2000,
	} {
		got, err := parseMoney(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := parseMoney("-5")
	require.Error(t, err)
}

func TestSourceProductStableKey(t *testing.T) {
	var withSKU = Row{Title: "t", URL: "https://x.example/p?utm_source=a", SKU: "SKU-1", UPC: "029465085904"}
	sp, fallback := withSKU.SourceProduct("avantlink:x")
	require.False(t, fallback)
	require.Equal(t, "SKU-1", sp.StableKey)
	require.Equal(t, "029465085904", sp.UPC())

	var noSKU = Row{Title: "t", URL: "https://x.example/p?utm_source=a"}
	sp1, fallback := noSKU.SourceProduct("avantlink:x")
	require.True(t, fallback)
	require.True(t, strings.HasPrefix(sp1.StableKey, "url_"))

	// Tracking params do not change the fallback key.
	sp2, _ := Row{Title: "t", URL: "https://x.example/p"}.SourceProduct("avantlink:x")
	require.Equal(t, sp1.StableKey, sp2.StableKey)
}

func TestSourceProductStructuredFields(t *testing.T) {
	var row = Row{
		Title: "Federal American Eagle 9mm Luger 115 Grain FMJ 50 Rounds",
		URL:   "https://x.example/p/5",
	}
	sp, _ := row.SourceProduct("s1")
	require.Equal(t, "9mm Luger", sp.Caliber)
	require.Equal(t, 115, sp.GrainWeight)
	require.Equal(t, 50, sp.RoundCount)
}
