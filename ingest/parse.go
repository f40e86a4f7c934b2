package ingest

import (
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/normalize"
)

// ErrTooManyRows aborts a parse past the configured row budget.
var ErrTooManyRows = errors.New("feed exceeds row limit")

// Parse limits applied when the feed leaves them unset.
const (
	DefaultMaxFileSizeBytes = int64(500) << 20
	DefaultMaxRowCount      = 500_000
)

// Row is one parsed feed row, mapped from whatever header names the
// network uses onto our canonical fields.
type Row struct {
	Number int

	Title      string
	Brand      string
	URL        string
	Attributes string

	SKU  string
	UPC  string
	MPN  string
	ASIN string

	PriceCents int64
	Currency   string
}

// RowError is one recoverable per-row parse failure.
type RowError struct {
	RowNumber int
	Code      string
	Message   string
	Raw       string
}

// ParseResult carries the row counters of one parse pass.
type ParseResult struct {
	RowsRead   int
	RowsParsed int
	Errors     []RowError
}

// Column names are matched after lowercasing and stripping everything
// outside [a-z0-9], so "Product Name", "product_name" and "ProductName"
// all land on the same field.
var columnAliases = map[string]string{
	"name": "title", "productname": "title", "title": "title",
	"url": "url", "producturl": "url", "link": "url", "buyurl": "url",
	"manufacturer": "brand", "brand": "brand", "brandname": "brand",
	"attributes": "attributes",
	"sku":        "sku", "retailersku": "sku", "merchantsku": "sku", "productsku": "sku",
	"upc": "upc", "upccode": "upc", "gtin": "upc", "upcorean": "upc", "ean": "upc",
	"mpn": "mpn", "manufacturerpartnumber": "mpn",
	"asin":  "asin",
	"price": "price", "saleprice": "price", "retailprice": "price", "currentprice": "price",
	"currency": "currency", "currencycode": "currency",
}

func canonColumn(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return columnAliases[b.String()]
}

// Parse streams the CSV (optionally gzip-wrapped) through emit, one call
// per well-formed row. Malformed rows become RowErrors and parsing
// continues; exceeding maxRows aborts with ErrTooManyRows. An emit error
// aborts the parse and propagates.
func Parse(r io.Reader, compression model.Compression, maxRows int,
	emit func(Row) error) (ParseResult, error) {

	var res ParseResult
	if maxRows <= 0 {
		maxRows = DefaultMaxRowCount
	}

	if compression == model.CompressionGzip {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return res, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var cr = csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return res, nil
	} else if err != nil {
		return res, fmt.Errorf("reading header row: %w", err)
	}

	// fieldIndex maps canonical field name to column position.
	var fieldIndex = map[string]int{}
	for i, name := range header {
		if canon := canonColumn(name); canon != "" {
			if _, taken := fieldIndex[canon]; !taken {
				fieldIndex[canon] = i
			}
		}
	}
	if _, ok := fieldIndex["title"]; !ok {
		return res, fmt.Errorf("header has no recognized title column: %q", header)
	}

	var rowNumber = 1 // header was row 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			return res, nil
		}
		rowNumber++
		if err != nil {
			res.RowsRead++
			res.Errors = append(res.Errors, RowError{
				RowNumber: rowNumber, Code: model.FailParseError,
				Message: err.Error(),
			})
			continue
		}
		res.RowsRead++
		if res.RowsRead > maxRows {
			return res, ErrTooManyRows
		}

		var field = func(name string) string {
			if i, ok := fieldIndex[name]; ok && i < len(record) {
				return strings.TrimSpace(record[i])
			}
			return ""
		}
		var row = Row{
			Number:     rowNumber,
			Title:      field("title"),
			Brand:      field("brand"),
			URL:        field("url"),
			Attributes: field("attributes"),
			SKU:        field("sku"),
			UPC:        field("upc"),
			MPN:        field("mpn"),
			ASIN:       field("asin"),
			Currency:   field("currency"),
		}
		if row.Title == "" || row.URL == "" {
			res.Errors = append(res.Errors, RowError{
				RowNumber: rowNumber, Code: "MISSING_FIELD",
				Message: "row lacks a title or url",
				Raw:     strings.Join(record, ","),
			})
			continue
		}
		if raw := field("price"); raw != "" {
			cents, err := parseMoney(raw)
			if err != nil {
				res.Errors = append(res.Errors, RowError{
					RowNumber: rowNumber, Code: model.FailParseError,
					Message: fmt.Sprintf("bad price %q: %v", raw, err),
					Raw:     strings.Join(record, ","),
				})
				continue
			}
			row.PriceCents = cents
		}
		if row.Currency == "" {
			row.Currency = "USD"
		}

		res.RowsParsed++
		if err = emit(row); err != nil {
			return res, err
		}
	}
}

// parseMoney parses a decimal money string ("$1,299.99") into cents.
func parseMoney(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("negative amount")
	}
	return int64(f*100 + 0.5), nil
}

// SourceProduct maps a parsed row onto its upsert shape. urlFallback
// reports that the stable key fell back to the URL hash because the row
// carries no SKU.
func (r Row) SourceProduct(sourceID string) (sp *model.SourceProduct, urlFallback bool) {
	var normalizedURL = normalize.URL(r.URL)
	var stableKey = r.SKU
	if stableKey == "" {
		stableKey = normalize.URLHash(normalizedURL)
		urlFallback = true
	}

	sp = &model.SourceProduct{
		SourceID:      sourceID,
		StableKey:     stableKey,
		Title:         r.Title,
		Brand:         r.Brand,
		URL:           r.URL,
		NormalizedURL: normalizedURL,

		LastPriceCents:    r.PriceCents,
		LastPriceCurrency: r.Currency,
	}
	if caliber, ok := normalize.Caliber(r.Title + " " + r.Attributes); ok {
		sp.Caliber = caliber
	}
	sp.GrainWeight = normalize.GrainWeight(r.Title + " " + r.Attributes)
	sp.RoundCount = normalize.RoundCount(r.Title + " " + r.Attributes)

	for _, ident := range []struct {
		kind  model.IdentifierKind
		value string
	}{
		{model.IdentUPC, r.UPC},
		{model.IdentSKU, r.SKU},
		{model.IdentMPN, r.MPN},
		{model.IdentASIN, r.ASIN},
	} {
		if ident.value != "" {
			sp.Identifiers = append(sp.Identifiers, model.Identifier{
				Kind: ident.kind, Value: ident.value,
			})
		}
	}
	return sp, urlFallback
}
