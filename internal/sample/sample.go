// Package sample acquires the bounded record sample introspection works from.
//
// Responsibilities:
//   - Detecting payload format (CSV, JSON, HTML table)
//   - Parsing a byte-capped sample into records, best-effort
//   - Enforcing the configured row cap
//
// Detection is heuristic and intentionally conservative: anything that is not
// recognizably JSON or HTML parses as CSV.
package sample

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"

	"vaultgen/internal/config"
	"vaultgen/pkg/records"
)

// Format is a detected payload format.
type Format string

const (
	FormatUnknown Format = "unknown"
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatHTML    Format = "html"
)

// Table is one parsed sample: original column headers in source order plus
// the sampled records keyed by those headers.
type Table struct {
	Name    string
	Format  Format
	Columns []string
	Rows    []records.Record
}

// Sniff infers the payload format from a byte sample.
func Sniff(sample []byte) Format {
	trim := bytes.TrimSpace(sample)
	if len(trim) == 0 {
		return FormatUnknown
	}
	if trim[0] == '<' {
		return FormatHTML
	}
	if trim[0] == '{' || trim[0] == '[' {
		return FormatJSON
	}
	return FormatCSV
}

// Parser parses bounded samples under the configured caps.
type Parser struct {
	cfg config.SampleConfig
}

// New returns a Parser.
func New(cfg config.SampleConfig) *Parser {
	return &Parser{cfg: cfg}
}

// Parse detects the format and parses the sample into a Table. The input is
// truncated to the byte cap (cut back to a line boundary for CSV) and the row
// cap applies to every format.
//
// Errors:
//   - Returns an error for an empty sample or one no parser can read.
func (p *Parser) Parse(name string, raw []byte) (Table, error) {
	if p.cfg.MaxBytes > 0 && len(raw) > p.cfg.MaxBytes {
		raw = raw[:p.cfg.MaxBytes]
	}

	t := Table{Name: name, Format: Sniff(raw)}
	var err error
	switch t.Format {
	case FormatCSV:
		raw = cutAtNewline(raw)
		t.Columns, t.Rows, err = p.parseCSV(raw)
	case FormatJSON:
		t.Columns, t.Rows, err = p.parseJSON(raw)
	case FormatHTML:
		t.Columns, t.Rows, err = p.parseHTML(raw)
	default:
		err = errors.Newf("sample: unknown format for table %s", name)
	}
	if err != nil {
		return t, err
	}
	if len(t.Rows) == 0 {
		return t, errors.Newf("sample: table %s yielded no records", name)
	}
	return t, nil
}

// parseCSV parses a header row plus data rows. Best-effort: records with the
// wrong field count are skipped.
func (p *Parser) parseCSV(data []byte) ([]string, []records.Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil, errors.New("sample: empty csv payload")
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1 // validated manually
	r.LazyQuotes = true

	headers, err := r.Read()
	if err != nil {
		return nil, nil, errors.Wrap(err, "sample: csv header")
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	var rows []records.Record
	for len(rows) < p.cfg.MaxRows {
		rec, err := r.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			// Stop sampling on a malformed tail; keep what parsed.
			break
		}
		if len(rec) != len(headers) {
			continue
		}
		row := make(records.Record, len(headers))
		for i, h := range headers {
			v := strings.TrimSpace(rec[i])
			if v == "" {
				row[h] = nil
				continue
			}
			row[h] = v
		}
		rows = append(rows, row)
	}
	return headers, rows, nil
}

// parseJSON accepts an array of objects, a single object, an envelope object
// whose first array-of-objects field holds the records, or NDJSON.
func (p *Parser) parseJSON(data []byte) ([]string, []records.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, nil, errors.Wrap(err, "sample: json")
	}

	var rows []records.Record
	emit := func(m map[string]any) {
		if m == nil || len(rows) >= p.cfg.MaxRows {
			return
		}
		rows = append(rows, records.Record(m))
	}

	switch v := root.(type) {
	case []any:
		for _, it := range v {
			if m, ok := it.(map[string]any); ok {
				emit(m)
			}
			if len(rows) >= p.cfg.MaxRows {
				break
			}
		}
	case map[string]any:
		if slice := findObjectSlice(v); slice != nil {
			for _, m := range slice {
				emit(m)
				if len(rows) >= p.cfg.MaxRows {
					break
				}
			}
		} else {
			emit(v)
		}
	}

	// NDJSON / multiple top-level objects. Stop on the first decode error and
	// keep what parsed; a byte-capped sample usually ends mid-value.
	for len(rows) < p.cfg.MaxRows {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			break
		}
		emit(obj)
	}

	return unionColumns(rows), rows, nil
}

// parseHTML extracts the first <table> element: header cells from <th> (or
// the first row's <td> when no <th> exists), one record per remaining row.
func (p *Parser) parseHTML(data []byte) ([]string, []records.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, errors.Wrap(err, "sample: html")
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, nil, errors.New("sample: no table element in html payload")
	}

	var headers []string
	table.Find("th").Each(func(_ int, s *goquery.Selection) {
		headers = append(headers, strings.TrimSpace(s.Text()))
	})

	trs := table.Find("tr")
	start := 0
	if len(headers) == 0 {
		trs.First().Find("td").Each(func(_ int, s *goquery.Selection) {
			headers = append(headers, strings.TrimSpace(s.Text()))
		})
		start = 1
	}
	if len(headers) == 0 {
		return nil, nil, errors.New("sample: html table has no header cells")
	}

	var rows []records.Record
	trs.Each(func(i int, tr *goquery.Selection) {
		if i < start || len(rows) >= p.cfg.MaxRows {
			return
		}
		cells := tr.Find("td")
		if cells.Length() != len(headers) {
			return
		}
		row := make(records.Record, len(headers))
		cells.Each(func(j int, td *goquery.Selection) {
			v := strings.TrimSpace(td.Text())
			if v == "" {
				row[headers[j]] = nil
				return
			}
			row[headers[j]] = v
		})
		rows = append(rows, row)
	})
	return headers, rows, nil
}

// findObjectSlice returns the first array-of-objects field of an envelope
// object in sorted key order, or nil. Map iteration order is random, so the
// same envelope must not pick a different field run to run.
func findObjectSlice(root map[string]any) []map[string]any {
	keys := make([]string, 0, len(root))
	for k := range root {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rawSlice, ok := root[k].([]any)
		if !ok || len(rawSlice) == 0 {
			continue
		}
		objects := make([]map[string]any, 0, len(rawSlice))
		valid := true
		for _, elem := range rawSlice {
			if elem == nil {
				continue
			}
			m, ok := elem.(map[string]any)
			if !ok {
				valid = false
				break
			}
			objects = append(objects, m)
		}
		if valid && len(objects) > 0 {
			return objects
		}
	}
	return nil
}

// unionColumns returns the sorted union of keys across records, since JSON
// objects may omit fields row to row.
func unionColumns(rows []records.Record) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, row := range rows {
		for k := range row {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	// Keep deterministic order: records.Record.Columns sorts, do the same.
	sort.Strings(out)
	return out
}

// cutAtNewline trims a byte-capped sample back to its last complete line so
// the CSV reader never sees a truncated record.
func cutAtNewline(b []byte) []byte {
	if i := bytes.LastIndexByte(b, '\n'); i > 0 {
		return b[:i]
	}
	return b
}
