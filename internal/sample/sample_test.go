package sample

import (
	"strings"
	"testing"

	"vaultgen/internal/config"
)

func testParser() *Parser {
	return New(config.SampleConfig{MaxBytes: 20000, MaxRows: 100})
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Format
	}{
		{name: "empty", in: "  \n", want: FormatUnknown},
		{name: "html", in: "<table><tr></tr></table>", want: FormatHTML},
		{name: "json_object", in: `{"a":1}`, want: FormatJSON},
		{name: "json_array", in: `[{"a":1}]`, want: FormatJSON},
		{name: "csv_default", in: "a,b\n1,2\n", want: FormatCSV},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Sniff([]byte(tc.in)); got != tc.want {
				t.Fatalf("Sniff=%s, want %s", got, tc.want)
			}
		})
	}
}

func TestParseCSV(t *testing.T) {
	raw := "id, name ,city\n1,Alice,Berlin\n2,Bob,\n3,broken\n4,Dana,Hamburg\n"

	tab, err := testParser().Parse("customers", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tab.Format != FormatCSV {
		t.Fatalf("format=%s", tab.Format)
	}
	if len(tab.Columns) != 3 || tab.Columns[1] != "name" {
		t.Fatalf("columns=%v, want trimmed headers", tab.Columns)
	}

	// The misaligned row is skipped, the rest survive.
	if len(tab.Rows) != 3 {
		t.Fatalf("rows=%d (%+v), want 3", len(tab.Rows), tab.Rows)
	}
	if tab.Rows[0]["id"] != "1" || tab.Rows[0]["name"] != "Alice" {
		t.Fatalf("row 0=%v", tab.Rows[0])
	}
	if tab.Rows[1]["city"] != nil {
		t.Fatalf("empty cell should be nil, got %v", tab.Rows[1]["city"])
	}
}

func TestParseCSVRowCap(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("id\n")
	for i := 0; i < 50; i++ {
		sb.WriteString("x\n")
	}

	p := New(config.SampleConfig{MaxBytes: 20000, MaxRows: 10})
	tab, err := p.Parse("t", []byte(sb.String()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tab.Rows) != 10 {
		t.Fatalf("rows=%d, want cap of 10", len(tab.Rows))
	}
}

// TestParseCSVByteCap verifies the byte cap cuts back to a line boundary, so
// a truncated trailing record never pollutes the sample.
func TestParseCSVByteCap(t *testing.T) {
	raw := "id,name\n1,Alice\n2,Bob\n3,Carol"

	p := New(config.SampleConfig{MaxBytes: len("id,name\n1,Alice\n2,Bo"), MaxRows: 100})
	tab, err := p.Parse("t", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tab.Rows) != 1 || tab.Rows[0]["name"] != "Alice" {
		t.Fatalf("rows=%+v, want only the complete Alice row", tab.Rows)
	}
}

func TestParseJSONArray(t *testing.T) {
	raw := `[{"id":"1","name":"Alice"},{"id":"2","city":"Berlin"}]`

	tab, err := testParser().Parse("customers", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tab.Format != FormatJSON || len(tab.Rows) != 2 {
		t.Fatalf("table=%+v", tab)
	}

	// Columns are the sorted union across objects.
	want := []string{"city", "id", "name"}
	if len(tab.Columns) != len(want) {
		t.Fatalf("columns=%v", tab.Columns)
	}
	for i := range want {
		if tab.Columns[i] != want[i] {
			t.Fatalf("columns=%v, want %v", tab.Columns, want)
		}
	}
}

// TestParseJSONEnvelope: records nested under an envelope field are found
// without knowing the field name.
func TestParseJSONEnvelope(t *testing.T) {
	raw := `{"status":"ok","results":[{"id":"1"},{"id":"2"},{"id":"3"}]}`

	tab, err := testParser().Parse("t", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tab.Rows) != 3 {
		t.Fatalf("rows=%+v, want the 3 enveloped records", tab.Rows)
	}
}

// TestParseJSONEnvelopeDeterministic: an envelope with two candidate record
// arrays always yields the same field, not whichever map iteration finds
// first.
func TestParseJSONEnvelopeDeterministic(t *testing.T) {
	raw := `{"zzz":[{"id":"2"},{"id":"3"}],"aaa":[{"id":"1"}]}`

	for i := 0; i < 20; i++ {
		tab, err := testParser().Parse("t", []byte(raw))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if len(tab.Rows) != 1 || tab.Rows[0]["id"] != "1" {
			t.Fatalf("run %d rows=%+v, want the single aaa record", i, tab.Rows)
		}
	}
}

func TestParseNDJSON(t *testing.T) {
	raw := "{\"id\":\"1\"}\n{\"id\":\"2\"}\n{\"id\":\"3\"}\n"

	tab, err := testParser().Parse("t", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tab.Rows) != 3 {
		t.Fatalf("rows=%+v, want 3", tab.Rows)
	}
}

/// TestParseNDJSONTruncatedTail: a byte-capped sample ending mid-object keeps
// the complete prefix.
func TestParseNDJSONTruncatedTail(t *testing.T) {
	raw := "{\"id\":\"1\"}\n{\"id\":\"2\"}\n{\"id\":\"3"

	tab, err := testParser().Parse("t", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tab.Rows) != 2 {
		t.Fatalf("rows=%+v, want the 2 complete records", tab.Rows)
	}
}

func TestParseHTMLTable(t *testing.T) {
	raw := `<html><body><table>
		<tr><th>id</th><th>name</th></tr>
		<tr><td>1</td><td>Alice</td></tr>
		<tr><td>2</td><td></td></tr>
		<tr><td>3</td></tr>
	</table></body></html>`

	tab, err := testParser().Parse("t", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tab.Format != FormatHTML {
		t.Fatalf("format=%s", tab.Format)
	}
	if len(tab.Columns) != 2 || tab.Columns[0] != "id" {
		t.Fatalf("columns=%v", tab.Columns)
	}
	// The short row is skipped; the empty cell is nil.
	if len(tab.Rows) != 2 {
		t.Fatalf("rows=%+v, want 2", tab.Rows)
	}
	if tab.Rows[1]["name"] != nil {
		t.Fatalf("empty cell=%v, want nil", tab.Rows[1]["name"])
	}
}

func TestParseHTMLHeaderlessTable(t *testing.T) {
	raw := `<table>
		<tr><td>id</td><td>name</td></tr>
		<tr><td>1</td><td>Alice</td></tr>
	</table>`

	tab, err := testParser().Parse("t", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tab.Columns) != 2 || tab.Columns[1] != "name" {
		t.Fatalf("columns=%v", tab.Columns)
	}
	if len(tab.Rows) != 1 || tab.Rows[0]["id"] != "1" {
		t.Fatalf("rows=%+v", tab.Rows)
	}
}

func TestParseErrors(t *testing.T) {
	p := testParser()

	if _, err := p.Parse("t", []byte("   ")); err == nil {
		t.Fatalf("blank sample must error")
	}
	if _, err := p.Parse("t", []byte(`{"status":"ok"}`)); err != nil {
		// A single JSON object is one record, not an error.
		t.Fatalf("single object: %v", err)
	}
	if _, err := p.Parse("t", []byte(`[]`)); err == nil {
		t.Fatalf("empty json array must error")
	}
	if _, err := p.Parse("t", []byte("<html><p>no table</p></html>")); err == nil {
		t.Fatalf("html without table must error")
	}
}
