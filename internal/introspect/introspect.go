// Package introspect normalizes raw source schema plus a bounded row sample
// into the uniform column-level representation every downstream component
// works from.
//
// The introspector is responsible for:
//   - Folding declared source types into a small closed taxonomy
//   - Inferring types from sample values when no declaration exists
//   - Computing per-column sample statistics (uniqueness, nulls, lengths)
//   - Normalizing column names into safe lowercase identifiers
//
// Design constraints:
//   - Introspection happens once per batch; SourceColumn is immutable after.
//   - Missing values are a modeled signal, never an error.
//   - All statistics are computed over the full bounded sample, not a subset.
package introspect

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"vaultgen/pkg/records"
)

// ColumnType is the closed type taxonomy produced at introspection.
// Downstream components never re-inspect raw values, only this tag.
type ColumnType string

const (
	TypeInteger   ColumnType = "integer"
	TypeDecimal   ColumnType = "decimal"
	TypeString    ColumnType = "string"
	TypeBoolean   ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamp"
	TypeUnknown   ColumnType = "unknown"
)

// Stats captures per-column statistics over the full bounded sample.
type Stats struct {
	// SampleRows is the number of sample rows examined.
	SampleRows int `json:"sample_rows"`
	// NonNull counts rows where the column had a meaningful value.
	NonNull int `json:"non_null"`
	// Distinct is the distinct meaningful value count.
	Distinct int `json:"distinct"`
	// NullRatio = 1 - NonNull/SampleRows.
	NullRatio float64 `json:"null_ratio"`
	// UniquenessRatio = Distinct/NonNull (0 when NonNull is 0).
	UniquenessRatio float64 `json:"uniqueness_ratio"`
	// MeanLength and MaxLength describe the stringified value lengths.
	MeanLength float64 `json:"mean_length"`
	MaxLength  int     `json:"max_length"`
}

// SourceColumn is the immutable column-level representation for one batch.
type SourceColumn struct {
	Table        string     `json:"table"`
	Name         string     `json:"name"`
	OriginalName string     `json:"original_name"`
	DeclaredType ColumnType `json:"declared_type"`
	Nullable     bool       `json:"nullable"`
	Stats        Stats      `json:"stats"`
	// SampleValues is a bounded, ordered sequence of stringified non-null
	// sample values (first occurrences, capped).
	SampleValues []string `json:"sample_values"`
}

// ErrSchema marks malformed/empty table input. The whole table is rejected;
// sibling tables in the same batch are unaffected.
var ErrSchema = errors.New("schema error")

// sampleValueCap bounds SampleValues per column. Statistics still use the full
// sample; only the retained value list is capped.
const sampleValueCap = 50

// Table introspects one source table.
//
// declared maps original column name -> declared source type string and may be
// nil; missing entries fall back to sample-based inference. rows must share
// the column set (extra/missing cells are tolerated per row).
//
// Errors:
//   - ErrSchema when the table has zero columns or the sample is empty.
func Table(table string, columns []string, declared map[string]string, rows []records.Record) ([]SourceColumn, error) {
	if len(columns) == 0 {
		return nil, errors.Mark(errors.Newf("table %s: no columns", table), ErrSchema)
	}
	if len(rows) == 0 {
		return nil, errors.Mark(errors.Newf("table %s: empty sample", table), ErrSchema)
	}

	out := make([]SourceColumn, 0, len(columns))
	for _, col := range columns {
		sc := SourceColumn{
			Table:        table,
			Name:         NormalizeIdentifier(col),
			OriginalName: col,
		}

		values := make([]string, 0, sampleValueCap)
		distinct := make(map[string]struct{})
		totalLen := 0

		for _, r := range rows {
			sc.Stats.SampleRows++
			v, ok := r[col]
			if !ok || v == nil {
				sc.Nullable = true
				continue
			}
			s := strings.TrimSpace(Stringify(v))
			if s == "" {
				sc.Nullable = true
				continue
			}
			sc.Stats.NonNull++
			distinct[s] = struct{}{}
			totalLen += utf8.RuneCountInString(s)
			if utf8.RuneCountInString(s) > sc.Stats.MaxLength {
				sc.Stats.MaxLength = utf8.RuneCountInString(s)
			}
			if len(values) < sampleValueCap {
				values = append(values, s)
			}
		}

		sc.Stats.Distinct = len(distinct)
		if sc.Stats.SampleRows > 0 {
			sc.Stats.NullRatio = 1 - float64(sc.Stats.NonNull)/float64(sc.Stats.SampleRows)
		}
		if sc.Stats.NonNull > 0 {
			sc.Stats.UniquenessRatio = float64(sc.Stats.Distinct) / float64(sc.Stats.NonNull)
			sc.Stats.MeanLength = float64(totalLen) / float64(sc.Stats.NonNull)
		}
		sc.SampleValues = values

		if declared != nil {
			if dt, ok := declared[col]; ok {
				sc.DeclaredType = NormalizeDeclaredType(dt)
			}
		}
		if sc.DeclaredType == "" || sc.DeclaredType == TypeUnknown {
			sc.DeclaredType = inferType(values)
		}

		out = append(out, sc)
	}
	return out, nil
}

// NormalizeDeclaredType folds an arbitrary declared source type into the
// closed taxonomy.
func NormalizeDeclaredType(s string) ColumnType {
	t := strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(t, '('); i > 0 {
		t = t[:i]
	}
	switch t {
	case "int", "int2", "int4", "int8", "integer", "bigint", "smallint", "tinyint", "serial", "bigserial", "identity":
		return TypeInteger
	case "decimal", "numeric", "float", "float4", "float8", "double", "double precision", "real", "money", "number":
		return TypeDecimal
	case "varchar", "nvarchar", "char", "nchar", "text", "string", "clob", "uuid":
		return TypeString
	case "bool", "boolean", "bit":
		return TypeBoolean
	case "date", "datetime", "datetime2", "smalldatetime", "timestamp", "timestamptz", "time":
		return TypeTimestamp
	default:
		return TypeUnknown
	}
}

// timestampLayouts are tried in order during sample-based inference.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02.01.2006",
	"01/02/2006",
	"2006/01/02",
}

// inferType infers a ColumnType from stringified sample values. Inference is
// best-effort and conservative: a column is typed only when every sampled
// value agrees.
func inferType(values []string) ColumnType {
	if len(values) == 0 {
		return TypeUnknown
	}

	allInt, allDec, allBool, allTS := true, true, true, true
	for _, v := range values {
		if allInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				allInt = false
			}
		}
		if allDec {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				allDec = false
			}
		}
		if allBool && !isBoolToken(v) {
			allBool = false
		}
		if allTS && !parsesAsTimestamp(v) {
			allTS = false
		}
	}

	switch {
	case allBool:
		return TypeBoolean
	case allInt:
		return TypeInteger
	case allDec:
		return TypeDecimal
	case allTS:
		return TypeTimestamp
	default:
		return TypeString
	}
}

func isBoolToken(v string) bool {
	switch strings.ToLower(v) {
	case "true", "false", "t", "f", "yes", "no", "y", "n", "0", "1":
		return true
	}
	return false
}

func parsesAsTimestamp(v string) bool {
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}

// Stringify renders a raw sample value in a stable scalar form.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		// encoding/json default number type; render integers without ".0".
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		// Sample-bounded; acceptable fallback.
		return fmt.Sprint(v)
	}
}

// unaccent strips combining marks so "José"/"Straße"-style headers normalize
// stably across sources.
var unaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeIdentifier converts an arbitrary header into a safe, lowercase
// identifier: diacritics folded, whitespace and separators collapsed to
// underscores, everything outside [a-z0-9_] dropped.
func NormalizeIdentifier(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if folded, _, err := transform.String(unaccent, s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		}
	}

	return strings.Trim(b.String(), "_")
}
