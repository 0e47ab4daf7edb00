// Package pii flags columns carrying personal or regulated data.
//
// The detector is an independent pass: it never consults role classification,
// so a column can be both a business key and PII (email is the canonical
// case). Rules apply in a fixed, documented priority:
//
//  1. Structural pattern match over sample values (email/phone/national-id/
//     financial shapes)
//  2. Name-token lexicon match ("ssn", "dob", "salary", ...)
//  3. Sample-value statistics (digit-length histograms for national ids,
//     text-shape checks for name-like strings)
//
// The first matching rule wins. Ordering is fixed for auditability; this is
// deliberately not best-confidence-wins.
package pii

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"

	"vaultgen/internal/config"
	"vaultgen/internal/introspect"
)

// Category is a regulated-data category.
type Category string

const (
	CategoryName         Category = "name"
	CategoryEmail        Category = "email"
	CategoryPhone        Category = "phone"
	CategoryAddress      Category = "address"
	CategoryNationalID   Category = "national_id"
	CategoryFinancial    Category = "financial"
	CategoryFreeTextRisk Category = "free_text_risk"
	CategoryNone         Category = "none"
)

// Flag is one detection outcome.
type Flag struct {
	Table      string   `json:"table"`
	Column     string   `json:"column"`
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	// Rule names the rule that fired, for compliance review.
	Rule string `json:"rule,omitempty"`
}

// Regulated reports whether the flag carries a category requiring controls.
func (f Flag) Regulated() bool { return f.Category != CategoryNone }

// structuralOrder fixes the evaluation order of pattern rules so overlapping
// shapes (a 9-digit SSN is also a plausible phone) resolve deterministically.
var structuralOrder = []Category{CategoryEmail, CategoryNationalID, CategoryFinancial, CategoryPhone}

// Detector applies the ordered rule set. Immutable after New; safe for
// concurrent use.
type Detector struct {
	minMatch   float64
	patterns   map[Category]*regexp.Regexp
	nameTokens map[string]Category
}

// New compiles the configured pattern rules.
//
// Errors:
//   - Returns an error when a configured pattern does not compile.
func New(cfg config.PIIConfig) (*Detector, error) {
	d := &Detector{
		minMatch:   cfg.MinMatchFraction,
		patterns:   make(map[Category]*regexp.Regexp, len(cfg.Patterns)),
		nameTokens: make(map[string]Category),
	}
	if d.minMatch <= 0 {
		d.minMatch = 0.6
	}

	for cat, pat := range cfg.Patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, errors.Wrapf(err, "pii: pattern for category %s", cat)
		}
		d.patterns[Category(cat)] = re
	}

	for cat, toks := range cfg.NameTokens {
		for _, t := range toks {
			d.nameTokens[strings.ToLower(t)] = Category(cat)
		}
	}
	return d, nil
}

// Column runs the ordered rule set over one column.
func (d *Detector) Column(col introspect.SourceColumn) Flag {
	flag := Flag{Table: col.Table, Column: col.Name, Category: CategoryNone}

	// Rule 1: structural patterns over sample values.
	if len(col.SampleValues) > 0 {
		for _, cat := range structuralOrder {
			re, ok := d.patterns[cat]
			if !ok {
				continue
			}
			frac := matchFraction(re, col.SampleValues)
			if frac >= d.minMatch {
				flag.Category = cat
				flag.Confidence = frac
				flag.Rule = "pattern:" + string(cat)
				return flag
			}
		}
	}

	// Rule 2: name-token lexicon.
	if cat, tok, ok := d.matchNameToken(col.Name); ok {
		flag.Category = cat
		flag.Confidence = 0.8
		flag.Rule = "name_token:" + tok
		return flag
	}

	// Rule 3: sample-value statistics.
	if cat, conf, rule, ok := d.statisticalMatch(col); ok {
		flag.Category = cat
		flag.Confidence = conf
		flag.Rule = rule
		return flag
	}

	return flag
}

// Columns detects over a column set; output order follows input order.
func (d *Detector) Columns(cols []introspect.SourceColumn) []Flag {
	out := make([]Flag, len(cols))
	for i, col := range cols {
		out[i] = d.Column(col)
	}
	return out
}

func (d *Detector) matchNameToken(name string) (Category, string, bool) {
	// Whole-name match first, then individual tokens. Token iteration is over
	// the column's own tokens, so order is deterministic.
	if cat, ok := d.nameTokens[name]; ok {
		return cat, name, true
	}
	for _, tok := range strings.Split(name, "_") {
		if cat, ok := d.nameTokens[tok]; ok {
			return cat, tok, true
		}
	}
	return CategoryNone, "", false
}

// statisticalMatch applies the sample-statistics rules:
//   - digit-length histogram: a dominant all-digit length of 9-12 suggests a
//     national-id shape even without separators
//   - text shape: title-cased two-token values suggest person names; long
//     high-entropy text is flagged as free-text risk
func (d *Detector) statisticalMatch(col introspect.SourceColumn) (Category, float64, string, bool) {
	values := col.SampleValues
	if len(values) == 0 {
		return CategoryNone, 0, "", false
	}

	if frac, ok := dominantDigitLength(values, 9, 12); ok {
		return CategoryNationalID, frac, "digit_histogram", true
	}

	if frac := titleCasePairFraction(values); frac >= d.minMatch {
		return CategoryName, frac, "text_shape:title_case", true
	}

	if col.Stats.MeanLength > 40 && meanEntropy(values) > 3.5 {
		return CategoryFreeTextRisk, 0.5, "text_shape:entropy", true
	}

	return CategoryNone, 0, "", false
}

func matchFraction(re *regexp.Regexp, values []string) float64 {
	matched := 0
	for _, v := range values {
		if re.MatchString(v) {
			matched++
		}
	}
	return float64(matched) / float64(len(values))
}

// dominantDigitLength reports whether >=80% of values are all-digit strings of
// one shared length within [minLen, maxLen].
func dominantDigitLength(values []string, minLen, maxLen int) (float64, bool) {
	hist := map[int]int{}
	for _, v := range values {
		if !allDigits(v) {
			continue
		}
		hist[len(v)]++
	}
	if len(hist) == 0 {
		return 0, false
	}

	lengths := make([]int, 0, len(hist))
	for l := range hist {
		lengths = append(lengths, l)
	}
	sort.Ints(lengths)

	for _, l := range lengths {
		if l < minLen || l > maxLen {
			continue
		}
		frac := float64(hist[l]) / float64(len(values))
		if frac >= 0.8 {
			return frac, true
		}
	}
	return 0, false
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// titleCasePairFraction measures how many values look like "First Last".
func titleCasePairFraction(values []string) float64 {
	matched := 0
	for _, v := range values {
		parts := strings.Fields(v)
		if len(parts) != 2 {
			continue
		}
		if isTitleWord(parts[0]) && isTitleWord(parts[1]) {
			matched++
		}
	}
	return float64(matched) / float64(len(values))
}

func isTitleWord(s string) bool {
	runes := []rune(s)
	if len(runes) < 2 || !unicode.IsUpper(runes[0]) {
		return false
	}
	for _, r := range runes[1:] {
		if !unicode.IsLower(r) {
			return false
		}
	}
	return true
}

// meanEntropy returns the mean per-value Shannon entropy in bits per rune.
func meanEntropy(values []string) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += entropy(v)
	}
	return sum / float64(len(values))
}

func entropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := map[rune]int{}
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}
	var h float64
	for _, n := range freq {
		p := float64(n) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}
