// Package config holds the externally supplied configuration surface for the
// model synthesis engine: classification thresholds, the name-token lexicon,
// PII pattern rules, hash algorithm selection, sampling caps, and planner
// retry policy.
//
// Design constraints:
//   - The engine is a pure function of (input batch, configuration version).
//     Nothing in here mutates at run time; retraining produces a new version.
//   - Every knob has a safe default so an empty file is a valid configuration.
//   - Both JSON and YAML files are accepted.
package config

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config is the complete, versioned configuration for one engine run.
type Config struct {
	// Version identifies the lexicon/threshold generation this config belongs
	// to. Offline retraining bumps it; the engine only records it.
	Version string `json:"version" yaml:"version"`

	Sample      SampleConfig      `json:"sample" yaml:"sample"`
	Classifier  ClassifierConfig  `json:"classifier" yaml:"classifier"`
	PII         PIIConfig         `json:"pii" yaml:"pii"`
	BusinessKey BusinessKeyConfig `json:"business_key" yaml:"business_key"`
	Satellite   SatelliteConfig   `json:"satellite" yaml:"satellite"`
	Hash        HashConfig        `json:"hash" yaml:"hash"`
	Planner     PlannerConfig     `json:"planner" yaml:"planner"`
	Lexicon     Lexicon           `json:"lexicon" yaml:"lexicon"`
}

// SampleConfig bounds sample acquisition so later statistical work stays
// bounded in memory and time.
type SampleConfig struct {
	// MaxBytes caps raw bytes read from a sample source.
	MaxBytes int `json:"max_bytes" yaml:"max_bytes"`
	// MaxRows caps parsed sample rows per table.
	MaxRows int `json:"max_rows" yaml:"max_rows"`
}

// ClassifierConfig controls role assignment.
type ClassifierConfig struct {
	// MinConfidence is the normalized-margin threshold below which a column
	// falls back to role=descriptive with confidence 0 and is flagged for
	// audit.
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
}

// PIIConfig controls the regulated-data detector.
//
// Patterns maps category -> regex applied to sample values. Detection order is
// fixed (structural -> name tokens -> statistics); these options tune the
// rules, never their priority.
type PIIConfig struct {
	Patterns map[string]string `json:"patterns" yaml:"patterns"`
	// MinMatchFraction is the fraction of non-null sample values a structural
	// pattern must match before the column is flagged.
	MinMatchFraction float64 `json:"min_match_fraction" yaml:"min_match_fraction"`
	// NameTokens maps category -> column-name tokens (e.g. "ssn", "dob").
	NameTokens map[string][]string `json:"name_tokens" yaml:"name_tokens"`
}

// BusinessKeyConfig controls business key acceptance.
type BusinessKeyConfig struct {
	MinUniqueness float64 `json:"min_uniqueness" yaml:"min_uniqueness"`
	MaxNullRatio  float64 `json:"max_null_ratio" yaml:"max_null_ratio"`
	// MaxCompositeSize bounds composite-key search (polynomial, not
	// exponential). Values above 3 are clamped.
	MaxCompositeSize int `json:"max_composite_size" yaml:"max_composite_size"`
}

// SatelliteConfig controls payload grouping.
type SatelliteConfig struct {
	// GroupByCadence enables splitting a (owner, source_table) group into
	// sub-satellites by update cadence class. When false, one satellite per
	// (owner, source_table) is emitted.
	GroupByCadence bool `json:"group_by_cadence" yaml:"group_by_cadence"`
	// SplitPII moves PII-flagged payload columns into a dedicated satellite so
	// access controls can target a single table.
	SplitPII bool `json:"split_pii" yaml:"split_pii"`
}

// HashConfig selects the surrogate-key digest.
type HashConfig struct {
	// Algorithm is a registered algorithm id ("sha256", "sha1", "md5").
	Algorithm string `json:"algorithm" yaml:"algorithm"`
}

// PlannerConfig controls incremental-load planning.
type PlannerConfig struct {
	// Workers bounds concurrent per-entity planning. <=0 means 1.
	Workers int `json:"workers" yaml:"workers"`
	// MaxRetries bounds key-store retry attempts before an entity is deferred.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// RetryBackoff is the base delay between key-store retries.
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
}

// Lexicon is the versioned name-token vocabulary driving role bias, concept
// synonym resolution, and cadence grouping.
type Lexicon struct {
	// RoleTokens maps role -> tokens biasing a column toward that role.
	RoleTokens map[string][]string `json:"role_tokens" yaml:"role_tokens"`
	// Synonyms maps a name token to its canonical concept token, so
	// "cust_id" and "customer_id" resolve to the same Hub concept.
	Synonyms map[string]string `json:"synonyms" yaml:"synonyms"`
	// CadenceTokens maps cadence class -> tokens (used by satellite grouping).
	CadenceTokens map[string][]string `json:"cadence_tokens" yaml:"cadence_tokens"`
}

// Default returns the built-in configuration. Callers may mutate the returned
// value freely; every call returns a fresh copy.
func Default() Config {
	return Config{
		Version: "builtin-1",
		Sample: SampleConfig{
			MaxBytes: 20000,
			MaxRows:  1000,
		},
		Classifier: ClassifierConfig{
			MinConfidence: 0.15,
		},
		PII: PIIConfig{
			MinMatchFraction: 0.6,
			Patterns: map[string]string{
				"email":       `^[\w.+-]+@[\w-]+\.[\w.-]+$`,
				"phone":       `^\+?[0-9][0-9 ()-]{7,14}[0-9]$`,
				"national_id": `^\d{3}-\d{2}-\d{4}$|^\d{9}$`,
				"financial":   `^\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}$|^[A-Z]{2}\d{2}[A-Z0-9]{10,30}$`,
			},
			NameTokens: map[string][]string{
				"national_id": {"ssn", "nin", "national_id", "dob", "birthdate", "date_of_birth"},
				"email":       {"email", "mail"},
				"phone":       {"phone", "mobile", "fax", "tel"},
				"name":        {"name", "firstname", "first_name", "lastname", "last_name", "surname"},
				"address":     {"address", "street", "city", "zip", "zipcode", "postcode", "postal"},
				"financial":   {"salary", "iban", "account_number", "credit_card", "card_number", "income"},
			},
		},
		BusinessKey: BusinessKeyConfig{
			MinUniqueness:    0.98,
			MaxNullRatio:     0.01,
			MaxCompositeSize: 3,
		},
		Satellite: SatelliteConfig{
			GroupByCadence: true,
			SplitPII:       true,
		},
		Hash: HashConfig{
			Algorithm: "sha256",
		},
		Planner: PlannerConfig{
			Workers:      4,
			MaxRetries:   3,
			RetryBackoff: 250 * time.Millisecond,
		},
		Lexicon: Lexicon{
			RoleTokens: map[string][]string{
				"identifier": {"id", "key", "code", "no", "num", "number", "type", "status", "category", "class", "group", "dept", "region", "sku", "uuid"},
				"timestamp":  {"date", "time", "timestamp", "day", "year", "created", "updated", "modified", "at"},
				"measure":    {"amount", "price", "qty", "quantity", "total", "sum", "count", "rate", "score", "balance", "weight", "size"},
				"text":       {"description", "comment", "note", "notes", "remark", "text", "body", "message"},
			},
			Synonyms: map[string]string{
				"cust":     "customer",
				"custid":   "customer_id",
				"cust_id":  "customer_id",
				"prod":     "product",
				"prod_id":  "product_id",
				"acct":     "account",
				"acct_no":  "account_number",
				"emp":      "employee",
				"emp_id":   "employee_id",
				"ord":      "order",
				"order_no": "order_id",
				"ord_id":   "order_id",
			},
			CadenceTokens: map[string][]string{
				"technical": {"created_at", "updated_at", "modified_at", "load_date", "etl", "audit", "source_system", "ingested_at"},
				"reference": {"country", "currency", "unit", "locale", "language", "timezone"},
			},
		},
	}
}

// Load reads a configuration file (JSON or YAML by extension, YAML as the
// fallback) and overlays it on the defaults.
//
// Errors:
//   - Returns an error if the file cannot be read or parsed.
//   - Returns an error if the merged config fails Validate.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: read %s", path)
	}

	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".json"):
		err = json.Unmarshal(raw, &cfg)
	default:
		err = yaml.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "config: parse %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges and clamps bounded knobs.
func (c *Config) Validate() error {
	if c.Sample.MaxBytes <= 0 {
		return errors.New("config: sample.max_bytes must be > 0")
	}
	if c.Sample.MaxRows <= 0 {
		return errors.New("config: sample.max_rows must be > 0")
	}
	if c.Classifier.MinConfidence < 0 || c.Classifier.MinConfidence > 1 {
		return errors.New("config: classifier.min_confidence must be in [0,1]")
	}
	if c.BusinessKey.MinUniqueness <= 0 || c.BusinessKey.MinUniqueness > 1 {
		return errors.New("config: business_key.min_uniqueness must be in (0,1]")
	}
	if c.BusinessKey.MaxNullRatio < 0 || c.BusinessKey.MaxNullRatio > 1 {
		return errors.New("config: business_key.max_null_ratio must be in [0,1]")
	}
	if c.BusinessKey.MaxCompositeSize < 1 {
		c.BusinessKey.MaxCompositeSize = 1
	}
	if c.BusinessKey.MaxCompositeSize > 3 {
		c.BusinessKey.MaxCompositeSize = 3
	}
	if c.Hash.Algorithm == "" {
		c.Hash.Algorithm = "sha256"
	}
	if c.Planner.Workers <= 0 {
		c.Planner.Workers = 1
	}
	if c.Planner.MaxRetries < 0 {
		c.Planner.MaxRetries = 0
	}
	return nil
}
