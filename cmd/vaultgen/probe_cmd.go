package main

import (
	"github.com/spf13/cobra"

	"vaultgen/internal/classify"
	"vaultgen/internal/introspect"
	"vaultgen/internal/pii"
)

// probeColumn is one column's probe output row.
type probeColumn struct {
	Table           string  `json:"table"`
	Column          string  `json:"column"`
	OriginalName    string  `json:"original_name,omitempty"`
	Type            string  `json:"type"`
	Role            string  `json:"role"`
	RoleConfidence  float64 `json:"role_confidence"`
	Fallback        bool    `json:"fallback,omitempty"`
	PIICategory     string  `json:"pii_category,omitempty"`
	PIIRule         string  `json:"pii_rule,omitempty"`
	UniquenessRatio float64 `json:"uniqueness_ratio"`
	NullRatio       float64 `json:"null_ratio"`
	SampleRows      int     `json:"sample_rows"`
}

func newProbeCmd(opts *rootOptions) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "probe <file>...",
		Short: "Inspect samples and report column statistics, roles, and PII flags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			batch, err := opts.readBatch(cfg, args)
			if err != nil {
				return err
			}

			classifier := classify.New(cfg.Classifier, cfg.Lexicon)
			detector, err := pii.New(cfg.PII)
			if err != nil {
				return err
			}

			var out []probeColumn
			for _, t := range batch.Tables {
				cols, err := introspect.Table(t.Name, t.Columns, t.DeclaredTypes, t.Rows)
				if err != nil {
					return err
				}
				results := classify.ByColumn(classifier.Columns(cols))
				flags := detector.Columns(cols)

				for i, col := range cols {
					res := results[col.Table+"."+col.Name]
					pc := probeColumn{
						Table:           col.Table,
						Column:          col.Name,
						Type:            string(col.DeclaredType),
						Role:            string(res.Role),
						RoleConfidence:  res.Confidence,
						Fallback:        res.Fallback,
						UniquenessRatio: col.Stats.UniquenessRatio,
						NullRatio:       col.Stats.NullRatio,
						SampleRows:      col.Stats.SampleRows,
					}
					if col.OriginalName != col.Name {
						pc.OriginalName = col.OriginalName
					}
					if flags[i].Regulated() {
						pc.PIICategory = string(flags[i].Category)
						pc.PIIRule = flags[i].Rule
					}
					out = append(out, pc)
				}
			}
			return writeJSON(outPath, out)
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write JSON to file instead of stdout")
	return cmd
}
