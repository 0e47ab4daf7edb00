// Command vaultgen synthesizes Data Vault models from raw table samples and
// plans their incremental loads.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vaultgen/internal/config"
	"vaultgen/internal/keystore"
	"vaultgen/internal/metrics"
	"vaultgen/internal/metrics/datadog"
	"vaultgen/internal/pipeline"
	"vaultgen/internal/sample"

	// Key store backends register on import.
	_ "vaultgen/internal/keystore/memory"
	_ "vaultgen/internal/keystore/mssql"
	_ "vaultgen/internal/keystore/postgres"
	_ "vaultgen/internal/keystore/sqlite"
)

// rootOptions carries flag state shared by every subcommand.
type rootOptions struct {
	configPath   string
	recordSource string
	verbose      bool

	ddMetrics bool
	ddJob     string
	ddTags    string
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "vaultgen",
		Short:         "Data Vault model synthesis from raw table samples",
		Long:          "vaultgen inspects raw table samples, classifies columns, detects PII,\nand synthesizes a Data Vault hub/link/satellite model plus an\ninsert-only incremental load plan.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "configuration file (JSON or YAML); defaults apply when empty")
	rootCmd.PersistentFlags().StringVar(&opts.recordSource, "record-source", "", "record source tag stamped on emitted entities (default: derived from input)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&opts.ddMetrics, "dd-metrics", false, "emit metrics to Datadog")
	rootCmd.PersistentFlags().StringVar(&opts.ddJob, "dd-job", "", "Datadog job tag (default: vaultgen)")
	rootCmd.PersistentFlags().StringVar(&opts.ddTags, "dd-tags", "", "extra Datadog tags, comma-separated (env:prod,team:data)")

	rootCmd.AddCommand(newProbeCmd(opts))
	rootCmd.AddCommand(newModelCmd(opts))
	rootCmd.AddCommand(newPlanCmd(opts))
	rootCmd.AddCommand(newAuditCmd(opts))

	return rootCmd
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	if o.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(o.configPath)
}

func (o *rootOptions) newLogger() (*zap.Logger, error) {
	if o.verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newMetrics returns the configured backend. Callers must Close it; Close
// performs the final flush.
func (o *rootOptions) newMetrics(ctx context.Context) (metrics.Backend, error) {
	if !o.ddMetrics {
		return metrics.Noop{}, nil
	}
	return datadog.NewBackend(ctx, datadog.Options{
		JobName: o.ddJob,
		Tags:    datadog.ParseTagsCSV(o.ddTags),
	})
}

// readBatch parses the given sample files into a load batch. Table names
// derive from file base names; the record source defaults to the common
// directory when not flagged.
func (o *rootOptions) readBatch(cfg config.Config, paths []string) (pipeline.LoadBatch, error) {
	parser := sample.New(cfg.Sample)

	batch := pipeline.LoadBatch{RecordSource: o.recordSource}
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return batch, err
		}
		name := tableName(path)
		t, err := parser.Parse(name, raw)
		if err != nil {
			return batch, err
		}
		batch.Tables = append(batch.Tables, pipeline.SourceTable{
			Name:    name,
			Columns: t.Columns,
			Rows:    t.Rows,
		})
	}
	if batch.RecordSource == "" && len(paths) > 0 {
		batch.RecordSource = filepath.Base(filepath.Dir(paths[0]))
	}
	return batch, nil
}

func tableName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// writeJSON writes v as indented JSON to path, or stdout when path is empty.
func writeJSON(path string, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')

	if path == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

// openStore resolves the --store/--dsn pair against registered backends.
func openStore(ctx context.Context, driver, dsn string) (keystore.Store, error) {
	return keystore.New(ctx, driver, dsn)
}
