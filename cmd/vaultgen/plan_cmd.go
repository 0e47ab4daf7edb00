package main

import (
	"github.com/spf13/cobra"

	"vaultgen/internal/model"
	"vaultgen/internal/pipeline"
	"vaultgen/internal/planner"
)

// planOutput bundles the synthesized model with its load plan so one file
// carries everything a downstream loader needs.
type planOutput struct {
	Definition *model.Definition `json:"definition"`
	Plan       *planner.Plan     `json:"plan"`
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var (
		outPath string
		driver  string
		dsn     string
	)

	cmd := &cobra.Command{
		Use:   "plan <file>...",
		Short: "Synthesize a model and build the incremental load plan",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log, err := opts.newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			backend, err := opts.newMetrics(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			store, err := openStore(cmd.Context(), driver, dsn)
			if err != nil {
				return err
			}
			defer store.Close()

			batch, err := opts.readBatch(cfg, args)
			if err != nil {
				return err
			}

			eng, err := pipeline.New(cfg,
				pipeline.WithLogger(log),
				pipeline.WithMetrics(backend),
				pipeline.WithKeyStore(store),
			)
			if err != nil {
				return err
			}
			res, err := eng.Run(cmd.Context(), batch)
			if err != nil {
				return err
			}
			return writeJSON(outPath, planOutput{Definition: res.Definition, Plan: res.Plan})
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write JSON to file instead of stdout")
	cmd.Flags().StringVar(&driver, "store", "memory", "key store backend (memory, sqlite, postgres, mssql)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "key store DSN (file path for sqlite, connection string otherwise)")
	return cmd
}
