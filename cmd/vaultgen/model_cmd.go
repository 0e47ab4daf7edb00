package main

import (
	"github.com/spf13/cobra"

	"vaultgen/internal/pipeline"
)

func newModelCmd(opts *rootOptions) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "model <file>...",
		Short: "Synthesize a hub/link/satellite model from samples",
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

			batch, err := opts.readBatch(cfg, args)
			if err != nil {
				return err
			}

			eng, err := pipeline.New(cfg, pipeline.WithLogger(log), pipeline.WithMetrics(backend))
			if err != nil {
				return err
			}
			res, err := eng.Run(cmd.Context(), batch)
			if err != nil {
				return err
			}
			return writeJSON(outPath, res.Definition)
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write JSON to file instead of stdout")
	return cmd
}
