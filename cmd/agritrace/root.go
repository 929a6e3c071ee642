package main

import (
	"github.com/spf13/cobra"

	"agritrace/internal/config"
)

type rootOptions struct {
	envFiles []string
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.envFiles...)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "agritrace",
		Short:         "Agricultural batch lifecycle engine",
		Long:          "Registers, certifies and sells crop batches, mirroring every transition between a smart-contract ledger and an off-chain store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load before reading AGRITRACE_* variables (default .env)")
	cmd.AddCommand(
		newServeCmd(opts),
		newTokenIDCmd(),
		newBatchCmd(opts),
		newDirectoryCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}
