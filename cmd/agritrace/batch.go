package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"agritrace/internal/core"
)

func newBatchCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Inspect batches",
	}
	var reconcile bool
	get := &cobra.Command{
		Use:   "get <batch-id>",
		Short: "Print a batch and its ledger reconciliation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(a *app) error {
				view, err := a.svc.GetBatch(cmd.Context(), args[0], core.ReadOptions{Reconcile: &reconcile})
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			})
		},
	}
	get.Flags().BoolVar(&reconcile, "reconcile", true, "cross-check the batch against the ledger")
	cmd.AddCommand(get)
	return cmd
}

// withApp loads config, wires the service, runs fn and releases resources.
func withApp(cmd *cobra.Command, root *rootOptions, fn func(*app) error) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(a)
	if err := a.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}
