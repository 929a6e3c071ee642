package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDirectoryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Maintain the participant directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Replay every batch history into the participant directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(a *app) error {
				report, err := a.svc.RebuildDirectory(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %d batches, %d entries\n", report.Batches, report.Entries)
				return nil
			})
		},
	})
	return cmd
}
