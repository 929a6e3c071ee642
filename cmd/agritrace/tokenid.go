package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"agritrace/pkg/tokenid"
)

func newTokenIDCmd() *cobra.Command {
	var decimal bool
	cmd := &cobra.Command{
		Use:   "tokenid <batch-id>...",
		Short: "Print the ledger token id derived from batch ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, arg := range args {
				batchID := tokenid.Normalize(arg)
				if batchID == "" {
					return errors.New("batch id must not be blank")
				}
				id := tokenid.FromBatchID(batchID)
				if decimal {
					fmt.Fprintf(out, "%s\t%s\n", batchID, id.Big())
					continue
				}
				fmt.Fprintf(out, "%s\t%s\n", batchID, id.Hex())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&decimal, "decimal", false, "print the uint256 in base 10")
	return cmd
}
