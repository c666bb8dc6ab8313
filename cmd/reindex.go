package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the index from the store and mark documents indexed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, rep, err := appInstance.Reindex(cmd.Context())
			if err != nil {
				return err
			}
			if rep.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %d documents; resync skipped, lease held elsewhere\n", n)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %d documents; resync indexed=%d failed=%d orphans=%d\n",
				n, rep.Indexed, rep.Failed, rep.Orphans)
			return nil
		},
	}
}
