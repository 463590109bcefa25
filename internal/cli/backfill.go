package cli

import (
	"github.com/spf13/cobra"

	"engagement-ledger/internal/app"
)

var backfillContract string

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fill missing market caps for one contract or every contract lacking one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Backfill(cmd.Context(), app.BackfillOptions{ContractKey: backfillContract})
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillContract, "contract", "", "Contract key (defaults to a sweep over all contracts)")
}
