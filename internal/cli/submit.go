package cli

import (
	"github.com/spf13/cobra"

	"engagement-ledger/internal/app"
	"engagement-ledger/internal/attribution"
)

var (
	submitSubmitter string
	submitSource    string
	submitModel     string
	submitDomain    string
	callersLimit    int
)

var submitCmd = &cobra.Command{
	Use:   "submit <contract>",
	Short: "Submit a contract to the board",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Submit(cmd.Context(), attribution.SubmitRequest{
			SubmitterID: submitSubmitter,
			ContractKey: args[0],
			SourceTag:   submitSource,
			ModelTag:    submitModel,
			Domain:      submitDomain,
		})
	},
}

var callersCmd = &cobra.Command{
	Use:   "callers <contract>",
	Short: "List the latest callers of a contract",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Callers(cmd.Context(), app.CallersOptions{ContractKey: args[0], Limit: callersLimit})
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitSubmitter, "submitter", "", "Submitting member id")
	submitCmd.Flags().StringVar(&submitSource, "source", "", "Originating source tag")
	submitCmd.Flags().StringVar(&submitModel, "model", "", "Optional model or tool tag")
	submitCmd.Flags().StringVar(&submitDomain, "domain", "", "Optional origin domain")
	_ = submitCmd.MarkFlagRequired("submitter")

	callersCmd.Flags().IntVar(&callersLimit, "limit", 10, "Maximum callers to list")
}
