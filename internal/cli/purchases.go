package cli

import (
	"github.com/spf13/cobra"

	"engagement-ledger/internal/app"
	"engagement-ledger/internal/reconciler"
)

var (
	recordReq   reconciler.RecordRequest
	reconcileTx string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a purchase and try to confirm it against the activity feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Record(cmd.Context(), recordReq)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Confirm one purchase, or every pending purchase",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reconcile(cmd.Context(), app.ReconcileOptions{TxID: reconcileTx})
	},
}

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Print the confirmed purchase volume of the last 24 hours",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Volume(cmd.Context())
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordReq.TxID, "tx", "", "Transaction id")
	recordCmd.Flags().StringVar(&recordReq.Buyer, "buyer", "", "Buyer wallet or member id")
	recordCmd.Flags().StringVar(&recordReq.AssetID, "asset", "", "Asset id")
	recordCmd.Flags().StringVar(&recordReq.Collection, "collection", "", "Collection symbol")
	recordCmd.Flags().StringVar(&recordReq.Source, "source", "", "Source tag")
	recordCmd.Flags().StringVar(&recordReq.Timestamp, "timestamp", "", "Purchase time (RFC3339 or unix seconds, defaults to now)")

	reconcileCmd.Flags().StringVar(&reconcileTx, "tx", "", "Transaction id (defaults to all pending)")
}
