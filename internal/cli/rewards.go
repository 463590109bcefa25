package cli

import (
	"github.com/spf13/cobra"
)

var awardCmd = &cobra.Command{
	Use:   "award",
	Short: "Run today's holder award now (skipped if already executed)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Award(cmd.Context())
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset today's member point counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reset(cmd.Context())
	},
}
