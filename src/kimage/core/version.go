package core

import (
	"fmt"

	"github.com/bitswalk/kimage/src/kimage/output"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if format() == output.FormatJSON {
			return output.PrintJSON(cmd.OutOrStdout(), VersionInfo)
		}
		fmt.Fprintln(cmd.OutOrStdout(), VersionInfo.Full())
		return nil
	},
}
