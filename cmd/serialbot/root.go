package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "serialbot",
		Short:         "Issue and verify quarter-based product serial numbers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(),
		newGenerateCmd(),
		newCheckCmd(),
		newQuarterCmd(),
	)
	return root
}
