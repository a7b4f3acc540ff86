package cmd

import (
	"fmt"

	"github.com/josephlewis42/jobsh/core"
	"github.com/spf13/cobra"
)

var builtinsCmd = &cobra.Command{
	Use:   "builtins",
	Short: "Show the builtin commands of the shell.",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range core.ListBuiltins() {
			fmt.Fprintln(cmd.OutOrStdout(), core.BuiltinUsage[name])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(builtinsCmd)
}
