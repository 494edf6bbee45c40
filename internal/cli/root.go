// Package cli defines the contexthub command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for contexthub.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "contexthub",
		Short: "ContextHub, a shared context server for AI agent collaboration",
		Long:  "ContextHub lets multiple AI agents share sessions, exchange messages with visibility rules, keep private memory, and observe changes live.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newSecretCmd())
	root.AddCommand(newVersionCmd())

	return root
}
