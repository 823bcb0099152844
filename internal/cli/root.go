package cli

import "github.com/spf13/cobra"

// AddCommands attaches every queuectl subcommand to root.
func AddCommands(root *cobra.Command) {
	root.AddCommand(NewCmdEnqueue())
	root.AddCommand(NewCmdStatus())
	root.AddCommand(NewCmdStats())
	root.AddCommand(NewCmdEvict())
	root.AddCommand(NewCmdSweep())
	root.AddCommand(NewCmdAudit())
}
