package main

import (
	"os"

	"github.com/spf13/cobra"

	"analysis-dispatch/internal/cli"
)

func main() {
	command := NewQueueCtlCommand()
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

func NewQueueCtlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queuectl [command]",
		Short: "queuectl inspects and drives the analysis job queues.",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
			os.Exit(1)
		},
	}
	cli.AddCommands(cmd)
	return cmd
}
