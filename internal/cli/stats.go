package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"analysis-dispatch/internal/models"
)

type StatsOptions struct {
	GlobalOptions
}

func NewCmdStats() *cobra.Command {
	o := &StatsOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "stats [TYPE]",
		Short: "Show per-status job counts for one or every queue.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), cmd.OutOrStdout(), args)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *StatsOptions) Run(ctx context.Context, out io.Writer, args []string) error {
	svc := o.Service()
	defer func() { _ = svc.Cleanup() }()

	typ := ""
	if len(args) == 1 {
		typ = args[0]
	}
	stats, err := svc.GetQueueStats(ctx, typ)
	if err != nil {
		return err
	}
	if o.Output == jsonFormat {
		return printJSON(out, stats)
	}

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tWAITING\tACTIVE\tCOMPLETED\tFAILED")
	for _, t := range models.JobTypes {
		s, ok := stats[t]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", t, s.Waiting, s.Active, s.Completed, s.Failed)
	}
	return w.Flush()
}
