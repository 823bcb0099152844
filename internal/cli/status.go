package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"analysis-dispatch/internal/models"
)

type StatusOptions struct {
	GlobalOptions
}

func NewCmdStatus() *cobra.Command {
	o := &StatusOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the state of one job.",
		Args:  cobra.ExactArgs(1),
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

func (o *StatusOptions) Run(ctx context.Context, out io.Writer, args []string) error {
	svc := o.Service()
	defer func() { _ = svc.Cleanup() }()

	view, err := svc.GetJobStatus(ctx, args[0])
	if err != nil {
		return err
	}
	if o.Output == jsonFormat {
		return printJSON(out, view)
	}

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "ID\t%s\n", view.ID)
	fmt.Fprintf(w, "TYPE\t%s\n", view.Type)
	fmt.Fprintf(w, "STATUS\t%s\n", view.Status)
	fmt.Fprintf(w, "PROGRESS\t%d%%\n", view.Progress)
	fmt.Fprintf(w, "ATTEMPTS\t%d/%d\n", view.Attempts, view.MaxAttempts)
	fmt.Fprintf(w, "CREATED\t%s\n", view.CreatedAt.Format(time.RFC3339))
	if view.StartedAt != nil {
		fmt.Fprintf(w, "STARTED\t%s\n", view.StartedAt.Format(time.RFC3339))
	}
	if view.CompletedAt != nil {
		fmt.Fprintf(w, "FINISHED\t%s\n", view.CompletedAt.Format(time.RFC3339))
	}
	switch view.Status {
	case models.StatusCompleted:
		fmt.Fprintf(w, "RESULT\t%s\n", view.Result)
	case models.StatusFailed:
		fmt.Fprintf(w, "ERROR\t%s\n", view.Error)
	}
	return w.Flush()
}
