package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"analysis-dispatch/internal/store"
	"analysis-dispatch/internal/worker"
)

type EvictOptions struct {
	GlobalOptions
}

func NewCmdEvict() *cobra.Command {
	o := &EvictOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "evict JOB_ID",
		Short: "Remove a job record and its queue entries now.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			svc := o.Service()
			defer func() { _ = svc.Cleanup() }()
			if err := svc.Evict(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "evicted %s\n", args[0])
			return err
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

type SweepOptions struct {
	GlobalOptions
}

func NewCmdSweep() *cobra.Command {
	o := &SweepOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one janitor pass: recover stalled jobs and evict expired ones.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *SweepOptions) Run(ctx context.Context, out io.Writer) error {
	svc := o.Service()
	defer func() { _ = svc.Cleanup() }()

	res := worker.NewProcessor(o.cfg, svc.Queue(), nil, nil, "queuectl").Sweep(ctx, time.Now())
	if o.Output == jsonFormat {
		return printJSON(out, map[string]int{"recovered": res.Recovered, "evicted": res.Evicted})
	}
	_, err := fmt.Fprintf(out, "recovered %d, evicted %d\n", res.Recovered, res.Evicted)
	return err
}

type AuditOptions struct {
	GlobalOptions
}

func NewCmdAudit() *cobra.Command {
	o := &AuditOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "audit JOB_ID",
		Short: "List the lifecycle events recorded for a job.",
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

func (o *AuditOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if o.cfg.PostgresDSN == "" {
		return errors.New("audit needs --postgres-dsn or POSTGRES_DSN")
	}
	return nil
}

func (o *AuditOptions) Run(ctx context.Context, out io.Writer, args []string) error {
	st, err := store.New(ctx, o.cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	logs, err := st.ListAudit(ctx, args[0])
	if err != nil {
		return err
	}
	if o.Output == jsonFormat {
		return printJSON(out, logs)
	}
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tDETAIL")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", l.Recorded.Format(time.RFC3339), l.Event, l.Detail)
	}
	return w.Flush()
}
