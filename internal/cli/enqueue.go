package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"analysis-dispatch/internal/models"
)

type EnqueueOptions struct {
	GlobalOptions

	Attempts     int
	BackoffType  string
	BackoffDelay time.Duration
	Timeout      time.Duration
}

func DefaultEnqueueOptions() *EnqueueOptions {
	return &EnqueueOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdEnqueue() *cobra.Command {
	o := DefaultEnqueueOptions()
	cmd := &cobra.Command{
		Use:   "enqueue TYPE PAYLOAD_JSON",
		Short: "Validate a payload and add a job to the tail of its queue.",
		Args:  cobra.ExactArgs(2),
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

func (o *EnqueueOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.IntVar(&o.Attempts, "attempts", o.Attempts, "Maximum dispatch attempts (0 uses MAX_ATTEMPTS)")
	fs.StringVar(&o.BackoffType, "backoff-type", o.BackoffType, "Retry backoff: fixed or exponential")
	fs.DurationVar(&o.BackoffDelay, "backoff-delay", o.BackoffDelay, "Base retry delay")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "Per-attempt processor timeout")
}

func (o *EnqueueOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if _, err := models.ParseJobType(args[0]); err != nil {
		return err
	}
	if !json.Valid([]byte(args[1])) {
		return fmt.Errorf("payload is not valid JSON")
	}
	switch models.BackoffType(o.BackoffType) {
	case "", models.BackoffFixed, models.BackoffExponential:
	default:
		return fmt.Errorf("backoff-type must be fixed or exponential")
	}
	return nil
}

func (o *EnqueueOptions) Run(ctx context.Context, out io.Writer, args []string) error {
	svc := o.Service()
	defer func() { _ = svc.Cleanup() }()

	typ, _ := models.ParseJobType(args[0])
	opts := models.Options{
		Attempts: o.Attempts,
		Timeout:  o.Timeout,
		Backoff:  models.Backoff{Type: models.BackoffType(o.BackoffType), Delay: o.BackoffDelay},
	}
	id, err := svc.Enqueue(ctx, typ, json.RawMessage(args[1]), opts)
	if err != nil {
		return err
	}
	if o.Output == jsonFormat {
		return printJSON(out, map[string]string{"jobId": id})
	}
	_, err = fmt.Fprintln(out, id)
	return err
}
