package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"analysis-dispatch/internal/config"
	"analysis-dispatch/internal/jobs"
	"analysis-dispatch/internal/queue"
)

const (
	jsonFormat  = "json"
	tableFormat = "table"
)

var legalOutputTypes = []string{jsonFormat, tableFormat}

// GlobalOptions are the connection flags every command shares. Unset flags fall back to the environment.
type GlobalOptions struct {
	RedisAddr   string
	KeyPrefix   string
	PostgresDSN string
	Output      string

	cfg config.Config
}

func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{Output: tableFormat}
}

func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.RedisAddr, "redis-addr", o.RedisAddr, "Redis address (defaults to REDIS_ADDR)")
	fs.StringVar(&o.KeyPrefix, "prefix", o.KeyPrefix, "Redis key prefix (defaults to REDIS_KEY_PREFIX)")
	fs.StringVar(&o.PostgresDSN, "postgres-dsn", o.PostgresDSN, "Postgres DSN (defaults to POSTGRES_DSN)")
	fs.StringVarP(&o.Output, "output", "o", o.Output, fmt.Sprintf("Output format. One of: (%s).", strings.Join(legalOutputTypes, ", ")))
}

func (o *GlobalOptions) Complete(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.RedisAddr != "" {
		cfg.RedisAddr = o.RedisAddr
	}
	if o.KeyPrefix != "" {
		cfg.RedisKeyPrefix = o.KeyPrefix
	}
	if o.PostgresDSN != "" {
		cfg.PostgresDSN = o.PostgresDSN
	}
	o.cfg = cfg
	return nil
}

func (o *GlobalOptions) Validate(args []string) error {
	for _, t := range legalOutputTypes {
		if o.Output == t {
			return nil
		}
	}
	return fmt.Errorf("output must be one of (%s)", strings.Join(legalOutputTypes, ", "))
}

// Service connects to Redis. Callers own Cleanup.
func (o *GlobalOptions) Service() *jobs.Service {
	return jobs.NewService(o.cfg, queue.NewClient(o.cfg), nil, nil)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
