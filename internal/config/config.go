package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds shared runtime configuration for the API, worker and CLI.
type Config struct {
	Env         string   `envconfig:"APP_ENV" default:"production"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    string   `envconfig:"HTTP_PORT" default:"8080"`
	MetricsAddr string   `envconfig:"METRICS_ADDR" default:":9090"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:5173"`

	RedisAddr      string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB        int    `envconfig:"REDIS_DB" default:"0"`
	RedisKeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"aq"`

	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	WorkerPollInterval time.Duration  `envconfig:"WORKER_POLL_INTERVAL" default:"1s"`
	JobTimeout         time.Duration  `envconfig:"JOB_TIMEOUT" default:"30s"`
	MaxAttempts        int            `envconfig:"MAX_ATTEMPTS" default:"1"`
	BackoffInitial     time.Duration  `envconfig:"BACKOFF_INITIAL" default:"2s"`
	BackoffMax         time.Duration  `envconfig:"BACKOFF_MAX" default:"5m"`
	RetentionTTL       time.Duration  `envconfig:"RETENTION_TTL" default:"24h"`
	JanitorInterval    time.Duration  `envconfig:"JANITOR_INTERVAL" default:"30s"`
	StallGrace         time.Duration  `envconfig:"STALL_GRACE" default:"30s"`
	JanitorBatchSize   int64          `envconfig:"JANITOR_BATCH_SIZE" default:"100"`
	Concurrency        map[string]int `envconfig:"WORKER_CONCURRENCY" default:"analysis:1,retraining:1,report:1,email:2,notification:2"`

	AnalysisURL     string        `envconfig:"ANALYSIS_SERVICE_URL" default:"http://localhost:8000"`
	AnalysisTimeout time.Duration `envconfig:"ANALYSIS_SERVICE_TIMEOUT" default:"30s"`

	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string `envconfig:"SMTP_USERNAME" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"no-reply@localhost"`

	ReportOutputDir   string `envconfig:"REPORT_OUTPUT_DIR" default:"./reports"`
	ReportChartWidth  int    `envconfig:"REPORT_CHART_WIDTH" default:"480"`
	ReportS3Bucket    string `envconfig:"REPORT_S3_BUCKET" default:""`
	ReportS3Region    string `envconfig:"REPORT_S3_REGION" default:"us-east-1"`
	ReportS3Endpoint  string `envconfig:"REPORT_S3_ENDPOINT" default:""`
	ReportS3PathStyle bool   `envconfig:"REPORT_S3_PATH_STYLE" default:"false"`

	JWTSecret string `envconfig:"SUPABASE_JWT_SECRET" default:""`
	JWTIssuer string `envconfig:"SUPABASE_JWT_ISSUER" default:""`

	RateLimitCapacity int     `envconfig:"RATE_LIMIT_CAPACITY" default:"50"`
	RateLimitRefill   float64 `envconfig:"RATE_LIMIT_REFILL_PER_SEC" default:"20"`
}

// Load reads configuration from environment variables with defaults for local development.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env config: %w", err)
	}
	return cfg, nil
}

// Development reports whether the service runs in a development environment.
func (c Config) Development() bool {
	return c.Env == "dev" || c.Env == "development" || c.Env == "test"
}
