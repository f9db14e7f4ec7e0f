package cfg

import (
	"errors"
	"flag"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Gateway kinds accepted by -gateway.
const (
	GatewayLog     = "log"
	GatewayWebhook = "webhook"
	GatewayAMQP    = "amqp"
)

// Config adds application-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL   string
	SQLitePath    string
	SequencesFile string
	SlowQuery     time.Duration

	TickInterval   time.Duration
	WorkerID       string
	Workers        int
	BatchSize      int
	MaxBatch       int
	ClaimTTL       time.Duration
	ClaimWait      time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	Pace           time.Duration
	GatewayKind    string
	GatewayTimeout time.Duration
	WebhookURL     string
	WebhookToken   string
	AMQPURL        string
	AMQPExchange   string
	AMQPChannels   string

	SlackWebhookURL string
	ClassCacheDir   string
	ClassCacheTTL   time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 (empty = no auth)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (used when database-url is empty; both empty = in-memory store)")
	fs.StringVar(&c.SequencesFile, "sequences-file", "", "YAML file of sequences and templates merged over the built-in catalog")
	fs.DurationVar(&c.SlowQuery, "slow-query", 250*time.Millisecond, "log postgres queries at or above this duration as slow (0 = off)")

	fs.DurationVar(&c.TickInterval, "tick-interval", time.Minute, "how often the scheduler looks for due enrollments")
	fs.StringVar(&c.WorkerID, "worker-id", "", "claim owner prefix for this process (empty = hostname)")
	fs.IntVar(&c.Workers, "workers", 4, "concurrent dispatch workers per tick (1..256)")
	fs.IntVar(&c.BatchSize, "batch-size", 100, "max enrollments processed per scheduler tick (1..10000)")
	fs.IntVar(&c.MaxBatch, "max-batch", 1000, "max batch_size accepted by the batch trigger")
	fs.DurationVar(&c.ClaimTTL, "claim-ttl", 2*time.Minute, "lease length on an enrollment while a step is dispatched")
	fs.DurationVar(&c.ClaimWait, "claim-wait", 5*time.Second, "how long pause/resume/cancel wait for an in-flight step")
	fs.IntVar(&c.MaxRetries, "max-retries", 3, "transient failures of one step before the enrollment is cancelled")
	fs.DurationVar(&c.RetryBackoff, "retry-backoff", 15*time.Minute, "delay before retrying a step after a transient failure")
	fs.DurationVar(&c.Pace, "pace", 0, "minimum gap between sends on one worker (0 = unpaced)")
	fs.StringVar(&c.GatewayKind, "gateway", GatewayLog, "delivery gateway: log, webhook or amqp")
	fs.DurationVar(&c.GatewayTimeout, "gateway-timeout", 10*time.Second, "per-message delivery timeout")
	fs.StringVar(&c.WebhookURL, "webhook-url", "", "delivery provider endpoint for -gateway=webhook")
	fs.StringVar(&c.WebhookToken, "webhook-token", "", "bearer token sent to the delivery provider")
	fs.StringVar(&c.AMQPURL, "amqp-url", "", "AMQP broker URL for -gateway=amqp")
	fs.StringVar(&c.AMQPExchange, "amqp-exchange", "outreach.dispatch", "topic exchange dispatch jobs are published to")
	fs.StringVar(&c.AMQPChannels, "amqp-channels", "voice,sms,social", "channels routed to AMQP when -gateway=amqp (others use the log gateway)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for failed-enrollment notices")
	fs.StringVar(&c.ClassCacheDir, "class-cache-dir", "", "badger directory caching lead classifications (empty = off)")
	fs.DurationVar(&c.ClassCacheTTL, "class-cache-ttl", 24*time.Hour, "lifetime of a cached classification")
}

// Channels returns the parsed, lowercased AMQPChannels list.
func (c *Config) Channels() []string {
	var out []string
	for _, ch := range strings.Split(c.AMQPChannels, ",") {
		if ch = strings.ToLower(strings.TrimSpace(ch)); ch != "" {
			out = append(out, ch)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}
	if c.SlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid SLOW_QUERY %s (must be >= 0)", c.SlowQuery))
	}

	// Scheduler
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid TICK_INTERVAL %s (must be > 0)", c.TickInterval))
	}
	if c.Workers <= 0 || c.Workers > 256 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..256)", c.Workers))
	}
	if c.BatchSize <= 0 || c.BatchSize > 10000 {
		errs = append(errs, fmt.Errorf("invalid BATCH_SIZE %d (must be 1..10000)", c.BatchSize))
	}
	if c.MaxBatch <= 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_BATCH %d (must be > 0)", c.MaxBatch))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_RETRIES %d (must be > 0)", c.MaxRetries))
	}
	if c.RetryBackoff <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETRY_BACKOFF %s (must be > 0)", c.RetryBackoff))
	}
	if c.Pace < 0 {
		errs = append(errs, fmt.Errorf("invalid PACE %s (must be >= 0)", c.Pace))
	}
	if c.ClaimWait <= 0 {
		errs = append(errs, fmt.Errorf("invalid CLAIM_WAIT %s (must be > 0)", c.ClaimWait))
	}

	// A claim must outlive the send it protects.
	if c.GatewayTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid GATEWAY_TIMEOUT %s (must be > 0)", c.GatewayTimeout))
	}
	if c.ClaimTTL <= c.GatewayTimeout {
		errs = append(errs, fmt.Errorf("CLAIM_TTL %s must be greater than GATEWAY_TIMEOUT %s", c.ClaimTTL, c.GatewayTimeout))
	}

	// Gateway
	switch c.GatewayKind {
	case GatewayLog:
	case GatewayWebhook:
		if c.WebhookURL == "" {
			errs = append(errs, errors.New("WEBHOOK_URL is required with GATEWAY=webhook"))
		}
	case GatewayAMQP:
		if c.AMQPURL == "" {
			errs = append(errs, errors.New("AMQP_URL is required with GATEWAY=amqp"))
		}
		if c.AMQPExchange == "" {
			errs = append(errs, errors.New("AMQP_EXCHANGE is required with GATEWAY=amqp"))
		}
		for _, ch := range c.Channels() {
			if !slices.Contains([]string{"email", "voice", "sms", "social"}, ch) {
				errs = append(errs, fmt.Errorf("invalid AMQP_CHANNELS entry %q", ch))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("invalid GATEWAY %q (must be log, webhook or amqp)", c.GatewayKind))
	}

	if c.ClassCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("invalid CLASS_CACHE_TTL %s (must be >= 0)", c.ClassCacheTTL))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
