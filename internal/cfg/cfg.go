package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/triage"
)

// Config adds lifeline-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	// storage: postgres when DatabaseURL is set, else redis when RedisURL is set, else memory
	DatabaseURL string
	DBMaxConns  int
	DBSlowQuery time.Duration
	RedisURL    string
	RedisPrefix string

	SLALow      time.Duration
	SLAMedium   time.Duration
	SLAHigh     time.Duration
	SLACritical time.Duration

	SourceRetention time.Duration
	MaxSources      int
	Supervisors     string

	SchedulerInterval    time.Duration
	SchedulerConcurrency int
	SchedulerBatch       int

	NotifyMaxAttempts    int
	NotifyInitialBackoff time.Duration
	NotifyMaxBackoff     time.Duration
	NotifyAttemptTimeout time.Duration
	ChannelRoutes        string
	BreakerFailures      int
	BreakerOpenFor       time.Duration

	APIToken        string
	DetectorToken   string
	SlackWebhookURL string
	PagerWebhookURL string
	PagerToken      string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	sla := triage.DefaultSLA()

	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (takes precedence over redis-url)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum PostgreSQL pool connections (1..500)")
	fs.DurationVar(&c.DBSlowQuery, "db-slow-query", 250*time.Millisecond, "log queries at or above this duration (0 = log every query)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the alert store (empty with no database-url = in-memory store)")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "lifeline:", "key prefix for the redis store")

	fs.DurationVar(&c.SLALow, "sla-low", sla[triage.SeverityLow], "response window for low severity alerts")
	fs.DurationVar(&c.SLAMedium, "sla-medium", sla[triage.SeverityMedium], "response window for medium severity alerts")
	fs.DurationVar(&c.SLAHigh, "sla-high", sla[triage.SeverityHigh], "response window for high severity alerts")
	fs.DurationVar(&c.SLACritical, "sla-critical", sla[triage.SeverityCritical], "response window for critical severity alerts")

	fs.DurationVar(&c.SourceRetention, "source-retention", 24*time.Hour, "how long processed detector source ids are remembered per alert")
	fs.IntVar(&c.MaxSources, "max-sources", 256, "cap on remembered source ids per alert (1..10000)")
	fs.StringVar(&c.Supervisors, "supervisors", "", "comma separated supervisor ids allowed to override severity")

	fs.DurationVar(&c.SchedulerInterval, "scheduler-interval", 15*time.Second, "escalation sweep poll interval")
	fs.IntVar(&c.SchedulerConcurrency, "scheduler-concurrency", 8, "parallel expiries per sweep (1..256)")
	fs.IntVar(&c.SchedulerBatch, "scheduler-batch", 100, "due alerts fetched per sweep batch (1..10000)")

	fs.IntVar(&c.NotifyMaxAttempts, "notify-max-attempts", 5, "delivery attempts per notification (1..20)")
	fs.DurationVar(&c.NotifyInitialBackoff, "notify-initial-backoff", 500*time.Millisecond, "first retry delay for notifications")
	fs.DurationVar(&c.NotifyMaxBackoff, "notify-max-backoff", 30*time.Second, "maximum retry delay for notifications")
	fs.DurationVar(&c.NotifyAttemptTimeout, "notify-attempt-timeout", 10*time.Second, "timeout for one delivery attempt")
	fs.StringVar(&c.ChannelRoutes, "channel-routes", "", "severity to channel policy, e.g. low=in_app;critical=chat,sms,phone (empty = defaults)")
	fs.IntVar(&c.BreakerFailures, "breaker-failures", 5, "consecutive retryable webhook failures that open a channel breaker")
	fs.DurationVar(&c.BreakerOpenFor, "breaker-open-for", 30*time.Second, "how long an open channel breaker rejects before probing")

	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for responder and admin API calls")
	fs.StringVar(&c.DetectorToken, "detector-token", "", "bearer token for the detector signal endpoint")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for chat notifications")
	fs.StringVar(&c.PagerWebhookURL, "pager-webhook-url", "", "SMS/voice gateway webhook URL")
	fs.StringVar(&c.PagerToken, "pager-token", "", "bearer token for the pager gateway")
}

// SLA returns the configured response windows.
func (c *Config) SLA() triage.SLAPolicy {
	return triage.SLAPolicy{
		triage.SeverityLow:      c.SLALow,
		triage.SeverityMedium:   c.SLAMedium,
		triage.SeverityHigh:     c.SLAHigh,
		triage.SeverityCritical: c.SLACritical,
	}
}

// SupervisorIDs splits the supervisors list.
func (c *Config) SupervisorIDs() []string {
	var out []string
	for _, s := range strings.Split(c.Supervisors, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Routes returns the channel policy.
func (c *Config) Routes() (notify.Routes, error) {
	return notify.ParseRoutes(c.ChannelRoutes)
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

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Storage
	if c.DBMaxConns <= 0 || c.DBMaxConns > 500 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 1..500)", c.DBMaxConns))
	}
	if c.DBSlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY %s (must not be negative)", c.DBSlowQuery))
	}
	if c.DatabaseURL == "" && c.RedisURL != "" && c.RedisPrefix == "" {
		errs = append(errs, errors.New("REDIS_PREFIX is required with REDIS_URL"))
	}

	// SLA windows must shrink as severity grows
	if err := c.SLA().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("invalid SLA: %w", err))
	}

	if c.SourceRetention <= 0 {
		errs = append(errs, fmt.Errorf("invalid SOURCE_RETENTION %s (must be positive)", c.SourceRetention))
	}
	if c.MaxSources <= 0 || c.MaxSources > 10000 {
		errs = append(errs, fmt.Errorf("invalid MAX_SOURCES %d (must be 1..10000)", c.MaxSources))
	}

	// Scheduler
	if c.SchedulerInterval < time.Second {
		errs = append(errs, fmt.Errorf("invalid SCHEDULER_INTERVAL %s (must be at least 1s)", c.SchedulerInterval))
	}
	if c.SchedulerConcurrency <= 0 || c.SchedulerConcurrency > 256 {
		errs = append(errs, fmt.Errorf("invalid SCHEDULER_CONCURRENCY %d (must be 1..256)", c.SchedulerConcurrency))
	}
	if c.SchedulerBatch <= 0 || c.SchedulerBatch > 10000 {
		errs = append(errs, fmt.Errorf("invalid SCHEDULER_BATCH %d (must be 1..10000)", c.SchedulerBatch))
	}

	// Notifications
	if c.NotifyMaxAttempts <= 0 || c.NotifyMaxAttempts > 20 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_MAX_ATTEMPTS %d (must be 1..20)", c.NotifyMaxAttempts))
	}
	if c.NotifyInitialBackoff <= 0 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_INITIAL_BACKOFF %s (must be positive)", c.NotifyInitialBackoff))
	}
	if c.NotifyMaxBackoff < c.NotifyInitialBackoff {
		errs = append(errs, fmt.Errorf("NOTIFY_MAX_BACKOFF %s must not be less than NOTIFY_INITIAL_BACKOFF %s", c.NotifyMaxBackoff, c.NotifyInitialBackoff))
	}
	if c.NotifyAttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_ATTEMPT_TIMEOUT %s (must be positive)", c.NotifyAttemptTimeout))
	}
	if _, err := c.Routes(); err != nil {
		errs = append(errs, fmt.Errorf("invalid CHANNEL_ROUTES: %w", err))
	}
	if c.BreakerFailures <= 0 {
		errs = append(errs, fmt.Errorf("invalid BREAKER_FAILURES %d (must be positive)", c.BreakerFailures))
	}
	if c.BreakerOpenFor <= 0 {
		errs = append(errs, fmt.Errorf("invalid BREAKER_OPEN_FOR %s (must be positive)", c.BreakerOpenFor))
	}
	for name, raw := range map[string]string{"SLACK_WEBHOOK_URL": c.SlackWebhookURL, "PAGER_WEBHOOK_URL": c.PagerWebhookURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid %s (must be an http(s) URL)", name))
		}
	}

	// API tokens are required and must differ so roles stay distinct
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}
	if c.DetectorToken == "" {
		errs = append(errs, errors.New("DETECTOR_TOKEN is required"))
	}
	if c.APIToken != "" && c.APIToken == c.DetectorToken {
		errs = append(errs, errors.New("API_TOKEN and DETECTOR_TOKEN must differ"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
