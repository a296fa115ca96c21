package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/validq/internal/authmw"
)

// Config holds the application settings not covered by the go-core
// component configs.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string

	DatabaseURL       string
	DBMaxConns        int
	DBSlowQueryMillis int

	RulesFile string

	SlackWebhookURL string

	SMTPHost               string
	SMTPPort               int
	SMTPUser               string
	SMTPPassword           string
	SMTPFrom               string
	SMTPInsecureSkipVerify bool
	CoordinatorEmails      string
	SupervisorEmailDomain  string

	KafkaBrokers string
	KafkaTopic   string

	EmergencyRetryAttempts      int
	EmergencyRetryInitialMillis int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma-separated name=token pairs accepted as bearer tokens")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum PostgreSQL pool connections (1..1000)")
	fs.IntVar(&c.DBSlowQueryMillis, "db-slow-query-ms", 0, "log only queries slower than this many milliseconds (0 = log all)")

	fs.StringVar(&c.RulesFile, "rules-file", "", "YAML escalation rules file (empty = built-in rules)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")

	fs.StringVar(&c.SMTPHost, "smtp-host", "", "SMTP relay host (empty = email disabled)")
	fs.IntVar(&c.SMTPPort, "smtp-port", 587, "SMTP relay port (1..65535)")
	fs.StringVar(&c.SMTPUser, "smtp-user", "", "SMTP username")
	fs.StringVar(&c.SMTPPassword, "smtp-password", "", "SMTP password")
	fs.StringVar(&c.SMTPFrom, "smtp-from", "", "sender address for notification email")
	fs.BoolVar(&c.SMTPInsecureSkipVerify, "smtp-insecure-skip-verify", false, "skip TLS verification for the SMTP relay")
	fs.StringVar(&c.CoordinatorEmails, "coordinator-emails", "", "comma-separated care coordinator addresses")
	fs.StringVar(&c.SupervisorEmailDomain, "supervisor-email-domain", "", "domain appended to supervisor IDs to form addresses")

	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka brokers for the audit trail (empty = log only)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "validq.audit", "Kafka topic for audit events")

	fs.IntVar(&c.EmergencyRetryAttempts, "emergency-retry-attempts", 4, "delivery attempts for emergency notifications (1..10)")
	fs.IntVar(&c.EmergencyRetryInitialMillis, "emergency-retry-initial-ms", 500, "initial backoff between emergency notification attempts (1..10000)")
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

	// At least one caller must be able to authenticate
	if tokens, err := authmw.ParseTokens(c.APITokens); err != nil {
		errs = append(errs, fmt.Errorf("invalid API_TOKENS: %w", err))
	} else if len(tokens) == 0 {
		errs = append(errs, errors.New("API_TOKENS is required"))
	}

	if c.DatabaseURL != "" && (c.DBMaxConns <= 0 || c.DBMaxConns > 1000) {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 1..1000)", c.DBMaxConns))
	}
	if c.DBSlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.DBSlowQueryMillis))
	}

	// SMTP settings only matter once a host is configured
	if c.SMTPHost != "" {
		if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid SMTP_PORT %d (must be 1..65535)", c.SMTPPort))
		}
		if c.SMTPFrom == "" {
			errs = append(errs, errors.New("SMTP_FROM is required when SMTP_HOST is set"))
		}
	}

	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}

	if c.EmergencyRetryAttempts < 1 || c.EmergencyRetryAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid EMERGENCY_RETRY_ATTEMPTS %d (must be 1..10)", c.EmergencyRetryAttempts))
	}
	if c.EmergencyRetryInitialMillis < 1 || c.EmergencyRetryInitialMillis > 10000 {
		errs = append(errs, fmt.Errorf("invalid EMERGENCY_RETRY_INITIAL_MS %d (must be 1..10000)", c.EmergencyRetryInitialMillis))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Tokens parses APITokens. Call after Validate.
func (c *Config) Tokens() authmw.Tokens {
	t, _ := authmw.ParseTokens(c.APITokens)
	return t
}

// CoordinatorEmailList splits CoordinatorEmails.
func (c *Config) CoordinatorEmailList() []string { return splitList(c.CoordinatorEmails) }

// KafkaBrokerList splits KafkaBrokers.
func (c *Config) KafkaBrokerList() []string { return splitList(c.KafkaBrokers) }

// SlowQuery is DBSlowQueryMillis as a duration.
func (c *Config) SlowQuery() time.Duration {
	return time.Duration(c.DBSlowQueryMillis) * time.Millisecond
}

// EmergencyRetryInitial is EmergencyRetryInitialMillis as a duration.
func (c *Config) EmergencyRetryInitial() time.Duration {
	return time.Duration(c.EmergencyRetryInitialMillis) * time.Millisecond
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
