package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Config holds the application-level settings that are not owned by a
// go-core package.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	EnableAPI             bool
	APITokens             string
	Input                 string
	SettingsFile          string
	IgnoreCapcodes        string
	KeepaliveInterval     int
	KeepaliveMaxMissed    int
	DatabaseURL           string
	DBSlowQueryMillis     int
	KafkaBrokers          string
	KafkaTopicPrefix      string
	PublishKeepalives     bool
	StoreKeepalives       bool
	SlackWebhookURL       string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 10, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 30, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.BoolVar(&c.EnableAPI, "enable-api", false, "serve the incident API")
	fs.StringVar(&c.APITokens, "api-token", "", "comma-separated bearer tokens accepted by the API (required with -enable-api)")
	fs.StringVar(&c.Input, "input", "-", "capture line source: - for stdin or a file path")
	fs.StringVar(&c.SettingsFile, "settings-file", "", "optional YAML file with defaults for flags not set on the command line or environment")
	fs.StringVar(&c.IgnoreCapcodes, "ignore-capcodes", "", "comma-separated capcodes to skip")
	fs.IntVar(&c.KeepaliveInterval, "keepalive-interval-seconds", 120, "expected seconds between pager keepalives")
	fs.IntVar(&c.KeepaliveMaxMissed, "keepalive-max-missed", 3, "missed keepalive intervals before the feed is declared lost")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBSlowQueryMillis, "db-slow-query-ms", 0, "only log successful queries slower than this (0 = log all)")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka seed brokers (empty = no publishing)")
	fs.StringVar(&c.KafkaTopicPrefix, "kafka-topic-prefix", "capcode.pages", "topic prefix for published records")
	fs.BoolVar(&c.PublishKeepalives, "publish-keepalives", true, "publish keepalive records")
	fs.BoolVar(&c.StoreKeepalives, "store-keepalives", false, "store keepalive records")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
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

	// An exposed API without a token would accept anything
	if c.EnableAPI && len(c.Tokens()) == 0 {
		errs = append(errs, errors.New("API_TOKEN is required when ENABLE_API is set"))
	}

	if strings.TrimSpace(c.Input) == "" {
		errs = append(errs, errors.New("INPUT is required (- for stdin)"))
	}

	if c.KeepaliveInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid KEEPALIVE_INTERVAL_SECONDS %d (must be > 0)", c.KeepaliveInterval))
	}
	if c.KeepaliveMaxMissed < 0 {
		errs = append(errs, fmt.Errorf("invalid KEEPALIVE_MAX_MISSED %d (must be >= 0)", c.KeepaliveMaxMissed))
	}

	if c.DBSlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.DBSlowQueryMillis))
	}

	if len(c.Brokers()) > 0 && strings.Trim(c.KafkaTopicPrefix, ". ") == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC_PREFIX is required when KAFKA_BROKERS is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Tokens returns the configured API tokens.
func (c *Config) Tokens() []string { return splitCSV(c.APITokens) }

// Ignored returns the configured ignore list.
func (c *Config) Ignored() []string { return splitCSV(c.IgnoreCapcodes) }

// Brokers returns the configured Kafka seed brokers.
func (c *Config) Brokers() []string { return splitCSV(c.KafkaBrokers) }

func splitCSV(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
