// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for mailpipe.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// unlimited mirrors the quota sentinel for "no limit".
const unlimited = -1

// Config holds the complete application configuration.
type Config struct {
	// Provider selects the delivery backend: ses, graph, gmail or stdout.
	// Empty means auto-detect.
	Provider string `yaml:"provider" validate:"omitempty,oneof=ses graph gmail stdout"`

	SMTP      SMTPConfig      `yaml:"smtp"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	Gmail     GmailConfig     `yaml:"gmail"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
	Queue     QueueConfig     `yaml:"queue"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Quota     QuotaConfig     `yaml:"quota"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Relay     RelayConfig     `yaml:"relay"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
}

// SMTPConfig holds the submission listener configuration.
type SMTPConfig struct {
	Listen         string        `yaml:"listen" validate:"required"`
	Hostname       string        `yaml:"hostname"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	MaxMessageSize int64         `yaml:"max_message_size" validate:"gt=0"`
	MaxRecipients  int           `yaml:"max_recipients" validate:"gte=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" validate:"gt=0"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	Sender           string `yaml:"sender" validate:"omitempty,email"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID        string        `yaml:"tenant_id"`
	ClientID        string        `yaml:"client_id"`
	ClientSecret    string        `yaml:"client_secret"`
	Sender          string        `yaml:"sender" validate:"omitempty,email"`
	SaveToSentItems bool          `yaml:"save_to_sent_items"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
}

// GmailConfig holds Gmail API configuration.
type GmailConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
	Subject         string `yaml:"subject"`
	Sender          string `yaml:"sender" validate:"omitempty,email"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Disabled bool   `yaml:"disabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// QueueConfig holds queue and worker settings.
type QueueConfig struct {
	MaxSize             int             `yaml:"max_size" validate:"gte=0"`
	MaxRetries          int             `yaml:"max_retries" validate:"gte=0"`
	RetryDelays         []time.Duration `yaml:"retry_delays" validate:"dive,gt=0"`
	MaxDelay            time.Duration   `yaml:"max_delay" validate:"gt=0"`
	Workers             int             `yaml:"workers" validate:"min=1"`
	PollInterval        time.Duration   `yaml:"poll_interval" validate:"gt=0"`
	MaintenanceInterval time.Duration   `yaml:"maintenance_interval" validate:"gt=0"`
}

// RateLimitConfig holds the rate limit backend and the rules per scope.
// A scope without rules is not limited.
type RateLimitConfig struct {
	Backend   string       `yaml:"backend" validate:"oneof=memory redis"`
	Redis     RedisConfig  `yaml:"redis"`
	Sender    []RuleConfig `yaml:"sender" validate:"dive"`
	Recipient []RuleConfig `yaml:"recipient" validate:"dive"`
	Global    []RuleConfig `yaml:"global" validate:"dive"`
}

// RedisConfig holds the connection settings of the shared rate limit store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// RuleConfig is one rate limit rule. Zero bounds are unbounded.
type RuleConfig struct {
	Window         time.Duration `yaml:"window" validate:"gt=0"`
	Precision      time.Duration `yaml:"precision" validate:"gte=0,ltefield=Window"`
	MaxCount       int64         `yaml:"max_count" validate:"gte=0"`
	MaxRecipients  int64         `yaml:"max_recipients" validate:"gte=0"`
	MaxMessageSize int64         `yaml:"max_message_size" validate:"gte=0"`
	MaxTotalSize   int64         `yaml:"max_total_size" validate:"gte=0"`
}

// QuotaConfig holds the default spool quota per sender. -1 is unlimited.
type QuotaConfig struct {
	MaxBytes      int64 `yaml:"max_bytes" validate:"gte=-1"`
	MaxCount      int64 `yaml:"max_count" validate:"gte=-1"`
	WarnThreshold int   `yaml:"warn_threshold" validate:"min=1,max=100"`
}

// BreakerConfig holds the circuit breaker settings applied per provider.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"min=1"`
	SuccessThreshold int           `yaml:"success_threshold" validate:"min=1"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" validate:"gt=0"`
}

// RelayConfig holds the relay policy.
type RelayConfig struct {
	Enabled      bool     `yaml:"enabled"`
	LocalDomains []string `yaml:"local_domains" validate:"dive,hostname_rfc1123"`
}

// StorageConfig holds the persistence location. An empty path keeps state
// in memory only.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig holds the Prometheus endpoint settings. An empty listen
// address disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path" validate:"startswith=/"`
}

// ThrottleConfig paces provider calls. A zero rate is unpaced.
type ThrottleConfig struct {
	Rate  float64 `yaml:"rate" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"min=1"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate checks field constraints and the credentials required by the
// selected provider.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	var problems []string
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		for _, fe := range verrs {
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			problems = append(problems, fmt.Sprintf("%s: failed %q", field, fe.Tag()))
		}
	}

	switch c.Provider {
	case "ses":
		if !c.SESConfigured() {
			problems = append(problems, "ses: region and sender are required")
		}
	case "graph":
		if !c.GraphConfigured() {
			problems = append(problems, "graph: tenant_id, client_id, client_secret and sender are required")
		}
	case "gmail":
		if !c.GmailConfigured() {
			problems = append(problems, "gmail: credentials_file and sender are required")
		}
	}
	if c.RateLimit.Backend == "redis" && c.RateLimit.Redis.Addr == "" {
		problems = append(problems, "ratelimit.redis.addr: required for the redis backend")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		problems = append(problems, "tls: cert_file and key_file must be set together")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the SES region and sender are set. Keys
// are optional and fall back to the default AWS credential chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// GmailConfigured returns true if Gmail credentials and sender are set.
func (c *Config) GmailConfigured() bool {
	return c.Gmail.CredentialsFile != "" && c.Gmail.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 100
	c.SMTP.IdleTimeout = 60 * time.Second

	c.Graph.Timeout = 30 * time.Second

	c.Logging.Level = "info"

	c.Queue.MaxSize = 10000
	c.Queue.MaxRetries = 5
	c.Queue.RetryDelays = []time.Duration{
		time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute, time.Hour,
	}
	c.Queue.MaxDelay = 4 * time.Hour
	c.Queue.Workers = 4
	c.Queue.PollInterval = time.Second
	c.Queue.MaintenanceInterval = 30 * time.Second

	c.RateLimit.Backend = "memory"
	c.RateLimit.Redis.Prefix = "mailpipe:rl:"

	c.Quota.MaxBytes = unlimited
	c.Quota.MaxCount = unlimited
	c.Quota.WarnThreshold = 80

	c.Breaker.FailureThreshold = 5
	c.Breaker.SuccessThreshold = 2
	c.Breaker.Timeout = 60 * time.Second
	c.Breaker.ResetTimeout = 2 * time.Minute

	c.Metrics.Path = "/metrics"

	c.Throttle.Burst = 1
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that fail to parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	envString("SMTP_LISTEN", &c.SMTP.Listen)
	envString("SMTP_HOSTNAME", &c.SMTP.Hostname)
	envString("SMTP_USERNAME", &c.SMTP.Username)
	envString("SMTP_PASSWORD", &c.SMTP.Password)
	envInt64("SMTP_MAX_MESSAGE_SIZE", &c.SMTP.MaxMessageSize)
	envInt("SMTP_MAX_RECIPIENTS", &c.SMTP.MaxRecipients)
	envDuration("SMTP_IDLE_TIMEOUT", &c.SMTP.IdleTimeout)

	envString("SES_REGION", &c.SES.Region)
	envString("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	envString("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	envString("SES_SENDER", &c.SES.Sender)
	envString("SES_CONFIGURATION_SET", &c.SES.ConfigurationSet)

	envString("GRAPH_TENANT_ID", &c.Graph.TenantID)
	envString("GRAPH_CLIENT_ID", &c.Graph.ClientID)
	envString("GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret)
	envString("GRAPH_SENDER", &c.Graph.Sender)
	envBool("GRAPH_SAVE_TO_SENT_ITEMS", &c.Graph.SaveToSentItems)

	envString("GMAIL_CREDENTIALS_FILE", &c.Gmail.CredentialsFile)
	envString("GMAIL_TOKEN_FILE", &c.Gmail.TokenFile)
	envString("GMAIL_SUBJECT", &c.Gmail.Subject)
	envString("GMAIL_SENDER", &c.Gmail.Sender)

	envString("TLS_CERT_FILE", &c.TLS.CertFile)
	envString("TLS_KEY_FILE", &c.TLS.KeyFile)
	envBool("TLS_DISABLED", &c.TLS.Disabled)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	envInt("QUEUE_MAX_SIZE", &c.Queue.MaxSize)
	envInt("QUEUE_MAX_RETRIES", &c.Queue.MaxRetries)
	envInt("QUEUE_WORKERS", &c.Queue.Workers)
	envDuration("QUEUE_POLL_INTERVAL", &c.Queue.PollInterval)

	if v := os.Getenv("RATELIMIT_BACKEND"); v != "" {
		c.RateLimit.Backend = strings.ToLower(v)
	}
	envString("REDIS_ADDR", &c.RateLimit.Redis.Addr)
	envString("REDIS_PASSWORD", &c.RateLimit.Redis.Password)
	envInt("REDIS_DB", &c.RateLimit.Redis.DB)
	envRule("RATELIMIT_SENDER_PER_HOUR", time.Hour, &c.RateLimit.Sender)
	envRule("RATELIMIT_RECIPIENT_PER_HOUR", time.Hour, &c.RateLimit.Recipient)
	envRule("RATELIMIT_GLOBAL_PER_MINUTE", time.Minute, &c.RateLimit.Global)

	envInt64("QUOTA_MAX_BYTES", &c.Quota.MaxBytes)
	envInt64("QUOTA_MAX_COUNT", &c.Quota.MaxCount)

	envInt("BREAKER_FAILURE_THRESHOLD", &c.Breaker.FailureThreshold)
	envDuration("BREAKER_TIMEOUT", &c.Breaker.Timeout)

	envBool("RELAY_ENABLED", &c.Relay.Enabled)
	if v := os.Getenv("RELAY_LOCAL_DOMAINS"); v != "" {
		c.Relay.LocalDomains = splitList(v)
	}

	envString("STORAGE_PATH", &c.Storage.Path)
	envString("METRICS_LISTEN", &c.Metrics.Listen)

	if v := os.Getenv("THROTTLE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.Throttle.Rate = rate
		}
	}
	envInt("THROTTLE_BURST", &c.Throttle.Burst)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// envRule replaces the rules of a scope with a single count rule over
// window, sliding in sixty buckets.
func envRule(name string, window time.Duration, dst *[]RuleConfig) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return
	}
	*dst = []RuleConfig{{Window: window, Precision: window / 60, MaxCount: n}}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, strings.ToLower(item))
		}
	}
	return out
}
