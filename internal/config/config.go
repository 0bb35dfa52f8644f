// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the ingestion service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// ErrConfiguration marks every configuration failure. The process must not
// start serving when Validate returns it.
var ErrConfiguration = errors.New("invalid configuration")

// Config holds the complete application configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Signature SignatureConfig `yaml:"signature"`
	Retention RetentionConfig `yaml:"retention"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Database  DatabaseConfig  `yaml:"database"`
	Blob      BlobConfig      `yaml:"blob"`
	Events    EventsConfig    `yaml:"events"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HTTPConfig holds the inbound callback listener settings.
type HTTPConfig struct {
	Listen      string `yaml:"listen" validate:"required"`
	MaxBodySize int64  `yaml:"max_body_size" validate:"gt=0"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen" validate:"required_if=Enabled true"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size" validate:"gt=0"`
}

// SignatureConfig selects the shared HMAC secret. Secret wins over
// SecretFile when both are set.
type SignatureConfig struct {
	Secret     string `yaml:"secret"`
	SecretFile string `yaml:"secret_file"`
	Header     string `yaml:"header" validate:"required"`
}

// RetentionConfig controls the retention sweeper.
type RetentionConfig struct {
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepTimeout  time.Duration `yaml:"sweep_timeout"`
}

// IngestConfig holds pipeline policy.
type IngestConfig struct {
	RejectPermanentFailures bool `yaml:"reject_permanent_failures"`
}

// DatabaseConfig selects the metadata store.
type DatabaseConfig struct {
	Driver  string `yaml:"driver" validate:"oneof=postgres memory"`
	DSN     string `yaml:"dsn" validate:"required_if=Driver postgres"`
	Migrate bool   `yaml:"migrate"`
}

// BlobConfig selects the attachment payload store.
type BlobConfig struct {
	Backend         string `yaml:"backend" validate:"oneof=fs s3 memory"`
	Dir             string `yaml:"dir" validate:"required_if=Backend fs"`
	Bucket          string `yaml:"bucket" validate:"required_if=Backend s3"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// EventsConfig selects the stored-message notifier.
type EventsConfig struct {
	Driver     string `yaml:"driver" validate:"oneof=none stdout amqp"`
	URL        string `yaml:"url" validate:"required_if=Driver amqp"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is imported first; variables that
// are already set win.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	loadDotEnv()

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
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration. Every returned error wraps
// ErrConfiguration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	var errs []error
	if c.Signature.Secret == "" && c.Signature.SecretFile == "" {
		errs = append(errs, errors.New("signature.secret or signature.secret_file is required"))
	}
	if c.Retention.Window <= 0 {
		errs = append(errs, errors.New("retention.window must be positive"))
	}
	if c.Retention.SweepInterval <= 0 {
		errs = append(errs, errors.New("retention.sweep_interval must be positive"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// loadDotEnv imports .env when present. A missing file is not an error.
func loadDotEnv() {
	_ = godotenv.Load()
}

// applyDefaults sets sensible default values for all configuration fields.
// retention.window has no default.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":8080"
	c.HTTP.MaxBodySize = defaultMaxMessageSize

	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize

	c.Signature.Header = "X-Signature"

	c.Retention.SweepInterval = 10 * time.Minute
	c.Retention.SweepTimeout = 2 * time.Minute

	c.Ingest.RejectPermanentFailures = true

	c.Database.Driver = "memory"
	c.Database.Migrate = true

	c.Blob.Backend = "fs"
	c.Blob.Dir = "./data/blobs"

	c.Events.Driver = "none"
	c.Events.Exchange = "mail"
	c.Events.RoutingKey = "message.stored"

	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	var errs []error

	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	lower := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = strings.ToLower(v)
		}
	}
	integer := func(name string, dst *int64) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str("HTTP_LISTEN", &c.HTTP.Listen)
	integer("HTTP_MAX_BODY_SIZE", &c.HTTP.MaxBodySize)

	boolean("SMTP_ENABLED", &c.SMTP.Enabled)
	str("SMTP_LISTEN", &c.SMTP.Listen)
	str("SMTP_HOSTNAME", &c.SMTP.Hostname)
	str("SMTP_USERNAME", &c.SMTP.Username)
	str("SMTP_PASSWORD", &c.SMTP.Password)
	integer("SMTP_MAX_MESSAGE_SIZE", &c.SMTP.MaxMessageSize)

	str("SIGNATURE_SECRET", &c.Signature.Secret)
	str("SIGNATURE_SECRET_FILE", &c.Signature.SecretFile)
	str("SIGNATURE_HEADER", &c.Signature.Header)

	duration("RETENTION_WINDOW", &c.Retention.Window)
	duration("RETENTION_SWEEP_INTERVAL", &c.Retention.SweepInterval)
	duration("RETENTION_SWEEP_TIMEOUT", &c.Retention.SweepTimeout)

	boolean("INGEST_REJECT_PERMANENT_FAILURES", &c.Ingest.RejectPermanentFailures)

	lower("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_DSN", &c.Database.DSN)
	boolean("DATABASE_MIGRATE", &c.Database.Migrate)

	lower("BLOB_BACKEND", &c.Blob.Backend)
	str("BLOB_DIR", &c.Blob.Dir)
	str("S3_BUCKET", &c.Blob.Bucket)
	str("S3_PREFIX", &c.Blob.Prefix)
	str("S3_REGION", &c.Blob.Region)
	str("S3_ENDPOINT", &c.Blob.Endpoint)
	str("S3_ACCESS_KEY_ID", &c.Blob.AccessKeyID)
	str("S3_SECRET_ACCESS_KEY", &c.Blob.SecretAccessKey)
	boolean("S3_USE_PATH_STYLE", &c.Blob.UsePathStyle)

	lower("EVENTS_DRIVER", &c.Events.Driver)
	str("AMQP_URL", &c.Events.URL)
	str("AMQP_EXCHANGE", &c.Events.Exchange)
	str("AMQP_ROUTING_KEY", &c.Events.RoutingKey)

	str("TLS_CERT_FILE", &c.TLS.CertFile)
	str("TLS_KEY_FILE", &c.TLS.KeyFile)

	lower("LOG_LEVEL", &c.Logging.Level)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
	}
	return nil
}
