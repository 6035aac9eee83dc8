// Package config loads service configuration from defaults, an optional YAML
// file and CONCLAV_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load.
// Nested keys are separated by a double underscore:
// CONCLAV_EMAIL__RESEND__API_KEY sets email.resend.api_key.
const EnvPrefix = "CONCLAV_"

// Transport names.
const (
	TransportResend = "resend"
	TransportSMTP   = "smtp"
)

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"cors.allowed_origins": true,
	"cors.allowed_headers": true,
	"auth.allowed_roles":   true,
}

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Redis       RedisConfig       `koanf:"redis"`
	Log         LogConfig         `koanf:"log"`
	Auth        AuthConfig        `koanf:"auth"`
	CORS        CORSConfig        `koanf:"cors"`
	App         AppConfig         `koanf:"app"`
	Email       EmailConfig       `koanf:"email"`
	Attachments AttachmentsConfig `koanf:"attachments"`
	Dispatch    DispatchConfig    `koanf:"dispatch"`
	Retry       RetryConfig       `koanf:"retry"`
	Worker      WorkerConfig      `koanf:"worker"`
	Alerts      AlertsConfig      `koanf:"alerts"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	// RunTimeout bounds a dispatch run triggered over HTTP.
	RunTimeout time.Duration `koanf:"run_timeout" validate:"gt=0"`
	// TriggerRate is the allowed dispatch triggers per second. Zero disables the limit.
	TriggerRate float64 `koanf:"trigger_rate" validate:"gte=0"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
}

// RedisConfig contains the invocation lock store. An empty URL disables the
// cross-process lock.
type RedisConfig struct {
	URL string `koanf:"url"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// AuthConfig protects the dispatch trigger. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret    string   `koanf:"jwt_secret"`
	Issuer       string   `koanf:"issuer"`
	AllowedRoles []string `koanf:"allowed_roles"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
	AllowedHeaders []string `koanf:"allowed_headers"`
}

// AppConfig contains settings of the web application the emails link to.
type AppConfig struct {
	BaseURL string `koanf:"base_url" validate:"required,url"`
}

// EmailConfig selects and configures the email transport.
type EmailConfig struct {
	Transport string        `koanf:"transport" validate:"oneof=resend smtp"`
	From      string        `koanf:"from" validate:"required"`
	Resend    ResendConfig  `koanf:"resend"`
	SMTP      SMTPConfig    `koanf:"smtp"`
	Breaker   BreakerConfig `koanf:"breaker"`
}

// ResendConfig contains Resend API settings.
type ResendConfig struct {
	APIKey  string        `koanf:"api_key"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// SMTPConfig contains SMTP relay settings.
type SMTPConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	User       string `koanf:"user"`
	Password   string `koanf:"password"`
	DisableTLS bool   `koanf:"disable_tls"`
}

// BreakerConfig contains transport circuit breaker settings.
type BreakerConfig struct {
	Enabled             bool          `koanf:"enabled"`
	ConsecutiveFailures uint32        `koanf:"consecutive_failures"`
	OpenTimeout         time.Duration `koanf:"open_timeout"`
	HalfOpenRequests    uint32        `koanf:"half_open_requests"`
}

// AttachmentsConfig contains attachment object storage settings.
type AttachmentsConfig struct {
	Minio MinioConfig `koanf:"minio"`
}

// MinioConfig contains S3-compatible storage settings.
type MinioConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// DispatchConfig contains batching settings.
type DispatchConfig struct {
	BatchSize int           `koanf:"batch_size" validate:"gte=1"`
	SendDelay time.Duration `koanf:"send_delay" validate:"gte=0"`
	Retention time.Duration `koanf:"retention" validate:"gt=0"`
	LeaseTTL  time.Duration `koanf:"lease_ttl" validate:"gt=0"`
	LockKey   string        `koanf:"lock_key" validate:"required"`
	LockTTL   time.Duration `koanf:"lock_ttl" validate:"gt=0"`
}

// RetryConfig contains failed group retry settings.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts" validate:"gte=1"`
	InitialBackoff    time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `koanf:"max_backoff" validate:"gt=0"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" validate:"gte=1"`
}

// WorkerConfig contains the in-process scheduler settings.
type WorkerConfig struct {
	Enabled      bool          `koanf:"enabled"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
}

// AlertsConfig contains failed-run alerting. An empty webhook disables alerts.
type AlertsConfig struct {
	MattermostWebhookURL string `koanf:"mattermost_webhook_url"`
	MattermostChannel    string `koanf:"mattermost_channel"`
}

// Default returns the configuration used for keys that are not set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      5 * time.Minute,
			IdleTimeout:       60 * time.Second,
			RunTimeout:        4 * time.Minute,
			TriggerRate:       1,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
			ConnectAttempts: 5,
			ConnectTimeout:  30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			AllowedRoles: []string{"service_role"},
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Email: EmailConfig{
			Transport: TransportResend,
			Resend: ResendConfig{
				Timeout: 30 * time.Second,
			},
			SMTP: SMTPConfig{
				Port: 587,
			},
			Breaker: BreakerConfig{
				Enabled:             true,
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
				HalfOpenRequests:    1,
			},
		},
		Attachments: AttachmentsConfig{
			Minio: MinioConfig{
				Bucket: "notification-attachments",
				UseSSL: true,
			},
		},
		Dispatch: DispatchConfig{
			BatchSize: 50,
			SendDelay: 600 * time.Millisecond,
			Retention: 7 * 24 * time.Hour,
			LeaseTTL:  5 * time.Minute,
			LockKey:   "conclav:notify:dispatch",
			LockTTL:   10 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:       1,
			InitialBackoff:    time.Minute,
			MaxBackoff:        time.Hour,
			BackoffMultiplier: 2,
		},
		Worker: WorkerConfig{
			Enabled:      false,
			PollInterval: time.Minute,
		},
	}
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment are used. A .env file in the working directory is
// loaded into the environment first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKeyValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKeyValue maps CONCLAV_EMAIL__RESEND__API_KEY to email.resend.api_key.
func envKeyValue(key, value string) (string, interface{}) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")

	if listKeys[key] {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return key, items
	}
	return key, value
}

// Validate checks field constraints and rules that span several sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Email.Transport {
	case TransportResend:
		if c.Email.Resend.APIKey == "" {
			return errors.New("invalid config: email.resend.api_key is required for the resend transport")
		}
	case TransportSMTP:
		if c.Email.SMTP.Host == "" {
			return errors.New("invalid config: email.smtp.host is required for the smtp transport")
		}
	}

	if c.Attachments.Minio.Enabled && (c.Attachments.Minio.Endpoint == "" || c.Attachments.Minio.Bucket == "") {
		return errors.New("invalid config: attachments.minio.endpoint and bucket are required when minio is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.AllowedRoles) == 0 {
		return errors.New("invalid config: auth.allowed_roles must not be empty when auth is enabled")
	}

	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return errors.New("invalid config: retry.max_backoff must not be less than retry.initial_backoff")
	}

	return nil
}
