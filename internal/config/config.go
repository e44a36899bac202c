package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
	Logger    Logger    `mapstructure:"logger"`
	Security  Security  `mapstructure:"security"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
	Broker    Broker    `mapstructure:"broker"`
	Dispatch  Dispatch  `mapstructure:"dispatch"`
	Reconcile Reconcile `mapstructure:"reconcile"`
	Audit     Audit     `mapstructure:"audit"`
	Alert     Alert     `mapstructure:"alert"`
}

// Server holds the configuration for the HTTP API.
type Server struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	TrustedProxies    []string      `mapstructure:"trusted_proxies"`
}

// Database holds the configuration for the database.
type Database struct {
	Driver       string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Security holds secrets used to protect API keys at rest.
type Security struct {
	APIKeyPepper string `mapstructure:"api_key_pepper"`
}

// RateLimit configures the per-client inbound limiter.
type RateLimit struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// Broker selects and configures the broker adapters.
type Broker struct {
	Default string `mapstructure:"default"`
	Paper   Paper  `mapstructure:"paper"`
	Rest    Rest   `mapstructure:"rest"`
}

// Paper configures the in-process simulated broker.
type Paper struct {
	Enabled         bool          `mapstructure:"enabled"`
	Latency         time.Duration `mapstructure:"latency"`
	FillMarket      bool          `mapstructure:"fill_market"`
	AvailableCash   string        `mapstructure:"available_cash"`
	UsedMargin      string        `mapstructure:"used_margin"`
	TotalCollateral string        `mapstructure:"total_collateral"`
}

// Rest configures the signed REST broker adapter.
type Rest struct {
	Enabled        bool           `mapstructure:"enabled"`
	Name           string         `mapstructure:"name"`
	BaseURL        string         `mapstructure:"base_url"`
	ApiKey         string         `mapstructure:"api_key"`
	SecretKey      string         `mapstructure:"secret_key"`
	RateLimit      float64        `mapstructure:"rate_limit"`
	RateLimitBurst int            `mapstructure:"rate_limit_burst"`
	MaxRetries     int            `mapstructure:"max_retries"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
}

// CircuitBreaker configures the breaker guarding outbound broker calls.
type CircuitBreaker struct {
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxFailures uint32        `mapstructure:"max_failures"`
}

// Dispatch configures how accepted orders are handed to the broker.
type Dispatch struct {
	Mode      string        `mapstructure:"mode"` // "async" or "sync"
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Reconcile configures the background reconciliation pass.
type Reconcile struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	SubmittedAfter time.Duration `mapstructure:"submitted_after"`
	PendingAfter   time.Duration `mapstructure:"pending_after"`
	OpenAfter      time.Duration `mapstructure:"open_after"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// Audit configures the audit trail writer.
type Audit struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	PayloadLimit int           `mapstructure:"payload_limit"`
}

// Alert configures where operational alerts are sent.
type Alert struct {
	Kafka Kafka `mapstructure:"kafka"`
}

// Kafka configures the optional Kafka alert sink.
type Kafka struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ErrInsecurePepper is returned when the API key pepper is missing or still a placeholder.
var ErrInsecurePepper = errors.New("api key pepper is not set or uses a placeholder value")

// LoadConfig reads configuration from file or environment variables.
// A .env file in the working directory is loaded first when present.
func LoadConfig(path string) (config Config, err error) {
	if err = godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("security.api_key_pepper", "SECURITY_API_KEY_PEPPER", "API_KEY_PEPPER")
	_ = v.BindEnv("database.dsn", "DATABASE_DSN", "DATABASE_URL")

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}

	err = config.Validate()
	return config, err
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "db/gateway.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("security.api_key_pepper", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 10)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("broker.default", "paper")
	v.SetDefault("broker.paper.enabled", true)
	v.SetDefault("broker.paper.latency", 0)
	v.SetDefault("broker.paper.fill_market", false)
	v.SetDefault("broker.paper.available_cash", "100000.00")
	v.SetDefault("broker.paper.used_margin", "25000.00")
	v.SetDefault("broker.paper.total_collateral", "100000.00")

	v.SetDefault("broker.rest.enabled", false)
	v.SetDefault("broker.rest.name", "rest")
	v.SetDefault("broker.rest.base_url", "")
	v.SetDefault("broker.rest.api_key", "")
	v.SetDefault("broker.rest.secret_key", "")
	v.SetDefault("broker.rest.rate_limit", 20)      // requests per second
	v.SetDefault("broker.rest.rate_limit_burst", 5) // burst size
	v.SetDefault("broker.rest.max_retries", 3)
	v.SetDefault("broker.rest.circuit_breaker.max_requests", 3)
	v.SetDefault("broker.rest.circuit_breaker.interval", 10*time.Second)
	v.SetDefault("broker.rest.circuit_breaker.timeout", 5*time.Second)
	v.SetDefault("broker.rest.circuit_breaker.max_failures", 5)

	v.SetDefault("dispatch.mode", "async")
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.timeout", 5*time.Second)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", 15*time.Second)
	v.SetDefault("reconcile.submitted_after", 30*time.Second)
	v.SetDefault("reconcile.pending_after", time.Minute)
	v.SetDefault("reconcile.open_after", 30*time.Second)
	v.SetDefault("reconcile.batch_size", 100)

	v.SetDefault("audit.timeout", 3*time.Second)
	v.SetDefault("audit.payload_limit", 8192)

	v.SetDefault("alert.kafka.enabled", false)
	v.SetDefault("alert.kafka.brokers", []string{})
	v.SetDefault("alert.kafka.topic", "gateway.alerts")
}

// Validate rejects configurations the gateway must not start with.
func (c Config) Validate() error {
	pepper := strings.TrimSpace(c.Security.APIKeyPepper)
	if pepper == "" || strings.HasPrefix(pepper, "CHANGE_ME") {
		return ErrInsecurePepper
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Dispatch.Mode {
	case "async", "sync":
	default:
		return fmt.Errorf("unsupported dispatch mode %q", c.Dispatch.Mode)
	}
	if c.Dispatch.Timeout <= 0 {
		return errors.New("dispatch.timeout must be positive")
	}
	if c.Broker.Rest.Enabled && c.Broker.Rest.BaseURL == "" {
		return errors.New("broker.rest.base_url is required when the rest broker is enabled")
	}
	if c.Alert.Kafka.Enabled && len(c.Alert.Kafka.Brokers) == 0 {
		return errors.New("alert.kafka.brokers is required when kafka alerts are enabled")
	}
	return nil
}
