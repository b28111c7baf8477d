// Package config provides configuration management for the sale
// coordination service.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Log           LogConfig           `mapstructure:"log"`
	River         RiverConfig         `mapstructure:"river"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Saga          SagaConfig          `mapstructure:"saga"`
	Compensation  CompensationConfig  `mapstructure:"compensation"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators"`
	Retention     RetentionConfig     `mapstructure:"retention"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL connection settings. All components
// share one pgx pool (event store, saga stores, River).
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	ReplayPoolSize  int `mapstructure:"replay_pool_size"`
}

// SagaConfig contains orchestrated and choreographed saga settings.
type SagaConfig struct {
	// StepTimeout bounds each collaborator call.
	StepTimeout time.Duration `mapstructure:"step_timeout"`

	// ExecutionTimeout is the non-terminal staleness threshold used by
	// the timeout sweep: sagas idle longer than this are forced to fail.
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`

	// ChoreographyTimeout is the default timeout_at horizon for
	// choreographed sagas.
	ChoreographyTimeout time.Duration `mapstructure:"choreography_timeout"`

	// TimeoutSweepInterval is how often the timeout sweeps run.
	TimeoutSweepInterval time.Duration `mapstructure:"timeout_sweep_interval"`

	// TransitionRetries bounds optimistic retry loops on version conflicts.
	TransitionRetries int `mapstructure:"transition_retries"`

	// ReservationTTL is the stock reservation expiry horizon.
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
}

// CompensationEndpoint maps one forward step to its undo call.
type CompensationEndpoint struct {
	StepName    string `mapstructure:"step_name"`
	ServiceName string `mapstructure:"service_name"`
	Endpoint    string `mapstructure:"endpoint"`
}

// CompensationConfig contains the compensation coordinator settings.
// The endpoint registry is injected here rather than hidden in a static
// map so deployments can swap it.
type CompensationConfig struct {
	MaxRetries      int                    `mapstructure:"max_retries"`
	RetryDelay      time.Duration          `mapstructure:"retry_delay"`
	ProcessInterval time.Duration          `mapstructure:"process_interval"`
	ClaimStaleAfter time.Duration          `mapstructure:"claim_stale_after"`
	Endpoints       []CompensationEndpoint `mapstructure:"endpoints"`
}

// DefaultCompensationEndpoints returns the built-in sale flow registry.
func DefaultCompensationEndpoints() []CompensationEndpoint {
	return []CompensationEndpoint{
		{StepName: "InventoryReserved", ServiceName: "inventory-service", Endpoint: "/api/inventory/release"},
		{StepName: "StockReserved", ServiceName: "inventory-service", Endpoint: "/api/stock/release"},
		{StepName: "PaymentProcessed", ServiceName: "payment-service", Endpoint: "/api/payment/refund"},
		{StepName: "PaymentAuthorized", ServiceName: "payment-service", Endpoint: "/api/payment/cancel-authorization"},
		{StepName: "OrderCreated", ServiceName: "store-service", Endpoint: "/api/orders/cancel"},
	}
}

// CollaboratorsConfig contains downstream service endpoints and the shared
// call timeout. Base URLs are keyed by logical service name.
type CollaboratorsConfig struct {
	InventoryURL string        `mapstructure:"inventory_url"`
	PaymentURL   string        `mapstructure:"payment_url"`
	StoreURL     string        `mapstructure:"store_url"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
}

// BaseURL resolves a logical service name to its base URL.
func (c CollaboratorsConfig) BaseURL(serviceName string) (string, bool) {
	switch serviceName {
	case "inventory-service":
		return c.InventoryURL, c.InventoryURL != ""
	case "payment-service":
		return c.PaymentURL, c.PaymentURL != ""
	case "store-service":
		return c.StoreURL, c.StoreURL != ""
	}
	return "", false
}

// RetentionConfig controls cleanup of old terminal records.
type RetentionConfig struct {
	Window        time.Duration `mapstructure:"window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Load reads configuration from file and environment variables.
// Standard environment variables without prefix (DATABASE_URL, SERVER_PORT, etc.).
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/salecoord")

	// Environment variable override.
	// No prefix: uses standard names like DATABASE_URL, SERVER_PORT, LOG_LEVEL.
	// Maps nested config: database.max_conns → DATABASE_MAX_CONNS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Compensation.Endpoints) == 0 {
		cfg.Compensation.Endpoints = DefaultCompensationEndpoints()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Compensation.MaxRetries < 1 {
		return fmt.Errorf("compensation.max_retries must be at least 1")
	}
	if c.Compensation.RetryDelay <= 0 {
		return fmt.Errorf("compensation.retry_delay must be positive")
	}
	if c.Saga.TransitionRetries < 1 {
		return fmt.Errorf("saga.transition_retries must be at least 1")
	}
	for _, ep := range c.Compensation.Endpoints {
		if ep.StepName == "" || ep.ServiceName == "" || ep.Endpoint == "" {
			return fmt.Errorf("compensation.endpoints entries need step_name, service_name and endpoint")
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database (shared pool)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "salecoord")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "salecoord")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker pool
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.replay_pool_size", 10)

	// Saga
	v.SetDefault("saga.step_timeout", "10s")
	v.SetDefault("saga.execution_timeout", "5m")
	v.SetDefault("saga.choreography_timeout", "10m")
	v.SetDefault("saga.timeout_sweep_interval", "30s")
	v.SetDefault("saga.transition_retries", 3)
	v.SetDefault("saga.reservation_ttl", "15m")

	// Compensation
	v.SetDefault("compensation.max_retries", 3)
	v.SetDefault("compensation.retry_delay", "1m")
	v.SetDefault("compensation.process_interval", "15s")
	v.SetDefault("compensation.claim_stale_after", "5m")

	// Collaborators
	v.SetDefault("collaborators.inventory_url", "http://localhost:8081")
	v.SetDefault("collaborators.payment_url", "http://localhost:8082")
	v.SetDefault("collaborators.store_url", "http://localhost:8083")
	v.SetDefault("collaborators.call_timeout", "10s")

	// Retention
	v.SetDefault("retention.window", "720h")
	v.SetDefault("retention.sweep_interval", "24h")
}
