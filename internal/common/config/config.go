package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App       AppConfig               `mapstructure:"app"`
	Server    ServerConfig            `mapstructure:"server"`
	Templates TemplatesConfig         `mapstructure:"templates"`
	Batch     BatchConfig             `mapstructure:"batch"`
	LLM       LLMConfig               `mapstructure:"llm"`
	RateLimit RateLimitConfig         `mapstructure:"rate_limit"`
	Database  DatabaseConfig          `mapstructure:"database"`
	Audit     AuditConfig             `mapstructure:"audit"`
	Camunda   CamundaConfig           `mapstructure:"camunda"`
	Workers   map[string]WorkerConfig `mapstructure:"workers"`
	Logging   LoggingConfig           `mapstructure:"logging"`
	Tracing   TracingConfig           `mapstructure:"tracing"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Transport       string `mapstructure:"transport"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // milliseconds
}

// Address returns the listen address for the HTTP surface.
func (s ServerConfig) Address() string {
	return fmt.Sprintf(":%d", s.Port)
}

type TemplatesConfig struct {
	Dir string `mapstructure:"dir"`
}

type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	MaxItems    int `mapstructure:"max_items"`
}

// --- Model providers ---

type LLMConfig struct {
	DefaultModel    string         `mapstructure:"default_model"`
	DefaultProvider string         `mapstructure:"default_provider"`
	Timeout         int            `mapstructure:"timeout"` // milliseconds, per request
	MaxRetries      int            `mapstructure:"max_retries"`
	OpenAI          ProviderConfig `mapstructure:"openai"`
	OpenRouter      ProviderConfig `mapstructure:"openrouter"`
	Anthropic       ProviderConfig `mapstructure:"anthropic"`
	Google          ProviderConfig `mapstructure:"google"`
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type RateLimitConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	RequestsPerWindow int    `mapstructure:"requests_per_window"`
	Window            int    `mapstructure:"window"` // milliseconds
	KeyPrefix         string `mapstructure:"key_prefix"`
}

// --- Storage ---

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Table   string `mapstructure:"table"`
}

// --- Job workers ---

type CamundaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

// WorkerConfig holds the settings applicable to one job type.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"` // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"`
}

// --- Observability ---

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}
