package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// DSN builds the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis settings for the cross-process event relay.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// SchedulerConfig holds claim loop settings.
type SchedulerConfig struct {
	WorkerID              string        `mapstructure:"worker_id"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	MaxConcurrent         int           `mapstructure:"max_concurrent"`
	MaxPerTenant          int           `mapstructure:"max_per_tenant"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	MaxProcessingDuration time.Duration `mapstructure:"max_processing_duration"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	ShutdownGrace         time.Duration `mapstructure:"shutdown_grace"`
	MaxRetries            int           `mapstructure:"max_retries"`
	WebhookSecret         string        `mapstructure:"webhook_secret"`
}

// ContextConfig bounds the assembled conversation window.
type ContextConfig struct {
	MaxTokens         int    `mapstructure:"max_tokens"`
	VerbatimTurns     int    `mapstructure:"verbatim_turns"`
	SummarizedTurns   int    `mapstructure:"summarized_turns"`
	ToolResultCap     int    `mapstructure:"tool_result_cap"`
	SummaryModelTurns int    `mapstructure:"summary_model_turns"`
	SummaryModel      string `mapstructure:"summary_model"`
}

// BudgetConfig holds cost-control thresholds.
type BudgetConfig struct {
	WarningFraction float64 `mapstructure:"warning_fraction"`
	// DayBoundaryTZ is the IANA zone used for the rolling daily window.
	// Multi-region tenants pick their own; default UTC.
	DayBoundaryTZ string  `mapstructure:"day_boundary_tz"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst"`
}

// InferenceConfig points at the OpenAI-compatible provider.
type InferenceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ManagedConfig bounds the reasoning loop.
type ManagedConfig struct {
	MaxToolIterations int `mapstructure:"max_tool_iterations"`
}

// DelegatedConfig bounds the external callback exchange.
type DelegatedConfig struct {
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
}

// HTTPConfig holds the observer/update API settings.
type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	AuthToken string `mapstructure:"auth_token"`
}

// ToolsConfig bounds custom (outbound HTTP) tools and points at the internal
// capability service that backs the builtin tools.
type ToolsConfig struct {
	CustomTimeout     time.Duration `mapstructure:"custom_timeout"`
	MaxRequestBytes   int64         `mapstructure:"max_request_bytes"`
	MaxResponseBytes  int64         `mapstructure:"max_response_bytes"`
	CapabilityBaseURL string        `mapstructure:"capability_base_url"`
	CapabilityToken   string        `mapstructure:"capability_token"`
	// AllowPrivateEndpoints disables the private-address guard on custom
	// tool targets. Local development only.
	AllowPrivateEndpoints bool `mapstructure:"allow_private_endpoints"`
}

// AuditConfig holds the async audit write path settings.
type AuditConfig struct {
	QueueSize   int `mapstructure:"queue_size"`
	Workers     int `mapstructure:"workers"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// Config is the full worker configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Context   ContextConfig   `mapstructure:"context"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Inference InferenceConfig `mapstructure:"inference"`
	Managed   ManagedConfig   `mapstructure:"managed"`
	Delegated DelegatedConfig `mapstructure:"delegated"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Audit     AuditConfig     `mapstructure:"audit"`

	MetricsPort  int    `mapstructure:"metrics_port"`
	LogLevel     string `mapstructure:"log_level"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load reads the worker config from TASKCORE_CONFIG (default
// ./config/taskcore.yaml), applying env overrides with the TASKCORE_ prefix
// (e.g. TASKCORE_DATABASE_HOST).
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	cfgPath := os.Getenv("TASKCORE_CONFIG")
	if cfgPath == "" {
		cfgPath = "./config/taskcore.yaml"
	}
	v.SetConfigFile(cfgPath)

	v.SetEnvPrefix("TASKCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env + defaults are enough to run.
		if _, ok := err.(*os.PathError); !ok {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Scheduler.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.Scheduler.WorkerID = host
	}
	if cfg.Inference.APIKey == "" {
		cfg.Inference.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Database.Password == "" {
		cfg.Database.Password = os.Getenv("POSTGRES_PASSWORD")
	}
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "taskcore")
	v.SetDefault("database.database", "taskcore")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.enabled", true)

	v.SetDefault("scheduler.poll_interval", 500*time.Millisecond)
	v.SetDefault("scheduler.max_concurrent", 8)
	v.SetDefault("scheduler.max_per_tenant", 3)
	v.SetDefault("scheduler.heartbeat_interval", 10*time.Second)
	v.SetDefault("scheduler.max_processing_duration", 10*time.Minute)
	v.SetDefault("scheduler.sweep_interval", time.Minute)
	v.SetDefault("scheduler.shutdown_grace", 30*time.Second)
	v.SetDefault("scheduler.max_retries", 3)

	v.SetDefault("context.max_tokens", 8000)
	v.SetDefault("context.verbatim_turns", 6)
	v.SetDefault("context.summarized_turns", 10)
	v.SetDefault("context.tool_result_cap", 200)
	v.SetDefault("context.summary_model_turns", 40)

	v.SetDefault("budget.warning_fraction", 0.8)
	v.SetDefault("budget.day_boundary_tz", "UTC")
	v.SetDefault("budget.rate_per_second", 5)
	v.SetDefault("budget.rate_burst", 10)

	v.SetDefault("inference.timeout", 60*time.Second)

	v.SetDefault("managed.max_tool_iterations", 10)

	v.SetDefault("delegated.response_timeout", 30*time.Second)
	v.SetDefault("delegated.max_retries", 2)
	v.SetDefault("delegated.retry_backoff", 2*time.Second)

	v.SetDefault("http.addr", ":8081")

	v.SetDefault("tools.custom_timeout", 15*time.Second)
	v.SetDefault("tools.max_request_bytes", 1<<20)
	v.SetDefault("tools.max_response_bytes", 1<<20)

	v.SetDefault("audit.queue_size", 1000)
	v.SetDefault("audit.workers", 4)
	v.SetDefault("audit.max_attempts", 3)

	v.SetDefault("metrics_port", 2112)
	v.SetDefault("log_level", "info")
}
