package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/badumetsihlongwane-jpg/AndroidVisionAutomator/api/schemas"
)

// Config holds the entire application configuration. It is loaded once at
// startup and treated as read-only for the engine's lifetime; changing the
// safety policy requires constructing a fresh engine.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Safety  SafetyConfig  `mapstructure:"safety" yaml:"safety"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Surface SurfaceConfig `mapstructure:"surface" yaml:"surface"`
}

// LoggerConfig controls the zap logger setup.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal colors for the console encoder.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// SafetyConfig is the safety policy: which apps may be opened without asking,
// which action kinds are blocked outright, which require confirmation, and
// the global task limits. Read-only after load.
type SafetyConfig struct {
	AllowedApps       []string      `mapstructure:"allowed_apps" yaml:"allowed_apps"`
	DangerousActions  []string      `mapstructure:"dangerous_actions" yaml:"dangerous_actions"`
	SensitiveActions  []string      `mapstructure:"sensitive_actions" yaml:"sensitive_actions"`
	MaxRetryCount     int           `mapstructure:"max_retry_count" yaml:"max_retry_count"`
	MaxActionsPerTask int           `mapstructure:"max_actions_per_task" yaml:"max_actions_per_task"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
}

// EngineConfig tunes the execute-verify loop.
type EngineConfig struct {
	// SettleDelay is the fixed pause after every action before the next
	// screen capture, allowing the UI to finish updating.
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	// SurfaceCallTimeout bounds every individual UI surface call.
	SurfaceCallTimeout time.Duration `mapstructure:"surface_call_timeout" yaml:"surface_call_timeout"`
	// MaxConsecutiveFailures aborts the task after this many FAILED results
	// in a row without an intervening success.
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

// LLMConfig configures the planning oracle transport.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	// RequestsPerSecond and Burst feed the client-side rate limiter.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// StoreConfig selects the execution log backend.
type StoreConfig struct {
	// Type is "memory" or "postgres".
	Type     string         `mapstructure:"type" yaml:"type"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig holds the connection details for a PostgreSQL database.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the pgx connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

// SurfaceConfig configures the built-in web dry-run surface.
type SurfaceConfig struct {
	Headless bool   `mapstructure:"headless" yaml:"headless"`
	HomeURL  string `mapstructure:"home_url" yaml:"home_url"`
	Debug    bool   `mapstructure:"debug" yaml:"debug"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "vision-automator")
	v.SetDefault("logger.log_file", "automator.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Safety --
	v.SetDefault("safety.allowed_apps", []string{
		"com.android.launcher",
		"com.android.settings",
	})
	v.SetDefault("safety.dangerous_actions", []string{})
	v.SetDefault("safety.sensitive_actions", []string{})
	v.SetDefault("safety.max_retry_count", 3)
	v.SetDefault("safety.max_actions_per_task", 50)
	v.SetDefault("safety.task_timeout", "5m")

	// -- Engine --
	v.SetDefault("engine.settle_delay", "800ms")
	v.SetDefault("engine.surface_call_timeout", "10s")
	v.SetDefault("engine.max_consecutive_failures", 3)

	// -- LLM --
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.model", "claude-3-5-sonnet-20241022")
	v.SetDefault("llm.endpoint", "https://api.anthropic.com/v1/messages")
	v.SetDefault("llm.api_timeout", "30s")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.requests_per_second", 1.0)
	v.SetDefault("llm.burst", 2)

	// -- Store --
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.user", "postgres")
	v.SetDefault("store.postgres.password", "") // Set via AVA_STORE_POSTGRES_PASSWORD.
	v.SetDefault("store.postgres.dbname", "automator")
	v.SetDefault("store.postgres.sslmode", "disable")

	// -- Surface --
	v.SetDefault("surface.headless", true)
	v.SetDefault("surface.home_url", "about:blank")
	v.SetDefault("surface.debug", false)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with the defaults above.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a validated configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("llm.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("store.postgres.password", "AVA_STORE_POSTGRES_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Safety.MaxRetryCount < 0 {
		return fmt.Errorf("safety.max_retry_count must not be negative")
	}
	if c.Safety.MaxActionsPerTask <= 0 {
		return fmt.Errorf("safety.max_actions_per_task must be a positive integer")
	}
	if c.Safety.TaskTimeout <= 0 {
		return fmt.Errorf("safety.task_timeout must be a positive duration")
	}
	if c.Engine.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("engine.max_consecutive_failures must be a positive integer")
	}
	if c.Engine.SettleDelay < 0 {
		return fmt.Errorf("engine.settle_delay must not be negative")
	}
	if c.Engine.SurfaceCallTimeout <= 0 {
		return fmt.Errorf("engine.surface_call_timeout must be a positive duration")
	}
	if err := validateActionKinds("safety.dangerous_actions", c.Safety.DangerousActions); err != nil {
		return err
	}
	if err := validateActionKinds("safety.sensitive_actions", c.Safety.SensitiveActions); err != nil {
		return err
	}
	switch c.Store.Type {
	case "memory", "postgres":
	default:
		return fmt.Errorf("store.type must be \"memory\" or \"postgres\", got %q", c.Store.Type)
	}
	return nil
}

// validateActionKinds rejects policy entries naming kinds the executor can
// never dispatch; a typo here would silently disarm the policy.
func validateActionKinds(field string, kinds []string) error {
	known := make(map[schemas.ActionKind]struct{})
	for _, k := range schemas.KnownActionKinds() {
		known[k] = struct{}{}
	}
	for _, k := range kinds {
		if _, ok := known[schemas.ActionKind(k)]; !ok {
			return fmt.Errorf("%s contains unknown action kind %q", field, k)
		}
	}
	return nil
}
