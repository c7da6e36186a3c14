package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full application configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Logging  LoggingConfig  `toml:"logging"`
	Schedule ScheduleConfig `toml:"schedule"`
	Cache    CacheConfig    `toml:"cache"`
	LLM      LLMConfig      `toml:"llm"`
	Shaping  ShapingConfig  `toml:"shaping"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Storage  StorageConfig  `toml:"storage"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"` // per client IP, 0 disables
	RateLimitBurst     int      `toml:"rate_limit_burst"`
	Debug              bool     `toml:"debug"`
}

// LoggingConfig configures pkg/logger
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ScheduleConfig configures the FlightAPI.io schedule client
type ScheduleConfig struct {
	BaseURL           string  `toml:"base_url"`
	APIKey            string  `toml:"api_key"`
	Day               int     `toml:"day"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	MaxRetries        int     `toml:"max_retries"`
	RetryBackoffMs    int     `toml:"retry_backoff_ms"`
	RequestsPerSecond float64 `toml:"requests_per_second"` // outbound limit, 0 disables
}

// CacheConfig configures the optional schedule cache
type CacheConfig struct {
	Backend          string `toml:"backend"` // none, memory, redis
	FreshnessMinutes int    `toml:"freshness_minutes"`
	RedisAddr        string `toml:"redis_addr"`
	RedisPassword    string `toml:"redis_password"`
	RedisDB          int    `toml:"redis_db"`
}

// LLMConfig configures the answer generator
type LLMConfig struct {
	Provider              string  `toml:"provider"` // openai, gemini, mock
	APIKey                string  `toml:"api_key"`
	BaseURL               string  `toml:"base_url"` // OpenAI-compatible endpoints only
	Model                 string  `toml:"model"`
	MaxOutputTokens       int     `toml:"max_output_tokens"`
	Temperature           float64 `toml:"temperature"`
	TimeoutSeconds        int     `toml:"timeout_seconds"`
	MaxRetries            int     `toml:"max_retries"`
	RetryInitialBackoffMs int     `toml:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int     `toml:"retry_max_backoff_ms"`
}

// ShapingConfig configures the dataset shaper
type ShapingConfig struct {
	InputTokenBudget int `toml:"input_token_budget"`
	CharsPerToken    int `toml:"chars_per_token"`
}

// PipelineConfig configures the orchestrator
type PipelineConfig struct {
	RequestTimeoutSeconds int     `toml:"request_timeout_seconds"`
	FetchShare            float64 `toml:"fetch_share"`
}

// StorageConfig configures the query log
type StorageConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// envOverrides are read from the process environment and win over the file
type envOverrides struct {
	FlightAPIKey string `envconfig:"FLIGHT_API_KEY"`
	LLMAPIKey    string `envconfig:"LLM_API_KEY"`
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY"`
	LLMProvider  string `envconfig:"LLM_PROVIDER"`
	LLMBaseURL   string `envconfig:"LLM_BASE_URL"`
	LLMModel     string `envconfig:"LLM_MODEL"`
	Host         string `envconfig:"HOST"`
	Port         int    `envconfig:"PORT"`
	Debug        *bool  `envconfig:"DEBUG"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
	RedisAddr    string `envconfig:"REDIS_ADDR"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8000,
			RateLimitPerMinute: 60,
			RateLimitBurst:     10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Schedule: ScheduleConfig{
			BaseURL:           "https://api.flightapi.io",
			Day:               1,
			TimeoutSeconds:    5,
			MaxRetries:        2,
			RetryBackoffMs:    500,
			RequestsPerSecond: 1,
		},
		Cache: CacheConfig{
			Backend:          "none",
			FreshnessMinutes: 10,
			RedisAddr:        "localhost:6379",
		},
		LLM: LLMConfig{
			Provider:              "openai",
			Model:                 "gpt-4o-mini",
			MaxOutputTokens:       1000,
			Temperature:           0.1,
			TimeoutSeconds:        30,
			MaxRetries:            2,
			RetryInitialBackoffMs: 500,
			RetryMaxBackoffMs:     4000,
		},
		Shaping: ShapingConfig{
			InputTokenBudget: 12000,
			CharsPerToken:    4,
		},
		Pipeline: PipelineConfig{
			RequestTimeoutSeconds: 60,
			FetchShare:            0.35,
		},
		Storage: StorageConfig{
			Enabled: false,
			Path:    "data/flightqa.db",
		},
	}
}

// Load reads the TOML file at path (optional) over the defaults and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv copies non-empty environment overrides into the config
func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	if env.FlightAPIKey != "" {
		c.Schedule.APIKey = env.FlightAPIKey
	}
	switch {
	case env.LLMAPIKey != "":
		c.LLM.APIKey = env.LLMAPIKey
	case env.OpenAIAPIKey != "" && c.LLM.APIKey == "":
		c.LLM.APIKey = env.OpenAIAPIKey
	}
	if env.LLMProvider != "" {
		c.LLM.Provider = env.LLMProvider
	}
	if env.LLMBaseURL != "" {
		c.LLM.BaseURL = env.LLMBaseURL
	}
	if env.LLMModel != "" {
		c.LLM.Model = env.LLMModel
	}
	if env.Host != "" {
		c.Server.Host = env.Host
	}
	if env.Port != 0 {
		c.Server.Port = env.Port
	}
	if env.Debug != nil {
		c.Server.Debug = *env.Debug
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.RedisAddr != "" {
		c.Cache.RedisAddr = env.RedisAddr
	}

	// debug mode always logs at debug level
	if c.Server.Debug {
		c.Logging.Level = "debug"
	}

	return nil
}

// Validate checks the configuration for values the services cannot run with
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port out of range: %d", c.Server.Port))
	}
	if c.Schedule.BaseURL == "" {
		problems = append(problems, "schedule.base_url is required")
	}
	if c.Schedule.TimeoutSeconds <= 0 {
		problems = append(problems, "schedule.timeout_seconds must be positive")
	}
	if c.Schedule.MaxRetries < 0 || c.LLM.MaxRetries < 0 {
		problems = append(problems, "max_retries must not be negative")
	}
	switch c.Cache.Backend {
	case "none", "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("cache.backend must be none, memory or redis, got %q", c.Cache.Backend))
	}
	switch c.LLM.Provider {
	case "openai", "gemini", "mock":
	default:
		problems = append(problems, fmt.Sprintf("llm.provider must be openai, gemini or mock, got %q", c.LLM.Provider))
	}
	if c.LLM.MaxOutputTokens <= 0 {
		problems = append(problems, "llm.max_output_tokens must be positive")
	}
	if c.Shaping.InputTokenBudget <= 0 {
		problems = append(problems, "shaping.input_token_budget must be positive")
	}
	if c.Shaping.CharsPerToken <= 0 {
		problems = append(problems, "shaping.chars_per_token must be positive")
	}
	if c.Pipeline.RequestTimeoutSeconds <= 0 {
		problems = append(problems, "pipeline.request_timeout_seconds must be positive")
	}
	if c.Pipeline.FetchShare <= 0 || c.Pipeline.FetchShare >= 1 {
		problems = append(problems, "pipeline.fetch_share must be between 0 and 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Timeout returns the per-attempt HTTP timeout
func (s ScheduleConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// RetryBackoff returns the initial retry delay
func (s ScheduleConfig) RetryBackoff() time.Duration {
	return time.Duration(s.RetryBackoffMs) * time.Millisecond
}

// Freshness returns the cache freshness window
func (c CacheConfig) Freshness() time.Duration {
	return time.Duration(c.FreshnessMinutes) * time.Minute
}

// Timeout returns the per-attempt LLM timeout
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// RequestTimeout returns the overall per-request budget
func (p PipelineConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}
