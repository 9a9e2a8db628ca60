// Package config loads the gateway configuration. Environment variables
// take precedence over an optional config.yaml; the variable names are
// fixed for compatibility with existing deployments.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig defines the HTTP listener and shared secret.
type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	GatewaySecret string        `mapstructure:"gateway_secret"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// ProviderConfig holds upstream LLM credentials and the local backend.
type ProviderConfig struct {
	GroqAPIKey      string `mapstructure:"groq_api_key"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	LocalEnabled    bool   `mapstructure:"local_llm_enabled"`
	LocalURL        string `mapstructure:"local_llm_url"`
	LocalModel      string `mapstructure:"local_llm_model"`
}

// BudgetConfig defines the three progressive daily limits (USD).
type BudgetConfig struct {
	Soft   float64 `mapstructure:"soft"`
	Medium float64 `mapstructure:"medium"`
	Hard   float64 `mapstructure:"hard"`
}

// RateLimitConfig defines the base sliding-window quotas.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	TokensPerMinute   int `mapstructure:"tokens_per_minute"`
}

// CacheConfig defines the persistent store directory and thresholds.
type CacheConfig struct {
	DataDir           string  `mapstructure:"data_dir"`
	SemanticThreshold float64 `mapstructure:"semantic_threshold"`
}

// RoutingConfig defines per-tier context budgets and the classifier backend.
type RoutingConfig struct {
	ContextBudgetCheap   int    `mapstructure:"context_budget_cheap"`
	ContextBudgetPremium int    `mapstructure:"context_budget_premium"`
	RouterProvider       string `mapstructure:"router_provider"`
}

// LoggingConfig selects level, format, and optional file output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Config holds the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Providers ProviderConfig  `mapstructure:"providers"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

const defaultSecret = "change-me-in-production"

// env var -> viper key bindings; the names are part of the deployment
// contract and must not change.
var envBindings = map[string]string{
	"server.host":                    "HOST",
	"server.port":                    "PORT",
	"server.gateway_secret":          "GATEWAY_SECRET",
	"providers.groq_api_key":         "GROQ_API_KEY",
	"providers.anthropic_api_key":    "ANTHROPIC_API_KEY",
	"providers.openai_api_key":       "OPENAI_API_KEY",
	"providers.local_llm_enabled":    "LOCAL_LLM_ENABLED",
	"providers.local_llm_url":        "LOCAL_LLM_URL",
	"providers.local_llm_model":      "LOCAL_LLM_MODEL",
	"budget.soft":                    "DAILY_BUDGET_SOFT",
	"budget.medium":                  "DAILY_BUDGET_MEDIUM",
	"budget.hard":                    "DAILY_BUDGET_HARD",
	"rate_limit.requests_per_minute": "RATE_LIMIT_RPM",
	"rate_limit.tokens_per_minute":   "RATE_LIMIT_TPM",
	"cache.data_dir":                 "CACHE_DIR",
	"cache.semantic_threshold":       "SEMANTIC_THRESHOLD",
	"routing.context_budget_cheap":   "CONTEXT_BUDGET_CHEAP",
	"routing.context_budget_premium": "CONTEXT_BUDGET_PREMIUM",
	"routing.router_provider":        "ROUTER_PROVIDER",
	"logging.level":                  "LOG_LEVEL",
	"logging.format":                 "LOG_FORMAT",
	"logging.file":                   "LOG_FILE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.gateway_secret", defaultSecret)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 180*time.Second)

	v.SetDefault("providers.local_llm_enabled", true)
	v.SetDefault("providers.local_llm_url", "http://localhost:11434/v1")
	v.SetDefault("providers.local_llm_model", "llama3.2:latest")

	v.SetDefault("budget.soft", 5.0)
	v.SetDefault("budget.medium", 15.0)
	v.SetDefault("budget.hard", 50.0)

	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("rate_limit.tokens_per_minute", 100000)

	v.SetDefault("cache.data_dir", "./data")
	v.SetDefault("cache.semantic_threshold", 0.92)

	v.SetDefault("routing.context_budget_cheap", 4000)
	v.SetDefault("routing.context_budget_premium", 16000)
	v.SetDefault("routing.router_provider", "local")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "pretty")
}

// Load reads configuration from the optional file at path (empty means
// no file) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot safely serve traffic.
func (c *Config) Validate(environment string) error {
	if c.Server.GatewaySecret == "" {
		return fmt.Errorf("GATEWAY_SECRET must be set")
	}
	if environment == "production" && c.Server.GatewaySecret == defaultSecret {
		return fmt.Errorf("GATEWAY_SECRET still has its default value")
	}
	if !(c.Budget.Soft <= c.Budget.Medium && c.Budget.Medium <= c.Budget.Hard) {
		return fmt.Errorf("budget limits must satisfy soft <= medium <= hard (got %.2f/%.2f/%.2f)",
			c.Budget.Soft, c.Budget.Medium, c.Budget.Hard)
	}
	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.TokensPerMinute <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.Cache.SemanticThreshold <= 0 || c.Cache.SemanticThreshold > 1 {
		return fmt.Errorf("semantic threshold must be in (0, 1]")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
