package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/relay/internal/gateway"
	"github.com/michaelbrown/relay/internal/provider"
	"github.com/michaelbrown/relay/internal/tools"
)

type ProviderConfig struct {
	// Kind selects the adapter: openai, anthropic, gemini, mistral, compat.
	Kind    string            `mapstructure:"kind"`
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Models  map[string]string `mapstructure:"models"`
	// MaxTokens overrides the adapter's output-token ceiling, for
	// self-hosted deployments with non-standard limits.
	MaxTokens    int    `mapstructure:"max_tokens"`
	DefaultModel string `mapstructure:"default_model"`
}

type GatewayConfig struct {
	MaxToolIterations int `mapstructure:"max_tool_iterations"`
	RetryAttempts     int `mapstructure:"retry_attempts"`
	RetryBaseDelayMS  int `mapstructure:"retry_base_delay_ms"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type Config struct {
	Providers       map[string]ProviderConfig      `mapstructure:"providers"`
	DefaultProvider string                         `mapstructure:"default_provider"`
	Gateway         GatewayConfig                  `mapstructure:"gateway"`
	Server          ServerConfig                   `mapstructure:"server"`
	ProfilesDir     string                         `mapstructure:"profiles_dir"`
	Tools           map[string]tools.ServerConfig  `mapstructure:"tools"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("relay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.relay")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in API keys
	for name, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			envVar := p.APIKey[2 : len(p.APIKey)-1]
			p.APIKey = os.Getenv(envVar)
			cfg.Providers[name] = p
		}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_provider", "openai")
	v.SetDefault("gateway.max_tool_iterations", 10)
	v.SetDefault("gateway.retry_attempts", 3)
	v.SetDefault("gateway.retry_base_delay_ms", 500)
	v.SetDefault("server.port", 8080)

	v.SetDefault("providers.openai.kind", "openai")
	v.SetDefault("providers.openai.api_key", "${OPENAI_API_KEY}")
	v.SetDefault("providers.openai.default_model", "gpt-4o-mini")
	v.SetDefault("providers.anthropic.kind", "anthropic")
	v.SetDefault("providers.anthropic.api_key", "${ANTHROPIC_API_KEY}")
	v.SetDefault("providers.anthropic.default_model", "claude-sonnet-4-20250514")
	v.SetDefault("providers.gemini.kind", "gemini")
	v.SetDefault("providers.gemini.api_key", "${GEMINI_API_KEY}")
	v.SetDefault("providers.gemini.default_model", "gemini-2.0-flash")
	v.SetDefault("providers.mistral.kind", "mistral")
	v.SetDefault("providers.mistral.api_key", "${MISTRAL_API_KEY}")
	v.SetDefault("providers.mistral.default_model", "mistral-small-latest")
}

// Provider returns the config for a named provider, falling back to the
// default.
func (c *Config) Provider(name string) (string, ProviderConfig, error) {
	if name == "" {
		name = c.DefaultProvider
	}
	p, ok := c.Providers[name]
	if !ok {
		return "", ProviderConfig{}, fmt.Errorf("unknown provider: %s", name)
	}
	if p.Kind == "" {
		p.Kind = name
	}
	return name, p, nil
}

// Adapter builds the provider adapter for a named provider entry.
func (c *Config) Adapter(name string) (provider.Adapter, ProviderConfig, error) {
	_, p, err := c.Provider(name)
	if err != nil {
		return nil, ProviderConfig{}, err
	}
	a, err := provider.New(p.Kind, provider.Settings{
		BaseURL:          p.BaseURL,
		APIKey:           p.APIKey,
		MaxTokensCeiling: p.MaxTokens,
	})
	if err != nil {
		return nil, ProviderConfig{}, err
	}
	return a, p, nil
}

// Model resolves a model alias through the provider's model map. Unknown
// names pass through unchanged so full model ids always work.
func (p ProviderConfig) Model(name string) string {
	if name == "" {
		name = p.DefaultModel
	}
	if full, ok := p.Models[name]; ok {
		return full
	}
	return name
}

// GatewayRetry converts the config entry to the gateway's retry policy.
func (c *Config) GatewayRetry() gateway.RetryPolicy {
	return gateway.RetryPolicy{
		MaxAttempts: c.Gateway.RetryAttempts,
		BaseDelay:   time.Duration(c.Gateway.RetryBaseDelayMS) * time.Millisecond,
	}
}
