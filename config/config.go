// Package config loads the static configuration the engine is built
// from: provider descriptors and pricing from a YAML file, secrets and
// endpoints from the environment. The engine itself never reads files;
// it receives the finished Config at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/relaylabs/llm-relay/internal/provider"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Stores. Both optional: empty means in-memory.
	PostgresDSN string
	RedisAddr   string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // default: "info"
	ServiceVersion       string // default: "0.1.0", stamped onto traces

	Routing   RoutingConfig    `yaml:"routing"`
	Cache     CacheConfig      `yaml:"cache"`
	Executor  ExecutorConfig   `yaml:"executor"`
	Health    HealthConfig     `yaml:"health"`
	Budgets   []BudgetConfig   `yaml:"budgets"`
	Providers []ProviderConfig `yaml:"providers"`
}

type RoutingConfig struct {
	Strategy          string   `yaml:"strategy"`
	QualityPrecedence []string `yaml:"quality_precedence"`
}

type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type ExecutorConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// MaxRetries is a pointer so an explicit 0 (no retries) is
	// distinguishable from the key being absent.
	MaxRetries     *int          `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// RetryCount resolves MaxRetries, defaulting to 2 when unset.
func (e ExecutorConfig) RetryCount() int {
	if e.MaxRetries == nil {
		return 2
	}
	if *e.MaxRetries < 0 {
		return 0
	}
	return *e.MaxRetries
}

type HealthConfig struct {
	DegradeAfter int           `yaml:"degrade_after"`
	DisableAfter int           `yaml:"disable_after"`
	Cooldown     time.Duration `yaml:"cooldown"`
}

type BudgetConfig struct {
	Name     string  `yaml:"name"`
	LimitUSD float64 `yaml:"limit_usd"`
	// Window is "hourly", "daily", or a Go duration string.
	Window string `yaml:"window"`
	// Action is "block", "warn", or "allow_with_alert".
	Action string `yaml:"action"`
}

// WindowDuration resolves the window shorthand.
func (b BudgetConfig) WindowDuration() (time.Duration, error) {
	switch b.Window {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "":
		return 0, fmt.Errorf("budget %q has no window", b.Name)
	}
	d, err := time.ParseDuration(b.Window)
	if err != nil {
		return 0, fmt.Errorf("budget %q has invalid window %q: %w", b.Name, b.Window, err)
	}
	return d, nil
}

type ProviderConfig struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"` // "openai" or "anthropic"
	// APIKeyEnv names the environment variable holding the key, so
	// secrets never live in the YAML file.
	APIKeyEnv string `yaml:"api_key_env"`
	APIKey    string `yaml:"-"`
	BaseURL   string `yaml:"base_url"`
	Local     bool   `yaml:"local"`
	// LatencyClass orders providers for the speed strategy, lower is
	// faster.
	LatencyClass      int                   `yaml:"latency_class"`
	RequestsPerSecond float64               `yaml:"requests_per_second"`
	Capabilities      provider.Capabilities `yaml:"capabilities"`
	Models            []provider.ModelSpec  `yaml:"models"`
}

// Descriptor builds the registry descriptor for this provider.
func (p ProviderConfig) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		ID:           p.ID,
		Models:       p.Models,
		Capabilities: p.Capabilities,
		Local:        p.Local,
		LatencyClass: p.LatencyClass,
	}
}

var validStrategies = map[string]bool{
	"cost_optimized": true,
	"quality":        true,
	"local_first":    true,
	"speed":          true,
}

var validActions = map[string]bool{
	"block":            true,
	"warn":             true,
	"allow_with_alert": true,
}

var validKinds = map[string]bool{
	"openai":    true,
	"anthropic": true,
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	path := getEnv("RELAY_CONFIG", "relay.yaml")
	return LoadFile(path)
}

// LoadFile reads the YAML file at path, applies environment overrides,
// and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.Port = getEnv("PORT", "8080")
	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.OTELExporterType = getEnv("OTEL_EXPORTER_TYPE", "stdout")
	cfg.OTELExporterEndpoint = getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.ServiceVersion = getEnv("RELAY_VERSION", "0.1.0")

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if !validKinds[p.Kind] {
			return fmt.Errorf("provider %q has unknown kind %q", p.ID, p.Kind)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %q declares no models", p.ID)
		}
	}

	if c.Routing.Strategy == "" {
		c.Routing.Strategy = "cost_optimized"
	}
	if !validStrategies[c.Routing.Strategy] {
		return fmt.Errorf("unknown routing strategy %q", c.Routing.Strategy)
	}

	for _, b := range c.Budgets {
		if b.Name == "" {
			return fmt.Errorf("budget with empty name")
		}
		if b.LimitUSD < 0 {
			return fmt.Errorf("budget %q has negative limit", b.Name)
		}
		if !validActions[b.Action] {
			return fmt.Errorf("budget %q has unknown action %q", b.Name, b.Action)
		}
		if _, err := b.WindowDuration(); err != nil {
			return err
		}
	}

	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = time.Minute
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
