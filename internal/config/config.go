package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	OpenAI  OpenAIConfig  `koanf:"openai"`
	Stripe  StripeConfig  `koanf:"stripe"`
	Usage   UsageConfig   `koanf:"usage"`
	Storage StorageConfig `koanf:"storage"`
}

type ServerConfig struct {
	Port        int      `koanf:"port"`
	CORSOrigins []string `koanf:"cors_origins"`
}

type OpenAIConfig struct {
	APIKey string `koanf:"api_key"`
}

type StripeConfig struct {
	APIKey        string `koanf:"api_key"`
	WebhookSecret string `koanf:"webhook_secret"`
}

type UsageConfig struct {
	// Limit is the number of gated analyses granted on activation.
	Limit int `koanf:"limit"`
	// DrainOnCancel keeps the remaining balance usable after a plan is
	// canceled instead of zeroing it immediately.
	DrainOnCancel bool `koanf:"drain_on_cancel"`
}

type StorageConfig struct {
	// Path is the SQLite database file. Empty selects the in-memory store.
	Path string `koanf:"path"`
}

// Load reads configuration from an optional YAML file (GATE_CONFIG_FILE or
// config.yaml if present) with environment variable overrides. Env keys use a
// GATE_ prefix and double underscores as section separators, e.g.
// GATE_STRIPE__WEBHOOK_SECRET maps to stripe.webhook_secret.
func Load() (*Config, error) {
	k := koanf.New(".")

	path := os.Getenv("GATE_CONFIG_FILE")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Load environment variables
	if err := k.Load(env.Provider("GATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GATE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("usage.limit") {
		k.Set("usage.limit", 30)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
