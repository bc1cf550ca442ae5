package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"paketd/gateway/auth"
)

// NodeConfig points at the ledger node's JSON-RPC endpoint.
type NodeConfig struct {
	RPCURL    string        `yaml:"rpcURL"`
	AuthToken string        `yaml:"authToken"`
	Timeout   time.Duration `yaml:"timeout"`
}

// StorageConfig holds the on-disk paths of the two local stores.
type StorageConfig struct {
	RegistryPath string `yaml:"registryPath"`
	NoncePath    string `yaml:"noncePath"`
}

// AuthConfig selects the authentication mode.
type AuthConfig struct {
	Mode string `yaml:"mode"`
}

// RateLimitConfig bounds request throughput per caller identity.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// ObservabilityConfig toggles the HTTP middleware instrumentation.
type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	Metrics       bool   `yaml:"metrics"`
	Tracing       bool   `yaml:"tracing"`
	LogRequests   bool   `yaml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix"`
}

// WebhookConfig names one delivery target for package events.
type WebhookConfig struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

type Config struct {
	ListenAddress string              `yaml:"listen"`
	Environment   string              `yaml:"environment"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`
	Sandbox       bool                `yaml:"sandbox"`
	Node          NodeConfig          `yaml:"node"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	Observability ObservabilityConfig `yaml:"observability"`
	Webhooks      []WebhookConfig     `yaml:"webhooks"`
}

// ResolvePath picks the configuration file path: an explicit flag value wins,
// otherwise the PAKETD_CONFIG environment variable is consulted. Both empty
// means the built-in defaults.
func ResolvePath(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv("PAKETD_CONFIG"))
}

// Load reads the YAML config at path, applying defaults for everything left
// unset. An empty path yields the default configuration.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8545",
		Environment:   "dev",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Node: NodeConfig{
			RPCURL:  "http://127.0.0.1:8645",
			Timeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			RegistryPath: "paketd-registry.db",
			NoncePath:    "paketd-nonces",
		},
		Auth: AuthConfig{Mode: string(auth.ModeProduction)},
		RateLimit: RateLimitConfig{
			RatePerSecond: 25,
			Burst:         50,
		},
		Observability: ObservabilityConfig{
			ServiceName:   "paketd",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "paketd",
		},
	}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	mode, err := auth.ParseMode(cfg.Auth.Mode)
	if err != nil {
		return err
	}
	// Unsigned requests are a sandbox convenience only.
	if mode == auth.ModeDebugNoSignature && !cfg.Sandbox {
		return fmt.Errorf("auth mode %s requires sandbox: true", mode)
	}
	if strings.TrimSpace(cfg.Node.RPCURL) == "" {
		return fmt.Errorf("node.rpcURL is required")
	}
	if _, err := url.Parse(cfg.Node.RPCURL); err != nil {
		return fmt.Errorf("parse node.rpcURL: %w", err)
	}
	if strings.TrimSpace(cfg.Storage.RegistryPath) == "" {
		return fmt.Errorf("storage.registryPath is required")
	}
	if strings.TrimSpace(cfg.Storage.NoncePath) == "" {
		return fmt.Errorf("storage.noncePath is required")
	}
	if cfg.RateLimit.RatePerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rateLimit values must be non-negative")
	}
	for i, hook := range cfg.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if _, err := url.Parse(hook.URL); err != nil {
			return fmt.Errorf("parse webhooks[%d].url: %w", i, err)
		}
	}
	return nil
}

// AuthMode returns the parsed authentication mode. Call after Validate.
func (cfg Config) AuthMode() auth.Mode {
	mode, _ := auth.ParseMode(cfg.Auth.Mode)
	return mode
}
