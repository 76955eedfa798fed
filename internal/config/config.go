package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "attestline.yml"

// Config models attestline.yml.
type Config struct {
	Signing      SigningConfig      `yaml:"signing"`
	TimeSource   TimeSourceConfig   `yaml:"time_source"`
	Verification VerificationConfig `yaml:"verification"`
	Export       ExportConfig       `yaml:"export"`
	Lockout      LockoutConfig      `yaml:"lockout"`
	Logging      LoggingConfig      `yaml:"logging"`
	Accounts     AccountsConfig     `yaml:"accounts"`
	Server       ServerConfig       `yaml:"server"`
	Webhooks     []WebhookConfig    `yaml:"webhooks"`
}

type SigningConfig struct {
	ChallengeTTL    time.Duration `yaml:"challenge_ttl"`
	PreviewMaxRunes int           `yaml:"preview_max_runes"`
	AuthMethod      string        `yaml:"auth_method"`
}

type TimeSourceConfig struct {
	Kind     string        `yaml:"kind"`
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	SourceID string        `yaml:"source_id"`
}

type VerificationConfig struct {
	MaxEvents int `yaml:"max_events"`
}

type ExportConfig struct {
	MaxEvents int `yaml:"max_events"`
}

type LockoutConfig struct {
	Backend     string        `yaml:"backend"`
	MaxFailures int           `yaml:"max_failures"`
	Window      time.Duration `yaml:"window"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisDB     int           `yaml:"redis_db"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AccountsConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

// WebhookConfig represents an outbound ledger event forwarder.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace. A missing file yields
// the defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Signing.ChallengeTTL <= 0 {
		return fmt.Errorf("config.signing.challenge_ttl must be positive")
	}
	if c.Signing.PreviewMaxRunes < 0 {
		return fmt.Errorf("config.signing.preview_max_runes must not be negative")
	}
	switch c.TimeSource.Kind {
	case "local":
	case "http":
		if c.TimeSource.URL == "" {
			return fmt.Errorf("config.time_source.url is required for kind http")
		}
	default:
		return fmt.Errorf("config.time_source.kind must be 'local' or 'http'")
	}
	if c.Verification.MaxEvents <= 0 {
		return fmt.Errorf("config.verification.max_events must be positive")
	}
	if c.Export.MaxEvents <= 0 {
		return fmt.Errorf("config.export.max_events must be positive")
	}
	switch c.Lockout.Backend {
	case "off":
	case "memory", "redis":
		if c.Lockout.MaxFailures <= 0 {
			return fmt.Errorf("config.lockout.max_failures must be positive")
		}
		if c.Lockout.Window <= 0 {
			return fmt.Errorf("config.lockout.window must be positive")
		}
		if c.Lockout.Backend == "redis" && c.Lockout.RedisAddr == "" {
			return fmt.Errorf("config.lockout.redis_addr is required for backend redis")
		}
	default:
		return fmt.Errorf("config.lockout.backend must be 'memory', 'redis' or 'off'")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be 'json' or 'console'")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if evt == "" {
				return fmt.Errorf("webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `signing:
  challenge_ttl: 5m
  preview_max_runes: 2000
  auth_method: password

time_source:
  kind: local
  timeout: 3s
  source_id: local-clock

verification:
  max_events: 10000

export:
  max_events: 100000

lockout:
  backend: memory
  max_failures: 5
  window: 15m
  redis_addr: ""
  redis_db: 0

logging:
  level: info
  format: json

accounts:
  bcrypt_cost: 10

server:
  addr: 127.0.0.1:8080
  base_path: /v1

webhooks: []
`
