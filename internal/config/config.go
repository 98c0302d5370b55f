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

// Config models gigflow.yml.
type Config struct {
	Server struct {
		Addr           string   `yaml:"addr"`
		BasePath       string   `yaml:"base_path"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Auth struct {
		// JWTSecret is usually supplied through GIGFLOW_JWT_SECRET.
		JWTSecret    string        `yaml:"jwt_secret"`
		TokenTTL     time.Duration `yaml:"token_ttl"`
		CookieName   string        `yaml:"cookie_name"`
		CookieSecure bool          `yaml:"cookie_secure"`
	} `yaml:"auth"`
	Store struct {
		TxTimeout   time.Duration `yaml:"tx_timeout"`
		BusyTimeout time.Duration `yaml:"busy_timeout"`
	} `yaml:"store"`
	Realtime struct {
		SendBuffer   int           `yaml:"send_buffer"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
	} `yaml:"realtime"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gigflow config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("config.auth.token_ttl must be positive")
	}
	if c.Auth.CookieName == "" {
		return fmt.Errorf("config.auth.cookie_name is required")
	}
	if c.Store.TxTimeout <= 0 {
		return fmt.Errorf("config.store.tx_timeout must be positive")
	}
	if c.Store.BusyTimeout <= 0 {
		return fmt.Errorf("config.store.busy_timeout must be positive")
	}
	if c.Store.BusyTimeout > c.Store.TxTimeout {
		return fmt.Errorf("config.store.busy_timeout must not exceed tx_timeout")
	}
	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("config.realtime.send_buffer must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhook %s has empty event type", hook.URL)
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
	return filepath.Join(workspace, "gigflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses data over the defaults and validates the result.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allowed_origins:
    - http://localhost:5173
    - http://localhost:3000

auth:
  token_ttl: 168h
  cookie_name: token
  cookie_secure: false

store:
  tx_timeout: 5s
  busy_timeout: 3s

realtime:
  send_buffer: 16
  write_timeout: 10s
  pong_timeout: 60s

log:
  level: info
  format: json

# webhooks:
#   - url: https://example.com/hooks/gigflow
#     events: [gig.assigned, bid.hired]
#     secret: change-me
#     timeout_seconds: 5
`
