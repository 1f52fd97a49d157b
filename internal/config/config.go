package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file name.
const FileName = "taskpoints.yml"

// Config models taskpoints.yml.
type Config struct {
	Catalog struct {
		BaseURL            string   `yaml:"base_url" json:"base_url"`
		TrustedImagePrefix string   `yaml:"trusted_image_prefix" json:"trusted_image_prefix"`
		Timeout            Duration `yaml:"timeout" json:"timeout"`
	} `yaml:"catalog" json:"catalog"`
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
	Auth struct {
		JWTSecret string   `yaml:"jwt_secret" json:"-"`
		TokenTTL  Duration `yaml:"token_ttl" json:"token_ttl"`
	} `yaml:"auth" json:"auth"`
	Logging struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
		File   string `yaml:"file" json:"file,omitempty"`
	} `yaml:"logging" json:"logging"`
	Reports struct {
		Schedule string `yaml:"schedule" json:"schedule,omitempty"`
		LogPath  string `yaml:"log_path" json:"log_path,omitempty"`
	} `yaml:"reports" json:"reports"`
}

// Duration is a time.Duration that reads "10s" style YAML scalars.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with tp init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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
	if c.Catalog.BaseURL == "" {
		return fmt.Errorf("config.catalog.base_url is required")
	}
	if u, err := url.Parse(c.Catalog.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.catalog.base_url must be an absolute URL")
	}
	if c.Catalog.TrustedImagePrefix == "" {
		return fmt.Errorf("config.catalog.trusted_image_prefix is required")
	}
	if c.Catalog.Timeout <= 0 {
		return fmt.Errorf("config.catalog.timeout must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("config.auth.token_ttl must not be negative")
	}
	if c.Reports.Schedule != "" {
		if _, err := cron.ParseStandard(c.Reports.Schedule); err != nil {
			return fmt.Errorf("config.reports.schedule: %w", err)
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
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Missing keys keep their default values.
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

const defaultTemplate = `catalog:
  base_url: https://pokeapi.co/api/v2/pokemon
  trusted_image_prefix: https://raw.githubusercontent.com/PokeAPI/sprites/master/sprites/pokemon/
  timeout: 10s

server:
  addr: 127.0.0.1:8000
  base_path: /v1

auth:
  # leave empty to disable bearer auth on write endpoints
  jwt_secret: ""
  token_ttl: 24h

logging:
  level: debug
  format: text
  file: taskpoints.log

reports:
  # standard 5-field cron spec; empty disables snapshots
  schedule: ""
  log_path: taskpoints.log
`
