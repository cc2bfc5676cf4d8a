package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Config models missionline.yml.
type Config struct {
	Console struct {
		Locale        string   `yaml:"locale"`
		DefaultLocale string   `yaml:"default_locale"`
		ContentDir    string   `yaml:"content_dir"`
		Modules       []string `yaml:"modules"`
	} `yaml:"console"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		Required  bool   `yaml:"required"`
		JWTSecret string `yaml:"jwt_secret"`
		DevLogin  bool   `yaml:"dev_login"`
	} `yaml:"auth"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook receives journal entries. Kinds filters by entry kind; empty means
// all kinds.
type Webhook struct {
	URL      string        `yaml:"url"`
	Kinds    []string      `yaml:"kinds"`
	Interval time.Duration `yaml:"interval"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run ml init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for _, tag := range []string{c.Console.Locale, c.Console.DefaultLocale} {
		if tag == "" {
			continue
		}
		if _, err := language.Parse(tag); err != nil {
			return fmt.Errorf("config.console: invalid locale %q", tag)
		}
	}
	if c.Console.DefaultLocale == "" {
		return fmt.Errorf("config.console.default_locale is required")
	}
	for _, m := range c.Console.Modules {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("config.console.modules contains an empty name")
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" && c.Auth.DevLogin {
		return fmt.Errorf("config.auth.dev_login needs a jwt_secret")
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.Interval < 0 {
			return fmt.Errorf("config.webhooks[%d].interval must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields
// keep their defaults.
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

const defaultTemplate = `console:
  locale: en
  default_locale: en
  # Empty uses the missions built into the binary.
  content_dir: ""
  modules: [terminal, map, satellite, intrusion, surveillance, directory]

server:
  addr: 127.0.0.1:8787
  base_path: /v0

auth:
  required: false
  # Prefer MISSIONLINE_JWT_SECRET over storing the secret here.
  jwt_secret: ""
  dev_login: false

webhooks: []
`
