package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models pressroom.yml. Durations are plain integers with the unit in
// the key name.
type Config struct {
	Moderators []string  `yaml:"moderators"`
	Channels   []Channel `yaml:"channels"`
	Scheduler  struct {
		IntervalSeconds  int `yaml:"interval_seconds"`
		PerTick          int `yaml:"per_tick"`
		MaxDraftAgeHours int `yaml:"max_draft_age_hours"`
	} `yaml:"scheduler"`
	Imagery struct {
		SearchURL      string `yaml:"search_url"`
		RenderURL      string `yaml:"render_url"`
		Template       string `yaml:"template"`
		PerPage        int    `yaml:"per_page"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"imagery"`
	Fallback struct {
		Rules   []FallbackRule `yaml:"rules"`
		Default string         `yaml:"default"`
	} `yaml:"fallback"`
	Generate struct {
		Model           string `yaml:"model"`
		IntervalSeconds int    `yaml:"interval_seconds"`
		Retries         int    `yaml:"retries"`
		TimeoutSeconds  int    `yaml:"timeout_seconds"`
	} `yaml:"generate"`
	Courier struct {
		APIURL         string `yaml:"api_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"courier"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

func (c *Config) MaxDraftAge() time.Duration {
	return time.Duration(c.Scheduler.MaxDraftAgeHours) * time.Hour
}

func (c *Config) ImageryTimeout() time.Duration {
	return time.Duration(c.Imagery.TimeoutSeconds) * time.Second
}

func (c *Config) GenerateInterval() time.Duration {
	return time.Duration(c.Generate.IntervalSeconds) * time.Second
}

func (c *Config) GenerateTimeout() time.Duration {
	return time.Duration(c.Generate.TimeoutSeconds) * time.Second
}

func (c *Config) CourierTimeout() time.Duration {
	return time.Duration(c.Courier.TimeoutSeconds) * time.Second
}

// WebhookConfig is one outbound event subscription. An empty Events list
// receives everything.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// FallbackRule maps keywords found in draft text to an image search query.
// Rules are evaluated in order; the first keyword hit wins.
type FallbackRule struct {
	Keywords []string `yaml:"keywords"`
	Query    string   `yaml:"query"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run pressroom init or create it", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, falling back to defaults when
// the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
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
	if c.Scheduler.PerTick < 1 {
		return fmt.Errorf("config.scheduler.per_tick must be >= 1")
	}
	if c.Scheduler.IntervalSeconds <= 0 {
		return fmt.Errorf("config.scheduler.interval_seconds must be positive")
	}
	if c.Scheduler.MaxDraftAgeHours < 0 {
		return fmt.Errorf("config.scheduler.max_draft_age_hours must not be negative")
	}
	seen := map[string]bool{}
	for _, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("config.channels contains empty channel id")
		}
		if seen[ch.ID] {
			return fmt.Errorf("config.channels contains duplicate channel %s", ch.ID)
		}
		seen[ch.ID] = true
	}
	for i, rule := range c.Fallback.Rules {
		if rule.Query == "" {
			return fmt.Errorf("fallback rule %d has empty query", i)
		}
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("fallback rule %d has no keywords", i)
		}
	}
	if c.Fallback.Default == "" {
		return fmt.Errorf("config.fallback.default is required")
	}
	if c.Imagery.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.imagery.timeout_seconds must be positive")
	}
	if c.Courier.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.courier.timeout_seconds must be positive")
	}
	return nil
}

type Channel struct {
	ID   string `yaml:"id"`
	HTML bool   `yaml:"html"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pressroom.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
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

const defaultTemplate = `moderators: []

channels: []

scheduler:
  interval_seconds: 60
  per_tick: 1
  max_draft_age_hours: 168

imagery:
  search_url: https://api.pexels.com/v1/search
  render_url: http://localhost:8081
  template: default
  per_page: 4
  timeout_seconds: 30

fallback:
  rules:
    - keywords: ["матч", "match"]
      query: tennis match
    - keywords: ["игрок", "player", "теннисист"]
      query: tennis player
    - keywords: ["турнир", "tournament"]
      query: tennis tournament
    - keywords: ["чемпионат", "championship"]
      query: tennis championship
    - keywords: ["wta"]
      query: tennis WTA match
    - keywords: ["atp"]
      query: tennis ATP match
  default: tennis sport

generate:
  model: gpt-4o-mini
  interval_seconds: 120
  retries: 3
  timeout_seconds: 60

courier:
  api_url: https://api.telegram.org
  timeout_seconds: 30

server:
  addr: 127.0.0.1:8787
`
