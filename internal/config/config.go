package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lobbyline/internal/domain"
)

// Config models lobbyline.yml.
type Config struct {
	Branches []BranchConfig `yaml:"branches"`
	Policy   struct {
		DemotionPenalty      int `yaml:"demotion_penalty"`
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"policy"`
	Notify struct {
		AMQPURL  string          `yaml:"amqp_url"`
		Queue    string          `yaml:"queue"`
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notify"`
	Board struct {
		RedisAddr  string `yaml:"redis_addr"`
		KeyPrefix  string `yaml:"key_prefix"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"board"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

type BranchConfig struct {
	ID                            string `yaml:"id"`
	Name                          string `yaml:"name"`
	MaxOccupancy                  int    `yaml:"max_occupancy"`
	GracePeriodSeconds            int    `yaml:"grace_period_seconds"`
	AverageServiceMinutes         int    `yaml:"average_service_minutes"`
	ExcludeInServiceFromOccupancy bool   `yaml:"exclude_in_service_from_occupancy"`
	Paused                        bool   `yaml:"paused"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

func (b BranchConfig) Branch() domain.Branch {
	return domain.Branch{
		ID:                            b.ID,
		Name:                          b.Name,
		MaxOccupancy:                  b.MaxOccupancy,
		GracePeriodSeconds:            b.GracePeriodSeconds,
		AverageServiceMinutes:         b.AverageServiceMinutes,
		ExcludeInServiceFromOccupancy: b.ExcludeInServiceFromOccupancy,
		IsPaused:                      b.Paused,
	}
}

// DomainBranches converts the configured branches.
func (c *Config) DomainBranches() []domain.Branch {
	out := make([]domain.Branch, 0, len(c.Branches))
	for _, b := range c.Branches {
		out = append(out, b.Branch())
	}
	return out
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Policy.SweepIntervalSeconds) * time.Second
}

func (c *Config) BoardTTL() time.Duration {
	return time.Duration(c.Board.TTLSeconds) * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lobby config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, b := range c.Branches {
		if strings.TrimSpace(b.ID) == "" {
			return fmt.Errorf("config.branches[%d].id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("config.branches has duplicate id %s", b.ID)
		}
		seen[b.ID] = true
		if err := b.Branch().Validate(); err != nil {
			return fmt.Errorf("config.branches[%d]: %w", i, err)
		}
	}
	if c.Policy.DemotionPenalty < 0 {
		return fmt.Errorf("config.policy.demotion_penalty must be >= 0")
	}
	if c.Policy.SweepIntervalSeconds < 0 {
		return fmt.Errorf("config.policy.sweep_interval_seconds must be >= 0")
	}
	if c.Notify.AMQPURL != "" && c.Notify.Queue == "" {
		return fmt.Errorf("config.notify.queue is required with amqp_url")
	}
	for i, wh := range c.Notify.Webhooks {
		if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
			return fmt.Errorf("config.notify.webhooks[%d].url must be http(s)", i)
		}
		for _, e := range wh.Events {
			if e != string(domain.EventTicketPromoted) && e != string(domain.EventTicketDemoted) {
				return fmt.Errorf("config.notify.webhooks[%d] has unsupported event %s", i, e)
			}
		}
	}
	if c.Board.TTLSeconds < 0 {
		return fmt.Errorf("config.board.ttl_seconds must be >= 0")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lobbyline.yml")
}

// GenerateDefault returns default config YAML seeded with one branch.
func GenerateDefault(branchID string) string {
	return fmt.Sprintf(defaultTemplate, branchID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct with one branch.
func Default(branchID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(branchID)))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) applyDefaults() {
	if c.Policy.DemotionPenalty == 0 {
		c.Policy.DemotionPenalty = 4
	}
	if c.Notify.AMQPURL != "" && c.Notify.Queue == "" {
		c.Notify.Queue = "lobbyline.notifications"
	}
	if c.Board.KeyPrefix == "" {
		c.Board.KeyPrefix = "lobbyline:board:"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
}

const defaultTemplate = `branches:
  - id: %s
    name: Main branch
    max_occupancy: 10
    grace_period_seconds: 600
    average_service_minutes: 8
    exclude_in_service_from_occupancy: false
    paused: false

policy:
  demotion_penalty: 4
  # 0 derives the interval from the shortest grace period
  sweep_interval_seconds: 0

notify:
  amqp_url: ""
  queue: lobbyline.notifications
  webhooks: []

board:
  redis_addr: ""
  key_prefix: "lobbyline:board:"
  ttl_seconds: 3600

server:
  addr: 127.0.0.1:8080
  base_path: ""
`
