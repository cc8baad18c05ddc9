package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"planline/internal/constraint"
	"planline/internal/domain"
	"planline/internal/lifecycle"
)

// Config models planline.yml.
type Config struct {
	Portfolio struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"portfolio"`
	Capacity struct {
		Periods int                `yaml:"periods"`
		Skills  map[string]float64 `yaml:"skills"`
	} `yaml:"capacity"`
	Validation struct {
		CriticalOverageRatio float64 `yaml:"critical_overage_ratio"`
		NearCapacityRatio    float64 `yaml:"near_capacity_ratio"`
		TightChainDepth      int     `yaml:"tight_chain_depth"`
	} `yaml:"validation"`
	Lifecycle lifecycle.Definition `yaml:"lifecycle"`
}

// Plan returns the capacity plan the config describes.
func (c *Config) Plan() domain.CapacityPlan {
	skills := make(map[string]float64, len(c.Capacity.Skills))
	for k, v := range c.Capacity.Skills {
		skills[k] = v
	}
	return domain.CapacityPlan{Periods: c.Capacity.Periods, Skills: skills}
}

// Thresholds returns validator thresholds, falling back to defaults for
// unset fields.
func (c *Config) Thresholds() constraint.Thresholds {
	t := constraint.DefaultThresholds()
	if c.Validation.CriticalOverageRatio > 0 {
		t.CriticalOverageRatio = c.Validation.CriticalOverageRatio
	}
	if c.Validation.NearCapacityRatio > 0 {
		t.NearCapacityRatio = c.Validation.NearCapacityRatio
	}
	if c.Validation.TightChainDepth > 0 {
		t.TightChainDepth = c.Validation.TightChainDepth
	}
	return t
}

// LifecycleDefinition returns the configured lifecycle, or the built-in one
// when the config leaves it empty.
func (c *Config) LifecycleDefinition() lifecycle.Definition {
	if len(c.Lifecycle.States) == 0 {
		return lifecycle.Default()
	}
	return c.Lifecycle
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Portfolio.ID == "" {
		return fmt.Errorf("config.portfolio.id is required")
	}
	if c.Capacity.Periods < 1 {
		return fmt.Errorf("config.capacity.periods must be >= 1")
	}
	if len(c.Capacity.Skills) == 0 {
		return fmt.Errorf("config.capacity.skills is required")
	}
	for skill, hours := range c.Capacity.Skills {
		if skill == "" {
			return fmt.Errorf("config.capacity.skills contains an empty skill name")
		}
		if hours < 0 {
			return fmt.Errorf("skill %s has negative capacity", skill)
		}
	}
	if r := c.Validation.NearCapacityRatio; r < 0 || r > 1 {
		return fmt.Errorf("config.validation.near_capacity_ratio must be within [0,1]")
	}
	if len(c.Lifecycle.States) > 0 {
		sg, err := lifecycle.New(c.Lifecycle)
		if err != nil {
			return fmt.Errorf("config.lifecycle: %w", err)
		}
		if issues := sg.Validate(); len(issues) > 0 {
			return fmt.Errorf("config.lifecycle: %s", issues[0].Message)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with pl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default Config struct for a portfolio.
func Default(portfolioID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, portfolioID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(portfolioID string) string {
	return fmt.Sprintf(defaultTemplate, portfolioID)
}

const defaultTemplate = `portfolio:
  id: %s
  name: Default Portfolio

capacity:
  periods: 6
  skills:
    backend: 480
    frontend: 320
    platform: 160

validation:
  critical_overage_ratio: 0.5
  near_capacity_ratio: 0.8
  tight_chain_depth: 3
`
