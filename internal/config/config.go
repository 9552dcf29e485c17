package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"declflow/internal/domain"
)

// Config models declflow.yml.
type Config struct {
	Currency struct {
		Base string `yaml:"base"`
	} `yaml:"currency"`
	KPI struct {
		FlatRate      FlatRateRule                 `yaml:"flat_rate"`
		DefaultPrices map[domain.StageName]float64 `yaml:"default_prices"`
	} `yaml:"kpi"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// FlatRateRule names the single stage that pays a fixed per-worker amount to
// every member of a fixed worker group, independent of the price table and of
// who is formally assigned. Preserved as an explicit business exception.
type FlatRateRule struct {
	Stage   domain.StageName `yaml:"stage"`
	Amount  float64          `yaml:"amount"`
	Workers []string         `yaml:"workers"`
}

// Applies reports whether the rule is configured and covers the given stage.
func (r FlatRateRule) Applies(stage domain.StageName) bool {
	return r.Stage != "" && r.Stage == stage && len(r.Workers) > 0
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace, falling back to
// defaults when no file exists.
func Load(workspace string) (*Config, error) {
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
	if c.Currency.Base == "" {
		return fmt.Errorf("config.currency.base is required")
	}
	if c.KPI.FlatRate.Stage != "" {
		if !domain.ValidStageName(c.KPI.FlatRate.Stage) {
			return fmt.Errorf("config.kpi.flat_rate.stage %q is not in the stage catalog", c.KPI.FlatRate.Stage)
		}
		if c.KPI.FlatRate.Amount < 0 {
			return fmt.Errorf("config.kpi.flat_rate.amount must be non-negative")
		}
		for _, w := range c.KPI.FlatRate.Workers {
			if w == "" {
				return fmt.Errorf("config.kpi.flat_rate.workers contains an empty name")
			}
		}
	}
	for stage, price := range c.KPI.DefaultPrices {
		if !domain.ValidStageName(stage) {
			return fmt.Errorf("config.kpi.default_prices: unknown stage %q", stage)
		}
		if price < 0 {
			return fmt.Errorf("config.kpi.default_prices.%s must be non-negative", stage)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "declflow.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML for declflow.yml.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `currency:
  base: UZS

kpi:
  # The intake stage is shared preparatory work: every member of the intake
  # group is paid a fixed amount per declaration, regardless of assignment.
  flat_rate:
    stage: intake
    amount: 5
    workers: []

  default_prices:
    intake: 3.0
    application: 3.0
    transit_docs: 1.5
    certificate: 1.25
    declaration: 2.0
    inspection: 2.0
    submission: 1.25
    mail: 1.0
    driver_notice: 0

server:
  addr: ":8484"
  base_path: /v1
  jwt_secret: ""

webhooks: []
`
