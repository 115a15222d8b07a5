package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models pulseline.yml.
type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
	Ingest    IngestConfig     `yaml:"ingest"`
	Sweep     SweepConfig      `yaml:"sweep"`
}

// ProviderConfig configures one webhook source. The provider name selects
// a built-in adapter; only the secret and enablement are operator-tunable.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	Secret    string `yaml:"secret,omitempty"`
	SecretEnv string `yaml:"secret_env,omitempty"`
	Enabled   *bool  `yaml:"enabled,omitempty"`
}

type IngestConfig struct {
	RequestTimeoutSeconds int             `yaml:"request_timeout_seconds"`
	RateLimit             RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds webhook deliveries per remote IP. Webhook routes
// run a shorter window and a higher count than a general API would, since
// providers flush events in bursts.
type RateLimitConfig struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

type SweepConfig struct {
	IntervalSeconds         int `yaml:"interval_seconds"`
	MaxRetries              int `yaml:"max_retries"`
	CandidateTimeoutSeconds int `yaml:"candidate_timeout_seconds"`
	Batch                   int `yaml:"batch"`
}

var knownProviders = map[string]bool{
	"mailstep":  true,
	"linkpilot": true,
	"hookrelay": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pulseline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config.providers is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("config.providers contains empty name")
		}
		if !knownProviders[name] {
			return fmt.Errorf("unknown provider %s", name)
		}
		if seen[name] {
			return fmt.Errorf("provider %s configured twice", name)
		}
		seen[name] = true
		if p.Secret == "" && p.SecretEnv == "" {
			return fmt.Errorf("provider %s needs secret or secret_env", name)
		}
	}
	if c.Ingest.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("config.ingest.request_timeout_seconds must be >= 0")
	}
	if c.Sweep.MaxRetries < 0 {
		return fmt.Errorf("config.sweep.max_retries must be >= 0")
	}
	return nil
}

// ProviderSecret resolves the shared secret for a provider, reading the
// environment when secret_env is set. Empty means the provider is unknown
// or misconfigured.
func (c *Config) ProviderSecret(name string) string {
	for _, p := range c.Providers {
		if p.Name != name {
			continue
		}
		if p.SecretEnv != "" {
			return os.Getenv(p.SecretEnv)
		}
		return p.Secret
	}
	return ""
}

// ProviderEnabled reports whether a provider is configured and not
// explicitly disabled.
func (c *Config) ProviderEnabled(name string) bool {
	for _, p := range c.Providers {
		if p.Name == name {
			return p.Enabled == nil || *p.Enabled
		}
	}
	return false
}

// Tunables with defaults applied.

func (c *Config) RequestTimeoutSeconds() int {
	if c == nil || c.Ingest.RequestTimeoutSeconds <= 0 {
		return 10
	}
	return c.Ingest.RequestTimeoutSeconds
}

func (c *Config) RateLimitRequests() int {
	if c == nil || c.Ingest.RateLimit.Requests <= 0 {
		return 300
	}
	return c.Ingest.RateLimit.Requests
}

func (c *Config) RateLimitWindowSeconds() int {
	if c == nil || c.Ingest.RateLimit.WindowSeconds <= 0 {
		return 10
	}
	return c.Ingest.RateLimit.WindowSeconds
}

func (c *Config) SweepIntervalSeconds() int {
	if c == nil || c.Sweep.IntervalSeconds <= 0 {
		return 30
	}
	return c.Sweep.IntervalSeconds
}

func (c *Config) SweepMaxRetries() int {
	if c == nil || c.Sweep.MaxRetries <= 0 {
		return 5
	}
	return c.Sweep.MaxRetries
}

func (c *Config) SweepCandidateTimeoutSeconds() int {
	if c == nil || c.Sweep.CandidateTimeoutSeconds <= 0 {
		return 5
	}
	return c.Sweep.CandidateTimeoutSeconds
}

func (c *Config) SweepBatch() int {
	if c == nil || c.Sweep.Batch <= 0 {
		return 100
	}
	return c.Sweep.Batch
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pulseline.yml")
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

const defaultTemplate = `providers:
  - name: mailstep
    secret_env: PULSELINE_MAILSTEP_SECRET
  - name: linkpilot
    secret_env: PULSELINE_LINKPILOT_SECRET
  - name: hookrelay
    secret_env: PULSELINE_HOOKRELAY_SECRET

ingest:
  request_timeout_seconds: 10
  rate_limit:
    requests: 300
    window_seconds: 10

sweep:
  interval_seconds: 30
  max_retries: 5
  candidate_timeout_seconds: 5
  batch: 100
`
