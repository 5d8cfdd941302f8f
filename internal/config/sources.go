package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceConfig describes one external price source.
type SourceConfig struct {
	Slug      string `yaml:"slug"`
	Kind      string `yaml:"kind"` // csqaq | youpin | steam
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"-"`
	APIKeyEnv string `yaml:"api_key_env"`
	Currency  string `yaml:"currency"`
	Enabled   *bool  `yaml:"enabled,omitempty"`

	// Base64 PKCS8 RSA key for sources that sign requests (youpin).
	PrivateKey    string `yaml:"-"`
	PrivateKeyEnv string `yaml:"private_key_env"`

	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`

	Current  bool `yaml:"current"`
	History  bool `yaml:"history"`
	Listings bool `yaml:"listings"`
}

const defaultMaxRetries = 3

// UnmarshalYAML marks max_retries as unset when the key is absent, so an
// explicit 0 disables retries.
func (s *SourceConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain SourceConfig
	p := plain{MaxRetries: -1}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = SourceConfig(p)
	return nil
}

// IsEnabled treats a missing flag as enabled.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type sourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSources reads source definitions from a YAML file. A missing file yields the built-in defaults.
func LoadSources(path string) ([]SourceConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultSources(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read sources file: %w", err)
	}
	return ParseSources(data)
}

// ParseSources decodes YAML source definitions and fills defaults.
func ParseSources(data []byte) ([]SourceConfig, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse sources YAML: %w", err)
	}
	seen := make(map[string]bool)
	out := make([]SourceConfig, 0, len(f.Sources))
	for _, s := range f.Sources {
		s.Slug = strings.TrimSpace(s.Slug)
		if s.Slug == "" {
			return nil, fmt.Errorf("source without slug")
		}
		if seen[s.Slug] {
			return nil, fmt.Errorf("duplicate source slug %q", s.Slug)
		}
		seen[s.Slug] = true
		if s.Kind == "" {
			s.Kind = s.Slug
		}
		out = append(out, withDefaults(s))
	}
	return out, nil
}

// DefaultSources mirrors the marketplaces the sampler has always polled.
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		withDefaults(SourceConfig{
			Slug: "csqaq", Kind: "csqaq", BaseURL: "https://api.csqaq.com/api/v1/",
			APIKeyEnv: "CSQAQ_API_KEY", Currency: "CNY",
			RequestsPerSecond: 0.6, Burst: 1, MaxConcurrency: 2, MaxRetries: defaultMaxRetries,
			Current: true, History: true,
		}),
		withDefaults(SourceConfig{
			Slug: "youpin", Kind: "youpin", BaseURL: "https://open-api.youpin898.com",
			APIKeyEnv: "YOUPIN_APP_KEY", PrivateKeyEnv: "YOUPIN_PRIVATE_KEY", Currency: "CNY",
			RequestsPerSecond: 4, Burst: 2, MaxConcurrency: 5, MaxRetries: defaultMaxRetries,
			Current: true, Listings: true,
		}),
		withDefaults(SourceConfig{
			Slug: "steam", Kind: "steam", BaseURL: "https://steamcommunity.com",
			Currency: "USD", RequestsPerSecond: 0.3, Burst: 1, MaxConcurrency: 1, MaxRetries: defaultMaxRetries,
			Current: true, History: true,
		}),
	}
}

func withDefaults(s SourceConfig) SourceConfig {
	if s.RequestsPerSecond <= 0 {
		s.RequestsPerSecond = 1
	}
	if s.Burst <= 0 {
		s.Burst = 1
	}
	if s.MaxConcurrency <= 0 {
		s.MaxConcurrency = 5
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = defaultMaxRetries
	}
	if s.BaseBackoff <= 0 {
		s.BaseBackoff = time.Second
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = 60 * time.Second
	}
	if s.Currency == "" {
		s.Currency = "USD"
	}
	s.Currency = strings.ToUpper(s.Currency)
	if s.APIKeyEnv != "" {
		s.APIKey = os.Getenv(s.APIKeyEnv)
	}
	if s.PrivateKeyEnv != "" {
		s.PrivateKey = os.Getenv(s.PrivateKeyEnv)
	}
	return s
}
