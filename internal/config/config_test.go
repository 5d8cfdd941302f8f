package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseSources(t *testing.T) {
	data := []byte(`
sources:
  - slug: steam
    base_url: https://steamcommunity.com
    currency: usd
    requests_per_second: 0.5
    max_concurrency: 2
    timeout: 15s
    max_backoff: 30s
    current: true
    history: true
  - slug: csqaq
    kind: csqaq
    currency: CNY
    enabled: false
    current: true
`)
	got, err := ParseSources(data)
	if err != nil {
		t.Fatalf("ParseSources: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	steam := got[0]
	if steam.Kind != "steam" {
		t.Errorf("Kind = %q, want slug fallback %q", steam.Kind, "steam")
	}
	if steam.Currency != "USD" {
		t.Errorf("Currency = %q, want USD", steam.Currency)
	}
	if steam.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", steam.Timeout)
	}
	if steam.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", steam.MaxBackoff)
	}
	if steam.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", steam.MaxRetries)
	}
	if !steam.IsEnabled() {
		t.Error("steam should be enabled when the flag is absent")
	}
	if got[1].IsEnabled() {
		t.Error("csqaq should be disabled")
	}
}

func TestParseSources_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing slug", "sources:\n  - kind: steam\n"},
		{"duplicate slug", "sources:\n  - slug: a\n  - slug: a\n"},
		{"bad yaml", "sources: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSources([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadSources_MissingFileUsesDefaults(t *testing.T) {
	got, err := LoadSources(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("LoadSources: %v", err)
	}
	if len(got) != len(DefaultSources()) {
		t.Fatalf("len = %d, want %d", len(got), len(DefaultSources()))
	}
	for _, s := range got {
		if s.MaxBackoff != 60*time.Second {
			t.Errorf("%s MaxBackoff = %v, want 60s", s.Slug, s.MaxBackoff)
		}
		if s.MaxRetries != 3 {
			t.Errorf("%s MaxRetries = %d, want 3", s.Slug, s.MaxRetries)
		}
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHART_CURRENCIES", " usd , cny ,")
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("STALE_AFTER", "6h")
	t.Setenv("FLUSH_EVERY", "not-a-number")
	os.Unsetenv("PORT")

	cfg := Load()
	if len(cfg.Currencies) != 2 || cfg.Currencies[0] != "USD" || cfg.Currencies[1] != "CNY" {
		t.Errorf("Currencies = %v", cfg.Currencies)
	}
	if cfg.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.BatchSize)
	}
	if cfg.StaleAfter != 6*time.Hour {
		t.Errorf("StaleAfter = %v, want 6h", cfg.StaleAfter)
	}
	if cfg.FlushEvery != 1 {
		t.Errorf("FlushEvery = %d, want default 1", cfg.FlushEvery)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
}

func TestParseSources_SecretsFromEnv(t *testing.T) {
	t.Setenv("YP_KEY", "app-1")
	t.Setenv("YP_PRIVATE", "cHJpdmF0ZQ==")
	got, err := ParseSources([]byte("sources:\n  - slug: youpin\n    api_key_env: YP_KEY\n    private_key_env: YP_PRIVATE\n    api_key: leaked\n"))
	if err != nil {
		t.Fatalf("ParseSources: %v", err)
	}
	if got[0].APIKey != "app-1" || got[0].PrivateKey != "cHJpdmF0ZQ==" {
		t.Errorf("secrets = %q / %q", got[0].APIKey, got[0].PrivateKey)
	}
}

func TestParseSources_ZeroRetries(t *testing.T) {
	got, err := ParseSources([]byte("sources:\n  - slug: a\n    max_retries: 0\n  - slug: b\n    max_retries: 5\n  - slug: c\n"))
	if err != nil {
		t.Fatalf("ParseSources: %v", err)
	}
	for i, want := range []int{0, 5, 3} {
		if got[i].MaxRetries != want {
			t.Errorf("%s MaxRetries = %d, want %d", got[i].Slug, got[i].MaxRetries, want)
		}
	}
}
