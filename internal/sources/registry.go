package sources

import (
	"fmt"
	"sort"

	"price-tracker/internal/config"
	"price-tracker/internal/logger"
)

// Registry holds the configured adapters in configuration order.
type Registry struct {
	adapters []Adapter
	bySlug   map[string]Adapter
}

// New builds the adapter for one source definition.
func New(cfg config.SourceConfig, log *logger.Log) (Adapter, error) {
	cur, err := NormalizeCurrency(cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Slug, err)
	}
	cfg.Currency = cur
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source %s: base_url is required", cfg.Slug)
	}

	switch cfg.Kind {
	case "csqaq":
		return NewCSQAQ(cfg, log), nil
	case "youpin":
		yp := NewYouPin(cfg, log)
		if cfg.PrivateKey != "" {
			if err := yp.UseKey(cfg.PrivateKey); err != nil {
				return nil, fmt.Errorf("source %s: %w", cfg.Slug, err)
			}
		}
		return yp, nil
	case "steam":
		if _, ok := steamCurrencyIDs[cur]; !ok {
			return nil, fmt.Errorf("source %s: steam does not quote %s", cfg.Slug, cur)
		}
		return NewSteam(cfg, log), nil
	default:
		return nil, fmt.Errorf("source %s: unknown kind %q", cfg.Slug, cfg.Kind)
	}
}

// NewRegistry builds adapters for every enabled source.
func NewRegistry(cfgs []config.SourceConfig, log *logger.Log) (*Registry, error) {
	var adapters []Adapter
	for _, c := range cfgs {
		if !c.IsEnabled() {
			continue
		}
		a, err := New(c, log)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return NewRegistryFrom(adapters...), nil
}

// NewRegistryFrom wraps already constructed adapters.
func NewRegistryFrom(adapters ...Adapter) *Registry {
	r := &Registry{bySlug: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters = append(r.adapters, a)
		r.bySlug[a.Slug()] = a
	}
	return r
}

func (r *Registry) All() []Adapter {
	return r.adapters
}

func (r *Registry) Get(slug string) (Adapter, bool) {
	a, ok := r.bySlug[slug]
	return a, ok
}

// With returns the adapters whose capabilities satisfy want.
func (r *Registry) With(want func(Capabilities) bool) []Adapter {
	var out []Adapter
	for _, a := range r.adapters {
		if want(a.Capabilities()) {
			out = append(out, a)
		}
	}
	return out
}

func SupportsCurrent(c Capabilities) bool  { return c.Current }
func SupportsHistory(c Capabilities) bool  { return c.History }
func SupportsListings(c Capabilities) bool { return c.Listings }

// Stats reports limiter counters for adapters that expose them.
func (r *Registry) Stats() map[string]LimiterStats {
	out := make(map[string]LimiterStats)
	for _, a := range r.adapters {
		if s, ok := a.(interface{ Stats() LimiterStats }); ok {
			out[a.Slug()] = s.Stats()
		}
	}
	return out
}

func sortHistory(points []HistoryPoint) {
	sort.SliceStable(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
}
