package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// VenueRoute describes one venue's network endpoints (spec §6
// venue.*.baseUrl/demoUrl/useDemo), loaded from an optional venues.yaml
// file instead of the flat VENUE_* env vars Load reads by default. The
// teacher used YAML for strategy definitions (strategies.yaml); here it
// describes venue routing instead.
type VenueRoute struct {
	BaseURL   string `yaml:"baseUrl"`
	DemoURL   string `yaml:"demoUrl"`
	UseDemo   bool   `yaml:"useDemo"`
	StreamURL string `yaml:"streamUrl,omitempty"`
}

// VenueRouting is the top-level venues.yaml shape, keyed by venue name
// ("FUTURES", "SPOT").
type VenueRouting map[string]VenueRoute

// LoadVenueRouting reads path if present. A missing file is not an error:
// the VENUE_* env vars already give every venue a usable default.
func LoadVenueRouting(path string) (VenueRouting, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var routing VenueRouting
	if err := yaml.Unmarshal(data, &routing); err != nil {
		return nil, err
	}
	return routing, nil
}

// Apply overlays r onto cfg's venue fields, for any venue name present in
// the file; venues it doesn't mention keep their env-var values.
func (r VenueRouting) Apply(cfg *Config) {
	if route, ok := r["FUTURES"]; ok {
		cfg.FuturesBaseURL = route.BaseURL
		cfg.FuturesDemoURL = route.DemoURL
		cfg.FuturesUseDemo = route.UseDemo
		if route.StreamURL != "" {
			cfg.FuturesStreamURL = route.StreamURL
		}
	}
	if route, ok := r["SPOT"]; ok {
		cfg.SpotBaseURL = route.BaseURL
		cfg.SpotDemoURL = route.DemoURL
		cfg.SpotUseDemo = route.UseDemo
	}
}
