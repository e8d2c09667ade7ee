// Package config loads and validates the YAML configuration that drives the
// matching engine and the optional event bus.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sentinel configuration errors, matched with errors.Is by callers.
var (
	ErrInvalidThreshold    = errors.New("config: threshold must be in [0, 1]")
	ErrInvalidSamplingRate = errors.New("config: sampling rate must be in (0, 1]")
	ErrInvalidBucketStrategy = errors.New("config: unknown bucket strategy")
	ErrInvalidSelection    = errors.New("config: unknown selection policy")
)

// StrongIPID holds the strong IP-ID fast path thresholds.
type StrongIPID struct {
	MinOverlap int     `yaml:"min_overlap"`
	MinRatio   float64 `yaml:"min_ratio"`
	MinJaccard float64 `yaml:"min_jaccard"`
}

// Sampling holds the optional time-stratified sampling configuration.
type Sampling struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold int     `yaml:"threshold"`
	Rate      float64 `yaml:"rate"`
}

// Matching holds the matching engine's thresholds and behavior toggles.
type Matching struct {
	Threshold          float64    `yaml:"threshold"`
	MinIPIDOverlap     int        `yaml:"min_ipid_overlap"`
	MinIPIDRatio       float64    `yaml:"min_ipid_ratio"`
	StrongIPID         StrongIPID `yaml:"strong_ipid"`
	DensityGateEnabled bool       `yaml:"density_gate_enabled"`
	BucketStrategy     string     `yaml:"bucket_strategy"`
	Selection          string     `yaml:"selection"`
	Sampling           Sampling   `yaml:"sampling"`
}

// EventBus holds the optional AMQP match-event publisher configuration.
type EventBus struct {
	Enabled  bool   `yaml:"enabled"`
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// Config is the top-level engine configuration document.
type Config struct {
	Matching Matching `yaml:"matching"`
	EventBus EventBus `yaml:"eventbus"`
}

// Default returns the configuration defaults described in SPEC_FULL.md §6.
func Default() Config {
	return Config{
		Matching: Matching{
			Threshold:      0.75,
			MinIPIDOverlap: 2,
			MinIPIDRatio:   0.5,
			StrongIPID: StrongIPID{
				MinOverlap: 10,
				MinRatio:   0.8,
				MinJaccard: 0.25,
			},
			DensityGateEnabled: false,
			BucketStrategy:     "auto",
			Selection:          "one_to_one",
			Sampling: Sampling{
				Enabled:   false,
				Threshold: 1000,
				Rate:      0.5,
			},
		},
		EventBus: EventBus{
			Exchange: "capmatch.matches",
		},
	}
}

// Load reads and validates a YAML configuration document from path,
// defaulting zero-valued fields the same way the configuration defaults do.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes a YAML configuration document, applying
// defaults for zero-valued fields.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	defaults := Default()
	if cfg.Matching.BucketStrategy == "" {
		cfg.Matching.BucketStrategy = defaults.Matching.BucketStrategy
	}
	if cfg.Matching.Selection == "" {
		cfg.Matching.Selection = defaults.Matching.Selection
	}
	if cfg.Matching.MinIPIDOverlap == 0 {
		cfg.Matching.MinIPIDOverlap = defaults.Matching.MinIPIDOverlap
	}
	if cfg.Matching.MinIPIDRatio == 0 {
		cfg.Matching.MinIPIDRatio = defaults.Matching.MinIPIDRatio
	}
	if cfg.Matching.StrongIPID.MinOverlap == 0 {
		cfg.Matching.StrongIPID.MinOverlap = defaults.Matching.StrongIPID.MinOverlap
	}
	if cfg.Matching.StrongIPID.MinRatio == 0 {
		cfg.Matching.StrongIPID.MinRatio = defaults.Matching.StrongIPID.MinRatio
	}
	if cfg.Matching.StrongIPID.MinJaccard == 0 {
		cfg.Matching.StrongIPID.MinJaccard = defaults.Matching.StrongIPID.MinJaccard
	}
	if cfg.Matching.Sampling.Threshold == 0 {
		cfg.Matching.Sampling.Threshold = defaults.Matching.Sampling.Threshold
	}
	if cfg.Matching.Sampling.Rate == 0 {
		cfg.Matching.Sampling.Rate = defaults.Matching.Sampling.Rate
	}
}

// Validate surfaces configuration errors immediately, before any pipeline
// stage runs, per the error handling design.
func (c Config) Validate() error {
	if c.Matching.Threshold < 0 || c.Matching.Threshold > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, c.Matching.Threshold)
	}
	if c.Matching.Sampling.Enabled {
		if c.Matching.Sampling.Rate <= 0 || c.Matching.Sampling.Rate > 1 {
			return fmt.Errorf("%w: got %v", ErrInvalidSamplingRate, c.Matching.Sampling.Rate)
		}
	}
	switch c.Matching.BucketStrategy {
	case "server_address", "server_port", "none", "auto":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBucketStrategy, c.Matching.BucketStrategy)
	}
	switch c.Matching.Selection {
	case "one_to_one", "one_to_many":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSelection, c.Matching.Selection)
	}
	return nil
}
