package lattice

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration.
type Config struct {
	// Spatial holds spatial index settings.
	Spatial SpatialConfig `yaml:"spatial"`

	// Temporal holds temporal index settings.
	Temporal TemporalConfig `yaml:"temporal"`

	// Cache holds result cache settings.
	Cache CacheConfig `yaml:"cache"`

	// Stream holds subscriber fan-out settings.
	Stream StreamConfig `yaml:"stream"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Spatial:  DefaultSpatialConfig(),
		Temporal: DefaultTemporalConfig(),
		Cache:    DefaultCacheConfig(),
		Stream:   DefaultStreamConfig(),
	}
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Spatial.Fanout <= 0 {
		c.Spatial.Fanout = def.Spatial.Fanout
	}
	if c.Temporal.Degree <= 0 {
		c.Temporal.Degree = def.Temporal.Degree
	}
	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = def.Cache.Capacity
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = def.Cache.TTL
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = def.Cache.SweepInterval
	}
	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = def.Stream.BufferSize
	}
	return c
}

// Validate reports configuration errors that defaults cannot repair.
func (c Config) Validate() error {
	if c.Spatial.Fanout < 0 {
		return fmt.Errorf("spatial.fanout must not be negative")
	}
	if c.Temporal.Degree < 0 {
		return fmt.Errorf("temporal.degree must not be negative")
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must not be negative")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}
	return nil
}

// LoadConfig reads a YAML configuration file, filling unset fields with
// defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
