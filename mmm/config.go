package mmm

import (
	"os"
	"strconv"

	"github.com/MergHQ/netsync/memutils"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultMinClassSize  = 16
	defaultMaxClassSize  = 4096
	defaultPageSize      = 64 * 1024
	defaultHeapSize      = 4 * 1024 * 1024
	defaultShrinkDivisor = 4

	envPrefix = "NETSYNC_MMM_"
)

// Config sizes a Manager.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after passing to New.
type Config struct {
	// Name labels the manager in logs, stats dumps and metrics
	Name string `json:"name" yaml:"name"`
	// MinClassSize is the smallest size class. Must be a power of two.
	MinClassSize int `json:"min_class_size" yaml:"min_class_size"`
	// MaxClassSize is the largest size class. Larger requests go to the heap arena.
	// Must be a power of two.
	MaxClassSize int `json:"max_class_size" yaml:"max_class_size"`
	// PageSize is the size of each slab page carved into chunks of one class
	PageSize int `json:"page_size" yaml:"page_size"`
	// HeapSize is the size of the arena carved at construction for requests above MaxClassSize.
	// 0 disables the heap, making such requests exhaust the manager.
	HeapSize int `json:"heap_size" yaml:"heap_size"`
	// MaxBytes caps the bytes obtained for pages and the heap together. 0 means unbounded.
	MaxBytes int `json:"max_bytes" yaml:"max_bytes"`
	// ShrinkDivisor sets the shrink hysteresis: a resize stays in place unless the new size drops
	// below capacity/ShrinkDivisor
	ShrinkDivisor int `json:"shrink_divisor" yaml:"shrink_divisor"`
	// ExternallySynchronized disables the internal mutex for managers owned by a single goroutine
	ExternallySynchronized bool `json:"externally_synchronized" yaml:"externally_synchronized"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Name:          "default",
		MinClassSize:  defaultMinClassSize,
		MaxClassSize:  defaultMaxClassSize,
		PageSize:      defaultPageSize,
		HeapSize:      defaultHeapSize,
		ShrinkDivisor: defaultShrinkDivisor,
	}
}

// LoadConfig loads configuration with priority: env > file > defaults. A missing file is not an
// error; configPath may be empty.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return config, errors.Wrapf(err, "read allocator config %s", configPath)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &config); err != nil {
				return config, errors.Wrapf(err, "parse allocator config %s", configPath)
			}
		}
	}

	if err := config.loadFromEnv(); err != nil {
		return config, err
	}

	if err := config.Validate(); err != nil {
		return config, errors.Wrap(err, "invalid allocator config")
	}

	return config, nil
}

func (c *Config) loadFromEnv() error {
	if name := os.Getenv(envPrefix + "NAME"); name != "" {
		c.Name = name
	}

	ints := map[string]*int{
		"MIN_CLASS_SIZE": &c.MinClassSize,
		"MAX_CLASS_SIZE": &c.MaxClassSize,
		"PAGE_SIZE":      &c.PageSize,
		"HEAP_SIZE":      &c.HeapSize,
		"MAX_BYTES":      &c.MaxBytes,
		"SHRINK_DIVISOR": &c.ShrinkDivisor,
	}
	for key, target := range ints {
		raw := os.Getenv(envPrefix + key)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			return errors.Wrapf(err, "parse %s%s", envPrefix, key)
		}
		*target = value
	}

	if raw := os.Getenv(envPrefix + "EXTERNALLY_SYNCHRONIZED"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return errors.Wrapf(err, "parse %sEXTERNALLY_SYNCHRONIZED", envPrefix)
		}
		c.ExternallySynchronized = value
	}

	return nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.MinClassSize < 8 {
		return errors.Newf("min_class_size must be at least 8, got %d", c.MinClassSize)
	}
	if err := memutils.CheckPow2(c.MinClassSize, "min_class_size"); err != nil {
		return err
	}
	if err := memutils.CheckPow2(c.MaxClassSize, "max_class_size"); err != nil {
		return err
	}
	if c.MaxClassSize < c.MinClassSize {
		return errors.Newf("max_class_size %d is smaller than min_class_size %d", c.MaxClassSize, c.MinClassSize)
	}
	if c.PageSize < c.MaxClassSize+memutils.DebugMargin {
		return errors.Newf("page_size %d cannot hold a single %d byte chunk", c.PageSize, c.MaxClassSize)
	}
	if c.HeapSize < 0 || c.HeapSize%c.MinClassSize != 0 {
		return errors.Newf("heap_size %d must be a non-negative multiple of min_class_size", c.HeapSize)
	}
	if c.MaxBytes < 0 {
		return errors.Newf("max_bytes must not be negative, got %d", c.MaxBytes)
	}
	if c.MaxBytes > 0 && c.HeapSize > c.MaxBytes {
		return errors.Newf("heap_size %d exceeds max_bytes %d", c.HeapSize, c.MaxBytes)
	}
	if c.ShrinkDivisor < 1 {
		return errors.Newf("shrink_divisor must be at least 1, got %d", c.ShrinkDivisor)
	}

	return nil
}
