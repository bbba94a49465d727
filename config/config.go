// Package config loads and validates the settings that parameterize a
// heap and the reducer CLI, following the same "plain struct + Verify"
// shape the original compiler's Options type uses.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

var validSweepOptions = []string{"block", "object"}

// HeapConfig parameterizes a heap.Heap. HeapSize and BlockSize are byte
// counts; BlockSize must be a power of two no larger than HeapSize.
type HeapConfig struct {
	HeapSize  uint64 `yaml:"heap_size"`
	BlockSize uint64 `yaml:"block_size"`
	// Sweep selects the reclamation granularity. Only "block" is
	// implemented by this core (SPEC_FULL.md §4 fixes the policy); "object"
	// is accepted here only so a config file can name the open question it
	// is choosing not to exercise.
	Sweep string `yaml:"sweep"`
}

// DefaultHeapConfig returns the settings used by cmd/uvmgc when no config
// file is given.
func DefaultHeapConfig() HeapConfig {
	return HeapConfig{
		HeapSize:  4 << 20,
		BlockSize: 64 << 10,
		Sweep:     "block",
	}
}

// Verify validates c, raising an error if its fields are not usable
// together.
func (c *HeapConfig) Verify() error {
	if c.HeapSize == 0 {
		return fmt.Errorf("invalid heap_size '%d': must be > 0", c.HeapSize)
	}
	if c.BlockSize == 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("invalid block_size '%d': must be a power of two", c.BlockSize)
	}
	if c.BlockSize > c.HeapSize {
		return fmt.Errorf("invalid block_size '%d': larger than heap_size '%d'", c.BlockSize, c.HeapSize)
	}
	if c.Sweep != "" && !isInArray(validSweepOptions, c.Sweep) {
		return fmt.Errorf("invalid sweep option '%s': valid values are %s", c.Sweep, strings.Join(validSweepOptions, ", "))
	}
	return nil
}

// ReducerConfig parameterizes the reducer CLI.
type ReducerConfig struct {
	// Verify runs phi.Verify on every reduced function before writing it
	// out, failing the whole file on the first violation.
	Verify bool `yaml:"verify"`
}

// DefaultReducerConfig returns the settings cmd/reducer uses when no
// config file is given.
func DefaultReducerConfig() ReducerConfig {
	return ReducerConfig{Verify: true}
}

// LoadReducer reads a YAML-encoded ReducerConfig from path, filling in
// any fields left unset with DefaultReducerConfig's values.
func LoadReducer(path string) (ReducerConfig, error) {
	cfg := DefaultReducerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return ReducerConfig{}, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ReducerConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads a YAML-encoded HeapConfig from path, filling in any fields
// left unset with DefaultHeapConfig's values.
func Load(path string) (HeapConfig, error) {
	cfg := DefaultHeapConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return HeapConfig{}, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return HeapConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Verify(); err != nil {
		return HeapConfig{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func isInArray(arr []string, item string) bool {
	for _, i := range arr {
		if i == item {
			return true
		}
	}
	return false
}
