// Package config is used to load the configuration file
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

type loader struct {
	Verify       bool   `mapstructure:"verify" json:"verify"`
	Workers      int    `mapstructure:"workers" json:"workers"`
	LocalSymbols string `mapstructure:"local_symbols" json:"local_symbols"`
}

type output struct {
	JSON  bool   `mapstructure:"json" json:"json"`
	Color string `mapstructure:"color" json:"color"`
}

// Config is the configuration struct
type Config struct {
	Loader loader `mapstructure:"loader" json:"loader"`
	Output output `mapstructure:"output" json:"output"`
}

func (c *Config) verify() error {
	if c.Loader.Workers < 0 {
		return fmt.Errorf("config: workers must not be negative (got %d)", c.Loader.Workers)
	} else if c.Loader.Workers == 0 {
		c.Loader.Workers = runtime.NumCPU()
	}

	switch strings.ToLower(c.Loader.LocalSymbols) {
	case "":
		c.Loader.LocalSymbols = "eager"
	case "eager", "lazy":
		c.Loader.LocalSymbols = strings.ToLower(c.Loader.LocalSymbols)
	default:
		return fmt.Errorf("config: local_symbols must be 'eager' or 'lazy' (got %q)", c.Loader.LocalSymbols)
	}

	switch strings.ToLower(c.Output.Color) {
	case "":
		c.Output.Color = "auto"
	case "auto", "always", "never":
		c.Output.Color = strings.ToLower(c.Output.Color)
	default:
		return fmt.Errorf("config: color must be one of auto, always or never (got %q)", c.Output.Color)
	}

	return nil
}

// LazyLocalSymbols reports whether local symbols are loaded on first use
// instead of when the cache is opened.
func (c *Config) LazyLocalSymbols() bool {
	return c.Loader.LocalSymbols == "lazy"
}

// ForceColor returns nil when color detection should be left to the terminal.
func (c *Config) ForceColor() *bool {
	var force bool
	switch c.Output.Color {
	case "always":
		force = true
	case "never":
		force = false
	default:
		return nil
	}
	return &force
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
