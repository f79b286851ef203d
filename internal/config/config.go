// Package config loads ropkit settings from an optional YAML file and the
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"ropkit/internal/disasm"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config represents configuration for the ropkit tool.
type Config struct {
	Debug     bool   `json:"debug" yaml:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
	Arch      string `json:"arch,omitempty" yaml:"arch" jsonschema:"title=Architecture,description=Decoder architecture; empty means detect from the ELF header,enum=amd64,enum=386,enum=arm64,enum=arm,enum=ppc64,enum=ppc64le"`
	Workers   int    `json:"workers,omitempty" yaml:"workers" jsonschema:"title=Workers,description=Concurrent function decodes during a scan; 0 means one per CPU,minimum=0"`
	CacheSize int    `json:"cacheSize,omitempty" yaml:"cacheSize" jsonschema:"title=Cache Size,description=Decoded chains kept in memory,minimum=1,default=256"`
	NoColor   bool   `json:"noColor" yaml:"noColor" jsonschema:"title=No Color,description=Disable colored output"`
	Format    string `json:"format,omitempty" yaml:"format" jsonschema:"title=Format,description=Output format,enum=text,enum=json,default=text"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{CacheSize: 256, Format: FormatText}
}

// Load reads path (when non-empty) over the defaults, applies ROPKIT_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	boolVar := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}
	intVar := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	if err := boolVar("ROPKIT_DEBUG", &c.Debug); err != nil {
		return err
	}
	if err := boolVar("ROPKIT_NO_COLOR", &c.NoColor); err != nil {
		return err
	}
	if err := intVar("ROPKIT_WORKERS", &c.Workers); err != nil {
		return err
	}
	if err := intVar("ROPKIT_CACHE_SIZE", &c.CacheSize); err != nil {
		return err
	}
	if v, ok := lookup("ROPKIT_ARCH"); ok && v != "" {
		c.Arch = v
	}
	if v, ok := lookup("ROPKIT_FORMAT"); ok && v != "" {
		c.Format = v
	}
	// Honour the common convention as well.
	if v, ok := lookup("NO_COLOR"); ok && v != "" {
		c.NoColor = true
	}
	return nil
}

// Validate checks ranges and normalises names.
func (c *Config) Validate() error {
	if c.Arch != "" {
		a, err := disasm.ParseArch(c.Arch)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		c.Arch = string(a)
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must not be negative, got %d", c.Workers)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("config: cacheSize must be at least 1, got %d", c.CacheSize)
	}
	c.Format = strings.ToLower(c.Format)
	if c.Format != FormatText && c.Format != FormatJSON {
		return fmt.Errorf("config: unknown format %q", c.Format)
	}
	return nil
}

// Schema returns the JSON schema of Config.
func Schema() ([]byte, error) {
	reflector := new(jsonschema.Reflector)
	bts, err := json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return bts, nil
}
