package plugin

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManagerConfig is the plugin manifest.
type ManagerConfig struct {
	PluginDir string                  `yaml:"pluginDir"`
	Defaults  IsolationPolicy         `yaml:"defaults"`
	Plugins   map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig configures one plugin instance.
type PluginConfig struct {
	Enabled bool             `yaml:"enabled"`
	Path    string           `yaml:"path"`
	Config  map[string]any   `yaml:"config"`
	Policy  *IsolationPolicy `yaml:"policy"`
}

// IsolationPolicy lists the capabilities a plugin may or may not request.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowedCapabilities"`
	DeniedCapabilities  []Capability `yaml:"deniedCapabilities"`
}

func (p IsolationPolicy) empty() bool {
	return len(p.AllowedCapabilities) == 0 && len(p.DeniedCapabilities) == 0
}

// LoadManagerConfig reads a YAML manifest.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("plugin manifest path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin manifest: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin manifest: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	return cfg, cfg.Validate()
}

// Validate checks that every enabled plugin has a path.
func (c ManagerConfig) Validate() error {
	var errs []error
	for id, p := range c.Plugins {
		if id == "" {
			errs = append(errs, errors.New("plugin id cannot be empty"))
			continue
		}
		if p.Enabled && p.Path == "" {
			errs = append(errs, fmt.Errorf("plugin %s is enabled but has no path", id))
		}
	}
	return errors.Join(errs...)
}
