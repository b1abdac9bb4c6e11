package plugin

import (
	"context"
	"log/slog"
	"maps"

	"A2A-PayGate/internal/task"
)

// Skill is a named task handler contributed by a plugin.
type Skill struct {
	Name        string
	Description string
	Handler     task.Handler
}

// Plugin is implemented by every skill plugin.
type Plugin interface {
	// Info returns static metadata.
	Info() Info
	// Configure inspects the plugin's configuration block and may fill in defaults.
	Configure(cfg map[string]any) error
	// Start prepares the plugin. Skills is only called after Start succeeds.
	Start(ctx *ExecutionContext) error
	// Stop releases resources.
	Stop(ctx *ExecutionContext) error
	// Skills lists the handlers the plugin serves.
	Skills() []Skill
}

// ExecutionContext is passed to lifecycle hooks.
type ExecutionContext struct {
	C         context.Context
	Config    map[string]any
	Resources map[string]any
	Logger    *slog.Logger
}

// Clone returns a copy whose maps can be mutated without affecting the host.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	dup.Config = maps.Clone(c.Config)
	dup.Resources = maps.Clone(c.Resources)
	return &dup
}

// Option modifies a Manager.
type Option func(*Manager)

// WithLoader overrides the shared-object loader.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy sets the capability enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithResource exposes a shared host service to every plugin.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		m.resources[key] = value
	}
}

// WithLogger sets the logger handed to plugins.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}
