package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"A2A-PayGate/internal/task"
)

// Manager loads skill plugins, drives their lifecycle and mounts their
// skills into a task registry.
type Manager struct {
	mu        sync.RWMutex
	plugins   map[string]*instance
	loader    Loader
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
	logger    *slog.Logger
}

type instance struct {
	mu     sync.Mutex
	plugin Plugin
	info   Info
	state  State
	config map[string]any
	source string
}

// NewManager builds a manager and loads every enabled plugin in cfg.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		plugins:   make(map[string]*instance),
		loader:    GoPluginLoader{},
		isolation: CapabilityCheck{},
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, id := range sortedKeys(cfg.Plugins) {
		pc := cfg.Plugins[id]
		if !pc.Enabled {
			continue
		}
		path := pc.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		if err := m.Load(id, path, pc.Config, pc.Policy); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register adds an in-process plugin. A nil policy uses the defaults.
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy *IsolationPolicy) error {
	return m.register(id, p, cfg, policy, "builtin")
}

// Load opens a plugin file and registers it.
func (m *Manager) Load(id, path string, cfg map[string]any, policy *IsolationPolicy) error {
	p, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load plugin %s from %s: %w", id, path, err)
	}
	return m.register(id, p, cfg, policy, path)
}

func (m *Manager) register(id string, p Plugin, cfg map[string]any, policy *IsolationPolicy, source string) error {
	if id == "" {
		return errors.New("plugin id cannot be empty")
	}
	if p == nil {
		return fmt.Errorf("plugin %s is nil", id)
	}
	info := p.Info()
	if info.ID == "" {
		info.ID = id
	}
	if info.ID != id {
		return fmt.Errorf("plugin id mismatch: %s != %s", info.ID, id)
	}
	if info.Category != "" && info.Category != TypeSkill {
		return fmt.Errorf("plugin %s has unsupported category %q", id, info.Category)
	}
	if err := m.isolation.Validate(info, MergePolicies(m.defaults, policy)); err != nil {
		return err
	}
	cfg = cloneConfig(cfg)
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("configure plugin %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[id]; exists {
		return fmt.Errorf("plugin %s already registered", id)
	}
	m.plugins[id] = &instance{plugin: p, info: info, state: StateRegistered, config: cfg, source: source}
	return nil
}

func (m *Manager) execContext(ctx context.Context, inst *instance) *ExecutionContext {
	return (&ExecutionContext{
		C:         ctx,
		Config:    inst.config,
		Resources: m.resources,
		Logger:    m.logger.With(slog.String("plugin", inst.info.ID)),
	}).Clone()
}

// Start starts a plugin. Starting a running plugin is a no-op.
func (m *Manager) Start(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state == StateStarted {
		return nil
	}
	if err := m.isolation.Prepare(inst.info); err != nil {
		return fmt.Errorf("prepare isolation for %s: %w", id, err)
	}
	if err := inst.plugin.Start(m.execContext(ctx, inst)); err != nil {
		_ = m.isolation.Cleanup(inst.info)
		return fmt.Errorf("start plugin %s: %w", id, err)
	}
	inst.state = StateStarted
	return nil
}

// Stop stops a running plugin.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateStarted {
		return nil
	}
	if err := inst.plugin.Stop(m.execContext(ctx, inst)); err != nil {
		return fmt.Errorf("stop plugin %s: %w", id, err)
	}
	inst.state = StateStopped
	if err := m.isolation.Cleanup(inst.info); err != nil {
		return fmt.Errorf("cleanup isolation for %s: %w", id, err)
	}
	return nil
}

// Mount starts every plugin and registers its skills. Plugins are processed
// in id order; the first failure aborts.
func (m *Manager) Mount(ctx context.Context, registry *task.Registry) error {
	if registry == nil {
		return errors.New("task registry is required")
	}
	for _, id := range m.IDs() {
		if err := m.Start(ctx, id); err != nil {
			return err
		}
		inst, _ := m.get(id)
		for _, skill := range inst.plugin.Skills() {
			if err := registry.Register(skill.Name, skill.Handler); err != nil {
				return fmt.Errorf("mount skill %q from plugin %s: %w", skill.Name, id, err)
			}
			m.logger.Info("plugin skill mounted",
				slog.String("plugin", id),
				slog.String("skill", task.NormalizeSkill(skill.Name)),
				slog.String("source", inst.source))
		}
	}
	return nil
}

// StopAll stops every plugin and returns the joined errors.
func (m *Manager) StopAll(ctx context.Context) error {
	ids := m.IDs()
	slices.Reverse(ids)
	var errs []error
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State reports a plugin's lifecycle state.
func (m *Manager) State(id string) (State, error) {
	inst, err := m.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state, nil
}

// IDs returns the registered plugin ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.plugins)
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.plugins[id]
	if !ok {
		return nil, fmt.Errorf("plugin %s not registered", id)
	}
	return inst, nil
}

func sortedKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneConfig(cfg map[string]any) map[string]any {
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
