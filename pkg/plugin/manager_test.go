package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"A2A-PayGate/internal/task"
)

type fakePlugin struct {
	info       Info
	skills     []string
	configured map[string]any
	started    int
	stopped    int
	startErr   error
	resource   any
}

func (f *fakePlugin) Info() Info { return f.info }

func (f *fakePlugin) Configure(cfg map[string]any) error {
	if _, ok := cfg["greeting"]; !ok {
		cfg["greeting"] = "hello"
	}
	f.configured = cfg
	return nil
}

func (f *fakePlugin) Start(ctx *ExecutionContext) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	f.resource = ctx.Resources["payee"]
	return nil
}

func (f *fakePlugin) Stop(*ExecutionContext) error {
	f.stopped++
	return nil
}

func (f *fakePlugin) Skills() []Skill {
	out := make([]Skill, 0, len(f.skills))
	for _, name := range f.skills {
		greeting, _ := f.configured["greeting"].(string)
		out = append(out, Skill{Name: name, Handler: task.HandlerFunc(func(_ context.Context, req task.Request) task.Outcome {
			return task.Completed(task.Artifact{Parts: []task.Part{task.TextPart(greeting + " " + req.Skill)}})
		})})
	}
	return out
}

type mapLoader map[string]Plugin

func (l mapLoader) Load(path string) (Plugin, error) {
	p, ok := l[path]
	if !ok {
		return nil, errors.New("no such plugin")
	}
	return p, nil
}

func TestMountRegistersSkills(t *testing.T) {
	m, err := NewManager(ManagerConfig{}, WithResource("payee", "0xbeef"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	p := &fakePlugin{info: Info{ID: "greeter", Category: TypeSkill}, skills: []string{"Greet"}}
	if err := m.Register("greeter", p, nil, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	registry := task.NewRegistry()
	if err := m.Mount(context.Background(), registry); err != nil {
		t.Fatalf("mount: %v", err)
	}
	name, handler, err := registry.Lookup("greet")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	outcome, err := handler(context.Background(), task.Request{Skill: name})
	if err != nil || outcome.State != task.StateCompleted {
		t.Fatalf("unexpected outcome: %+v %v", outcome, err)
	}
	if got := outcome.Artifacts[0].Parts[0].Text; got != "hello greet" {
		t.Fatalf("unexpected artifact text %q", got)
	}
	if p.resource != "0xbeef" {
		t.Fatalf("resource not passed to plugin: %v", p.resource)
	}
	if state, _ := m.State("greeter"); state != StateStarted {
		t.Fatalf("expected started, got %s", state)
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if state, _ := m.State("greeter"); state != StateStopped || p.stopped != 1 {
		t.Fatalf("expected stopped once, got %s (%d)", state, p.stopped)
	}
}

func TestMountRejectsSkillConflicts(t *testing.T) {
	m, _ := NewManager(ManagerConfig{})
	_ = m.Register("a", &fakePlugin{skills: []string{"echo"}}, nil, nil)

	registry := task.NewRegistry()
	registry.MustRegister("echo", task.HandlerFunc(func(context.Context, task.Request) task.Outcome {
		return task.Completed()
	}))
	err := m.Mount(context.Background(), registry)
	if err == nil || !strings.Contains(err.Error(), `"echo"`) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestCapabilityPolicy(t *testing.T) {
	m, _ := NewManager(ManagerConfig{Defaults: IsolationPolicy{DeniedCapabilities: []Capability{CapabilityExecution}}})

	network := &fakePlugin{info: Info{Capabilities: []Capability{CapabilityNetwork}}}
	if err := m.Register("net", network, nil, nil); err != nil {
		t.Fatalf("network plugin should be allowed: %v", err)
	}
	exec := &fakePlugin{info: Info{Capabilities: []Capability{CapabilityExecution}}}
	if err := m.Register("exec", exec, nil, nil); err == nil {
		t.Fatalf("expected denied capability error")
	}
	chain := &fakePlugin{info: Info{Capabilities: []Capability{CapabilityChain}}}
	allowNet := &IsolationPolicy{AllowedCapabilities: []Capability{CapabilityNetwork}}
	if err := m.Register("chain", chain, nil, allowNet); err == nil {
		t.Fatalf("expected capability outside allow list to fail")
	}

	bare, _ := NewManager(ManagerConfig{})
	if err := bare.Register("net", network, nil, nil); err == nil {
		t.Fatalf("expected error when capabilities have no policy")
	}
}

func TestRegisterValidation(t *testing.T) {
	m, _ := NewManager(ManagerConfig{})
	if err := m.Register("", &fakePlugin{}, nil, nil); err == nil {
		t.Fatalf("expected empty id error")
	}
	if err := m.Register("x", &fakePlugin{info: Info{ID: "y"}}, nil, nil); err == nil {
		t.Fatalf("expected id mismatch error")
	}
	if err := m.Register("x", &fakePlugin{info: Info{Category: "datasource"}}, nil, nil); err == nil {
		t.Fatalf("expected category error")
	}
	if err := m.Register("x", &fakePlugin{}, map[string]any{"greeting": "hi"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register("x", &fakePlugin{}, nil, nil); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestStartFailureLeavesPluginRegistered(t *testing.T) {
	m, _ := NewManager(ManagerConfig{})
	_ = m.Register("broken", &fakePlugin{startErr: errors.New("boom")}, nil, nil)
	if err := m.Mount(context.Background(), task.NewRegistry()); err == nil {
		t.Fatalf("expected start error")
	}
	if state, _ := m.State("broken"); state != StateRegistered {
		t.Fatalf("expected registered, got %s", state)
	}
}

func TestManifestLoading(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "plugins.yaml")
	content := `pluginDir: /opt/skills
defaults:
  allowedCapabilities: [network]
plugins:
  wordcount:
    enabled: true
    path: wordcount.so
    config:
      greeting: hey
  disabled:
    enabled: false
`
	if err := os.WriteFile(manifest, []byte(content), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	cfg, err := LoadManagerConfig(manifest)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}

	p := &fakePlugin{skills: []string{"wordcount"}}
	m, err := NewManager(cfg, WithLoader(mapLoader{"/opt/skills/wordcount.so": p}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if ids := m.IDs(); len(ids) != 1 || ids[0] != "wordcount" {
		t.Fatalf("unexpected plugins: %v", ids)
	}
	if p.configured["greeting"] != "hey" {
		t.Fatalf("config not applied: %v", p.configured)
	}

	if _, err := NewManager(ManagerConfig{Plugins: map[string]PluginConfig{"x": {Enabled: true}}}); err == nil {
		t.Fatalf("expected validation error for missing path")
	}
}
