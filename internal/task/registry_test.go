package task

import (
	"context"
	"errors"
	"testing"

	xerrors "A2A-PayGate/internal/errors"
)

func TestRegistryValidatesAtRegistration(t *testing.T) {
	reg := NewRegistry()
	noop := HandlerFunc(func(context.Context, Request) Outcome { return Completed() })

	if err := reg.Register("  ", noop); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty skill should be rejected, got %v", err)
	}
	if err := reg.Register("echo", nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("nil handler should be rejected, got %v", err)
	}
	if err := reg.Register("/Trading/Execute/", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("trading/execute", noop); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("duplicate skill should be rejected, got %v", err)
	}

	name, handler, err := reg.Lookup("TRADING/EXECUTE")
	if err != nil || handler == nil {
		t.Fatalf("lookup should be case-insensitive: %v", err)
	}
	if name != "trading/execute" {
		t.Fatalf("unexpected normalized name %q", name)
	}
	if got := reg.Skills(); len(got) != 1 || got[0] != "trading/execute" {
		t.Fatalf("unexpected skills %v", got)
	}
}

func TestRegistryDefaultSkill(t *testing.T) {
	reg := NewRegistry()
	if _, _, err := reg.Lookup(""); !errors.Is(err, ErrSkillNotFound) {
		t.Fatalf("expected skill not found without default, got %v", err)
	}
	if err := reg.SetDefault("echo"); !errors.Is(err, ErrSkillNotFound) {
		t.Fatalf("default must be registered first, got %v", err)
	}
	reg.MustRegister("echo", HandlerFunc(func(context.Context, Request) Outcome { return Completed() }))
	if err := reg.SetDefault("echo"); err != nil {
		t.Fatalf("set default: %v", err)
	}
	name, _, err := reg.Lookup("")
	if err != nil || name != "echo" {
		t.Fatalf("expected default skill, got %q %v", name, err)
	}
}
