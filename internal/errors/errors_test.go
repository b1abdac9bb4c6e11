package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeAndCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := Wrap(CodeUpstreamUnavailable, cause, "verifier call failed")

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeUpstreamUnavailable {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if CategoryOf(err) != CategoryUpstream {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if !RetryableError(err) || !ShouldAlert(err) {
		t.Fatalf("expected upstream errors to be retryable and alerting")
	}
}

func TestIsComparesCodes(t *testing.T) {
	a := New(CodeNotFound, "task a")
	b := New(CodeNotFound, "task b")
	if !stdErrors.Is(a, b) {
		t.Fatalf("errors with same code should match")
	}
	if stdErrors.Is(a, New(CodeConflict, "")) {
		t.Fatalf("errors with different codes should not match")
	}
}

func TestRegisterAndOverrides(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Category: CategoryPayment})

	err := New(code, "", WithRetryable(true), WithMetadata("route", "trading/execute"))
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !err.Retryable() {
		t.Fatalf("override should make error retryable")
	}
	if err.Metadata()["route"] != "trading/execute" {
		t.Fatalf("unexpected metadata: %v", err.Metadata())
	}
	if AttributesOf("NOT_REGISTERED").Message != "unknown error" {
		t.Fatalf("unregistered codes should fall back to UNKNOWN")
	}
}
