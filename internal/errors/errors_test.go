package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestRegisterAndKind(t *testing.T) {
	const code Code = "TEST_TOO_LATE"
	Register(code, Attributes{Message: "too late", Kind: KindTemporal, Severity: SeverityInfo})

	err := New(code, "")
	if err.Message() != "too late" {
		t.Fatalf("expected registered message, got %q", err.Message())
	}
	if KindOf(err) != KindTemporal {
		t.Fatalf("expected temporal kind, got %s", KindOf(err))
	}
	if RetryableError(err) {
		t.Fatalf("business rejection must not be retryable")
	}
}

func TestWithKeepsSentinelIntact(t *testing.T) {
	sentinel := New(CodeUnauthorized, "not operator")
	derived := sentinel.With("caller", "0xabc", "role", "operator")

	if sentinel.Metadata() != nil {
		t.Fatalf("sentinel metadata mutated: %v", sentinel.Metadata())
	}
	if got := derived.Metadata()["role"]; got != "operator" {
		t.Fatalf("unexpected metadata %q", got)
	}
	wrapped := fmt.Errorf("submit: %w", derived)
	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped error to match sentinel by code")
	}
	if CodeOf(wrapped) != CodeUnauthorized {
		t.Fatalf("unexpected code %s", CodeOf(wrapped))
	}
}

func TestUnknownFallsBackToInternal(t *testing.T) {
	plain := stdErrors.New("boom")
	if KindOf(plain) != KindInternal {
		t.Fatalf("plain errors are internal")
	}
	if AttributesOf("NOPE").Severity != SeverityCritical {
		t.Fatalf("unregistered codes fall back to UNKNOWN")
	}
	if !ShouldAlert(New("NOPE", "x")) {
		t.Fatalf("unknown codes alert")
	}
}
