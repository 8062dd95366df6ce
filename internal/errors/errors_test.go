package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("rpc unavailable")
	err := fmt.Errorf("submit: %w", Wrap(CodeExecutionFailed, cause, "send transaction"))

	if got := CodeOf(err); got != CodeExecutionFailed {
		t.Fatalf("unexpected code: %s", got)
	}
	if !IsCode(err, CodeExecutionFailed) {
		t.Fatalf("expected IsCode to match")
	}
	if IsCode(err, CodeNotFound) {
		t.Fatalf("unexpected match for NOT_FOUND")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause lost in chain")
	}
	if !RetryableError(err) {
		t.Fatalf("execution failures must be retryable")
	}
}

func TestAttributesDefaults(t *testing.T) {
	if RetryableError(New(CodePolicyBlocked, "")) {
		t.Fatalf("policy denials are not retryable")
	}
	if SeverityOf(New(CodeLoopFault, "")) != SeverityCritical {
		t.Fatalf("loop faults must be critical")
	}
	if New(CodeNotFound, "").Message() != "resource not found" {
		t.Fatalf("default message not applied")
	}
	if AttributesOf("NOPE").Severity != SeverityCritical {
		t.Fatalf("unregistered codes fall back to UNKNOWN")
	}
}

func TestOptionsOverride(t *testing.T) {
	err := New(CodeExecutionFailed, "nonce too low",
		WithRetryable(false),
		WithSeverity(SeverityCritical),
		WithMetadata("tx", "0xabc"),
	)
	if err.Retryable() {
		t.Fatalf("override ignored")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("severity override ignored")
	}
	if err.Metadata()["tx"] != "0xabc" {
		t.Fatalf("metadata missing: %+v", err.Metadata())
	}
}
