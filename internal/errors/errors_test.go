package errors

import (
	"errors"
	"testing"
)

func TestPrefixedKeepsInnerCode(t *testing.T) {
	inner := New(CodeReentrancyDenied, "reentrancy denied")
	err := Prefixed(CodeHandlerFailed, "0_", inner)
	if err.Error() != "0_reentrancy denied" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !HasCode(err, CodeReentrancyDenied) {
		t.Fatal("expected inner code to be reachable")
	}
	if !HasCode(err, CodeHandlerFailed) {
		t.Fatal("expected outer code to be reachable")
	}
	if ExitCode(err) != int(CodeHandlerFailed) {
		t.Fatalf("unexpected exit code: %d", ExitCode(err))
	}
}

func TestExitCodeDefaults(t *testing.T) {
	if ExitCode(nil) != 0 {
		t.Fatal("expected zero exit code for nil")
	}
	if ExitCode(errors.New("boom")) != int(CodeInternal) {
		t.Fatal("expected internal exit code for untyped error")
	}
	wrapped := Wrap(CodeUsage, "parse flags", errors.New("bad"))
	if wrapped.Error() != "parse flags: bad" {
		t.Fatalf("unexpected wrap message: %q", wrapped.Error())
	}
	if TypeName(CodeUnknownHandler) != "unknown_handler" {
		t.Fatalf("unexpected type name: %s", TypeName(CodeUnknownHandler))
	}
}
