package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := New(CodeProviderPermanent, "provider rejected input")
	if got, want := err.Error(), "PROV_002: provider rejected input"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := Wrap(errors.New("connection reset"), CodeProviderTransient, "invoke failed")
	if got, want := wrapped.Error(), "PROV_001: invoke failed: connection reset"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(cause, CodeInternalDatabase, "query failed")
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
}

func TestError_WithDetail_DoesNotMutateOriginal(t *testing.T) {
	orig := New(CodeInvalidPipeline, "bad")
	withStep := orig.WithDetail("step", "redact")

	if orig.Details != nil {
		t.Errorf("original details mutated: %v", orig.Details)
	}
	if got := withStep.Detail("step"); got != "redact" {
		t.Errorf("Detail(step) = %v, want redact", got)
	}

	merged := withStep.WithDetails(map[string]any{"binding": "transcript"})
	if len(withStep.Details) != 1 {
		t.Errorf("WithDetails mutated receiver: %v", withStep.Details)
	}
	if merged.Detail("step") != "redact" || merged.Detail("binding") != "transcript" {
		t.Errorf("merged details = %v", merged.Details)
	}
}

func TestError_Format(t *testing.T) {
	err := Wrap(errors.New("eof"), CodeInternalStorage, "read failed").WithDetail("key", "k1")

	verbose := fmt.Sprintf("%+v", err)
	for _, want := range []string{`Code: "INT_004"`, `Message: "read failed"`, "Details:", "Cause: eof"} {
		if !strings.Contains(verbose, want) {
			t.Errorf("%%+v output %q missing %q", verbose, want)
		}
	}
	if got := fmt.Sprintf("%v", err); got != err.Error() {
		t.Errorf("%%v = %q, want %q", got, err.Error())
	}
	if got := fmt.Sprintf("%q", err); got != fmt.Sprintf("%q", err.Error()) {
		t.Errorf("%%q = %s", got)
	}
}

func TestInvalidPipeline_NormalizesCode(t *testing.T) {
	err := InvalidPipeline(CodeInvalidPipelineDuplicateStep, "duplicate step name")
	if err.Code != CodeInvalidPipelineDuplicateStep {
		t.Errorf("Code = %q", err.Code)
	}
	if err.Detail("violation") != "duplicate step name" {
		t.Errorf("violation detail = %v", err.Detail("violation"))
	}

	coerced := InvalidPipeline(CodeInternal, "whatever")
	if coerced.Code != CodeInvalidPipeline {
		t.Errorf("non-PIPE code should be coerced, got %q", coerced.Code)
	}
}

func TestDomainConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		code Code
	}{
		{"duplicate provider", DuplicateProvider("whisper"), CodeConflictDuplicateProvider},
		{"no provider", NoProviderAvailable("transcription"), CodeNoProviderAvailable},
		{"transient", Transient("rate limited"), CodeProviderTransient},
		{"permanent", Permanent("unsupported language"), CodeProviderPermanent},
		{"budget", BudgetExceeded("acme", "hard_block", "0.6", "0.6", "1"), CodeBudgetExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
		})
	}

	if got := DuplicateProvider("whisper").Detail("provider"); got != "whisper" {
		t.Errorf("provider detail = %v", got)
	}
	if got := BudgetExceeded("acme", "hard_block", "0.6", "0.6", "1").Detail("tenant"); got != "acme" {
		t.Errorf("tenant detail = %v", got)
	}
}

func TestWrapHelpers_NilSafe(t *testing.T) {
	if Wrap(nil, CodeInternal, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, CodeInternal, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
	if WrapTransient(nil, "x") != nil {
		t.Error("WrapTransient(nil) should be nil")
	}
	if WrapPermanent(nil, "x") != nil {
		t.Error("WrapPermanent(nil) should be nil")
	}
	if FromError(nil) != nil {
		t.Error("FromError(nil) should be nil")
	}
}

func TestFromError(t *testing.T) {
	orig := Permanent("bad input")
	if got := FromError(fmt.Errorf("context: %w", orig)); got != orig {
		t.Errorf("FromError should return the chained *Error, got %v", got)
	}

	std := errors.New("plain")
	got := FromError(std)
	if got.Code != CodeInternal || !errors.Is(got, std) {
		t.Errorf("FromError(std) = %+v", got)
	}
}
