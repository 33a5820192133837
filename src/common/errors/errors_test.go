package errors

import (
	"fmt"
	"testing"
)

func TestError_IsMatchesDomainAndCode(t *testing.T) {
	err := ErrConfig.WithMessagef("board %q has no linker script", "foo")
	if !Is(err, ErrConfig) {
		t.Error("expected derived error to match ErrConfig")
	}
	if Is(err, ErrToolchain) {
		t.Error("did not expect derived error to match ErrToolchain")
	}
}

func TestError_IsMatchesDomainSentinel(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"unknown board is a config error", ErrUnknownBoard.WithMessage("visionfive2"), ErrConfig, true},
		{"wrapped unknown board", fmt.Errorf("resolve: %w", ErrUnknownBoard), ErrConfig, true},
		{"config error is not an unknown board", ErrConfig, ErrUnknownBoard, false},
		{"missing binary is a toolchain error", ErrToolchainMissing, ErrToolchain, true},
		{"capacity is not a format error", ErrImageCapacity, ErrFormat, false},
		{"other domain", ErrUnknownBoard, ErrToolchain, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.target); got != tt.want {
				t.Errorf("Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.want)
			}
		})
	}
}

func TestError_WrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := ErrIO.WithCause(cause)

	if !Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	want := "io.failed: I/O error: disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", fmt.Errorf("boom"), true},
		{"config", ErrConfig, true},
		{"capacity", ErrImageCapacity.WithMessage("too small"), true},
		{"entry missing", ErrEntryMissing.WithMessage("b"), false},
		{"wrapped warning", fmt.Errorf("copy: %w", ErrEntryMissing), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.want {
				t.Errorf("IsFatal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetDomainAndCode(t *testing.T) {
	err := fmt.Errorf("step: %w", ErrExtraction.WithMessage("not an ELF"))
	if GetDomain(err) != DomainExtraction {
		t.Errorf("GetDomain() = %q, want %q", GetDomain(err), DomainExtraction)
	}
	if GetCode(err) != CodeFailed {
		t.Errorf("GetCode() = %q, want %q", GetCode(err), CodeFailed)
	}
	if GetDomain(fmt.Errorf("plain")) != "" {
		t.Error("expected empty domain for plain errors")
	}
}
