package core

import (
	"errors"
	"testing"
)

func TestErrorTaxonomyUnwraps(t *testing.T) {
	cause := errors.New("no device")
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"confinement", &ThreadConfinementError{Operation: "BeginFrame", Owner: "a", Caller: "b"}, ErrThreadConfinement},
		{"init sentinel", &InitializationError{Backend: "vulkan", Err: cause}, ErrInitialization},
		{"init cause", &InitializationError{Backend: "vulkan", Err: cause}, cause},
		{"leak", &LeakError{Subsystem: "memory", Count: 2, Bytes: 64}, ErrLeakDetected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.target) {
				t.Fatalf("errors.Is(%v, %v) = false", tt.err, tt.target)
			}
		})
	}
}

func TestInitializationErrorCarriesWarnings(t *testing.T) {
	err := error(&InitializationError{Backend: "vulkan", Warnings: []string{"no validation layers"}, Err: errors.New("x")})
	var ie *InitializationError
	if !errors.As(err, &ie) || len(ie.Warnings) != 1 {
		t.Fatalf("errors.As failed: %v", err)
	}
}
