package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrThreadConfinement       = errors.New("hot-path call from a goroutine that does not own the provider")
	ErrInitialization          = errors.New("provider initialization failed")
	ErrResourceCreation        = errors.New("backend failed to create resource")
	ErrDescriptorHeapExhausted = errors.New("descriptor heap exhausted")
	ErrInvalidReference        = errors.New("unknown resource id")
	ErrLeakDetected            = errors.New("outstanding allocations at shutdown")
	ErrNotRunning              = errors.New("provider is not running")
	ErrFenceTimeout            = errors.New("fence wait timed out")
	ErrUnknown                 = errors.New("unknown")
)

// ThreadConfinementError reports a hot-path call made without the owner token.
type ThreadConfinementError struct {
	Operation string
	Owner     string
	Caller    string
}

func (e *ThreadConfinementError) Error() string {
	return fmt.Sprintf("%s: %s called by %s, owner is %s", ErrThreadConfinement, e.Operation, e.Caller, e.Owner)
}

func (e *ThreadConfinementError) Unwrap() error { return ErrThreadConfinement }

// InitializationError carries the backend's warning list when construction fails.
type InitializationError struct {
	Backend  string
	Warnings []string
	Err      error
}

func (e *InitializationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: backend %q: %v", ErrInitialization, e.Backend, e.Err)
	if len(e.Warnings) > 0 {
		fmt.Fprintf(&b, " (warnings: %s)", strings.Join(e.Warnings, "; "))
	}
	return b.String()
}

func (e *InitializationError) Unwrap() []error { return []error{ErrInitialization, e.Err} }

// LeakError lists what was still outstanding when a subsystem shut down.
type LeakError struct {
	Subsystem string
	Count     int
	Bytes     uint64
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("%s: %s has %d outstanding (%d bytes)", ErrLeakDetected, e.Subsystem, e.Count, e.Bytes)
}

func (e *LeakError) Unwrap() error { return ErrLeakDetected }
