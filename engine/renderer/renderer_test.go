package renderer

import (
	"errors"
	"testing"
)

func TestRegisterAndOpen(t *testing.T) {
	Register("test-null", func() GraphicsBackend { return nil })
	found := false
	for _, n := range Drivers() {
		if n == "test-null" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Drivers() = %v, missing test-null", Drivers())
	}
	if _, err := Open("test-null"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := Open("does-not-exist"); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("Open unknown: err = %v", err)
	}
}
