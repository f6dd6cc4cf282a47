package renderer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/spaghettifunk/framekit/engine/core"
)

// ErrUnknownBackend is returned by Open for names nobody registered.
var ErrUnknownBackend = errors.New("renderer: unknown backend")

// Factory builds a fresh, uninitialized backend.
type Factory func() GraphicsBackend

var (
	mu        sync.Mutex
	factories = map[string]Factory{}
)

// Register makes a backend available by name. Backend packages call it from init.
// Registering the same name twice replaces the earlier factory.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := factories[name]; ok {
		core.LogWarn("renderer: backend %q registered twice, replacing", name)
	}
	factories[name] = factory
}

// Open builds the named backend. The caller initializes it.
func Open(name string) (GraphicsBackend, error) {
	mu.Lock()
	f, ok := factories[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownBackend, name, Drivers())
	}
	return f(), nil
}

// Drivers returns the registered backend names, sorted.
func Drivers() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
