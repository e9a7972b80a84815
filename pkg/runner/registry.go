package runner

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind is returned when a serialized runner names a predictor kind
// that is not registered in this binary.
var ErrUnknownKind = errors.New("unknown predictor kind")

// Factory builds a Runner from an opaque configuration blob. The same blob is
// stored in the build context and handed back to the factory inside the
// container.
type Factory func(config []byte) (*Runner, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a predictor kind available to FromRegistry and Load. It is
// meant to be called from init functions and panics if kind is empty or
// already registered.
func Register(kind string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if kind == "" {
		panic("runner: Register with empty kind")
	}
	if factory == nil {
		panic("runner: Register factory is nil for kind " + kind)
	}
	if _, dup := factories[kind]; dup {
		panic("runner: Register called twice for kind " + kind)
	}
	factories[kind] = factory
}

// Kinds returns the registered predictor kinds in sorted order.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// FromRegistry builds a Runner through the factory registered for kind. The
// returned Runner remembers kind and config so it can be serialized.
func FromRegistry(kind string, config []byte) (*Runner, error) {
	factoriesMu.RLock()
	factory, ok := factories[kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	r, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("build %s runner: %w", kind, err)
	}
	if r == nil {
		return nil, fmt.Errorf("build %s runner: factory returned no runner", kind)
	}
	r.kind = kind
	r.config = append([]byte(nil), config...)
	return r, nil
}
