// Package executor provides the pluggable batch executor surface: a
// registry of protocol-named backends plus the local process backend.
package executor

import (
	"fmt"
	"sort"

	"github.com/ternarybob/conductor/internal/interfaces"
)

// Registry maps executor protocol names to factories. Registries are
// threaded through the app context rather than held in process globals.
type Registry struct {
	factories map[string]interfaces.ExecutorFactory
}

// NewRegistry creates an empty executor registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]interfaces.ExecutorFactory)}
}

// Register adds a backend factory under a protocol name
func (r *Registry) Register(protocol string, factory interfaces.ExecutorFactory) {
	r.factories[protocol] = factory
}

// Create instantiates the backend selected by protocol name
func (r *Registry) Create(protocol string) (interfaces.Executor, error) {
	factory, ok := r.factories[protocol]
	if !ok {
		return nil, fmt.Errorf("unknown executor protocol %q (registered: %v)", protocol, r.Protocols())
	}
	return factory()
}

// Protocols lists the registered backend names
func (r *Registry) Protocols() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
