// Package cache provides the job cache: a leased, revisioned store of
// in-flight jobs used as the coordination primitive between the Job API
// and the scheduler. Two backends are provided, an in-process map for
// single-node deployments and a relational one for HA deployments.
package cache

import (
	"fmt"
	"sort"

	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

// Shared sentinel errors for backend implementations. Callers outside the
// scheduler never see SUPERSEDED or LEASE_CONFLICT.
var (
	ErrEntryExists   = models.NewError(models.ErrAlreadyExists, "cache entry already exists")
	ErrEntryNotFound = models.NewError(models.ErrNotFound, "cache entry not found")
	ErrSuperseded    = models.NewError(models.ErrSuperseded, "cache entry superseded")
	ErrLeaseConflict = models.NewError(models.ErrLeaseConflict, "cache entry lease held by another ticket")
)

// Registry maps backend protocol names to factories. Registries are
// threaded through the app context rather than held in process globals.
type Registry struct {
	factories map[string]interfaces.JobCacheFactory
}

// NewRegistry creates an empty cache backend registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]interfaces.JobCacheFactory)}
}

// Register adds a backend factory under a protocol name
func (r *Registry) Register(protocol string, factory interfaces.JobCacheFactory) {
	r.factories[protocol] = factory
}

// Create instantiates the backend selected by protocol name
func (r *Registry) Create(protocol string) (interfaces.JobCache, error) {
	factory, ok := r.factories[protocol]
	if !ok {
		return nil, fmt.Errorf("unknown cache backend %q (registered: %v)", protocol, r.Protocols())
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
