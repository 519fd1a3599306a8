package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/conductor/internal/models"
)

// JobCache is the coordination primitive for in-flight jobs: a leased,
// revisioned store of opaque entries. Backends must guarantee:
//
//  1. At any wall-clock instant, at most one unexpired lease exists per key.
//  2. Lease expiry is wall-clock driven; stale leases are reclaimable
//     without operator action.
//  3. OpenTicket with a stale revision fails fast with SUPERSEDED.
//  4. Entry values are opaque blobs; the cache never inspects them.
//
// Every successful mutation bumps the entry revision by exactly one.
type JobCache interface {
	// OpenNewTicket opens a ticket for a key with no existing entry.
	// Fails with ALREADY_EXISTS when an entry is present.
	OpenNewTicket(ctx context.Context, key string, duration time.Duration) (*models.Ticket, error)

	// OpenTicket opens a ticket at a known revision. Fails with
	// SUPERSEDED when the current revision differs and LEASE_CONFLICT
	// when another unexpired lease is outstanding.
	OpenTicket(ctx context.Context, key string, revision int64, duration time.Duration) (*models.Ticket, error)

	// CloseTicket releases the lease. Safe to call multiple times.
	CloseTicket(ctx context.Context, ticket *models.Ticket) error

	// AddEntry creates the entry under a new-entry ticket at revision 1.
	AddEntry(ctx context.Context, ticket *models.Ticket, status models.JobStatusCode, value []byte) (int64, error)

	// UpdateEntry rewrites status and value under a valid ticket,
	// returning the new revision.
	UpdateEntry(ctx context.Context, ticket *models.Ticket, status models.JobStatusCode, value []byte) (int64, error)

	// RemoveEntry deletes the entry under a valid ticket.
	RemoveEntry(ctx context.Context, ticket *models.Ticket) error

	// GetEntry reads the snapshot the ticket was opened against.
	GetEntry(ctx context.Context, ticket *models.Ticket) (*models.CacheEntry, error)

	// GetEntryAt reads a snapshot only if the current revision matches.
	GetEntryAt(ctx context.Context, key string, revision int64) (*models.CacheEntry, error)

	// GetLatestEntry reads the latest snapshot plus its revision.
	GetLatestEntry(ctx context.Context, key string) (*models.CacheEntry, error)

	// QueryState returns the latest revision of each entry whose status
	// is in the set. It does not acquire leases.
	QueryState(ctx context.Context, statuses []models.JobStatusCode) ([]*models.CacheEntry, error)

	// Name identifies the backend for logs and status reporting.
	Name() string

	// Close releases backend resources.
	Close() error
}

// JobCacheFactory produces a cache backend from its protocol-specific
// configuration. Backends register by protocol name; configuration
// selects by name.
type JobCacheFactory func() (JobCache, error)
