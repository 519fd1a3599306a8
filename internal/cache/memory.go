// -----------------------------------------------------------------------
// Memory Cache - in-process job cache backend for single-node deployments
// -----------------------------------------------------------------------

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

// memoryEntry is the stored form of a cache entry. A revision of zero
// marks a placeholder created by OpenNewTicket before AddEntry commits.
type memoryEntry struct {
	revision     int64
	status       models.JobStatusCode
	value        []byte
	lastActivity time.Time
	leaseTicket  string
	leaseExpiry  time.Time
}

// MemoryCache is the in-process job cache backend. All lease expiry math
// goes through the injected clock so stale-lease reclaim is testable
// without sleeping.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	clock   common.Clock
	logger  arbor.ILogger
}

// NewMemoryCache creates an in-process cache backend
func NewMemoryCache(clock common.Clock, logger arbor.ILogger) interfaces.JobCache {
	return &MemoryCache{
		entries: make(map[string]*memoryEntry),
		clock:   clock,
		logger:  logger,
	}
}

func (c *MemoryCache) Name() string {
	return "memory"
}

func (c *MemoryCache) Close() error {
	return nil
}

// leaseActive reports whether the entry holds an unexpired lease.
func (e *memoryEntry) leaseActive(now time.Time) bool {
	return e.leaseTicket != "" && e.leaseExpiry.After(now)
}

func (c *MemoryCache) newTicket(key string, revision int64, duration time.Duration, isNew bool) *models.Ticket {
	return &models.Ticket{
		ID:       common.NewTicketID(),
		Key:      key,
		Revision: revision,
		Expiry:   c.clock.Now().Add(duration),
		Duration: duration,
		New:      isNew,
	}
}

// OpenNewTicket opens a ticket for a key with no existing entry. A stale
// placeholder from an expired new-entry ticket is reclaimed in place.
func (c *MemoryCache) OpenNewTicket(ctx context.Context, key string, duration time.Duration) (*models.Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if entry, ok := c.entries[key]; ok {
		if entry.revision > 0 {
			return nil, ErrEntryExists
		}
		if entry.leaseActive(now) {
			return nil, ErrLeaseConflict
		}
		// Expired placeholder, reclaim
	}

	ticket := c.newTicket(key, 0, duration, true)
	c.entries[key] = &memoryEntry{
		revision:     0,
		lastActivity: now,
		leaseTicket:  ticket.ID,
		leaseExpiry:  ticket.Expiry,
	}
	return ticket, nil
}

// OpenTicket opens a ticket at a known revision, failing fast on stale
// revisions and on outstanding unexpired leases.
func (c *MemoryCache) OpenTicket(ctx context.Context, key string, revision int64, duration time.Duration) (*models.Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.revision == 0 {
		return nil, ErrEntryNotFound
	}
	if entry.revision != revision {
		return nil, ErrSuperseded
	}
	now := c.clock.Now()
	if entry.leaseActive(now) {
		return nil, ErrLeaseConflict
	}

	ticket := c.newTicket(key, revision, duration, false)
	entry.leaseTicket = ticket.ID
	entry.leaseExpiry = ticket.Expiry
	return ticket, nil
}

// CloseTicket releases the lease. Safe to call multiple times; a close
// after expiry or supersession is a no-op.
func (c *MemoryCache) CloseTicket(ctx context.Context, ticket *models.Ticket) error {
	if ticket == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[ticket.Key]
	if !ok || entry.leaseTicket != ticket.ID {
		return nil
	}
	if entry.revision == 0 {
		// New-entry ticket closed without AddEntry: discard placeholder
		delete(c.entries, ticket.Key)
		return nil
	}
	entry.leaseTicket = ""
	entry.leaseExpiry = time.Time{}
	return nil
}

// validTicket classifies a mutation attempt. Expired or superseded
// tickets fail so pending mutations are discarded, never half-applied.
func (c *MemoryCache) validTicket(entry *memoryEntry, ticket *models.Ticket) error {
	if entry.leaseTicket != ticket.ID {
		if entry.revision != ticket.Revision {
			return ErrSuperseded
		}
		return ErrLeaseConflict
	}
	if !entry.leaseExpiry.After(c.clock.Now()) {
		return ErrSuperseded
	}
	if entry.revision != ticket.Revision {
		return ErrSuperseded
	}
	return nil
}

func (c *MemoryCache) AddEntry(ctx context.Context, ticket *models.Ticket, status models.JobStatusCode, value []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[ticket.Key]
	if !ok || !ticket.New {
		return 0, ErrSuperseded
	}
	if err := c.validTicket(entry, ticket); err != nil {
		return 0, err
	}

	entry.revision = 1
	entry.status = status
	entry.value = append([]byte(nil), value...)
	entry.lastActivity = c.clock.Now()
	return entry.revision, nil
}

func (c *MemoryCache) UpdateEntry(ctx context.Context, ticket *models.Ticket, status models.JobStatusCode, value []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[ticket.Key]
	if !ok {
		return 0, ErrEntryNotFound
	}
	if err := c.validTicket(entry, ticket); err != nil {
		return 0, err
	}

	entry.revision++
	entry.status = status
	entry.value = append([]byte(nil), value...)
	entry.lastActivity = c.clock.Now()
	return entry.revision, nil
}

func (c *MemoryCache) RemoveEntry(ctx context.Context, ticket *models.Ticket) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[ticket.Key]
	if !ok {
		return ErrEntryNotFound
	}
	if err := c.validTicket(entry, ticket); err != nil {
		return err
	}

	delete(c.entries, ticket.Key)
	return nil
}

func (c *MemoryCache) snapshot(key string, entry *memoryEntry) *models.CacheEntry {
	return &models.CacheEntry{
		Key:          key,
		Revision:     entry.revision,
		Status:       entry.status,
		Value:        append([]byte(nil), entry.value...),
		LastActivity: entry.lastActivity,
		LeaseOwner:   entry.leaseTicket,
		LeaseExpiry:  entry.leaseExpiry,
	}
}

func (c *MemoryCache) GetEntry(ctx context.Context, ticket *models.Ticket) (*models.CacheEntry, error) {
	return c.GetEntryAt(ctx, ticket.Key, ticket.Revision)
}

func (c *MemoryCache) GetEntryAt(ctx context.Context, key string, revision int64) (*models.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.revision == 0 {
		return nil, ErrEntryNotFound
	}
	if entry.revision != revision {
		return nil, ErrSuperseded
	}
	return c.snapshot(key, entry), nil
}

func (c *MemoryCache) GetLatestEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.revision == 0 {
		return nil, ErrEntryNotFound
	}
	return c.snapshot(key, entry), nil
}

// QueryState returns the latest revision of each entry whose status is in
// the set. It does not acquire leases.
func (c *MemoryCache) QueryState(ctx context.Context, statuses []models.JobStatusCode) ([]*models.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wanted := make(map[models.JobStatusCode]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var results []*models.CacheEntry
	for key, entry := range c.entries {
		if entry.revision == 0 || !wanted[entry.status] {
			continue
		}
		results = append(results, c.snapshot(key, entry))
	}
	return results, nil
}
