// -----------------------------------------------------------------------
// Job Cache Tests - lease and revision contract across both backends
// -----------------------------------------------------------------------

package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

const testLease = 30 * time.Second

// backends lists every cache backend under test. Both must satisfy the
// same lease and revision contract.
func backends(t *testing.T, clock common.Clock) map[string]interfaces.JobCache {
	t.Helper()
	logger := arbor.NewLogger()

	sqlite, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"), clock, logger)
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]interfaces.JobCache{
		"memory": NewMemoryCache(clock, logger),
		"sqlite": sqlite,
	}
}

func newClock() *common.FakeClock {
	return common.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func addEntry(t *testing.T, cache interfaces.JobCache, key string, status models.JobStatusCode, value []byte) int64 {
	t.Helper()
	ctx := context.Background()

	ticket, err := cache.OpenNewTicket(ctx, key, testLease)
	require.NoError(t, err)
	revision, err := cache.AddEntry(ctx, ticket, status, value)
	require.NoError(t, err)
	require.NoError(t, cache.CloseTicket(ctx, ticket))
	return revision
}

func TestCache_NewEntryLifecycle(t *testing.T) {
	clock := newClock()
	for name, cache := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			revision := addEntry(t, cache, "job-1", models.JobStatusQueued, []byte("v1"))
			assert.Equal(t, int64(1), revision)

			entry, err := cache.GetLatestEntry(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, "job-1", entry.Key)
			assert.Equal(t, int64(1), entry.Revision)
			assert.Equal(t, models.JobStatusQueued, entry.Status)
			assert.Equal(t, []byte("v1"), entry.Value)
		})
	}
}

func TestCache_OpenNewTicket_ExistingEntry(t *testing.T) {
	clock := newClock()
	for name, cache := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			addEntry(t, cache, "job-1", models.JobStatusQueued, []byte("v1"))

			_, err := cache.OpenNewTicket(ctx, "job-1", testLease)
			require.Error(t, err)
			assert.Equal(t, models.ErrAlreadyExists, models.KindOf(err))
		})
	}
}

func TestCache_OpenTicket_StaleRevision(t *testing.T) {
	clock := newClock()
	for name, cache := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			addEntry(t, cache, "job-1", models.JobStatusQueued, []byte("v1"))

			_, err := cache.OpenTicket(ctx, "job-1", 7, testLease)
			require.Error(t, err)
			assert.Equal(t, models.ErrSuperseded, models.KindOf(err))

			_, err = cache.OpenTicket(ctx, "missing", 1, testLease)
			require.Error(t, err)
			assert.Equal(t, models.ErrNotFound, models.KindOf(err))
		})
	}
}

func TestCache_OpenTicket_LeaseConflict(t *testing.T) {
	clock := newClock()
	for name, cache := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			addEntry(t, cache, "job-1", models.JobStatusQueued, []byte("v1"))

			first, err := cache.OpenTicket(ctx, "job-1", 1, testLease)
			require.NoError(t, err)

			_, err = cache.OpenTicket(ctx, "job-1", 1, testLease)
			require.Error(t, err)
			assert.Equal(t, models.ErrLeaseConflict, models.KindOf(err))

			// Released lease is immediately reacquirable
			require.NoError(t, cache.CloseTicket(ctx, first))
			second, err := cache.OpenTicket(ctx, "job-1", 1, testLease)
			require.NoError(t, err)
			cache.CloseTicket(ctx, second)
		})
	}
}

func TestCache_ExpiredLeaseReclaim(t *testing.T) {
	clock := newClock()
	for name, cache := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			addEntry(t, cache, "job-1", models.JobStatusQueued, []byte("v1"))

			stale, err := cache.OpenTicket(ctx, "job-1", 1, testLease)
			require.NoError(t, err)

			// Holder stalls past its lease; another worker takes over
			clock.Advance(testLease + time.Second)

			fresh, err := cache.OpenTicket(ctx, "job-1", 1, testLease)
			require.NoError(t, err)

			// The stale holder's pending write must be discarded, the
			// fresh holder's applied
			_, err = cache.UpdateEntry(ctx, stale, models.JobStatusSubmitted, []byte("stale"))
			require.Error(t, err)
			assert.True(t, models.IsConcurrencyLoss(err))

			revision, err := cache.UpdateEntry(ctx, fresh, models.JobStatusSubmitted, []byte("fresh"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), revision)

			entry, err := cache.GetLatestEntry(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, []byte("fresh"), entry.Value)
		})
	}
}

func TestCache_OneMutationPerTicket(t *testing.T) {
	clock := newClock()
	for name, cache := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			addEntry(t, cache, "job-1", models.JobStatusQueued, []byte("v1"))

			ticket, err := cache.OpenTicket(ctx, "job-1", 1, testLease)
			require.NoError(t, err)

			revision, err := cache.UpdateEntry(ctx, ticket, models.JobStatusSubmitted, []byte("v2"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), revision)

			// The entry moved past the ticket's revision: a second
			// mutation under the same ticket must not apply
			_, err = cache.UpdateEntry(ctx, ticket, models.JobStatusRunning, []byte("v3"))
			require.Error(t, err)
			assert.True(t, models.IsConcurrencyLoss(err))

			entry, err := cache.GetLatestEntry(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), entry.Revision)
			assert.Equal(t, []byte("v2"), entry.Value)
		})
	}
}

func TestCache_RevisionBumpsByOne(t *testing.T) {
	clock := newClock()
	for name, cache := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			addEntry(t, cache, "job-1", models.JobStatusQueued, []byte("v1"))

			for want := int64(2); want <= 5; want++ {
				ticket, err := cache.OpenTicket(ctx, "job-1", want-1, testLease)
				require.NoError(t, err)
				revision, err := cache.UpdateEntry(ctx, ticket, models.JobStatusRunning, []byte("v"))
				require.NoError(t, err)
				assert.Equal(t, want, revision)
				require.NoError(t, cache.CloseTicket(ctx, ticket))
			}
		})
	}
}

func TestCache_CloseTicketDiscardsPlaceholder(t *testing.T) {
	clock := newClock()
	for name, cache := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ticket, err := cache.OpenNewTicket(ctx, "job-1", testLease)
			require.NoError(t, err)
			require.NoError(t, cache.CloseTicket(ctx, ticket))

			// Placeholder gone: the key is free again
			_, err = cache.GetLatestEntry(ctx, "job-1")
			require.Error(t, err)
			assert.Equal(t, models.ErrNotFound, models.KindOf(err))

			again, err := cache.OpenNewTicket(ctx, "job-1", testLease)
			require.NoError(t, err)
			cache.CloseTicket(ctx, again)
		})
	}
}

func TestCache_ExpiredPlaceholderReclaim(t *testing.T) {
	clock := newClock()
	for name, cache := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			stale, err := cache.OpenNewTicket(ctx, "job-1", testLease)
			require.NoError(t, err)

			// A second new-entry ticket conflicts while the lease holds
			_, err = cache.OpenNewTicket(ctx, "job-1", testLease)
			require.Error(t, err)
			assert.Equal(t, models.ErrLeaseConflict, models.KindOf(err))

			clock.Advance(testLease + time.Second)

			fresh, err := cache.OpenNewTicket(ctx, "job-1", testLease)
			require.NoError(t, err)
			_, err = cache.AddEntry(ctx, fresh, models.JobStatusQueued, []byte("v1"))
			require.NoError(t, err)
			cache.CloseTicket(ctx, fresh)

			_, err = cache.AddEntry(ctx, stale, models.JobStatusQueued, []byte("stale"))
			require.Error(t, err)
			assert.True(t, models.IsConcurrencyLoss(err))
		})
	}
}

func TestCache_QueryState(t *testing.T) {
	clock := newClock()
	for name, cache := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			addEntry(t, cache, "job-1", models.JobStatusQueued, []byte("a"))
			addEntry(t, cache, "job-2", models.JobStatusRunning, []byte("b"))
			addEntry(t, cache, "job-3", models.JobStatusSucceeded, []byte("c"))

			// An open placeholder must never surface in a scan
			placeholder, err := cache.OpenNewTicket(ctx, "job-4", testLease)
			require.NoError(t, err)
			defer cache.CloseTicket(ctx, placeholder)

			entries, err := cache.QueryState(ctx, []models.JobStatusCode{models.JobStatusQueued, models.JobStatusRunning})
			require.NoError(t, err)
			keys := make(map[string]bool)
			for _, e := range entries {
				keys[e.Key] = true
			}
			assert.Equal(t, map[string]bool{"job-1": true, "job-2": true}, keys)

			all, err := cache.QueryState(ctx, models.PendingStatuses)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestCache_RemoveEntry(t *testing.T) {
	clock := newClock()
	for name, cache := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			addEntry(t, cache, "job-1", models.JobStatusSucceeded, []byte("done"))

			ticket, err := cache.OpenTicket(ctx, "job-1", 1, testLease)
			require.NoError(t, err)
			require.NoError(t, cache.RemoveEntry(ctx, ticket))

			_, err = cache.GetLatestEntry(ctx, "job-1")
			require.Error(t, err)
			assert.Equal(t, models.ErrNotFound, models.KindOf(err))
		})
	}
}

func TestCache_GetEntryAt(t *testing.T) {
	clock := newClock()
	for name, cache := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			addEntry(t, cache, "job-1", models.JobStatusQueued, []byte("v1"))

			entry, err := cache.GetEntryAt(ctx, "job-1", 1)
			require.NoError(t, err)
			assert.Equal(t, int64(1), entry.Revision)

			_, err = cache.GetEntryAt(ctx, "job-1", 2)
			require.Error(t, err)
			assert.Equal(t, models.ErrSuperseded, models.KindOf(err))
		})
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	registry.Register("memory", func() (interfaces.JobCache, error) {
		return NewMemoryCache(newClock(), arbor.NewLogger()), nil
	})

	cache, err := registry.Create("memory")
	require.NoError(t, err)
	assert.Equal(t, "memory", cache.Name())

	_, err = registry.Create("redis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cache backend")
	assert.Equal(t, []string{"memory"}, registry.Protocols())
}
