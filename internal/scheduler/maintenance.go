// -----------------------------------------------------------------------
// Scheduler Maintenance - periodic sweep over the cache for diagnostics
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"time"

	"github.com/ternarybob/conductor/internal/models"
)

// runMaintenance is the cron entry point: it surveys the pending set,
// logs status counts and flags diagnostics that need operator attention.
// Stale leases are reclaimed lazily by OpenTicket, so the sweep only
// reports them.
func (s *Scheduler) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	entries, err := s.cache.QueryState(ctx, models.PendingStatuses)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Maintenance sweep failed to query cache")
		return
	}

	now := s.clock.Now()
	byStatus := make(map[models.JobStatusCode]int)
	var staleLeases, corrupt, stalled int

	for _, entry := range entries {
		byStatus[entry.Status]++

		if entry.LeaseOwner != "" && !entry.LeaseExpiry.After(now) {
			staleLeases++
			s.logger.Debug().
				Str("key", entry.Key).
				Str("lease_owner", entry.LeaseOwner).
				Str("lease_expiry", entry.LeaseExpiry.Format(time.RFC3339)).
				Msg("Stale lease awaiting reclaim")
		}
		if _, err := models.DecodeJobState(entry.Value); err != nil {
			corrupt++
		}
		if now.Sub(entry.LastActivity) > 10*s.tickInterval {
			stalled++
		}
	}

	log := s.logger.Info().
		Int("entries", len(entries)).
		Int("stale_leases", staleLeases).
		Int("stalled", stalled)
	for status, count := range byStatus {
		log = log.Int("status_"+string(status), count)
	}
	log.Msg("Maintenance sweep completed")

	if corrupt > 0 {
		s.logger.Warn().Int("corrupt", corrupt).Msg("Corrupt cache entries present, operator action required")
	}
}
