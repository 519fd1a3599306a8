// -----------------------------------------------------------------------
// Scheduler - cooperative tick loop driving the job state machine
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/lifecycle"
	"github.com/ternarybob/conductor/internal/metrics"
	"github.com/ternarybob/conductor/internal/models"
	"github.com/ternarybob/conductor/internal/processor"
)

// Scheduler owns the orchestration loop: on every tick it scans the
// cache for pending entries, decides the next action per entry through
// the processor, performs the external call under a lease and writes the
// outcome back at the revision it read. Conflicting writers lose the
// ticket race and skip silently; external side-effects are reconciled on
// the next tick.
type Scheduler struct {
	cache     interfaces.JobCache
	executor  interfaces.Executor
	lifecycle *lifecycle.Service
	meta      interfaces.MetadataClient
	events    interfaces.EventService
	clock     common.Clock
	logger    arbor.ILogger

	tickInterval  time.Duration
	pollInterval  time.Duration
	leaseDuration time.Duration
	opTimeout     time.Duration
	workers       int
	maxRetries    int
	pollLimiter   *rate.Limiter

	maintenance *cron.Cron

	// inFlight dedupes entries across overlapping ticks: one action per
	// key at a time.
	mu       sync.Mutex
	inFlight map[string]bool

	cancel context.CancelFunc
	done   chan struct{}

	// tick counters for the status endpoint
	stats Stats
}

// Stats is a snapshot of scheduler counters for status reporting.
type Stats struct {
	Ticks      int64     `json:"ticks"`
	LastTick   time.Time `json:"last_tick,omitempty"`
	LastQueued int       `json:"last_queued"`
}

// New creates the scheduler from its configuration and collaborators.
func New(config *common.SchedulerConfig, cache interfaces.JobCache, exec interfaces.Executor, lc *lifecycle.Service, meta interfaces.MetadataClient, events interfaces.EventService, clock common.Clock, logger arbor.ILogger) (*Scheduler, error) {
	tick, err := config.TickIntervalValue()
	if err != nil {
		return nil, err
	}
	poll, err := config.PollIntervalValue()
	if err != nil {
		return nil, err
	}
	lease, err := config.LeaseDurationValue()
	if err != nil {
		return nil, err
	}
	opTimeout, err := config.OperationTimeoutValue()
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if config.PollRate > 0 {
		limit = rate.Limit(config.PollRate)
	}

	workers := config.Workers
	if workers <= 0 {
		workers = 1
	}

	s := &Scheduler{
		cache:         cache,
		executor:      exec,
		lifecycle:     lc,
		meta:          meta,
		events:        events,
		clock:         clock,
		logger:        logger,
		tickInterval:  tick,
		pollInterval:  poll,
		leaseDuration: lease,
		opTimeout:     opTimeout,
		workers:       workers,
		maxRetries:    config.MaxRetries,
		pollLimiter:   rate.NewLimiter(limit, 1),
		inFlight:      make(map[string]bool),
	}

	if config.MaintenanceSchedule != "" {
		s.maintenance = cron.New()
		if _, err := s.maintenance.AddFunc(config.MaintenanceSchedule, s.runMaintenance); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start launches the tick loop and the maintenance schedule.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	if s.maintenance != nil {
		s.maintenance.Start()
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		s.logger.Info().
			Str("tick_interval", s.tickInterval.String()).
			Int("workers", s.workers).
			Msg("Scheduler started")

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Tick(runCtx)
			}
		}
	}()
}

// Stop halts the loop and waits for the current tick to drain.
func (s *Scheduler) Stop() {
	if s.maintenance != nil {
		s.maintenance.Stop()
	}
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.logger.Info().Msg("Scheduler stopped")
}

// Snapshot returns the current scheduler counters.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Tick runs one scan over the pending set. Exported so tests can drive
// the scheduler deterministically without the timer loop.
func (s *Scheduler) Tick(ctx context.Context) {
	started := s.clock.Now()

	entries, err := s.cache.QueryState(ctx, models.PendingStatuses)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Cache query failed, skipping tick")
		return
	}

	metrics.SetInFlight(len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, entry := range entries {
		if !s.acquire(entry.Key) {
			continue
		}
		entry := entry
		g.Go(func() error {
			defer s.release(entry.Key)
			s.processEntry(gctx, entry)
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	s.stats.Ticks++
	s.stats.LastTick = started
	s.stats.LastQueued = len(entries)
	s.mu.Unlock()

	metrics.ObserveTick(s.clock.Now().Sub(started))
}

func (s *Scheduler) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[key] {
		return false
	}
	s.inFlight[key] = true
	return true
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
}

// processEntry advances one cache entry by a single action.
func (s *Scheduler) processEntry(ctx context.Context, entry *models.CacheEntry) {
	log := s.logger.WithCorrelationId(entry.Key)

	state, err := models.DecodeJobState(entry.Value)
	if err != nil {
		s.quarantineCorrupt(ctx, entry, err)
		return
	}

	action := processor.Step(state)
	if action == processor.ActionNone {
		return
	}
	if action == processor.ActionPoll {
		if !processor.PollDue(state, s.clock.Now(), s.pollInterval) {
			return
		}
		if !s.pollLimiter.Allow() {
			// Over the poll budget for this second, try again next tick
			return
		}
	}

	ticket, err := s.cache.OpenTicket(ctx, entry.Key, entry.Revision, s.leaseDuration)
	if err != nil {
		if models.IsConcurrencyLoss(err) {
			log.Debug().Str("action", string(action)).Msg("Entry claimed elsewhere, skipping")
			return
		}
		log.Warn().Err(err).Msg("Failed to open ticket")
		return
	}
	defer s.cache.CloseTicket(ctx, ticket)

	switch action {
	case processor.ActionSubmit:
		s.runAction(ctx, ticket, state, action, s.submit)
	case processor.ActionPoll:
		s.runAction(ctx, ticket, state, action, s.poll)
	case processor.ActionFetchResult:
		s.runAction(ctx, ticket, state, action, s.fetchResult)
	case processor.ActionCancel:
		s.finalize(ctx, ticket, state, true)
	case processor.ActionRecord:
		s.finalize(ctx, ticket, state, false)
	}
}

// runAction performs one external call and writes the outcome under the
// held ticket. A failed call is folded into retry bookkeeping; a lost
// lease discards the pending write.
func (s *Scheduler) runAction(ctx context.Context, ticket *models.Ticket, state *models.JobState, action processor.Action, call func(context.Context, *models.JobState) (*models.JobState, error)) {
	log := s.logger.WithCorrelationId(ticket.Key)

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	next, err := call(opCtx, state)
	cancel()

	if err != nil {
		if models.IsConcurrencyLoss(err) {
			return
		}
		next = processor.ApplyFailure(state, err, s.maxRetries)
		if next.Job.StatusCode != models.JobStatusFailed {
			metrics.IncRetry()
			log.Warn().Err(err).
				Str("action", string(action)).
				Int("retries", next.Retries).
				Msg("Action failed, will retry")
		} else {
			log.Warn().Err(err).
				Str("action", string(action)).
				Msg("Action failed, job moved to FAILED")
		}
	}

	s.writeState(ctx, ticket, state, next)
}

// writeState persists the next state under the ticket and publishes the
// transition. Returns the new revision, or -1 when the write was lost.
func (s *Scheduler) writeState(ctx context.Context, ticket *models.Ticket, prev, next *models.JobState) int64 {
	log := s.logger.WithCorrelationId(ticket.Key)

	value, err := next.Encode()
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode job state")
		return -1
	}

	revision, err := s.cache.UpdateEntry(ctx, ticket, next.Job.StatusCode, value)
	if err != nil {
		if models.IsConcurrencyLoss(err) {
			log.Debug().Msg("Lease lost before write, discarding pending mutation")
		} else {
			log.Warn().Err(err).Msg("Failed to write job state")
		}
		return -1
	}

	if next.Job.StatusCode != prev.Job.StatusCode {
		metrics.IncTransition(next.Job.StatusCode)
		s.publishStatus(ctx, next.Job)
		s.recordTransition(ctx, next.Job)
		log.Info().
			Str("from", string(prev.Job.StatusCode)).
			Str("to", string(next.Job.StatusCode)).
			Int64("revision", revision).
			Msg("Job transitioned")
	}
	return revision
}

// recordTransition mirrors a status change onto the job's metadata tag,
// so callers resolving a job without a live cache entry still see the
// latest transition. Best effort: the cache stays authoritative and a
// missed mirror is corrected by the next transition or the terminal
// recording.
func (s *Scheduler) recordTransition(ctx context.Context, job *models.Job) {
	if job.JobID == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if _, err := s.lifecycle.RecordUpdate(opCtx, job); err != nil {
		s.logger.WithCorrelationId(job.JobKey).Warn().Err(err).Msg("Failed to mirror status onto job tag")
	}
}

func (s *Scheduler) publishStatus(ctx context.Context, job *models.Job) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventJobStatusChanged,
		Payload: job.Status(),
	})
}

// quarantineCorrupt forces an undecodable entry to FAILED while
// preserving the original blob for diagnostics. Entries already FAILED
// are left alone; removal needs an operator because the job inside is
// unrecoverable.
func (s *Scheduler) quarantineCorrupt(ctx context.Context, entry *models.CacheEntry, cause error) {
	log := s.logger.WithCorrelationId(entry.Key)

	if entry.Status == models.JobStatusFailed {
		log.Debug().Msg("Corrupt entry already quarantined")
		return
	}
	log.Error().Err(cause).Msg("Cache entry is corrupt, forcing FAILED")

	ticket, err := s.cache.OpenTicket(ctx, entry.Key, entry.Revision, s.leaseDuration)
	if err != nil {
		if !models.IsConcurrencyLoss(err) {
			log.Warn().Err(err).Msg("Failed to open ticket for corrupt entry")
		}
		return
	}
	defer s.cache.CloseTicket(ctx, ticket)

	if _, err := s.cache.UpdateEntry(ctx, ticket, models.JobStatusFailed, entry.Value); err != nil && !models.IsConcurrencyLoss(err) {
		log.Warn().Err(err).Msg("Failed to quarantine corrupt entry")
	}
}
