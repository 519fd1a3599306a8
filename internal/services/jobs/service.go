// -----------------------------------------------------------------------
// Job Service - synchronous Job API: validate, submit, check, cancel, follow
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/lifecycle"
	"github.com/ternarybob/conductor/internal/metrics"
	"github.com/ternarybob/conductor/internal/models"
	"github.com/ternarybob/conductor/internal/processor"
)

// cancelRetryDelay paces the CAS loop in CancelJob while another worker
// holds the entry's lease. The loop runs until the request context ends,
// so a lease held across an external call (up to the operation timeout)
// is outwaited rather than surfaced to the caller.
const cancelRetryDelay = 100 * time.Millisecond

// Service implements the Job API. It is stateless: the job cache and the
// metadata store hold all durable state.
type Service struct {
	cache         interfaces.JobCache
	meta          interfaces.MetadataClient
	lifecycle     *lifecycle.Service
	events        interfaces.EventService
	leaseDuration time.Duration
	logger        arbor.ILogger
}

// NewService creates the job service
func NewService(cache interfaces.JobCache, meta interfaces.MetadataClient, lc *lifecycle.Service, events interfaces.EventService, leaseDuration time.Duration, logger arbor.ILogger) interfaces.JobService {
	return &Service{
		cache:         cache,
		meta:          meta,
		lifecycle:     lc,
		events:        events,
		leaseDuration: leaseDuration,
		logger:        logger,
	}
}

// ValidateJob assembles and validates without persisting anything.
func (s *Service) ValidateJob(ctx context.Context, tenant string, request *models.JobRequest) (*models.JobStatus, error) {
	job, err := lifecycle.NewJob(tenant, request)
	if err != nil {
		return nil, err
	}
	assembled, err := s.lifecycle.AssembleAndValidate(ctx, job)
	if err != nil {
		return nil, err
	}
	status := assembled.Status()
	return &status, nil
}

// SubmitJob validates the job, saves its initial metadata and queues a
// cache entry. When the cache insertion fails the metadata write stays
// behind as an orphan; the preallocated id is never reused.
func (s *Service) SubmitJob(ctx context.Context, tenant string, request *models.JobRequest) (*models.JobStatus, error) {
	job, err := lifecycle.NewJob(tenant, request)
	if err != nil {
		return nil, err
	}
	assembled, err := s.lifecycle.AssembleAndValidate(ctx, job)
	if err != nil {
		return nil, err
	}
	saved, err := s.lifecycle.SaveInitialMetadata(ctx, assembled)
	if err != nil {
		return nil, err
	}

	saved.StatusCode = models.JobStatusQueued
	saved.StatusMessage = ""
	value, err := models.NewJobState(saved).Encode()
	if err != nil {
		return nil, err
	}

	ticket, err := s.cache.OpenNewTicket(ctx, saved.JobKey, s.leaseDuration)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("job_key", saved.JobKey).
			Msg("Cache insert failed, job metadata left orphaned")
		return nil, err
	}
	defer s.cache.CloseTicket(ctx, ticket)

	if _, err := s.cache.AddEntry(ctx, ticket, models.JobStatusQueued, value); err != nil {
		s.logger.Warn().Err(err).
			Str("job_key", saved.JobKey).
			Msg("Cache insert failed, job metadata left orphaned")
		return nil, err
	}

	metrics.IncSubmitted()
	status := saved.Status()
	s.publish(ctx, status)

	s.logger.Info().
		Str("job_key", saved.JobKey).
		Str("job_type", string(saved.JobType)).
		Msg("Job submitted")
	return &status, nil
}

// CheckJob reads current state, cache first. Terminal or never-submitted
// jobs resolve from their recorded metadata tag.
func (s *Service) CheckJob(ctx context.Context, tenant string, selector models.TagSelector) (*models.JobStatus, error) {
	if !selector.LatestObject && selector.ObjectVersion > 0 {
		key := models.TagHeader{
			ObjectType:    selector.ObjectType,
			ObjectID:      selector.ObjectID,
			ObjectVersion: selector.ObjectVersion,
		}.Key()
		if status, err := s.statusFromCache(ctx, key); err == nil {
			return status, nil
		} else if models.KindOf(err) != models.ErrNotFound {
			return nil, err
		}
		return s.statusFromMetadata(ctx, tenant, selector)
	}

	// A latest selector learns the version behind the cache key from the
	// metadata tag, then the live cache entry outranks the recorded status.
	recorded, err := s.statusFromMetadata(ctx, tenant, selector)
	if err != nil {
		return nil, err
	}
	if status, err := s.statusFromCache(ctx, recorded.JobKey); err == nil {
		return status, nil
	} else if models.KindOf(err) != models.ErrNotFound {
		return nil, err
	}
	return recorded, nil
}

func (s *Service) statusFromCache(ctx context.Context, key string) (*models.JobStatus, error) {
	entry, err := s.cache.GetLatestEntry(ctx, key)
	if err != nil {
		return nil, err
	}

	state, err := models.DecodeJobState(entry.Value)
	if err != nil {
		// Corrupt entry: the status column is still authoritative
		return &models.JobStatus{
			JobKey:        key,
			StatusCode:    entry.Status,
			StatusMessage: "cache entry is corrupt",
		}, nil
	}
	status := state.Job.Status()
	return &status, nil
}

func (s *Service) statusFromMetadata(ctx context.Context, tenant string, selector models.TagSelector) (*models.JobStatus, error) {
	lookup := selector
	lookup.LatestTag = true
	tag, err := s.meta.ReadObject(ctx, tenant, lookup)
	if err != nil {
		return nil, err
	}

	code := models.JobStatusCode(tag.Attrs[lifecycle.AttrJobStatus])
	if code == "" {
		return nil, models.NewErrorf(models.ErrNotFound, "%s is not a job", tag.Header.Key())
	}
	return &models.JobStatus{
		JobID:         &tag.Header,
		JobKey:        tag.Header.Key(),
		StatusCode:    code,
		StatusMessage: tag.Attrs[lifecycle.AttrJobError],
	}, nil
}

// CancelJob marks a live job CANCELLED under a lease. Idempotent: a
// terminal job returns its terminal status unchanged.
func (s *Service) CancelJob(ctx context.Context, tenant string, selector models.TagSelector) (*models.JobStatus, error) {
	current, err := s.CheckJob(ctx, tenant, selector)
	if err != nil {
		return nil, err
	}
	if current.StatusCode.IsTerminal() {
		return current, nil
	}

	for {
		entry, err := s.cache.GetLatestEntry(ctx, current.JobKey)
		if err != nil {
			if models.KindOf(err) == models.ErrNotFound {
				// Entry finished and was removed while we were cancelling
				return s.statusFromMetadata(ctx, tenant, selector)
			}
			return nil, err
		}
		if entry.Status.IsTerminal() {
			return s.statusFromCache(ctx, current.JobKey)
		}

		state, err := models.DecodeJobState(entry.Value)
		if err != nil {
			return nil, err
		}
		if !state.Job.StatusCode.CanCancel() {
			status := state.Job.Status()
			return &status, nil
		}

		ticket, err := s.cache.OpenTicket(ctx, current.JobKey, entry.Revision, s.leaseDuration)
		if err != nil {
			if models.IsConcurrencyLoss(err) {
				if waitErr := s.awaitCancelRetry(ctx, err); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		next := processor.ApplyCancelRequested(state, "cancelled by request")
		value, err := next.Encode()
		if err != nil {
			s.cache.CloseTicket(ctx, ticket)
			return nil, err
		}
		_, err = s.cache.UpdateEntry(ctx, ticket, next.Job.StatusCode, value)
		s.cache.CloseTicket(ctx, ticket)
		if err != nil {
			if models.IsConcurrencyLoss(err) {
				if waitErr := s.awaitCancelRetry(ctx, err); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		status := next.Job.Status()
		s.publish(ctx, status)
		s.logger.Info().Str("job_key", current.JobKey).Msg("Job cancellation requested")
		return &status, nil
	}
}

// awaitCancelRetry sleeps out one CAS loss. Ticket races resolve inside
// the loop; only an expired request context reaches the caller, and as a
// retryable fault rather than a concurrency kind.
func (s *Service) awaitCancelRetry(ctx context.Context, cause error) error {
	select {
	case <-ctx.Done():
		return models.WrapError(models.ErrTransientIO, "timed out waiting for the job's lease to cancel", cause)
	case <-time.After(cancelRetryDelay):
		return nil
	}
}

// FollowJob streams the latest status followed by subsequent changes.
// The channel closes at a terminal status or when the context ends.
func (s *Service) FollowJob(ctx context.Context, tenant string, selector models.TagSelector) (<-chan models.JobStatus, error) {
	current, err := s.CheckJob(ctx, tenant, selector)
	if err != nil {
		return nil, err
	}

	out := make(chan models.JobStatus, 16)
	if current.StatusCode.IsTerminal() {
		out <- *current
		close(out)
		return out, nil
	}

	f := &follower{jobKey: current.JobKey, out: out}
	if err := s.events.Subscribe(interfaces.EventJobStatusChanged, f.handle); err != nil {
		return nil, err
	}

	f.send(*current)
	go func() {
		<-ctx.Done()
		f.close()
	}()
	return out, nil
}

func (s *Service) publish(ctx context.Context, status models.JobStatus) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventJobStatusChanged,
		Payload: status,
	})
}

// follower relays matching status events into a subscriber channel. The
// event bus has no unsubscribe, so a closed follower keeps dropping
// events until the bus itself is closed.
type follower struct {
	jobKey string
	mu     sync.Mutex
	closed bool
	out    chan models.JobStatus
}

func (f *follower) handle(ctx context.Context, event interfaces.Event) error {
	status, ok := event.Payload.(models.JobStatus)
	if !ok || status.JobKey != f.jobKey {
		return nil
	}
	f.send(status)
	if status.StatusCode.IsTerminal() {
		f.close()
	}
	return nil
}

// send delivers without blocking; a slow reader misses intermediate
// statuses, never the channel close.
func (f *follower) send(status models.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.out <- status:
	default:
	}
}

func (f *follower) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.out)
}
