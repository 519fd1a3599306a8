// -----------------------------------------------------------------------
// Scheduler Actions - external calls performed between state machine steps
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"

	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/lifecycle"
	"github.com/ternarybob/conductor/internal/metrics"
	"github.com/ternarybob/conductor/internal/models"
	"github.com/ternarybob/conductor/internal/processor"
)

// Workspace conventions shared with the runtime: it writes its result
// payload into the result volume before exiting.
const (
	resultVolume = "result"
	resultFile   = "job_result.json"
)

// childMappingPrefix keys the spawned child headers inside the parent's
// resource mapping, so terminal child statuses stay resolvable after
// their cache entries are gone.
const childMappingPrefix = "child:"

// submit creates and launches a batch for a queued job. Group parents
// spawn child entries instead of a batch.
func (s *Scheduler) submit(ctx context.Context, state *models.JobState) (*models.JobState, error) {
	job := state.Job
	if job.JobType == models.JobTypeJobGroup {
		return s.submitGroup(ctx, state)
	}

	execState, err := s.executor.CreateBatch(ctx, job.JobKey)
	metrics.IncExecutorCall("create", err)
	if err != nil {
		return nil, err
	}

	execState, err = s.executor.AddVolume(ctx, execState, resultVolume)
	if err != nil {
		return nil, err
	}

	storageEnv := make(map[string]string)
	if storage := lifecycle.StorageOf(job); storage != nil {
		execState, err = s.executor.ConfigureBatchStorage(ctx, execState, storage, func(key, value string) {
			storageEnv[key] = value
		})
		if err != nil {
			return nil, err
		}
	}

	configured, err := lifecycle.BuildConfig(job, storageEnv)
	if err != nil {
		return nil, err
	}

	execState, err = s.executor.SubmitBatch(ctx, execState, interfaces.BatchConfig{
		BatchKey:  job.JobKey,
		SysConfig: configured.SysConfig,
		JobConfig: configured.JobConfig,
	})
	metrics.IncExecutorCall("submit", err)
	if err != nil {
		return nil, err
	}

	next := processor.ApplySubmitted(state, execState)
	next.Job.SysConfig = configured.SysConfig
	next.Job.JobConfig = configured.JobConfig
	return next, nil
}

// poll asks the executor for the batch status and folds it into the
// state machine. Group parents derive their status from their children.
func (s *Scheduler) poll(ctx context.Context, state *models.JobState) (*models.JobState, error) {
	if state.Job.JobType == models.JobTypeJobGroup {
		return s.pollGroup(ctx, state)
	}

	status, err := s.executor.GetBatchStatus(ctx, state.Job.ExecutorState)
	metrics.IncExecutorCall("status", err)
	if err != nil {
		return nil, err
	}
	return processor.ApplyBatchStatus(state, status, s.clock.Now()), nil
}

// fetchResult retrieves the result payload the runtime left in the batch
// workspace. A finished batch without a payload is an executor contract
// violation, not a transient fault.
func (s *Scheduler) fetchResult(ctx context.Context, state *models.JobState) (*models.JobState, error) {
	execState := state.Job.ExecutorState

	exists, err := s.executor.HasOutputFile(ctx, execState, resultVolume, resultFile)
	metrics.IncExecutorCall("fetch", err)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, models.NewError(models.ErrExecutorFailed, "batch finished without a result payload")
	}

	payload, err := s.executor.GetOutputFile(ctx, execState, resultVolume, resultFile)
	if err != nil {
		return nil, err
	}
	return processor.ApplyResultFetched(state, payload), nil
}

// finalize runs the terminal sequence for an entry: optional executor
// cancel, result processing, result recording, batch deletion and entry
// removal. Each cache mutation happens under its own ticket at the
// revision produced by the previous one.
func (s *Scheduler) finalize(ctx context.Context, ticket *models.Ticket, state *models.JobState, cancelled bool) {
	log := s.logger.WithCorrelationId(ticket.Key)
	next := state

	if cancelled {
		withCancel, err := s.cancelBatch(ctx, state)
		if err != nil {
			s.runActionFailure(ctx, ticket, state, err)
			return
		}
		next = withCancel
	}

	// Parse the result and preallocate output ids. The mapping is
	// persisted before the metadata write so a retried recording reuses
	// the same preallocated ids.
	if len(next.Job.JobResult) > 0 {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		processed, err := s.lifecycle.ProcessResult(opCtx, next.Job)
		cancel()
		switch {
		case err == nil:
			out := *next
			out.Job = processed
			next = &out
		case models.IsTransient(err):
			s.runActionFailure(ctx, ticket, state, err)
			return
		default:
			// Unusable result payload: the job still terminates, FAILED
			out := *next
			out.Job = next.Job.Clone()
			out.Job.StatusCode = models.JobStatusFailed
			out.Job.StatusMessage = err.Error()
			next = &out
		}
	}

	revision := s.writeState(ctx, ticket, state, next)
	if revision < 0 {
		return
	}
	s.cache.CloseTicket(ctx, ticket)

	recordTicket, err := s.cache.OpenTicket(ctx, ticket.Key, revision, s.leaseDuration)
	if err != nil {
		if !models.IsConcurrencyLoss(err) {
			log.Warn().Err(err).Msg("Failed to reopen ticket for result recording")
		}
		return
	}
	defer s.cache.CloseTicket(ctx, recordTicket)

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	_, err = s.lifecycle.RecordResult(opCtx, next.Job)
	cancel()
	if err != nil {
		s.runActionFailure(ctx, recordTicket, next, err)
		return
	}

	if len(next.Job.ExecutorState) > 0 {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		delErr := s.executor.DeleteBatch(opCtx, next.Job.ExecutorState)
		cancel()
		metrics.IncExecutorCall("delete", delErr)
		if delErr != nil {
			// The recorded result stands; the workspace is swept later
			log.Warn().Err(delErr).Msg("Failed to delete batch workspace")
		}
	}

	if err := s.cache.RemoveEntry(ctx, recordTicket); err != nil {
		if !models.IsConcurrencyLoss(err) {
			log.Warn().Err(err).Msg("Failed to remove finished entry")
		}
		return
	}

	metrics.IncCompleted(next.Job.StatusCode)
	s.publishStatus(ctx, next.Job)
	if s.events != nil {
		_ = s.events.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventJobRemoved,
			Payload: next.Job.Status(),
		})
	}
	log.Info().
		Str("status", string(next.Job.StatusCode)).
		Msg("Job result recorded and entry removed")
}

// runActionFailure folds an error from the terminal sequence into retry
// bookkeeping under the given ticket.
func (s *Scheduler) runActionFailure(ctx context.Context, ticket *models.Ticket, state *models.JobState, err error) {
	next := processor.ApplyFailure(state, err, s.maxRetries)
	if next.Job.StatusCode == state.Job.StatusCode {
		metrics.IncRetry()
	}
	s.writeState(ctx, ticket, state, next)
}

// cancelBatch terminates the batch behind a cancelled job, or fans the
// cancellation out to children for a group parent.
func (s *Scheduler) cancelBatch(ctx context.Context, state *models.JobState) (*models.JobState, error) {
	job := state.Job

	if job.JobType == models.JobTypeJobGroup {
		s.cancelChildren(ctx, job)
		return state, nil
	}

	if len(job.ExecutorState) == 0 || !s.executor.HasFeature(interfaces.FeatureCancellation) {
		return state, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	execState, err := s.executor.CancelBatch(opCtx, job.ExecutorState)
	cancel()
	metrics.IncExecutorCall("cancel", err)
	if err != nil {
		return nil, err
	}

	out := *state
	out.Job = job.Clone()
	out.Job.ExecutorState = execState
	return &out, nil
}

// submitGroup spawns one cache entry per child definition. A child that
// fails to spawn fails the whole group; children already enqueued run to
// completion as ordinary jobs.
func (s *Scheduler) submitGroup(ctx context.Context, state *models.JobState) (*models.JobState, error) {
	parent := state.Job
	group := parent.Definition.JobGroup
	log := s.logger.WithCorrelationId(parent.JobKey)

	out := *state
	out.Job = parent.Clone()
	if out.Job.ResourceMapping == nil {
		out.Job.ResourceMapping = make(map[string]models.TagHeader)
	}

	for i := range group.Jobs {
		child := &models.Job{
			Tenant:     parent.Tenant,
			JobType:    group.Jobs[i].JobType,
			Definition: group.Jobs[i],
			TagUpdates: []models.TagUpdate{
				models.Attr(lifecycle.AttrJobGroup, parent.JobKey),
			},
			StatusCode: models.JobStatusPending,
			Owner:      parent.Owner,
			OwnerToken: parent.OwnerToken,
			ParentKey:  parent.JobKey,
		}

		assembled, err := s.lifecycle.AssembleAndValidate(ctx, child)
		if err != nil {
			return nil, models.WrapError(models.ErrValidationFailed, fmt.Sprintf("child %d failed validation", i), err)
		}
		saved, err := s.lifecycle.SaveInitialMetadata(ctx, assembled)
		if err != nil {
			return nil, spawnError(i, err)
		}

		saved.StatusCode = models.JobStatusQueued
		childState := models.NewJobState(saved)
		value, err := childState.Encode()
		if err != nil {
			return nil, spawnError(i, err)
		}

		childTicket, err := s.cache.OpenNewTicket(ctx, saved.JobKey, s.leaseDuration)
		if err != nil {
			return nil, spawnError(i, err)
		}
		if _, err := s.cache.AddEntry(ctx, childTicket, models.JobStatusQueued, value); err != nil {
			s.cache.CloseTicket(ctx, childTicket)
			return nil, spawnError(i, err)
		}
		s.cache.CloseTicket(ctx, childTicket)

		out.Job.ChildKeys = append(out.Job.ChildKeys, saved.JobKey)
		out.Job.ResourceMapping[childMappingPrefix+saved.JobKey] = *saved.JobID

		log.Info().
			Str("child_key", saved.JobKey).
			Str("child_type", string(saved.JobType)).
			Msg("Group child spawned")
	}

	out.Job.StatusCode = models.JobStatusRunning
	out.Job.StatusMessage = fmt.Sprintf("monitoring %d child jobs", len(out.Job.ChildKeys))
	out.Retries = 0
	return &out, nil
}

// spawnError marks a child spawn failure as terminal for the group.
// Retrying the spawn would duplicate children that already enqueued, so
// the error is never transient.
func spawnError(index int, err error) error {
	return models.WrapError(models.ErrInternal, fmt.Sprintf("failed to spawn child %d", index), err)
}

// pollGroup derives the parent status from its children: live children
// are read from the cache, finished ones from their recorded job tag.
func (s *Scheduler) pollGroup(ctx context.Context, state *models.JobState) (*models.JobState, error) {
	parent := state.Job

	var running, failed, cancelled int
	for _, childKey := range parent.ChildKeys {
		status, err := s.childStatus(ctx, parent, childKey)
		if err != nil {
			return nil, err
		}
		switch {
		case !status.IsTerminal():
			running++
		case status == models.JobStatusFailed:
			failed++
		case status == models.JobStatusCancelled:
			cancelled++
		}
	}

	out := *state
	out.Job = parent.Clone()
	out.PollTime = s.clock.Now()
	out.Retries = 0

	switch {
	case running > 0:
		out.Job.StatusCode = models.JobStatusRunning
	case failed > 0:
		out.Job.StatusCode = models.JobStatusFailed
		out.Job.StatusMessage = fmt.Sprintf("%d of %d child jobs failed", failed, len(parent.ChildKeys))
	case cancelled > 0:
		out.Job.StatusCode = models.JobStatusCancelled
		out.Job.StatusMessage = fmt.Sprintf("%d of %d child jobs cancelled", cancelled, len(parent.ChildKeys))
	default:
		out.Job.StatusCode = models.JobStatusSucceeded
		out.Job.StatusMessage = ""
	}
	return &out, nil
}

// childStatus resolves one child's status: cache entry while the child
// is in flight, recorded status tag once the entry is gone.
func (s *Scheduler) childStatus(ctx context.Context, parent *models.Job, childKey string) (models.JobStatusCode, error) {
	entry, err := s.cache.GetLatestEntry(ctx, childKey)
	if err == nil {
		return entry.Status, nil
	}
	if models.KindOf(err) != models.ErrNotFound {
		return "", err
	}

	header, ok := parent.ResourceMapping[childMappingPrefix+childKey]
	if !ok {
		return "", models.NewErrorf(models.ErrInternal, "no recorded identity for child %s", childKey)
	}
	selector := header.ToSelector()
	selector.LatestTag = true
	tag, err := s.meta.ReadObject(ctx, parent.Tenant, selector)
	if err != nil {
		return "", err
	}
	status := models.JobStatusCode(tag.Attrs[lifecycle.AttrJobStatus])
	if !status.IsTerminal() {
		// Entry gone but tag not terminal: recording raced ahead of us,
		// treat as still running and re-check next poll
		return models.JobStatusRunning, nil
	}
	return status, nil
}

// cancelChildren CASes every live child entry to CANCELLED. Children
// already terminal or already removed are left alone.
func (s *Scheduler) cancelChildren(ctx context.Context, parent *models.Job) {
	log := s.logger.WithCorrelationId(parent.JobKey)

	for _, childKey := range parent.ChildKeys {
		entry, err := s.cache.GetLatestEntry(ctx, childKey)
		if err != nil {
			continue
		}
		if entry.Status.IsTerminal() || !entry.Status.CanCancel() {
			continue
		}

		childState, err := models.DecodeJobState(entry.Value)
		if err != nil {
			continue
		}

		ticket, err := s.cache.OpenTicket(ctx, childKey, entry.Revision, s.leaseDuration)
		if err != nil {
			continue
		}
		next := processor.ApplyCancelRequested(childState, "parent group cancelled")
		if value, err := next.Encode(); err == nil {
			if _, err := s.cache.UpdateEntry(ctx, ticket, next.Job.StatusCode, value); err == nil {
				log.Info().Str("child_key", childKey).Msg("Child cancellation requested")
			}
		}
		s.cache.CloseTicket(ctx, ticket)
	}
}
