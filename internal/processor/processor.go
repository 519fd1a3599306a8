// -----------------------------------------------------------------------
// Job Processor - plain state machine over cached job state
// -----------------------------------------------------------------------

// Package processor holds the pure transition functions of the job state
// machine. Step decides which external call comes next; the Apply
// functions fold the outcome of that call back into a new state. The
// scheduler performs the calls; nothing here touches the cache, the
// metadata store or the executor.
package processor

import (
	"fmt"
	"time"

	"github.com/ternarybob/conductor/internal/models"
)

// Action names the external call the scheduler must perform before the
// next step.
type Action string

const (
	// ActionNone - nothing to do for this entry on this tick
	ActionNone Action = "NONE"
	// ActionSubmit - create and submit a batch for a queued job
	ActionSubmit Action = "SUBMIT"
	// ActionPoll - ask the executor for the batch status
	ActionPoll Action = "POLL"
	// ActionFetchResult - retrieve the result payload from the batch
	ActionFetchResult Action = "FETCH_RESULT"
	// ActionCancel - terminate the batch, then record the outcome
	ActionCancel Action = "CANCEL"
	// ActionRecord - persist the outcome and drop the cache entry
	ActionRecord Action = "RECORD"
)

// Step maps the current status to the next external action. It never
// mutates the state.
func Step(state *models.JobState) Action {
	switch state.Job.StatusCode {
	case models.JobStatusQueued:
		return ActionSubmit
	case models.JobStatusSubmitted, models.JobStatusRunning:
		return ActionPoll
	case models.JobStatusFinishing:
		return ActionFetchResult
	case models.JobStatusCancelled:
		return ActionCancel
	case models.JobStatusSucceeded, models.JobStatusFailed:
		return ActionRecord
	}
	return ActionNone
}

// PollDue reports whether the poll interval has elapsed since the last
// executor poll of this entry.
func PollDue(state *models.JobState, now time.Time, pollInterval time.Duration) bool {
	if state.PollTime.IsZero() {
		return true
	}
	return now.Sub(state.PollTime) >= pollInterval
}

func clone(state *models.JobState) *models.JobState {
	out := *state
	out.Job = state.Job.Clone()
	return &out
}

// ApplySubmitted records a successful batch submission: the executor
// state replaces the old blob and the job moves to SUBMITTED.
func ApplySubmitted(state *models.JobState, executorState []byte) *models.JobState {
	out := clone(state)
	out.Job.ExecutorState = executorState
	out.Job.StatusCode = models.JobStatusSubmitted
	out.Job.StatusMessage = ""
	out.Retries = 0
	return out
}

// ApplyBatchStatus folds an executor poll into the state machine:
// a queued batch stays SUBMITTED, a running batch moves to RUNNING, a
// finished batch moves to FINISHING (success) or straight to a terminal
// status (failure, cancellation).
func ApplyBatchStatus(state *models.JobState, status *models.BatchStatus, now time.Time) *models.JobState {
	out := clone(state)
	out.PollTime = now
	out.Retries = 0

	switch status.Code {
	case models.BatchQueued:
		out.Job.StatusCode = models.JobStatusSubmitted
	case models.BatchRunning:
		out.Job.StatusCode = models.JobStatusRunning
	case models.BatchSucceeded:
		out.Job.StatusCode = models.JobStatusFinishing
	case models.BatchCancelled:
		out.Job.StatusCode = models.JobStatusCancelled
		if out.Job.StatusMessage == "" {
			out.Job.StatusMessage = "batch was cancelled"
		}
	case models.BatchFailed:
		out.Job.StatusCode = models.JobStatusFailed
		message := status.Error
		if message == "" {
			message = fmt.Sprintf("batch failed with exit code %d", status.ExitCode)
		}
		out.Job.StatusMessage = message
	}
	return out
}

// ApplyResultFetched stores the retrieved result payload and marks the
// job SUCCEEDED. The payload may still demote the job to FAILED when the
// lifecycle parses it.
func ApplyResultFetched(state *models.JobState, payload []byte) *models.JobState {
	out := clone(state)
	out.Job.JobResult = payload
	out.Job.StatusCode = models.JobStatusSucceeded
	out.Job.StatusMessage = ""
	out.Retries = 0
	return out
}

// ApplyCancelRequested moves a cancellable job to CANCELLED. Terminal
// jobs are returned unchanged, making cancellation idempotent.
func ApplyCancelRequested(state *models.JobState, reason string) *models.JobState {
	out := clone(state)
	if !out.Job.StatusCode.CanCancel() {
		return out
	}
	out.Job.StatusCode = models.JobStatusCancelled
	out.Job.StatusMessage = reason
	return out
}

// ApplyFailure records a failed external call. Transient errors keep the
// current status and bump the retry counter up to the cap; everything
// else, and a retry budget exhausted, moves the job to FAILED.
func ApplyFailure(state *models.JobState, err error, maxRetries int) *models.JobState {
	out := clone(state)
	out.Job.StatusMessage = err.Error()

	if models.IsTransient(err) && out.Retries < maxRetries {
		out.Retries++
		return out
	}

	out.Job.StatusCode = models.JobStatusFailed
	if out.Retries >= maxRetries && models.IsTransient(err) {
		out.Job.StatusMessage = fmt.Sprintf("retry budget exhausted after %d attempts: %v", out.Retries, err)
	}
	return out
}
