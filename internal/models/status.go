// -----------------------------------------------------------------------
// Job Status - finite state codes for the orchestration state machine
// -----------------------------------------------------------------------

package models

// JobStatusCode is the finite state of a job as tracked by the orchestrator.
type JobStatusCode string

const (
	// JobStatusPending - metadata saved, cache entry not yet created (Job API only)
	JobStatusPending JobStatusCode = "PENDING"
	// JobStatusValidated - returned by ValidateJob, never persisted
	JobStatusValidated JobStatusCode = "VALIDATED"
	// JobStatusQueued - in cache, awaiting scheduler pickup
	JobStatusQueued JobStatusCode = "QUEUED"
	// JobStatusSubmitted - executor has accepted the batch
	JobStatusSubmitted JobStatusCode = "SUBMITTED"
	// JobStatusRunning - executor reports the batch in progress
	JobStatusRunning JobStatusCode = "RUNNING"
	// JobStatusFinishing - executor reports done, result being fetched
	JobStatusFinishing JobStatusCode = "FINISHING"
	JobStatusSucceeded JobStatusCode = "SUCCEEDED"
	JobStatusFailed    JobStatusCode = "FAILED"
	JobStatusCancelled JobStatusCode = "CANCELLED"
)

// PendingStatuses is the "work pending" set scanned by the scheduler on
// each tick. Terminal statuses stay in the set until result recording
// removes the cache entry.
var PendingStatuses = []JobStatusCode{
	JobStatusQueued,
	JobStatusSubmitted,
	JobStatusRunning,
	JobStatusFinishing,
	JobStatusSucceeded,
	JobStatusFailed,
	JobStatusCancelled,
}

// IsTerminal reports whether the status code is terminal. Terminal entries
// are removed from the cache after their result is recorded in metadata.
func (s JobStatusCode) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanCancel reports whether a job in this status accepts a cancel request.
func (s JobStatusCode) CanCancel() bool {
	switch s {
	case JobStatusQueued, JobStatusSubmitted, JobStatusRunning:
		return true
	}
	return false
}

// JobStatus is the synchronous response shape of the Job API and the
// payload streamed by FollowJob.
type JobStatus struct {
	JobID         *TagHeader    `json:"job_id,omitempty"`
	JobKey        string        `json:"job_key,omitempty"`
	StatusCode    JobStatusCode `json:"status_code"`
	StatusMessage string        `json:"status_message,omitempty"`
}
