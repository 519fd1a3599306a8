package interfaces

import (
	"context"

	"github.com/ternarybob/conductor/internal/models"
)

// JobService is the synchronous Job API: validate, submit, check, cancel,
// follow. The service is stateless; the job cache and the metadata store
// hold all durable state.
type JobService interface {
	// ValidateJob assembles metadata and runs validation without
	// persisting anything. Returns VALIDATED or a VALIDATION_FAILED error.
	ValidateJob(ctx context.Context, tenant string, request *models.JobRequest) (*models.JobStatus, error)

	// SubmitJob validates, allocates a job id in the metadata store,
	// writes initial tags and inserts a QUEUED cache entry. If the cache
	// insertion fails the metadata write is treated as orphan; the id is
	// never re-used.
	SubmitJob(ctx context.Context, tenant string, request *models.JobRequest) (*models.JobStatus, error)

	// CheckJob reads current state from the cache, falling back to the
	// metadata store for jobs that are terminal or never submitted.
	CheckJob(ctx context.Context, tenant string, selector models.TagSelector) (*models.JobStatus, error)

	// CancelJob marks a live job CANCELLED under a lease. Cancelling a
	// terminal job is a no-op returning the terminal status.
	CancelJob(ctx context.Context, tenant string, selector models.TagSelector) (*models.JobStatus, error)

	// FollowJob streams the latest status upon subscription plus
	// subsequent changes. The channel closes when the job reaches a
	// terminal status or the context is cancelled. Missed intermediate
	// statuses are not replayed.
	FollowJob(ctx context.Context, tenant string, selector models.TagSelector) (<-chan models.JobStatus, error)
}
