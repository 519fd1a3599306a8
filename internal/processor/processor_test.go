package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/conductor/internal/models"
)

func newState(status models.JobStatusCode) *models.JobState {
	return models.NewJobState(&models.Job{
		JobKey:     "JOB-test-v1",
		Tenant:     "default",
		JobType:    models.JobTypeRunModel,
		StatusCode: status,
	})
}

func TestStep(t *testing.T) {
	cases := []struct {
		status models.JobStatusCode
		want   Action
	}{
		{models.JobStatusQueued, ActionSubmit},
		{models.JobStatusSubmitted, ActionPoll},
		{models.JobStatusRunning, ActionPoll},
		{models.JobStatusFinishing, ActionFetchResult},
		{models.JobStatusCancelled, ActionCancel},
		{models.JobStatusSucceeded, ActionRecord},
		{models.JobStatusFailed, ActionRecord},
		{models.JobStatusPending, ActionNone},
		{models.JobStatusValidated, ActionNone},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.want, Step(newState(tc.status)))
		})
	}
}

func TestPollDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	interval := 2 * time.Second

	state := newState(models.JobStatusRunning)
	assert.True(t, PollDue(state, now, interval), "never-polled entry is due")

	state.PollTime = now.Add(-time.Second)
	assert.False(t, PollDue(state, now, interval))

	state.PollTime = now.Add(-interval)
	assert.True(t, PollDue(state, now, interval))
}

func TestApplySubmitted(t *testing.T) {
	state := newState(models.JobStatusQueued)
	state.Retries = 2

	next := ApplySubmitted(state, []byte("exec-state"))

	assert.Equal(t, models.JobStatusSubmitted, next.Job.StatusCode)
	assert.Equal(t, []byte("exec-state"), next.Job.ExecutorState)
	assert.Equal(t, 0, next.Retries)

	// Input state is untouched
	assert.Equal(t, models.JobStatusQueued, state.Job.StatusCode)
	assert.Equal(t, 2, state.Retries)
	assert.Nil(t, state.Job.ExecutorState)
}

func TestApplyBatchStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name        string
		batch       models.BatchStatus
		wantStatus  models.JobStatusCode
		wantMessage string
	}{
		{"queued", models.BatchStatus{Code: models.BatchQueued}, models.JobStatusSubmitted, ""},
		{"running", models.BatchStatus{Code: models.BatchRunning}, models.JobStatusRunning, ""},
		{"succeeded", models.BatchStatus{Code: models.BatchSucceeded}, models.JobStatusFinishing, ""},
		{"cancelled", models.BatchStatus{Code: models.BatchCancelled}, models.JobStatusCancelled, "batch was cancelled"},
		{"failed with error", models.BatchStatus{Code: models.BatchFailed, Error: "out of memory"}, models.JobStatusFailed, "out of memory"},
		{"failed with exit code", models.BatchStatus{Code: models.BatchFailed, ExitCode: 139}, models.JobStatusFailed, "batch failed with exit code 139"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := newState(models.JobStatusRunning)
			state.Retries = 1

			next := ApplyBatchStatus(state, &tc.batch, now)

			assert.Equal(t, tc.wantStatus, next.Job.StatusCode)
			assert.Equal(t, tc.wantMessage, next.Job.StatusMessage)
			assert.Equal(t, now, next.PollTime)
			assert.Equal(t, 0, next.Retries)
		})
	}
}

func TestApplyResultFetched(t *testing.T) {
	state := newState(models.JobStatusFinishing)
	payload := []byte(`{"job_key":"JOB-test-v1","status_code":"SUCCEEDED"}`)

	next := ApplyResultFetched(state, payload)

	assert.Equal(t, models.JobStatusSucceeded, next.Job.StatusCode)
	assert.Equal(t, payload, next.Job.JobResult)
	assert.Nil(t, state.Job.JobResult)
}

func TestApplyCancelRequested(t *testing.T) {
	for _, status := range []models.JobStatusCode{
		models.JobStatusQueued, models.JobStatusSubmitted, models.JobStatusRunning,
	} {
		next := ApplyCancelRequested(newState(status), "cancelled by request")
		assert.Equal(t, models.JobStatusCancelled, next.Job.StatusCode, "status %s", status)
		assert.Equal(t, "cancelled by request", next.Job.StatusMessage)
	}

	// Terminal and finishing jobs ignore cancellation
	for _, status := range []models.JobStatusCode{
		models.JobStatusFinishing, models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCancelled,
	} {
		next := ApplyCancelRequested(newState(status), "cancelled by request")
		assert.Equal(t, status, next.Job.StatusCode, "status %s", status)
		assert.Empty(t, next.Job.StatusMessage)
	}
}

func TestApplyFailure_TransientRetries(t *testing.T) {
	transient := models.NewError(models.ErrTransientIO, "connection reset")

	state := newState(models.JobStatusSubmitted)
	for attempt := 1; attempt <= 3; attempt++ {
		state = ApplyFailure(state, transient, 3)
		assert.Equal(t, models.JobStatusSubmitted, state.Job.StatusCode)
		assert.Equal(t, attempt, state.Retries)
	}

	// Fourth transient failure exhausts the budget
	state = ApplyFailure(state, transient, 3)
	assert.Equal(t, models.JobStatusFailed, state.Job.StatusCode)
	assert.Contains(t, state.Job.StatusMessage, "retry budget exhausted after 3 attempts")
}

func TestApplyFailure_NonTransientIsTerminal(t *testing.T) {
	state := newState(models.JobStatusRunning)
	err := models.NewError(models.ErrExecutorFailed, "batch finished without a result payload")

	next := ApplyFailure(state, err, 3)

	assert.Equal(t, models.JobStatusFailed, next.Job.StatusCode)
	assert.Equal(t, err.Error(), next.Job.StatusMessage)
	assert.Equal(t, 0, next.Retries)
}

func TestJobStateRoundTrip(t *testing.T) {
	state := newState(models.JobStatusRunning)
	state.Retries = 2
	state.PollTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	value, err := state.Encode()
	require.NoError(t, err)

	decoded, err := models.DecodeJobState(value)
	require.NoError(t, err)
	assert.Equal(t, state.Job.JobKey, decoded.Job.JobKey)
	assert.Equal(t, 2, decoded.Retries)
	assert.True(t, state.PollTime.Equal(decoded.PollTime))
}

func TestDecodeJobState_Corrupt(t *testing.T) {
	_, err := models.DecodeJobState([]byte("not json"))
	require.Error(t, err)
	assert.Equal(t, models.ErrCacheCorruption, models.KindOf(err))
	assert.False(t, models.IsTransient(err))

	_, err = models.DecodeJobState([]byte(`{"version":99,"job":{}}`))
	require.Error(t, err)
	assert.Equal(t, models.ErrCacheCorruption, models.KindOf(err))
}
