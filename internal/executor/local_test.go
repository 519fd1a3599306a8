package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

func newLocalExecutor(t *testing.T) (interfaces.Executor, string) {
	t.Helper()
	workDir := t.TempDir()
	exec := NewLocalExecutor(&LocalConfig{
		WorkDir:   workDir,
		LaunchCmd: "/bin/true",
	}, arbor.NewLogger())
	return exec, workDir
}

func TestLocalExecutor_CreateBatch(t *testing.T) {
	exec, workDir := newLocalExecutor(t)
	ctx := context.Background()

	state, err := exec.CreateBatch(ctx, "JOB-1-v1")
	require.NoError(t, err)

	var s localState
	require.NoError(t, UnwrapState(state, ProtocolLocal, &s))
	assert.Equal(t, "JOB-1-v1", s.BatchKey)
	assert.Equal(t, filepath.Join(workDir, "JOB-1-v1"), s.Dir)
	assert.DirExists(t, s.Dir)
	assert.False(t, s.Submitted)
}

func TestLocalExecutor_AddVolumeAndFiles(t *testing.T) {
	exec, workDir := newLocalExecutor(t)
	ctx := context.Background()

	state, err := exec.CreateBatch(ctx, "JOB-1-v1")
	require.NoError(t, err)

	_, err = exec.AddVolume(ctx, state, "../escape")
	require.Error(t, err)
	assert.Equal(t, models.ErrValidationFailed, models.KindOf(err))

	state, err = exec.AddVolume(ctx, state, "result")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(workDir, "JOB-1-v1", "result"))

	state, err = exec.AddFile(ctx, state, "result", "job_result.json", []byte(`{"status_code":"SUCCEEDED"}`))
	require.NoError(t, err)

	exists, err := exec.HasOutputFile(ctx, state, "result", "job_result.json")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = exec.HasOutputFile(ctx, state, "result", "missing.json")
	require.NoError(t, err)
	assert.False(t, exists)

	content, err := exec.GetOutputFile(ctx, state, "result", "job_result.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status_code":"SUCCEEDED"}`, string(content))

	_, err = exec.GetOutputFile(ctx, state, "result", "missing.json")
	require.Error(t, err)
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))
}

func TestLocalExecutor_StatusBeforeSubmit(t *testing.T) {
	exec, _ := newLocalExecutor(t)
	ctx := context.Background()

	state, err := exec.CreateBatch(ctx, "JOB-1-v1")
	require.NoError(t, err)

	status, err := exec.GetBatchStatus(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, models.BatchQueued, status.Code)
}

func TestLocalExecutor_StatusFromExitRecord(t *testing.T) {
	exec, _ := newLocalExecutor(t)
	ctx := context.Background()

	// A submitted batch whose process is long gone: the exit file decides
	newSubmitted := func(t *testing.T, exitRecord string) []byte {
		dir := t.TempDir()
		if exitRecord != "" {
			require.NoError(t, os.WriteFile(filepath.Join(dir, exitCodeFile), []byte(exitRecord), 0644))
		}
		state, err := WrapState(ProtocolLocal, &localState{
			BatchKey: "JOB-1-v1", Dir: dir, Submitted: true, PID: -1,
		})
		require.NoError(t, err)
		return state
	}

	status, err := exec.GetBatchStatus(ctx, newSubmitted(t, "0"))
	require.NoError(t, err)
	assert.Equal(t, models.BatchSucceeded, status.Code)

	status, err = exec.GetBatchStatus(ctx, newSubmitted(t, "139"))
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, status.Code)
	assert.Equal(t, 139, status.ExitCode)
	assert.Contains(t, status.Error, "exited with code 139")

	status, err = exec.GetBatchStatus(ctx, newSubmitted(t, "not-a-number"))
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, status.Code)
	assert.Contains(t, status.Error, "unreadable")

	status, err = exec.GetBatchStatus(ctx, newSubmitted(t, ""))
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, status.Code)
	assert.Contains(t, status.Error, "terminated without an exit record")
}

func TestLocalExecutor_CancelBeforeSubmit(t *testing.T) {
	exec, _ := newLocalExecutor(t)
	ctx := context.Background()

	state, err := exec.CreateBatch(ctx, "JOB-1-v1")
	require.NoError(t, err)

	state, err = exec.CancelBatch(ctx, state)
	require.NoError(t, err)

	status, err := exec.GetBatchStatus(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCancelled, status.Code)

	// Cancel is idempotent
	_, err = exec.CancelBatch(ctx, state)
	require.NoError(t, err)
}

func TestLocalExecutor_DeleteBatch(t *testing.T) {
	exec, workDir := newLocalExecutor(t)
	ctx := context.Background()

	state, err := exec.CreateBatch(ctx, "JOB-1-v1")
	require.NoError(t, err)
	require.NoError(t, exec.DeleteBatch(ctx, state))
	assert.NoDirExists(t, filepath.Join(workDir, "JOB-1-v1"))

	// A workspace removed out of band polls as terminal, not as an error
	status, err := exec.GetBatchStatus(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, status.Code)
	assert.Contains(t, status.Error, "no longer exists")
}

func TestLocalExecutor_Features(t *testing.T) {
	exec, _ := newLocalExecutor(t)
	assert.Equal(t, ProtocolLocal, exec.Protocol())
	assert.True(t, exec.HasFeature(interfaces.FeatureCancellation))
	assert.False(t, exec.HasFeature(interfaces.ExecutorFeature("TIME_TRAVEL")))
}
