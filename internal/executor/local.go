// -----------------------------------------------------------------------
// Local Executor - batch backend running the runtime as a local process
// -----------------------------------------------------------------------

package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

// ProtocolLocal is the registry name of the local process backend.
const ProtocolLocal = "local"

const (
	configVolume  = "config"
	logVolume     = "log"
	sysConfigFile = "sys_config.json"
	jobConfigFile = "job_config.json"
	pidFile       = "batch.pid"
	exitCodeFile  = "batch.exit"
)

// localState is the plugin-owned payload inside the opaque state blob.
type localState struct {
	BatchKey  string   `json:"batch_key"`
	Dir       string   `json:"dir"`
	Volumes   []string `json:"volumes,omitempty"`
	PID       int      `json:"pid,omitempty"`
	Submitted bool     `json:"submitted,omitempty"`
	Cancelled bool     `json:"cancelled,omitempty"`
	Deleted   bool     `json:"deleted,omitempty"`
}

// LocalConfig holds the local executor configuration
type LocalConfig struct {
	WorkDir    string
	LaunchCmd  string
	LaunchArgs []string
}

// LocalExecutor runs batches as local child processes in isolated
// workspace directories. Exit codes survive orchestrator restarts via an
// exit file written by a waiter goroutine.
type LocalExecutor struct {
	config *LocalConfig
	logger arbor.ILogger
}

// NewLocalExecutor creates the local process executor backend
func NewLocalExecutor(config *LocalConfig, logger arbor.ILogger) interfaces.Executor {
	return &LocalExecutor{config: config, logger: logger}
}

func (e *LocalExecutor) Protocol() string {
	return ProtocolLocal
}

func (e *LocalExecutor) HasFeature(feature interfaces.ExecutorFeature) bool {
	return feature == interfaces.FeatureCancellation
}

func (e *LocalExecutor) unwrap(state []byte) (*localState, error) {
	var s localState
	if err := UnwrapState(state, ProtocolLocal, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (e *LocalExecutor) CreateBatch(ctx context.Context, batchKey string) ([]byte, error) {
	dir := filepath.Join(e.config.WorkDir, batchKey)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "failed to create batch workspace", err)
	}
	e.logger.Debug().Str("batch_key", batchKey).Str("dir", dir).Msg("Batch workspace created")
	return WrapState(ProtocolLocal, &localState{BatchKey: batchKey, Dir: dir})
}

func (e *LocalExecutor) AddVolume(ctx context.Context, state []byte, volume string) ([]byte, error) {
	s, err := e.unwrap(state)
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(volume, `/\`) {
		return nil, models.NewErrorf(models.ErrValidationFailed, "invalid volume name %q", volume)
	}
	if err := os.MkdirAll(filepath.Join(s.Dir, volume), 0755); err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "failed to create batch volume", err)
	}
	s.Volumes = append(s.Volumes, volume)
	return WrapState(ProtocolLocal, s)
}

func (e *LocalExecutor) AddFile(ctx context.Context, state []byte, volume, fileName string, content []byte) ([]byte, error) {
	s, err := e.unwrap(state)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.Dir, volume, fileName)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "failed to stage batch file", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "failed to stage batch file", err)
	}
	return WrapState(ProtocolLocal, s)
}

func (e *LocalExecutor) ConfigureBatchStorage(ctx context.Context, state []byte, storage *models.StorageDefinition, apply func(key, value string)) ([]byte, error) {
	s, err := e.unwrap(state)
	if err != nil {
		return nil, err
	}
	if storage != nil {
		for key, location := range storage.Items {
			apply(key, location)
		}
	}
	return WrapState(ProtocolLocal, s)
}

// SubmitBatch stages the config payloads and launches the runtime
// process. A waiter goroutine records the exit code into the workspace so
// status polls remain answerable after the process is reaped.
func (e *LocalExecutor) SubmitBatch(ctx context.Context, state []byte, config interfaces.BatchConfig) ([]byte, error) {
	s, err := e.unwrap(state)
	if err != nil {
		return nil, err
	}
	if s.Submitted {
		// Repeated submit is a no-op, the batch is already launched
		return WrapState(ProtocolLocal, s)
	}

	for _, volume := range []string{configVolume, logVolume} {
		if err := os.MkdirAll(filepath.Join(s.Dir, volume), 0755); err != nil {
			return nil, models.WrapError(models.ErrTransientIO, "failed to prepare batch volumes", err)
		}
	}
	if err := os.WriteFile(filepath.Join(s.Dir, configVolume, sysConfigFile), config.SysConfig, 0644); err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "failed to stage sys config", err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir, configVolume, jobConfigFile), config.JobConfig, 0644); err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "failed to stage job config", err)
	}

	stdout, err := os.Create(filepath.Join(s.Dir, logVolume, "stdout.log"))
	if err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "failed to open batch stdout", err)
	}
	stderr, err := os.Create(filepath.Join(s.Dir, logVolume, "stderr.log"))
	if err != nil {
		stdout.Close()
		return nil, models.WrapError(models.ErrTransientIO, "failed to open batch stderr", err)
	}

	cmd := exec.Command(e.config.LaunchCmd, e.config.LaunchArgs...)
	cmd.Dir = s.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(),
		"CONDUCTOR_BATCH_KEY="+config.BatchKey,
		"CONDUCTOR_BATCH_DIR="+s.Dir,
	)

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, models.WrapError(models.ErrTransientIO, "failed to launch batch process", err)
	}

	s.PID = cmd.Process.Pid
	s.Submitted = true

	if err := os.WriteFile(filepath.Join(s.Dir, pidFile), []byte(strconv.Itoa(s.PID)), 0644); err != nil {
		e.logger.Warn().Err(err).Str("batch_key", s.BatchKey).Msg("Failed to write batch pid file")
	}

	exitPath := filepath.Join(s.Dir, exitCodeFile)
	go func() {
		defer stdout.Close()
		defer stderr.Close()
		exitCode := 0
		if err := cmd.Wait(); err != nil {
			exitCode = 1
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
		}
		if err := os.WriteFile(exitPath, []byte(strconv.Itoa(exitCode)), 0644); err != nil {
			e.logger.Warn().Err(err).Str("batch_key", s.BatchKey).Msg("Failed to record batch exit code")
		}
	}()

	e.logger.Info().
		Str("batch_key", s.BatchKey).
		Int("pid", s.PID).
		Msg("Batch process launched")

	return WrapState(ProtocolLocal, s)
}

func (e *LocalExecutor) CancelBatch(ctx context.Context, state []byte) ([]byte, error) {
	s, err := e.unwrap(state)
	if err != nil {
		return nil, err
	}
	if s.Cancelled || s.Deleted || !s.Submitted {
		// Already terminal or never launched, nothing to cancel
		s.Cancelled = true
		return WrapState(ProtocolLocal, s)
	}

	if process, err := os.FindProcess(s.PID); err == nil {
		if err := process.Kill(); err != nil && err != os.ErrProcessDone {
			e.logger.Debug().Err(err).Int("pid", s.PID).Msg("Batch process kill returned error")
		}
	}
	s.Cancelled = true

	e.logger.Info().Str("batch_key", s.BatchKey).Int("pid", s.PID).Msg("Batch process cancelled")
	return WrapState(ProtocolLocal, s)
}

func (e *LocalExecutor) DeleteBatch(ctx context.Context, state []byte) error {
	s, err := e.unwrap(state)
	if err != nil {
		return err
	}
	if s.Deleted {
		return nil
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		return models.WrapError(models.ErrTransientIO, "failed to delete batch workspace", err)
	}
	return nil
}

// GetBatchStatus polls the batch. A deleted batch reports a terminal
// status with a synthetic error rather than failing the poll.
func (e *LocalExecutor) GetBatchStatus(ctx context.Context, state []byte) (*models.BatchStatus, error) {
	s, err := e.unwrap(state)
	if err != nil {
		return nil, err
	}

	if s.Deleted {
		return &models.BatchStatus{Code: models.BatchFailed, Error: "batch has been deleted"}, nil
	}
	if _, err := os.Stat(s.Dir); os.IsNotExist(err) {
		return &models.BatchStatus{Code: models.BatchFailed, Error: "batch workspace no longer exists"}, nil
	}
	if s.Cancelled {
		return &models.BatchStatus{Code: models.BatchCancelled}, nil
	}
	if !s.Submitted {
		return &models.BatchStatus{Code: models.BatchQueued}, nil
	}

	if data, err := os.ReadFile(filepath.Join(s.Dir, exitCodeFile)); err == nil {
		exitCode, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return &models.BatchStatus{Code: models.BatchFailed, Error: "batch exit code is unreadable"}, nil
		}
		if exitCode == 0 {
			return &models.BatchStatus{Code: models.BatchSucceeded}, nil
		}
		return &models.BatchStatus{
			Code:     models.BatchFailed,
			ExitCode: exitCode,
			Error:    fmt.Sprintf("batch process exited with code %d", exitCode),
		}, nil
	}

	if processAlive(s.PID) {
		return &models.BatchStatus{Code: models.BatchRunning}, nil
	}
	// Process gone with no exit record, e.g. killed by the OS
	return &models.BatchStatus{Code: models.BatchFailed, Error: "batch process terminated without an exit record"}, nil
}

func (e *LocalExecutor) HasOutputFile(ctx context.Context, state []byte, volume, fileName string) (bool, error) {
	s, err := e.unwrap(state)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(filepath.Join(s.Dir, volume, fileName))
	if statErr == nil {
		return true, nil
	}
	if os.IsNotExist(statErr) {
		return false, nil
	}
	return false, models.WrapError(models.ErrTransientIO, "failed to check batch output", statErr)
}

func (e *LocalExecutor) GetOutputFile(ctx context.Context, state []byte, volume, fileName string) ([]byte, error) {
	s, err := e.unwrap(state)
	if err != nil {
		return nil, err
	}
	data, readErr := os.ReadFile(filepath.Join(s.Dir, volume, fileName))
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil, models.NewErrorf(models.ErrNotFound, "batch output %s/%s not found", volume, fileName)
		}
		return nil, models.WrapError(models.ErrTransientIO, "failed to read batch output", readErr)
	}
	return data, nil
}

// processAlive probes the process with signal zero.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
