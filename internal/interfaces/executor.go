package interfaces

import (
	"context"

	"github.com/ternarybob/conductor/internal/models"
)

// ExecutorFeature is an optional capability a batch executor may support.
type ExecutorFeature string

const (
	FeatureCancellation    ExecutorFeature = "cancellation"
	FeatureOutputStreaming ExecutorFeature = "output_streaming"
	FeatureRemoteExec      ExecutorFeature = "remote_exec"
)

// BatchConfig is the submit-time configuration handed to an executor.
// SysConfig and JobConfig are serialized payloads staged into the batch
// workspace for the runtime process.
type BatchConfig struct {
	BatchKey  string
	SysConfig []byte
	JobConfig []byte
}

// Executor is the capability set a pluggable batch backend must provide.
//
// State is opaque to the orchestrator: every call accepts and returns the
// serialized state blob owned by the plugin. Implementations must tolerate
// repeated calls - CancelBatch on an already-terminal batch is a no-op and
// GetBatchStatus on a deleted batch returns a terminal status with a
// synthetic error.
type Executor interface {
	// Protocol returns the registry name of this backend.
	Protocol() string

	// HasFeature probes an optional capability.
	HasFeature(feature ExecutorFeature) bool

	// CreateBatch allocates an isolated workspace for the batch key.
	CreateBatch(ctx context.Context, batchKey string) ([]byte, error)

	// AddVolume stages a named volume inside the batch workspace.
	AddVolume(ctx context.Context, state []byte, volume string) ([]byte, error)

	// AddFile stages a file into a previously added volume.
	AddFile(ctx context.Context, state []byte, volume, fileName string, content []byte) ([]byte, error)

	// ConfigureBatchStorage applies external storage bindings to the
	// batch, reporting each binding through the callback.
	ConfigureBatchStorage(ctx context.Context, state []byte, storage *models.StorageDefinition, apply func(key, value string)) ([]byte, error)

	// SubmitBatch launches the batch process.
	SubmitBatch(ctx context.Context, state []byte, config BatchConfig) ([]byte, error)

	// CancelBatch requests termination of a running batch.
	CancelBatch(ctx context.Context, state []byte) ([]byte, error)

	// DeleteBatch removes the batch workspace and any process remains.
	DeleteBatch(ctx context.Context, state []byte) error

	// GetBatchStatus polls the current batch state.
	GetBatchStatus(ctx context.Context, state []byte) (*models.BatchStatus, error)

	// HasOutputFile checks for an output file in the batch workspace.
	HasOutputFile(ctx context.Context, state []byte, volume, fileName string) (bool, error)

	// GetOutputFile retrieves an output file from the batch workspace.
	GetOutputFile(ctx context.Context, state []byte, volume, fileName string) ([]byte, error)
}

// ExecutorFactory produces an executor backend. Backends register by
// protocol name; configuration selects by name.
type ExecutorFactory func() (Executor, error)
