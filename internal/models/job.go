// -----------------------------------------------------------------------
// Job Model - immutable execution request plus evolving orchestration state
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
)

// JobType enumerates the supported job types.
type JobType string

const (
	JobTypeImportModel JobType = "IMPORT_MODEL"
	JobTypeRunModel    JobType = "RUN_MODEL"
	JobTypeRunFlow     JobType = "RUN_FLOW"
	JobTypeImportData  JobType = "IMPORT_DATA"
	JobTypeExportData  JobType = "EXPORT_DATA"
	JobTypeJobGroup    JobType = "JOB_GROUP"
)

// KnownJobTypes is used for enum-in-range checks during bulk validation.
var KnownJobTypes = []JobType{
	JobTypeImportModel,
	JobTypeRunModel,
	JobTypeRunFlow,
	JobTypeImportData,
	JobTypeExportData,
	JobTypeJobGroup,
}

// JobDefinition is the immutable request payload of a job. Exactly one of
// the typed sections is set, matching JobType.
type JobDefinition struct {
	JobType     JobType         `json:"job_type" validate:"required"`
	ImportModel *ImportModelJob `json:"import_model,omitempty"`
	RunModel    *RunModelJob    `json:"run_model,omitempty"`
	RunFlow     *RunFlowJob     `json:"run_flow,omitempty"`
	ImportData  *DataJob        `json:"import_data,omitempty"`
	ExportData  *DataJob        `json:"export_data,omitempty"`
	JobGroup    *JobGroup       `json:"job_group,omitempty"`
}

// ImportModelJob loads model code from a repository into the catalog.
type ImportModelJob struct {
	Repository string            `json:"repository" validate:"required"`
	Path       string            `json:"path,omitempty"`
	Package    string            `json:"package,omitempty"`
	Version    string            `json:"version" validate:"required"`
	EntryPoint string            `json:"entry_point" validate:"required"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// RunModelJob executes a single model over selected inputs.
type RunModelJob struct {
	Model        TagSelector            `json:"model"`
	Parameters   map[string]string      `json:"parameters,omitempty"`
	Inputs       map[string]TagSelector `json:"inputs,omitempty"`
	Outputs      map[string]string      `json:"outputs,omitempty"`
	PriorOutputs map[string]TagSelector `json:"prior_outputs,omitempty"`
	Storage      *TagSelector           `json:"storage,omitempty"`
}

// RunFlowJob executes a flow of models.
type RunFlowJob struct {
	Flow         TagSelector            `json:"flow"`
	Parameters   map[string]string      `json:"parameters,omitempty"`
	Inputs       map[string]TagSelector `json:"inputs,omitempty"`
	Outputs      map[string]string      `json:"outputs,omitempty"`
	PriorOutputs map[string]TagSelector `json:"prior_outputs,omitempty"`
	Models       map[string]TagSelector `json:"models,omitempty"`
	Storage      *TagSelector           `json:"storage,omitempty"`
}

// DataJob imports or exports a dataset through a storage binding.
type DataJob struct {
	Dataset TagSelector  `json:"dataset"`
	Storage *TagSelector `json:"storage,omitempty"`
	Format  string       `json:"format,omitempty"`
}

// JobGroup contains child jobs executed as independent cache entries.
// The parent's terminal status is derived from its children.
type JobGroup struct {
	Jobs []JobDefinition `json:"jobs" validate:"min=1"`
}

// JobRequest is the inbound shape of ValidateJob / SubmitJob.
type JobRequest struct {
	Definition JobDefinition `json:"definition" validate:"required"`
	TagUpdates []TagUpdate   `json:"tag_updates,omitempty"`
}

// Job is an execution request plus its evolving orchestration state.
// Lifecycle stage functions treat it as copy-in/copy-out: they never
// mutate their input.
type Job struct {
	// Identity, assigned by SaveInitialMetadata
	JobID  *TagHeader `json:"job_id,omitempty"`
	JobKey string     `json:"job_key,omitempty"`
	Tenant string     `json:"tenant"`

	// Immutable request
	JobType    JobType       `json:"job_type"`
	Definition JobDefinition `json:"definition"`
	TagUpdates []TagUpdate   `json:"tag_updates,omitempty"`

	// Evolving state
	StatusCode    JobStatusCode `json:"status_code"`
	StatusMessage string        `json:"status_message,omitempty"`

	// Resolved metadata dependencies: selector key -> resolved tag
	Resources       map[string]*Tag       `json:"resources,omitempty"`
	ResourceMapping map[string]TagHeader  `json:"resource_mapping,omitempty"`
	// Preallocated output ids: output name -> preallocated header.
	// Populated once by ProcessResult so RecordResult retries are
	// idempotent.
	ResultMapping map[string]TagHeader `json:"result_mapping,omitempty"`
	// Parsed output definitions keyed like ResultMapping
	ResultObjects map[string]*ObjectDefinition `json:"result_objects,omitempty"`

	// Serialized payloads exchanged with the executor
	SysConfig []byte `json:"sys_config,omitempty"`
	JobConfig []byte `json:"job_config,omitempty"`
	JobResult []byte `json:"job_result,omitempty"`

	// ExecutorState is an opaque blob owned by the executor plugin.
	ExecutorState []byte `json:"executor_state,omitempty"`

	// Identity and delegated credentials for downstream calls
	Owner      string `json:"owner,omitempty"`
	OwnerToken string `json:"owner_token,omitempty"`

	// Group linkage: cache key of the parent JOB_GROUP entry, if any
	ParentKey string   `json:"parent_key,omitempty"`
	ChildKeys []string `json:"child_keys,omitempty"`
}

// Clone returns a deep copy of the job via the JSON round trip. Lifecycle
// stages clone before mutating so the input job is left untouched.
func (j *Job) Clone() *Job {
	data, err := json.Marshal(j)
	if err != nil {
		// Job contains only marshalable fields; this cannot happen
		// for a well-formed job.
		panic(fmt.Sprintf("job clone failed: %v", err))
	}
	var out Job
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("job clone failed: %v", err))
	}
	return &out
}

// Status returns the API-facing status of the job.
func (j *Job) Status() JobStatus {
	return JobStatus{
		JobID:         j.JobID,
		JobKey:        j.JobKey,
		StatusCode:    j.StatusCode,
		StatusMessage: j.StatusMessage,
	}
}

// JobResultFile is the result payload produced by the runtime inside the
// batch workspace and parsed by ProcessResult.
type JobResultFile struct {
	JobKey        string                       `json:"job_key"`
	StatusCode    JobStatusCode                `json:"status_code"`
	StatusMessage string                       `json:"status_message,omitempty"`
	Outputs       map[string]*ObjectDefinition `json:"outputs,omitempty"`
	OutputAttrs   map[string][]TagUpdate       `json:"output_attrs,omitempty"`
}

// BatchStatusCode is the executor-reported state of a batch.
type BatchStatusCode string

const (
	BatchQueued    BatchStatusCode = "QUEUED"
	BatchRunning   BatchStatusCode = "RUNNING"
	BatchSucceeded BatchStatusCode = "SUCCEEDED"
	BatchFailed    BatchStatusCode = "FAILED"
	BatchCancelled BatchStatusCode = "CANCELLED"
)

// BatchStatus is the result of an executor poll.
type BatchStatus struct {
	Code     BatchStatusCode `json:"code"`
	ExitCode int             `json:"exit_code,omitempty"`
	Error    string          `json:"error,omitempty"`
}
