// -----------------------------------------------------------------------
// Job Lifecycle - copy-in/copy-out stage functions over the job model
// -----------------------------------------------------------------------

package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

// Controlled tag attributes written by the orchestrator. Caller-supplied
// tag updates must not touch the conductor_ namespace.
const (
	AttrPrefix     = "conductor_"
	AttrJobType    = "conductor_job_type"
	AttrJobStatus  = "conductor_job_status"
	AttrJobError   = "conductor_job_error"
	AttrJobKey     = "conductor_job_key"
	AttrJobGroup   = "conductor_job_group"
	AttrJobOutput  = "conductor_job_output"
	AttrCreateTime = "conductor_create_time"
)

// resultObjectKey is the reserved result-mapping slot for the RESULT
// object describing the run outcome. Output names come from the runtime
// and never collide with it.
const resultObjectKey = "__result"

// Service implements the lifecycle stages. Every stage clones its input
// job and returns the updated copy; the caller's job is never mutated.
// Stages call the metadata store but never the cache or the executor.
type Service struct {
	meta   interfaces.MetadataClient
	logger arbor.ILogger
}

// NewService creates the lifecycle service
func NewService(meta interfaces.MetadataClient, logger arbor.ILogger) *Service {
	return &Service{meta: meta, logger: logger}
}

// NewJob builds the initial job value from an inbound request. The
// request is bulk-validated first; assembly and semantic validation
// happen in AssembleAndValidate.
func NewJob(tenant string, request *models.JobRequest) (*models.Job, error) {
	if err := ValidateRequest(request); err != nil {
		return nil, err
	}
	return &models.Job{
		Tenant:     tenant,
		JobType:    request.Definition.JobType,
		Definition: request.Definition,
		TagUpdates: request.TagUpdates,
		StatusCode: models.JobStatusPending,
	}, nil
}

// AssembleAndValidate resolves every metadata dependency of the job and
// runs deep semantic validation against the resolved resources. Missing
// or mistyped resources are validation failures, not lookup errors; all
// issues found in one pass are accumulated into a single error.
func (s *Service) AssembleAndValidate(ctx context.Context, job *models.Job) (*models.Job, error) {
	out := job.Clone()
	out.Resources = make(map[string]*models.Tag)
	out.ResourceMapping = make(map[string]models.TagHeader)

	selectors := collectSelectors(&out.Definition)

	var issues []string
	resolve := func(field string, selector models.TagSelector) {
		key := selector.Key()
		if _, done := out.Resources[key]; done {
			return
		}
		tag, err := s.meta.ReadObject(ctx, out.Tenant, selector)
		if err != nil {
			if models.KindOf(err) == models.ErrNotFound {
				issues = append(issues, fmt.Sprintf("%s: %s does not exist", field, key))
				return
			}
			issues = append(issues, fmt.Sprintf("%s: %s could not be resolved: %v", field, key, err))
			return
		}
		out.Resources[key] = tag
		out.ResourceMapping[key] = tag.Header
	}

	for _, ref := range selectors {
		resolve(ref.field, ref.selector)
	}
	if len(issues) > 0 {
		return nil, models.ValidationError(issues)
	}

	// Second round: schema selectors referenced by the resolved models
	// and datasets, needed for compatibility checks.
	for _, ref := range schemaSelectors(out) {
		resolve(ref.field, ref.selector)
	}
	if len(issues) > 0 {
		return nil, models.ValidationError(issues)
	}

	if err := validateSemantics(out); err != nil {
		return nil, err
	}

	out.StatusCode = models.JobStatusValidated
	out.StatusMessage = ""
	return out, nil
}

type selectorRef struct {
	field    string
	selector models.TagSelector
}

// collectSelectors lists the direct metadata dependencies of a job
// definition in a stable order.
func collectSelectors(definition *models.JobDefinition) []selectorRef {
	var refs []selectorRef
	add := func(field string, selector models.TagSelector) {
		refs = append(refs, selectorRef{field: field, selector: selector})
	}
	addMap := func(prefix string, selectors map[string]models.TagSelector) {
		names := make([]string, 0, len(selectors))
		for name := range selectors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			add(prefix+"."+name, selectors[name])
		}
	}

	switch definition.JobType {
	case models.JobTypeRunModel:
		rm := definition.RunModel
		add("run_model.model", rm.Model)
		addMap("run_model.inputs", rm.Inputs)
		addMap("run_model.prior_outputs", rm.PriorOutputs)
		if rm.Storage != nil {
			add("run_model.storage", *rm.Storage)
		}
	case models.JobTypeRunFlow:
		rf := definition.RunFlow
		add("run_flow.flow", rf.Flow)
		addMap("run_flow.models", rf.Models)
		addMap("run_flow.inputs", rf.Inputs)
		addMap("run_flow.prior_outputs", rf.PriorOutputs)
		if rf.Storage != nil {
			add("run_flow.storage", *rf.Storage)
		}
	case models.JobTypeImportData:
		d := definition.ImportData
		if d.Storage != nil {
			add("import_data.storage", *d.Storage)
		}
	case models.JobTypeExportData:
		d := definition.ExportData
		add("export_data.dataset", d.Dataset)
		if d.Storage != nil {
			add("export_data.storage", *d.Storage)
		}
	case models.JobTypeJobGroup:
		for i := range definition.JobGroup.Jobs {
			child := &definition.JobGroup.Jobs[i]
			for _, ref := range collectSelectors(child) {
				refs = append(refs, selectorRef{
					field:    fmt.Sprintf("job_group.jobs[%d].%s", i, ref.field),
					selector: ref.selector,
				})
			}
		}
	}
	return refs
}

// schemaSelectors lists the schema references reachable from already
// resolved resources.
func schemaSelectors(job *models.Job) []selectorRef {
	var refs []selectorRef
	keys := make([]string, 0, len(job.Resources))
	for key := range job.Resources {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		tag := job.Resources[key]
		if tag.Definition == nil {
			continue
		}
		if model := tag.Definition.Model; model != nil {
			for name, input := range model.Inputs {
				if input.Schema != nil {
					refs = append(refs, selectorRef{field: key + ".inputs." + name + ".schema", selector: *input.Schema})
				}
			}
			for name, output := range model.Outputs {
				if output.Schema != nil {
					refs = append(refs, selectorRef{field: key + ".outputs." + name + ".schema", selector: *output.Schema})
				}
			}
		}
		if data := tag.Definition.Data; data != nil && data.Schema != nil {
			refs = append(refs, selectorRef{field: key + ".schema", selector: *data.Schema})
		}
	}
	return refs
}

// SaveInitialMetadata preallocates the job identifier and writes the job
// object with a PENDING status tag. The returned job carries its identity
// and is ready to be queued.
func (s *Service) SaveInitialMetadata(ctx context.Context, job *models.Job) (*models.Job, error) {
	out := job.Clone()

	header, err := s.meta.PreallocateID(ctx, out.Tenant, models.ObjectTypeJob)
	if err != nil {
		return nil, err
	}

	attrs := []models.TagUpdate{
		models.Attr(AttrJobType, string(out.JobType)),
		models.Attr(AttrJobStatus, string(models.JobStatusPending)),
	}
	attrs = append(attrs, out.TagUpdates...)

	definition := &models.ObjectDefinition{
		ObjectType: models.ObjectTypeJob,
		Job:        &out.Definition,
	}
	written, err := s.meta.CreatePreallocatedObject(ctx, out.Tenant, header, definition, attrs)
	if err != nil {
		return nil, err
	}

	out.JobID = written
	out.JobKey = written.Key()
	out.StatusCode = models.JobStatusPending
	out.StatusMessage = ""

	s.logger.Info().
		Str("job_key", out.JobKey).
		Str("job_type", string(out.JobType)).
		Msg("Job metadata saved")
	return out, nil
}

// RecordUpdate writes the job's current status onto its tag. Tag-only:
// no new object version is created and the job value is unchanged.
func (s *Service) RecordUpdate(ctx context.Context, job *models.Job) (*models.Job, error) {
	out := job.Clone()
	if out.JobID == nil {
		return nil, models.NewError(models.ErrInternal, "job has no identity to record against")
	}

	attrs := []models.TagUpdate{
		models.Attr(AttrJobStatus, string(out.StatusCode)),
	}
	if out.StatusMessage != "" {
		attrs = append(attrs, models.Attr(AttrJobError, out.StatusMessage))
	} else {
		attrs = append(attrs, models.TagUpdate{Operation: models.TagOpDelete, Attr: AttrJobError})
	}

	selector := out.JobID.ToSelector()
	selector.LatestTag = true
	header, err := s.meta.UpdateTag(ctx, out.Tenant, selector, attrs)
	if err != nil {
		return nil, err
	}
	out.JobID = header
	return out, nil
}

// ProcessResult parses the runtime's result payload and preallocates ids
// for its outputs. Only missing result-mapping entries are allocated, so
// a retried job reuses the ids from the earlier attempt and RecordResult
// stays idempotent.
func (s *Service) ProcessResult(ctx context.Context, job *models.Job) (*models.Job, error) {
	out := job.Clone()
	if out.ResultMapping == nil {
		out.ResultMapping = make(map[string]models.TagHeader)
	}
	if out.ResultObjects == nil {
		out.ResultObjects = make(map[string]*models.ObjectDefinition)
	}

	var result models.JobResultFile
	if len(out.JobResult) == 0 {
		return nil, models.NewError(models.ErrExecutorFailed, "batch produced no result payload")
	}
	if err := json.Unmarshal(out.JobResult, &result); err != nil {
		return nil, models.WrapError(models.ErrExecutorFailed, "batch result payload cannot be parsed", err)
	}

	if result.StatusCode.IsTerminal() {
		out.StatusCode = result.StatusCode
		out.StatusMessage = result.StatusMessage
	}

	names := make([]string, 0, len(result.Outputs))
	for name := range result.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		definition := result.Outputs[name]
		if definition == nil {
			return nil, models.NewErrorf(models.ErrExecutorFailed, "batch output %q has no definition", name)
		}
		out.ResultObjects[name] = definition
		if _, allocated := out.ResultMapping[name]; allocated {
			continue
		}
		header, err := s.meta.PreallocateID(ctx, out.Tenant, definition.ObjectType)
		if err != nil {
			return nil, err
		}
		out.ResultMapping[name] = *header
	}

	if _, allocated := out.ResultMapping[resultObjectKey]; !allocated {
		header, err := s.meta.PreallocateID(ctx, out.Tenant, models.ObjectTypeResult)
		if err != nil {
			return nil, err
		}
		out.ResultMapping[resultObjectKey] = *header
	}

	return out, nil
}

// RecordResult persists the run outcome: every output object, the RESULT
// object and the final job status tag go into a single atomic batch with
// one shared timestamp. Rerunning the stage rewrites the same
// preallocated ids, so a transient failure midway is safe to retry.
func (s *Service) RecordResult(ctx context.Context, job *models.Job) (*models.Job, error) {
	out := job.Clone()
	if out.JobID == nil {
		return nil, models.NewError(models.ErrInternal, "job has no identity to record against")
	}
	if !out.StatusCode.IsTerminal() {
		return nil, models.NewErrorf(models.ErrInternal, "cannot record result for non-terminal status %s", out.StatusCode)
	}

	// Output attrs ride in the raw result payload; absence is fine for
	// jobs failed before producing one.
	var outputAttrs map[string][]models.TagUpdate
	if len(out.JobResult) > 0 {
		var result models.JobResultFile
		if err := json.Unmarshal(out.JobResult, &result); err == nil {
			outputAttrs = result.OutputAttrs
		}
	}

	batch := &models.WriteBatchRequest{}

	names := make([]string, 0, len(out.ResultObjects))
	for name := range out.ResultObjects {
		names = append(names, name)
	}
	sort.Strings(names)

	outputHeaders := make([]models.TagHeader, 0, len(names))
	for _, name := range names {
		header, allocated := out.ResultMapping[name]
		if !allocated {
			return nil, models.NewErrorf(models.ErrInternal, "output %q has no preallocated id", name)
		}
		attrs := []models.TagUpdate{models.Attr(AttrJobOutput, out.JobKey)}
		attrs = append(attrs, outputAttrs[name]...)
		h := header
		batch.Operations = append(batch.Operations, models.WriteOperation{
			CreatePreallocated: &h,
			Definition:         out.ResultObjects[name],
			Attrs:              attrs,
		})
		outputHeaders = append(outputHeaders, header)
	}

	if resultHeader, allocated := out.ResultMapping[resultObjectKey]; allocated {
		h := resultHeader
		batch.Operations = append(batch.Operations, models.WriteOperation{
			CreatePreallocated: &h,
			Definition: &models.ObjectDefinition{
				ObjectType: models.ObjectTypeResult,
				Result: &models.ResultDefinition{
					JobID:         *out.JobID,
					StatusCode:    out.StatusCode,
					StatusMessage: out.StatusMessage,
					Outputs:       outputHeaders,
				},
			},
			Attrs: []models.TagUpdate{models.Attr(AttrJobOutput, out.JobKey)},
		})
	}

	statusAttrs := []models.TagUpdate{
		models.Attr(AttrJobStatus, string(out.StatusCode)),
	}
	if out.StatusMessage != "" {
		statusAttrs = append(statusAttrs, models.Attr(AttrJobError, out.StatusMessage))
	} else {
		statusAttrs = append(statusAttrs, models.TagUpdate{Operation: models.TagOpDelete, Attr: AttrJobError})
	}
	jobSelector := out.JobID.ToSelector()
	jobSelector.LatestTag = true
	batch.Operations = append(batch.Operations, models.WriteOperation{
		UpdateTag: &jobSelector,
		Attrs:     statusAttrs,
	})

	if _, err := s.meta.WriteBatch(ctx, out.Tenant, batch); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_key", out.JobKey).
		Str("status", string(out.StatusCode)).
		Int("outputs", len(outputHeaders)).
		Msg("Job result recorded")
	return out, nil
}

// BuildConfig renders the serialized config payloads handed to the
// executor: the system context and the job-facing definition plus its
// resolved resources. storageEnv carries the key/value pairs the
// executor backend applied while configuring batch storage.
func BuildConfig(job *models.Job, storageEnv map[string]string) (*models.Job, error) {
	out := job.Clone()

	sysConfig := map[string]interface{}{
		"tenant":  out.Tenant,
		"job_key": out.JobKey,
	}
	if storage := StorageOf(out); storage != nil {
		sysConfig["storage"] = storage
	}
	if len(storageEnv) > 0 {
		sysConfig["storage_env"] = storageEnv
	}
	sysData, err := json.Marshal(sysConfig)
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, "failed to encode sys config", err)
	}

	jobConfig := map[string]interface{}{
		"job_key":          out.JobKey,
		"job_type":         out.JobType,
		"definition":       out.Definition,
		"resource_mapping": out.ResourceMapping,
	}
	jobData, err := json.Marshal(jobConfig)
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, "failed to encode job config", err)
	}

	out.SysConfig = sysData
	out.JobConfig = jobData
	return out, nil
}

// StorageOf returns the resolved storage binding of the job, if its
// definition references one.
func StorageOf(job *models.Job) *models.StorageDefinition {
	var selector *models.TagSelector
	switch job.JobType {
	case models.JobTypeRunModel:
		selector = job.Definition.RunModel.Storage
	case models.JobTypeRunFlow:
		selector = job.Definition.RunFlow.Storage
	case models.JobTypeImportData:
		selector = job.Definition.ImportData.Storage
	case models.JobTypeExportData:
		selector = job.Definition.ExportData.Storage
	}
	if selector == nil {
		return nil
	}
	tag := job.Resources[selector.Key()]
	if tag == nil || tag.Definition == nil {
		return nil
	}
	return tag.Definition.Storage
}
