// -----------------------------------------------------------------------
// Job Validation - bulk input checks and deep semantic validation
// -----------------------------------------------------------------------

package lifecycle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/conductor/internal/models"
)

// requestValidator runs struct-tag validation over inbound job requests.
var requestValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateRequest performs bulk input validation: required fields, enums
// in range, selectors well formed. Deep semantic validation happens after
// assembly in validateSemantics. All field-level issues are accumulated
// into a single VALIDATION_FAILED error.
func ValidateRequest(request *models.JobRequest) error {
	if request == nil {
		return models.NewError(models.ErrValidationFailed, "job request is required")
	}

	var issues []string

	definition := &request.Definition
	if err := requestValidator.Struct(definition); err != nil {
		if fieldErrors, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrors {
				issues = append(issues, fmt.Sprintf("%s: failed %q validation", fe.Namespace(), fe.Tag()))
			}
		} else {
			issues = append(issues, err.Error())
		}
	}

	known := false
	for _, t := range models.KnownJobTypes {
		if definition.JobType == t {
			known = true
			break
		}
	}
	if !known {
		issues = append(issues, fmt.Sprintf("job_type: unknown job type %q", definition.JobType))
		return models.ValidationError(issues)
	}

	issues = append(issues, validateDefinition(definition)...)

	for _, update := range request.TagUpdates {
		if update.Attr == "" {
			issues = append(issues, "tag_updates: attr name is required")
			continue
		}
		if strings.HasPrefix(update.Attr, AttrPrefix) {
			issues = append(issues, fmt.Sprintf("tag_updates.%s: the %s namespace is reserved", update.Attr, AttrPrefix))
		}
	}

	if len(issues) > 0 {
		return models.ValidationError(issues)
	}
	return nil
}

func validateDefinition(definition *models.JobDefinition) []string {
	var issues []string

	section := func(name string, present bool) {
		if !present {
			issues = append(issues, fmt.Sprintf("%s: section is required for job type %s", name, definition.JobType))
		}
	}

	switch definition.JobType {
	case models.JobTypeImportModel:
		section("import_model", definition.ImportModel != nil)
		if im := definition.ImportModel; im != nil {
			if im.Repository == "" {
				issues = append(issues, "import_model.repository: value is required")
			}
			if im.Version == "" {
				issues = append(issues, "import_model.version: value is required")
			}
			if im.EntryPoint == "" {
				issues = append(issues, "import_model.entry_point: value is required")
			}
		}

	case models.JobTypeRunModel:
		section("run_model", definition.RunModel != nil)
		if rm := definition.RunModel; rm != nil {
			issues = append(issues, validateSelector("run_model.model", rm.Model)...)
			for name, sel := range rm.Inputs {
				issues = append(issues, validateSelector("run_model.inputs."+name, sel)...)
			}
		}

	case models.JobTypeRunFlow:
		section("run_flow", definition.RunFlow != nil)
		if rf := definition.RunFlow; rf != nil {
			issues = append(issues, validateSelector("run_flow.flow", rf.Flow)...)
			for name, sel := range rf.Models {
				issues = append(issues, validateSelector("run_flow.models."+name, sel)...)
			}
		}

	case models.JobTypeImportData:
		section("import_data", definition.ImportData != nil)
		if d := definition.ImportData; d != nil && d.Storage == nil {
			issues = append(issues, "import_data.storage: storage binding is required")
		}

	case models.JobTypeExportData:
		section("export_data", definition.ExportData != nil)
		if d := definition.ExportData; d != nil {
			issues = append(issues, validateSelector("export_data.dataset", d.Dataset)...)
		}

	case models.JobTypeJobGroup:
		section("job_group", definition.JobGroup != nil)
		if g := definition.JobGroup; g != nil {
			if len(g.Jobs) == 0 {
				issues = append(issues, "job_group.jobs: at least one child job is required")
			}
			for i := range g.Jobs {
				child := &g.Jobs[i]
				if child.JobType == models.JobTypeJobGroup {
					issues = append(issues, fmt.Sprintf("job_group.jobs[%d]: nested job groups are not supported", i))
					continue
				}
				for _, issue := range validateDefinition(child) {
					issues = append(issues, fmt.Sprintf("job_group.jobs[%d].%s", i, issue))
				}
			}
		}
	}

	return issues
}

func validateSelector(field string, selector models.TagSelector) []string {
	var issues []string
	if selector.ObjectType == "" {
		issues = append(issues, field+": selector object_type is required")
	}
	if selector.ObjectID == "" {
		issues = append(issues, field+": selector object_id is required")
	}
	if !selector.LatestObject && selector.ObjectVersion < 0 {
		issues = append(issues, field+": selector object_version cannot be negative")
	}
	if !selector.LatestObject && selector.ObjectVersion == 0 {
		issues = append(issues, field+": selector must set object_version or latest_object")
	}
	return issues
}

// validateSemantics checks the assembled job against its resolved
// resources: model inputs present, parameter types match, schema
// compatibility for versioned outputs.
func validateSemantics(job *models.Job) error {
	var issues []string

	switch job.JobType {
	case models.JobTypeRunModel:
		issues = runModelSemantics(job)
	case models.JobTypeRunFlow:
		issues = runFlowSemantics(job)
	case models.JobTypeExportData:
		issues = exportDataSemantics(job)
	}

	if len(issues) > 0 {
		return models.ValidationError(issues)
	}
	return nil
}

func runModelSemantics(job *models.Job) []string {
	var issues []string
	rm := job.Definition.RunModel

	modelTag := job.Resources[rm.Model.Key()]
	if modelTag == nil || modelTag.Definition == nil || modelTag.Definition.Model == nil {
		return []string{fmt.Sprintf("run_model.model: %s does not resolve to a model", rm.Model.Key())}
	}
	model := modelTag.Definition.Model

	// Declared parameters without defaults must be supplied; supplied
	// parameters must be declared and parseable as their declared type.
	for name, param := range model.Parameters {
		value, ok := rm.Parameters[name]
		if !ok {
			if param.Default == "" {
				issues = append(issues, fmt.Sprintf("run_model.parameters.%s: required parameter is missing", name))
			}
			continue
		}
		if err := checkParameterType(param.Type, value); err != nil {
			issues = append(issues, fmt.Sprintf("run_model.parameters.%s: %v", name, err))
		}
	}
	for name := range rm.Parameters {
		if _, declared := model.Parameters[name]; !declared {
			issues = append(issues, fmt.Sprintf("run_model.parameters.%s: parameter is not declared by the model", name))
		}
	}

	// Every non-optional model input needs a supplied dataset
	for name, input := range model.Inputs {
		sel, ok := rm.Inputs[name]
		if !ok {
			if !input.Optional {
				issues = append(issues, fmt.Sprintf("run_model.inputs.%s: required input is missing", name))
			}
			continue
		}
		tag := job.Resources[sel.Key()]
		if tag == nil || tag.Definition == nil || tag.Definition.Data == nil {
			issues = append(issues, fmt.Sprintf("run_model.inputs.%s: %s does not resolve to a dataset", name, sel.Key()))
		}
	}

	// Versioned outputs must stay schema-compatible with their prior version
	for name, priorSel := range rm.PriorOutputs {
		output, declared := model.Outputs[name]
		if !declared {
			issues = append(issues, fmt.Sprintf("run_model.prior_outputs.%s: output is not declared by the model", name))
			continue
		}
		priorTag := job.Resources[priorSel.Key()]
		if priorTag == nil || priorTag.Definition == nil || priorTag.Definition.Data == nil {
			issues = append(issues, fmt.Sprintf("run_model.prior_outputs.%s: %s does not resolve to a dataset", name, priorSel.Key()))
			continue
		}
		if output.Schema == nil || priorTag.Definition.Data.Schema == nil {
			continue
		}
		priorSchemaTag := job.Resources[priorTag.Definition.Data.Schema.Key()]
		nextSchemaTag := job.Resources[output.Schema.Key()]
		if priorSchemaTag == nil || nextSchemaTag == nil ||
			priorSchemaTag.Definition == nil || nextSchemaTag.Definition == nil ||
			priorSchemaTag.Definition.Schema == nil || nextSchemaTag.Definition.Schema == nil {
			continue
		}
		if !priorSchemaTag.Definition.Schema.Compatible(nextSchemaTag.Definition.Schema) {
			issues = append(issues, fmt.Sprintf("run_model.prior_outputs.%s: new schema is not compatible with the prior version", name))
		}
	}

	return issues
}

func runFlowSemantics(job *models.Job) []string {
	var issues []string
	rf := job.Definition.RunFlow

	flowTag := job.Resources[rf.Flow.Key()]
	if flowTag == nil || flowTag.Definition == nil || flowTag.Definition.Flow == nil {
		return []string{fmt.Sprintf("run_flow.flow: %s does not resolve to a flow", rf.Flow.Key())}
	}
	flow := flowTag.Definition.Flow

	for name, node := range flow.Nodes {
		switch node.NodeType {
		case "MODEL":
			sel := node.Model
			if sel == nil {
				if mapped, ok := rf.Models[name]; ok {
					sel = &mapped
				}
			}
			if sel == nil {
				issues = append(issues, fmt.Sprintf("run_flow.models.%s: flow node has no model binding", name))
				continue
			}
			tag := job.Resources[sel.Key()]
			if tag == nil || tag.Definition == nil || tag.Definition.Model == nil {
				issues = append(issues, fmt.Sprintf("run_flow.models.%s: %s does not resolve to a model", name, sel.Key()))
			}
		case "INPUT":
			if _, ok := rf.Inputs[name]; !ok {
				issues = append(issues, fmt.Sprintf("run_flow.inputs.%s: required flow input is missing", name))
			}
		}
	}

	return issues
}

func exportDataSemantics(job *models.Job) []string {
	d := job.Definition.ExportData
	tag := job.Resources[d.Dataset.Key()]
	if tag == nil || tag.Definition == nil || tag.Definition.Data == nil {
		return []string{fmt.Sprintf("export_data.dataset: %s does not resolve to a dataset", d.Dataset.Key())}
	}
	return nil
}

func checkParameterType(paramType, value string) error {
	switch paramType {
	case "INTEGER":
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("value %q is not an integer", value)
		}
	case "FLOAT":
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("value %q is not a float", value)
		}
	case "BOOLEAN":
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("value %q is not a boolean", value)
		}
	}
	return nil
}
