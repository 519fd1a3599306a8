package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/conductor/internal/models"
)

func importModelRequest() *models.JobRequest {
	return &models.JobRequest{
		Definition: models.JobDefinition{
			JobType: models.JobTypeImportModel,
			ImportModel: &models.ImportModelJob{
				Repository: "git://models/risk",
				Version:    "1.4.0",
				EntryPoint: "risk.pd_model.PDModel",
			},
		},
	}
}

func TestValidateRequest_Valid(t *testing.T) {
	assert.NoError(t, ValidateRequest(importModelRequest()))
}

func TestValidateRequest_NilRequest(t *testing.T) {
	err := ValidateRequest(nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrValidationFailed, models.KindOf(err))
}

func TestValidateRequest_UnknownJobType(t *testing.T) {
	err := ValidateRequest(&models.JobRequest{
		Definition: models.JobDefinition{JobType: "RUN_MAGIC"},
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrValidationFailed, models.KindOf(err))
	assert.Contains(t, err.Error(), `unknown job type "RUN_MAGIC"`)
}

func TestValidateRequest_AccumulatesIssues(t *testing.T) {
	// Missing repository, version and entry point must all be reported
	// in one pass, not one at a time.
	err := ValidateRequest(&models.JobRequest{
		Definition: models.JobDefinition{
			JobType:     models.JobTypeImportModel,
			ImportModel: &models.ImportModelJob{},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository")
	assert.Contains(t, err.Error(), "version")
	assert.Contains(t, err.Error(), "entry_point")
}

func TestValidateRequest_MissingSection(t *testing.T) {
	err := ValidateRequest(&models.JobRequest{
		Definition: models.JobDefinition{JobType: models.JobTypeRunModel},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run_model: section is required")
}

func TestValidateRequest_SelectorShape(t *testing.T) {
	err := ValidateRequest(&models.JobRequest{
		Definition: models.JobDefinition{
			JobType: models.JobTypeRunModel,
			RunModel: &models.RunModelJob{
				Model: models.TagSelector{ObjectType: models.ObjectTypeModel},
			},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run_model.model: selector object_id is required")
	assert.Contains(t, err.Error(), "must set object_version or latest_object")
}

func TestValidateRequest_ReservedTagNamespace(t *testing.T) {
	request := importModelRequest()
	request.TagUpdates = []models.TagUpdate{
		models.Attr("project", "alpha"),
		models.Attr("conductor_job_status", "SUCCEEDED"),
	}

	err := ValidateRequest(request)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conductor_ namespace is reserved")

	// Uncontrolled attrs alone are fine
	request.TagUpdates = []models.TagUpdate{models.Attr("project", "alpha")}
	assert.NoError(t, ValidateRequest(request))
}

func TestValidateRequest_JobGroup(t *testing.T) {
	err := ValidateRequest(&models.JobRequest{
		Definition: models.JobDefinition{
			JobType:  models.JobTypeJobGroup,
			JobGroup: &models.JobGroup{},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one child job is required")

	// Nested groups are rejected, child issues carry their index
	err = ValidateRequest(&models.JobRequest{
		Definition: models.JobDefinition{
			JobType: models.JobTypeJobGroup,
			JobGroup: &models.JobGroup{
				Jobs: []models.JobDefinition{
					{JobType: models.JobTypeJobGroup, JobGroup: &models.JobGroup{}},
					{JobType: models.JobTypeImportModel, ImportModel: &models.ImportModelJob{Repository: "r"}},
				},
			},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job_group.jobs[0]: nested job groups are not supported")
	assert.Contains(t, err.Error(), "job_group.jobs[1].import_model.version")
}

func TestValidateRequest_ImportDataNeedsStorage(t *testing.T) {
	err := ValidateRequest(&models.JobRequest{
		Definition: models.JobDefinition{
			JobType: models.JobTypeImportData,
			ImportData: &models.DataJob{
				Dataset: models.TagSelector{ObjectType: models.ObjectTypeData, ObjectID: "ds-1", LatestObject: true},
			},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "import_data.storage: storage binding is required")
}
