// -----------------------------------------------------------------------
// Job Handler - HTTP surface of the Job API
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

// JobHandler handles HTTP requests for job operations
type JobHandler struct {
	jobService interfaces.JobService
	logger     arbor.ILogger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(jobService interfaces.JobService, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		logger:     logger,
	}
}

func decodeJobRequest(w http.ResponseWriter, r *http.Request) (*models.JobRequest, bool) {
	var request models.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid job request payload: "+err.Error())
		return nil, false
	}
	return &request, true
}

// ValidateJobHandler handles POST /api/jobs/validate
func (h *JobHandler) ValidateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	request, ok := decodeJobRequest(w, r)
	if !ok {
		return
	}

	status, err := h.jobService.ValidateJob(r.Context(), TenantOf(r), request)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// SubmitJobHandler handles POST /api/jobs
func (h *JobHandler) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	request, ok := decodeJobRequest(w, r)
	if !ok {
		return
	}

	status, err := h.jobService.SubmitJob(r.Context(), TenantOf(r), request)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, status)
}

// CheckJobHandler handles GET /api/jobs/check
func (h *JobHandler) CheckJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	selector, err := SelectorFromQuery(r)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	status, err := h.jobService.CheckJob(r.Context(), TenantOf(r), selector)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// CancelJobHandler handles POST /api/jobs/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	selector, err := SelectorFromQuery(r)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	status, err := h.jobService.CancelJob(r.Context(), TenantOf(r), selector)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}
