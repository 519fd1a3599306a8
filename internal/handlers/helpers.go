package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ternarybob/conductor/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteServiceError maps an orchestrator error kind to an HTTP status.
func WriteServiceError(w http.ResponseWriter, err error) error {
	status := http.StatusInternalServerError
	switch models.KindOf(err) {
	case models.ErrValidationFailed:
		status = http.StatusBadRequest
	case models.ErrNotFound:
		status = http.StatusNotFound
	case models.ErrAlreadyExists:
		status = http.StatusConflict
	case models.ErrAuthorizationDenied:
		status = http.StatusForbidden
	case models.ErrLeaseConflict, models.ErrSuperseded:
		status = http.StatusConflict
	case models.ErrTransientIO:
		status = http.StatusServiceUnavailable
	}
	return WriteError(w, status, err.Error())
}

// TenantOf resolves the tenant for a request. Single-tenant deployments
// omit the header and land on "default".
func TenantOf(r *http.Request) string {
	if tenant := r.Header.Get("X-Tenant"); tenant != "" {
		return tenant
	}
	return "default"
}

// SelectorFromQuery parses a job selector from query parameters:
// object_id (required), object_version or latest.
func SelectorFromQuery(r *http.Request) (models.TagSelector, error) {
	query := r.URL.Query()

	objectID := query.Get("object_id")
	if objectID == "" {
		return models.TagSelector{}, models.NewError(models.ErrValidationFailed, "object_id query parameter is required")
	}

	selector := models.TagSelector{
		ObjectType: models.ObjectTypeJob,
		ObjectID:   objectID,
		LatestTag:  true,
	}

	if version := query.Get("object_version"); version != "" {
		v, err := strconv.Atoi(version)
		if err != nil || v < 1 {
			return models.TagSelector{}, models.NewErrorf(models.ErrValidationFailed, "invalid object_version %q", version)
		}
		selector.ObjectVersion = v
	} else {
		selector.LatestObject = true
	}
	return selector, nil
}
