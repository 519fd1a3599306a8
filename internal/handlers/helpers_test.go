package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/conductor/internal/models"
)

func TestWriteServiceError(t *testing.T) {
	cases := []struct {
		kind models.ErrorKind
		want int
	}{
		{models.ErrValidationFailed, http.StatusBadRequest},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrAlreadyExists, http.StatusConflict},
		{models.ErrAuthorizationDenied, http.StatusForbidden},
		{models.ErrLeaseConflict, http.StatusConflict},
		{models.ErrSuperseded, http.StatusConflict},
		{models.ErrTransientIO, http.StatusServiceUnavailable},
		{models.ErrInternal, http.StatusInternalServerError},
		{models.ErrCacheCorruption, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, WriteServiceError(w, models.NewError(tc.kind, "boom")))
			assert.Equal(t, tc.want, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Contains(t, w.Body.String(), "boom")
		})
	}
}

func TestTenantOf(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	assert.Equal(t, "default", TenantOf(r))

	r.Header.Set("X-Tenant", "acme")
	assert.Equal(t, "acme", TenantOf(r))
}

func TestSelectorFromQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/jobs/status?object_id=abc&object_version=3", nil)
	selector, err := SelectorFromQuery(r)
	require.NoError(t, err)
	assert.Equal(t, models.ObjectTypeJob, selector.ObjectType)
	assert.Equal(t, "abc", selector.ObjectID)
	assert.Equal(t, 3, selector.ObjectVersion)
	assert.False(t, selector.LatestObject)
	assert.True(t, selector.LatestTag)

	// Version omitted resolves to the latest object version
	r = httptest.NewRequest(http.MethodGet, "/jobs/status?object_id=abc", nil)
	selector, err = SelectorFromQuery(r)
	require.NoError(t, err)
	assert.True(t, selector.LatestObject)
}

func TestSelectorFromQuery_Invalid(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/jobs/status", nil)
	_, err := SelectorFromQuery(r)
	require.Error(t, err)
	assert.Equal(t, models.ErrValidationFailed, models.KindOf(err))
	assert.Contains(t, err.Error(), "object_id query parameter is required")

	for _, version := range []string{"zero", "0", "-1"} {
		r = httptest.NewRequest(http.MethodGet, "/jobs/status?object_id=abc&object_version="+version, nil)
		_, err = SelectorFromQuery(r)
		require.Error(t, err, "version %q", version)
		assert.Contains(t, err.Error(), "invalid object_version")
	}
}

func TestRequireMethod(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	assert.True(t, RequireMethod(w, r, http.MethodGet))

	w = httptest.NewRecorder()
	assert.False(t, RequireMethod(w, r, http.MethodPost))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
