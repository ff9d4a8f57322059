package client

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/drover/pkg/api"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubController answers a handful of routes with canned replies
func stubController(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req types.JobResourceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(types.JobRecord{JobID: req.JobID, Parallelism: req.Parallelism, Status: types.JobActive})
	})
	r.Put("/v1/jobs/{id}/scale", func(w http.ResponseWriter, r *http.Request) {
		var req api.ScaleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(types.JobRecord{JobID: chi.URLParam(r, "id"), Parallelism: req.Parallelism})
	})
	r.Get("/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "job " + chi.URLParam(r, "id") + ": not found"})
	})
	r.Post("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(api.AssignResponse{Queued: true})
	})
	r.Delete("/v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]types.SlotAssignment{{ID: "a1", Task: types.Task{ID: "t", JobID: r.URL.Query().Get("job")}}})
	})
	r.Post("/v1/liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrips(t *testing.T) {
	srv := stubController(t)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	defer c.Close()

	rec, err := c.StartJob(types.JobResourceRequest{JobID: "etl", Parallelism: 2})
	require.NoError(t, err)
	assert.Equal(t, "etl", rec.JobID)
	assert.Equal(t, types.JobActive, rec.Status)

	rec, err = c.ScaleJob("etl", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Parallelism)

	as, err := c.AssignTask(types.Task{ID: "t", JobID: "etl"})
	require.NoError(t, err)
	assert.Nil(t, as, "queued tasks have no assignment")

	list, err := c.ListAssignments("etl")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "etl", list[0].Task.JobID)

	assert.NoError(t, c.ReleaseTask("a1"))
}

func TestClientErrors(t *testing.T) {
	srv := stubController(t)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetJob("missing")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Contains(t, err.Error(), "job missing: not found")

	err = c.ReportLiveness(types.LivenessResult{WorkerID: "w"})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "Service Unavailable", apiErr.Message)
	assert.False(t, errdefs.IsNotFound(err))
}

func TestNewClientAddress(t *testing.T) {
	c, err := NewClient("localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.base)

	c, err = NewClient("https://drover.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://drover.example.com", c.base)

	_, err = NewClient("")
	assert.Error(t, err)
}
