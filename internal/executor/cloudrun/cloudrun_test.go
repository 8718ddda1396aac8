package cloudrun

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/executor"
)

func newAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	a, err := New("cloudrun-test", map[string]string{
		"endpoint": srv.URL,
		"project":  "proj",
		"location": "us-central1",
		"token":    "test-token",
	})
	require.NoError(t, err)
	return a
}

func TestNew_RequiresEndpointProjectLocation(t *testing.T) {
	var cfgErr *executor.ConfigurationError

	_, err := New("h", map[string]string{"project": "p", "location": "l"})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = New("h", map[string]string{"endpoint": "http://x"})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLaunchJob(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody runRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(executionResponse{
			Name:   "projects/proj/locations/us-central1/jobs/j/executions/e-1",
			Status: "PENDING",
		})
	}))
	defer srv.Close()

	a := newAdapter(t, srv)
	job := &domain.Job{
		ID:       uuid.New(),
		Image:    "gcr.io/proj/batch:v1",
		Command:  []string{"run"},
		MemoryMB: 2048,
	}

	execID, err := a.LaunchJob(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "projects/proj/locations/us-central1/jobs/j/executions/e-1", execID)
	assert.True(t, strings.HasSuffix(gotPath, "convoy-"+job.ID.String()+":run"), gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "gcr.io/proj/batch:v1", gotBody.Image)
	assert.Equal(t, 2048, gotBody.MemoryMB)
}

func TestFindExecution(t *testing.T) {
	job := &domain.Job{ID: uuid.New(), Image: "gcr.io/proj/batch:v1"}

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"executions": []executionResponse{
				{Name: "projects/proj/locations/us-central1/jobs/j/executions/e-9", Status: "RUNNING"},
			},
		})
	}))
	defer srv.Close()

	a := newAdapter(t, srv)
	execID, err := a.FindExecution(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "projects/proj/locations/us-central1/jobs/j/executions/e-9", execID)
	assert.True(t, strings.HasSuffix(gotPath, "convoy-"+job.ID.String()+"/executions"), gotPath)
}

func TestFindExecution_NothingLaunched(t *testing.T) {
	// A job resource that never got created reports 404.
	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer missing.Close()

	a := newAdapter(t, missing)
	execID, err := a.FindExecution(context.Background(), &domain.Job{ID: uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, execID)

	// A job resource with no executions yet reports an empty list.
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"executions": []executionResponse{}})
	}))
	defer empty.Close()

	a = newAdapter(t, empty)
	execID, err = a.FindExecution(context.Background(), &domain.Job{ID: uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, execID)
}

func TestLaunchJob_ErrorClassification(t *testing.T) {
	cases := []struct {
		code      int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
		{http.StatusBadGateway, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.code)
		}))
		a := newAdapter(t, srv)
		_, err := a.LaunchJob(context.Background(), &domain.Job{ID: uuid.New(), Image: "x"})
		require.Error(t, err, "status %d", tc.code)
		assert.Equal(t, tc.transient, executor.IsTransient(err), "status %d", tc.code)
		srv.Close()
	}
}

func TestCheckStatus_Mapping(t *testing.T) {
	cases := []struct {
		platform string
		want     executor.Status
	}{
		{"PENDING", executor.StatusStarting},
		{"RUNNING", executor.StatusRunning},
		{"SUCCEEDED", executor.StatusCompleted},
		{"FAILED", executor.StatusFailed},
		{"CANCELLED", executor.StatusCancelled},
		{"SOME_FUTURE_STATE", executor.StatusRunning},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(executionResponse{Name: "e-1", Status: tc.platform})
		}))
		a := newAdapter(t, srv)
		got, err := a.CheckStatus(context.Background(), "e-1")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "platform status %s", tc.platform)
		srv.Close()
	}
}

func TestCheckStatus_GoneExecution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := newAdapter(t, srv)
	got, err := a.CheckStatus(context.Background(), "e-gone")
	require.NoError(t, err)
	assert.Equal(t, executor.StatusNotFound, got)
}

func TestHarvestJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/logs") {
			w.Write([]byte("task output\n"))
			return
		}
		json.NewEncoder(w).Encode(executionResponse{
			Name:           "e-1",
			Status:         "SUCCEEDED",
			SucceededCount: 1,
		})
	}))
	defer srv.Close()

	a := newAdapter(t, srv)
	res, err := a.HarvestJob(context.Background(), "e-1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, executor.StatusCompleted, res.FinalStatus)
	assert.Equal(t, "task output\n", res.Logs)
	assert.Equal(t, 1, res.ResourceUsage["succeeded_count"])
}

func TestHarvestJob_FailedExecutionSynthesizesExitCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/logs") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(executionResponse{Name: "e-1", Status: "FAILED", FailedCount: 1})
	}))
	defer srv.Close()

	a := newAdapter(t, srv)
	res, err := a.HarvestJob(context.Background(), "e-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, executor.StatusFailed, res.FinalStatus)
}

func TestHarvestJob_NotTerminalYet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(executionResponse{Name: "e-1", Status: "RUNNING"})
	}))
	defer srv.Close()

	a := newAdapter(t, srv)
	_, err := a.HarvestJob(context.Background(), "e-1")
	assert.ErrorContains(t, err, "not terminal")
}

func TestCleanup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newAdapter(t, srv)
	gone, err := a.Cleanup(context.Background(), "e-1")
	require.NoError(t, err)
	assert.True(t, gone)
}

func TestCleanup_AlreadyGoneCountsAsDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := newAdapter(t, srv)
	gone, err := a.Cleanup(context.Background(), "e-1")
	require.NoError(t, err)
	assert.True(t, gone)
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	a := newAdapter(t, srv)
	assert.NoError(t, a.HealthCheck(context.Background()))
}

func TestHealthCheck_AuthFailureIsConfiguration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := newAdapter(t, srv)
	err := a.HealthCheck(context.Background())
	var cfgErr *executor.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestGetLogs_MissingExecutionIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := newAdapter(t, srv)
	logs, err := a.GetLogs(context.Background(), "e-1", 50)
	assert.NoError(t, err)
	assert.Empty(t, logs)
}

func TestGetLogs_BackendTroubleSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newAdapter(t, srv)
	_, err := a.GetLogs(context.Background(), "e-1", 50)
	require.Error(t, err)
	assert.True(t, executor.IsTransient(err))
}
