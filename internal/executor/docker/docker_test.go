package docker

import (
	"errors"
	"fmt"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"

	"github.com/yourorg/convoy/internal/executor"
)

func TestMapState(t *testing.T) {
	cases := []struct {
		name  string
		state *container.State
		want  executor.Status
	}{
		{"nil state", nil, executor.StatusRunning},
		{"created", &container.State{Status: "created"}, executor.StatusStarting},
		{"running", &container.State{Status: "running"}, executor.StatusRunning},
		{"paused", &container.State{Status: "paused"}, executor.StatusRunning},
		{"restarting", &container.State{Status: "restarting"}, executor.StatusRunning},
		{"clean exit", &container.State{Status: "exited", ExitCode: 0}, executor.StatusCompleted},
		{"dirty exit", &container.State{Status: "exited", ExitCode: 137}, executor.StatusFailed},
		{"dead", &container.State{Status: "dead"}, executor.StatusFailed},
		{"removing", &container.State{Status: "removing"}, executor.StatusCancelled},
		{"unknown future state", &container.State{Status: "hibernating"}, executor.StatusRunning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, mapState(tc.state))
		})
	}
}

func TestClassify(t *testing.T) {
	res := classify("create", errors.New("no space left on device"))
	var resErr *executor.ResourceError
	assert.ErrorAs(t, res, &resErr)
	assert.True(t, executor.IsTransient(res))

	cfg := classify("create", errors.New("invalid reference format"))
	var cfgErr *executor.ConfigurationError
	assert.ErrorAs(t, cfg, &cfgErr)
	assert.False(t, executor.IsTransient(cfg))

	conn := classify("create", errors.New("cannot connect to the docker daemon"))
	var connErr *executor.ConnectionError
	assert.ErrorAs(t, conn, &connErr)
	assert.True(t, executor.IsTransient(conn))
}

func TestLogsError(t *testing.T) {
	// A container gone before the log read is empty output, not a failure.
	gone := fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound)
	assert.NoError(t, logsError("container logs", gone))

	// Daemon trouble must surface classified, never as empty logs.
	down := logsError("container logs", errors.New("cannot connect to the docker daemon"))
	var connErr *executor.ConnectionError
	assert.ErrorAs(t, down, &connErr)
	assert.True(t, executor.IsTransient(down))
}

func TestEnvList(t *testing.T) {
	out := envList(map[string]string{"A": "1", "B": "two"})
	assert.Len(t, out, 2)
	assert.Contains(t, out, "A=1")
	assert.Contains(t, out, "B=two")
	assert.Empty(t, envList(nil))
}
