// Package docker implements the executor contract against a local or remote
// Docker daemon via the official client SDK.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/executor"
)

// Adapter runs jobs as containers on one Docker daemon. The execution id is
// the container id.
type Adapter struct {
	cli    *client.Client
	hostID string
}

// New builds an adapter for the daemon described by config. An empty "host"
// falls back to the standard environment variables (DOCKER_HOST etc.).
func New(hostID string, config map[string]string) (*Adapter, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host := config["host"]; host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, &executor.ConfigurationError{Op: "client init", Cause: err}
	}
	return &Adapter{cli: cli, hostID: hostID}, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// LaunchJob pulls the image if needed, then creates and starts a container
// named after the job id so a crashed worker can find it again.
func (a *Adapter) LaunchJob(ctx context.Context, job *domain.Job) (string, error) {
	if _, err := a.cli.ImageInspect(ctx, job.Image); err != nil {
		reader, pullErr := a.cli.ImagePull(ctx, job.Image, image.PullOptions{})
		if pullErr != nil {
			// A pull failure for a named image is a bad reference, not a
			// transient daemon problem.
			return "", &executor.ConfigurationError{Op: "image pull", Cause: pullErr}
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}

	cfg := &container.Config{
		Image: job.Image,
		Cmd:   job.Command,
		Env:   envList(job.Env),
		Tty:   true,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   int64(job.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(job.CPUMillis) * 1_000_000,
		},
	}

	name := "convoy-" + job.ID.String()
	created, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", classify("container create", err)
	}
	if err := a.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Compensate so a retry does not collide on the container name.
		_ = a.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", classify("container start", err)
	}
	return created.ID, nil
}

// FindExecution looks the job's container up by its deterministic name, to
// recover launches whose container id never reached the store.
func (a *Adapter) FindExecution(ctx context.Context, job *domain.Job) (string, error) {
	info, err := a.cli.ContainerInspect(ctx, "convoy-"+job.ID.String())
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil
		}
		return "", classify("container inspect", err)
	}
	return info.ID, nil
}

func (a *Adapter) CheckStatus(ctx context.Context, executionID string) (executor.Status, error) {
	info, err := a.cli.ContainerInspect(ctx, executionID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return executor.StatusNotFound, nil
		}
		return "", classify("container inspect", err)
	}
	return mapState(info.State), nil
}

// mapState is the single Docker→canonical status table.
func mapState(st *container.State) executor.Status {
	if st == nil {
		return executor.StatusRunning
	}
	switch st.Status {
	case "created":
		return executor.StatusStarting
	case "exited":
		if st.ExitCode == 0 {
			return executor.StatusCompleted
		}
		return executor.StatusFailed
	case "dead":
		return executor.StatusFailed
	case "removing":
		return executor.StatusCancelled
	default:
		// running, paused, restarting and anything a future daemon adds:
		// the most conservative non-terminal answer.
		return executor.StatusRunning
	}
}

func (a *Adapter) GetLogs(ctx context.Context, executionID string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = fmt.Sprintf("%d", tail)
	}
	rc, err := a.cli.ContainerLogs(ctx, executionID, opts)
	if err != nil {
		return "", logsError("container logs", err)
	}
	defer rc.Close()
	// The container runs with a TTY, so the stream is plain text.
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", logsError("read logs", err)
	}
	return string(data), nil
}

// logsError keeps "no logs yet" non-erroring: a vanished container reads as
// empty output, while daemon failures surface classified so callers do not
// mistake an outage for an empty log.
func logsError(op string, err error) error {
	if client.IsErrNotFound(err) {
		return nil
	}
	return classify(op, err)
}

func (a *Adapter) HarvestJob(ctx context.Context, executionID string) (executor.HarvestResult, error) {
	info, err := a.cli.ContainerInspect(ctx, executionID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return executor.HarvestResult{}, &executor.NotFoundError{ExecutionID: executionID}
		}
		return executor.HarvestResult{}, classify("container inspect", err)
	}

	status := mapState(info.State)
	if !status.IsTerminal() {
		return executor.HarvestResult{}, fmt.Errorf("container %s not terminal yet (%s)", executionID, status)
	}

	logs, _ := a.GetLogs(ctx, executionID, 0)

	res := executor.HarvestResult{
		FinalStatus: status,
		Logs:        logs,
	}
	if info.State != nil {
		res.ExitCode = info.State.ExitCode
		res.ResourceUsage = map[string]any{
			"oom_killed":  info.State.OOMKilled,
			"started_at":  info.State.StartedAt,
			"finished_at": info.State.FinishedAt,
		}
	}
	return res, nil
}

func (a *Adapter) Cleanup(ctx context.Context, executionID string) (bool, error) {
	err := a.cli.ContainerRemove(ctx, executionID, container.RemoveOptions{Force: true})
	if err == nil || client.IsErrNotFound(err) {
		return true, nil
	}
	return false, classify("container remove", err)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return &executor.ConnectionError{Op: "ping", Cause: err}
	}
	return nil
}

// classify buckets daemon errors into the shared taxonomy. The daemon does
// not expose a structured transient/permanent split, so string checks cover
// the capacity cases and everything unrecognized counts as a connection
// problem (retryable).
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no space left") || strings.Contains(msg, "memory"):
		return &executor.ResourceError{Op: op, Cause: err}
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "unauthorized"):
		return &executor.ConfigurationError{Op: op, Cause: err}
	default:
		return &executor.ConnectionError{Op: op, Cause: err}
	}
}
