// Package cloudrun implements the executor contract against a Cloud Run v2
// style jobs API: project/region scoped, asynchronous executions addressed
// by resource name. The resource name doubles as the execution id.
package cloudrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/executor"
)

// Adapter talks to one project/location pair. Config keys: "endpoint" (API
// base URL), "project", "location", "token" (optional bearer token).
type Adapter struct {
	endpoint string
	project  string
	location string
	token    string
	client   *http.Client
}

func New(hostID string, config map[string]string) (*Adapter, error) {
	endpoint := strings.TrimRight(config["endpoint"], "/")
	if endpoint == "" {
		return nil, &executor.ConfigurationError{
			Op:    "client init",
			Cause: fmt.Errorf("cloudrun target %s: endpoint is required", hostID),
		}
	}
	if config["project"] == "" || config["location"] == "" {
		return nil, &executor.ConfigurationError{
			Op:    "client init",
			Cause: fmt.Errorf("cloudrun target %s: project and location are required", hostID),
		}
	}
	return &Adapter{
		endpoint: endpoint,
		project:  config["project"],
		location: config["location"],
		token:    config["token"],
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type runRequest struct {
	Image          string            `json:"image"`
	Command        []string          `json:"command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	MemoryMB       int               `json:"memoryMb,omitempty"`
	CPUMillis      int               `json:"cpuMillis,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
}

type executionResponse struct {
	Name           string `json:"name"`
	Status         string `json:"status"`
	SucceededCount int    `json:"succeededCount"`
	FailedCount    int    `json:"failedCount"`
	ErrorMessage   string `json:"errorMessage"`
	StartTime      string `json:"startTime"`
	CompletionTime string `json:"completionTime"`
}

func (a *Adapter) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	return a.client.Do(req)
}

func (a *Adapter) jobURL(jobName string) string {
	return fmt.Sprintf("%s/v2/projects/%s/locations/%s/jobs/%s",
		a.endpoint, a.project, a.location, jobName)
}

// LaunchJob runs one execution of a job named after the record id. The API
// returns the execution resource immediately; completion is observed by
// polling.
func (a *Adapter) LaunchJob(ctx context.Context, job *domain.Job) (string, error) {
	payload := runRequest{
		Image:          job.Image,
		Command:        job.Command,
		Env:            job.Env,
		MemoryMB:       job.MemoryMB,
		CPUMillis:      job.CPUMillis,
		TimeoutSeconds: job.TimeoutSeconds,
	}
	resp, err := a.do(ctx, http.MethodPost, a.jobURL("convoy-"+job.ID.String())+":run", payload)
	if err != nil {
		return "", &executor.ConnectionError{Op: "run", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", classifyHTTP("run", resp)
	}
	var exec executionResponse
	if err := json.NewDecoder(resp.Body).Decode(&exec); err != nil {
		return "", &executor.ConnectionError{Op: "run decode", Cause: err}
	}
	if exec.Name == "" {
		return "", &executor.ConnectionError{
			Op:    "run decode",
			Cause: fmt.Errorf("execution resource missing name"),
		}
	}
	return exec.Name, nil
}

func (a *Adapter) getExecution(ctx context.Context, executionID string) (*executionResponse, error) {
	resp, err := a.do(ctx, http.MethodGet, a.endpoint+"/v2/"+executionID, nil)
	if err != nil {
		return nil, &executor.ConnectionError{Op: "get execution", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &executor.NotFoundError{ExecutionID: executionID}
	}
	if resp.StatusCode >= 300 {
		return nil, classifyHTTP("get execution", resp)
	}
	var exec executionResponse
	if err := json.NewDecoder(resp.Body).Decode(&exec); err != nil {
		return nil, &executor.ConnectionError{Op: "get execution decode", Cause: err}
	}
	return &exec, nil
}

// FindExecution lists the executions of the job's resource, newest first,
// to recover a launch whose execution name was never recorded. A missing
// job resource means nothing was ever launched.
func (a *Adapter) FindExecution(ctx context.Context, job *domain.Job) (string, error) {
	resp, err := a.do(ctx, http.MethodGet, a.jobURL("convoy-"+job.ID.String())+"/executions", nil)
	if err != nil {
		return "", &executor.ConnectionError{Op: "list executions", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode >= 300 {
		return "", classifyHTTP("list executions", resp)
	}
	var list struct {
		Executions []executionResponse `json:"executions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", &executor.ConnectionError{Op: "list executions decode", Cause: err}
	}
	if len(list.Executions) == 0 {
		return "", nil
	}
	return list.Executions[0].Name, nil
}

func (a *Adapter) CheckStatus(ctx context.Context, executionID string) (executor.Status, error) {
	exec, err := a.getExecution(ctx, executionID)
	if err != nil {
		if executor.IsNotFound(err) {
			return executor.StatusNotFound, nil
		}
		return "", err
	}
	return mapStatus(exec.Status), nil
}

// mapStatus is the single platform→canonical status table.
func mapStatus(s string) executor.Status {
	switch s {
	case "PENDING":
		return executor.StatusStarting
	case "SUCCEEDED":
		return executor.StatusCompleted
	case "FAILED":
		return executor.StatusFailed
	case "CANCELLED":
		return executor.StatusCancelled
	default:
		// RUNNING and any state a future API revision adds.
		return executor.StatusRunning
	}
}

func (a *Adapter) GetLogs(ctx context.Context, executionID string, tail int) (string, error) {
	url := a.endpoint + "/v2/" + executionID + "/logs"
	if tail > 0 {
		url = fmt.Sprintf("%s?tail=%d", url, tail)
	}
	resp, err := a.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &executor.ConnectionError{Op: "get logs", Cause: err}
	}
	defer resp.Body.Close()
	// An execution with no output yet, or already reclaimed, reads as empty.
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode >= 300 {
		return "", classifyHTTP("get logs", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &executor.ConnectionError{Op: "read logs", Cause: err}
	}
	return string(data), nil
}

// HarvestJob reads the final execution state. The API exposes task counts
// rather than an exit code, so the code is synthesized: 0 for a fully
// succeeded execution, 1 otherwise.
func (a *Adapter) HarvestJob(ctx context.Context, executionID string) (executor.HarvestResult, error) {
	exec, err := a.getExecution(ctx, executionID)
	if err != nil {
		return executor.HarvestResult{}, err
	}
	status := mapStatus(exec.Status)
	if !status.IsTerminal() {
		return executor.HarvestResult{}, fmt.Errorf("execution %s not terminal yet (%s)", executionID, status)
	}

	logs, _ := a.GetLogs(ctx, executionID, 0)

	exitCode := 0
	if status != executor.StatusCompleted {
		exitCode = 1
	}
	return executor.HarvestResult{
		ExitCode:    exitCode,
		FinalStatus: status,
		Logs:        logs,
		ResourceUsage: map[string]any{
			"succeeded_count": exec.SucceededCount,
			"failed_count":    exec.FailedCount,
			"start_time":      exec.StartTime,
			"completion_time": exec.CompletionTime,
		},
	}, nil
}

func (a *Adapter) Cleanup(ctx context.Context, executionID string) (bool, error) {
	resp, err := a.do(ctx, http.MethodDelete, a.endpoint+"/v2/"+executionID, nil)
	if err != nil {
		return false, &executor.ConnectionError{Op: "delete execution", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode < 300 {
		return true, nil
	}
	return false, classifyHTTP("delete execution", resp)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/v2/projects/%s/locations/%s/jobs", a.endpoint, a.project, a.location)
	resp, err := a.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &executor.ConnectionError{Op: "health", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &executor.ConnectionError{Op: "health", Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &executor.ConfigurationError{Op: "health", Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// classifyHTTP buckets non-2xx responses into the shared taxonomy.
func classifyHTTP(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusInsufficientStorage:
		return &executor.ResourceError{Op: op, Cause: err}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &executor.ConfigurationError{Op: op, Cause: err}
	default:
		return &executor.ConnectionError{Op: op, Cause: err}
	}
}
