// Package mock provides a deterministic in-memory adapter for contract and
// queue tests. Failure modes are configured up front so tests never depend
// on timing or a real backend.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/executor"
)

type execution struct {
	job        *domain.Job
	statusTick int
	harvested  bool
	cleaned    bool
	cancelled  bool
}

// Adapter simulates a container backend. The zero value launches every job
// successfully and completes it with exit code 0 on the first status poll.
type Adapter struct {
	mu sync.Mutex

	// FailLaunches makes the first N LaunchJob calls fail with a
	// ConnectionError (transient) before succeeding.
	FailLaunches int

	// PermanentFailure makes every LaunchJob call fail with a
	// ConfigurationError. Takes precedence over FailLaunches.
	PermanentFailure bool

	// ExitCode is reported at harvest. Non-zero makes the final status failed.
	ExitCode int

	// RunTicks is how many CheckStatus calls report running before the
	// execution turns terminal. Zero means terminal on the first poll.
	RunTicks int

	// Unhealthy makes HealthCheck fail.
	Unhealthy bool

	launchAttempts int
	executions     map[string]*execution
}

func New() *Adapter {
	return &Adapter{executions: make(map[string]*execution)}
}

// LaunchAttempts returns how many times LaunchJob has been called, including
// failed attempts.
func (a *Adapter) LaunchAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.launchAttempts
}

func (a *Adapter) LaunchJob(_ context.Context, job *domain.Job) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.launchAttempts++
	if a.PermanentFailure {
		return "", &executor.ConfigurationError{
			Op:    "launch",
			Cause: fmt.Errorf("mock configured for permanent failure"),
		}
	}
	if a.launchAttempts <= a.FailLaunches {
		return "", &executor.ConnectionError{
			Op:    "launch",
			Cause: fmt.Errorf("mock transient failure %d of %d", a.launchAttempts, a.FailLaunches),
		}
	}

	if a.executions == nil {
		a.executions = make(map[string]*execution)
	}
	id := "mock-" + uuid.NewString()
	a.executions[id] = &execution{job: job}
	return id, nil
}

func (a *Adapter) FindExecution(_ context.Context, job *domain.Job) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, e := range a.executions {
		if e.job.ID == job.ID && !e.cleaned {
			return id, nil
		}
	}
	return "", nil
}

func (a *Adapter) CheckStatus(_ context.Context, executionID string) (executor.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.executions[executionID]
	if !ok || e.cleaned {
		return executor.StatusNotFound, nil
	}
	if e.cancelled {
		return executor.StatusCancelled, nil
	}
	if e.statusTick >= a.RunTicks {
		if a.ExitCode != 0 {
			return executor.StatusFailed, nil
		}
		return executor.StatusCompleted, nil
	}
	e.statusTick++
	return executor.StatusRunning, nil
}

func (a *Adapter) GetLogs(_ context.Context, executionID string, _ int) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.executions[executionID]
	if !ok || e.cleaned {
		return "", nil
	}
	return fmt.Sprintf("mock execution %s for job %s\n", executionID, e.job.ID), nil
}

func (a *Adapter) HarvestJob(_ context.Context, executionID string) (executor.HarvestResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.executions[executionID]
	if !ok || e.cleaned {
		return executor.HarvestResult{}, &executor.NotFoundError{ExecutionID: executionID}
	}
	e.harvested = true

	final := executor.StatusCompleted
	if e.cancelled {
		final = executor.StatusCancelled
	} else if a.ExitCode != 0 {
		final = executor.StatusFailed
	}
	return executor.HarvestResult{
		ExitCode:    a.ExitCode,
		FinalStatus: final,
		Logs:        fmt.Sprintf("mock execution %s finished\n", executionID),
		ResourceUsage: map[string]any{
			"memory_mb_peak": e.job.MemoryMB,
		},
	}, nil
}

func (a *Adapter) Cleanup(_ context.Context, executionID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.executions[executionID]
	if !ok {
		return true, nil
	}
	e.cleaned = true
	return true, nil
}

// CancelExecution marks a running execution cancelled, simulating an
// out-of-band stop.
func (a *Adapter) CancelExecution(executionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.executions[executionID]; ok {
		e.cancelled = true
	}
}

func (a *Adapter) HealthCheck(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Unhealthy {
		return &executor.ConnectionError{Op: "health", Cause: fmt.Errorf("mock marked unhealthy")}
	}
	return nil
}
