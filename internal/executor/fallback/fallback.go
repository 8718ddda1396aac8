// Package fallback provides the adapter used when a configured backend type
// has no live implementation. Every call fails with a ConfigurationError so
// misconfiguration surfaces loudly instead of as silently stuck jobs.
package fallback

import (
	"context"
	"fmt"

	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/executor"
)

type Adapter struct {
	ExecutorType string
}

func New(executorType string) *Adapter {
	return &Adapter{ExecutorType: executorType}
}

func (a *Adapter) err(op string) error {
	return &executor.ConfigurationError{
		Op:    op,
		Cause: fmt.Errorf("executor type %q has no implementation", a.ExecutorType),
	}
}

func (a *Adapter) LaunchJob(context.Context, *domain.Job) (string, error) {
	return "", a.err("launch")
}

// FindExecution reports nothing: a backend with no implementation can never
// have launched anything.
func (a *Adapter) FindExecution(context.Context, *domain.Job) (string, error) {
	return "", nil
}

func (a *Adapter) CheckStatus(context.Context, string) (executor.Status, error) {
	return executor.StatusNotFound, a.err("status")
}

func (a *Adapter) GetLogs(context.Context, string, int) (string, error) {
	return "", nil
}

func (a *Adapter) HarvestJob(context.Context, string) (executor.HarvestResult, error) {
	return executor.HarvestResult{}, a.err("harvest")
}

// Cleanup reports true: a backend that cannot run anything holds no
// resources to reclaim.
func (a *Adapter) Cleanup(context.Context, string) (bool, error) {
	return true, nil
}

func (a *Adapter) HealthCheck(context.Context) error {
	return a.err("health")
}
