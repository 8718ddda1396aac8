// Package executor defines the contract every job backend implements and the
// error taxonomy the queue's retry policy depends on.
package executor

import (
	"context"

	"github.com/yourorg/convoy/internal/domain"
)

// Status is the canonical execution status vocabulary. Each adapter owns
// exactly one mapping from its backend-native states into this set; states
// the adapter does not recognize map to StatusRunning, the most conservative
// non-terminal choice.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusNotFound  Status = "not_found"
)

// IsTerminal reports whether the backend execution has finished.
// not_found is terminal: the execution vanished and will not progress.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusNotFound:
		return true
	}
	return false
}

// HarvestResult carries everything collected exactly once when an execution
// reaches a terminal state.
type HarvestResult struct {
	ExitCode      int
	FinalStatus   Status
	Logs          string
	ResourceUsage map[string]any
}

// Adapter is implemented once per backend. Implementations classify every
// failure into one of the taxonomy types in errors.go; the queue manager's
// retry decisions depend on that classification.
type Adapter interface {
	// LaunchJob starts execution on the backend and returns the
	// backend-assigned execution id. The id is opaque to callers.
	LaunchJob(ctx context.Context, job *domain.Job) (string, error)

	// FindExecution reports the id of a live execution previously launched
	// for the job, or "" when none exists. Crash recovery uses it to
	// re-attach a launch whose result never reached the store.
	FindExecution(ctx context.Context, job *domain.Job) (string, error)

	// CheckStatus maps the backend-native state of the execution into the
	// canonical vocabulary.
	CheckStatus(ctx context.Context, executionID string) (Status, error)

	// GetLogs returns up to tail lines of output (tail <= 0 means all).
	// "No logs yet" is an empty string, not an error.
	GetLogs(ctx context.Context, executionID string, tail int) (string, error)

	// HarvestJob collects the exit code, final status and logs. Only valid
	// once CheckStatus reports a terminal state.
	HarvestJob(ctx context.Context, executionID string) (HarvestResult, error)

	// Cleanup removes backend resources best-effort. Returns true when the
	// resource no longer exists, including when it never existed.
	Cleanup(ctx context.Context, executionID string) (bool, error)

	// HealthCheck is a cheap connectivity probe; the result is cacheable.
	HealthCheck(ctx context.Context) error
}
