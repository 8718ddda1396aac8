package domain

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending      JobStatus = "pending"
	StatusQueued       JobStatus = "queued"
	StatusLaunching    JobStatus = "launching"
	StatusRunning      JobStatus = "running"
	StatusCompleted    JobStatus = "completed"
	StatusFailed       JobStatus = "failed"
	StatusCancelled    JobStatus = "cancelled"
	StatusLaunchFailed JobStatus = "launch_failed"
)

// ExecutorType identifies a backend family, not a single host. One type may
// have many ExecutorTargets behind it.
type ExecutorType string

const (
	ExecutorDocker   ExecutorType = "docker"
	ExecutorCloudRun ExecutorType = "cloudrun"
	ExecutorMock     ExecutorType = "mock"
)

// Job is the unit of work. The specification fields (Image through Tier) are
// immutable after creation; everything else is mutated only through store
// transitions.
type Job struct {
	ID uuid.UUID

	// Specification.
	Image             string
	Command           []string
	Env               map[string]string
	MemoryMB          int
	CPUMillis         int
	TimeoutSeconds    int
	PreferredExecutor ExecutorType
	Category          string
	Tier              string

	// Queue state.
	QueuedAt     *time.Time
	ScheduledFor *time.Time
	LaunchedAt   *time.Time
	RetryCount   int
	MaxRetries   int

	// Execution state. ExecutionID is the backend-assigned handle, opaque to
	// everything except the adapter that produced it.
	Status         JobStatus
	ExecutionID    *string
	ExecutorType   ExecutorType
	ExecutorHostID string
	RoutingReason  string
	ExitCode       *int
	Logs           string
	LastError      *string
	LastErrorAt    *time.Time

	// CancelRequestedAt is set immediately on a cancel request; the worker
	// completes the transition cooperatively for launching/running jobs.
	CancelRequestedAt *time.Time

	// CleanedUpAt records when backend resources were reclaimed for a
	// terminal job.
	CleanedUpAt *time.Time

	// Bookkeeping.
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	StateVersion int
}

// ExecutorTarget is one reachable backend instance: a Docker daemon, a
// serverless project/region, or a test double. Config is opaque to the core;
// only the matching adapter interprets it.
type ExecutorTarget struct {
	ID                        uuid.UUID
	ExecutorType              ExecutorType
	HostID                    string
	Config                    map[string]string
	IsActive                  bool
	MaxConcurrentJobs         int
	CurrentJobCount           int
	LastHealthCheck           *time.Time
	ConsecutiveHealthFailures int
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// IsTerminal reports whether s is a state that is never left.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusLaunchFailed:
		return true
	}
	return false
}

// legalTransitions is the single source of truth for the lifecycle.
// The claim (queued→launching) is additionally fenced by the store so that
// exactly one worker wins it; legality here is necessary but not sufficient.
var legalTransitions = map[JobStatus][]JobStatus{
	StatusPending:      {StatusQueued, StatusCancelled},
	StatusQueued:       {StatusLaunching, StatusCancelled},
	StatusLaunching:    {StatusRunning, StatusQueued, StatusLaunchFailed, StatusCancelled},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusCancelled},
	StatusLaunchFailed: {StatusQueued}, // explicit operator requeue only
}

// CanTransition reports whether from→to is a legal lifecycle step.
// Transitions out of completed, failed and cancelled are never legal.
func CanTransition(from, to JobStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// HasExecution reports the launched_at/execution_id pairing invariant.
func (j *Job) HasExecution() bool {
	return j.LaunchedAt != nil && j.ExecutionID != nil
}

// ReadyAt reports whether the job is eligible for claiming at now: queued,
// never launched, retries left, and past its scheduled_for gate.
func (j *Job) ReadyAt(now time.Time) bool {
	if j.Status != StatusQueued || j.QueuedAt == nil || j.LaunchedAt != nil {
		return false
	}
	if j.RetryCount >= j.MaxRetries {
		return false
	}
	if j.ScheduledFor != nil && j.ScheduledFor.After(now) {
		return false
	}
	return true
}
