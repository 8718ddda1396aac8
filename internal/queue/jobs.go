// Package queue owns job submission, queuing and cancellation, and runs the
// worker loop that moves claimed jobs through launch, monitoring and
// harvest.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/store"
)

// JobSpec is a job submission. Everything here is immutable once the record
// is created.
type JobSpec struct {
	Image             string
	Command           []string
	Env               map[string]string
	MemoryMB          int
	CPUMillis         int
	TimeoutSeconds    int
	PreferredExecutor domain.ExecutorType
	Category          string
	Tier              string
	MaxRetries        int
}

// ValidationError rejects a spec before anything is persisted or queued.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job spec: %s %s", e.Field, e.Msg)
}

const defaultMaxRetries = 3

// Validate applies the submission rules shared by single and bulk creation.
func (s *JobSpec) Validate() error {
	if s.Image == "" {
		return &ValidationError{Field: "image", Msg: "is required"}
	}
	if s.MemoryMB < 0 {
		return &ValidationError{Field: "memory_mb", Msg: "must be >= 0"}
	}
	if s.CPUMillis < 0 {
		return &ValidationError{Field: "cpu_millis", Msg: "must be >= 0"}
	}
	if s.TimeoutSeconds < 0 {
		return &ValidationError{Field: "timeout_seconds", Msg: "must be >= 0"}
	}
	if s.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Msg: "must be >= 0"}
	}
	return nil
}

func (s *JobSpec) toJob() *domain.Job {
	maxRetries := s.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	return &domain.Job{
		ID:                uuid.New(),
		Image:             s.Image,
		Command:           s.Command,
		Env:               s.Env,
		MemoryMB:          s.MemoryMB,
		CPUMillis:         s.CPUMillis,
		TimeoutSeconds:    s.TimeoutSeconds,
		PreferredExecutor: s.PreferredExecutor,
		Category:          s.Category,
		Tier:              s.Tier,
		MaxRetries:        maxRetries,
		Status:            domain.StatusPending,
	}
}

// CreateJob validates the spec and persists a pending record. The job does
// not become eligible for launch until QueueJob is called.
func CreateJob(ctx context.Context, st store.Store, spec JobSpec) (*domain.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	job := spec.toJob()
	if err := st.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// QueueJob makes a pending job eligible for claiming. A nil scheduledFor
// means eligible immediately; there is no separate immediate-launch mode.
func QueueJob(ctx context.Context, st store.Store, id uuid.UUID, scheduledFor *time.Time) (bool, error) {
	return st.MarkQueued(ctx, id, scheduledFor, false)
}

// RequeueJob is the explicit operator action that returns a launch_failed
// job to the queue with a fresh retry budget.
func RequeueJob(ctx context.Context, st store.Store, id uuid.UUID, scheduledFor *time.Time) (bool, error) {
	return st.MarkQueued(ctx, id, scheduledFor, true)
}

// CancelJob cancels a job. Jobs that have not been claimed move to cancelled
// immediately; launching/running jobs get the request recorded and the
// worker completes it, cleaning up backend resources best-effort.
func CancelJob(ctx context.Context, st store.Store, id uuid.UUID) (store.CancelOutcome, error) {
	return st.CancelJob(ctx, id)
}
