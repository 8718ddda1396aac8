// Package store defines the durable record store the core runs against.
// The postgres implementation is the production path; the memory
// implementation backs tests so the core never needs a database to be
// exercised.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/yourorg/convoy/internal/domain"
)

// ErrNotFound is returned when a job or target does not exist.
var ErrNotFound = errors.New("record not found")

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	Statuses      []domain.JobStatus
	ExecutorType  domain.ExecutorType
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// CancelOutcome reports how a cancel request was handled. Immediate means
// the job moved straight to cancelled; otherwise the request was recorded
// for the worker to complete cooperatively.
type CancelOutcome struct {
	Found     bool
	Immediate bool
}

// Store is the transactional record store. Every transition method returns
// applied=false instead of an error when the conditional update did not
// match. A terminal or concurrently-moved row is an idempotent no-op, which
// keeps at-least-once processing safe.
type Store interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, error)

	// MarkQueued sets queued_at and moves pending→queued. With requeue=true
	// it also accepts launch_failed rows (the explicit operator action) and
	// resets their retry budget.
	MarkQueued(ctx context.Context, id uuid.UUID, scheduledFor *time.Time, requeue bool) (bool, error)

	// ClaimQueued atomically moves up to limit ready jobs queued→launching
	// so that exactly one worker proceeds with each.
	ClaimQueued(ctx context.Context, limit int, now time.Time) ([]*domain.Job, error)

	// ReserveAndRoute records the routing decision on a launching job and
	// reserves a capacity slot on the chosen target as one atomic step, so a
	// launching row that names an executor host always holds exactly one
	// reservation. applied=false means the target had no free slot or the job
	// left launching; neither leaves a reservation behind.
	ReserveAndRoute(ctx context.Context, id uuid.UUID, execType domain.ExecutorType, hostID, reason string) (bool, error)

	// MarkRunning completes a successful launch: launching→running, sets
	// launched_at, started_at and the execution id together.
	MarkRunning(ctx context.Context, id uuid.UUID, executionID string) (bool, error)

	// MarkLaunchRetry returns a transiently-failed launch to the queue with
	// retry_count+1 and a backoff gate. The routing fields are cleared: the
	// next attempt routes fresh, and only a launching row may name a host.
	MarkLaunchRetry(ctx context.Context, id uuid.UUID, nextAttempt time.Time, cause string) (bool, error)

	// ReturnToQueue moves a launching job back to queued without touching its
	// retry budget, clearing the routing fields like MarkLaunchRetry. Used
	// when no executor had capacity (back-pressure, not a failure) and when
	// shutdown interrupts a launch.
	ReturnToQueue(ctx context.Context, id uuid.UUID, nextAttempt time.Time) (bool, error)

	// MarkLaunchFailed is the terminal outcome for permanent launch failures
	// and exhausted retry budgets. The job never ran.
	MarkLaunchFailed(ctx context.Context, id uuid.UUID, cause string) (bool, error)

	// MarkFinished harvests a running job into completed/failed/cancelled.
	MarkFinished(ctx context.Context, id uuid.UUID, status domain.JobStatus, exitCode *int, logs string, cause string) (bool, error)

	// CancelJob cancels pending/queued jobs immediately and records the
	// request on launching/running jobs for cooperative completion.
	CancelJob(ctx context.Context, id uuid.UUID) (CancelOutcome, error)

	// FinishRequeuedCancels moves queued jobs carrying an unfulfilled cancel
	// request to cancelled and reports how many. Such rows exist when a
	// launch was returned to the queue after a cancel arrived mid-launch;
	// the claim query skips them, so this sweep is what completes the cancel.
	FinishRequeuedCancels(ctx context.Context) (int64, error)

	// SetPreferredPlacement pins a not-yet-claimed job (pending/queued) to an
	// executor type and host. Used by bulk migration.
	SetPreferredPlacement(ctx context.Context, id uuid.UUID, execType domain.ExecutorType, hostID string) (bool, error)

	// StaleJobs returns jobs that have sat in status since before cutoff.
	StaleJobs(ctx context.Context, status domain.JobStatus, cutoff time.Time) ([]*domain.Job, error)

	// UncleanedTerminal returns terminal jobs with an execution id whose
	// backend resources have not been reclaimed yet.
	UncleanedTerminal(ctx context.Context, limit int) ([]*domain.Job, error)
	MarkCleaned(ctx context.Context, id uuid.UUID) error

	// DeleteTerminalBefore removes terminal jobs that finished before cutoff
	// and reports how many rows went away. Non-terminal rows are never
	// touched.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	UpsertTarget(ctx context.Context, t *domain.ExecutorTarget) error
	GetTarget(ctx context.Context, hostID string) (*domain.ExecutorTarget, error)
	ListTargets(ctx context.Context, execType domain.ExecutorType) ([]*domain.ExecutorTarget, error)

	// TryReserve atomically increments current_job_count when under the
	// limit. Release decrements and never goes below zero; a double release
	// is a no-op.
	TryReserve(ctx context.Context, hostID string) (bool, error)
	Release(ctx context.Context, hostID string) error

	// RecordHealth updates last_health_check and the consecutive failure
	// counter for a target.
	RecordHealth(ctx context.Context, hostID string, healthy bool) error
}
