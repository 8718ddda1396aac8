// Package bulk provides batch operations over many jobs with
// partial-failure semantics: one bad job is reported and skipped, never
// fatal to the rest of the batch.
package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/queue"
	"github.com/yourorg/convoy/internal/store"
)

// OpError ties a failure to the job (or batch index) it belongs to.
type OpError struct {
	JobID uuid.UUID
	Index int
	Err   error
}

func (e OpError) Error() string {
	if e.JobID != uuid.Nil {
		return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("index %d: %v", e.Index, e.Err)
}

type Manager struct {
	store     store.Store
	logger    *slog.Logger
	batchSize int
}

func NewManager(st store.Store, logger *slog.Logger, batchSize int) *Manager {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Manager{store: st, logger: logger, batchSize: batchSize}
}

// CreateMany inserts count copies of spec in bounded batches. A failure in
// one insert is reported and the batch continues; successes from earlier
// batches are never discarded.
func (m *Manager) CreateMany(ctx context.Context, spec queue.JobSpec, count int) ([]*domain.Job, []OpError) {
	if err := spec.Validate(); err != nil {
		return nil, []OpError{{Err: err}}
	}

	var created []*domain.Job
	var errs []OpError
	for start := 0; start < count; start += m.batchSize {
		end := start + m.batchSize
		if end > count {
			end = count
		}
		for i := start; i < end; i++ {
			if ctx.Err() != nil {
				errs = append(errs, OpError{Index: i, Err: ctx.Err()})
				return created, errs
			}
			job, err := queue.CreateJob(ctx, m.store, spec)
			if err != nil {
				errs = append(errs, OpError{Index: i, Err: err})
				continue
			}
			created = append(created, job)
		}
	}
	m.logger.Info("bulk create finished",
		"requested", count, "created", len(created), "errors", len(errs))
	return created, errs
}

// Migrate pins jobs to a new target host. Only jobs that have not been
// claimed (pending/queued) are eligible; running jobs are reported as
// errors and left untouched.
func (m *Manager) Migrate(ctx context.Context, jobIDs []uuid.UUID, targetHost string) (int, []OpError) {
	target, err := m.store.GetTarget(ctx, targetHost)
	if err != nil {
		return 0, []OpError{{Err: fmt.Errorf("target %s: %w", targetHost, err)}}
	}
	if !target.IsActive {
		return 0, []OpError{{Err: fmt.Errorf("target %s is not active", targetHost)}}
	}

	migrated := 0
	var errs []OpError
	for _, id := range jobIDs {
		job, err := m.store.GetJob(ctx, id)
		if err != nil {
			errs = append(errs, OpError{JobID: id, Err: err})
			continue
		}
		if err := migratable(job, target); err != nil {
			errs = append(errs, OpError{JobID: id, Err: err})
			continue
		}
		applied, err := m.store.SetPreferredPlacement(ctx, id, target.ExecutorType, target.HostID)
		if err != nil {
			errs = append(errs, OpError{JobID: id, Err: err})
			continue
		}
		if !applied {
			errs = append(errs, OpError{JobID: id, Err: fmt.Errorf("job moved out of a migratable state")})
			continue
		}
		migrated++
	}
	m.logger.Info("bulk migrate finished",
		"target", targetHost, "migrated", migrated, "errors", len(errs))
	return migrated, errs
}

// migratable checks state and target compatibility for one job. A target
// may advertise "max_memory_mb" in its config; jobs that do not fit are
// rejected here rather than failing at launch.
func migratable(job *domain.Job, target *domain.ExecutorTarget) error {
	if job.Status != domain.StatusPending && job.Status != domain.StatusQueued {
		return fmt.Errorf("status %s is not migratable", job.Status)
	}
	if job.PreferredExecutor != "" && job.PreferredExecutor != target.ExecutorType {
		return fmt.Errorf("job prefers %s, target is %s", job.PreferredExecutor, target.ExecutorType)
	}
	if raw, ok := target.Config["max_memory_mb"]; ok {
		limit, err := strconv.Atoi(raw)
		if err == nil && job.MemoryMB > limit {
			return fmt.Errorf("job needs %d MB, target caps at %d MB", job.MemoryMB, limit)
		}
	}
	return nil
}

// BulkUpdateStatus applies a lifecycle transition to each job. Transitions
// that are illegal for a job's current state are reported as errors and
// skipped; the batch always runs to completion.
func (m *Manager) BulkUpdateStatus(ctx context.Context, jobIDs []uuid.UUID, newStatus domain.JobStatus, reason string) (int, []OpError) {
	updated := 0
	var errs []OpError
	for _, id := range jobIDs {
		job, err := m.store.GetJob(ctx, id)
		if err != nil {
			errs = append(errs, OpError{JobID: id, Err: err})
			continue
		}
		if !domain.CanTransition(job.Status, newStatus) {
			errs = append(errs, OpError{JobID: id,
				Err: fmt.Errorf("illegal transition %s -> %s", job.Status, newStatus)})
			continue
		}

		var applied bool
		switch newStatus {
		case domain.StatusQueued:
			applied, err = m.store.MarkQueued(ctx, id, nil, job.Status == domain.StatusLaunchFailed)
		case domain.StatusCancelled:
			var outcome store.CancelOutcome
			outcome, err = m.store.CancelJob(ctx, id)
			applied = outcome.Found
		default:
			errs = append(errs, OpError{JobID: id,
				Err: fmt.Errorf("status %s cannot be set administratively", newStatus)})
			continue
		}
		if err != nil {
			errs = append(errs, OpError{JobID: id, Err: err})
			continue
		}
		if !applied {
			errs = append(errs, OpError{JobID: id, Err: fmt.Errorf("transition did not apply")})
			continue
		}
		updated++
	}
	m.logger.Info("bulk status update finished",
		"status", newStatus, "reason", reason, "updated", updated, "errors", len(errs))
	return updated, errs
}

// CleanupOlderThan deletes terminal jobs whose finished_at is past the
// retention window. Non-terminal jobs are never touched.
func (m *Manager) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	n, err := m.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	m.logger.Info("retention cleanup finished", "deleted", n, "cutoff", cutoff)
	return n, nil
}
