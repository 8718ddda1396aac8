package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/executor"
	"github.com/yourorg/convoy/internal/store"
)

// MonitorOnce polls every running job's backend status and harvests the ones
// that reached a terminal state. One slow backend call delays only the jobs
// behind it in this cycle; the per-call timeout bounds the damage.
func (m *Manager) MonitorOnce(ctx context.Context) {
	running, err := m.store.ListJobs(ctx, store.JobFilter{
		Statuses: []domain.JobStatus{domain.StatusRunning},
	})
	if err != nil {
		m.logger.Error("list running jobs failed", "err", err)
		return
	}
	for _, job := range running {
		if ctx.Err() != nil {
			return
		}
		m.monitorJob(ctx, job)
	}
}

func (m *Manager) monitorJob(ctx context.Context, job *domain.Job) {
	log := m.logger.With("job_id", job.ID, "execution_id", deref(job.ExecutionID))

	adapter, err := m.registry.Get(ctx, job.ExecutorType, job.ExecutorHostID)
	if err != nil {
		log.Error("adapter lookup failed", "err", err)
		return
	}
	if job.ExecutionID == nil {
		// Should be unreachable: running requires an execution id.
		log.Error("running job without execution id")
		return
	}
	execID := *job.ExecutionID

	if job.CancelRequestedAt != nil {
		m.completeCancel(ctx, job, adapter, execID, log)
		return
	}

	if m.timedOut(job) {
		log.Warn("job exceeded its timeout, stopping execution")
		m.forceFail(ctx, job, adapter, execID, "timeout exceeded", log)
		return
	}

	statusCtx, cancel := context.WithTimeout(ctx, m.opts.StatusTimeout)
	status, err := adapter.CheckStatus(statusCtx, execID)
	cancel()
	if err != nil {
		if executor.IsNotFound(err) {
			m.vanished(ctx, job, log)
			return
		}
		// Transient poll failure; the next cycle tries again.
		log.Warn("status poll failed", "err", err)
		return
	}

	switch {
	case status == executor.StatusNotFound:
		m.vanished(ctx, job, log)
	case status.IsTerminal():
		m.harvest(ctx, job, adapter, execID, log)
	}
}

func (m *Manager) timedOut(job *domain.Job) bool {
	if job.TimeoutSeconds <= 0 || job.StartedAt == nil {
		return false
	}
	deadline := job.StartedAt.Add(time.Duration(job.TimeoutSeconds) * time.Second)
	return m.now().After(deadline)
}

// harvest collects the final result exactly once and applies the matching
// terminal transition. The capacity release is tied to the transition
// applying, which keeps reserve/release paired under repeat deliveries.
func (m *Manager) harvest(ctx context.Context, job *domain.Job, adapter executor.Adapter, execID string, log *slog.Logger) {
	harvestCtx, cancel := context.WithTimeout(ctx, m.opts.StatusTimeout)
	res, err := adapter.HarvestJob(harvestCtx, execID)
	cancel()
	if err != nil {
		if executor.IsNotFound(err) {
			m.vanished(ctx, job, log)
			return
		}
		log.Warn("harvest failed, will retry", "err", err)
		return
	}

	var final domain.JobStatus
	switch res.FinalStatus {
	case executor.StatusCompleted:
		final = domain.StatusCompleted
	case executor.StatusCancelled:
		final = domain.StatusCancelled
	default:
		final = domain.StatusFailed
	}

	exitCode := res.ExitCode
	applied, err := m.store.MarkFinished(context.WithoutCancel(ctx), job.ID, final, &exitCode, res.Logs, "")
	if err != nil {
		log.Error("mark finished failed", "err", err)
		return
	}
	if !applied {
		log.Warn("stale finish transition ignored")
		return
	}
	m.releaseQuietly(job.ExecutorHostID, log)
	log.Info("job harvested", "status", final, "exit_code", exitCode)
}

// vanished handles an execution the backend no longer knows about. That is a
// failure, never a silent skip: the job ran and its outcome is unknown.
func (m *Manager) vanished(ctx context.Context, job *domain.Job, log *slog.Logger) {
	applied, err := m.store.MarkFinished(context.WithoutCancel(ctx), job.ID, domain.StatusFailed, nil, "", "execution vanished from backend")
	if err != nil {
		log.Error("mark finished failed", "err", err)
		return
	}
	if applied {
		m.releaseQuietly(job.ExecutorHostID, log)
		log.Warn("execution vanished, job failed")
	}
}

// completeCancel finishes a cooperative cancellation: best-effort backend
// cleanup first, then the terminal transition. Cleanup failure does not
// block the transition.
func (m *Manager) completeCancel(ctx context.Context, job *domain.Job, adapter executor.Adapter, execID string, log *slog.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StatusTimeout)
	if _, err := adapter.Cleanup(cleanupCtx, execID); err != nil {
		log.Warn("cleanup during cancel failed", "err", err)
	}
	cancel()

	applied, err := m.store.MarkFinished(context.WithoutCancel(ctx), job.ID, domain.StatusCancelled, nil, "", "cancelled by request")
	if err != nil {
		log.Error("mark cancelled failed", "err", err)
		return
	}
	if applied {
		m.releaseQuietly(job.ExecutorHostID, log)
		log.Info("job cancelled")
	}
}

// forceFail stops a runaway execution and fails the job.
func (m *Manager) forceFail(ctx context.Context, job *domain.Job, adapter executor.Adapter, execID string, cause string, log *slog.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StatusTimeout)
	if _, err := adapter.Cleanup(cleanupCtx, execID); err != nil {
		log.Warn("cleanup failed", "err", err)
	}
	cancel()

	applied, err := m.store.MarkFinished(context.WithoutCancel(ctx), job.ID, domain.StatusFailed, nil, "", cause)
	if err != nil {
		log.Error("mark failed failed", "err", err)
		return
	}
	if applied {
		m.releaseQuietly(job.ExecutorHostID, log)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
