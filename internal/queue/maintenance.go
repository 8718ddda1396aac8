package queue

import (
	"context"
	"log/slog"

	"github.com/yourorg/convoy/internal/domain"
)

// MaintenanceOnce runs the periodic sweeps: orphaned launching rows, cancels
// stranded by a requeue, stale running jobs, and backend cleanup for terminal
// jobs. All of them are reentrant, so overlapping sweeps from multiple
// workers are safe: every mutation is a fenced conditional transition.
func (m *Manager) MaintenanceOnce(ctx context.Context) {
	m.recoverOrphanedLaunches(ctx)
	m.finishRequeuedCancels(ctx)
	m.expireStaleRunning(ctx)
	m.cleanupTerminal(ctx)
}

// recoverOrphanedLaunches handles jobs a crashed worker left in launching.
// The launch may have reached the backend, so the backend is asked for an
// execution before anything else: one that exists is adopted as running
// (its reservation is still held), and only a confirmed no-show gives its
// slot back and spends an attempt. A row with no executor host never got as
// far as reserving, so there is nothing to look up or release.
func (m *Manager) recoverOrphanedLaunches(ctx context.Context) {
	cutoff := m.now().Add(-m.opts.StaleLaunching)
	orphans, err := m.store.StaleJobs(ctx, domain.StatusLaunching, cutoff)
	if err != nil {
		m.logger.Error("stale launching query failed", "err", err)
		return
	}
	for _, job := range orphans {
		log := m.logger.With("job_id", job.ID)

		if job.ExecutorHostID == "" {
			m.retryOrFailOrphan(ctx, job, log)
			continue
		}

		adapter, err := m.registry.Get(ctx, job.ExecutorType, job.ExecutorHostID)
		if err != nil {
			log.Error("adapter lookup failed", "err", err)
			continue
		}
		findCtx, cancel := context.WithTimeout(ctx, m.opts.StatusTimeout)
		execID, err := adapter.FindExecution(findCtx, job)
		cancel()
		if err != nil {
			// Cannot tell whether anything launched; the next sweep retries.
			log.Warn("orphan execution lookup failed", "err", err)
			continue
		}

		if execID != "" {
			applied, err := m.store.MarkRunning(ctx, job.ID, execID)
			if err != nil {
				log.Error("orphan adoption failed", "err", err)
				continue
			}
			if applied {
				log.Info("adopted orphaned execution", "execution_id", execID)
			}
			continue
		}

		// Confirmed: nothing reached the backend.
		m.releaseQuietly(job.ExecutorHostID, log)
		m.retryOrFailOrphan(ctx, job, log)
	}
}

func (m *Manager) retryOrFailOrphan(ctx context.Context, job *domain.Job, log *slog.Logger) {
	if job.RetryCount+1 >= job.MaxRetries {
		applied, err := m.store.MarkLaunchFailed(ctx, job.ID, "launch interrupted, retry budget exhausted")
		if err != nil {
			log.Error("mark launch_failed failed", "err", err)
			return
		}
		if applied {
			log.Warn("orphaned launch, job launch_failed")
		}
		return
	}
	applied, err := m.store.MarkLaunchRetry(ctx, job.ID, m.now(), "launch interrupted by worker crash")
	if err != nil {
		log.Error("orphan requeue failed", "err", err)
		return
	}
	if applied {
		log.Warn("orphaned launch requeued", "retry_count", job.RetryCount+1)
	}
}

// finishRequeuedCancels completes cancel requests that a retry or
// back-pressure requeue carried back into queued, where the claim query
// never picks them up again.
func (m *Manager) finishRequeuedCancels(ctx context.Context) {
	n, err := m.store.FinishRequeuedCancels(ctx)
	if err != nil {
		m.logger.Error("finish requeued cancels failed", "err", err)
		return
	}
	if n > 0 {
		m.logger.Info("cancelled requeued jobs", "count", n)
	}
}

// expireStaleRunning re-checks jobs that have sat in running past the stale
// threshold. The re-check lets a legitimately finished job harvest normally;
// only one that still reports running is forced to failed.
func (m *Manager) expireStaleRunning(ctx context.Context) {
	cutoff := m.now().Add(-m.opts.StaleRunning)
	stale, err := m.store.StaleJobs(ctx, domain.StatusRunning, cutoff)
	if err != nil {
		m.logger.Error("stale running query failed", "err", err)
		return
	}
	for _, job := range stale {
		log := m.logger.With("job_id", job.ID)
		if job.ExecutionID == nil {
			continue
		}
		adapter, err := m.registry.Get(ctx, job.ExecutorType, job.ExecutorHostID)
		if err != nil {
			log.Error("adapter lookup failed", "err", err)
			continue
		}

		statusCtx, cancel := context.WithTimeout(ctx, m.opts.StatusTimeout)
		status, err := adapter.CheckStatus(statusCtx, *job.ExecutionID)
		cancel()
		if err == nil && status.IsTerminal() {
			m.monitorJob(ctx, job)
			continue
		}

		log.Warn("job stale past threshold, forcing failure")
		m.forceFail(ctx, job, adapter, *job.ExecutionID, "stuck in running past stale threshold", log)
	}
}

// cleanupTerminal reclaims backend resources for finished jobs in bounded
// batches. Cleanup is best-effort; a job is only marked cleaned once the
// adapter confirms the resource is gone.
func (m *Manager) cleanupTerminal(ctx context.Context) {
	jobs, err := m.store.UncleanedTerminal(ctx, m.opts.CleanupBatch)
	if err != nil {
		m.logger.Error("uncleaned terminal query failed", "err", err)
		return
	}
	for _, job := range jobs {
		log := m.logger.With("job_id", job.ID)
		adapter, err := m.registry.Get(ctx, job.ExecutorType, job.ExecutorHostID)
		if err != nil {
			log.Error("adapter lookup failed", "err", err)
			continue
		}

		cleanupCtx, cancel := context.WithTimeout(ctx, m.opts.StatusTimeout)
		gone, err := adapter.Cleanup(cleanupCtx, *job.ExecutionID)
		cancel()
		if err != nil {
			log.Warn("backend cleanup failed, will retry", "err", err)
			continue
		}
		if gone {
			if err := m.store.MarkCleaned(ctx, job.ID); err != nil {
				log.Error("mark cleaned failed", "err", err)
			}
		}
	}
}
