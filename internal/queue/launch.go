package queue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/executor"
	"github.com/yourorg/convoy/internal/routing"
)

// launchOne takes a claimed (launching) job through routing, capacity
// reservation and the backend launch call. Every path out of here leaves the
// job in a consistent state and the capacity counter balanced.
func (m *Manager) launchOne(ctx context.Context, job *domain.Job) {
	log := m.logger.With("job_id", job.ID, "attempt", job.RetryCount)

	decision, err := m.engine.Route(ctx, job, m.registry)
	if err != nil {
		var exhausted *routing.ResourceExhaustedError
		if errors.As(err, &exhausted) {
			// Back-pressure, not a failure: the job waits for the next cycle
			// without spending retry budget.
			log.Info("no capacity, returning job to queue", "attempted", exhausted.Attempted)
			m.requeueNoRetry(job, "")
			return
		}
		log.Error("routing failed", "err", err)
		m.failLaunch(job, "routing: "+err.Error(), log)
		return
	}

	target, err := m.registry.PickTarget(ctx, decision.ExecutorType)
	if err != nil {
		// Availability changed between Route and PickTarget.
		log.Info("target selection failed, returning job to queue", "err", err)
		m.requeueNoRetry(job, "")
		return
	}

	applied, err := m.store.ReserveAndRoute(ctx, job.ID, decision.ExecutorType, target.HostID, decision.Reason)
	if err != nil {
		log.Error("reserve and route failed", "err", err)
		m.requeueNoRetry(job, "")
		return
	}
	if !applied {
		// The slot filled up between PickTarget and here, or the job moved.
		m.requeueNoRetry(job, "")
		return
	}
	job.ExecutorType = decision.ExecutorType
	job.ExecutorHostID = target.HostID

	adapter, err := m.registry.Get(ctx, decision.ExecutorType, target.HostID)
	if err != nil {
		// A lookup failure is infrastructure, not the job; try again later.
		log.Warn("adapter lookup failed, returning job to queue", "err", err)
		m.releaseQuietly(target.HostID, log)
		m.requeueNoRetry(job, "")
		return
	}

	launchCtx, cancel := context.WithTimeout(ctx, m.opts.LaunchTimeout)
	execID, err := adapter.LaunchJob(launchCtx, job)
	cancel()

	if err != nil {
		m.releaseQuietly(target.HostID, log)
		if ctx.Err() != nil {
			// Shutdown interrupted the call; the attempt does not count.
			m.requeueNoRetry(job, "shutdown during launch")
			return
		}
		m.handleLaunchError(job, err, log)
		return
	}

	applied, err = m.store.MarkRunning(context.WithoutCancel(ctx), job.ID, execID)
	if err != nil {
		// The execution is live but unrecorded. The orphan sweep finds it by
		// the job-derived name and adopts it; the reservation stays held.
		log.Error("mark running failed, leaving job for orphan recovery",
			"err", err, "execution_id", execID)
		return
	}
	if !applied {
		// Orphan recovery won the race and moved the job; it settled the
		// reservation too. The backend execution is still ours to clean up.
		log.Warn("stale launch, cleaning up execution", "execution_id", execID)
		_, _ = adapter.Cleanup(context.WithoutCancel(ctx), execID)
		return
	}
	log.Info("job running",
		"execution_id", execID,
		"executor_type", decision.ExecutorType,
		"host", target.HostID,
		"routing_reason", decision.Reason)
}

// handleLaunchError applies the retry policy from the adapter's error
// classification. A transient failure re-enters the queue with backoff
// until the budget is spent; anything else is terminal.
func (m *Manager) handleLaunchError(job *domain.Job, err error, log *slog.Logger) {
	if executor.IsTransient(err) {
		if job.RetryCount+1 >= job.MaxRetries {
			log.Warn("retry budget exhausted", "err", err, "retries", job.RetryCount+1)
			m.failLaunch(job, err.Error(), log)
			return
		}
		next := m.now().Add(computeBackoff(m.rng, job.RetryCount))
		applied, uerr := m.store.MarkLaunchRetry(context.Background(), job.ID, next, err.Error())
		if uerr != nil {
			log.Error("mark retry failed", "err", uerr)
			return
		}
		if !applied {
			log.Warn("stale retry transition ignored")
			return
		}
		log.Warn("launch failed, will retry",
			"err", err,
			"retry_count", job.RetryCount+1,
			"max_retries", job.MaxRetries,
			"next_attempt", next)
		return
	}
	log.Warn("permanent launch failure", "err", err)
	m.failLaunch(job, err.Error(), log)
}

func (m *Manager) failLaunch(job *domain.Job, cause string, log *slog.Logger) {
	applied, err := m.store.MarkLaunchFailed(context.Background(), job.ID, cause)
	if err != nil {
		log.Error("mark launch_failed failed", "err", err)
		return
	}
	if !applied {
		log.Warn("stale launch_failed transition ignored")
	}
}

func (m *Manager) requeueNoRetry(job *domain.Job, note string) {
	next := m.now().Add(m.opts.PollInterval)
	applied, err := m.store.ReturnToQueue(context.Background(), job.ID, next)
	if err != nil {
		m.logger.Error("return to queue failed", "job_id", job.ID, "err", err)
		return
	}
	if applied && note != "" {
		m.logger.Info("job returned to queue", "job_id", job.ID, "note", note)
	}
}

func (m *Manager) releaseQuietly(hostID string, log *slog.Logger) {
	if err := m.registry.Release(context.Background(), hostID); err != nil {
		log.Error("capacity release failed", "host", hostID, "err", err)
	}
}
