// Package postgres implements the record store on PostgreSQL via pgx.
// Every transition is a conditional UPDATE whose WHERE clause encodes the
// legality rule, so concurrent workers and repeated deliveries collapse to
// RowsAffected==0 instead of corrupting state.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/store"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const jobColumns = `
	id, image, command, env, memory_mb, cpu_millis, timeout_seconds,
	preferred_executor, category, tier,
	queued_at, scheduled_for, launched_at, retry_count, max_retries,
	status, execution_id, executor_type, executor_host_id, routing_reason,
	exit_code, logs, last_error, last_error_at,
	cancel_requested_at, cleaned_up_at,
	created_at, updated_at, started_at, finished_at, state_version`

func scanJob(row pgx.Row) (*domain.Job, error) {
	j := &domain.Job{}
	var env []byte
	var preferred, execType *string
	err := row.Scan(
		&j.ID, &j.Image, &j.Command, &env, &j.MemoryMB, &j.CPUMillis, &j.TimeoutSeconds,
		&preferred, &j.Category, &j.Tier,
		&j.QueuedAt, &j.ScheduledFor, &j.LaunchedAt, &j.RetryCount, &j.MaxRetries,
		&j.Status, &j.ExecutionID, &execType, &j.ExecutorHostID, &j.RoutingReason,
		&j.ExitCode, &j.Logs, &j.LastError, &j.LastErrorAt,
		&j.CancelRequestedAt, &j.CleanedUpAt,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt, &j.StateVersion,
	)
	if err != nil {
		return nil, err
	}
	if len(env) > 0 {
		if err := json.Unmarshal(env, &j.Env); err != nil {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	if preferred != nil {
		j.PreferredExecutor = domain.ExecutorType(*preferred)
	}
	if execType != nil {
		j.ExecutorType = domain.ExecutorType(*execType)
	}
	return j, nil
}

func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.StatusPending
	}
	env, err := json.Marshal(job.Env)
	if err != nil {
		return fmt.Errorf("encode env: %w", err)
	}
	var preferred *string
	if job.PreferredExecutor != "" {
		p := string(job.PreferredExecutor)
		preferred = &p
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO jobs
			(id, image, command, env, memory_mb, cpu_millis, timeout_seconds,
			 preferred_executor, category, tier, max_retries, status, state_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0)
		RETURNING created_at, updated_at`,
		job.ID, job.Image, job.Command, env, job.MemoryMB, job.CPUMillis,
		job.TimeoutSeconds, preferred, job.Category, job.Tier,
		job.MaxRetries, job.Status,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return j, err
}

func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]*domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		states := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			states[i] = string(st)
		}
		q += ` AND status = ANY(` + arg(states) + `::text[])`
	}
	if f.ExecutorType != "" {
		q += ` AND executor_type = ` + arg(string(f.ExecutorType))
	}
	if f.CreatedAfter != nil {
		q += ` AND created_at >= ` + arg(*f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		q += ` AND created_at <= ` + arg(*f.CreatedBefore)
	}
	q += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) MarkQueued(ctx context.Context, id uuid.UUID, scheduledFor *time.Time, requeue bool) (bool, error) {
	if requeue {
		tag, err := s.pool.Exec(ctx, `
			UPDATE jobs SET
				status        = 'queued',
				queued_at     = NOW(),
				scheduled_for = $1,
				retry_count   = 0,
				last_error    = NULL,
				last_error_at = NULL,
				state_version = state_version + 1,
				updated_at    = NOW()
			WHERE id = $2 AND status IN ('pending', 'launch_failed')`, scheduledFor, id)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() == 1, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status        = 'queued',
			queued_at     = NOW(),
			scheduled_for = $1,
			state_version = state_version + 1,
			updated_at    = NOW()
		WHERE id = $2 AND status = 'pending'`, scheduledFor, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// claimSQL atomically selects and moves ready jobs into launching.
//
// FOR UPDATE SKIP LOCKED keeps racing workers from blocking on each other's
// candidate rows: losers move on to the next row immediately, so exactly one
// worker ends up launching any given job.
const claimSQL = `
WITH candidate AS (
	SELECT id FROM jobs
	WHERE status       = 'queued'
	  AND queued_at    IS NOT NULL
	  AND launched_at  IS NULL
	  AND retry_count  < max_retries
	  AND cancel_requested_at IS NULL
	  AND (scheduled_for IS NULL OR scheduled_for <= $2)
	ORDER BY queued_at ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
UPDATE jobs SET
	status        = 'launching',
	state_version = state_version + 1,
	updated_at    = NOW()
FROM candidate
WHERE jobs.id = candidate.id
RETURNING ` + jobColumns

func (s *Store) ClaimQueued(ctx context.Context, limit int, now time.Time) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, claimSQL, limit, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ReserveAndRoute runs the capacity increment and the routing update in one
// transaction. Either update matching zero rows rolls the other back, so a
// launching row that names a host always holds exactly one reservation.
func (s *Store) ReserveAndRoute(ctx context.Context, id uuid.UUID, execType domain.ExecutorType, hostID, reason string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE executor_targets SET
			current_job_count = current_job_count + 1,
			updated_at        = NOW()
		WHERE host_id = $1
		  AND is_active
		  AND current_job_count < max_concurrent_jobs`, hostID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE jobs SET
			executor_type    = $1,
			executor_host_id = $2,
			routing_reason   = $3,
			updated_at       = NOW()
		WHERE id = $4 AND status = 'launching'`,
		string(execType), hostID, reason, id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	return true, tx.Commit(ctx)
}

func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, executionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status        = 'running',
			execution_id  = $1,
			launched_at   = NOW(),
			started_at    = NOW(),
			state_version = state_version + 1,
			updated_at    = NOW()
		WHERE id = $2 AND status = 'launching' AND execution_id IS NULL`, executionID, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkLaunchRetry(ctx context.Context, id uuid.UUID, nextAttempt time.Time, cause string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status           = 'queued',
			scheduled_for    = $1,
			retry_count      = retry_count + 1,
			last_error       = $2,
			last_error_at    = NOW(),
			executor_type    = NULL,
			executor_host_id = '',
			routing_reason   = '',
			state_version    = state_version + 1,
			updated_at       = NOW()
		WHERE id = $3 AND status = 'launching'`, nextAttempt, cause, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReturnToQueue(ctx context.Context, id uuid.UUID, nextAttempt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status           = 'queued',
			scheduled_for    = $1,
			executor_type    = NULL,
			executor_host_id = '',
			routing_reason   = '',
			state_version    = state_version + 1,
			updated_at       = NOW()
		WHERE id = $2 AND status = 'launching'`, nextAttempt, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkLaunchFailed(ctx context.Context, id uuid.UUID, cause string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status        = 'launch_failed',
			last_error    = $1,
			last_error_at = NOW(),
			finished_at   = NOW(),
			state_version = state_version + 1,
			updated_at    = NOW()
		WHERE id = $2 AND status = 'launching'`, cause, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkFinished(ctx context.Context, id uuid.UUID, status domain.JobStatus, exitCode *int, logs string, cause string) (bool, error) {
	if !domain.CanTransition(domain.StatusRunning, status) {
		return false, fmt.Errorf("illegal finish status %q", status)
	}
	var causePtr *string
	if cause != "" {
		causePtr = &cause
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status        = $1,
			exit_code     = $2,
			logs          = CASE WHEN $3 <> '' THEN $3 ELSE logs END,
			last_error    = COALESCE($4, last_error),
			last_error_at = CASE WHEN $4 IS NOT NULL THEN NOW() ELSE last_error_at END,
			finished_at   = NOW(),
			state_version = state_version + 1,
			updated_at    = NOW()
		WHERE id = $5 AND status = 'running'`,
		string(status), exitCode, logs, causePtr, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CancelJob(ctx context.Context, id uuid.UUID) (store.CancelOutcome, error) {
	// Pending/queued → cancelled immediately.
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status              = 'cancelled',
			cancel_requested_at = NOW(),
			finished_at         = NOW(),
			state_version       = state_version + 1,
			updated_at          = NOW()
		WHERE id = $1 AND status IN ('pending', 'queued')`, id)
	if err != nil {
		return store.CancelOutcome{}, err
	}
	if tag.RowsAffected() > 0 {
		return store.CancelOutcome{Found: true, Immediate: true}, nil
	}

	// Launching/running → record the request; the worker completes it.
	tag, err = s.pool.Exec(ctx, `
		UPDATE jobs SET
			cancel_requested_at = NOW(),
			state_version       = state_version + 1,
			updated_at          = NOW()
		WHERE id = $1 AND status IN ('launching', 'running')
		  AND cancel_requested_at IS NULL`, id)
	if err != nil {
		return store.CancelOutcome{}, err
	}
	return store.CancelOutcome{Found: tag.RowsAffected() > 0, Immediate: false}, nil
}

// FinishRequeuedCancels completes cancels for jobs that went back to queued
// with the request still recorded. The claim query never picks these rows
// up, so without this sweep they would sit in queued indefinitely.
func (s *Store) FinishRequeuedCancels(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status        = 'cancelled',
			finished_at   = NOW(),
			state_version = state_version + 1,
			updated_at    = NOW()
		WHERE status = 'queued' AND cancel_requested_at IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SetPreferredPlacement(ctx context.Context, id uuid.UUID, execType domain.ExecutorType, hostID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			preferred_executor = $1,
			executor_host_id   = $2,
			state_version      = state_version + 1,
			updated_at         = NOW()
		WHERE id = $3 AND status IN ('pending', 'queued')`,
		string(execType), hostID, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) StaleJobs(ctx context.Context, status domain.JobStatus, cutoff time.Time) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC`, string(status), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) UncleanedTerminal(ctx context.Context, limit int) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('completed', 'failed', 'cancelled', 'launch_failed')
		   AND execution_id IS NOT NULL
		   AND cleaned_up_at IS NULL
		 ORDER BY updated_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) MarkCleaned(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET cleaned_up_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled', 'launch_failed')
		  AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) UpsertTarget(ctx context.Context, t *domain.ExecutorTarget) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	// Counters and health fields belong to job processing, not configuration,
	// so the conflict path leaves them alone.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO executor_targets
			(id, executor_type, host_id, config, is_active, max_concurrent_jobs)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (host_id) DO UPDATE SET
			executor_type       = EXCLUDED.executor_type,
			config              = EXCLUDED.config,
			is_active           = EXCLUDED.is_active,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			updated_at          = NOW()`,
		t.ID, string(t.ExecutorType), t.HostID, cfg, t.IsActive, t.MaxConcurrentJobs)
	return err
}

const targetColumns = `
	id, executor_type, host_id, config, is_active, max_concurrent_jobs,
	current_job_count, last_health_check, consecutive_health_failures,
	created_at, updated_at`

func scanTarget(row pgx.Row) (*domain.ExecutorTarget, error) {
	t := &domain.ExecutorTarget{}
	var cfg []byte
	var execType string
	err := row.Scan(
		&t.ID, &execType, &t.HostID, &cfg, &t.IsActive, &t.MaxConcurrentJobs,
		&t.CurrentJobCount, &t.LastHealthCheck, &t.ConsecutiveHealthFailures,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ExecutorType = domain.ExecutorType(execType)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &t.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	return t, nil
}

func (s *Store) GetTarget(ctx context.Context, hostID string) (*domain.ExecutorTarget, error) {
	t, err := scanTarget(s.pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM executor_targets WHERE host_id = $1`, hostID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return t, err
}

func (s *Store) ListTargets(ctx context.Context, execType domain.ExecutorType) ([]*domain.ExecutorTarget, error) {
	q := `SELECT ` + targetColumns + ` FROM executor_targets`
	var args []any
	if execType != "" {
		q += ` WHERE executor_type = $1`
		args = append(args, string(execType))
	}
	q += ` ORDER BY host_id ASC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ExecutorTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TryReserve increments the counter only while under the limit; the WHERE
// clause makes check and increment one atomic statement.
func (s *Store) TryReserve(ctx context.Context, hostID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executor_targets SET
			current_job_count = current_job_count + 1,
			updated_at        = NOW()
		WHERE host_id = $1
		  AND is_active
		  AND current_job_count < max_concurrent_jobs`, hostID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release decrements the counter, floored at zero so a double release can
// never push it negative.
func (s *Store) Release(ctx context.Context, hostID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE executor_targets SET
			current_job_count = GREATEST(current_job_count - 1, 0),
			updated_at        = NOW()
		WHERE host_id = $1`, hostID)
	return err
}

func (s *Store) RecordHealth(ctx context.Context, hostID string, healthy bool) error {
	if healthy {
		_, err := s.pool.Exec(ctx, `
			UPDATE executor_targets SET
				last_health_check           = NOW(),
				consecutive_health_failures = 0,
				updated_at                  = NOW()
			WHERE host_id = $1`, hostID)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE executor_targets SET
			last_health_check           = NOW(),
			consecutive_health_failures = consecutive_health_failures + 1,
			updated_at                  = NOW()
		WHERE host_id = $1`, hostID)
	return err
}
