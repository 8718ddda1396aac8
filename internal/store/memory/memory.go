// Package memory is the in-process store double. It mirrors the postgres
// semantics (conditional transitions, claim exclusivity, guarded capacity
// counters) behind one mutex so concurrency tests exercise the same
// contract the production store provides.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/store"
)

type Store struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*domain.Job
	targets map[string]*domain.ExecutorTarget
	now     func() time.Time
}

func New() *Store {
	return &Store{
		jobs:    make(map[uuid.UUID]*domain.Job),
		targets: make(map[string]*domain.ExecutorTarget),
		now:     time.Now,
	}
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	if j.Command != nil {
		c.Command = append([]string(nil), j.Command...)
	}
	if j.Env != nil {
		c.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			c.Env[k] = v
		}
	}
	return &c
}

func copyTarget(t *domain.ExecutorTarget) *domain.ExecutorTarget {
	c := *t
	if t.Config != nil {
		c.Config = make(map[string]string, len(t.Config))
		for k, v := range t.Config {
			c.Config[k] = v
		}
	}
	return &c
}

func (s *Store) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = domain.StatusPending
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Store) ListJobs(_ context.Context, f store.JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, j := range s.jobs {
		if len(f.Statuses) > 0 {
			match := false
			for _, st := range f.Statuses {
				if j.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if f.ExecutorType != "" && j.ExecutorType != f.ExecutorType {
			continue
		}
		if f.CreatedAfter != nil && j.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && j.CreatedAt.After(*f.CreatedBefore) {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) MarkQueued(_ context.Context, id uuid.UUID, scheduledFor *time.Time, requeue bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	switch j.Status {
	case domain.StatusPending:
	case domain.StatusLaunchFailed:
		if !requeue {
			return false, nil
		}
		j.RetryCount = 0
		j.LastError = nil
		j.LastErrorAt = nil
	default:
		return false, nil
	}

	now := s.now()
	j.Status = domain.StatusQueued
	j.QueuedAt = &now
	j.ScheduledFor = scheduledFor
	j.StateVersion++
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) ClaimQueued(_ context.Context, limit int, now time.Time) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*domain.Job
	for _, j := range s.jobs {
		if j.ReadyAt(now) && j.CancelRequestedAt == nil {
			ready = append(ready, j)
		}
	}
	sort.Slice(ready, func(i, k int) bool { return ready[i].QueuedAt.Before(*ready[k].QueuedAt) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	claimed := make([]*domain.Job, 0, len(ready))
	for _, j := range ready {
		j.Status = domain.StatusLaunching
		j.StateVersion++
		j.UpdatedAt = now
		claimed = append(claimed, copyJob(j))
	}
	return claimed, nil
}

// ReserveAndRoute takes the capacity slot and records the routing decision
// under one lock hold, matching the postgres transaction: neither side
// sticks unless both apply.
func (s *Store) ReserveAndRoute(_ context.Context, id uuid.UUID, execType domain.ExecutorType, hostID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[hostID]
	if !ok || !t.IsActive || t.CurrentJobCount >= t.MaxConcurrentJobs {
		return false, nil
	}
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.StatusLaunching {
		return false, nil
	}

	now := s.now()
	t.CurrentJobCount++
	t.UpdatedAt = now
	j.ExecutorType = execType
	j.ExecutorHostID = hostID
	j.RoutingReason = reason
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) MarkRunning(_ context.Context, id uuid.UUID, executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status != domain.StatusLaunching {
		return false, nil
	}
	now := s.now()
	j.Status = domain.StatusRunning
	j.ExecutionID = &executionID
	j.LaunchedAt = &now
	j.StartedAt = &now
	j.StateVersion++
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) MarkLaunchRetry(_ context.Context, id uuid.UUID, nextAttempt time.Time, cause string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status != domain.StatusLaunching {
		return false, nil
	}
	now := s.now()
	j.Status = domain.StatusQueued
	j.ScheduledFor = &nextAttempt
	j.RetryCount++
	j.LastError = &cause
	j.LastErrorAt = &now
	j.ExecutorType = ""
	j.ExecutorHostID = ""
	j.RoutingReason = ""
	j.StateVersion++
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) ReturnToQueue(_ context.Context, id uuid.UUID, nextAttempt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status != domain.StatusLaunching {
		return false, nil
	}
	now := s.now()
	j.Status = domain.StatusQueued
	j.ScheduledFor = &nextAttempt
	j.ExecutorType = ""
	j.ExecutorHostID = ""
	j.RoutingReason = ""
	j.StateVersion++
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) MarkLaunchFailed(_ context.Context, id uuid.UUID, cause string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status != domain.StatusLaunching {
		return false, nil
	}
	now := s.now()
	j.Status = domain.StatusLaunchFailed
	j.LastError = &cause
	j.LastErrorAt = &now
	j.FinishedAt = &now
	j.StateVersion++
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) MarkFinished(_ context.Context, id uuid.UUID, status domain.JobStatus, exitCode *int, logs string, cause string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status != domain.StatusRunning {
		return false, nil
	}
	if !domain.CanTransition(j.Status, status) {
		return false, nil
	}
	now := s.now()
	j.Status = status
	j.ExitCode = exitCode
	if logs != "" {
		j.Logs = logs
	}
	if cause != "" {
		j.LastError = &cause
		j.LastErrorAt = &now
	}
	j.FinishedAt = &now
	j.StateVersion++
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) CancelJob(_ context.Context, id uuid.UUID) (store.CancelOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.CancelOutcome{}, store.ErrNotFound
	}
	now := s.now()
	switch j.Status {
	case domain.StatusPending, domain.StatusQueued:
		j.Status = domain.StatusCancelled
		j.CancelRequestedAt = &now
		j.FinishedAt = &now
		j.StateVersion++
		j.UpdatedAt = now
		return store.CancelOutcome{Found: true, Immediate: true}, nil
	case domain.StatusLaunching, domain.StatusRunning:
		if j.CancelRequestedAt == nil {
			j.CancelRequestedAt = &now
			j.StateVersion++
			j.UpdatedAt = now
		}
		return store.CancelOutcome{Found: true, Immediate: false}, nil
	default:
		return store.CancelOutcome{Found: false}, nil
	}
}

func (s *Store) FinishRequeuedCancels(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := s.now()
	for _, j := range s.jobs {
		if j.Status == domain.StatusQueued && j.CancelRequestedAt != nil {
			j.Status = domain.StatusCancelled
			j.FinishedAt = &now
			j.StateVersion++
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) SetPreferredPlacement(_ context.Context, id uuid.UUID, execType domain.ExecutorType, hostID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status != domain.StatusPending && j.Status != domain.StatusQueued {
		return false, nil
	}
	j.PreferredExecutor = execType
	j.ExecutorHostID = hostID
	j.StateVersion++
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) StaleJobs(_ context.Context, status domain.JobStatus, cutoff time.Time) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, j := range s.jobs {
		if j.Status == status && j.UpdatedAt.Before(cutoff) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	return out, nil
}

func (s *Store) UncleanedTerminal(_ context.Context, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, j := range s.jobs {
		if j.Status.IsTerminal() && j.ExecutionID != nil && j.CleanedUpAt == nil {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkCleaned(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := s.now()
	j.CleanedUpAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *Store) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) UpsertTarget(_ context.Context, t *domain.ExecutorTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := s.now()
	if existing, ok := s.targets[t.HostID]; ok {
		// Configuration updates keep the live counter and health fields.
		t.CurrentJobCount = existing.CurrentJobCount
		t.LastHealthCheck = existing.LastHealthCheck
		t.ConsecutiveHealthFailures = existing.ConsecutiveHealthFailures
		t.CreatedAt = existing.CreatedAt
		t.ID = existing.ID
	} else {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.targets[t.HostID] = copyTarget(t)
	return nil
}

func (s *Store) GetTarget(_ context.Context, hostID string) (*domain.ExecutorTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[hostID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyTarget(t), nil
}

func (s *Store) ListTargets(_ context.Context, execType domain.ExecutorType) ([]*domain.ExecutorTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.ExecutorTarget
	for _, t := range s.targets {
		if execType != "" && t.ExecutorType != execType {
			continue
		}
		out = append(out, copyTarget(t))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].HostID < out[k].HostID })
	return out, nil
}

func (s *Store) TryReserve(_ context.Context, hostID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[hostID]
	if !ok {
		return false, store.ErrNotFound
	}
	if !t.IsActive || t.CurrentJobCount >= t.MaxConcurrentJobs {
		return false, nil
	}
	t.CurrentJobCount++
	t.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) Release(_ context.Context, hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[hostID]
	if !ok {
		return store.ErrNotFound
	}
	if t.CurrentJobCount > 0 {
		t.CurrentJobCount--
		t.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) RecordHealth(_ context.Context, hostID string, healthy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[hostID]
	if !ok {
		return store.ErrNotFound
	}
	now := s.now()
	t.LastHealthCheck = &now
	if healthy {
		t.ConsecutiveHealthFailures = 0
	} else {
		t.ConsecutiveHealthFailures++
	}
	t.UpdatedAt = now
	return nil
}
