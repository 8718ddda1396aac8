package bulk

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/queue"
	"github.com/yourorg/convoy/internal/store/memory"
)

func newManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	st := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(st, logger, 2), st
}

func addTarget(t *testing.T, st *memory.Store, hostID string, active bool, config map[string]string) {
	t.Helper()
	require.NoError(t, st.UpsertTarget(context.Background(), &domain.ExecutorTarget{
		ExecutorType:      domain.ExecutorDocker,
		HostID:            hostID,
		IsActive:          active,
		MaxConcurrentJobs: 10,
		Config:            config,
	}))
}

func TestCreateMany(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)

	jobs, errs := m.CreateMany(ctx, queue.JobSpec{Image: "alpine:3.20"}, 5)
	assert.Empty(t, errs)
	require.Len(t, jobs, 5)

	ids := make(map[uuid.UUID]bool)
	for _, j := range jobs {
		ids[j.ID] = true
		got, err := st.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
	}
	assert.Len(t, ids, 5, "every job gets its own id")
}

func TestCreateMany_InvalidSpecRejectedUpFront(t *testing.T) {
	m, _ := newManager(t)
	jobs, errs := m.CreateMany(context.Background(), queue.JobSpec{}, 5)
	assert.Empty(t, jobs)
	require.Len(t, errs, 1)
	var verr *queue.ValidationError
	assert.ErrorAs(t, errs[0].Err, &verr)
}

func TestBulkUpdateStatus_QueueAndMixedStates(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)

	jobs, errs := m.CreateMany(ctx, queue.JobSpec{Image: "alpine:3.20"}, 3)
	require.Empty(t, errs)

	// Move one job to running so the batch hits an illegal transition.
	_, err := st.MarkQueued(ctx, jobs[2].ID, nil, false)
	require.NoError(t, err)
	_, err = st.ClaimQueued(ctx, 1, time.Now())
	require.NoError(t, err)
	_, err = st.MarkRunning(ctx, jobs[2].ID, "exec-1")
	require.NoError(t, err)

	ids := []uuid.UUID{jobs[0].ID, jobs[1].ID, jobs[2].ID}
	updated, opErrs := m.BulkUpdateStatus(ctx, ids, domain.StatusQueued, "batch start")

	assert.Equal(t, 2, updated)
	require.Len(t, opErrs, 1)
	assert.Equal(t, jobs[2].ID, opErrs[0].JobID)
	assert.ErrorContains(t, opErrs[0].Err, "illegal transition")

	for _, id := range ids[:2] {
		got, err := st.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusQueued, got.Status)
	}
}

func TestBulkUpdateStatus_RejectsWorkerOwnedStates(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)

	jobs, _ := m.CreateMany(ctx, queue.JobSpec{Image: "alpine:3.20"}, 1)
	_, err := st.MarkQueued(ctx, jobs[0].ID, nil, false)
	require.NoError(t, err)

	updated, opErrs := m.BulkUpdateStatus(ctx, []uuid.UUID{jobs[0].ID}, domain.StatusLaunching, "")
	assert.Equal(t, 0, updated)
	require.Len(t, opErrs, 1)
	assert.ErrorContains(t, opErrs[0].Err, "cannot be set administratively")
}

func TestBulkUpdateStatus_Cancel(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)

	jobs, _ := m.CreateMany(ctx, queue.JobSpec{Image: "alpine:3.20"}, 2)
	ids := []uuid.UUID{jobs[0].ID, jobs[1].ID}

	updated, opErrs := m.BulkUpdateStatus(ctx, ids, domain.StatusCancelled, "not needed")
	assert.Equal(t, 2, updated)
	assert.Empty(t, opErrs)

	for _, id := range ids {
		got, err := st.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, got.Status)
	}
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)
	addTarget(t, st, "docker-big", true, map[string]string{"max_memory_mb": "4096"})

	fits, _ := m.CreateMany(ctx, queue.JobSpec{Image: "alpine:3.20", MemoryMB: 1024}, 2)
	tooBig, _ := m.CreateMany(ctx, queue.JobSpec{Image: "alpine:3.20", MemoryMB: 8192}, 1)
	wrongType, _ := m.CreateMany(ctx, queue.JobSpec{
		Image:             "alpine:3.20",
		PreferredExecutor: domain.ExecutorCloudRun,
	}, 1)

	ids := []uuid.UUID{fits[0].ID, fits[1].ID, tooBig[0].ID, wrongType[0].ID}
	migrated, errs := m.Migrate(ctx, ids, "docker-big")

	assert.Equal(t, 2, migrated)
	require.Len(t, errs, 2)

	for _, j := range fits {
		got, err := st.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutorDocker, got.PreferredExecutor)
		assert.Equal(t, "docker-big", got.ExecutorHostID)
	}
	got, err := st.GetJob(ctx, tooBig[0].ID)
	require.NoError(t, err)
	assert.Empty(t, got.ExecutorHostID, "oversized job must stay where it was")
}

func TestMigrate_RejectsRunningJobsAndInactiveTargets(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)
	addTarget(t, st, "docker-a", true, nil)
	addTarget(t, st, "docker-off", false, nil)

	jobs, _ := m.CreateMany(ctx, queue.JobSpec{Image: "alpine:3.20"}, 1)
	_, err := st.MarkQueued(ctx, jobs[0].ID, nil, false)
	require.NoError(t, err)
	_, err = st.ClaimQueued(ctx, 1, time.Now())
	require.NoError(t, err)
	_, err = st.MarkRunning(ctx, jobs[0].ID, "exec-1")
	require.NoError(t, err)

	migrated, errs := m.Migrate(ctx, []uuid.UUID{jobs[0].ID}, "docker-a")
	assert.Equal(t, 0, migrated)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0].Err, "not migratable")

	migrated, errs = m.Migrate(ctx, []uuid.UUID{jobs[0].ID}, "docker-off")
	assert.Equal(t, 0, migrated)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0].Err, "not active")

	migrated, errs = m.Migrate(ctx, []uuid.UUID{jobs[0].ID}, "no-such-host")
	assert.Equal(t, 0, migrated)
	require.Len(t, errs, 1)
}

func TestCleanupOlderThan(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)

	jobs, _ := m.CreateMany(ctx, queue.JobSpec{Image: "alpine:3.20"}, 2)

	// Finish one job; the other stays pending.
	_, err := st.MarkQueued(ctx, jobs[0].ID, nil, false)
	require.NoError(t, err)
	_, err = st.ClaimQueued(ctx, 1, time.Now())
	require.NoError(t, err)
	_, err = st.MarkRunning(ctx, jobs[0].ID, "exec-1")
	require.NoError(t, err)
	code := 0
	_, err = st.MarkFinished(ctx, jobs[0].ID, domain.StatusCompleted, &code, "", "")
	require.NoError(t, err)

	deleted, err := m.CleanupOlderThan(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = st.GetJob(ctx, jobs[1].ID)
	assert.NoError(t, err, "non-terminal jobs survive retention cleanup")
}
