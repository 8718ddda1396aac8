package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/executor"
	"github.com/yourorg/convoy/internal/executor/mock"
	"github.com/yourorg/convoy/internal/registry"
	"github.com/yourorg/convoy/internal/routing"
	"github.com/yourorg/convoy/internal/store/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const testHost = "mock-1"

// newTestManager wires a manager against the in-memory store, one mock
// target and a rule-free engine that defaults to the mock executor. The
// clock and backoff jitter are controlled so scheduling is deterministic.
func newTestManager(t *testing.T, adapter executor.Adapter, maxJobs int) (*Manager, *memory.Store, *fakeClock) {
	t.Helper()

	st := memory.New()
	require.NoError(t, st.UpsertTarget(context.Background(), &domain.ExecutorTarget{
		ExecutorType:      domain.ExecutorMock,
		HostID:            testHost,
		IsActive:          true,
		MaxConcurrentJobs: maxJobs,
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(st, nil, logger)
	reg.RegisterFactory(domain.ExecutorMock, func(string, map[string]string) (executor.Adapter, error) {
		return adapter, nil
	})

	engine, err := routing.NewEngine(nil, domain.ExecutorMock)
	require.NoError(t, err)

	clk := &fakeClock{t: time.Now()}
	mgr := NewManager(st, reg, engine, logger, Options{})
	mgr.now = clk.Now
	mgr.rng = nil
	return mgr, st, clk
}

func submitJob(t *testing.T, mgr *Manager, spec JobSpec) *domain.Job {
	t.Helper()
	job, err := CreateJob(context.Background(), mgr.store, spec)
	require.NoError(t, err)
	applied, err := QueueJob(context.Background(), mgr.store, job.ID, nil)
	require.NoError(t, err)
	require.True(t, applied)
	return job
}

func claimCycle(mgr *Manager) {
	mgr.ClaimAndLaunch(context.Background())
	mgr.Wait()
}

func targetCount(t *testing.T, mgr *Manager) int {
	t.Helper()
	target, err := mgr.store.GetTarget(context.Background(), testHost)
	require.NoError(t, err)
	return target.CurrentJobCount
}

func TestLifecycle_HappyPath(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	mgr, st, _ := newTestManager(t, adapter, 4)

	job := submitJob(t, mgr, JobSpec{Image: "alpine:3.20", Command: []string{"true"}})

	claimCycle(mgr)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.True(t, got.HasExecution())
	assert.Equal(t, domain.ExecutorMock, got.ExecutorType)
	assert.Equal(t, testHost, got.ExecutorHostID)
	assert.Equal(t, "default executor", got.RoutingReason)
	assert.Equal(t, 1, targetCount(t, mgr))
	assert.Equal(t, 1, adapter.LaunchAttempts())

	mgr.MonitorOnce(ctx)

	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.NotEmpty(t, got.Logs)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, 0, targetCount(t, mgr), "capacity must be released on finish")

	// A second monitor pass must not double-release or re-finish.
	mgr.MonitorOnce(ctx)
	assert.Equal(t, 0, targetCount(t, mgr))

	mgr.MaintenanceOnce(ctx)
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.CleanedUpAt, "backend resources must be reclaimed")
}

func TestLifecycle_NonZeroExitCodeFails(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	adapter.ExitCode = 17
	mgr, st, _ := newTestManager(t, adapter, 4)

	job := submitJob(t, mgr, JobSpec{Image: "alpine:3.20"})
	claimCycle(mgr)
	mgr.MonitorOnce(ctx)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 17, *got.ExitCode)
	assert.Equal(t, 0, targetCount(t, mgr))
}

func TestLaunch_TransientFailuresRetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	adapter.FailLaunches = 2
	mgr, st, clk := newTestManager(t, adapter, 4)

	job := submitJob(t, mgr, JobSpec{Image: "alpine:3.20", MaxRetries: 3})

	claimCycle(mgr)
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.ScheduledFor)
	assert.NotNil(t, got.LastError)
	assert.Equal(t, 0, targetCount(t, mgr), "failed launch must release its slot")

	// Before the backoff gate nothing is claimable.
	claimCycle(mgr)
	got, _ = st.GetJob(ctx, job.ID)
	assert.Equal(t, 1, got.RetryCount)

	clk.Advance(6 * time.Second)
	claimCycle(mgr)
	got, _ = st.GetJob(ctx, job.ID)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	clk.Advance(11 * time.Second)
	claimCycle(mgr)
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 3, adapter.LaunchAttempts())
	assert.Equal(t, 1, targetCount(t, mgr))
}

func TestLaunch_RetryBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	adapter.FailLaunches = 100
	mgr, st, clk := newTestManager(t, adapter, 4)

	job := submitJob(t, mgr, JobSpec{Image: "alpine:3.20", MaxRetries: 2})

	claimCycle(mgr)
	got, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	clk.Advance(6 * time.Second)
	claimCycle(mgr)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLaunchFailed, got.Status)
	assert.NotNil(t, got.LastError)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, 2, adapter.LaunchAttempts(), "total attempts must equal max_retries")
	assert.Equal(t, 0, targetCount(t, mgr), "every reserve must be paired with a release")

	// launch_failed jobs stay put until an operator requeues them.
	clk.Advance(time.Hour)
	claimCycle(mgr)
	got, _ = st.GetJob(ctx, job.ID)
	assert.Equal(t, domain.StatusLaunchFailed, got.Status)
}

func TestLaunch_PermanentFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	adapter.PermanentFailure = true
	mgr, st, _ := newTestManager(t, adapter, 4)

	job := submitJob(t, mgr, JobSpec{Image: "broken:ref", MaxRetries: 3})
	claimCycle(mgr)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLaunchFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 1, adapter.LaunchAttempts())
	assert.Equal(t, 0, targetCount(t, mgr))
}

func TestLaunch_RequeueAfterOperatorAction(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	adapter.FailLaunches = 2
	mgr, st, clk := newTestManager(t, adapter, 4)

	job := submitJob(t, mgr, JobSpec{Image: "alpine:3.20", MaxRetries: 2})
	claimCycle(mgr)
	clk.Advance(6 * time.Second)
	claimCycle(mgr)

	got, _ := st.GetJob(ctx, job.ID)
	require.Equal(t, domain.StatusLaunchFailed, got.Status)

	applied, err := RequeueJob(ctx, st, job.ID, nil)
	require.NoError(t, err)
	require.True(t, applied)
	got, _ = st.GetJob(ctx, job.ID)
	assert.Equal(t, 0, got.RetryCount, "requeue must reset the retry budget")

	// The adapter's transient failures are spent, so this attempt lands.
	claimCycle(mgr)
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
}

func TestLaunch_NoCapacityIsBackPressureNotFailure(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	adapter.RunTicks = 100
	mgr, st, clk := newTestManager(t, adapter, 1)

	first := submitJob(t, mgr, JobSpec{Image: "alpine:3.20"})
	claimCycle(mgr)
	got, _ := st.GetJob(ctx, first.ID)
	require.Equal(t, domain.StatusRunning, got.Status)

	second := submitJob(t, mgr, JobSpec{Image: "alpine:3.20"})
	claimCycle(mgr)

	got, err := st.GetJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, 0, got.RetryCount, "back-pressure must not spend retry budget")
	require.NotNil(t, got.ScheduledFor)
	assert.False(t, got.ScheduledFor.After(clk.Now().Add(2*time.Second)))
}

func TestMonitor_CooperativeCancellation(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	adapter.RunTicks = 100
	mgr, st, _ := newTestManager(t, adapter, 4)

	job := submitJob(t, mgr, JobSpec{Image: "alpine:3.20"})
	claimCycle(mgr)

	outcome, err := CancelJob(ctx, st, job.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Found)
	assert.False(t, outcome.Immediate)

	got, _ := st.GetJob(ctx, job.ID)
	require.Equal(t, domain.StatusRunning, got.Status, "worker owns the terminal transition")

	mgr.MonitorOnce(ctx)

	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, 0, targetCount(t, mgr))
}

func TestMonitor_VanishedExecutionFailsJob(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	adapter.RunTicks = 100
	mgr, st, _ := newTestManager(t, adapter, 4)

	job := submitJob(t, mgr, JobSpec{Image: "alpine:3.20"})
	claimCycle(mgr)

	got, _ := st.GetJob(ctx, job.ID)
	require.NotNil(t, got.ExecutionID)
	// Simulate the backend losing the execution out of band.
	_, err := adapter.Cleanup(ctx, *got.ExecutionID)
	require.NoError(t, err)

	mgr.MonitorOnce(ctx)

	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "vanished")
	assert.Equal(t, 0, targetCount(t, mgr))
}

func TestMonitor_TimeoutForcesFailure(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	adapter.RunTicks = 100
	mgr, st, clk := newTestManager(t, adapter, 4)

	job := submitJob(t, mgr, JobSpec{Image: "alpine:3.20", TimeoutSeconds: 60})
	claimCycle(mgr)

	mgr.MonitorOnce(ctx)
	got, _ := st.GetJob(ctx, job.ID)
	require.Equal(t, domain.StatusRunning, got.Status)

	clk.Advance(2 * time.Minute)
	mgr.MonitorOnce(ctx)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "timeout")
	assert.Equal(t, 0, targetCount(t, mgr))
}

func TestMaintenance_OrphanedLaunchRequeued(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	mgr, st, clk := newTestManager(t, adapter, 4)

	job := submitJob(t, mgr, JobSpec{Image: "alpine:3.20", MaxRetries: 3})

	// Claim without launching, simulating a worker that died mid-launch.
	claimed, err := st.ClaimQueued(ctx, 1, clk.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	clk.Advance(10 * time.Minute)
	mgr.MaintenanceOnce(ctx)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount, "interrupted launch spends one attempt")

	// The recovered job launches normally on the next cycle.
	claimCycle(mgr)
	got, _ = st.GetJob(ctx, job.ID)
	assert.Equal(t, domain.StatusRunning, got.Status)
}

func TestMaintenance_OrphanWithSpentBudgetFails(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	adapter.FailLaunches = 100
	mgr, st, clk := newTestManager(t, adapter, 4)

	job := submitJob(t, mgr, JobSpec{Image: "alpine:3.20", MaxRetries: 2})
	claimCycle(mgr) // retry 1

	clk.Advance(6 * time.Second)
	claimed, err := st.ClaimQueued(ctx, 1, clk.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	clk.Advance(10 * time.Minute)
	mgr.MaintenanceOnce(ctx)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLaunchFailed, got.Status)
}

func TestMaintenance_CancelDuringLaunchCompletesAfterRequeue(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	mgr, st, clk := newTestManager(t, adapter, 4)

	job := submitJob(t, mgr, JobSpec{Image: "alpine:3.20", MaxRetries: 3})

	// Claim, then a cancel arrives while the launch is in flight.
	claimed, err := st.ClaimQueued(ctx, 1, clk.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	outcome, err := CancelJob(ctx, st, job.ID)
	require.NoError(t, err)
	require.False(t, outcome.Immediate)

	// The launch fails transiently and the job goes back to the queue.
	applied, err := st.MarkLaunchRetry(ctx, job.ID, clk.Now().Add(5*time.Second), "connection refused")
	require.NoError(t, err)
	require.True(t, applied)

	// The claim query skips it, so no cycle will ever relaunch it.
	clk.Advance(time.Minute)
	claimCycle(mgr)
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, got.Status)
	require.Equal(t, 0, adapter.LaunchAttempts())

	mgr.MaintenanceOnce(ctx)

	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestMaintenance_OrphanWithLiveExecutionAdopted(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	adapter.RunTicks = 100
	mgr, st, clk := newTestManager(t, adapter, 4)

	job := submitJob(t, mgr, JobSpec{Image: "alpine:3.20", MaxRetries: 3})

	// Replay a worker crash after the backend call: claimed, routed,
	// reserved, launched, but the running transition never recorded.
	claimed, err := st.ClaimQueued(ctx, 1, clk.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	applied, err := st.ReserveAndRoute(ctx, job.ID, domain.ExecutorMock, testHost, "default executor")
	require.NoError(t, err)
	require.True(t, applied)
	execID, err := adapter.LaunchJob(ctx, claimed[0])
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	mgr.MaintenanceOnce(ctx)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	require.NotNil(t, got.ExecutionID)
	assert.Equal(t, execID, *got.ExecutionID)
	assert.Equal(t, 0, got.RetryCount, "adoption must not spend retry budget")
	assert.Equal(t, 1, targetCount(t, mgr), "the reservation stays with the adopted job")

	// The monitor owns the adopted execution from here.
	adapter.CancelExecution(execID)
	mgr.MonitorOnce(ctx)
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, 0, targetCount(t, mgr))
}

func TestMaintenance_OrphanWithoutRoutingReleasesNothing(t *testing.T) {
	ctx := context.Background()
	adapter := mock.New()
	adapter.RunTicks = 100
	mgr, st, clk := newTestManager(t, adapter, 4)

	running := submitJob(t, mgr, JobSpec{Image: "alpine:3.20"})
	claimCycle(mgr)
	got, _ := st.GetJob(ctx, running.ID)
	require.Equal(t, domain.StatusRunning, got.Status)
	require.Equal(t, 1, targetCount(t, mgr))

	// A second worker crashed between claiming and reserving.
	orphan := submitJob(t, mgr, JobSpec{Image: "alpine:3.20", MaxRetries: 3})
	claimed, err := st.ClaimQueued(ctx, 1, clk.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, orphan.ID, claimed[0].ID)

	clk.Advance(10 * time.Minute)
	mgr.MaintenanceOnce(ctx)

	got, err = st.GetJob(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 1, targetCount(t, mgr), "a crash before reserving must not release another job's slot")
}

// alwaysHealthy short-circuits health probes so adapter construction is
// reached only on the launch path.
type alwaysHealthy struct{}

func (alwaysHealthy) Get(context.Context, string) (bool, bool) { return true, true }
func (alwaysHealthy) Set(context.Context, string, bool) error  { return nil }

func TestLaunch_AdapterLookupFailureRequeues(t *testing.T) {
	ctx := context.Background()

	st := memory.New()
	require.NoError(t, st.UpsertTarget(ctx, &domain.ExecutorTarget{
		ExecutorType:      domain.ExecutorMock,
		HostID:            testHost,
		IsActive:          true,
		MaxConcurrentJobs: 4,
	}))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(st, alwaysHealthy{}, logger)
	reg.RegisterFactory(domain.ExecutorMock, func(string, map[string]string) (executor.Adapter, error) {
		return nil, errors.New("target store unavailable")
	})
	engine, err := routing.NewEngine(nil, domain.ExecutorMock)
	require.NoError(t, err)
	clk := &fakeClock{t: time.Now()}
	mgr := NewManager(st, reg, engine, logger, Options{})
	mgr.now = clk.Now
	mgr.rng = nil

	job := submitJob(t, mgr, JobSpec{Image: "alpine:3.20", MaxRetries: 3})
	claimCycle(mgr)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, 0, got.RetryCount, "infrastructure trouble must not spend retry budget")
	assert.Empty(t, got.ExecutorHostID)
	assert.Equal(t, 0, targetCount(t, mgr))
}

func TestRunAndDrain(t *testing.T) {
	adapter := mock.New()
	mgr, _, _ := newTestManager(t, adapter, 4)

	ctx, cancel := context.WithCancel(context.Background())
	go mgr.Run(ctx)
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	assert.NoError(t, mgr.DrainAndWait(drainCtx))
}
