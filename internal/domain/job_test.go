package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_Lifecycle(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusQueued))
	assert.True(t, CanTransition(StatusPending, StatusCancelled))
	assert.True(t, CanTransition(StatusQueued, StatusLaunching))
	assert.True(t, CanTransition(StatusLaunching, StatusRunning))
	assert.True(t, CanTransition(StatusLaunching, StatusQueued))
	assert.True(t, CanTransition(StatusLaunching, StatusLaunchFailed))
	assert.True(t, CanTransition(StatusRunning, StatusCompleted))
	assert.True(t, CanTransition(StatusRunning, StatusFailed))
	assert.True(t, CanTransition(StatusRunning, StatusCancelled))
	assert.True(t, CanTransition(StatusLaunchFailed, StatusQueued))
}

func TestCanTransition_IllegalSteps(t *testing.T) {
	assert.False(t, CanTransition(StatusPending, StatusRunning))
	assert.False(t, CanTransition(StatusQueued, StatusRunning))
	assert.False(t, CanTransition(StatusRunning, StatusQueued))
	assert.False(t, CanTransition(StatusLaunchFailed, StatusRunning))
}

func TestCanTransition_TerminalStatesAreNeverLeft(t *testing.T) {
	terminals := []JobStatus{StatusCompleted, StatusFailed, StatusCancelled}
	all := []JobStatus{
		StatusPending, StatusQueued, StatusLaunching, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled, StatusLaunchFailed,
	}
	for _, from := range terminals {
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s must not leave to %s", from, to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusLaunchFailed.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusLaunching.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
}

func TestReadyAt(t *testing.T) {
	now := time.Now()
	queuedAt := now.Add(-time.Minute)

	job := &Job{Status: StatusQueued, QueuedAt: &queuedAt, MaxRetries: 3}
	assert.True(t, job.ReadyAt(now))

	pending := &Job{Status: StatusPending, MaxRetries: 3}
	assert.False(t, pending.ReadyAt(now))

	launched := now.Add(-time.Second)
	alreadyLaunched := &Job{Status: StatusQueued, QueuedAt: &queuedAt, LaunchedAt: &launched, MaxRetries: 3}
	assert.False(t, alreadyLaunched.ReadyAt(now))

	spent := &Job{Status: StatusQueued, QueuedAt: &queuedAt, RetryCount: 3, MaxRetries: 3}
	assert.False(t, spent.ReadyAt(now))

	future := now.Add(time.Hour)
	deferred := &Job{Status: StatusQueued, QueuedAt: &queuedAt, ScheduledFor: &future, MaxRetries: 3}
	assert.False(t, deferred.ReadyAt(now))
	assert.True(t, deferred.ReadyAt(future.Add(time.Second)))
}

func TestHasExecution_PairingInvariant(t *testing.T) {
	now := time.Now()
	execID := "exec-1"

	assert.False(t, (&Job{}).HasExecution())
	assert.False(t, (&Job{LaunchedAt: &now}).HasExecution())
	assert.False(t, (&Job{ExecutionID: &execID}).HasExecution())
	assert.True(t, (&Job{LaunchedAt: &now, ExecutionID: &execID}).HasExecution())
}
