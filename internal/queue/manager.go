package queue

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/yourorg/convoy/internal/registry"
	"github.com/yourorg/convoy/internal/routing"
	"github.com/yourorg/convoy/internal/store"
)

// Options tunes the worker loop. Zero values get the defaults below.
type Options struct {
	PollInterval        time.Duration // claim cycle period
	MonitorInterval     time.Duration // running-job poll period
	MaintenanceInterval time.Duration // stale/cleanup sweep period
	ClaimBatch          int           // max jobs claimed per cycle
	LaunchConcurrency   int           // bounded launch pool size
	LaunchTimeout       time.Duration // per-launch backend call budget
	StatusTimeout       time.Duration // per-poll backend call budget
	StaleLaunching      time.Duration // launching rows older than this are orphans
	StaleRunning        time.Duration // running rows older than this are re-checked and expired
	CleanupBatch        int           // terminal jobs cleaned per sweep
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 2 * time.Second
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = 30 * time.Second
	}
	if o.ClaimBatch <= 0 {
		o.ClaimBatch = 10
	}
	if o.LaunchConcurrency <= 0 {
		o.LaunchConcurrency = 4
	}
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = 60 * time.Second
	}
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = 15 * time.Second
	}
	if o.StaleLaunching <= 0 {
		o.StaleLaunching = 5 * time.Minute
	}
	if o.StaleRunning <= 0 {
		o.StaleRunning = 24 * time.Hour
	}
	if o.CleanupBatch <= 0 {
		o.CleanupBatch = 50
	}
}

// Manager is the worker loop. Several Managers may run against the same
// store; the claim step is the only mutual exclusion they need.
type Manager struct {
	store    store.Store
	registry *registry.Registry
	engine   *routing.Engine
	logger   *slog.Logger
	opts     Options

	rng *rand.Rand
	now func() time.Time

	launchSem chan struct{}
	wg        sync.WaitGroup

	runDone     chan struct{}
	runDoneOnce sync.Once
}

func NewManager(
	st store.Store,
	reg *registry.Registry,
	engine *routing.Engine,
	logger *slog.Logger,
	opts Options,
) *Manager {
	opts.applyDefaults()
	return &Manager{
		store:     st,
		registry:  reg,
		engine:    engine,
		logger:    logger,
		opts:      opts,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
		launchSem: make(chan struct{}, opts.LaunchConcurrency),
		runDone:   make(chan struct{}),
	}
}

// Run drives the three cycles until ctx is cancelled, then drains in-flight
// launches. Claiming stops immediately on cancellation; launches already
// dispatched run to completion or return their jobs to the queue.
func (m *Manager) Run(ctx context.Context) {
	defer m.runDoneOnce.Do(func() { close(m.runDone) })

	m.logger.Info("queue manager starting",
		"claim_batch", m.opts.ClaimBatch,
		"launch_concurrency", m.opts.LaunchConcurrency,
		"poll_interval", m.opts.PollInterval)

	claimTicker := time.NewTicker(m.opts.PollInterval)
	defer claimTicker.Stop()
	monitorTicker := time.NewTicker(m.opts.MonitorInterval)
	defer monitorTicker.Stop()
	maintTicker := time.NewTicker(m.opts.MaintenanceInterval)
	defer maintTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			m.logger.Info("queue manager stopped")
			return
		case <-claimTicker.C:
			m.ClaimAndLaunch(ctx)
		case <-monitorTicker.C:
			m.MonitorOnce(ctx)
		case <-maintTicker.C:
			m.MaintenanceOnce(ctx)
		}
	}
}

// DrainAndWait blocks until Run has exited or the caller's deadline hits.
func (m *Manager) DrainAndWait(ctx context.Context) error {
	select {
	case <-m.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClaimAndLaunch claims a batch of ready jobs and dispatches each launch to
// the bounded pool. It blocks only on pool admission, never on backends.
func (m *Manager) ClaimAndLaunch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	jobs, err := m.store.ClaimQueued(ctx, m.opts.ClaimBatch, m.now())
	if err != nil {
		m.logger.Error("claim failed", "err", err)
		return
	}
	for _, job := range jobs {
		job := job
		select {
		case m.launchSem <- struct{}{}:
		case <-ctx.Done():
			// Shutdown between claim and dispatch: hand the job back.
			m.requeueNoRetry(job, "shutdown before launch")
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() { <-m.launchSem }()
			m.launchOne(ctx, job)
		}()
	}
}

// Wait blocks until all dispatched launches have finished. Test hook.
func (m *Manager) Wait() {
	m.wg.Wait()
}
