// Package registry constructs, caches and health-checks executor adapters
// per backend target, and owns the capacity view the router works from.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/executor"
	"github.com/yourorg/convoy/internal/executor/cloudrun"
	"github.com/yourorg/convoy/internal/executor/docker"
	"github.com/yourorg/convoy/internal/executor/fallback"
	"github.com/yourorg/convoy/internal/executor/mock"
	"github.com/yourorg/convoy/internal/store"
)

// Factory builds an adapter for one target.
type Factory func(hostID string, config map[string]string) (executor.Adapter, error)

// HealthCache stores probe results with a TTL so availability checks do not
// hit every backend on every claim cycle. A nil cache means every check
// probes live.
type HealthCache interface {
	Get(ctx context.Context, hostID string) (healthy, found bool)
	Set(ctx context.Context, hostID string, healthy bool) error
}

// invalidateAfter is how many consecutive probe failures evict a cached
// adapter so the next Get reconstructs it from fresh configuration.
const invalidateAfter = 3

// Capacity aggregates job slots across the targets of one executor type.
type Capacity struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Available int `json:"available"`
}

type Registry struct {
	store     store.Store
	health    HealthCache
	logger    *slog.Logger
	factories map[domain.ExecutorType]Factory

	mu       sync.Mutex
	adapters map[string]executor.Adapter // keyed by host id
}

// New builds a registry with the stock factories (docker, cloudrun, mock).
// Unknown executor types get the fallback adapter, which fails loudly.
func New(st store.Store, health HealthCache, logger *slog.Logger) *Registry {
	r := &Registry{
		store:    st,
		health:   health,
		logger:   logger,
		adapters: make(map[string]executor.Adapter),
		factories: map[domain.ExecutorType]Factory{
			domain.ExecutorDocker: func(hostID string, cfg map[string]string) (executor.Adapter, error) {
				return docker.New(hostID, cfg)
			},
			domain.ExecutorCloudRun: func(hostID string, cfg map[string]string) (executor.Adapter, error) {
				return cloudrun.New(hostID, cfg)
			},
			domain.ExecutorMock: func(string, map[string]string) (executor.Adapter, error) {
				return mock.New(), nil
			},
		},
	}
	return r
}

// RegisterFactory overrides or adds the factory for one executor type.
// Tests use this to plant pre-configured mock adapters.
func (r *Registry) RegisterFactory(t domain.ExecutorType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// Get returns the cached adapter for the target, constructing it on miss.
func (r *Registry) Get(ctx context.Context, execType domain.ExecutorType, hostID string) (executor.Adapter, error) {
	r.mu.Lock()
	if a, ok := r.adapters[hostID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	factory, ok := r.factories[execType]
	r.mu.Unlock()

	target, err := r.store.GetTarget(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", hostID, err)
	}
	if target.ExecutorType != execType {
		return nil, fmt.Errorf("target %s is %s, not %s", hostID, target.ExecutorType, execType)
	}

	var a executor.Adapter
	if ok {
		a, err = factory(hostID, target.Config)
		if err != nil {
			return nil, err
		}
	} else {
		a = fallback.New(string(execType))
	}

	r.mu.Lock()
	// Another goroutine may have constructed it meanwhile; keep the first.
	if existing, dup := r.adapters[hostID]; dup {
		a = existing
	} else {
		r.adapters[hostID] = a
	}
	r.mu.Unlock()
	return a, nil
}

// Invalidate drops the cached adapter and any cached health result for a
// host, used after configuration changes and repeated health failures.
func (r *Registry) Invalidate(ctx context.Context, hostID string) {
	r.mu.Lock()
	delete(r.adapters, hostID)
	r.mu.Unlock()
	if f, ok := r.health.(interface{ Forget(context.Context, string) }); ok && r.health != nil {
		f.Forget(ctx, hostID)
	}
}

// targetHealthy answers from the TTL cache when possible and probes the
// backend otherwise, recording the result on the target row.
func (r *Registry) targetHealthy(ctx context.Context, t *domain.ExecutorTarget) bool {
	if r.health != nil {
		if healthy, found := r.health.Get(ctx, t.HostID); found {
			return healthy
		}
	}

	a, err := r.Get(ctx, t.ExecutorType, t.HostID)
	if err != nil {
		return false
	}
	probeErr := a.HealthCheck(ctx)
	healthy := probeErr == nil

	if err := r.store.RecordHealth(ctx, t.HostID, healthy); err != nil {
		r.logger.Warn("record health failed", "host", t.HostID, "err", err)
	}
	if r.health != nil {
		if err := r.health.Set(ctx, t.HostID, healthy); err != nil {
			r.logger.Warn("health cache set failed", "host", t.HostID, "err", err)
		}
	}
	if !healthy {
		r.logger.Warn("target unhealthy", "host", t.HostID, "err", probeErr)
		if t.ConsecutiveHealthFailures+1 >= invalidateAfter {
			r.Invalidate(ctx, t.HostID)
		}
	}
	return healthy
}

// IsAvailable reports whether at least one target of the type is active,
// under capacity and healthy.
func (r *Registry) IsAvailable(ctx context.Context, execType domain.ExecutorType) bool {
	targets, err := r.store.ListTargets(ctx, execType)
	if err != nil {
		r.logger.Error("list targets failed", "type", execType, "err", err)
		return false
	}
	for _, t := range targets {
		if !t.IsActive || t.CurrentJobCount >= t.MaxConcurrentJobs {
			continue
		}
		if r.targetHealthy(ctx, t) {
			return true
		}
	}
	return false
}

// PickTarget returns an active, healthy, under-capacity target of the type,
// preferring the one with the most free slots.
func (r *Registry) PickTarget(ctx context.Context, execType domain.ExecutorType) (*domain.ExecutorTarget, error) {
	targets, err := r.store.ListTargets(ctx, execType)
	if err != nil {
		return nil, err
	}
	var best *domain.ExecutorTarget
	for _, t := range targets {
		if !t.IsActive || t.CurrentJobCount >= t.MaxConcurrentJobs {
			continue
		}
		if !r.targetHealthy(ctx, t) {
			continue
		}
		if best == nil ||
			(t.MaxConcurrentJobs-t.CurrentJobCount) > (best.MaxConcurrentJobs-best.CurrentJobCount) {
			best = t
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no available target for executor type %s", execType)
	}
	return best, nil
}

// CapacityOf aggregates slot counts across all targets of the type.
// Inactive targets contribute nothing.
func (r *Registry) CapacityOf(ctx context.Context, execType domain.ExecutorType) (Capacity, error) {
	targets, err := r.store.ListTargets(ctx, execType)
	if err != nil {
		return Capacity{}, err
	}
	var c Capacity
	for _, t := range targets {
		if !t.IsActive {
			continue
		}
		c.Total += t.MaxConcurrentJobs
		c.Used += t.CurrentJobCount
	}
	c.Available = c.Total - c.Used
	return c, nil
}

// TryReserve and Release delegate to the store's atomic counter updates.
// Every successful reserve must be paired with exactly one release across
// the job's full lifecycle, including every failure path.
func (r *Registry) TryReserve(ctx context.Context, hostID string) (bool, error) {
	return r.store.TryReserve(ctx, hostID)
}

func (r *Registry) Release(ctx context.Context, hostID string) error {
	return r.store.Release(ctx, hostID)
}
