package resolver

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrSnakeDoc/wayfinder/internal/discovery"
	"github.com/MrSnakeDoc/wayfinder/internal/domain"
	"github.com/MrSnakeDoc/wayfinder/internal/logger"
	"github.com/MrSnakeDoc/wayfinder/internal/store"
)

// Resolver coalesces concurrent resolutions per key into one judge call
// and writes successful decisions through to the store. The keyspace is
// hostnames plus second-level composite keys.
type Resolver struct {
	judge      Judge
	store      *store.Store
	processes  *discovery.ProcessCache
	containers *discovery.ContainerCache
	group      singleflight.Group
	logger     logger.Logger
	timeNow    func() time.Time
}

// New creates a resolver on top of the judge, the store and the two
// snapshot caches.
func New(judge Judge, s *store.Store, processes *discovery.ProcessCache, containers *discovery.ContainerCache, loggerClient logger.Logger) *Resolver {
	return &Resolver{
		judge:      judge,
		store:      s,
		processes:  processes,
		containers: containers,
		logger:     loggerClient,
		timeNow:    time.Now,
	}
}

// ResolveHost returns the mapping for hostname, consulting the judge on a
// miss (or when force is set). Concurrent misses for the same hostname
// share one judge call.
func (r *Resolver) ResolveHost(ctx context.Context, hostname, userHint string, force bool) (*domain.RouteMapping, error) {
	return r.resolve(ctx, hostname, force, func(ctx context.Context, inv Inventory) (*domain.TargetDecision, error) {
		return r.judge.ResolveHostname(ctx, hostname, userHint, inv)
	})
}

// ResolveRelated returns the mapping for the composite key
// "<originHost>:<serviceName>", consulting the judge on a miss. The origin
// mapping, when present, is handed to the judge as context.
func (r *Resolver) ResolveRelated(ctx context.Context, originHost, serviceName, userHint string, force bool) (*domain.RouteMapping, error) {
	key := domain.CompositeKey(originHost, serviceName)
	return r.resolve(ctx, key, force, func(ctx context.Context, inv Inventory) (*domain.TargetDecision, error) {
		originMapping := r.store.Get(originHost)
		return r.judge.ResolveRelated(ctx, originHost, originMapping, serviceName, userHint, inv)
	})
}

func (r *Resolver) resolve(ctx context.Context, key string, force bool, ask func(context.Context, Inventory) (*domain.TargetDecision, error)) (*domain.RouteMapping, error) {
	if !force {
		if cached := r.store.Get(key); cached != nil {
			return cached, nil
		}
	}

	result, err, shared := r.group.Do(key, func() (interface{}, error) {
		// Another waiter may have populated the store while we queued.
		if cached := r.store.Get(key); cached != nil && !force {
			return cached, nil
		}

		// The flight outlives the caller that happened to start it, so a
		// single disconnecting client must not cancel the shared call.
		fctx := context.WithoutCancel(ctx)

		decision, err := ask(fctx, r.inventory(fctx))
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", key, err)
		}

		mapping := decision.Mapping(r.timeNow)
		r.store.Set(key, mapping)
		if err := r.store.Save(); err != nil {
			// Degraded persistence: the in-memory mapping stays valid.
			r.logger.Warn("failed to persist mappings",
				logger.String("key", key),
				logger.Error(err))
		}
		return mapping, nil
	})
	if err != nil {
		return nil, err
	}

	mapping := result.(*domain.RouteMapping)
	r.logger.Info("resolved target",
		logger.String("key", key),
		logger.String("kind", string(mapping.Kind)),
		logger.String("target", mapping.Target),
		logger.Int("port", mapping.Port),
		logger.String("reason", mapping.Rationale),
		logger.Bool("shared", shared))
	return mapping, nil
}

// inventory gathers the judge's evidence. A failing process probe reduces
// the inventory instead of failing the resolution.
func (r *Resolver) inventory(ctx context.Context) Inventory {
	processes, err := r.processes.Get(ctx)
	if err != nil {
		r.logger.Warn("failed to discover processes", logger.Error(err))
	}
	return Inventory{
		Processes:  processes,
		Containers: r.containers.Get(ctx),
		Mappings:   r.store.GetAll(),
	}
}
