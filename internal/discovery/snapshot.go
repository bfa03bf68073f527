package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/MrSnakeDoc/wayfinder/internal/logger"
)

// DefaultSnapshotTTL bounds how stale a snapshot may be before the next Get
// triggers a fresh probe.
const DefaultSnapshotTTL = 5 * time.Second

// ProcessProbeFunc produces a point-in-time list of listening processes.
// It may be slow and it may fail.
type ProcessProbeFunc func(ctx context.Context) ([]ProcessRecord, error)

// ProcessCache memoizes a process probe for a short TTL so that a burst of
// requests shares one probe run.
type ProcessCache struct {
	mu          sync.RWMutex
	records     []ProcessRecord
	lastRefresh time.Time
	ttl         time.Duration
	probe       ProcessProbeFunc
	logger      logger.Logger
}

// NewProcessCache creates a cache around probe. A non-positive ttl falls
// back to DefaultSnapshotTTL.
func NewProcessCache(probe ProcessProbeFunc, ttl time.Duration, loggerClient logger.Logger) *ProcessCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &ProcessCache{
		ttl:    ttl,
		probe:  probe,
		logger: loggerClient,
	}
}

// Get returns the cached snapshot, refreshing it when stale. The refresh
// runs under the write lock, so concurrent callers share a single probe.
// When the probe fails but stale data exists, the stale data is returned.
func (c *ProcessCache) Get(ctx context.Context) ([]ProcessRecord, error) {
	c.mu.RLock()
	if time.Since(c.lastRefresh) < c.ttl && c.records != nil {
		records := c.records
		c.mu.RUnlock()
		return records, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if time.Since(c.lastRefresh) < c.ttl && c.records != nil {
		return c.records, nil
	}

	records, err := c.probe(ctx)
	if err != nil {
		if c.records != nil {
			c.logger.Warn("process probe failed, serving stale snapshot",
				logger.Error(err))
			return c.records, nil
		}
		return nil, err
	}

	c.records = records
	c.lastRefresh = time.Now()
	return records, nil
}

// Invalidate forces the next Get to probe again.
func (c *ProcessCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRefresh = time.Time{}
}

// ContainerProbeFunc produces a point-in-time list of running containers.
// An unreachable runtime yields an empty list, not an error.
type ContainerProbeFunc func(ctx context.Context) ([]ContainerRecord, error)

// ContainerCache memoizes a container probe for a short TTL.
type ContainerCache struct {
	mu          sync.RWMutex
	records     []ContainerRecord
	lastRefresh time.Time
	ttl         time.Duration
	probe       ContainerProbeFunc
	logger      logger.Logger
}

// NewContainerCache creates a cache around probe.
func NewContainerCache(probe ContainerProbeFunc, ttl time.Duration, loggerClient logger.Logger) *ContainerCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &ContainerCache{
		ttl:    ttl,
		probe:  probe,
		logger: loggerClient,
	}
}

// Get returns the cached snapshot, refreshing it when stale.
func (c *ContainerCache) Get(ctx context.Context) []ContainerRecord {
	c.mu.RLock()
	if time.Since(c.lastRefresh) < c.ttl && c.records != nil {
		records := c.records
		c.mu.RUnlock()
		return records
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastRefresh) < c.ttl && c.records != nil {
		return c.records
	}

	records, err := c.probe(ctx)
	if err != nil {
		c.logger.Warn("container probe failed", logger.Error(err))
		if c.records != nil {
			return c.records
		}
		records = []ContainerRecord{}
	}
	if records == nil {
		// An empty inventory is cached like any other snapshot.
		records = []ContainerRecord{}
	}

	c.records = records
	c.lastRefresh = time.Now()
	return records
}

// Lookup finds a container by name in the current snapshot.
func (c *ContainerCache) Lookup(ctx context.Context, name string) (*ContainerRecord, bool) {
	for _, record := range c.Get(ctx) {
		if record.Name == name {
			found := record
			return &found, true
		}
	}
	return nil, false
}

// Invalidate forces the next Get to probe again.
func (c *ContainerCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRefresh = time.Time{}
}
