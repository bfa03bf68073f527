package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrSnakeDoc/wayfinder/internal/logger"
)

func TestProcessCacheSingleProbePerWindow(t *testing.T) {
	var calls atomic.Int32
	probe := func(ctx context.Context) ([]ProcessRecord, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond) // let callers pile up
		return []ProcessRecord{{Port: 3000, PID: 1}}, nil
	}
	cache := NewProcessCache(probe, time.Minute, logger.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records, err := cache.Get(context.Background())
			if err != nil || len(records) != 1 {
				t.Errorf("Get() = %v, %v", records, err)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("probe invoked %d times during one TTL window, want 1", got)
	}
}

func TestProcessCacheExpiry(t *testing.T) {
	var calls atomic.Int32
	probe := func(ctx context.Context) ([]ProcessRecord, error) {
		calls.Add(1)
		return []ProcessRecord{{Port: 3000, PID: 1}}, nil
	}
	cache := NewProcessCache(probe, 20*time.Millisecond, logger.NewNop())

	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("probe invoked %d times across two TTL windows, want 2", got)
	}
}

func TestProcessCacheStaleOnError(t *testing.T) {
	var fail atomic.Bool
	probe := func(ctx context.Context) ([]ProcessRecord, error) {
		if fail.Load() {
			return nil, errors.New("probe broke")
		}
		return []ProcessRecord{{Port: 3000, PID: 1}}, nil
	}
	cache := NewProcessCache(probe, time.Millisecond, logger.NewNop())

	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	fail.Store(true)
	time.Sleep(5 * time.Millisecond)
	records, err := cache.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() with stale data should not error, got %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Get() lost stale records")
	}
}

func TestProcessCacheErrorWithoutData(t *testing.T) {
	probe := func(ctx context.Context) ([]ProcessRecord, error) {
		return nil, errors.New("probe broke")
	}
	cache := NewProcessCache(probe, time.Minute, logger.NewNop())
	if _, err := cache.Get(context.Background()); err == nil {
		t.Errorf("Get() with no prior data should surface the probe error")
	}
}

func TestProcessCacheInvalidate(t *testing.T) {
	var calls atomic.Int32
	probe := func(ctx context.Context) ([]ProcessRecord, error) {
		calls.Add(1)
		return nil, nil
	}
	cache := NewProcessCache(probe, time.Hour, logger.NewNop())

	_, _ = cache.Get(context.Background())
	cache.Invalidate()
	_, _ = cache.Get(context.Background())

	if got := calls.Load(); got != 2 {
		t.Errorf("probe invoked %d times after Invalidate, want 2", got)
	}
}

func TestContainerCacheSwallowsProbeFailure(t *testing.T) {
	probe := func(ctx context.Context) ([]ContainerRecord, error) {
		return nil, errors.New("daemon unreachable")
	}
	cache := NewContainerCache(probe, time.Minute, logger.NewNop())

	got := cache.Get(context.Background())
	if got == nil || len(got) != 0 {
		t.Errorf("Get() = %v, want empty non-nil list", got)
	}
}

func TestContainerCacheLookup(t *testing.T) {
	probe := func(ctx context.Context) ([]ContainerRecord, error) {
		return []ContainerRecord{
			{Name: "app-web", IP: "172.18.0.2"},
			{Name: "app-db", IP: "172.18.0.3"},
		}, nil
	}
	cache := NewContainerCache(probe, time.Minute, logger.NewNop())

	record, ok := cache.Lookup(context.Background(), "app-db")
	if !ok || record.IP != "172.18.0.3" {
		t.Errorf("Lookup() = %+v, %v", record, ok)
	}
	if _, ok := cache.Lookup(context.Background(), "ghost"); ok {
		t.Errorf("Lookup() found a container that does not exist")
	}
}
