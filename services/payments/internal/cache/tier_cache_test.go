package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
	"github.com/shopspring/decimal"
)

type fakeStore struct {
	mu    sync.Mutex
	tiers []storage.PriceTier
}

func (f *fakeStore) ListActiveTiers(context.Context) ([]storage.PriceTier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.PriceTier(nil), f.tiers...), nil
}

func (f *fakeStore) add(t storage.PriceTier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiers = append(f.tiers, t)
}

type errorStore struct{}

func (errorStore) ListActiveTiers(context.Context) ([]storage.PriceTier, error) {
	return nil, errors.New("boom")
}

type fakeMetrics struct {
	mu       sync.Mutex
	refresh  int
	errors   int
	lastSize int
}

func (m *fakeMetrics) ObserveRefresh(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh++
}

func (m *fakeMetrics) SetCacheSize(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSize = size
}

func (m *fakeMetrics) IncRefreshError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

func (m *fakeMetrics) Snapshot() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh, m.errors, m.lastSize
}

func tier(months int, price string) storage.PriceTier {
	return storage.PriceTier{Duration: months, Price: decimal.RequireFromString(price), Active: true}
}

func TestTierCacheLookup(t *testing.T) {
	cache := NewTierCache()
	inactive := tier(24, "70")
	inactive.Active = false
	store := &fakeStore{tiers: []storage.PriceTier{tier(12, "40"), tier(3, "14"), tier(6, "22"), inactive, tier(1, "0")}}
	if err := cache.Load(context.Background(), store); err != nil {
		t.Fatalf("load cache: %v", err)
	}

	if got, ok := cache.Get(6); !ok || !got.Price.Equal(decimal.RequireFromString("22")) {
		t.Fatalf("expected 6 month tier at 22, got %+v %v", got, ok)
	}
	for _, months := range []int{1, 24, 9} {
		if _, ok := cache.Get(months); ok {
			t.Fatalf("expected no tier for %d months", months)
		}
	}
	all := cache.All()
	if len(all) != 3 || all[0].Duration != 3 || all[2].Duration != 12 {
		t.Fatalf("unexpected ordering %+v", all)
	}
	if cache.LastRefresh().IsZero() {
		t.Fatalf("expected last refresh to be set")
	}
}

func TestTierCacheRefreshReplaces(t *testing.T) {
	cache := NewTierCache()
	store := &fakeStore{tiers: []storage.PriceTier{tier(3, "14")}}
	if err := cache.Load(context.Background(), store); err != nil {
		t.Fatalf("load cache: %v", err)
	}
	store.mu.Lock()
	store.tiers = []storage.PriceTier{tier(6, "22")}
	store.mu.Unlock()

	if err := cache.Refresh(context.Background(), store); err != nil {
		t.Fatalf("refresh cache: %v", err)
	}
	if _, ok := cache.Get(3); ok {
		t.Fatalf("stale tier kept after refresh")
	}
	if cache.Size() != 1 {
		t.Fatalf("expected cache size 1, got %d", cache.Size())
	}
}

func TestTierCacheConcurrentAccess(t *testing.T) {
	cache := NewTierCache()
	store := &fakeStore{tiers: []storage.PriceTier{tier(3, "14")}}
	if err := cache.Load(context.Background(), store); err != nil {
		t.Fatalf("load cache: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = cache.Get(3)
				_ = cache.All()
			}
		}()
	}
	for i := 0; i < 10; i++ {
		_ = cache.Refresh(context.Background(), store)
	}
	wg.Wait()
}

func TestTierCacheAutoRefresh(t *testing.T) {
	cache := NewTierCache()
	store := &fakeStore{tiers: []storage.PriceTier{tier(3, "14")}}
	if err := cache.Load(context.Background(), store); err != nil {
		t.Fatalf("load cache: %v", err)
	}

	metrics := &fakeMetrics{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache.StartAutoRefresh(ctx, store, 10*time.Millisecond, metrics, slog.Default())
	store.add(tier(6, "22"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, _, size := metrics.Snapshot(); size == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	refreshes, _, size := metrics.Snapshot()
	if refreshes == 0 || size != 2 {
		t.Fatalf("expected refreshes with size 2, got %d refreshes size %d", refreshes, size)
	}
	if cache.Size() != 2 {
		t.Fatalf("expected cache size 2, got %d", cache.Size())
	}
}

func TestTierCacheAutoRefreshErrors(t *testing.T) {
	cache := NewTierCache()
	metrics := &fakeMetrics{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache.StartAutoRefresh(ctx, errorStore{}, 10*time.Millisecond, metrics, slog.Default())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, errorsCount, _ := metrics.Snapshot(); errorsCount > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected refresh errors to be recorded")
}
