// Package cache keeps the active price tiers in memory.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
)

type TierStore interface {
	ListActiveTiers(ctx context.Context) ([]storage.PriceTier, error)
}

type RefreshMetrics interface {
	ObserveRefresh(duration time.Duration)
	SetCacheSize(size int)
	IncRefreshError()
}

type TierCache struct {
	mu          sync.RWMutex
	tiers       map[int]storage.PriceTier
	lastRefresh time.Time
}

func NewTierCache() *TierCache {
	return &TierCache{tiers: make(map[int]storage.PriceTier)}
}

// Load replaces the cached tiers. Inactive or unpriced rows are dropped.
func (c *TierCache) Load(ctx context.Context, store TierStore) error {
	tiers, err := store.ListActiveTiers(ctx)
	if err != nil {
		return err
	}

	next := make(map[int]storage.PriceTier, len(tiers))
	for _, tier := range tiers {
		if !tier.Active || tier.Duration <= 0 || !tier.Price.IsPositive() {
			continue
		}
		next[tier.Duration] = tier
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tiers = next
	c.lastRefresh = time.Now()
	return nil
}

func (c *TierCache) Refresh(ctx context.Context, store TierStore) error {
	return c.Load(ctx, store)
}

func (c *TierCache) Get(duration int) (storage.PriceTier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tier, ok := c.tiers[duration]
	return tier, ok
}

// All returns the cached tiers ordered by duration.
func (c *TierCache) All() []storage.PriceTier {
	c.mu.RLock()
	out := make([]storage.PriceTier, 0, len(c.tiers))
	for _, tier := range c.tiers {
		out = append(out, tier)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Duration < out[j].Duration })
	return out
}

func (c *TierCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tiers)
}

func (c *TierCache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

func (c *TierCache) StartAutoRefresh(ctx context.Context, store TierStore, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Warn("tier cache refresh disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				start := time.Now()
				err := c.Refresh(refreshCtx, store)
				cancel()
				if err != nil {
					logger.Error("tier cache refresh failed", "error", err)
					if metrics != nil {
						metrics.IncRefreshError()
					}
					continue
				}
				if metrics != nil {
					metrics.ObserveRefresh(time.Since(start))
					metrics.SetCacheSize(c.Size())
				}
				logger.Debug("price tier cache refreshed", "tiers", c.Size())
			}
		}
	}()
}
