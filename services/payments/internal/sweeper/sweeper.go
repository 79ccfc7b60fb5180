// Package sweeper expires pending orders whose payment window has closed.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

type Store interface {
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]storage.Order, error)
}

type Expirer interface {
	Expire(ctx context.Context, orderID string) (*storage.Order, error)
}

type Sweeper struct {
	store     Store
	expirer   Expirer
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	expired   prometheus.Counter
	failures  prometheus.Counter
	now       func() time.Time
}

func New(store Store, expirer Expirer, interval time.Duration, batchSize int, logger *slog.Logger, registry *prometheus.Registry) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	s := &Sweeper{
		store:     store,
		expirer:   expirer,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_expired_total",
			Help: "Pending orders expired by the sweeper.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "order_expiry_failures_total",
			Help: "Orders the sweeper failed to expire.",
		}),
	}
	if registry != nil {
		registry.MustRegister(s.expired, s.failures)
	}
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired pending orders", "count", n)
			}
		}
	}
}

// Sweep expires every pending order whose window has closed, batch by
// batch, and returns how many it moved. An order paid or expired
// concurrently is skipped silently. The sweep stops early when a full batch
// makes no progress, so orders that keep failing cannot spin it.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		due, err := s.store.ListExpiredPending(ctx, s.now().UTC(), s.batchSize)
		if err != nil {
			return total, fmt.Errorf("list expired orders: %w", err)
		}
		n := s.expireBatch(ctx, due)
		total += n
		if len(due) < s.batchSize || n == 0 || ctx.Err() != nil {
			return total, nil
		}
	}
}

func (s *Sweeper) expireBatch(ctx context.Context, due []storage.Order) int {
	expired := 0
	for _, order := range due {
		if _, err := s.expirer.Expire(ctx, order.ID); err != nil {
			if errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			s.failures.Inc()
			s.logger.Warn("expire order failed", "order_id", order.ID, "error", err)
			continue
		}
		expired++
	}
	s.expired.Add(float64(expired))
	return expired
}
