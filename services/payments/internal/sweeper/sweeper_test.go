package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Panda-1024/premium-bot/services/payments/internal/orders"
	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

type failingExpirer struct {
	next  Expirer
	fail  string
	calls int
}

func (e *failingExpirer) Expire(ctx context.Context, orderID string) (*storage.Order, error) {
	e.calls++
	if orderID == e.fail {
		return nil, errors.New("db timeout")
	}
	return e.next.Expire(ctx, orderID)
}

func seed(t *testing.T, store *storage.MemoryStore, id, amount string, created time.Time, timeout time.Duration) {
	t.Helper()
	_, err := store.CreateOrder(context.Background(), storage.NewOrder{
		ID: id, UserID: 3, Recipient: "dave", Duration: 6, PaymentAddress: "TSettle",
		Timeout: timeout, Now: created,
	}, func(context.Context, storage.AmountChecker, time.Time) (decimal.Decimal, error) {
		return decimal.RequireFromString(amount), nil
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
}

func TestSweepExpiresOnlyClosedWindows(t *testing.T) {
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	now := start.Add(45 * time.Minute)
	clock := func() time.Time { return now }

	store := storage.NewMemoryStore()
	seed(t, store, "old", "22.000", start, 30*time.Minute)
	seed(t, store, "fresh", "22.001", now.Add(-time.Minute), 30*time.Minute)

	lifecycle := orders.NewLifecycle(store, nil, nil, nil, nil).WithClock(clock)
	registry := prometheus.NewRegistry()
	s := New(store, lifecycle, 0, 0, nil, registry).WithClock(clock)

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	old, _ := store.GetOrder(context.Background(), "old")
	fresh, _ := store.GetOrder(context.Background(), "fresh")
	if old.Status != storage.OrderStatusExpired || fresh.Status != storage.OrderStatusPending {
		t.Fatalf("unexpected statuses old=%s fresh=%s", old.Status, fresh.Status)
	}

	n, err = s.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second sweep should be a no-op, got %d %v", n, err)
	}
	if got := testutil.ToFloat64(s.expired); got != 1 {
		t.Fatalf("expected expired counter 1, got %v", got)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	now := start.Add(2 * time.Hour)
	clock := func() time.Time { return now }

	store := storage.NewMemoryStore()
	seed(t, store, "a", "14.000", start, 30*time.Minute)
	seed(t, store, "b", "14.001", start.Add(time.Minute), 30*time.Minute)

	lifecycle := orders.NewLifecycle(store, nil, nil, nil, nil).WithClock(clock)
	expirer := &failingExpirer{next: lifecycle, fail: "a"}
	s := New(store, expirer, time.Minute, 10, nil, nil).WithClock(clock)

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 || expirer.calls != 2 {
		t.Fatalf("expected 1 expired of 2 attempts, got %d/%d", n, expirer.calls)
	}
	if got := testutil.ToFloat64(s.failures); got != 1 {
		t.Fatalf("expected one failure, got %v", got)
	}
	a, _ := store.GetOrder(context.Background(), "a")
	if a.Status != storage.OrderStatusPending {
		t.Fatalf("failed order should stay pending, got %s", a.Status)
	}
}

func TestSweepDrainsEveryBatch(t *testing.T) {
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	now := start.Add(2 * time.Hour)
	clock := func() time.Time { return now }

	store := storage.NewMemoryStore()
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		seed(t, store, id, "14.00"+string(rune('0'+i)), start.Add(time.Duration(i)*time.Minute), 30*time.Minute)
	}
	lifecycle := orders.NewLifecycle(store, nil, nil, nil, nil).WithClock(clock)
	s := New(store, lifecycle, time.Minute, 2, nil, nil).WithClock(clock)

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected all 5 orders expired in one sweep, got %d", n)
	}
}

func TestSweepStopsWhenBatchMakesNoProgress(t *testing.T) {
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	now := start.Add(2 * time.Hour)
	clock := func() time.Time { return now }

	store := storage.NewMemoryStore()
	seed(t, store, "a", "14.000", start, 30*time.Minute)
	seed(t, store, "b", "14.001", start.Add(time.Minute), 30*time.Minute)
	lifecycle := orders.NewLifecycle(store, nil, nil, nil, nil).WithClock(clock)
	expirer := &failingExpirer{next: lifecycle, fail: "a"}
	s := New(store, expirer, time.Minute, 1, nil, nil).WithClock(clock)

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 || expirer.calls != 1 {
		t.Fatalf("expected the sweep to stop on the stuck batch, got %d expired in %d calls", n, expirer.calls)
	}
}
