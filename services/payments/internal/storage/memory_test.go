package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func fixedAmount(v string) AllocateFunc {
	return func(context.Context, AmountChecker, time.Time) (decimal.Decimal, error) {
		return decimal.RequireFromString(v), nil
	}
}

func newPending(t *testing.T, s *MemoryStore, id string, amount string, now time.Time) *Order {
	t.Helper()
	order, err := s.CreateOrder(context.Background(), NewOrder{
		ID:             id,
		UserID:         1,
		Recipient:      "alice",
		Duration:       3,
		PaymentAddress: "TAddr",
		Timeout:        30 * time.Minute,
		Now:            now,
	}, fixedAmount(amount))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func TestMemoryCursorMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := s.LoadCursor(ctx); err != nil || ok {
		t.Fatalf("expected no cursor, got ok=%v err=%v", ok, err)
	}
	for _, h := range []int64{100, 105, 103} {
		if err := s.SaveCursor(ctx, h); err != nil {
			t.Fatalf("SaveCursor(%d): %v", h, err)
		}
	}
	got, ok, err := s.LoadCursor(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadCursor: ok=%v err=%v", ok, err)
	}
	if got != 105 {
		t.Fatalf("expected cursor 105, got %d", got)
	}
}

func TestMemoryTransitionGuards(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	order := newPending(t, s, "o-1", "14.000", now)

	_, err := s.Transition(ctx, Transition{
		OrderID: order.ID, From: []string{OrderStatusPending}, To: OrderStatusPaid,
		Now: now.Add(31 * time.Minute), RequireLive: true, PaymentTxID: "tx-1",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after expiry, got %v", err)
	}

	paid, err := s.Transition(ctx, Transition{
		OrderID: order.ID, From: []string{OrderStatusPending}, To: OrderStatusPaid,
		Now: now.Add(time.Minute), RequireLive: true, PaymentTxID: "tx-1",
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if paid.Status != OrderStatusPaid || paid.PaymentTxID != "tx-1" {
		t.Fatalf("unexpected order after payment: %+v", paid)
	}

	_, err = s.Transition(ctx, Transition{
		OrderID: order.ID, From: []string{OrderStatusPending}, To: OrderStatusPaid,
		Now: now.Add(2 * time.Minute), RequireLive: true, PaymentTxID: "tx-1",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected replayed payment to be rejected, got %v", err)
	}

	if _, err := s.Transition(ctx, Transition{OrderID: "missing", From: []string{OrderStatusPending}, To: OrderStatusPaid, Now: now}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryPaymentTxAppliedOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := newPending(t, s, "o-a", "14.000", now)
	b := newPending(t, s, "o-b", "14.001", now)

	if _, err := s.Transition(ctx, Transition{OrderID: a.ID, From: []string{OrderStatusPending}, To: OrderStatusPaid, Now: now, PaymentTxID: "tx"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := s.Transition(ctx, Transition{OrderID: b.ID, From: []string{OrderStatusPending}, To: OrderStatusPaid, Now: now, PaymentTxID: "tx"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected duplicate tx to be rejected, got %v", err)
	}

	// A second Transfer event in the same transaction is a separate payment.
	if _, err := s.Transition(ctx, Transition{OrderID: b.ID, From: []string{OrderStatusPending}, To: OrderStatusPaid, Now: now, PaymentTxID: "tx", PaymentEventIndex: 1}); err != nil {
		t.Fatalf("Transition second event: %v", err)
	}
	got, err := s.GetOrderByPayment(ctx, "tx", 1)
	if err != nil || got.ID != b.ID {
		t.Fatalf("GetOrderByPayment: %+v %v", got, err)
	}
	if _, err := s.GetOrderByPayment(ctx, "tx", 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unseen event, got %v", err)
	}
}

func TestMemoryProblemOrders(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	newPending(t, s, "stale-pending", "14.000", now.Add(-3*time.Hour))
	newPending(t, s, "fresh-pending", "14.001", now)
	stuck := newPending(t, s, "stuck-paid", "14.002", now.Add(-3*time.Hour))
	fresh := newPending(t, s, "fresh-paid", "14.003", now)
	for _, o := range []struct {
		id  string
		at  time.Time
		ref string
	}{{stuck.ID, now.Add(-2 * time.Hour), "tx-1"}, {fresh.ID, now, "tx-2"}} {
		if _, err := s.Transition(ctx, Transition{OrderID: o.id, From: []string{OrderStatusPending}, To: OrderStatusPaid, Now: o.at, PaymentTxID: o.ref}); err != nil {
			t.Fatalf("Transition %s: %v", o.id, err)
		}
	}

	problems, err := s.ListProblemOrders(ctx, now.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("ListProblemOrders: %v", err)
	}
	ids := map[string]bool{}
	for _, o := range problems {
		ids[o.ID] = true
	}
	if len(problems) != 2 || !ids["stale-pending"] || !ids["stuck-paid"] {
		t.Fatalf("unexpected problem orders %+v", problems)
	}
}

func TestMemoryOrderStats(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := newPending(t, s, "a", "14.000", now)
	newPending(t, s, "b", "22.001", now)
	if _, err := s.Transition(ctx, Transition{OrderID: a.ID, From: []string{OrderStatusPending}, To: OrderStatusPaid, Now: now, PaymentTxID: "tx"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	stats, err := s.OrderStats(ctx, 1)
	if err != nil {
		t.Fatalf("OrderStats: %v", err)
	}
	if stats.Total != 2 || stats.ByStatus[OrderStatusPaid].Count != 1 || !stats.ByStatus[OrderStatusPending].Amount.Equal(decimal.RequireFromString("22.001")) {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if other, _ := s.OrderStats(ctx, 2); other.Total != 0 {
		t.Fatalf("expected no orders for another user, got %+v", other)
	}
}

func TestMemoryFindPendingByAmountNewestLive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	newPending(t, s, "old", "22.000", now.Add(-40*time.Minute))
	newPending(t, s, "mid", "22.000", now.Add(-10*time.Minute))
	newPending(t, s, "new", "22.000", now.Add(-5*time.Minute))

	got, err := s.FindPendingByAmount(ctx, decimal.RequireFromString("22"), now)
	if err != nil {
		t.Fatalf("FindPendingByAmount: %v", err)
	}
	if got.ID != "new" {
		t.Fatalf("expected newest live order, got %s", got.ID)
	}

	if _, err := s.FindPendingByAmount(ctx, decimal.RequireFromString("22.001"), now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	expired, err := s.ListExpiredPending(ctx, now, 0)
	if err != nil {
		t.Fatalf("ListExpiredPending: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "old" {
		t.Fatalf("expected only the old order to be expired, got %+v", expired)
	}
}

func TestMemoryListOrdersPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		newPending(t, s, id, "3.00"+string(rune('0'+i)), now.Add(time.Duration(i)*time.Second))
	}

	page, total, err := s.ListOrders(ctx, OrderFilter{UserID: 1, Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if total != 3 || len(page) != 2 || page[0].ID != "c" {
		t.Fatalf("unexpected first page total=%d orders=%+v", total, page)
	}
	page, _, err = s.ListOrders(ctx, OrderFilter{UserID: 1, Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page) != 1 || page[0].ID != "a" {
		t.Fatalf("unexpected second page %+v", page)
	}
	page, total, _ = s.ListOrders(ctx, OrderFilter{UserID: 2})
	if total != 0 || len(page) != 0 {
		t.Fatalf("expected other user to see nothing")
	}
}

func TestMemoryRecomputePremium(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if _, err := s.EnsureUser(ctx, 1, "@Alice", now); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	order := newPending(t, s, "o-1", "14.000", now)
	for _, to := range []string{OrderStatusPaid, OrderStatusCompleted} {
		from := OrderStatusPending
		if to == OrderStatusCompleted {
			from = OrderStatusPaid
		}
		if _, err := s.Transition(ctx, Transition{OrderID: order.ID, From: []string{from}, To: to, Now: now}); err != nil {
			t.Fatalf("Transition to %s: %v", to, err)
		}
	}

	user, err := s.RecomputePremium(ctx, 1, now)
	if err != nil {
		t.Fatalf("RecomputePremium: %v", err)
	}
	if !user.IsPremium || user.PremiumExpireAt == nil || !user.PremiumExpireAt.Equal(now.AddDate(0, 3, 0)) {
		t.Fatalf("expected premium for 3 months, got %+v", user)
	}

	if _, err := s.Transition(ctx, Transition{OrderID: order.ID, From: []string{OrderStatusCompleted}, To: OrderStatusRefunded, Now: now}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	user, err = s.RecomputePremium(ctx, 1, now)
	if err != nil {
		t.Fatalf("RecomputePremium: %v", err)
	}
	if user.IsPremium || user.PremiumExpireAt != nil {
		t.Fatalf("expected premium cleared after refund, got %+v", user)
	}
}
