package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Panda-1024/premium-bot/libs/kafka"
	"github.com/Panda-1024/premium-bot/services/payments/internal/notify"
	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
)

type Store interface {
	Transition(ctx context.Context, t storage.Transition) (*storage.Order, error)
	RecomputePremium(ctx context.Context, userID int64, now time.Time) (*storage.User, error)
}

// Lifecycle is the only writer of order status. Every change is a single
// conditional update in the store followed by best effort side effects.
type Lifecycle struct {
	store       Store
	events      kafka.Publisher
	notifier    notify.Notifier
	logger      *slog.Logger
	metrics     *Metrics
	topicPrefix string
	now         func() time.Time
}

func NewLifecycle(store Store, events kafka.Publisher, notifier notify.Notifier, logger *slog.Logger, metrics *Metrics) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Lifecycle{
		store:       store,
		events:      events,
		notifier:    notifier,
		logger:      logger,
		metrics:     metrics,
		topicPrefix: "orders",
		now:         time.Now,
	}
}

// WithTopicPrefix sets the prefix of the per status event topics.
func (l *Lifecycle) WithTopicPrefix(prefix string) *Lifecycle {
	if prefix != "" {
		l.topicPrefix = prefix
	}
	return l
}

func (l *Lifecycle) WithClock(now func() time.Time) *Lifecycle {
	if now != nil {
		l.now = now
	}
	return l
}

// MarkPaid records the ledger payment, identified by transaction id and
// event index. It only succeeds while the order is pending and its payment
// window is still open.
func (l *Lifecycle) MarkPaid(ctx context.Context, orderID, paymentTxID string, eventIndex int) (*storage.Order, error) {
	return l.apply(ctx, storage.Transition{
		OrderID:           orderID,
		From:              []string{storage.OrderStatusPending},
		To:                storage.OrderStatusPaid,
		RequireLive:       true,
		PaymentTxID:       paymentTxID,
		PaymentEventIndex: eventIndex,
	}, "")
}

func (l *Lifecycle) MarkCompleted(ctx context.Context, orderID, fulfillmentTxID string) (*storage.Order, error) {
	return l.apply(ctx, storage.Transition{
		OrderID:         orderID,
		From:            []string{storage.OrderStatusPaid},
		To:              storage.OrderStatusCompleted,
		FulfillmentTxID: fulfillmentTxID,
	}, "")
}

func (l *Lifecycle) MarkFailed(ctx context.Context, orderID, reason string) (*storage.Order, error) {
	return l.apply(ctx, storage.Transition{
		OrderID:       orderID,
		From:          []string{storage.OrderStatusPaid},
		To:            storage.OrderStatusFailed,
		FailureReason: reason,
	}, reason)
}

// Expire closes a pending order whose payment window has passed.
func (l *Lifecycle) Expire(ctx context.Context, orderID string) (*storage.Order, error) {
	return l.apply(ctx, storage.Transition{
		OrderID:        orderID,
		From:           []string{storage.OrderStatusPending},
		To:             storage.OrderStatusExpired,
		RequireExpired: true,
	}, "")
}

func (l *Lifecycle) Refund(ctx context.Context, orderID, reason string) (*storage.Order, error) {
	return l.apply(ctx, storage.Transition{
		OrderID: orderID,
		From:    []string{storage.OrderStatusPaid, storage.OrderStatusCompleted, storage.OrderStatusFailed},
		To:      storage.OrderStatusRefunded,
	}, reason)
}

// CompleteManually closes a paid or failed order after an operator
// delivered the gift out of band. Paid orders land here when automatic
// fulfillment is disabled or never recorded an outcome.
func (l *Lifecycle) CompleteManually(ctx context.Context, orderID, fulfillmentTxID string) (*storage.Order, error) {
	return l.apply(ctx, storage.Transition{
		OrderID:         orderID,
		From:            []string{storage.OrderStatusPaid, storage.OrderStatusFailed},
		To:              storage.OrderStatusCompleted,
		FulfillmentTxID: fulfillmentTxID,
	}, "manual completion")
}

func (l *Lifecycle) apply(ctx context.Context, t storage.Transition, reason string) (*storage.Order, error) {
	for _, from := range t.From {
		if !Allowed(from, t.To) {
			return nil, fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, from, t.To)
		}
	}
	t.Now = l.now().UTC()

	order, err := l.store.Transition(ctx, t)
	if err != nil {
		l.metrics.transition(t.To, "rejected")
		return nil, fmt.Errorf("order %s to %s: %w", t.OrderID, t.To, err)
	}
	l.metrics.transition(t.To, "applied")
	l.logger.Info("order transition", "order_id", order.ID, "status", order.Status, "reason", reason)

	if order.Status == storage.OrderStatusCompleted || order.Status == storage.OrderStatusRefunded {
		if _, err := l.store.RecomputePremium(ctx, order.UserID, t.Now); err != nil {
			l.logger.Error("recompute premium failed", "order_id", order.ID, "user_id", order.UserID, "error", err)
		}
	}

	l.publish(ctx, order, reason)
	l.announce(ctx, order, reason)
	return order, nil
}

func (l *Lifecycle) publish(ctx context.Context, order *storage.Order, reason string) {
	if l.events == nil {
		return
	}
	evt, err := newOrderEvent(order, reason)
	if err != nil {
		l.logger.Error("build order event", "order_id", order.ID, "error", err)
		return
	}
	topic := l.topicPrefix + "." + order.Status
	if _, _, err := l.events.PublishJSON(context.WithoutCancel(ctx), topic, order.ID, evt); err != nil {
		l.logger.Warn("order event not published", "order_id", order.ID, "topic", topic, "error", err)
	}
}

// announce sends owner and operator notices. Owners never see internal
// failure detail.
func (l *Lifecycle) announce(ctx context.Context, order *storage.Order, reason string) {
	amount := order.Amount.StringFixed(3)
	switch order.Status {
	case storage.OrderStatusPaid:
		l.notifier.Notify(ctx, order.UserID, fmt.Sprintf(
			"Payment of %s USDT received for order %s. Activating Telegram Premium for @%s.", amount, order.ID, order.Recipient))
		l.notifier.NotifyAdmins(ctx, fmt.Sprintf(
			"Order %s paid: %s USDT, tx %s, user %d.", order.ID, amount, order.PaymentTxID, order.UserID))
	case storage.OrderStatusCompleted:
		l.notifier.Notify(ctx, order.UserID, fmt.Sprintf(
			"Telegram Premium for %d months delivered to @%s. Order %s is complete.", order.Duration, order.Recipient, order.ID))
		l.notifier.NotifyAdmins(ctx, fmt.Sprintf(
			"Order %s completed: @%s, %d months, ton tx %s.", order.ID, order.Recipient, order.Duration, order.FulfillmentTxID))
	case storage.OrderStatusFailed:
		l.notifier.Notify(ctx, order.UserID, fmt.Sprintf(
			"We received your payment for order %s but could not deliver Premium yet. Support has been notified.", order.ID))
		l.notifier.NotifyAdmins(ctx, fmt.Sprintf(
			"Order %s FAILED after payment %s (%s USDT): %s", order.ID, order.PaymentTxID, amount, reason))
	case storage.OrderStatusExpired:
		l.notifier.Notify(ctx, order.UserID, fmt.Sprintf(
			"Order %s expired before a payment of %s USDT arrived.", order.ID, amount))
	case storage.OrderStatusRefunded:
		l.notifier.Notify(ctx, order.UserID, fmt.Sprintf("Order %s has been refunded.", order.ID))
		l.notifier.NotifyAdmins(ctx, fmt.Sprintf("Order %s refunded: %s", order.ID, reason))
	}
}
