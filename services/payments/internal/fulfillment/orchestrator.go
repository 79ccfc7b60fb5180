// Package fulfillment turns a paid order into a delivered gift: it asks the
// gift provider for a payment request and settles it from the operator's
// TON wallet.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Panda-1024/premium-bot/services/payments/internal/gift"
	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
	"github.com/Panda-1024/premium-bot/services/payments/internal/wallet"
	"github.com/shopspring/decimal"
)

var (
	ErrNotPaid    = errors.New("order is not paid")
	ErrInProgress = errors.New("fulfillment already in progress")
)

type Delivery interface {
	RequestDelivery(ctx context.Context, recipient string, months int) (*gift.Delivery, error)
}

type Wallet interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
	SubmitPayment(ctx context.Context, to string, amount decimal.Decimal, memo string) (string, error)
}

type Lifecycle interface {
	MarkCompleted(ctx context.Context, orderID, fulfillmentTxID string) (*storage.Order, error)
	MarkFailed(ctx context.Context, orderID, reason string) (*storage.Order, error)
}

type Store interface {
	MarkSettlementAttempted(ctx context.Context, orderID, deliveryRef string, now time.Time) error
}

type Orchestrator struct {
	delivery  Delivery
	wallet    Wallet
	lifecycle Lifecycle
	store     Store
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	reserve   decimal.Decimal
	now       func() time.Time
	inFlight  sync.Map
}

func NewOrchestrator(delivery Delivery, w Wallet, lifecycle Lifecycle, store Store, logger *slog.Logger, metrics *Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		delivery:  delivery,
		wallet:    w,
		lifecycle: lifecycle,
		store:     store,
		logger:    logger,
		metrics:   metrics,
		tracer:    otel.Tracer("payments/fulfillment"),
		reserve:   decimal.Zero,
		now:       time.Now,
	}
}

// WithReserve keeps the given TON amount untouched in the wallet for fees.
func (o *Orchestrator) WithReserve(reserve decimal.Decimal) *Orchestrator {
	if reserve.IsPositive() {
		o.reserve = reserve
	}
	return o
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.now = now
	}
	return o
}

// Fulfill runs delivery and settlement for a paid order and records the
// outcome. Nothing is retried: a failed order waits for an operator.
func (o *Orchestrator) Fulfill(ctx context.Context, order *storage.Order) (*storage.Order, error) {
	if order == nil || order.Status != storage.OrderStatusPaid {
		return nil, ErrNotPaid
	}
	if _, busy := o.inFlight.LoadOrStore(order.ID, struct{}{}); busy {
		return nil, fmt.Errorf("%w: order %s", ErrInProgress, order.ID)
	}
	defer o.inFlight.Delete(order.ID)

	ctx, span := o.tracer.Start(ctx, "fulfillment.fulfill", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.Int("order.duration", order.Duration),
	))
	defer span.End()
	start := time.Now()

	final, outcome, err := o.run(ctx, order)
	o.metrics.observe(outcome, time.Since(start))
	span.SetAttributes(attribute.String("fulfillment.outcome", outcome))
	if outcome != outcomeCompleted {
		span.SetStatus(codes.Error, outcome)
	}
	if err != nil {
		span.RecordError(err)
	}
	return final, err
}

const (
	outcomeCompleted    = "completed"
	outcomeDelivery     = "delivery_failed"
	outcomeInsufficient = "insufficient_funds"
	outcomeWallet       = "wallet_unavailable"
	outcomeSettlement   = "settlement_failed"
	outcomeUnrecorded   = "unrecorded"
)

func (o *Orchestrator) run(ctx context.Context, order *storage.Order) (*storage.Order, string, error) {
	logger := o.logger.With("order_id", order.ID, "recipient", order.Recipient, "duration", order.Duration)

	req, err := o.delivery.RequestDelivery(ctx, order.Recipient, order.Duration)
	if err != nil {
		logger.Warn("gift delivery request failed", "error", err)
		return o.fail(ctx, order, outcomeDelivery, "delivery: "+err.Error())
	}
	logger = logger.With("delivery_ref", req.RequestRef, "pay_to", req.PaymentAddress, "ton_amount", req.Amount.String())

	balance, err := o.wallet.Balance(ctx)
	if err != nil {
		logger.Error("wallet balance unavailable", "error", err)
		return o.fail(ctx, order, outcomeWallet, "wallet: "+err.Error())
	}
	needed := req.Amount.Add(o.reserve)
	if balance.LessThan(needed) {
		logger.Error("wallet balance too low", "balance", balance.String(), "required", needed.String())
		return o.fail(ctx, order, outcomeInsufficient, insufficientReason(balance, needed))
	}

	if err := o.store.MarkSettlementAttempted(ctx, order.ID, req.RequestRef, o.now().UTC()); err != nil {
		return nil, outcomeUnrecorded, fmt.Errorf("mark settlement attempted for %s: %w", order.ID, err)
	}

	txID, err := o.wallet.SubmitPayment(ctx, req.PaymentAddress, req.Amount, req.Memo)
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			logger.Error("wallet rejected settlement", "error", err)
			return o.fail(ctx, order, outcomeInsufficient, "insufficient funds: "+err.Error())
		}
		logger.Error("settlement payment failed, verify on chain before refunding", "error", err)
		return o.fail(ctx, order, outcomeSettlement, "settlement: "+err.Error())
	}

	done, err := o.lifecycle.MarkCompleted(ctx, order.ID, txID)
	if err != nil {
		logger.Error("settlement sent but completion not recorded", "ton_tx", txID, "error", err)
		return nil, outcomeUnrecorded, fmt.Errorf("complete order %s after tx %s: %w", order.ID, txID, err)
	}
	logger.Info("order fulfilled", "ton_tx", txID)
	return done, outcomeCompleted, nil
}

func (o *Orchestrator) fail(ctx context.Context, order *storage.Order, outcome, reason string) (*storage.Order, string, error) {
	failed, err := o.lifecycle.MarkFailed(ctx, order.ID, reason)
	if err != nil {
		return nil, outcomeUnrecorded, fmt.Errorf("fail order %s (%s): %w", order.ID, reason, err)
	}
	return failed, outcome, nil
}

func insufficientReason(balance, required decimal.Decimal) string {
	return fmt.Sprintf("insufficient funds: balance %s TON, required %s TON", balance.String(), required.String())
}
