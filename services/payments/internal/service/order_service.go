package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Panda-1024/premium-bot/services/payments/internal/amount"
	"github.com/Panda-1024/premium-bot/services/payments/internal/chain"
	"github.com/Panda-1024/premium-bot/services/payments/internal/rate"
	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
	"github.com/Panda-1024/premium-bot/services/payments/internal/validation"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNoTier               = errors.New("no active price tier for duration")
	ErrAddressUnconfigured  = errors.New("settlement address not configured")
	ErrUserBanned           = errors.New("user is banned")
	ErrRateLimited          = errors.New("too many orders")
	ErrNotRefundable        = errors.New("order is not refundable")
	ErrSettlementUnverified = errors.New("settlement was attempted; verify on chain before refunding")
	ErrForbidden            = errors.New("admin rights required")
)

const problemOrdersLimit = 100

type OrderStore interface {
	EnsureUser(ctx context.Context, id int64, handle string, now time.Time) (*storage.User, error)
	GetUser(ctx context.Context, id int64) (*storage.User, error)
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	CreateOrder(ctx context.Context, in storage.NewOrder, allocate storage.AllocateFunc) (*storage.Order, error)
	GetOrder(ctx context.Context, id string) (*storage.Order, error)
	ListOrders(ctx context.Context, filter storage.OrderFilter) ([]storage.Order, int, error)
	ListProblemOrders(ctx context.Context, staleBefore time.Time, limit int) ([]storage.Order, error)
	OrderStats(ctx context.Context, userID int64) (*storage.OrderStats, error)
}

type TierSource interface {
	Get(duration int) (storage.PriceTier, bool)
	All() []storage.PriceTier
}

type Lifecycle interface {
	Refund(ctx context.Context, orderID, reason string) (*storage.Order, error)
	CompleteManually(ctx context.Context, orderID, fulfillmentTxID string) (*storage.Order, error)
}

type Config struct {
	DefaultTimeout time.Duration
	// StaleAfter is how long a pending order may sit past its deadline, or a
	// paid order without an outcome, before it shows up as a problem.
	StaleAfter time.Duration
}

type OrderService struct {
	store     OrderStore
	tiers     TierSource
	allocator *amount.Allocator
	lifecycle Lifecycle
	limiter   rate.Limiter
	logger    *slog.Logger
	metrics   *Metrics
	cfg       Config
	now       func() time.Time
}

type CreateOrderInput struct {
	UserID int64
	// Username is the caller's own handle; it becomes the recipient when
	// none is given.
	Username  string
	Recipient string
	Duration  int
}

type ListOrdersInput struct {
	UserID   int64
	Status   string
	Page     int
	PageSize int
}

type RefundInput struct {
	ActorID int64
	OrderID string
	Reason  string
	Force   bool
}

type CompleteInput struct {
	ActorID         int64
	OrderID         string
	FulfillmentTxID string
}

// TierQuote is a price tier with the amount a buyer starts from.
type TierQuote struct {
	Duration    int
	Price       decimal.Decimal
	DiscountPct decimal.Decimal
	BaseAmount  decimal.Decimal
	Description string
}

func NewOrderService(store OrderStore, tiers TierSource, allocator *amount.Allocator, lifecycle Lifecycle, limiter rate.Limiter, logger *slog.Logger, metrics *Metrics, cfg Config) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	if allocator == nil {
		allocator = amount.NewAllocator(amount.DefaultMaxAttempts)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	return &OrderService{
		store:     store,
		tiers:     tiers,
		allocator: allocator,
		lifecycle: lifecycle,
		limiter:   limiter,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *OrderService) WithClock(now func() time.Time) *OrderService {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateOrder reserves a unique payment amount for the chosen tier and
// opens the payment window.
func (s *OrderService) CreateOrder(ctx context.Context, input CreateOrderInput) (*storage.Order, error) {
	start := time.Now()
	order, err := s.createOrder(ctx, input)
	s.metrics.observeCreate(createStatus(err), time.Since(start))
	return order, err
}

func (s *OrderService) createOrder(ctx context.Context, input CreateOrderInput) (*storage.Order, error) {
	now := s.now().UTC()
	recipient := validation.NormalizeRecipient(input.Recipient)
	if recipient == "" {
		recipient = validation.NormalizeRecipient(input.Username)
	}
	if errs := validation.ValidateOrderRequest(recipient, input.Duration); len(errs) > 0 {
		return nil, errs
	}

	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(ctx, "user:"+strconv.FormatInt(input.UserID, 10), now)
		if err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: retry in %s", ErrRateLimited, retryAfter.Round(time.Second))
		}
	}

	user, err := s.store.EnsureUser(ctx, input.UserID, input.Username, now)
	if err != nil {
		return nil, fmt.Errorf("ensure user %d: %w", input.UserID, err)
	}
	if user.Status == storage.UserStatusBanned {
		return nil, ErrUserBanned
	}

	tier, ok := s.tiers.Get(input.Duration)
	if !ok {
		return nil, fmt.Errorf("%w: %d months", ErrNoTier, input.Duration)
	}

	address, err := s.setting(ctx, storage.SettingSettlementAddress)
	if err != nil {
		return nil, err
	}
	if address == "" {
		return nil, ErrAddressUnconfigured
	}
	timeout, err := s.paymentTimeout(ctx)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("order id: %w", err)
	}
	base := amount.BaseAmount(tier.Price, tier.DiscountPct)
	attempts := 0
	order, err := s.store.CreateOrder(ctx, storage.NewOrder{
		ID:             id.String(),
		UserID:         input.UserID,
		Recipient:      recipient,
		Duration:       input.Duration,
		PaymentAddress: address,
		Timeout:        timeout,
		Now:            now,
	}, func(ctx context.Context, q storage.AmountChecker, at time.Time) (decimal.Decimal, error) {
		amt, n, err := s.allocator.Allocate(ctx, q, base, at)
		attempts = n
		return amt, err
	})
	s.metrics.observeAttempts(attempts)
	if err != nil {
		return nil, fmt.Errorf("create order for user %d: %w", input.UserID, err)
	}

	s.logger.Info("order created",
		"order_id", order.ID,
		"user_id", order.UserID,
		"recipient", order.Recipient,
		"duration", order.Duration,
		"amount", order.Amount.StringFixed(3),
		"expire_at", order.ExpireAt,
	)
	return order, nil
}

// GetOrder returns an order to its owner or to an admin. Anyone else gets
// storage.ErrNotFound.
func (s *OrderService) GetOrder(ctx context.Context, userID int64, orderID string) (*storage.Order, error) {
	order, err := s.store.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, err
	}
	if order.UserID == userID {
		return order, nil
	}
	if err := s.requireAdmin(ctx, userID); err != nil {
		return nil, storage.ErrNotFound
	}
	return order, nil
}

func (s *OrderService) ListOrders(ctx context.Context, input ListOrdersInput) ([]storage.Order, int, error) {
	status, err := validation.NormalizeStatus(input.Status)
	if err != nil {
		return nil, 0, err
	}
	return s.store.ListOrders(ctx, storage.OrderFilter{
		UserID:   input.UserID,
		Status:   status,
		Page:     input.Page,
		PageSize: input.PageSize,
	})
}

func (s *OrderService) ListTiers() []TierQuote {
	tiers := s.tiers.All()
	out := make([]TierQuote, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, TierQuote{
			Duration:    t.Duration,
			Price:       t.Price,
			DiscountPct: t.DiscountPct,
			BaseAmount:  amount.BaseAmount(t.Price, t.DiscountPct),
			Description: t.Description,
		})
	}
	return out
}

// RefundOrder marks a paid, completed or failed order refunded. The money
// itself is returned by an operator outside this service. When a settlement
// payment may already have left the wallet the caller must pass Force.
func (s *OrderService) RefundOrder(ctx context.Context, input RefundInput) (*storage.Order, error) {
	if err := s.requireAdmin(ctx, input.ActorID); err != nil {
		return nil, err
	}
	order, err := s.store.GetOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case storage.OrderStatusPaid, storage.OrderStatusFailed:
		if order.SettlementAttempted && !input.Force {
			return nil, fmt.Errorf("%w: order %s (%s)", ErrSettlementUnverified, order.ID, order.FailureReason)
		}
	case storage.OrderStatusCompleted:
	default:
		return nil, fmt.Errorf("%w: order %s is %s", ErrNotRefundable, order.ID, order.Status)
	}

	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		reason = "refunded by admin"
	}
	refunded, err := s.lifecycle.Refund(ctx, order.ID, fmt.Sprintf("%s (admin %d)", reason, input.ActorID))
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %v", ErrNotRefundable, err)
		}
		return nil, err
	}
	s.metrics.admin("refund")
	return refunded, nil
}

// CompleteOrder records a delivery an operator finished by hand. It applies
// to failed orders and to paid orders that automatic fulfillment never
// closed.
func (s *OrderService) CompleteOrder(ctx context.Context, input CompleteInput) (*storage.Order, error) {
	if err := s.requireAdmin(ctx, input.ActorID); err != nil {
		return nil, err
	}
	txID := strings.TrimSpace(input.FulfillmentTxID)
	if txID == "" {
		return nil, validation.ValidationErrors{{Field: "fulfillment_tx_id", Message: "fulfillment_tx_id is required"}}
	}
	done, err := s.lifecycle.CompleteManually(ctx, input.OrderID, txID)
	if err != nil {
		return nil, err
	}
	s.metrics.admin("complete")
	return done, nil
}

// ProblemOrders lists failed orders, paid orders stuck without an outcome
// and pending orders the sweeper should have expired long ago.
func (s *OrderService) ProblemOrders(ctx context.Context, actorID int64) ([]storage.Order, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	return s.store.ListProblemOrders(ctx, s.now().UTC().Add(-s.cfg.StaleAfter), problemOrdersLimit)
}

// OrderStats summarises the caller's own orders by status.
func (s *OrderService) OrderStats(ctx context.Context, userID int64) (*storage.OrderStats, error) {
	stats, err := s.store.OrderStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("order stats for %d: %w", userID, err)
	}
	return stats, nil
}

func (s *OrderService) SetSettlementAddress(ctx context.Context, actorID int64, address string) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	address = strings.TrimSpace(address)
	if err := chain.ValidateBase58(address); err != nil {
		return validation.ValidationErrors{{Field: "address", Message: err.Error()}}
	}
	if err := s.store.SetSetting(ctx, storage.SettingSettlementAddress, address); err != nil {
		return fmt.Errorf("save settlement address: %w", err)
	}
	s.metrics.admin("settlement_address")
	s.logger.Info("settlement address updated", "admin_id", actorID, "address", address)
	return nil
}

func (s *OrderService) requireAdmin(ctx context.Context, userID int64) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrForbidden
		}
		return err
	}
	if !user.IsAdmin || user.Status == storage.UserStatusBanned {
		return ErrForbidden
	}
	return nil
}

func (s *OrderService) setting(ctx context.Context, key string) (string, error) {
	v, err := s.store.GetSetting(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}
	return strings.TrimSpace(v), nil
}

func (s *OrderService) paymentTimeout(ctx context.Context) (time.Duration, error) {
	raw, err := s.setting(ctx, storage.SettingPaymentTimeout)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return s.cfg.DefaultTimeout, nil
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		s.logger.Warn("ignoring invalid payment timeout setting", "value", raw)
		return s.cfg.DefaultTimeout, nil
	}
	return time.Duration(minutes) * time.Minute, nil
}

func createStatus(err error) string {
	var verrs validation.ValidationErrors
	switch {
	case err == nil:
		return "created"
	case errors.As(err, &verrs):
		return "invalid"
	case errors.Is(err, ErrNoTier):
		return "no_tier"
	case errors.Is(err, ErrAddressUnconfigured):
		return "address_unconfigured"
	case errors.Is(err, ErrUserBanned):
		return "banned"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, amount.ErrAmountExhausted):
		return "exhausted"
	default:
		return "error"
	}
}
