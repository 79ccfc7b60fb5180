package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Panda-1024/premium-bot/services/payments/internal/chain"
	"github.com/Panda-1024/premium-bot/services/payments/internal/notify"
	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
	"github.com/shopspring/decimal"
)

type MatchStore interface {
	FindPendingByAmount(ctx context.Context, amount decimal.Decimal, now time.Time) (*storage.Order, error)
	GetOrderByPayment(ctx context.Context, txID string, eventIndex int) (*storage.Order, error)
}

type Payer interface {
	MarkPaid(ctx context.Context, orderID, paymentTxID string, eventIndex int) (*storage.Order, error)
}

// alertMemory is the number of unmatched transfers remembered so a replayed
// block does not page operators twice.
const alertMemory = 1024

// Fulfiller delivers a paid order. It returns the order in its final state.
type Fulfiller interface {
	Fulfill(ctx context.Context, order *storage.Order) (*storage.Order, error)
}

type Matcher struct {
	store     MatchStore
	payer     Payer
	fulfiller Fulfiller
	notifier  notify.Notifier
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time

	mu         sync.Mutex
	alerted    map[string]struct{}
	alertOrder []string
}

func NewMatcher(store MatchStore, payer Payer, fulfiller Fulfiller, notifier notify.Notifier, logger *slog.Logger, metrics *Metrics) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Matcher{
		store:     store,
		payer:     payer,
		fulfiller: fulfiller,
		notifier:  notifier,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		alerted:   make(map[string]struct{}),
	}
}

func (m *Matcher) WithClock(now func() time.Time) *Matcher {
	if now != nil {
		m.now = now
	}
	return m
}

// Match pairs a transfer with the newest live pending order of exactly the
// same amount, marks it paid and runs fulfillment to completion. A nil
// order with a nil error means the transfer matched nothing. Errors are
// infrastructure failures and the caller should retry the transfer later.
func (m *Matcher) Match(ctx context.Context, tr chain.Transfer) (*storage.Order, error) {
	if existing, err := m.store.GetOrderByPayment(ctx, tr.TxID, tr.EventIndex); err == nil {
		m.metrics.transfer("replayed")
		m.logger.Info("transfer already applied", "tx_id", tr.TxID, "event_index", tr.EventIndex, "order_id", existing.ID, "block", tr.Height)
		return nil, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup tx %s#%d: %w", tr.TxID, tr.EventIndex, err)
	}

	order, err := m.store.FindPendingByAmount(ctx, tr.Amount, m.now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.unmatched(ctx, tr, "unmatched")
			return nil, nil
		}
		return nil, fmt.Errorf("find order for %s at block %d: %w", tr.Amount.String(), tr.Height, err)
	}

	paid, err := m.payer.MarkPaid(ctx, order.ID, tr.TxID, tr.EventIndex)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			m.logger.Warn("matched order no longer payable", "order_id", order.ID, "tx_id", tr.TxID, "error", err)
			m.unmatched(ctx, tr, "lost_race")
			return nil, nil
		}
		return nil, fmt.Errorf("mark order %s paid: %w", order.ID, err)
	}
	m.metrics.transfer("matched")
	m.logger.Info("transfer matched", "order_id", paid.ID, "tx_id", tr.TxID, "amount", tr.Amount.String(), "block", tr.Height)

	if m.fulfiller == nil {
		return paid, nil
	}
	// The order is paid; delivery must run to the end even if the tick that
	// found the payment is being cancelled.
	final, err := m.fulfiller.Fulfill(context.WithoutCancel(ctx), paid)
	if err != nil {
		m.logger.Error("fulfillment did not record an outcome", "order_id", paid.ID, "error", err)
		return paid, nil
	}
	return final, nil
}

func (m *Matcher) unmatched(ctx context.Context, tr chain.Transfer, outcome string) {
	m.metrics.transfer(outcome)
	m.logger.Warn("unmatched transfer", "tx_id", tr.TxID, "event_index", tr.EventIndex, "amount", tr.Amount.String(), "from", tr.From, "block", tr.Height)
	if !m.firstAlert(fmt.Sprintf("%s#%d", tr.TxID, tr.EventIndex)) {
		return
	}
	m.notifier.NotifyAdmins(ctx, fmt.Sprintf(
		"Unmatched USDT transfer: %s from %s, tx %s, block %d.", tr.Amount.String(), tr.From, tr.TxID, tr.Height))
}

// firstAlert reports whether key has not been alerted yet and remembers it,
// forgetting the oldest key beyond alertMemory.
func (m *Matcher) firstAlert(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.alerted[key]; seen {
		return false
	}
	m.alerted[key] = struct{}{}
	m.alertOrder = append(m.alertOrder, key)
	if len(m.alertOrder) > alertMemory {
		delete(m.alerted, m.alertOrder[0])
		m.alertOrder = m.alertOrder[1:]
	}
	return true
}
