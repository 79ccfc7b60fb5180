package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusCompleted = "completed"
	OrderStatusFailed    = "failed"
	OrderStatusExpired   = "expired"
	OrderStatusRefunded  = "refunded"
)

const (
	UserStatusActive = "active"
	UserStatusBanned = "banned"
)

// Keys of the settings table.
const (
	SettingSettlementAddress = "settlement_address"
	SettingPaymentTimeout    = "payment_timeout_minutes"
	SettingLastCheckedBlock  = "last_checked_block"
)

type Order struct {
	ID                  string
	UserID              int64
	Recipient           string
	Duration            int
	Amount              decimal.Decimal
	PaymentAddress      string
	Status              string
	PaymentTxID         string
	PaymentEventIndex   int
	FulfillmentTxID     string
	DeliveryRef         string
	SettlementAttempted bool
	FailureReason       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ExpireAt            time.Time
	CompletedAt         *time.Time
	RefundedAt          *time.Time
}

// Live reports whether a pending order can still be paid at now.
func (o *Order) Live(now time.Time) bool {
	return o.Status == OrderStatusPending && o.ExpireAt.After(now)
}

type User struct {
	ID              int64
	Handle          string
	IsPremium       bool
	PremiumExpireAt *time.Time
	IsAdmin         bool
	Status          string
	CreatedAt       time.Time
	LastActivityAt  time.Time
}

type PriceTier struct {
	Duration    int
	Price       decimal.Decimal
	DiscountPct decimal.Decimal
	Active      bool
	Description string
}

// NewOrder is the caller supplied part of an order; the store assigns the
// amount, status and timestamps.
type NewOrder struct {
	ID             string
	UserID         int64
	Recipient      string
	Duration       int
	PaymentAddress string
	Timeout        time.Duration
	Now            time.Time
}

type StatusStats struct {
	Count  int
	Amount decimal.Decimal
}

// OrderStats aggregates one user's orders by status.
type OrderStats struct {
	ByStatus map[string]StatusStats
	Total    int
}

type OrderFilter struct {
	UserID   int64
	Status   string
	Page     int
	PageSize int
}

// Transition describes one conditional status change. The update applies
// only when the current status is one of From. RequireLive additionally
// demands expire_at > Now, RequireExpired demands expire_at <= Now.
type Transition struct {
	OrderID        string
	From           []string
	To             string
	Now            time.Time
	RequireLive    bool
	RequireExpired bool

	// A payment is identified by its transaction id and the index of the
	// Transfer event inside it; one transaction may pay several orders.
	PaymentTxID       string
	PaymentEventIndex int
	FulfillmentTxID   string
	FailureReason     string
}

func clampPage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return page, size
}
