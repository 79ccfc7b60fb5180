package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps all state in process. It backs local runs without
// Postgres and the package level tests of the engine.
type MemoryStore struct {
	mu       sync.Mutex
	orders   map[string]*Order
	users    map[int64]*User
	tiers    map[int]PriceTier
	settings map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		users:    make(map[int64]*User),
		tiers:    make(map[int]PriceTier),
		settings: make(map[string]string),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateOrder(ctx context.Context, in NewOrder, allocate AllocateFunc) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[in.ID]; ok {
		return nil, fmt.Errorf("order %s already exists", in.ID)
	}
	now := in.Now.UTC()
	amount, err := allocate(ctx, memoryChecker{s: s}, now)
	if err != nil {
		return nil, err
	}
	order := &Order{
		ID:             in.ID,
		UserID:         in.UserID,
		Recipient:      in.Recipient,
		Duration:       in.Duration,
		Amount:         amount.Round(3),
		PaymentAddress: in.PaymentAddress,
		Status:         OrderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpireAt:       now.Add(in.Timeout),
	}
	s.orders[order.ID] = order
	return cloneOrder(order), nil
}

type memoryChecker struct {
	s *MemoryStore
}

// AmountInUse runs with s.mu already held by CreateOrder.
func (c memoryChecker) AmountInUse(_ context.Context, amount decimal.Decimal, now time.Time) (bool, error) {
	for _, o := range c.s.orders {
		if o.Live(now) && o.Amount.Equal(amount) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) ListOrders(_ context.Context, filter OrderFilter) ([]Order, int, error) {
	page, size := clampPage(filter.Page, filter.PageSize)

	s.mu.Lock()
	matched := s.collect(func(o *Order) bool {
		if filter.UserID != 0 && o.UserID != filter.UserID {
			return false
		}
		return filter.Status == "" || o.Status == filter.Status
	})
	s.mu.Unlock()

	sortNewestFirst(matched)
	total := len(matched)
	start := (page - 1) * size
	if start >= total {
		return []Order{}, total, nil
	}
	end := min(start+size, total)
	return matched[start:end], total, nil
}

func (s *MemoryStore) FindPendingByAmount(_ context.Context, amount decimal.Decimal, now time.Time) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Order
	for _, o := range s.orders {
		if !o.Live(now) || !o.Amount.Equal(amount) {
			continue
		}
		if best == nil || o.CreatedAt.After(best.CreatedAt) {
			best = o
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneOrder(best), nil
}

func (s *MemoryStore) GetOrderByPayment(_ context.Context, txID string, eventIndex int) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txID == "" {
		return nil, ErrNotFound
	}
	for _, o := range s.orders {
		if o.PaymentTxID == txID && o.PaymentEventIndex == eventIndex {
			return cloneOrder(o), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]Order, error) {
	s.mu.Lock()
	out := s.collect(func(o *Order) bool {
		return o.Status == OrderStatusPending && o.ExpireAt.Before(now)
	})
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpireAt.Before(out[j].ExpireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListProblemOrders(_ context.Context, staleBefore time.Time, limit int) ([]Order, error) {
	s.mu.Lock()
	out := s.collect(func(o *Order) bool {
		switch o.Status {
		case OrderStatusFailed:
			return true
		case OrderStatusPending:
			return o.ExpireAt.Before(staleBefore)
		case OrderStatusPaid:
			return o.UpdatedAt.Before(staleBefore)
		}
		return false
	})
	s.mu.Unlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) OrderStats(_ context.Context, userID int64) (*OrderStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &OrderStats{ByStatus: make(map[string]StatusStats)}
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		st := stats.ByStatus[o.Status]
		st.Count++
		st.Amount = st.Amount.Add(o.Amount)
		stats.ByStatus[o.Status] = st
		stats.Total++
	}
	return stats, nil
}

func (s *MemoryStore) Transition(_ context.Context, t Transition) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[t.OrderID]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(t.From, o.Status) ||
		(t.RequireLive && !o.ExpireAt.After(t.Now)) ||
		(t.RequireExpired && o.ExpireAt.After(t.Now)) {
		return nil, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, o.ID, o.Status)
	}
	if t.PaymentTxID != "" {
		for _, other := range s.orders {
			if other.ID != o.ID && other.PaymentTxID == t.PaymentTxID && other.PaymentEventIndex == t.PaymentEventIndex {
				return nil, fmt.Errorf("%w: payment %s#%d already applied", ErrInvalidTransition, t.PaymentTxID, t.PaymentEventIndex)
			}
		}
		o.PaymentTxID = t.PaymentTxID
		o.PaymentEventIndex = t.PaymentEventIndex
	}
	if t.FulfillmentTxID != "" {
		o.FulfillmentTxID = t.FulfillmentTxID
	}
	if t.FailureReason != "" {
		o.FailureReason = t.FailureReason
	}

	now := t.Now.UTC()
	o.Status = t.To
	o.UpdatedAt = now
	switch t.To {
	case OrderStatusCompleted:
		o.CompletedAt = &now
	case OrderStatusRefunded:
		o.RefundedAt = &now
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) MarkSettlementAttempted(_ context.Context, orderID, deliveryRef string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if o.Status != OrderStatusPaid {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, o.ID, o.Status)
	}
	o.SettlementAttempted = true
	o.DeliveryRef = deliveryRef
	o.UpdatedAt = now.UTC()
	return nil
}

func (s *MemoryStore) EnsureUser(_ context.Context, id int64, handle string, now time.Time) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	u, ok := s.users[id]
	if !ok {
		u = &User{ID: id, Status: UserStatusActive, CreatedAt: now.UTC()}
		s.users[id] = u
	}
	if handle != "" {
		u.Handle = handle
	}
	u.LastActivityAt = now.UTC()
	out := *u
	return &out, nil
}

// PutUser replaces a user record wholesale. Used by tests and the seed path.
func (s *MemoryStore) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	s.users[u.ID] = &u
}

func (s *MemoryStore) GetUser(_ context.Context, id int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

func (s *MemoryStore) ListAdminIDs(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, u := range s.users {
		if u.IsAdmin {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *MemoryStore) RecomputePremium(_ context.Context, userID int64, now time.Time) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	var expire *time.Time
	for _, o := range s.orders {
		if o.UserID != userID || o.Status != OrderStatusCompleted || o.CompletedAt == nil {
			continue
		}
		if u.Handle == "" || !strings.EqualFold(o.Recipient, u.Handle) {
			continue
		}
		end := o.CompletedAt.AddDate(0, o.Duration, 0)
		if expire == nil || end.After(*expire) {
			expire = &end
		}
	}
	u.PremiumExpireAt = expire
	u.IsPremium = expire != nil && expire.After(now)
	out := *u
	return &out, nil
}

func (s *MemoryStore) ListActiveTiers(context.Context) ([]PriceTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PriceTier
	for _, t := range s.tiers {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration < out[j].Duration })
	return out, nil
}

func (s *MemoryStore) UpsertTier(_ context.Context, tier PriceTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[tier.Duration] = tier
	return nil
}

func (s *MemoryStore) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *MemoryStore) LoadCursor(context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[SettingLastCheckedBlock]
	if !ok {
		return 0, false, nil
	}
	height, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cursor %q: %w", v, err)
	}
	return height, true, nil
}

func (s *MemoryStore) SaveCursor(_ context.Context, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.settings[SettingLastCheckedBlock]; ok {
		if current, err := strconv.ParseInt(v, 10, 64); err == nil && current >= height {
			return nil
		}
	}
	s.settings[SettingLastCheckedBlock] = strconv.FormatInt(height, 10)
	return nil
}

func (s *MemoryStore) collect(keep func(*Order) bool) []Order {
	var out []Order
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, *cloneOrder(o))
		}
	}
	return out
}

func sortNewestFirst(orders []Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

func cloneOrder(o *Order) *Order {
	c := *o
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	if o.RefundedAt != nil {
		t := *o.RefundedAt
		c.RefundedAt = &t
	}
	return &c
}
