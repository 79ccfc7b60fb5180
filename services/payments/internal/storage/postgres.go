package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// amountLockKey serializes amount allocation across every writer of the
// orders table.
const amountLockKey = "premium:order-amounts"

//go:embed schema.sql
var schemaSQL string

const orderColumns = `id, user_id, recipient, duration, amount::text, payment_address, status, payment_tx_id, payment_event_index, fulfillment_tx_id, delivery_ref, settlement_attempted, failure_reason, created_at, updated_at, expire_at, completed_at, refunded_at`

const userColumns = `id, handle, is_premium, premium_expire_at, is_admin, status, created_at, last_activity_at`

// AmountChecker answers whether an amount is held by a live pending order.
type AmountChecker interface {
	AmountInUse(ctx context.Context, amount decimal.Decimal, now time.Time) (bool, error)
}

// AllocateFunc picks the order amount while the store holds the allocation
// lock.
type AllocateFunc func(ctx context.Context, q AmountChecker, now time.Time) (decimal.Decimal, error)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateOrder allocates an amount and inserts the pending order in one
// transaction guarded by an advisory lock, so two concurrent creations
// can never observe the same free amount.
func (s *Store) CreateOrder(ctx context.Context, in NewOrder, allocate AllocateFunc) (*Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, amountLockKey); err != nil {
		return nil, fmt.Errorf("lock amounts: %w", err)
	}

	now := in.Now.UTC()
	amount, err := allocate(ctx, txChecker{tx: tx}, now)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO orders (id, user_id, recipient, duration, amount, payment_address, status, created_at, updated_at, expire_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9)
		RETURNING `+orderColumns,
		in.ID, in.UserID, in.Recipient, in.Duration, amount.StringFixed(3), in.PaymentAddress, OrderStatusPending, now, now.Add(in.Timeout))
	order, err := scanOrderRow(row)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return order, nil
}

type txChecker struct {
	tx pgx.Tx
}

func (c txChecker) AmountInUse(ctx context.Context, amount decimal.Decimal, now time.Time) (bool, error) {
	var exists bool
	err := c.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE status = 'pending' AND amount = $1::numeric AND expire_at > $2
		)
	`, amount.String(), now).Scan(&exists)
	return exists, err
}

func (s *Store) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, int, error) {
	page, size := clampPage(filter.Page, filter.PageSize)

	where := " WHERE 1=1"
	args := []any{}
	idx := 1
	if filter.UserID != 0 {
		where += fmt.Sprintf(" AND user_id = $%d", idx)
		args = append(args, filter.UserID)
		idx++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + orderColumns + ` FROM orders` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, size, (page-1)*size)

	orders, err := s.queryOrders(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// FindPendingByAmount returns the newest live pending order carrying amount.
func (s *Store) FindPendingByAmount(ctx context.Context, amount decimal.Decimal, now time.Time) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'pending' AND amount = $1::numeric AND expire_at > $2
		ORDER BY created_at DESC
		LIMIT 1
	`, amount.String(), now)
	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) GetOrderByPayment(ctx context.Context, txID string, eventIndex int) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE payment_tx_id = $1 AND payment_event_index = $2 AND payment_tx_id <> ''
	`, txID, eventIndex)
	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'pending' AND expire_at < $1
		ORDER BY expire_at
		LIMIT $2
	`, now, limit)
}

// ListProblemOrders returns failed orders, pending orders whose payment
// window closed before staleBefore and paid orders untouched since then.
func (s *Store) ListProblemOrders(ctx context.Context, staleBefore time.Time, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'failed'
			OR (status = 'pending' AND expire_at < $1)
			OR (status = 'paid' AND updated_at < $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, staleBefore, limit)
}

func (s *Store) OrderStats(ctx context.Context, userID int64) (*OrderStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0)::text
		FROM orders
		WHERE user_id = $1
		GROUP BY status
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &OrderStats{ByStatus: make(map[string]StatusStats)}
	for rows.Next() {
		var status, sum string
		var count int
		if err := rows.Scan(&status, &count, &sum); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(sum)
		if err != nil {
			return nil, fmt.Errorf("parse %s total: %w", status, err)
		}
		stats.ByStatus[status] = StatusStats{Count: count, Amount: amount}
		stats.Total += count
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return stats, nil
}

func (s *Store) Transition(ctx context.Context, t Transition) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $2::text,
			updated_at = $3,
			payment_tx_id = CASE WHEN $4::text <> '' THEN $4::text ELSE payment_tx_id END,
			payment_event_index = CASE WHEN $4::text <> '' THEN $10::int ELSE payment_event_index END,
			fulfillment_tx_id = CASE WHEN $5::text <> '' THEN $5::text ELSE fulfillment_tx_id END,
			failure_reason = CASE WHEN $6::text <> '' THEN $6::text ELSE failure_reason END,
			completed_at = CASE WHEN $2::text = 'completed' THEN $3 ELSE completed_at END,
			refunded_at = CASE WHEN $2::text = 'refunded' THEN $3 ELSE refunded_at END
		WHERE id = $1
			AND status = ANY($7::text[])
			AND (NOT $8::boolean OR expire_at > $3)
			AND (NOT $9::boolean OR expire_at <= $3)
		RETURNING `+orderColumns,
		t.OrderID, t.To, t.Now.UTC(), t.PaymentTxID, t.FulfillmentTxID, t.FailureReason, t.From, t.RequireLive, t.RequireExpired, t.PaymentEventIndex)

	order, err := scanOrderRow(row)
	if err == nil {
		return order, nil
	}
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: payment %s#%d already applied", ErrInvalidTransition, t.PaymentTxID, t.PaymentEventIndex)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return nil, s.missOrConflict(ctx, t.OrderID)
}

// MarkSettlementAttempted records that an outbound payment is about to be
// submitted for a paid order.
func (s *Store) MarkSettlementAttempted(ctx context.Context, orderID, deliveryRef string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET settlement_attempted = TRUE, delivery_ref = $2, updated_at = $3
		WHERE id = $1 AND status = 'paid'
	`, orderID, deliveryRef, now.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, orderID)
	}
	return nil
}

func (s *Store) missOrConflict(ctx context.Context, orderID string) error {
	var status string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, orderID, status)
}

func (s *Store) EnsureUser(ctx context.Context, id int64, handle string, now time.Time) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, handle, created_at, last_activity_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE
		SET handle = CASE WHEN EXCLUDED.handle <> '' THEN EXCLUDED.handle ELSE users.handle END,
			last_activity_at = EXCLUDED.last_activity_at
		RETURNING `+userColumns,
		id, strings.TrimPrefix(strings.TrimSpace(handle), "@"), now.UTC())
	return scanUserRow(row)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	user, err := scanUserRow(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

func (s *Store) ListAdminIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users WHERE is_admin ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecomputePremium derives the user's premium flag from completed orders
// gifted to their own handle.
func (s *Store) RecomputePremium(ctx context.Context, userID int64, now time.Time) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		WITH p AS (
			SELECT max(o.completed_at + make_interval(months => o.duration)) AS expire_at
			FROM orders o
			JOIN users u ON u.id = o.user_id
			WHERE o.user_id = $1
				AND o.status = 'completed'
				AND u.handle <> ''
				AND lower(o.recipient) = lower(u.handle)
		)
		UPDATE users
		SET premium_expire_at = p.expire_at,
			is_premium = COALESCE(p.expire_at > $2, FALSE)
		FROM p
		WHERE users.id = $1
		RETURNING users.id, users.handle, users.is_premium, users.premium_expire_at, users.is_admin, users.status, users.created_at, users.last_activity_at
	`, userID, now.UTC())
	user, err := scanUserRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

func (s *Store) ListActiveTiers(ctx context.Context) ([]PriceTier, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT duration, price::text, discount_pct::text, active, description
		FROM price_tiers
		WHERE active
		ORDER BY duration
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []PriceTier
	for rows.Next() {
		var tier PriceTier
		var price, discount string
		if err := rows.Scan(&tier.Duration, &price, &discount, &tier.Active, &tier.Description); err != nil {
			return nil, err
		}
		if tier.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if tier.DiscountPct, err = decimal.NewFromString(discount); err != nil {
			return nil, fmt.Errorf("parse discount: %w", err)
		}
		tiers = append(tiers, tier)
	}
	return tiers, rows.Err()
}

func (s *Store) UpsertTier(ctx context.Context, tier PriceTier) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO price_tiers (duration, price, discount_pct, active, description)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (duration) DO UPDATE
		SET price = EXCLUDED.price, discount_pct = EXCLUDED.discount_pct,
			active = EXCLUDED.active, description = EXCLUDED.description
	`, tier.Duration, tier.Price.StringFixed(2), tier.DiscountPct.StringFixed(2), tier.Active, tier.Description)
	return err
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	if err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value)
	return err
}

// LoadCursor returns the last fully processed ledger height.
func (s *Store) LoadCursor(ctx context.Context) (int64, bool, error) {
	value, err := s.GetSetting(ctx, SettingLastCheckedBlock)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cursor %q: %w", value, err)
	}
	return height, true, nil
}

// SaveCursor never moves the cursor backwards.
func (s *Store) SaveCursor(ctx context.Context, height int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		WHERE settings.value::bigint < EXCLUDED.value::bigint
	`, SettingLastCheckedBlock, strconv.FormatInt(height, 10))
	return err
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return orders, nil
}

func scanOrderRow(row pgx.Row) (*Order, error) {
	var order Order
	var amountStr string
	if err := row.Scan(&order.ID, &order.UserID, &order.Recipient, &order.Duration, &amountStr, &order.PaymentAddress, &order.Status,
		&order.PaymentTxID, &order.PaymentEventIndex, &order.FulfillmentTxID, &order.DeliveryRef, &order.SettlementAttempted, &order.FailureReason,
		&order.CreatedAt, &order.UpdatedAt, &order.ExpireAt, &order.CompletedAt, &order.RefundedAt); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	order.Amount = amount
	return &order, nil
}

func scanUserRow(row pgx.Row) (*User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Handle, &user.IsPremium, &user.PremiumExpireAt, &user.IsAdmin, &user.Status, &user.CreatedAt, &user.LastActivityAt); err != nil {
		return nil, err
	}
	return &user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
