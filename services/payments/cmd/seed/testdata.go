package main

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
)

const (
	buyerID  int64 = 1001
	bannedID int64 = 1002
)

func seedTestData(ctx context.Context, pool *pgxpool.Pool, store *storage.Store) error {
	now := time.Now()

	if _, err := store.EnsureUser(ctx, buyerID, "premium_buyer", now); err != nil {
		return err
	}
	if _, err := store.EnsureUser(ctx, bannedID, "banned_buyer", now); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `UPDATE users SET status = $2 WHERE id = $1`, bannedID, storage.UserStatusBanned); err != nil {
		return err
	}

	const expiredOrderID = "00000000-0000-7000-8000-000000000001"
	if _, err := store.GetOrder(ctx, expiredOrderID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	// A window that closed an hour ago, left pending for the sweeper.
	createdAt := now.Add(-90 * time.Minute)
	_, err := store.CreateOrder(ctx, storage.NewOrder{
		ID:             expiredOrderID,
		UserID:         buyerID,
		Recipient:      "premium_buyer",
		Duration:       3,
		PaymentAddress: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
		Timeout:        30 * time.Minute,
		Now:            createdAt,
	}, func(context.Context, storage.AmountChecker, time.Time) (decimal.Decimal, error) {
		return decimal.RequireFromString("14.999"), nil
	})
	return err
}
