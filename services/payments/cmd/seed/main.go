package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Panda-1024/premium-bot/services/payments/internal/chain"
	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
)

func main() {
	env := getEnv("PREMIUM_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: PREMIUM_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "premium")
	user := getEnv("POSTGRES_USER", "premium")
	password := getEnv("POSTGRES_PASSWORD", "premium")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	store := storage.New(pool)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedTiers(ctx, store); err != nil {
		log.Fatalf("seed tiers: %v", err)
	}
	fmt.Println("✓ Price tiers seeded")

	address := getEnv("SEED_SETTLEMENT_ADDRESS", "")
	if err := seedSettings(ctx, store, address); err != nil {
		log.Fatalf("seed settings: %v", err)
	}
	fmt.Println("✓ Settings seeded")

	admins, err := parseIDs(getEnv("SEED_ADMIN_IDS", "1"))
	if err != nil {
		log.Fatalf("parse SEED_ADMIN_IDS: %v", err)
	}
	if err := seedAdmins(ctx, pool, store, admins); err != nil {
		log.Fatalf("seed admins: %v", err)
	}
	fmt.Println("✓ Admins seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool, store); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("  Admins: %v\n", admins)
	if address == "" {
		fmt.Println("  Settlement address not set; orders are refused until an admin sets one.")
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func seedTiers(ctx context.Context, store *storage.Store) error {
	tiers := []storage.PriceTier{
		{Duration: 3, Price: decimal.RequireFromString("14"), Description: "3 months of Telegram Premium"},
		{Duration: 6, Price: decimal.RequireFromString("22"), Description: "6 months of Telegram Premium"},
		{Duration: 12, Price: decimal.RequireFromString("40"), Description: "12 months of Telegram Premium"},
	}
	for _, tier := range tiers {
		tier.Active = true
		tier.DiscountPct = decimal.Zero
		if err := store.UpsertTier(ctx, tier); err != nil {
			return fmt.Errorf("tier %d: %w", tier.Duration, err)
		}
	}
	return nil
}

func seedSettings(ctx context.Context, store *storage.Store, address string) error {
	if err := store.SetSetting(ctx, storage.SettingPaymentTimeout, "30"); err != nil {
		return err
	}
	if address == "" {
		return nil
	}
	if err := chain.ValidateBase58(address); err != nil {
		return fmt.Errorf("settlement address: %w", err)
	}
	return store.SetSetting(ctx, storage.SettingSettlementAddress, address)
}

func seedAdmins(ctx context.Context, pool *pgxpool.Pool, store *storage.Store, ids []int64) error {
	now := time.Now()
	for _, id := range ids {
		if _, err := store.EnsureUser(ctx, id, "", now); err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, `UPDATE users SET is_admin = TRUE WHERE id = $1`, id); err != nil {
			return err
		}
	}
	return nil
}
