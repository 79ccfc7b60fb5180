// Package monitor follows the settlement address on the ledger and feeds
// confirmed transfers to the matcher.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Panda-1024/premium-bot/libs/lock"
	"github.com/Panda-1024/premium-bot/services/payments/internal/chain"
	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
)

// ErrBusy is returned when another tick, here or on another replica, is
// still scanning.
var ErrBusy = errors.New("monitor tick already running")

const lockName = "ledger-monitor"

type Ledger interface {
	LatestHeight(ctx context.Context) (int64, error)
	TransferEvents(ctx context.Context, address string, height int64) ([]chain.Transfer, error)
}

type Store interface {
	LoadCursor(ctx context.Context) (int64, bool, error)
	SaveCursor(ctx context.Context, height int64) error
	GetSetting(ctx context.Context, key string) (string, error)
}

type Matcher interface {
	Match(ctx context.Context, tr chain.Transfer) (*storage.Order, error)
}

type AdminNotifier interface {
	NotifyAdmins(ctx context.Context, text string)
}

type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
}

type Config struct {
	Interval         time.Duration
	ConfirmationLag  int64
	MaxBlocksPerTick int
	LockTTL          time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.ConfirmationLag <= 0 {
		c.ConfirmationLag = 6
	}
	if c.MaxBlocksPerTick <= 0 {
		c.MaxBlocksPerTick = 5
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	return c
}

type Monitor struct {
	cfg     Config
	ledger  Ledger
	store   Store
	matcher Matcher
	locker  Locker
	alerts  AdminNotifier
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	mu      sync.Mutex

	// last block reported as undecodable; guarded by mu
	malformedBlock int64
}

func New(cfg Config, ledger Ledger, store Store, matcher Matcher, logger *slog.Logger, metrics *Metrics) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg.withDefaults(),
		ledger:  ledger,
		store:   store,
		matcher: matcher,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer("payments/monitor"),
	}
}

// WithLocker makes every tick also hold a shared lease so that only one
// replica scans the ledger at a time.
func (m *Monitor) WithLocker(locker Locker) *Monitor {
	m.locker = locker
	return m
}

// WithAlerts sends operators a notice when a block cannot be decoded and the
// scan is stuck on it.
func (m *Monitor) WithAlerts(alerts AdminNotifier) *Monitor {
	m.alerts = alerts
	return m
}

// Run ticks until ctx is cancelled. Errors are logged and the same block is
// retried on the next tick.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.logger.Info("ledger monitor started", "interval", m.cfg.Interval, "lag", m.cfg.ConfirmationLag)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("ledger monitor stopped")
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
				m.logger.Error("ledger monitor tick failed", "error", err)
			}
		}
	}
}

// Tick scans the next confirmed blocks past the cursor. The cursor only
// moves after every transfer of a block was handed to the matcher, so a
// failed tick replays the whole block next time.
func (m *Monitor) Tick(ctx context.Context) error {
	if !m.mu.TryLock() {
		m.metrics.tick("skipped")
		return ErrBusy
	}
	defer m.mu.Unlock()

	var lease *lock.Lease
	if m.locker != nil {
		var err error
		lease, err = m.locker.TryAcquire(ctx, lockName, m.cfg.LockTTL)
		if err != nil {
			m.metrics.tick("error")
			return fmt.Errorf("acquire monitor lease: %w", err)
		}
		if lease == nil {
			m.metrics.tick("skipped")
			return ErrBusy
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
				m.logger.Warn("release monitor lease", "error", err)
			}
		}()
	}

	ctx, span := m.tracer.Start(ctx, "monitor.tick")
	defer span.End()

	outcome, err := m.scan(ctx, span, lease)
	m.metrics.tick(outcome)
	span.SetAttributes(attribute.String("monitor.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *Monitor) scan(ctx context.Context, span trace.Span, lease *lock.Lease) (string, error) {
	latest, err := m.ledger.LatestHeight(ctx)
	if err != nil {
		return "error", fmt.Errorf("latest height: %w", err)
	}
	m.metrics.head(latest)

	cursor, ok, err := m.store.LoadCursor(ctx)
	if err != nil {
		return "error", fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		start := max(0, latest-m.cfg.ConfirmationLag)
		if err := m.store.SaveCursor(ctx, start); err != nil {
			return "error", fmt.Errorf("init cursor at %d: %w", start, err)
		}
		m.metrics.cursor(start, latest)
		m.logger.Info("ledger cursor initialised", "block", start, "latest", latest)
		return "initialised", nil
	}
	m.metrics.cursor(cursor, latest)

	address, err := m.store.GetSetting(ctx, storage.SettingSettlementAddress)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "error", fmt.Errorf("read settlement address: %w", err)
	}
	address = strings.TrimSpace(address)
	if address == "" {
		m.logger.Warn("settlement address not configured, skipping ledger scan")
		return "unconfigured", nil
	}

	scanned := 0
	for scanned < m.cfg.MaxBlocksPerTick {
		target := cursor + 1
		if target >= latest-m.cfg.ConfirmationLag {
			break
		}
		if err := m.processBlock(ctx, address, target); err != nil {
			span.SetAttributes(attribute.Int64("monitor.failed_block", target))
			return "error", err
		}
		if err := m.store.SaveCursor(ctx, target); err != nil {
			return "error", fmt.Errorf("save cursor %d: %w", target, err)
		}
		cursor = target
		scanned++
		m.metrics.block(cursor, latest)
		if lease != nil {
			if err := lease.Extend(ctx, m.cfg.LockTTL); err != nil {
				return "error", fmt.Errorf("extend monitor lease after block %d: %w", target, err)
			}
		}
	}
	span.SetAttributes(attribute.Int("monitor.blocks", scanned), attribute.Int64("monitor.cursor", cursor))
	if scanned == 0 {
		return "idle", nil
	}
	return "scanned", nil
}

func (m *Monitor) processBlock(ctx context.Context, address string, height int64) error {
	transfers, err := m.ledger.TransferEvents(ctx, address, height)
	if err != nil {
		if errors.Is(err, chain.ErrMalformedEvent) {
			m.reportMalformed(ctx, height, err)
		}
		return fmt.Errorf("transfers at block %d: %w", height, err)
	}
	for _, tr := range transfers {
		if _, err := m.matcher.Match(ctx, tr); err != nil {
			return fmt.Errorf("match tx %s at block %d: %w", tr.TxID, height, err)
		}
	}
	if len(transfers) > 0 {
		m.logger.Info("block processed", "block", height, "transfers", len(transfers))
	}
	return nil
}

func (m *Monitor) reportMalformed(ctx context.Context, height int64, err error) {
	if m.alerts == nil || m.malformedBlock == height {
		return
	}
	m.malformedBlock = height
	m.alerts.NotifyAdmins(ctx, fmt.Sprintf(
		"Ledger scan halted at block %d: %v. The block is retried every tick until it decodes.", height, err))
}
