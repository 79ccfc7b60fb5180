// Package wallet sends settlement payments from the operator's TON wallet.
package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	tonwallet "github.com/xssnick/tonutils-go/ton/wallet"
)

var ErrInsufficientFunds = errors.New("insufficient wallet balance")

const (
	MainnetConfigURL = "https://ton.org/global.config.json"
	TestnetConfigURL = "https://ton.org/testnet-global.config.json"
	nanoDecimals     = 9
)

type Config struct {
	ConfigURL string
	Mnemonic  string
}

type TON struct {
	api    ton.APIClientWrapped
	wallet *tonwallet.Wallet
	logger *slog.Logger
}

// Dial connects to the lite server pool and opens a v4r2 wallet derived
// from the mnemonic.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*TON, error) {
	if logger == nil {
		logger = slog.Default()
	}
	words := strings.Fields(cfg.Mnemonic)
	if len(words) == 0 {
		return nil, fmt.Errorf("ton mnemonic required")
	}
	if cfg.ConfigURL == "" {
		cfg.ConfigURL = MainnetConfigURL
	}

	pool := liteclient.NewConnectionPool()
	if err := pool.AddConnectionsFromConfigUrl(ctx, cfg.ConfigURL); err != nil {
		return nil, fmt.Errorf("connect lite servers: %w", err)
	}
	api := ton.NewAPIClient(pool).WithRetry()

	w, err := tonwallet.FromSeed(api, words, tonwallet.V4R2)
	if err != nil {
		return nil, fmt.Errorf("open wallet: %w", err)
	}
	logger.Info("ton wallet ready", "address", w.WalletAddress().String())
	return &TON{api: api, wallet: w, logger: logger}, nil
}

func (t *TON) Address() string {
	return t.wallet.WalletAddress().String()
}

func (t *TON) Balance(ctx context.Context) (decimal.Decimal, error) {
	block, err := t.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("masterchain info: %w", err)
	}
	coins, err := t.wallet.GetBalance(ctx, block)
	if err != nil {
		return decimal.Zero, fmt.Errorf("wallet balance: %w", err)
	}
	return FromNano(coins.Nano()), nil
}

// SubmitPayment transfers amount TON to the destination with memo as the
// text comment and waits for the outbound transaction.
func (t *TON) SubmitPayment(ctx context.Context, to string, amount decimal.Decimal, memo string) (string, error) {
	dest, err := address.ParseAddr(to)
	if err != nil {
		return "", fmt.Errorf("parse destination %q: %w", to, err)
	}
	nano, err := ToNano(amount)
	if err != nil {
		return "", err
	}

	balance, err := t.Balance(ctx)
	if err != nil {
		return "", err
	}
	if amount.GreaterThanOrEqual(balance) {
		return "", fmt.Errorf("%w: balance %s TON, need %s TON, top up %s", ErrInsufficientFunds, balance.String(), amount.String(), t.Address())
	}

	t.logger.Info("submitting ton payment", "to", dest.String(), "amount", amount.String())
	tx, _, err := t.wallet.TransferWaitTransaction(ctx, dest, tlb.FromNanoTON(nano), memo)
	if err != nil {
		return "", fmt.Errorf("transfer: %w", err)
	}
	return hex.EncodeToString(tx.Hash), nil
}

func ToNano(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount.String())
	}
	shifted := amount.Shift(nanoDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", amount.String(), nanoDecimals)
	}
	return shifted.BigInt(), nil
}

func FromNano(n *big.Int) decimal.Decimal {
	if n == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n, -nanoDecimals)
}
