// Package amount assigns payment amounts that identify an order on a shared
// settlement address.
package amount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMaxAttempts bounds the probe sequence base, base+0.001, ...
const DefaultMaxAttempts = 1000

var ErrAmountExhausted = errors.New("no free payment amount")

// Increment is the smallest amount step a payer is asked to send.
var Increment = decimal.New(1, -3)

type Querier interface {
	AmountInUse(ctx context.Context, amount decimal.Decimal, now time.Time) (bool, error)
}

type Allocator struct {
	MaxAttempts int
}

func NewAllocator(maxAttempts int) *Allocator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Allocator{MaxAttempts: maxAttempts}
}

// Allocate returns the first amount at or above base that no live pending
// order holds, and the number of probes it took. Callers must serialize
// Allocate with the insert of the order that claims the amount.
func (a *Allocator) Allocate(ctx context.Context, q Querier, base decimal.Decimal, now time.Time) (decimal.Decimal, int, error) {
	limit := a.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}

	candidate := base.Round(3)
	for attempt := 1; attempt <= limit; attempt++ {
		used, err := q.AmountInUse(ctx, candidate, now)
		if err != nil {
			return decimal.Zero, attempt, fmt.Errorf("check amount %s: %w", candidate.StringFixed(3), err)
		}
		if !used {
			return candidate, attempt, nil
		}
		candidate = candidate.Add(Increment).Round(3)
	}
	return decimal.Zero, limit, fmt.Errorf("%w: base %s after %d attempts", ErrAmountExhausted, base.StringFixed(3), limit)
}

// BaseAmount applies a percentage discount and rounds to cents.
func BaseAmount(price, discountPct decimal.Decimal) decimal.Decimal {
	if discountPct.IsZero() {
		return price.Round(2)
	}
	factor := decimal.NewFromInt(1).Sub(discountPct.Div(decimal.NewFromInt(100)))
	return price.Mul(factor).Round(2)
}
