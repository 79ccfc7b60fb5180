// Package orders owns the order state machine and the matching of ledger
// transfers to pending orders.
package orders

import (
	"slices"

	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
)

// edges lists every permitted status change. failed -> refunded and
// failed -> completed are administrative overrides; paid -> completed is
// also reachable by hand.
var edges = map[string][]string{
	storage.OrderStatusPending:   {storage.OrderStatusPaid, storage.OrderStatusExpired},
	storage.OrderStatusPaid:      {storage.OrderStatusCompleted, storage.OrderStatusFailed, storage.OrderStatusRefunded},
	storage.OrderStatusCompleted: {storage.OrderStatusRefunded},
	storage.OrderStatusFailed:    {storage.OrderStatusRefunded, storage.OrderStatusCompleted},
}

func Allowed(from, to string) bool {
	return slices.Contains(edges[from], to)
}

// Terminal reports whether no further transition leaves status.
func Terminal(status string) bool {
	return len(edges[status]) == 0
}
