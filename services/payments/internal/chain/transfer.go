// Package chain reads USDT-TRC20 transfers from the TRON ledger.
package chain

import "github.com/shopspring/decimal"

// Transfer is one token transfer observed in a confirmed block.
type Transfer struct {
	TxID       string
	EventIndex int
	Height     int64
	From       string
	To         string
	Amount     decimal.Decimal
}
