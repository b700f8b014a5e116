package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a single ledger row. Shares are signed: positive for a
// buy, negative for a sell. Rows are append-only and never change after
// insertion.
type Transaction struct {
	ID         int             `json:"id"`
	UserID     int             `json:"user_id"`
	Symbol     string          `json:"symbol"`
	Shares     int64           `json:"shares"`
	Price      decimal.Decimal `json:"price"`
	Transacted time.Time       `json:"transacted"`
}

// Holding is a derived net position. It is computed by summing signed
// share counts from the ledger and is never stored.
type Holding struct {
	Symbol string `json:"symbol"`
	Shares int64  `json:"shares"`
}
