package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is a single resting order on one side of the book.
type Order struct {
	ID     string          `json:"id"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// Trade is derived locally from a trade update that depleted a maker order.
// Timestamp is the processing wall clock, not exchange time.
type Trade struct {
	ID        string          `json:"id"`
	Pair      string          `json:"pair"`
	Sequence  uint64          `json:"sequence"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
	Update    TradeUpdate     `json:"trade"`
}

// BookUpdate is the store-facing view of a delta that produced trades.
// Bids and Asks are already serialized so the book can keep mutating
// while the update waits in a publisher queue.
type BookUpdate struct {
	Pair   string
	Price  decimal.Decimal
	Trades []Trade
	Bids   []byte
	Asks   []byte
}
