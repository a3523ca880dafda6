package models

import "github.com/shopspring/decimal"

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// OUTBOUND //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// AuthRequest is the first frame sent on every connection.
type AuthRequest struct {
	APIKeyID     string `json:"api_key_id"`
	APIKeySecret string `json:"api_key_secret"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// INBOUND ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Snapshot is the full book sent as the first structured message after
// authentication.
type Snapshot struct {
	Sequence  uint64  `json:"sequence,string"`
	Asks      []Order `json:"asks"`
	Bids      []Order `json:"bids"`
	Status    string  `json:"status"`
	Timestamp int64   `json:"timestamp"`
}

// Delta is an incremental, sequence numbered book update. Any of the
// sub-updates may be absent.
type Delta struct {
	Sequence     uint64        `json:"sequence,string"`
	TradeUpdates []TradeUpdate `json:"trade_updates,omitempty"`
	CreateUpdate *CreateUpdate `json:"create_update,omitempty"`
	DeleteUpdate *DeleteUpdate `json:"delete_update,omitempty"`
	StatusUpdate *StatusUpdate `json:"status_update,omitempty"`
	Timestamp    int64         `json:"timestamp"`
}

// TradeUpdate reports a fill against a resting maker order.
type TradeUpdate struct {
	Base         decimal.Decimal `json:"base"`
	Counter      decimal.Decimal `json:"counter"`
	MakerOrderID string          `json:"maker_order_id"`
	TakerOrderID string          `json:"taker_order_id"`
}

// CreateUpdate adds a new order to the side named by Type.
type CreateUpdate struct {
	OrderID string          `json:"order_id"`
	Type    string          `json:"type"`
	Price   decimal.Decimal `json:"price"`
	Volume  decimal.Decimal `json:"volume"`
}

// DeleteUpdate removes an order from whichever side holds it.
type DeleteUpdate struct {
	OrderID string `json:"order_id"`
}

// StatusUpdate replaces the market status.
type StatusUpdate struct {
	Status string `json:"status"`
}

const (
	SideBid = "BID"
	SideAsk = "ASK"
)
