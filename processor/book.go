package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bookstream/models"
)

var (
	// ErrOutOfSequence is returned when a delta does not directly follow the
	// last applied sequence. The book is left untouched.
	ErrOutOfSequence = errors.New("out of sequence delta")
	// ErrUnknownMakerOrder is returned when a trade update names a maker order
	// that is not on the book. The book is left untouched but can no longer be
	// trusted; the caller must resync.
	ErrUnknownMakerOrder = errors.New("unknown maker order")
	// ErrSnapshotExists is returned when a snapshot arrives for an active book.
	ErrSnapshotExists = errors.New("book already initialised")
	// ErrNoSnapshot is returned when a delta arrives before any snapshot.
	ErrNoSnapshot = errors.New("book awaiting snapshot")
)

// Phase is the lifecycle phase of a Book.
type Phase int

const (
	PhaseAwaitingSnapshot Phase = iota
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingSnapshot:
		return "awaiting_snapshot"
	case PhaseActive:
		return "active"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Book is the authoritative order book of one pair. It is owned by a single
// worker and is not safe for concurrent use.
type Book struct {
	pair  string
	clock func() time.Time

	phase    Phase
	sequence uint64
	bids     []models.Order
	asks     []models.Order
	status   string
	trades   []models.Trade
}

// NewBook returns an empty book awaiting its snapshot. A nil clock uses
// time.Now.
func NewBook(pair string, clock func() time.Time) *Book {
	if clock == nil {
		clock = time.Now
	}
	return &Book{pair: pair, clock: clock}
}

func (b *Book) Phase() Phase     { return b.phase }
func (b *Book) Sequence() uint64 { return b.sequence }
func (b *Book) Status() string   { return b.status }

func (b *Book) Bids() []models.Order { return cloneOrders(b.bids) }
func (b *Book) Asks() []models.Order { return cloneOrders(b.asks) }

// Trades returns the locally derived trade log since the last snapshot.
func (b *Book) Trades() []models.Trade {
	out := make([]models.Trade, len(b.trades))
	copy(out, b.trades)
	return out
}

// Reset discards all state so the next structured message is taken as a
// snapshot.
func (b *Book) Reset() {
	b.phase = PhaseAwaitingSnapshot
	b.sequence = 0
	b.bids = nil
	b.asks = nil
	b.status = ""
	b.trades = nil
}

// ApplySnapshot replaces the whole book. It is only allowed while the book is
// awaiting a snapshot.
func (b *Book) ApplySnapshot(s *models.Snapshot) error {
	if b.phase == PhaseActive {
		return ErrSnapshotExists
	}
	b.sequence = s.Sequence
	b.bids = cloneOrders(s.Bids)
	b.asks = cloneOrders(s.Asks)
	b.status = s.Status
	b.trades = nil
	b.phase = PhaseActive
	return nil
}

// ApplyDelta applies one delta and returns the trades it produced. Sub-updates
// are applied as trades, delete, create, status; the sequence advances last.
// On any error the book is unchanged.
func (b *Book) ApplyDelta(d *models.Delta) ([]models.Trade, error) {
	if b.phase != PhaseActive {
		return nil, ErrNoSnapshot
	}
	if d.Sequence != b.sequence+1 {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrOutOfSequence, d.Sequence, b.sequence+1)
	}
	if err := b.checkMakers(d.TradeUpdates); err != nil {
		return nil, err
	}

	var trades []models.Trade
	if len(d.TradeUpdates) > 0 {
		now := b.clock()
		trades = make([]models.Trade, 0, len(d.TradeUpdates))
		for _, tu := range d.TradeUpdates {
			side, idx := b.find(tu.MakerOrderID)
			maker := (*side)[idx]

			remaining := maker.Volume.Sub(tu.Base)
			if remaining.Sign() <= 0 {
				*side = removeAt(*side, idx)
			} else {
				(*side)[idx].Volume = remaining
			}

			trades = append(trades, models.Trade{
				ID:        uuid.NewString(),
				Pair:      b.pair,
				Sequence:  d.Sequence,
				Price:     maker.Price,
				Volume:    tu.Base,
				Timestamp: now,
				Update:    tu,
			})
		}
	}

	if d.DeleteUpdate != nil {
		b.remove(d.DeleteUpdate.OrderID)
	}

	if cu := d.CreateUpdate; cu != nil {
		order := models.Order{ID: cu.OrderID, Price: cu.Price, Volume: cu.Volume}
		switch cu.Type {
		case models.SideBid:
			b.bids = append(b.bids, order)
		case models.SideAsk:
			b.asks = append(b.asks, order)
		}
	}

	if d.StatusUpdate != nil {
		b.status = d.StatusUpdate.Status
	}

	b.sequence = d.Sequence
	b.trades = append(b.trades, trades...)
	return trades, nil
}

// Update serializes the current sides together with the trades of the last
// delta for mirroring to the shared store.
func (b *Book) Update(trades []models.Trade) (models.BookUpdate, error) {
	if len(trades) == 0 {
		return models.BookUpdate{}, errors.New("no trades to mirror")
	}
	bids, err := marshalSide(b.bids)
	if err != nil {
		return models.BookUpdate{}, fmt.Errorf("marshal bids: %w", err)
	}
	asks, err := marshalSide(b.asks)
	if err != nil {
		return models.BookUpdate{}, fmt.Errorf("marshal asks: %w", err)
	}
	out := make([]models.Trade, len(trades))
	copy(out, trades)
	return models.BookUpdate{
		Pair:   b.pair,
		Price:  trades[len(trades)-1].Price,
		Trades: out,
		Bids:   bids,
		Asks:   asks,
	}, nil
}

// checkMakers verifies every trade update can be applied before anything is
// mutated. Several updates may hit the same maker within one delta.
func (b *Book) checkMakers(updates []models.TradeUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	remaining := make(map[string]decimal.Decimal, len(updates))
	for _, tu := range updates {
		vol, seen := remaining[tu.MakerOrderID]
		if !seen {
			side, idx := b.find(tu.MakerOrderID)
			if side == nil {
				return fmt.Errorf("%w: %s", ErrUnknownMakerOrder, tu.MakerOrderID)
			}
			vol = (*side)[idx].Volume
		} else if vol.Sign() <= 0 {
			return fmt.Errorf("%w: %s already filled", ErrUnknownMakerOrder, tu.MakerOrderID)
		}
		remaining[tu.MakerOrderID] = vol.Sub(tu.Base)
	}
	return nil
}

func (b *Book) find(id string) (*[]models.Order, int) {
	for i := range b.asks {
		if b.asks[i].ID == id {
			return &b.asks, i
		}
	}
	for i := range b.bids {
		if b.bids[i].ID == id {
			return &b.bids, i
		}
	}
	return nil, -1
}

func (b *Book) remove(id string) {
	b.asks = without(b.asks, id)
	b.bids = without(b.bids, id)
}

func without(side []models.Order, id string) []models.Order {
	for i := range side {
		if side[i].ID == id {
			return removeAt(side, i)
		}
	}
	return side
}

func removeAt(side []models.Order, i int) []models.Order {
	copy(side[i:], side[i+1:])
	return side[:len(side)-1]
}

func cloneOrders(in []models.Order) []models.Order {
	if in == nil {
		return nil
	}
	out := make([]models.Order, len(in))
	copy(out, in)
	return out
}

func marshalSide(side []models.Order) ([]byte, error) {
	if side == nil {
		side = []models.Order{}
	}
	return json.Marshal(side)
}
