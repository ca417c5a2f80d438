package orderbook

import (
	"time"

	"github.com/LykkeCity/Lykke.Service.ExchangeConnector-sub001/pkg/trading"
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const btreeDegree = 32

type OrderBookItem struct {
	ID     string          `json:"id"`
	Symbol string          `json:"symbol"`
	Side   Side            `json:"side"`
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
}

// Snapshot is an immutable copy of a valid book, bids by price descending, asks ascending
type Snapshot struct {
	Instrument trading.Instrument `json:"instrument"`
	Sequence   int64              `json:"sequence"`
	Timestamp  time.Time          `json:"timestamp"`
	Bids       []OrderBookItem    `json:"bids"`
	Asks       []OrderBookItem    `json:"asks"`
}

func (s *Snapshot) BestBid() (OrderBookItem, bool) {
	if len(s.Bids) == 0 {
		return OrderBookItem{}, false
	}
	return s.Bids[0], true
}

func (s *Snapshot) BestAsk() (OrderBookItem, bool) {
	if len(s.Asks) == 0 {
		return OrderBookItem{}, false
	}
	return s.Asks[0], true
}

func bidLess(a, b OrderBookItem) bool {
	if cmp := a.Price.Cmp(b.Price); cmp != 0 {
		return cmp > 0
	}
	return a.ID < b.ID
}

func askLess(a, b OrderBookItem) bool {
	if cmp := a.Price.Cmp(b.Price); cmp != 0 {
		return cmp < 0
	}
	return a.ID < b.ID
}

// Book is the state of one instrument. It is invalid until the first
// snapshot and is not safe for concurrent use.
type Book struct {
	instrument trading.Instrument
	valid      bool
	sequence   int64
	timestamp  time.Time
	items      map[string]OrderBookItem
	bids       *btree.BTreeG[OrderBookItem]
	asks       *btree.BTreeG[OrderBookItem]
}

func NewBook(instrument trading.Instrument) *Book {
	return &Book{
		instrument: instrument,
		items:      make(map[string]OrderBookItem),
		bids:       btree.NewG[OrderBookItem](btreeDegree, bidLess),
		asks:       btree.NewG[OrderBookItem](btreeDegree, askLess),
	}
}

func (b *Book) IsValid() bool {
	return b.valid
}

func (b *Book) Len() int {
	return len(b.items)
}

func (b *Book) side(side Side) *btree.BTreeG[OrderBookItem] {
	if side == SideBid {
		return b.bids
	}
	return b.asks
}

// Reset replaces the whole state and marks the book valid
func (b *Book) Reset(items []OrderBookItem, sequence int64, timestamp time.Time) {
	b.items = make(map[string]OrderBookItem, len(items))
	b.bids.Clear(false)
	b.asks.Clear(false)
	for _, item := range items {
		b.put(item)
	}
	b.sequence = sequence
	b.timestamp = timestamp
	b.valid = true
}

// Upsert inserts a new id or replaces the entry of an existing one
func (b *Book) Upsert(item OrderBookItem) {
	b.put(item)
}

func (b *Book) put(item OrderBookItem) {
	if old, ok := b.items[item.ID]; ok {
		b.side(old.Side).Delete(old)
	}
	b.items[item.ID] = item
	b.side(item.Side).ReplaceOrInsert(item)
}

// Delete removes an id, unknown ids are ignored
func (b *Book) Delete(id string) bool {
	old, ok := b.items[id]
	if !ok {
		return false
	}
	b.side(old.Side).Delete(old)
	delete(b.items, id)
	return true
}

// Get finds an entry by id
func (b *Book) Get(id string) (OrderBookItem, bool) {
	item, ok := b.items[id]
	return item, ok
}

func (b *Book) Touch(sequence int64, timestamp time.Time) {
	if sequence != 0 {
		b.sequence = sequence
	}
	if !timestamp.IsZero() {
		b.timestamp = timestamp
	}
}

// Snapshot copies at most depth entries per side, all of them when depth is 0
func (b *Book) Snapshot(depth int) Snapshot {
	return Snapshot{
		Instrument: b.instrument,
		Sequence:   b.sequence,
		Timestamp:  b.timestamp,
		Bids:       collect(b.bids, depth),
		Asks:       collect(b.asks, depth),
	}
}

func collect(tree *btree.BTreeG[OrderBookItem], depth int) []OrderBookItem {
	size := tree.Len()
	if depth > 0 && depth < size {
		size = depth
	}
	result := make([]OrderBookItem, 0, size)
	tree.Ascend(func(item OrderBookItem) bool {
		result = append(result, item)
		return len(result) < size
	})
	return result
}
