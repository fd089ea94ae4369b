package engine

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/metrics"
)

// OrderBookEntry is a resting conditional order keyed by the price that
// wakes it up.
type OrderBookEntry struct {
	Price     domain.Money // trigger key: limit or stop price
	CreatedAt time.Time
	OrderID   domain.OrderID
	Side      domain.OrderSide
	Kind      domain.OrderKind
	Status    domain.OrderStatus
	Remaining domain.Quantity
}

// PriceLevel is an aggregated price level of one book index.
type PriceLevel struct {
	Price         domain.Money
	TotalQuantity domain.Quantity
	OrderCount    int
}

// Depth is the aggregated view of a symbol's resting orders.
type Depth struct {
	BuyLimits  []PriceLevel // highest price first
	SellLimits []PriceLevel // lowest price first
	BuyStops   []PriceLevel // lowest price first
	SellStops  []PriceLevel // highest price first
}

// descLess orders by price descending, then created_at ascending, then
// order_id ascending. Walking from Min() visits the highest key first.
func descLess(a, b OrderBookEntry) bool {
	if a.Price != b.Price {
		return a.Price > b.Price
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// ascLess orders by price ascending, then created_at ascending, then
// order_id ascending.
func ascLess(a, b OrderBookEntry) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

type indexKind int

const (
	buyLimitIndex  indexKind = iota // fires when market <= key
	sellLimitIndex                  // fires when market >= key
	buyStopIndex                    // fires when market >= key
	sellStopIndex                   // fires when market <= key
)

// placement returns the index and key an order rests under, or false if
// the order does not belong in the book.
//
// A TRIGGERED STOP waits only for a usable price, so it is keyed to fire
// on any tick.
func placement(o *domain.Order) (indexKind, domain.Money, bool) {
	if !o.Status.IsLive() || !o.Kind.Conditional() || o.Remaining() <= 0 {
		return 0, 0, false
	}
	buy := o.Side == domain.OrderSideBuy
	triggered := o.Status != domain.OrderStatusPending

	switch {
	case o.Kind == domain.OrderKindLimit || (o.Kind == domain.OrderKindStopLimit && triggered):
		if o.LimitPrice == nil {
			return 0, 0, false
		}
		if buy {
			return buyLimitIndex, *o.LimitPrice, true
		}
		return sellLimitIndex, *o.LimitPrice, true
	case o.Kind == domain.OrderKindStop && triggered:
		if buy {
			return buyStopIndex, 0, true
		}
		return sellStopIndex, math.MaxInt64, true
	default:
		if o.StopPrice == nil {
			return 0, 0, false
		}
		if buy {
			return buyStopIndex, *o.StopPrice, true
		}
		return sellStopIndex, *o.StopPrice, true
	}
}

type indexedEntry struct {
	index indexKind
	entry OrderBookEntry
}

// OrderBook holds the resting conditional orders of a single symbol in
// four B-trees, with a secondary index for removal by order ID.
type OrderBook struct {
	symbol  string
	mu      sync.RWMutex
	indices [4]*btree.BTreeG[OrderBookEntry]
	byID    map[domain.OrderID]indexedEntry
}

// NewOrderBook creates an order book for the given symbol.
func NewOrderBook(symbol string) *OrderBook {
	const degree = 32
	return &OrderBook{
		symbol: symbol,
		indices: [4]*btree.BTreeG[OrderBookEntry]{
			buyLimitIndex:  btree.NewG[OrderBookEntry](degree, descLess),
			sellLimitIndex: btree.NewG[OrderBookEntry](degree, ascLess),
			buyStopIndex:   btree.NewG[OrderBookEntry](degree, ascLess),
			sellStopIndex:  btree.NewG[OrderBookEntry](degree, descLess),
		},
		byID: make(map[domain.OrderID]indexedEntry),
	}
}

// upsert must be called with mu held.
func (ob *OrderBook) upsert(o *domain.Order) {
	ob.remove(o.ID)
	idx, price, ok := placement(o)
	if !ok {
		return
	}
	e := OrderBookEntry{
		Price:     price,
		CreatedAt: o.CreatedAt,
		OrderID:   o.ID,
		Side:      o.Side,
		Kind:      o.Kind,
		Status:    o.Status,
		Remaining: o.Remaining(),
	}
	ob.indices[idx].ReplaceOrInsert(e)
	ob.byID[o.ID] = indexedEntry{index: idx, entry: e}
}

// remove must be called with mu held.
func (ob *OrderBook) remove(id domain.OrderID) {
	ie, ok := ob.byID[id]
	if !ok {
		return
	}
	delete(ob.byID, id)
	ob.indices[ie.index].Delete(ie.entry)
}

// candidates walks each index only while its condition holds at price.
func (ob *OrderBook) candidates(price domain.Money) []OrderBookEntry {
	var out []OrderBookEntry
	ob.indices[buyLimitIndex].Ascend(func(e OrderBookEntry) bool {
		if price > e.Price {
			return false
		}
		out = append(out, e)
		return true
	})
	ob.indices[sellLimitIndex].Ascend(func(e OrderBookEntry) bool {
		if price < e.Price {
			return false
		}
		out = append(out, e)
		return true
	})
	ob.indices[buyStopIndex].Ascend(func(e OrderBookEntry) bool {
		if price < e.Price {
			return false
		}
		out = append(out, e)
		return true
	})
	ob.indices[sellStopIndex].Ascend(func(e OrderBookEntry) bool {
		if price > e.Price {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

// Len returns the number of resting orders.
func (ob *OrderBook) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.byID)
}

// topLevels iterates the B-tree in order and aggregates entries into
// at most n price levels.
func topLevels(tree *btree.BTreeG[OrderBookEntry], n int) []PriceLevel {
	levels := make([]PriceLevel, 0)
	if n <= 0 {
		return levels
	}
	tree.Ascend(func(entry OrderBookEntry) bool {
		if len(levels) > 0 && levels[len(levels)-1].Price == entry.Price {
			levels[len(levels)-1].TotalQuantity += entry.Remaining
			levels[len(levels)-1].OrderCount++
			return true
		}
		if len(levels) >= n {
			return false
		}
		levels = append(levels, PriceLevel{
			Price:         entry.Price,
			TotalQuantity: entry.Remaining,
			OrderCount:    1,
		})
		return true
	})
	return levels
}

// Book is a thread-safe map of symbol → OrderBook. Each symbol's book
// has its own lock; no lock is held while the caller does I/O.
type Book struct {
	mu    sync.RWMutex
	books map[string]*OrderBook
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{books: make(map[string]*OrderBook)}
}

// get returns the book for symbol, creating it when create is set.
func (b *Book) get(symbol string, create bool) *OrderBook {
	b.mu.RLock()
	book, ok := b.books[symbol]
	b.mu.RUnlock()
	if ok || !create {
		return book
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// Double-check after acquiring write lock.
	if book, ok = b.books[symbol]; ok {
		return book
	}
	book = NewOrderBook(symbol)
	b.books[symbol] = book
	return book
}

// Upsert places o according to its current state, replacing any previous
// entry. Orders that no longer belong in the book are evicted. Call only
// after the state has been durably written.
func (b *Book) Upsert(o *domain.Order) {
	book := b.get(o.Symbol, true)
	book.mu.Lock()
	book.upsert(o)
	n := len(book.byID)
	book.mu.Unlock()
	metrics.BookOrders.WithLabelValues(o.Symbol).Set(float64(n))
}

// Remove evicts an order. Removing an absent order is a no-op.
func (b *Book) Remove(symbol string, id domain.OrderID) {
	book := b.get(symbol, false)
	if book == nil {
		return
	}
	book.mu.Lock()
	book.remove(id)
	n := len(book.byID)
	book.mu.Unlock()
	metrics.BookOrders.WithLabelValues(symbol).Set(float64(n))
}

// Contains reports whether the order is resting in the book.
func (b *Book) Contains(symbol string, id domain.OrderID) bool {
	book := b.get(symbol, false)
	if book == nil {
		return false
	}
	book.mu.RLock()
	defer book.mu.RUnlock()
	_, ok := book.byID[id]
	return ok
}

// Candidates returns every resting order whose condition holds at price,
// ordered by (CreatedAt, OrderID). The cost is linear in the answer.
func (b *Book) Candidates(symbol string, price domain.Money) []OrderBookEntry {
	book := b.get(symbol, false)
	if book == nil {
		return nil
	}
	book.mu.RLock()
	out := book.candidates(price)
	book.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

// Rebuild replaces the whole book with the given live orders.
func (b *Book) Rebuild(orders []*domain.Order) {
	fresh := make(map[string]*OrderBook)
	for _, o := range orders {
		book, ok := fresh[o.Symbol]
		if !ok {
			book = NewOrderBook(o.Symbol)
			fresh[o.Symbol] = book
		}
		book.upsert(o)
	}

	b.mu.Lock()
	old := b.books
	b.books = fresh
	b.mu.Unlock()

	for sym := range old {
		if _, ok := fresh[sym]; !ok {
			metrics.BookOrders.WithLabelValues(sym).Set(0)
		}
	}
	for sym, book := range fresh {
		metrics.BookOrders.WithLabelValues(sym).Set(float64(len(book.byID)))
	}
}

// Levels returns up to n aggregated price levels per index, each in the
// order its orders fire.
func (b *Book) Levels(symbol string, n int) Depth {
	book := b.get(symbol, false)
	if book == nil {
		return Depth{
			BuyLimits:  []PriceLevel{},
			SellLimits: []PriceLevel{},
			BuyStops:   []PriceLevel{},
			SellStops:  []PriceLevel{},
		}
	}
	book.mu.RLock()
	defer book.mu.RUnlock()
	return Depth{
		BuyLimits:  topLevels(book.indices[buyLimitIndex], n),
		SellLimits: topLevels(book.indices[sellLimitIndex], n),
		BuyStops:   topLevels(book.indices[buyStopIndex], n),
		SellStops:  topLevels(book.indices[sellStopIndex], n),
	}
}
