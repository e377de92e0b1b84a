package matching

import (
	"math"
	"time"

	"github.com/google/btree"

	"github.com/ksred/pointmarket-api/internal/ledger"
	"github.com/ksred/pointmarket-api/internal/types"
)

// SyntheticOrderID marks the book entry injected for IPO inventory. It is
// never persisted as an order.
const SyntheticOrderID = "IPO"

// Entry is one order resting on the book. SortPrice is the price used for
// ordering and crossing checks: market buys sort as the most aggressive bid
// and market sells as the most aggressive ask, while Order.Price keeps the
// submitted limit price (zero for market orders).
type Entry struct {
	SortPrice int64
	CreatedAt time.Time
	OrderID   string
	Order     *types.Order
	Synthetic bool
}

// PriceLevel is an aggregated level for order book depth queries.
type PriceLevel struct {
	Price         int64 `json:"price"`
	TotalQuantity int64 `json:"quantity"`
	OrderCount    int   `json:"order_count"`
}

// bidLess orders the bid side: price descending, then created_at ascending,
// then order id ascending, so Min() is the best bid.
func bidLess(a, b Entry) bool {
	if a.SortPrice != b.SortPrice {
		return a.SortPrice > b.SortPrice
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// askLess orders the ask side: price ascending, then created_at ascending,
// then order id ascending, so Min() is the best ask. The synthetic IPO ask
// always loses the tie-break at its own price level; its inventory is
// consumed only after genuine asks at that price are exhausted.
func askLess(a, b Entry) bool {
	if a.SortPrice != b.SortPrice {
		return a.SortPrice < b.SortPrice
	}
	if a.Synthetic != b.Synthetic {
		return !a.Synthetic
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// Book is a point-in-time view of one symbol's resting orders plus the
// synthetic IPO ask. It is rebuilt from persisted orders for every matching
// run and never mutated concurrently; all shared state stays in the ledger.
type Book struct {
	symbol string
	bids   *btree.BTreeG[Entry]
	asks   *btree.BTreeG[Entry]
}

// NewBook builds the book from open orders. When ipo has shares remaining, a
// synthetic ask rests at the back of its price level, so genuine asks at or
// below the IPO unit price trade first.
func NewBook(symbol string, orders []*types.Order, ipo *ledger.IPOInventory) *Book {
	const degree = 32
	book := &Book{
		symbol: symbol,
		bids:   btree.NewG[Entry](degree, bidLess),
		asks:   btree.NewG[Entry](degree, askLess),
	}

	for _, order := range orders {
		if !order.Open() || order.Quantity <= 0 {
			continue
		}
		entry := Entry{
			SortPrice: sortPrice(order),
			CreatedAt: normalizeTime(order.CreatedAt),
			OrderID:   order.OrderID,
			Order:     order,
		}
		if order.Side == types.SideBuy {
			book.bids.ReplaceOrInsert(entry)
		} else {
			book.asks.ReplaceOrInsert(entry)
		}
	}

	if ipo != nil && ipo.SharesRemaining > 0 {
		book.asks.ReplaceOrInsert(Entry{
			SortPrice: ipo.UnitPrice,
			CreatedAt: time.Time{},
			OrderID:   SyntheticOrderID,
			Synthetic: true,
			Order: &types.Order{
				OrderID:  SyntheticOrderID,
				UserID:   types.SystemSeller,
				Symbol:   symbol,
				Side:     types.SideSell,
				Kind:     types.KindLimit,
				Quantity: ipo.SharesRemaining,
				Price:    ipo.UnitPrice,
				Status:   types.StatusPending,
			},
		})
	}

	return book
}

// sortPrice derives the ordering price for an order. Market orders carry no
// limit price, so they sort as the most aggressive entry on their side.
func sortPrice(order *types.Order) int64 {
	if order.Kind == types.KindMarket {
		if order.Side == types.SideBuy {
			return math.MaxInt64
		}
		return 0
	}
	return order.Price
}

// normalizeTime keeps timestamps totally ordered: a missing created_at
// compares as the fixed epoch instead of breaking the sort.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}

// Bids returns the bid side best-first.
func (b *Book) Bids() []Entry {
	return collect(b.bids)
}

// Asks returns the ask side best-first.
func (b *Book) Asks() []Entry {
	return collect(b.asks)
}

func collect(tree *btree.BTreeG[Entry]) []Entry {
	entries := make([]Entry, 0, tree.Len())
	tree.Ascend(func(entry Entry) bool {
		entries = append(entries, entry)
		return true
	})
	return entries
}

// Depth aggregates up to n price levels per side. Market orders have no
// price level of their own and are excluded from depth.
func (b *Book) Depth(n int) (bids, asks []PriceLevel) {
	return topLevels(b.bids, n), topLevels(b.asks, n)
}

func topLevels(tree *btree.BTreeG[Entry], n int) []PriceLevel {
	if n <= 0 {
		return nil
	}
	levels := make([]PriceLevel, 0, n)
	tree.Ascend(func(entry Entry) bool {
		if entry.Order.Kind == types.KindMarket {
			return true
		}
		if len(levels) > 0 && levels[len(levels)-1].Price == entry.SortPrice {
			levels[len(levels)-1].TotalQuantity += entry.Order.Quantity
			levels[len(levels)-1].OrderCount++
			return true
		}
		if len(levels) >= n {
			return false
		}
		levels = append(levels, PriceLevel{
			Price:         entry.SortPrice,
			TotalQuantity: entry.Order.Quantity,
			OrderCount:    1,
		})
		return true
	})
	return levels
}

// WalkAsks iterates asks best-first, used to estimate market buy cost. The
// callback returns false to stop.
func (b *Book) WalkAsks(fn func(Entry) bool) {
	b.asks.Ascend(fn)
}

// BidCount returns the number of resting bids.
func (b *Book) BidCount() int {
	return b.bids.Len()
}

// AskCount returns the number of resting asks including the synthetic one.
func (b *Book) AskCount() int {
	return b.asks.Len()
}
