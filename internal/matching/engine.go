package matching

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/pointmarket-api/internal/ledger"
	"github.com/ksred/pointmarket-api/internal/marketdata"
	"github.com/ksred/pointmarket-api/internal/settlement"
	"github.com/ksred/pointmarket-api/internal/types"
)

// Settler settles one trade intent. A nil sell order means the virtual IPO
// seller.
type Settler interface {
	Settle(buy, sell *types.Order, qty, price int64) (*types.Trade, error)
}

// TradeNotifier receives successful settlements. Delivery failures are the
// notifier's problem; they never roll back a trade.
type TradeNotifier interface {
	OnTradeExecuted(trade *types.Trade, buyerID, sellerID string)
}

// LogNotifier is the default notifier; it just logs the execution.
type LogNotifier struct{}

func (LogNotifier) OnTradeExecuted(trade *types.Trade, buyerID, sellerID string) {
	log.Info().
		Str("trade_id", trade.TradeID).
		Str("symbol", trade.Symbol).
		Str("buyer_id", buyerID).
		Str("seller_id", sellerID).
		Int64("price", trade.Price).
		Int64("quantity", trade.Quantity).
		Msg("trade executed")
}

// Engine runs matching passes over the persisted book. It holds no state of
// its own; every run rebuilds the book from the ledger, so the scheduler's
// per-symbol serialization is the only concurrency control it needs.
type Engine struct {
	ledger   *ledger.Database
	market   *marketdata.Service
	settler  Settler
	notifier TradeNotifier
}

func NewEngine(gormDB *gorm.DB, market *marketdata.Service, settler Settler, notifier TradeNotifier) *Engine {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Engine{
		ledger:   ledger.NewDatabase(gormDB),
		market:   market,
		settler:  settler,
		notifier: notifier,
	}
}

// Run executes one matching pass for the symbol and returns the trades it
// settled. Running against a book with no crossing orders settles nothing
// and is safe to repeat.
//
// Errors wrapping types.ErrConflict mean retries were exhausted mid-run; the
// scheduler logs and re-queues the run.
func (e *Engine) Run(symbol string) ([]*types.Trade, error) {
	logger := log.With().
		Str("component", "matching_engine").
		Str("symbol", symbol).
		Logger()

	orders, err := e.ledger.OpenOrders(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to load open orders: %w", err)
	}
	inventory, err := e.ledger.GetIPOInventory(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to load IPO inventory: %w", err)
	}

	book := NewBook(symbol, orders, inventory)
	bids := book.Bids()
	asks := book.Asks()

	logger.Debug().
		Int("bids", len(bids)).
		Int("asks", len(asks)).
		Msg("starting matching run")

	var trades []*types.Trade
	bi, ai := 0, 0
	for bi < len(bids) && ai < len(asks) {
		bid := bids[bi]
		ask := asks[ai]

		if bid.Order.Quantity <= 0 {
			bi++
			continue
		}
		if ask.Order.Quantity <= 0 {
			ai++
			continue
		}

		// Orders queued outside the price band get one re-admission check
		// per run; still outside means they cannot trade this run.
		if bid.Order.Status == types.StatusPendingLimit {
			ok, err := e.readmit(bid.Order)
			if err != nil {
				return trades, err
			}
			if !ok {
				bi++
				continue
			}
		}
		if !ask.Synthetic && ask.Order.Status == types.StatusPendingLimit {
			ok, err := e.readmit(ask.Order)
			if err != nil {
				return trades, err
			}
			if !ok {
				ai++
				continue
			}
		}

		// Self-trade prevention: never cross orders from the same owner.
		if bid.Order.UserID == ask.Order.UserID {
			ai++
			continue
		}

		// Book is sorted, so the first non-crossing pair ends the run.
		if bid.SortPrice < ask.SortPrice {
			break
		}

		qty := bid.Order.Quantity
		if ask.Order.Quantity < qty {
			qty = ask.Order.Quantity
		}
		price, err := e.fairPrice(symbol, bid, ask)
		if err != nil {
			return trades, err
		}

		var sellOrder *types.Order
		if !ask.Synthetic {
			sellOrder = ask.Order
		}

		trade, err := e.settler.Settle(bid.Order, sellOrder, qty, price)
		if err != nil {
			var pairErr *settlement.PairError
			if errors.As(err, &pairErr) {
				logger.Warn().
					Err(err).
					Str("order_id", pairErr.OrderID).
					Msg("pairing skipped, advancing past failing side")
				if pairErr.OrderID == bid.OrderID {
					bi++
				} else {
					ai++
				}
				continue
			}
			var invariant *types.InvariantViolationError
			if errors.As(err, &invariant) {
				// Already logged loudly by settlement; fatal to this
				// pairing only.
				ai++
				continue
			}
			if errors.Is(err, types.ErrConflict) {
				return trades, fmt.Errorf("matching run for %s conflicted: %w", symbol, err)
			}
			return trades, err
		}

		trades = append(trades, trade)
		if ask.Synthetic {
			ask.Order.Quantity -= qty
			ask.Order.FilledQuantity += qty
		}
		e.notifier.OnTradeExecuted(trade, trade.BuyerID, trade.SellerID)

		if bid.Order.Quantity == 0 {
			bi++
		}
		if ask.Order.Quantity == 0 {
			ai++
		}
	}

	if len(trades) > 0 {
		logger.Info().Int("trades", len(trades)).Msg("matching run settled trades")
	}
	return trades, nil
}

// readmit re-checks a PENDING_LIMIT order against the band and promotes it
// when it now passes. A promotion conflict leaves the order for the next
// run rather than failing this one.
func (e *Engine) readmit(order *types.Order) (bool, error) {
	inside, err := e.market.CheckBand(order.Symbol, order.Price)
	if err != nil {
		return false, err
	}
	if !inside {
		return false, nil
	}
	if err := e.ledger.PromoteOrder(order); err != nil {
		if errors.Is(err, types.ErrConflict) {
			log.Debug().
				Str("order_id", order.OrderID).
				Msg("band re-admission conflicted, deferring to next run")
			return false, nil
		}
		return false, err
	}
	log.Info().
		Str("order_id", order.OrderID).
		Int64("price", order.Price).
		Msg("order re-admitted within price band")
	return true, nil
}

// fairPrice resolves the execution price for a crossing pair, in order of
// precedence:
//  1. the synthetic IPO ask always trades at the IPO unit price;
//  2. market against limit trades at the limit side's price;
//  3. market against market trades at the current reference price;
//  4. limit against limit trades at the earlier order's price, with ties
//     going to the ask price.
func (e *Engine) fairPrice(symbol string, bid, ask Entry) (int64, error) {
	if ask.Synthetic {
		return ask.Order.Price, nil
	}

	bidMarket := bid.Order.Kind == types.KindMarket
	askMarket := ask.Order.Kind == types.KindMarket
	switch {
	case bidMarket && askMarket:
		return e.market.ReferencePrice(symbol)
	case bidMarket:
		return ask.Order.Price, nil
	case askMarket:
		return bid.Order.Price, nil
	}

	bidTime := normalizeTime(bid.Order.CreatedAt)
	askTime := normalizeTime(ask.Order.CreatedAt)
	if bidTime.Before(askTime) {
		return bid.Order.Price, nil
	}
	if askTime.Before(bidTime) {
		return ask.Order.Price, nil
	}
	return ask.Order.Price, nil
}
