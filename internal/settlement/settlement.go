// Package settlement applies trade effects to the ledger as one atomic
// group: buyer debit, seller credit, position moves (or IPO consumption),
// order fill transitions, the immutable trade record, and the balance audit
// entries. Either all six effects apply or none do.
package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/pointmarket-api/internal/ledger"
	"github.com/ksred/pointmarket-api/internal/types"
	"github.com/ksred/pointmarket-api/pkg/backoff"
)

// PairError attributes a settlement failure to one side of the pairing so
// the matching engine can advance past that order and keep the run alive.
type PairError struct {
	OrderID string
	Err     error
}

func (e *PairError) Error() string {
	return fmt.Sprintf("settlement failed for order %s: %v", e.OrderID, e.Err)
}

func (e *PairError) Unwrap() error {
	return e.Err
}

type Service struct {
	gormDB *gorm.DB
	ledger *ledger.Database
	retry  backoff.Policy

	// useTransactions disables the multi-record transaction when false,
	// falling back to sequential conditional application of the same
	// effects (degraded mode).
	useTransactions bool
}

func NewService(gormDB *gorm.DB, useTransactions bool) *Service {
	return &Service{
		gormDB:          gormDB,
		ledger:          ledger.NewDatabase(gormDB),
		retry:           backoff.Default(),
		useTransactions: useTransactions,
	}
}

// Settle executes one trade intent: qty shares at price points each, buy
// order against sell order. A nil sell order means the virtual IPO seller;
// inventory is consumed instead of crediting a counterparty.
//
// Optimistic-concurrency conflicts are retried with backoff; between
// attempts both orders are re-read and the pairing is abandoned (PairError)
// if either is no longer matchable. Insufficient funds or shares at
// execution time also surface as PairError so the engine skips the pairing
// without aborting the run.
func (s *Service) Settle(buy, sell *types.Order, qty, price int64) (*types.Trade, error) {
	if buy == nil || buy.Side != types.SideBuy {
		return nil, &types.ValidationError{Message: "settle requires a buy order"}
	}
	if sell != nil && sell.Side != types.SideSell {
		return nil, &types.ValidationError{Message: "settle requires a sell order"}
	}
	if qty <= 0 || price <= 0 {
		return nil, &types.ValidationError{Message: "settle requires positive quantity and price"}
	}
	if sell != nil && buy.UserID == sell.UserID {
		return nil, &types.InvariantViolationError{
			Message: "self-trade reached settlement for user " + buy.UserID,
		}
	}

	logger := log.With().
		Str("service", "settlement").
		Str("buy_order_id", buy.OrderID).
		Str("symbol", buy.Symbol).
		Int64("quantity", qty).
		Int64("price", price).
		Logger()
	if sell != nil {
		logger = logger.With().Str("sell_order_id", sell.OrderID).Logger()
	}

	var trade *types.Trade
	err := s.retry.Retry(func() error {
		t, err := s.settleOnce(buy, sell, qty, price)
		if err == nil {
			trade = t
			return nil
		}
		if errors.Is(err, types.ErrConflict) {
			if rerr := s.refreshPair(buy, sell, qty); rerr != nil {
				return rerr
			}
			logger.Debug().Msg("settlement conflict, retrying")
		}
		return err
	}, func(err error) bool {
		return errors.Is(err, types.ErrConflict)
	})

	if err != nil {
		var invariant *types.InvariantViolationError
		if errors.As(err, &invariant) {
			logger.Error().
				Err(err).
				Interface("buy_order", buy).
				Interface("sell_order", sell).
				Msg("settlement hit an invariant violation")
		}
		return nil, err
	}

	logger.Info().
		Str("trade_id", trade.TradeID).
		Int64("amount", trade.Amount).
		Str("seller_id", trade.SellerID).
		Msg("trade settled")
	return trade, nil
}

// settleOnce attempts the six-effect group exactly once. Fills are applied
// to copies of the orders; the caller's orders advance only after the group
// is durably applied, so a rollback leaves no stale in-memory state.
func (s *Service) settleOnce(buy, sell *types.Order, qty, price int64) (*types.Trade, error) {
	amount := qty * price

	trade := &types.Trade{
		TradeID:    "TRD_" + uuid.New().String(),
		Symbol:     buy.Symbol,
		BuyOrderID: buy.OrderID,
		BuyerID:    buy.UserID,
		SellerID:   types.SystemSeller,
		Price:      price,
		Quantity:   qty,
		Amount:     amount,
		ExecutedAt: time.Now(),
	}
	if sell != nil {
		sellOrderID := sell.OrderID
		trade.SellOrderID = &sellOrderID
		trade.SellerID = sell.UserID
	}

	buyCopy := *buy
	var sellCopy types.Order
	if sell != nil {
		sellCopy = *sell
	}

	apply := func(l *ledger.Database) error {
		// Limit buys release the reservation taken at acceptance; market
		// buys never reserved.
		release := int64(0)
		if buy.Kind == types.KindLimit {
			release = qty * buy.Price
		}
		if err := l.DebitBalance(buy.UserID, amount, release, "trade buy", trade.TradeID); err != nil {
			return attribute(buy.OrderID, err)
		}

		if sell == nil {
			if err := l.ConsumeIPOInventory(buy.Symbol, qty); err != nil {
				return attribute(types.SystemSeller, err)
			}
		} else {
			if err := l.CreditBalance(sell.UserID, amount, "trade sell", trade.TradeID); err != nil {
				return err
			}
			if err := l.RemoveShares(sell.UserID, sell.Symbol, qty); err != nil {
				return attribute(sell.OrderID, err)
			}
		}

		if err := l.AddShares(buy.UserID, buy.Symbol, qty); err != nil {
			return err
		}
		if err := l.ApplyFill(&buyCopy, qty); err != nil {
			return err
		}
		if sell != nil {
			if err := l.ApplyFill(&sellCopy, qty); err != nil {
				return err
			}
		}
		return l.CreateTrade(trade)
	}

	if s.useTransactions {
		tx := s.gormDB.Begin()
		if tx.Error != nil {
			return nil, tx.Error
		}
		defer func() {
			if r := recover(); r != nil {
				tx.Rollback()
				panic(r)
			}
		}()
		if err := apply(s.ledger.WithTx(tx)); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
	} else {
		// Degraded mode: the same effects applied sequentially, each still
		// conditional, trading atomicity for availability.
		if err := apply(s.ledger); err != nil {
			return nil, err
		}
	}

	*buy = buyCopy
	if sell != nil {
		*sell = sellCopy
	}
	return trade, nil
}

// refreshPair re-reads both orders after a conflict. It returns a PairError
// when either side can no longer support the intended fill, making the
// conflict non-retryable for this pairing.
func (s *Service) refreshPair(buy, sell *types.Order, qty int64) error {
	fresh, err := s.ledger.GetOrder(buy.OrderID)
	if err != nil {
		return err
	}
	*buy = *fresh
	if !buy.Open() || buy.Quantity < qty {
		return &PairError{
			OrderID: buy.OrderID,
			Err:     fmt.Errorf("order no longer matchable (status %s, remaining %d)", buy.Status, buy.Quantity),
		}
	}

	if sell != nil {
		fresh, err = s.ledger.GetOrder(sell.OrderID)
		if err != nil {
			return err
		}
		*sell = *fresh
		if !sell.Open() || sell.Quantity < qty {
			return &PairError{
				OrderID: sell.OrderID,
				Err:     fmt.Errorf("order no longer matchable (status %s, remaining %d)", sell.Status, sell.Quantity),
			}
		}
	}
	return nil
}

// attribute tags skippable resource failures with the failing side's order
// ID. Conflicts pass through untouched so the retry loop sees them.
func attribute(orderID string, err error) error {
	var insufficient *types.InsufficientResourceError
	if errors.As(err, &insufficient) {
		return &PairError{OrderID: orderID, Err: err}
	}
	return err
}
