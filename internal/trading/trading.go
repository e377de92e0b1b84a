package trading

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/pointmarket-api/internal/ledger"
	"github.com/ksred/pointmarket-api/internal/marketdata"
	"github.com/ksred/pointmarket-api/internal/matching"
	"github.com/ksred/pointmarket-api/internal/types"
	"github.com/ksred/pointmarket-api/pkg/backoff"
)

// Triggerer requests asynchronous matching runs; satisfied by
// *matching.Scheduler.
type Triggerer interface {
	Trigger(symbol string)
	TriggerAll()
}

// Service is the order boundary: it validates requests, reserves funds or
// shares, persists orders, and hands matching to the scheduler. It never
// blocks a caller on a matching sweep.
type Service struct {
	db        *ledger.Database
	market    *marketdata.Service
	scheduler Triggerer
	retry     backoff.Policy
}

func NewService(gormDB *gorm.DB, market *marketdata.Service, scheduler Triggerer) *Service {
	return &Service{
		db:        ledger.NewDatabase(gormDB),
		market:    market,
		scheduler: scheduler,
		retry:     backoff.Default(),
	}
}

// PlaceOrderRequest is the inbound order shape.
type PlaceOrderRequest struct {
	Symbol   string `json:"symbol" binding:"required"`
	Side     string `json:"side" binding:"required"`
	Kind     string `json:"kind" binding:"required"`
	Quantity int64  `json:"quantity" binding:"required"`
	Price    int64  `json:"price"`
}

// Messages returned alongside accepted orders.
const (
	MsgAccepted         = "order accepted"
	MsgWaitingForBand   = "waiting for price band"
	MsgCancelled        = "order cancelled"
	MsgAlreadyCancelled = "order already cancelled"
)

// PlaceOrder validates the request, reserves the buyer's points or the
// seller's shares, persists the order, and triggers matching. Orders priced
// outside the band are accepted as PENDING_LIMIT with an explicit waiting
// message rather than rejected.
func (s *Service) PlaceOrder(userID string, req PlaceOrderRequest) (*types.Order, string, error) {
	logger := log.With().
		Str("service", "trading").
		Str("user_id", userID).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Str("kind", req.Kind).
		Int64("quantity", req.Quantity).
		Int64("price", req.Price).
		Logger()

	if err := validate(req); err != nil {
		return nil, "", err
	}

	_, marketOpen, err := s.market.Band(req.Symbol)
	if err != nil {
		return nil, "", err
	}
	if !marketOpen {
		return nil, "", types.ErrMarketClosed
	}

	if err := s.reserve(userID, req); err != nil {
		logger.Info().Err(err).Msg("order rejected at acceptance")
		return nil, "", err
	}

	order := &types.Order{
		OrderID:   "ORD_" + uuid.New().String(),
		UserID:    userID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Kind:      req.Kind,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    types.StatusPending,
		CreatedAt: time.Now(),
	}

	message := MsgAccepted
	if req.Kind == types.KindLimit {
		inside, err := s.market.CheckBand(req.Symbol, req.Price)
		if err != nil {
			s.releaseReservation(order, req.Quantity)
			return nil, "", err
		}
		if !inside {
			order.Status = types.StatusPendingLimit
			order.LimitExceeded = true
			message = MsgWaitingForBand
		}
	}

	if err := s.db.CreateOrder(order); err != nil {
		s.releaseReservation(order, req.Quantity)
		return nil, "", err
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("status", order.Status).
		Msg("order placed")

	s.scheduler.Trigger(req.Symbol)
	return order, message, nil
}

func validate(req PlaceOrderRequest) error {
	if req.Quantity <= 0 {
		return &types.ValidationError{Message: "quantity must be positive"}
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return &types.ValidationError{Message: "side must be BUY or SELL"}
	}
	if req.Kind != types.KindMarket && req.Kind != types.KindLimit {
		return &types.ValidationError{Message: "kind must be MARKET or LIMIT"}
	}
	if req.Kind == types.KindLimit && req.Price <= 0 {
		return &types.ValidationError{Message: "limit orders require a positive price"}
	}
	if req.Kind == types.KindMarket && req.Price != 0 {
		return &types.ValidationError{Message: "market orders must not carry a price"}
	}
	return nil
}

// reserve performs the acceptance-time precheck and soft reservation. The
// settlement engine re-checks everything conditionally at execution time;
// this bounds what a user can have in flight so concurrent placements can
// never oversell a position or overspend a balance.
func (s *Service) reserve(userID string, req PlaceOrderRequest) error {
	if req.Side == types.SideSell {
		return s.db.ReserveShares(userID, req.Symbol, req.Quantity)
	}
	if req.Kind == types.KindLimit {
		return s.db.ReserveFunds(userID, req.Quantity*req.Price)
	}

	// Market buys have no price to reserve against: estimate the cost of
	// walking the ask side (including the IPO level) and check it against
	// the available balance.
	estimate, err := s.estimateMarketBuyCost(req.Symbol, req.Quantity)
	if err != nil {
		return err
	}
	account, err := s.db.GetAccount(userID)
	if err != nil {
		return err
	}
	if account.Available() < estimate {
		return &types.InsufficientResourceError{
			Resource:  types.ResourcePoints,
			Required:  estimate,
			Available: account.Available(),
		}
	}
	return nil
}

// estimateMarketBuyCost simulates the fill against the current ask side.
// Market asks carry no price and are estimated at the reference price.
func (s *Service) estimateMarketBuyCost(symbol string, qty int64) (int64, error) {
	orders, err := s.db.OpenOrders(symbol)
	if err != nil {
		return 0, err
	}
	inventory, err := s.db.GetIPOInventory(symbol)
	if err != nil {
		return 0, err
	}
	book := matching.NewBook(symbol, orders, inventory)
	if book.AskCount() == 0 {
		return 0, types.ErrNoLiquidity
	}

	reference, err := s.market.ReferencePrice(symbol)
	if err != nil {
		return 0, err
	}

	var cost int64
	remaining := qty
	book.WalkAsks(func(entry matching.Entry) bool {
		if remaining <= 0 {
			return false
		}
		fill := entry.Order.Quantity
		if fill > remaining {
			fill = remaining
		}
		price := entry.Order.Price
		if entry.Order.Kind == types.KindMarket {
			price = reference
		}
		cost += price * fill
		remaining -= fill
		return remaining > 0
	})
	return cost, nil
}

// releaseReservation compensates a failed placement.
func (s *Service) releaseReservation(order *types.Order, qty int64) {
	var err error
	switch {
	case order.Side == types.SideSell:
		err = s.db.ReleaseShares(order.UserID, order.Symbol, qty)
	case order.Kind == types.KindLimit:
		err = s.db.ReleaseFunds(order.UserID, qty*order.Price)
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("order_id", order.OrderID).
			Msg("failed to release reservation after aborted placement")
	}
}

// CancelOrder transitions an order to CANCELLED and releases the unfilled
// portion's reservation. It uses the same conditional-update discipline as
// settlement: the cancel only succeeds against the state it last observed,
// otherwise it re-reads and reports the order's new state. Cancelling an
// already-cancelled order is a stable no-op.
func (s *Service) CancelOrder(userID, orderID, reason string) (*types.Order, string, error) {
	order, err := s.db.GetOrderByIDAndUser(orderID, userID)
	if err != nil {
		return nil, "", err
	}

	alreadyCancelled := false
	err = s.retry.RetryOn(types.ErrConflict, func() error {
		if order.Status == types.StatusCancelled {
			alreadyCancelled = true
			return nil
		}
		if order.Status == types.StatusFilled {
			return fmt.Errorf("%w: order already filled", types.ErrOrderNotCancellable)
		}
		if cancelErr := s.db.CancelOrderRecord(order); cancelErr != nil {
			if errors.Is(cancelErr, types.ErrConflict) {
				fresh, readErr := s.db.GetOrder(order.OrderID)
				if readErr != nil {
					return readErr
				}
				*order = *fresh
			}
			return cancelErr
		}

		// The conditional update froze order.Quantity as the unfilled
		// remainder; release exactly that.
		remaining := order.Quantity
		switch {
		case order.Side == types.SideSell:
			return s.db.ReleaseShares(userID, order.Symbol, remaining)
		case order.Kind == types.KindLimit:
			return s.db.ReleaseFunds(userID, remaining*order.Price)
		}
		return nil
	})
	if err != nil {
		return order, "", err
	}

	message := MsgCancelled
	if alreadyCancelled {
		message = MsgAlreadyCancelled
	} else if reason != "" {
		message = MsgCancelled + ": " + reason
	}

	log.Info().
		Str("service", "trading").
		Str("order_id", orderID).
		Str("user_id", userID).
		Str("reason", reason).
		Bool("already_cancelled", alreadyCancelled).
		Msg("order cancel processed")

	if !alreadyCancelled {
		s.scheduler.Trigger(order.Symbol)
	}
	return order, message, nil
}

// GetOrderStatus returns the caller's order.
func (s *Service) GetOrderStatus(userID, orderID string) (*types.Order, error) {
	return s.db.GetOrderByIDAndUser(orderID, userID)
}

// OrderBookView is the aggregated depth snapshot returned to callers.
type OrderBookView struct {
	Symbol string                `json:"symbol"`
	Bids   []matching.PriceLevel `json:"bids"`
	Asks   []matching.PriceLevel `json:"asks"`
}

// GetOrderBook returns up to depth aggregated price levels per side,
// including the synthetic IPO level.
func (s *Service) GetOrderBook(symbol string, depth int) (*OrderBookView, error) {
	orders, err := s.db.OpenOrders(symbol)
	if err != nil {
		return nil, err
	}
	inventory, err := s.db.GetIPOInventory(symbol)
	if err != nil {
		return nil, err
	}
	book := matching.NewBook(symbol, orders, inventory)
	bids, asks := book.Depth(depth)
	return &OrderBookView{Symbol: symbol, Bids: bids, Asks: asks}, nil
}
