package types

import (
	"time"

	"gorm.io/gorm"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order kinds.
const (
	KindMarket = "MARKET"
	KindLimit  = "LIMIT"
)

// Order statuses. PENDING_LIMIT orders sit outside the price band and are
// re-checked at the start of every matching run. FILLED and CANCELLED are
// terminal.
const (
	StatusPendingLimit = "PENDING_LIMIT"
	StatusPending      = "PENDING"
	StatusPartial      = "PARTIAL"
	StatusFilled       = "FILLED"
	StatusCancelled    = "CANCELLED"
)

// SystemSeller identifies the virtual IPO counterparty on trades that
// consume IPO inventory. It never holds an account or a position.
const SystemSeller = "SYSTEM"

type Order struct {
	gorm.Model     `json:"-"`
	OrderID        string    `gorm:"uniqueIndex" json:"order_id"`
	UserID         string    `gorm:"index" json:"user_id"`
	Symbol         string    `gorm:"index" json:"symbol"`
	Side           string    `json:"side"`     // BUY or SELL
	Kind           string    `json:"kind"`     // MARKET or LIMIT
	Quantity       int64     `json:"quantity"` // remaining, counts down as fills apply
	FilledQuantity int64     `json:"filled_quantity"`
	Price          int64     `json:"price"` // limit price in points; 0 for market orders
	Status         string    `json:"status"`
	LimitExceeded  bool      `json:"limit_exceeded"`
	Version        int64     `json:"version"` // optimistic-concurrency precondition
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// OriginalQuantity returns the quantity the order was submitted with.
func (o *Order) OriginalQuantity() int64 {
	return o.Quantity + o.FilledQuantity
}

// Open reports whether the order can still participate in matching.
func (o *Order) Open() bool {
	switch o.Status {
	case StatusPending, StatusPartial, StatusPendingLimit:
		return true
	}
	return false
}

// Terminal reports whether the order can no longer be mutated.
func (o *Order) Terminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

// Trade is the immutable record of one matching event. SellOrderID is nil
// when the sell side was the virtual IPO inventory.
type Trade struct {
	gorm.Model  `json:"-"`
	TradeID     string    `gorm:"uniqueIndex" json:"trade_id"`
	Symbol      string    `gorm:"index" json:"symbol"`
	BuyOrderID  string    `json:"buy_order_id"`
	SellOrderID *string   `json:"sell_order_id,omitempty"`
	BuyerID     string    `json:"buyer_id"`
	SellerID    string    `json:"seller_id"` // SYSTEM for IPO fills
	Price       int64     `json:"price"`
	Quantity    int64     `json:"quantity"`
	Amount      int64     `json:"amount"` // price * quantity
	ExecutedAt  time.Time `gorm:"index" json:"executed_at"`
}
