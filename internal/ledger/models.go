package ledger

import (
	"time"

	"gorm.io/gorm"
)

// Account holds a user's point balance. Reserved tracks points committed to
// resting buy limit orders; available spending power is Balance - Reserved.
// Balance is only ever mutated together with a BalanceEntry append.
type Account struct {
	gorm.Model `json:"-"`
	UserID     string `gorm:"uniqueIndex" json:"user_id"`
	Balance    int64  `json:"balance"`
	Reserved   int64  `json:"reserved"`
}

// Available returns the spendable portion of the balance.
func (a *Account) Available() int64 {
	return a.Balance - a.Reserved
}

// Position holds a user's share count in one symbol. Reserved tracks shares
// committed to resting sell orders.
type Position struct {
	gorm.Model `json:"-"`
	UserID     string `gorm:"index:idx_positions_user_symbol,unique" json:"user_id"`
	Symbol     string `gorm:"index:idx_positions_user_symbol,unique" json:"symbol"`
	Quantity   int64  `json:"quantity"`
	Reserved   int64  `json:"reserved"`
}

// Available returns the sellable portion of the position.
func (p *Position) Available() int64 {
	return p.Quantity - p.Reserved
}

// BalanceEntry is one line of the append-only balance audit log. Every
// balance mutation writes exactly one entry.
type BalanceEntry struct {
	gorm.Model       `json:"-"`
	UserID           string    `gorm:"index" json:"user_id"`
	Amount           int64     `json:"amount"` // signed delta
	ResultingBalance int64     `json:"resulting_balance"`
	Reason           string    `json:"reason"`
	TradeID          string    `json:"trade_id,omitempty"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// IPOInventory is the virtual seller's remaining stock for a symbol. While
// SharesRemaining > 0 the order book carries one synthetic ask at UnitPrice.
type IPOInventory struct {
	gorm.Model      `json:"-"`
	Symbol          string `gorm:"uniqueIndex" json:"symbol"`
	SharesRemaining int64  `json:"shares_remaining"`
	UnitPrice       int64  `json:"unit_price"`
	Version         int64  `json:"version"`
}

// MarketConfig holds the runtime-mutable market parameters for a symbol.
// Updating it re-triggers matching so PENDING_LIMIT orders get re-checked.
type MarketConfig struct {
	gorm.Model            `json:"-"`
	Symbol                string  `gorm:"uniqueIndex" json:"symbol"`
	BandPercent           float64 `json:"band_percent"` // e.g. 0.20 for +/-20%
	DefaultReferencePrice int64   `json:"default_reference_price"`
	MarketOpen            bool    `json:"market_open"`
}
