package trading

import (
	"github.com/rs/zerolog/log"

	"github.com/ksred/pointmarket-api/internal/ledger"
)

// Administrative operations used by the internal API: account provisioning,
// IPO inventory, and market configuration. Config changes re-trigger
// matching so PENDING_LIMIT orders are re-checked promptly.

// SeedAccountRequest provisions a user with an opening balance and holdings.
type SeedAccountRequest struct {
	UserID    string           `json:"user_id" binding:"required"`
	Balance   int64            `json:"balance"`
	Positions map[string]int64 `json:"positions"`
}

func (s *Service) SeedAccount(req SeedAccountRequest) error {
	if err := s.db.CreateAccount(req.UserID, req.Balance); err != nil {
		return err
	}
	for symbol, quantity := range req.Positions {
		if err := s.db.SetPosition(req.UserID, symbol, quantity); err != nil {
			return err
		}
	}
	log.Info().
		Str("service", "trading").
		Str("user_id", req.UserID).
		Int64("balance", req.Balance).
		Int("positions", len(req.Positions)).
		Msg("account seeded")
	return nil
}

// AccountSummary bundles an account with its holdings and audit trail.
type AccountSummary struct {
	Account   *ledger.Account       `json:"account"`
	Positions []ledger.Position     `json:"positions"`
	Audit     []ledger.BalanceEntry `json:"audit"`
}

func (s *Service) GetAccountSummary(userID string) (*AccountSummary, error) {
	account, err := s.db.GetAccount(userID)
	if err != nil {
		return nil, err
	}
	positions, err := s.db.ListPositions(userID)
	if err != nil {
		return nil, err
	}
	audit, err := s.db.ListBalanceEntries(userID)
	if err != nil {
		return nil, err
	}
	return &AccountSummary{Account: account, Positions: positions, Audit: audit}, nil
}

// SetIPOInventoryRequest replaces the virtual seller's stock for a symbol.
type SetIPOInventoryRequest struct {
	Symbol    string `json:"symbol" binding:"required"`
	Shares    int64  `json:"shares"`
	UnitPrice int64  `json:"unit_price" binding:"required"`
}

func (s *Service) SetIPOInventory(req SetIPOInventoryRequest) error {
	if err := s.db.SetIPOInventory(req.Symbol, req.Shares, req.UnitPrice); err != nil {
		return err
	}
	s.scheduler.Trigger(req.Symbol)
	return nil
}

// UpdateMarketConfigRequest adjusts the band, default reference price, or
// market-open flag for a symbol.
type UpdateMarketConfigRequest struct {
	Symbol                string  `json:"symbol" binding:"required"`
	BandPercent           float64 `json:"band_percent"`
	DefaultReferencePrice int64   `json:"default_reference_price"`
	MarketOpen            bool    `json:"market_open"`
}

func (s *Service) UpdateMarketConfig(req UpdateMarketConfigRequest) error {
	err := s.db.UpsertMarketConfig(&ledger.MarketConfig{
		Symbol:                req.Symbol,
		BandPercent:           req.BandPercent,
		DefaultReferencePrice: req.DefaultReferencePrice,
		MarketOpen:            req.MarketOpen,
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("service", "trading").
		Str("symbol", req.Symbol).
		Float64("band_percent", req.BandPercent).
		Bool("market_open", req.MarketOpen).
		Msg("market config updated")

	// A band or reference change can re-admit PENDING_LIMIT orders.
	s.scheduler.TriggerAll()
	return nil
}
