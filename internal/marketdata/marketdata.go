// Package marketdata computes the reference price and applies the price
// band gate. Both are pure reads over trade history and market config; no
// state of their own, no locking.
package marketdata

import (
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Defaults applied when a symbol has no MarketConfig row.
type Defaults struct {
	BandPercent    float64
	ReferencePrice int64
}

type Service struct {
	db       *Database
	defaults Defaults

	// now is swappable so tests can pin the trading day.
	now func() time.Time
}

func NewService(gormDB *gorm.DB, defaults Defaults) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		defaults: defaults,
		now:      time.Now,
	}
}

// Band returns the effective band parameters for a symbol: the configured
// band percent and whether the market is open. Missing config falls back to
// process defaults with the market considered open.
func (s *Service) Band(symbol string) (bandPercent float64, marketOpen bool, err error) {
	config, err := s.db.GetMarketConfig(symbol)
	if err != nil {
		return 0, false, err
	}
	if config == nil {
		return s.defaults.BandPercent, true, nil
	}
	return config.BandPercent, config.MarketOpen, nil
}

// ReferencePrice computes the basis price for band checks: the prior trading
// day's last trade price, else today's first trade price, else the
// configured default.
func (s *Service) ReferencePrice(symbol string) (int64, error) {
	now := s.now()
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	startOfYesterday := startOfToday.AddDate(0, 0, -1)

	price, ok, err := s.db.LastTradePriceBetween(symbol, startOfYesterday, startOfToday)
	if err != nil {
		return 0, err
	}
	if ok {
		return price, nil
	}

	price, ok, err = s.db.FirstTradePriceSince(symbol, startOfToday)
	if err != nil {
		return 0, err
	}
	if ok {
		return price, nil
	}

	config, err := s.db.GetMarketConfig(symbol)
	if err != nil {
		return 0, err
	}
	if config != nil && config.DefaultReferencePrice > 0 {
		return config.DefaultReferencePrice, nil
	}
	return s.defaults.ReferencePrice, nil
}

// CheckBand reports whether price falls inside the allowed band around the
// reference price: reference*(1-band) <= price <= reference*(1+band). An
// order failing the check is queued as PENDING_LIMIT, not rejected.
func (s *Service) CheckBand(symbol string, price int64) (bool, error) {
	reference, err := s.ReferencePrice(symbol)
	if err != nil {
		return false, err
	}
	bandPercent, _, err := s.Band(symbol)
	if err != nil {
		return false, err
	}

	lower := float64(reference) * (1 - bandPercent)
	upper := float64(reference) * (1 + bandPercent)
	inside := float64(price) >= lower && float64(price) <= upper

	if !inside {
		log.Debug().
			Str("symbol", symbol).
			Int64("price", price).
			Int64("reference", reference).
			Float64("band_percent", bandPercent).
			Msg("price outside band")
	}
	return inside, nil
}
