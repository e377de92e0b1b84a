package marketdata

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/pointmarket-api/internal/ledger"
	"github.com/ksred/pointmarket-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// LastTradePriceBetween returns the price of the most recent trade executed
// in [from, to), or false when there were none.
func (d *Database) LastTradePriceBetween(symbol string, from, to time.Time) (int64, bool, error) {
	var trade types.Trade
	err := d.db.
		Where("symbol = ? AND executed_at >= ? AND executed_at < ?", symbol, from, to).
		Order("executed_at desc, id desc").
		First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return trade.Price, true, nil
}

// FirstTradePriceSince returns the price of the earliest trade executed at
// or after from, or false when there were none.
func (d *Database) FirstTradePriceSince(symbol string, from time.Time) (int64, bool, error) {
	var trade types.Trade
	err := d.db.
		Where("symbol = ? AND executed_at >= ?", symbol, from).
		Order("executed_at asc, id asc").
		First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return trade.Price, true, nil
}

func (d *Database) GetMarketConfig(symbol string) (*ledger.MarketConfig, error) {
	var config ledger.MarketConfig
	err := d.db.Where("symbol = ?", symbol).First(&config).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &config, nil
}
