package ledger

import (
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/pointmarket-api/internal/types"
)

// Database is the ledger store: balances, positions, orders, trades, the
// audit log, and IPO inventory. All mutating operations are conditional
// updates ("update iff the precondition still holds") checked through
// RowsAffected, so unrelated records never block each other and a failed
// precondition surfaces as a typed error instead of a partial write.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// WithTx returns a Database bound to the given transaction handle so the
// settlement engine can run its whole effect group on one transaction.
func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

// DB exposes the underlying handle for transaction management.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// --- accounts ---

// CreateAccount creates an account with an opening balance and writes the
// opening audit entry.
func (d *Database) CreateAccount(userID string, balance int64) error {
	account := Account{UserID: userID, Balance: balance}
	if err := d.db.Create(&account).Error; err != nil {
		return err
	}
	return d.appendBalanceEntry(userID, balance, "account opened", "")
}

func (d *Database) GetAccount(userID string) (*Account, error) {
	var account Account
	if err := d.db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ReserveFunds commits points to a resting buy order. Fails if the available
// balance (balance - reserved) is below amount, leaving nothing changed.
func (d *Database) ReserveFunds(userID string, amount int64) error {
	res := d.db.Model(&Account{}).
		Where("user_id = ? AND balance - reserved >= ?", userID, amount).
		Update("reserved", gorm.Expr("reserved + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		account, err := d.GetAccount(userID)
		if err != nil {
			return err
		}
		return &types.InsufficientResourceError{
			Resource:  types.ResourcePoints,
			Required:  amount,
			Available: account.Available(),
		}
	}
	return nil
}

// ReleaseFunds returns reserved points to the available balance, e.g. for
// the unfilled portion of a cancelled buy order.
func (d *Database) ReleaseFunds(userID string, amount int64) error {
	if amount == 0 {
		return nil
	}
	res := d.db.Model(&Account{}).
		Where("user_id = ? AND reserved >= ?", userID, amount).
		Update("reserved", gorm.Expr("reserved - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &types.InvariantViolationError{
			Message: "release of " + itoa(amount) + " points exceeds reservation for user " + userID,
		}
	}
	return nil
}

// DebitBalance removes amount points from the user's balance and releases
// release points of reservation in the same conditional update. It fails
// whole, never partially, when the balance or reservation is too low.
func (d *Database) DebitBalance(userID string, amount, release int64, reason, tradeID string) error {
	res := d.db.Model(&Account{}).
		Where("user_id = ? AND balance >= ? AND reserved >= ?", userID, amount, release).
		Updates(map[string]interface{}{
			"balance":  gorm.Expr("balance - ?", amount),
			"reserved": gorm.Expr("reserved - ?", release),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		account, err := d.GetAccount(userID)
		if err != nil {
			return err
		}
		return &types.InsufficientResourceError{
			Resource:  types.ResourcePoints,
			Required:  amount,
			Available: account.Balance,
		}
	}
	return d.appendBalanceEntry(userID, -amount, reason, tradeID)
}

// CreditBalance adds amount points to the user's balance.
func (d *Database) CreditBalance(userID string, amount int64, reason, tradeID string) error {
	res := d.db.Model(&Account{}).
		Where("user_id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrAccountNotFound
	}
	return d.appendBalanceEntry(userID, amount, reason, tradeID)
}

// appendBalanceEntry records the audit line for a balance mutation. It runs
// on the same handle (and therefore the same transaction) as the mutation.
func (d *Database) appendBalanceEntry(userID string, amount int64, reason, tradeID string) error {
	account, err := d.GetAccount(userID)
	if err != nil {
		return err
	}
	entry := BalanceEntry{
		UserID:           userID,
		Amount:           amount,
		ResultingBalance: account.Balance,
		Reason:           reason,
		TradeID:          tradeID,
		RecordedAt:       time.Now(),
	}
	return d.db.Create(&entry).Error
}

// ListBalanceEntries returns the audit log for a user, oldest first.
func (d *Database) ListBalanceEntries(userID string) ([]BalanceEntry, error) {
	var entries []BalanceEntry
	err := d.db.Where("user_id = ?", userID).Order("id asc").Find(&entries).Error
	return entries, err
}

// --- positions ---

func (d *Database) GetPosition(userID, symbol string) (*Position, error) {
	var position Position
	err := d.db.Where("user_id = ? AND symbol = ?", userID, symbol).First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Position{UserID: userID, Symbol: symbol}, nil
		}
		return nil, err
	}
	return &position, nil
}

// ListPositions returns every holding for a user.
func (d *Database) ListPositions(userID string) ([]Position, error) {
	var positions []Position
	err := d.db.Where("user_id = ?", userID).Order("symbol asc").Find(&positions).Error
	return positions, err
}

// SetPosition seeds a holding, used by account provisioning.
func (d *Database) SetPosition(userID, symbol string, quantity int64) error {
	res := d.db.Model(&Position{}).
		Where("user_id = ? AND symbol = ?", userID, symbol).
		Update("quantity", quantity)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return d.db.Create(&Position{UserID: userID, Symbol: symbol, Quantity: quantity}).Error
	}
	return nil
}

// ReserveShares commits shares to a resting sell order. Fails if the
// available quantity (quantity - reserved) is below qty.
func (d *Database) ReserveShares(userID, symbol string, qty int64) error {
	res := d.db.Model(&Position{}).
		Where("user_id = ? AND symbol = ? AND quantity - reserved >= ?", userID, symbol, qty).
		Update("reserved", gorm.Expr("reserved + ?", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		position, err := d.GetPosition(userID, symbol)
		if err != nil {
			return err
		}
		return &types.InsufficientResourceError{
			Resource:  types.ResourceShares,
			Required:  qty,
			Available: position.Available(),
		}
	}
	return nil
}

// ReleaseShares returns reserved shares to the tradable position.
func (d *Database) ReleaseShares(userID, symbol string, qty int64) error {
	if qty == 0 {
		return nil
	}
	res := d.db.Model(&Position{}).
		Where("user_id = ? AND symbol = ? AND reserved >= ?", userID, symbol, qty).
		Update("reserved", gorm.Expr("reserved - ?", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &types.InvariantViolationError{
			Message: "release of " + itoa(qty) + " shares exceeds reservation for user " + userID,
		}
	}
	return nil
}

// AddShares credits a buyer's position, creating it on first fill.
func (d *Database) AddShares(userID, symbol string, qty int64) error {
	res := d.db.Model(&Position{}).
		Where("user_id = ? AND symbol = ?", userID, symbol).
		Update("quantity", gorm.Expr("quantity + ?", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if err := d.db.Create(&Position{UserID: userID, Symbol: symbol, Quantity: qty}).Error; err != nil {
			// A concurrent first fill created the row between the update
			// and the insert; surface as a conflict so the caller retries.
			return types.ErrConflict
		}
	}
	return nil
}

// RemoveShares debits a seller's position, consuming both the held quantity
// and the matching reservation. The guard keeps both columns non-negative.
func (d *Database) RemoveShares(userID, symbol string, qty int64) error {
	res := d.db.Model(&Position{}).
		Where("user_id = ? AND symbol = ? AND quantity >= ? AND reserved >= ?", userID, symbol, qty, qty).
		Updates(map[string]interface{}{
			"quantity": gorm.Expr("quantity - ?", qty),
			"reserved": gorm.Expr("reserved - ?", qty),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		position, err := d.GetPosition(userID, symbol)
		if err != nil {
			return err
		}
		return &types.InsufficientResourceError{
			Resource:  types.ResourceShares,
			Required:  qty,
			Available: position.Quantity,
		}
	}
	return nil
}

// --- IPO inventory ---

func (d *Database) GetIPOInventory(symbol string) (*IPOInventory, error) {
	var inventory IPOInventory
	err := d.db.Where("symbol = ?", symbol).First(&inventory).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &inventory, nil
}

// SetIPOInventory creates or replaces the virtual seller's stock for a symbol.
func (d *Database) SetIPOInventory(symbol string, shares, unitPrice int64) error {
	res := d.db.Model(&IPOInventory{}).
		Where("symbol = ?", symbol).
		Updates(map[string]interface{}{
			"shares_remaining": shares,
			"unit_price":       unitPrice,
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return d.db.Create(&IPOInventory{Symbol: symbol, SharesRemaining: shares, UnitPrice: unitPrice}).Error
	}
	return nil
}

// ConsumeIPOInventory decrements the virtual seller's stock, guarded so it
// never goes below zero.
func (d *Database) ConsumeIPOInventory(symbol string, qty int64) error {
	res := d.db.Model(&IPOInventory{}).
		Where("symbol = ? AND shares_remaining >= ?", symbol, qty).
		Updates(map[string]interface{}{
			"shares_remaining": gorm.Expr("shares_remaining - ?", qty),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		inventory, err := d.GetIPOInventory(symbol)
		if err != nil {
			return err
		}
		available := int64(0)
		if inventory != nil {
			available = inventory.SharesRemaining
		}
		return &types.InsufficientResourceError{
			Resource:  types.ResourceShares,
			Required:  qty,
			Available: available,
		}
	}
	return nil
}

// --- market config ---

func (d *Database) GetMarketConfig(symbol string) (*MarketConfig, error) {
	var config MarketConfig
	err := d.db.Where("symbol = ?", symbol).First(&config).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &config, nil
}

func (d *Database) UpsertMarketConfig(config *MarketConfig) error {
	res := d.db.Model(&MarketConfig{}).
		Where("symbol = ?", config.Symbol).
		Updates(map[string]interface{}{
			"band_percent":            config.BandPercent,
			"default_reference_price": config.DefaultReferencePrice,
			"market_open":             config.MarketOpen,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return d.db.Create(config).Error
	}
	return nil
}

// --- orders ---

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByIDAndUser(orderID, userID string) (*types.Order, error) {
	var order types.Order
	err := d.db.Where("order_id = ? AND user_id = ?", orderID, userID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// OpenOrders returns every order still able to participate in matching for
// the symbol, oldest first. The book layer applies price-time ordering.
func (d *Database) OpenOrders(symbol string) ([]*types.Order, error) {
	var orders []*types.Order
	err := d.db.
		Where("symbol = ? AND status IN ?", symbol,
			[]string{types.StatusPending, types.StatusPartial, types.StatusPendingLimit}).
		Order("created_at asc, id asc").
		Find(&orders).Error
	return orders, err
}

// ApplyFill moves qty from remaining to filled on the order, transitioning
// the status per the lifecycle. The version precondition makes the update
// conditional; a concurrent mutation surfaces as ErrConflict. On success the
// in-memory order is advanced to match the stored row.
func (d *Database) ApplyFill(order *types.Order, qty int64) error {
	if qty <= 0 || qty > order.Quantity {
		return &types.InvariantViolationError{
			Message: "fill quantity " + itoa(qty) + " out of range for order " + order.OrderID,
		}
	}
	remaining := order.Quantity - qty
	status := types.StatusPartial
	if remaining == 0 {
		status = types.StatusFilled
	}
	res := d.db.Model(&types.Order{}).
		Where("order_id = ? AND version = ?", order.OrderID, order.Version).
		Updates(map[string]interface{}{
			"quantity":        remaining,
			"filled_quantity": order.FilledQuantity + qty,
			"status":          status,
			"version":         order.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrConflict
	}
	order.Quantity = remaining
	order.FilledQuantity += qty
	order.Status = status
	order.Version++
	return nil
}

// PromoteOrder moves a PENDING_LIMIT order into PENDING once its price
// passes the band again.
func (d *Database) PromoteOrder(order *types.Order) error {
	res := d.db.Model(&types.Order{}).
		Where("order_id = ? AND version = ? AND status = ?",
			order.OrderID, order.Version, types.StatusPendingLimit).
		Updates(map[string]interface{}{
			"status":         types.StatusPending,
			"limit_exceeded": false,
			"version":        order.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrConflict
	}
	order.Status = types.StatusPending
	order.LimitExceeded = false
	order.Version++
	return nil
}

// CancelOrderRecord transitions an order to CANCELLED iff it is still in a
// cancellable state with the version the caller last observed.
func (d *Database) CancelOrderRecord(order *types.Order) error {
	res := d.db.Model(&types.Order{}).
		Where("order_id = ? AND version = ? AND status IN ?",
			order.OrderID, order.Version,
			[]string{types.StatusPending, types.StatusPartial, types.StatusPendingLimit}).
		Updates(map[string]interface{}{
			"status":  types.StatusCancelled,
			"version": order.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrConflict
	}
	order.Status = types.StatusCancelled
	order.Version++
	return nil
}

// --- trades ---

func (d *Database) CreateTrade(trade *types.Trade) error {
	return d.db.Create(trade).Error
}

func (d *Database) ListTrades(symbol string) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.Where("symbol = ?", symbol).Order("id asc").Find(&trades).Error
	return trades, err
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
