package matching

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/pointmarket-api/internal/ledger"
	"github.com/ksred/pointmarket-api/internal/marketdata"
	"github.com/ksred/pointmarket-api/internal/settlement"
	"github.com/ksred/pointmarket-api/internal/types"
)

type captureNotifier struct {
	trades []*types.Trade
}

func (c *captureNotifier) OnTradeExecuted(trade *types.Trade, buyerID, sellerID string) {
	c.trades = append(c.trades, trade)
}

type engineFixture struct {
	engine   *Engine
	ledger   *ledger.Database
	gormDB   *gorm.DB
	notifier *captureNotifier
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Order{}, &types.Trade{},
		&ledger.Account{}, &ledger.Position{}, &ledger.BalanceEntry{},
		&ledger.IPOInventory{}, &ledger.MarketConfig{},
	))

	market := marketdata.NewService(db, marketdata.Defaults{BandPercent: 0.2, ReferencePrice: 100})
	settler := settlement.NewService(db, true)
	notifier := &captureNotifier{}
	return &engineFixture{
		engine:   NewEngine(db, market, settler, notifier),
		ledger:   ledger.NewDatabase(db),
		gormDB:   db,
		notifier: notifier,
	}
}

// placeBuyLimit seeds the order the way the trading service would: the funds
// are reserved before the order is persisted.
func (f *engineFixture) placeBuyLimit(t *testing.T, id, userID string, qty, price int64, at time.Time) *types.Order {
	t.Helper()
	require.NoError(t, f.ledger.ReserveFunds(userID, qty*price))
	order := limitOrder(id, userID, types.SideBuy, price, qty, at)
	require.NoError(t, f.ledger.CreateOrder(order))
	return order
}

func (f *engineFixture) placeSellLimit(t *testing.T, id, userID string, qty, price int64, at time.Time) *types.Order {
	t.Helper()
	require.NoError(t, f.ledger.ReserveShares(userID, "ALPHA", qty))
	order := limitOrder(id, userID, types.SideSell, price, qty, at)
	require.NoError(t, f.ledger.CreateOrder(order))
	return order
}

func TestRunMatchesCrossingLimitOrders(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.ledger.CreateAccount("A", 1000))
	require.NoError(t, f.ledger.CreateAccount("B", 0))
	require.NoError(t, f.ledger.SetPosition("B", "ALPHA", 10))

	f.placeBuyLimit(t, "ORD_A", "A", 5, 100, bookEpoch)
	f.placeSellLimit(t, "ORD_B", "B", 5, 100, bookEpoch.Add(time.Second))

	trades, err := f.engine.Run("ALPHA")
	require.NoError(t, err)
	require.Len(t, trades, 1)

	trade := trades[0]
	assert.Equal(t, int64(5), trade.Quantity)
	assert.Equal(t, int64(100), trade.Price)
	assert.Equal(t, int64(500), trade.Amount)
	assert.Equal(t, "A", trade.BuyerID)
	assert.Equal(t, "B", trade.SellerID)
	require.NotNil(t, trade.SellOrderID)
	assert.Equal(t, "ORD_B", *trade.SellOrderID)

	accountA, err := f.ledger.GetAccount("A")
	require.NoError(t, err)
	assert.Equal(t, int64(500), accountA.Balance)
	assert.Equal(t, int64(0), accountA.Reserved)

	accountB, err := f.ledger.GetAccount("B")
	require.NoError(t, err)
	assert.Equal(t, int64(500), accountB.Balance)

	positionA, err := f.ledger.GetPosition("A", "ALPHA")
	require.NoError(t, err)
	assert.Equal(t, int64(5), positionA.Quantity)

	positionB, err := f.ledger.GetPosition("B", "ALPHA")
	require.NoError(t, err)
	assert.Equal(t, int64(5), positionB.Quantity)
	assert.Equal(t, int64(0), positionB.Reserved)

	buy, err := f.ledger.GetOrder("ORD_A")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, buy.Status)
	sell, err := f.ledger.GetOrder("ORD_B")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, sell.Status)

	require.Len(t, f.notifier.trades, 1)
}

func TestRunFillsMarketBuyFromIPOInventory(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.ledger.CreateAccount("C", 50))
	require.NoError(t, f.ledger.SetIPOInventory("ALPHA", 100, 20))

	order := marketOrder("ORD_C", "C", types.SideBuy, 2, bookEpoch)
	require.NoError(t, f.ledger.CreateOrder(order))

	trades, err := f.engine.Run("ALPHA")
	require.NoError(t, err)
	require.Len(t, trades, 1)

	trade := trades[0]
	assert.Equal(t, int64(20), trade.Price)
	assert.Equal(t, int64(2), trade.Quantity)
	assert.Equal(t, types.SystemSeller, trade.SellerID)
	assert.Nil(t, trade.SellOrderID)

	account, err := f.ledger.GetAccount("C")
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Balance)

	position, err := f.ledger.GetPosition("C", "ALPHA")
	require.NoError(t, err)
	assert.Equal(t, int64(2), position.Quantity)

	inventory, err := f.ledger.GetIPOInventory("ALPHA")
	require.NoError(t, err)
	assert.Equal(t, int64(98), inventory.SharesRemaining)
}

func TestRunFillsGenuineSellerBeforeIPOAtSamePrice(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.ledger.CreateAccount("A", 1000))
	require.NoError(t, f.ledger.CreateAccount("B", 0))
	require.NoError(t, f.ledger.SetPosition("B", "ALPHA", 5))
	require.NoError(t, f.ledger.SetIPOInventory("ALPHA", 100, 20))

	f.placeSellLimit(t, "ORD_B", "B", 5, 20, bookEpoch)
	f.placeBuyLimit(t, "ORD_A", "A", 5, 20, bookEpoch.Add(time.Second))

	trades, err := f.engine.Run("ALPHA")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "B", trades[0].SellerID)
	require.NotNil(t, trades[0].SellOrderID)
	assert.Equal(t, "ORD_B", *trades[0].SellOrderID)

	// The IPO inventory sits behind the genuine ask and stays untouched.
	inventory, err := f.ledger.GetIPOInventory("ALPHA")
	require.NoError(t, err)
	assert.Equal(t, int64(100), inventory.SharesRemaining)
}

func TestRunReadmitsPendingLimitAfterBandWidens(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.ledger.CreateAccount("A", 1000))
	require.NoError(t, f.ledger.CreateAccount("B", 0))
	require.NoError(t, f.ledger.SetPosition("B", "ALPHA", 10))
	require.NoError(t, f.ledger.UpsertMarketConfig(&ledger.MarketConfig{
		Symbol: "ALPHA", BandPercent: 0.2, DefaultReferencePrice: 100, MarketOpen: true,
	}))

	f.placeSellLimit(t, "ORD_B", "B", 5, 120, bookEpoch)
	buy := f.placeBuyLimit(t, "ORD_A", "A", 5, 130, bookEpoch.Add(time.Second))
	buy.Status = types.StatusPendingLimit
	buy.LimitExceeded = true
	require.NoError(t, f.gormDB.Model(&types.Order{}).
		Where("order_id = ?", "ORD_A").
		Updates(map[string]interface{}{"status": types.StatusPendingLimit, "limit_exceeded": true}).Error)

	// Outside the band: no trade, order stays queued.
	trades, err := f.engine.Run("ALPHA")
	require.NoError(t, err)
	assert.Empty(t, trades)
	queued, err := f.ledger.GetOrder("ORD_A")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingLimit, queued.Status)

	// Widen the band; the next run promotes the order and matches it.
	require.NoError(t, f.ledger.UpsertMarketConfig(&ledger.MarketConfig{
		Symbol: "ALPHA", BandPercent: 0.4, DefaultReferencePrice: 100, MarketOpen: true,
	}))

	trades, err = f.engine.Run("ALPHA")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	// The resting ask arrived first, so its price sets the execution price.
	assert.Equal(t, int64(120), trades[0].Price)

	promoted, err := f.ledger.GetOrder("ORD_A")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, promoted.Status)
	assert.False(t, promoted.LimitExceeded)
}

func TestRunPreventsSelfTrade(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.ledger.CreateAccount("A", 1000))
	require.NoError(t, f.ledger.SetPosition("A", "ALPHA", 10))

	f.placeBuyLimit(t, "ORD_1", "A", 5, 100, bookEpoch)
	f.placeSellLimit(t, "ORD_2", "A", 5, 100, bookEpoch.Add(time.Second))

	trades, err := f.engine.Run("ALPHA")
	require.NoError(t, err)
	assert.Empty(t, trades)

	buy, err := f.ledger.GetOrder("ORD_1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, buy.Status)
}

func TestRunIsIdempotentOnNonCrossingBook(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.ledger.CreateAccount("A", 1000))
	require.NoError(t, f.ledger.CreateAccount("B", 0))
	require.NoError(t, f.ledger.SetPosition("B", "ALPHA", 10))

	f.placeBuyLimit(t, "ORD_A", "A", 5, 90, bookEpoch)
	f.placeSellLimit(t, "ORD_B", "B", 5, 110, bookEpoch)

	for i := 0; i < 3; i++ {
		trades, err := f.engine.Run("ALPHA")
		require.NoError(t, err)
		assert.Empty(t, trades)
	}

	buy, err := f.ledger.GetOrder("ORD_A")
	require.NoError(t, err)
	assert.Equal(t, int64(5), buy.Quantity)
}

func TestRunSkipsBuyerWithInsufficientFundsAtSettlement(t *testing.T) {
	f := newEngineFixture(t)
	// The buyer's balance was drained between placement and settlement; the
	// engine must skip that pairing and fill the next bid instead.
	require.NoError(t, f.ledger.CreateAccount("poor", 1000))
	require.NoError(t, f.ledger.CreateAccount("rich", 1000))
	require.NoError(t, f.ledger.CreateAccount("B", 0))
	require.NoError(t, f.ledger.SetPosition("B", "ALPHA", 5))

	f.placeBuyLimit(t, "ORD_POOR", "poor", 5, 110, bookEpoch)
	f.placeBuyLimit(t, "ORD_RICH", "rich", 5, 100, bookEpoch.Add(time.Second))
	f.placeSellLimit(t, "ORD_B", "B", 5, 100, bookEpoch.Add(2*time.Second))

	// Drain the poor buyer's balance out from under the reservation.
	require.NoError(t, f.gormDB.Model(&ledger.Account{}).
		Where("user_id = ?", "poor").
		Update("balance", 0).Error)

	trades, err := f.engine.Run("ALPHA")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "rich", trades[0].BuyerID)

	skipped, err := f.ledger.GetOrder("ORD_POOR")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, skipped.Status)
	assert.Equal(t, int64(5), skipped.Quantity)
}

func TestRunPartialFillLeavesRemainderResting(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.ledger.CreateAccount("A", 1000))
	require.NoError(t, f.ledger.CreateAccount("B", 0))
	require.NoError(t, f.ledger.SetPosition("B", "ALPHA", 3))

	f.placeBuyLimit(t, "ORD_A", "A", 5, 100, bookEpoch)
	f.placeSellLimit(t, "ORD_B", "B", 3, 100, bookEpoch.Add(time.Second))

	trades, err := f.engine.Run("ALPHA")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(3), trades[0].Quantity)

	buy, err := f.ledger.GetOrder("ORD_A")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartial, buy.Status)
	assert.Equal(t, int64(2), buy.Quantity)
	assert.Equal(t, int64(3), buy.FilledQuantity)

	sell, err := f.ledger.GetOrder("ORD_B")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, sell.Status)
}

func TestFairPricePrecedence(t *testing.T) {
	f := newEngineFixture(t)

	ipoAsk := Entry{
		SortPrice: 20,
		OrderID:   SyntheticOrderID,
		Synthetic: true,
		Order: &types.Order{
			OrderID: SyntheticOrderID, UserID: types.SystemSeller,
			Side: types.SideSell, Kind: types.KindLimit, Price: 20, Quantity: 10,
		},
	}
	limitBid := func(price int64, at time.Time) Entry {
		order := limitOrder("ORD_BID", "a", types.SideBuy, price, 1, at)
		return Entry{SortPrice: price, CreatedAt: at, OrderID: order.OrderID, Order: order}
	}
	limitAsk := func(price int64, at time.Time) Entry {
		order := limitOrder("ORD_ASK", "b", types.SideSell, price, 1, at)
		return Entry{SortPrice: price, CreatedAt: at, OrderID: order.OrderID, Order: order}
	}
	marketBid := func(at time.Time) Entry {
		order := marketOrder("ORD_MBID", "a", types.SideBuy, 1, at)
		return Entry{SortPrice: sortPrice(order), CreatedAt: at, OrderID: order.OrderID, Order: order}
	}
	marketAsk := func(at time.Time) Entry {
		order := marketOrder("ORD_MASK", "b", types.SideSell, 1, at)
		return Entry{SortPrice: sortPrice(order), CreatedAt: at, OrderID: order.OrderID, Order: order}
	}

	early := bookEpoch
	late := bookEpoch.Add(time.Minute)

	// 1. The synthetic IPO ask always trades at the IPO unit price.
	price, err := f.engine.fairPrice("ALPHA", limitBid(130, early), ipoAsk)
	require.NoError(t, err)
	assert.Equal(t, int64(20), price)

	// 2. Market against limit trades at the limit side's price.
	price, err = f.engine.fairPrice("ALPHA", marketBid(early), limitAsk(110, late))
	require.NoError(t, err)
	assert.Equal(t, int64(110), price)

	price, err = f.engine.fairPrice("ALPHA", limitBid(130, early), marketAsk(late))
	require.NoError(t, err)
	assert.Equal(t, int64(130), price)

	// 3. Market against market trades at the reference price.
	price, err = f.engine.fairPrice("ALPHA", marketBid(early), marketAsk(late))
	require.NoError(t, err)
	assert.Equal(t, int64(100), price)

	// 4. Limit against limit trades at the earlier order's price; ties go to
	// the ask.
	price, err = f.engine.fairPrice("ALPHA", limitBid(130, early), limitAsk(110, late))
	require.NoError(t, err)
	assert.Equal(t, int64(130), price)

	price, err = f.engine.fairPrice("ALPHA", limitBid(130, late), limitAsk(110, early))
	require.NoError(t, err)
	assert.Equal(t, int64(110), price)

	price, err = f.engine.fairPrice("ALPHA", limitBid(130, early), limitAsk(110, early))
	require.NoError(t, err)
	assert.Equal(t, int64(110), price)
}
