package trading

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/pointmarket-api/internal/ledger"
	"github.com/ksred/pointmarket-api/internal/marketdata"
	"github.com/ksred/pointmarket-api/internal/types"
)

type fakeTrigger struct {
	symbols []string
	all     int
}

func (f *fakeTrigger) Trigger(symbol string) {
	f.symbols = append(f.symbols, symbol)
}

func (f *fakeTrigger) TriggerAll() {
	f.all++
}

func newTestService(t *testing.T) (*Service, *ledger.Database, *fakeTrigger) {
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
	trigger := &fakeTrigger{}
	return NewService(db, market, trigger), ledger.NewDatabase(db), trigger
}

func TestPlaceOrderReservesFundsAndTriggersMatching(t *testing.T) {
	svc, db, trigger := newTestService(t)
	require.NoError(t, db.CreateAccount("alice", 1000))

	order, message, err := svc.PlaceOrder("alice", PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindLimit, Quantity: 5, Price: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, MsgAccepted, message)
	assert.Equal(t, types.StatusPending, order.Status)
	assert.True(t, strings.HasPrefix(order.OrderID, "ORD_"))

	account, err := db.GetAccount("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), account.Reserved)

	assert.Equal(t, []string{"ALPHA"}, trigger.symbols)
}

func TestPlaceOrderOutsideBandIsQueuedNotRejected(t *testing.T) {
	svc, db, _ := newTestService(t)
	require.NoError(t, db.CreateAccount("alice", 1000))

	order, message, err := svc.PlaceOrder("alice", PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindLimit, Quantity: 5, Price: 130,
	})
	require.NoError(t, err)
	assert.Equal(t, MsgWaitingForBand, message)
	assert.Equal(t, types.StatusPendingLimit, order.Status)
	assert.True(t, order.LimitExceeded)

	// The reservation is taken at acceptance even while queued.
	account, err := db.GetAccount("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(650), account.Reserved)
}

func TestPlaceOrderRejectsSellWithoutShares(t *testing.T) {
	svc, db, trigger := newTestService(t)
	require.NoError(t, db.CreateAccount("dave", 100))
	require.NoError(t, db.SetPosition("dave", "ALPHA", 3))

	_, _, err := svc.PlaceOrder("dave", PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideSell, Kind: types.KindLimit, Quantity: 5, Price: 100,
	})
	var insufficient *types.InsufficientResourceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, types.ResourceShares, insufficient.Resource)
	assert.Equal(t, int64(3), insufficient.Available)

	// Nothing persisted, nothing reserved, no matching run.
	orders, err := db.OpenOrders("ALPHA")
	require.NoError(t, err)
	assert.Empty(t, orders)
	position, err := db.GetPosition("dave", "ALPHA")
	require.NoError(t, err)
	assert.Equal(t, int64(3), position.Quantity)
	assert.Equal(t, int64(0), position.Reserved)
	assert.Empty(t, trigger.symbols)
}

func TestConcurrentOverlappingSellsNeverOversell(t *testing.T) {
	svc, db, _ := newTestService(t)

	// Funnel the goroutines through one connection; sqlite rejects
	// concurrent writers on a shared-cache database.
	sqlDB, err := db.DB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.SetPosition("bob", "ALPHA", 100))

	req := PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideSell, Kind: types.KindLimit, Quantity: 80, Price: 100,
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = svc.PlaceOrder("bob", req)
		}(i)
	}
	wg.Wait()

	// 80 + 80 exceeds the 100 held, so exactly one order may be accepted no
	// matter how the two placements interleave.
	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		var insufficient *types.InsufficientResourceError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, types.ResourceShares, insufficient.Resource)
	}
	assert.Equal(t, 1, accepted)

	position, err := db.GetPosition("bob", "ALPHA")
	require.NoError(t, err)
	assert.Equal(t, int64(80), position.Reserved)
	assert.LessOrEqual(t, position.Reserved, position.Quantity)

	orders, err := db.OpenOrders("ALPHA")
	require.NoError(t, err)
	var total int64
	for _, order := range orders {
		total += order.Quantity
	}
	assert.LessOrEqual(t, total, int64(100))
}

func TestPlaceOrderRejectsWhenMarketClosed(t *testing.T) {
	svc, db, _ := newTestService(t)
	require.NoError(t, db.CreateAccount("alice", 1000))
	require.NoError(t, db.UpsertMarketConfig(&ledger.MarketConfig{
		Symbol: "ALPHA", BandPercent: 0.2, DefaultReferencePrice: 100, MarketOpen: false,
	}))

	_, _, err := svc.PlaceOrder("alice", PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindLimit, Quantity: 1, Price: 100,
	})
	assert.ErrorIs(t, err, types.ErrMarketClosed)
}

func TestPlaceOrderValidation(t *testing.T) {
	svc, db, _ := newTestService(t)
	require.NoError(t, db.CreateAccount("alice", 1000))

	cases := []PlaceOrderRequest{
		{Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindLimit, Quantity: 0, Price: 100},
		{Symbol: "ALPHA", Side: "HOLD", Kind: types.KindLimit, Quantity: 1, Price: 100},
		{Symbol: "ALPHA", Side: types.SideBuy, Kind: "STOP", Quantity: 1, Price: 100},
		{Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindLimit, Quantity: 1, Price: 0},
		{Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindMarket, Quantity: 1, Price: 100},
	}
	for _, req := range cases {
		_, _, err := svc.PlaceOrder("alice", req)
		var validation *types.ValidationError
		assert.ErrorAs(t, err, &validation, "request %+v", req)
	}
}

func TestPlaceMarketBuyRequiresLiquidity(t *testing.T) {
	svc, db, _ := newTestService(t)
	require.NoError(t, db.CreateAccount("carol", 50))

	_, _, err := svc.PlaceOrder("carol", PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindMarket, Quantity: 2,
	})
	assert.ErrorIs(t, err, types.ErrNoLiquidity)
}

func TestPlaceMarketBuyChecksEstimatedCost(t *testing.T) {
	svc, db, _ := newTestService(t)
	require.NoError(t, db.CreateAccount("carol", 50))
	require.NoError(t, db.SetIPOInventory("ALPHA", 100, 20))

	// 2 shares at the IPO price cost 40, within the 50-point balance.
	order, message, err := svc.PlaceOrder("carol", PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindMarket, Quantity: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, MsgAccepted, message)
	assert.Equal(t, types.KindMarket, order.Kind)

	// 3 shares cost 60 and must be rejected up front.
	_, _, err = svc.PlaceOrder("carol", PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindMarket, Quantity: 3,
	})
	var insufficient *types.InsufficientResourceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(60), insufficient.Required)
}

func TestCancelOrderReleasesRemainingReservation(t *testing.T) {
	svc, db, trigger := newTestService(t)
	require.NoError(t, db.CreateAccount("alice", 1000))

	order, _, err := svc.PlaceOrder("alice", PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindLimit, Quantity: 5, Price: 100,
	})
	require.NoError(t, err)

	cancelled, message, err := svc.CancelOrder("alice", order.OrderID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
	assert.Contains(t, message, MsgCancelled)

	account, err := db.GetAccount("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Reserved)
	assert.Equal(t, int64(1000), account.Balance)

	// Placement and cancel both trigger matching.
	assert.Len(t, trigger.symbols, 2)
}

func TestCancelPartiallyFilledOrderRefundsExactRemainder(t *testing.T) {
	svc, db, _ := newTestService(t)
	require.NoError(t, db.CreateAccount("alice", 1000))

	order, _, err := svc.PlaceOrder("alice", PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindLimit, Quantity: 5, Price: 100,
	})
	require.NoError(t, err)

	// Simulate a settled partial fill of 3: the fill debits 300 and releases
	// its share of the reservation, leaving 200 reserved for the remainder.
	require.NoError(t, db.ApplyFill(order, 3))
	require.NoError(t, db.DebitBalance("alice", 300, 300, "trade buy", "TRD_1"))

	cancelled, _, err := svc.CancelOrder("alice", order.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	// The refund is exactly remaining * price, never the original value.
	account, err := db.GetAccount("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(700), account.Balance)
	assert.Equal(t, int64(0), account.Reserved)
}

func TestCancelIsIdempotent(t *testing.T) {
	svc, db, _ := newTestService(t)
	require.NoError(t, db.CreateAccount("alice", 1000))

	order, _, err := svc.PlaceOrder("alice", PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindLimit, Quantity: 5, Price: 100,
	})
	require.NoError(t, err)

	_, _, err = svc.CancelOrder("alice", order.OrderID, "")
	require.NoError(t, err)

	// A second cancel is a stable no-op with no double refund.
	_, message, err := svc.CancelOrder("alice", order.OrderID, "")
	require.NoError(t, err)
	assert.Equal(t, MsgAlreadyCancelled, message)

	account, err := db.GetAccount("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Reserved)
}

func TestCancelFilledOrderFails(t *testing.T) {
	svc, db, _ := newTestService(t)
	require.NoError(t, db.CreateAccount("alice", 1000))

	order, _, err := svc.PlaceOrder("alice", PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindLimit, Quantity: 5, Price: 100,
	})
	require.NoError(t, err)
	require.NoError(t, db.ApplyFill(order, 5))

	_, _, err = svc.CancelOrder("alice", order.OrderID, "")
	assert.ErrorIs(t, err, types.ErrOrderNotCancellable)
}

func TestCancelRequiresOwnership(t *testing.T) {
	svc, db, _ := newTestService(t)
	require.NoError(t, db.CreateAccount("alice", 1000))

	order, _, err := svc.PlaceOrder("alice", PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindLimit, Quantity: 5, Price: 100,
	})
	require.NoError(t, err)

	_, _, err = svc.CancelOrder("mallory", order.OrderID, "")
	assert.ErrorIs(t, err, types.ErrOrderNotFound)
}

func TestGetOrderBookIncludesIPOLevel(t *testing.T) {
	svc, db, _ := newTestService(t)
	require.NoError(t, db.CreateAccount("alice", 10000))
	require.NoError(t, db.SetIPOInventory("ALPHA", 100, 110))

	_, _, err := svc.PlaceOrder("alice", PlaceOrderRequest{
		Symbol: "ALPHA", Side: types.SideBuy, Kind: types.KindLimit, Quantity: 5, Price: 90,
	})
	require.NoError(t, err)

	view, err := svc.GetOrderBook("ALPHA", 10)
	require.NoError(t, err)
	assert.Equal(t, "ALPHA", view.Symbol)
	require.Len(t, view.Bids, 1)
	assert.Equal(t, int64(90), view.Bids[0].Price)
	require.Len(t, view.Asks, 1)
	assert.Equal(t, int64(110), view.Asks[0].Price)
	assert.Equal(t, int64(100), view.Asks[0].TotalQuantity)
}

func TestSeedAccountAndSummary(t *testing.T) {
	svc, _, _ := newTestService(t)
	require.NoError(t, svc.SeedAccount(SeedAccountRequest{
		UserID:    "alice",
		Balance:   1000,
		Positions: map[string]int64{"ALPHA": 10, "BETA": 5},
	}))

	summary, err := svc.GetAccountSummary("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), summary.Account.Balance)
	assert.Len(t, summary.Positions, 2)
	require.Len(t, summary.Audit, 1)
	assert.Equal(t, int64(1000), summary.Audit[0].Amount)
}

func TestUpdateMarketConfigRetriggersMatching(t *testing.T) {
	svc, db, trigger := newTestService(t)
	require.NoError(t, svc.UpdateMarketConfig(UpdateMarketConfigRequest{
		Symbol: "ALPHA", BandPercent: 0.4, DefaultReferencePrice: 100, MarketOpen: true,
	}))

	config, err := db.GetMarketConfig("ALPHA")
	require.NoError(t, err)
	require.NotNil(t, config)
	assert.Equal(t, 0.4, config.BandPercent)
	assert.Equal(t, 1, trigger.all)
}
