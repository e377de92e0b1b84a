package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/pointmarket-api/internal/auth"
	"github.com/ksred/pointmarket-api/internal/database"
	"github.com/ksred/pointmarket-api/internal/marketdata"
	"github.com/ksred/pointmarket-api/internal/matching"
	"github.com/ksred/pointmarket-api/internal/settlement"
	"github.com/ksred/pointmarket-api/internal/trading"
	"github.com/ksred/pointmarket-api/internal/types"
	"github.com/ksred/pointmarket-api/pkg/middleware"
)

const (
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
	jwtSecret     = "simulation-secret-key"

	seedBalance   = 1_000_000
	seedShares    = 500
	ipoShares     = 1_000
	ipoUnitPrice  = 100
	cancelPercent = 10
)

var (
	symbols = []string{"ALPHA", "BETA", "GAMMA", "DELTA"}
	sides   = []string{types.SideBuy, types.SideSell}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the market API on behalf
// of a single user
type simulationClient struct {
	baseURL   string
	userID    string
	authToken string
	client    *http.Client
}

// sharedStats is used by all clients so the final report covers every call
var sharedStats = map[string]*routeStats{
	"auth":   {name: "Authentication"},
	"place":  {name: "Place Order"},
	"cancel": {name: "Cancel Order"},
	"get":    {name: "Get Order"},
	"book":   {name: "Order Book"},
	"admin":  {name: "Admin"},
}

var statsMu sync.Mutex

func track(key string, start time.Time, failed bool) {
	statsMu.Lock()
	defer statsMu.Unlock()
	sharedStats[key].addDuration(time.Since(start))
	if failed {
		sharedStats[key].failures++
	}
}

// newSimulationClient authenticates as the given user and returns a client
func newSimulationClient(userID, apiSecret string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		userID:  userID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}

	token, err := sc.authenticate(userID, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate %s: %w", userID, err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate(userID, apiSecret string) (string, error) {
	start := time.Now()
	failed := true
	defer func() { track("auth", start, failed) }()

	body, err := json.Marshal(auth.Credentials{UserID: userID, APISecret: apiSecret})
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	failed = false
	return result.Data.Token, nil
}

func (sc *simulationClient) do(method, path string, payload interface{}) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// placeOrder submits a new order and returns the order ID and status message
func (sc *simulationClient) placeOrder(req trading.PlaceOrderRequest) (string, string, error) {
	start := time.Now()
	failed := true
	defer func() { track("place", start, failed) }()

	respBody, status, err := sc.do("POST", "/api/v1/orders", req)
	if err != nil {
		return "", "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", "", fmt.Errorf("place order failed with status %d: %s", status, string(respBody))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Order   types.Order `json:"order"`
			Message string      `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if result.Data.Order.OrderID == "" {
		return "", "", fmt.Errorf("no order ID in response: %s", string(respBody))
	}

	failed = false
	return result.Data.Order.OrderID, result.Data.Message, nil
}

// cancelOrder requests cancellation of an order
func (sc *simulationClient) cancelOrder(orderID string) error {
	start := time.Now()
	failed := true
	defer func() { track("cancel", start, failed) }()

	respBody, status, err := sc.do("DELETE", "/api/v1/orders/"+orderID,
		map[string]string{"reason": "simulation cancel"})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("cancel order failed with status %d: %s", status, string(respBody))
	}

	failed = false
	return nil
}

// getOrder retrieves the current state of an order
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	start := time.Now()
	failed := true
	defer func() { track("get", start, failed) }()

	respBody, status, err := sc.do("GET", "/api/v1/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get order failed with status %d: %s", status, string(respBody))
	}

	var result struct {
		Success bool        `json:"success"`
		Data    types.Order `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	failed = false
	return &result.Data, nil
}

// getOrderBook retrieves aggregated depth for a symbol
func (sc *simulationClient) getOrderBook(symbol string) (*trading.OrderBookView, error) {
	start := time.Now()
	failed := true
	defer func() { track("book", start, failed) }()

	respBody, status, err := sc.do("GET", "/api/v1/orderbook/"+symbol+"?depth=5", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get order book failed with status %d: %s", status, string(respBody))
	}

	var result struct {
		Success bool                  `json:"success"`
		Data    trading.OrderBookView `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	failed = false
	return &result.Data, nil
}

// registerCredentials provisions participant credentials via the internal API
func (sc *simulationClient) registerCredentials(userID, apiSecret string) error {
	start := time.Now()
	failed := true
	defer func() { track("admin", start, failed) }()

	respBody, status, err := sc.do("POST", "/api/v1/internal/credentials",
		auth.Credentials{UserID: userID, APISecret: apiSecret})
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("register credentials failed with status %d: %s", status, string(respBody))
	}

	failed = false
	return nil
}

// seedAccount provisions a user via the internal API
func (sc *simulationClient) seedAccount(req trading.SeedAccountRequest) error {
	start := time.Now()
	failed := true
	defer func() { track("admin", start, failed) }()

	respBody, status, err := sc.do("POST", "/api/v1/internal/accounts", req)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("seed account failed with status %d: %s", status, string(respBody))
	}

	failed = false
	return nil
}

// setIPOInventory stocks the virtual seller via the internal API
func (sc *simulationClient) setIPOInventory(req trading.SetIPOInventoryRequest) error {
	start := time.Now()
	failed := true
	defer func() { track("admin", start, failed) }()

	respBody, status, err := sc.do("POST", "/api/v1/internal/ipo", req)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("set IPO inventory failed with status %d: %s", status, string(respBody))
	}

	failed = false
	return nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	statsMu.Lock()
	defer statsMu.Unlock()
	for _, stats := range sharedStats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the market simulation
// It starts a local API server, seeds accounts and IPO inventory, then
// simulates multiple concurrent traders placing and cancelling orders
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Authenticate the admin client and seed the market
	adminClient, err := newSimulationClient("admin", "admin-secret")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize admin client")
	}

	userClients := make([]*simulationClient, numWorkers)
	for i := 0; i < numWorkers; i++ {
		userID := fmt.Sprintf("CLIENT_%d", i)

		if err := adminClient.registerCredentials(userID, userSecret(userID)); err != nil {
			log.Fatal().Err(err).Str("user_id", userID).Msg("Failed to register credentials")
		}

		positions := make(map[string]int64, len(symbols))
		for _, symbol := range symbols {
			positions[symbol] = seedShares
		}
		if err := adminClient.seedAccount(trading.SeedAccountRequest{
			UserID:    userID,
			Balance:   seedBalance,
			Positions: positions,
		}); err != nil {
			log.Fatal().Err(err).Str("user_id", userID).Msg("Failed to seed account")
		}

		client, err := newSimulationClient(userID, userSecret(userID))
		if err != nil {
			log.Fatal().Err(err).Str("user_id", userID).Msg("Failed to initialize client")
		}
		userClients[i] = client
	}

	for _, symbol := range symbols {
		if err := adminClient.setIPOInventory(trading.SetIPOInventoryRequest{
			Symbol:    symbol,
			Shares:    ipoShares,
			UnitPrice: ipoUnitPrice,
		}); err != nil {
			log.Fatal().Err(err).Str("symbol", symbol).Msg("Failed to set IPO inventory")
		}
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	ordersChan := make(chan placedOrder, targetOrders)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			placeOrders(workerID, targetOrders/numWorkers, userClients[workerID], ordersChan)
		}(i)
	}

	wg.Wait()
	close(ordersChan)

	var placed []placedOrder
	for order := range ordersChan {
		placed = append(placed, order)
	}
	log.Info().Int("orders_placed", len(placed)).Msg("All orders placed")

	// Let the matching scheduler work through the books
	time.Sleep(3 * time.Second)

	stats := struct {
		TotalOrders int
		Filled      int
		Partial     int
		Pending     int
		WaitingBand int
		Cancelled   int
		TotalValue  int64
		StartTime   time.Time
		Symbols     map[string]int
		Sides       map[string]int
	}{
		StartTime: time.Now(),
		Symbols:   make(map[string]int),
		Sides:     make(map[string]int),
	}
	stats.TotalOrders = len(placed)

	for _, p := range placed {
		order, err := p.client.getOrder(p.orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", p.orderID).Msg("Failed to get order")
			continue
		}

		stats.Symbols[order.Symbol]++
		stats.Sides[order.Side]++
		switch order.Status {
		case types.StatusFilled:
			stats.Filled++
			stats.TotalValue += order.FilledQuantity * order.Price
		case types.StatusPartial:
			stats.Partial++
		case types.StatusPendingLimit:
			stats.WaitingBand++
		case types.StatusCancelled:
			stats.Cancelled++
		default:
			stats.Pending++
		}
	}

	// Print the final book per symbol
	for _, symbol := range symbols {
		book, err := adminClient.getOrderBook(symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Failed to get order book")
			continue
		}
		log.Info().
			Str("symbol", symbol).
			Int("bid_levels", len(book.Bids)).
			Int("ask_levels", len(book.Asks)).
			Msg("Final order book")
	}

	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("MARKET SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Total Orders:   %d
Filled:         %d
Partial:        %d
Pending:        %d
Waiting (band): %d
Cancelled:      %d
Filled Value:   %d points
Duration:       %v

Symbol Distribution
-------------------
`, stats.TotalOrders, stats.Filled, stats.Partial, stats.Pending,
		stats.WaitingBand, stats.Cancelled, stats.TotalValue,
		duration.Round(time.Millisecond))

	maxSymbolCount := 0
	for _, count := range stats.Symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}
	for symbol, count := range stats.Symbols {
		barLength := 0
		if maxSymbolCount > 0 {
			barLength = int(float64(count) / float64(maxSymbolCount) * 20)
		}
		fmt.Printf("%-6s: %s (%d)\n", symbol, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range stats.Sides {
		barLength := 0
		if stats.TotalOrders > 0 {
			barLength = int(float64(count) / float64(stats.TotalOrders) * 20)
		}
		fmt.Printf("%-4s: %s (%d)\n", side, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	fillRate := 0.0
	if stats.TotalOrders > 0 {
		fillRate = float64(stats.Filled) / float64(stats.TotalOrders) * 100
	}
	log.Info().
		Float64("fill_rate", fillRate).
		Int("total_orders", stats.TotalOrders).
		Int("filled_orders", stats.Filled).
		Int64("filled_value", stats.TotalValue).
		Dur("duration", duration).
		Msg("Simulation completed")

	printPerformanceStats()
}

type placedOrder struct {
	orderID string
	client  *simulationClient
}

// placeOrders generates and submits random orders to the API
// Runs as a worker goroutine, sending placed orders to ordersChan.
// A slice of orders is cancelled shortly after placement.
func placeOrders(workerID, numOrders int, client *simulationClient, ordersChan chan<- placedOrder) {
	for i := 0; i < numOrders; i++ {
		req := trading.PlaceOrderRequest{
			Symbol:   symbols[rand.Intn(len(symbols))],
			Side:     sides[rand.Intn(len(sides))],
			Kind:     types.KindLimit,
			Quantity: int64(rand.Intn(20) + 1),
			// Prices cluster around the IPO price so most orders clear the band
			Price: int64(ipoUnitPrice + rand.Intn(21) - 10),
		}
		// A fraction of orders go in at market
		if rand.Intn(100) < 20 {
			req.Kind = types.KindMarket
			req.Price = 0
		}

		orderID, message, err := client.placeOrder(req)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("symbol", req.Symbol).
				Msg("Failed to place order")
			continue
		}

		log.Info().
			Int("worker_id", workerID).
			Str("order_id", orderID).
			Str("symbol", req.Symbol).
			Str("side", req.Side).
			Str("kind", req.Kind).
			Int64("quantity", req.Quantity).
			Int64("price", req.Price).
			Str("message", message).
			Msg("Order placed")

		if rand.Intn(100) < cancelPercent {
			if err := client.cancelOrder(orderID); err != nil {
				log.Debug().Err(err).Str("order_id", orderID).Msg("Cancel rejected")
			}
		}

		ordersChan <- placedOrder{orderID: orderID, client: client}

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

func userSecret(userID string) string {
	return userID + "-secret"
}

// startServer initializes and starts the market API server
// Sets up all required services, handlers and routes
func startServer() error {
	db, err := database.NewDatabase("file:simulation?mode=memory&cache=shared")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService(jwtSecret)
	// The admin credential bootstraps everything else; the simulation
	// registers trader credentials through the internal API.
	authService.RegisterCredentials("admin", "admin-secret")

	marketService := marketdata.NewService(db, marketdata.Defaults{
		BandPercent:    0.25,
		ReferencePrice: ipoUnitPrice,
	})
	settlementService := settlement.NewService(db, true)
	engine := matching.NewEngine(db, marketService, settlementService, nil)
	scheduler := matching.NewScheduler(engine, 500*time.Millisecond)
	scheduler.Start(context.Background())

	tradingService := trading.NewService(db, marketService, scheduler)

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	tradingHandlers := trading.NewGinHandlers(tradingService)

	setupRoutes(router, authHandlers, tradingHandlers)

	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", tradingHandlers.PlaceOrderHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderStatusHandler())
			orders.DELETE("/:order_id", tradingHandlers.CancelOrderHandler())
		}

		// Order book routes
		orderbook := v1.Group("/orderbook")
		orderbook.Use(middleware.JWTAuth(jwtSecret))
		{
			orderbook.GET("/:symbol", tradingHandlers.GetOrderBookHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/credentials", authHandlers.RegisterCredentialsHandler())
			internal.POST("/accounts", tradingHandlers.SeedAccountHandler())
			internal.GET("/accounts/:user_id", tradingHandlers.GetAccountHandler())
			internal.POST("/ipo", tradingHandlers.SetIPOInventoryHandler())
			internal.PUT("/market-config", tradingHandlers.UpdateMarketConfigHandler())
			internal.POST("/match/:symbol", tradingHandlers.TriggerMatchHandler())
		}
	}
}
