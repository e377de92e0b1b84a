package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/pointmarket-api/internal/auth"
	"github.com/ksred/pointmarket-api/internal/config"
	"github.com/ksred/pointmarket-api/internal/database"
	"github.com/ksred/pointmarket-api/internal/marketdata"
	"github.com/ksred/pointmarket-api/internal/matching"
	"github.com/ksred/pointmarket-api/internal/settlement"
	"github.com/ksred/pointmarket-api/internal/trading"
	"github.com/ksred/pointmarket-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the market API server with graceful shutdown
// support. It wires the ledger database, market data, settlement, the
// matching engine and its scheduler, and the HTTP routes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// The admin credential bootstraps the internal API; participants are
	// registered through /internal/credentials as accounts are seeded.
	authService.RegisterCredentials(cfg.AdminUserID, cfg.AdminAPISecret)

	marketService := marketdata.NewService(db, marketdata.Defaults{
		BandPercent:    cfg.BandPercent,
		ReferencePrice: cfg.DefaultReferencePrice,
	})

	settlementService := settlement.NewService(db, cfg.LedgerTransactions)
	engine := matching.NewEngine(db, marketService, settlementService, nil)
	scheduler := matching.NewScheduler(engine, cfg.MatchInterval)

	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	scheduler.Start(schedulerCtx)

	tradingService := trading.NewService(db, marketService, scheduler)
	tradingHandlers := trading.NewGinHandlers(tradingService)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, tradingHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Stop the scheduler after the HTTP surface is drained so in-flight
	// orders still get their matching run.
	schedulerCancel()
	scheduler.Wait()

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order and book routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
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

		// Internal routes (should be protected by internal network)
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
