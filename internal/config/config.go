package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the market server.
type Config struct {
	Port                  int
	DBPath                string
	JWTSecret             string
	AdminUserID           string
	AdminAPISecret        string
	BandPercent           float64
	DefaultReferencePrice int64
	MatchInterval         time.Duration
	LedgerTransactions    bool
	ShutdownTimeout       time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	bandPercent, err := getFloat("BAND_PERCENT", 0.1)
	if err != nil {
		return nil, fmt.Errorf("invalid BAND_PERCENT: %w", err)
	}
	if bandPercent < 0 || bandPercent >= 1 {
		return nil, fmt.Errorf("invalid BAND_PERCENT: %v, must be in [0, 1)", bandPercent)
	}

	referencePrice, err := getInt64("DEFAULT_REFERENCE_PRICE", 100)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_REFERENCE_PRICE: %w", err)
	}
	if referencePrice <= 0 {
		return nil, fmt.Errorf("invalid DEFAULT_REFERENCE_PRICE: %d, must be positive", referencePrice)
	}

	matchInterval, err := getDuration("MATCH_INTERVAL", 1*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid MATCH_INTERVAL: %w", err)
	}

	ledgerTransactions, err := getBool("LEDGER_TRANSACTIONS", true)
	if err != nil {
		return nil, fmt.Errorf("invalid LEDGER_TRANSACTIONS: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:                  port,
		DBPath:                getStr("DB_PATH", "market.db"),
		JWTSecret:             getStr("JWT_SECRET", "dev-secret-key"),
		AdminUserID:           getStr("ADMIN_USER_ID", "admin"),
		AdminAPISecret:        getStr("ADMIN_API_SECRET", "dev-admin-secret"),
		BandPercent:           bandPercent,
		DefaultReferencePrice: referencePrice,
		MatchInterval:         matchInterval,
		LedgerTransactions:    ledgerTransactions,
		ShutdownTimeout:       shutdownTimeout,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getInt64(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}
