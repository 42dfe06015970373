// Package integration contains integration tests for the tradedesk market
// data and risk service.
//
// These tests verify the correct interaction between components:
// - API integration tests: full HTTP request cycle through the router
// - WebSocket tests: connection, broadcast messaging
// - Database tests: schema, repository round trips, state restore
//
// The REST API of the exchange is played by an in-process stub server, so
// the real client stack (cache, rate limiter, retry, circuit breaker) is
// exercised without network access. The WebSocket stream stays disconnected
// and the market data service runs in fallback mode.
//
// Tests skip themselves when the test database is unreachable.
// Run with: go test ./tests/integration/...
package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"tradedesk/internal/api"
	"tradedesk/internal/config"
	"tradedesk/internal/exchange"
	"tradedesk/internal/monitoring"
	"tradedesk/internal/repository"
	"tradedesk/internal/risk"
	"tradedesk/internal/service"
	"tradedesk/internal/websocket"
	"tradedesk/pkg/breaker"
	"tradedesk/pkg/ratelimit"
	"tradedesk/pkg/retry"
	"tradedesk/pkg/utils"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
)

// TestConfig contains configuration for integration tests
type TestConfig struct {
	DBDriver   string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
}

// TestServer encapsulates all components needed for integration testing
type TestServer struct {
	DB           *sql.DB
	Router       *mux.Router
	Server       *httptest.Server
	Exchange     *httptest.Server // REST stub behind the API client
	Hub          *websocket.Hub
	Monitor      *monitoring.Monitor
	RiskManager  *risk.Manager
	MarketSvc    *service.MarketDataService
	APIClient    *exchange.APIClient
	PositionRepo *repository.PositionRepository
	AlertRepo    *repository.AlertRepository
	Cleanup      func()
}

// getTestConfig returns configuration from environment variables or defaults
func getTestConfig() TestConfig {
	return TestConfig{
		DBDriver:   getEnv("TEST_DB_DRIVER", "postgres"),
		DBHost:     getEnv("TEST_DB_HOST", "localhost"),
		DBPort:     getEnv("TEST_DB_PORT", "5432"),
		DBName:     getEnv("TEST_DB_NAME", "tradedesk_test"),
		DBUser:     getEnv("TEST_DB_USER", "postgres"),
		DBPassword: getEnv("TEST_DB_PASSWORD", "postgres"),
		DBSSLMode:  getEnv("TEST_DB_SSLMODE", "disable"),
	}
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// testRiskConfig returns risk limits that let small test trades through
// while keeping every control active.
func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionSize:       0.25,
		MaxPortfolioRisk:      0.50,
		MaxDrawdown:           0.50,
		MaxDailyLoss:          0.50,
		MaxOpenPositions:      10,
		MaxCorrelation:        0.95,
		StopLossPct:           0.02,
		TakeProfitPct:         0.04,
		InitialPortfolioValue: 100000,
	}
}

// SetupTestDB creates a test database connection
func SetupTestDB(t *testing.T) (*sql.DB, func()) {
	config := getTestConfig()

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.DBHost, config.DBPort, config.DBUser, config.DBPassword, config.DBName, config.DBSSLMode,
	)

	db, err := sql.Open(config.DBDriver, connStr)
	if err != nil {
		t.Skipf("Skipping integration test: cannot connect to database: %v", err)
		return nil, func() {}
	}

	// Test connection
	if err := db.Ping(); err != nil {
		t.Skipf("Skipping integration test: cannot ping database: %v", err)
		return nil, func() {}
	}

	// Set connection pool settings
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	cleanup := func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}

	return db, cleanup
}

// stubTicker mirrors the ticker wire format of the exchange REST API:
// decimal fields travel as strings, timestamps as epoch milliseconds.
type stubTicker struct {
	Symbol      string `json:"symbol"`
	Close       string `json:"close"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Volume      string `json:"volume"`
	MarkPrice   string `json:"mark_price"`
	FundingRate string `json:"funding_rate"`
	Timestamp   int64  `json:"timestamp"`
}

// stubTickers returns ticker payloads with fresh timestamps. Prices are
// static so tests can assert exact values.
func stubTickers() []stubTicker {
	now := time.Now().UnixMilli()
	return []stubTicker{
		{Symbol: "BTCUSDT", Close: "50250.5", Open: "49800", High: "50600", Low: "49500", Volume: "12345.6", MarkPrice: "50248.1", FundingRate: "0.0001", Timestamp: now},
		{Symbol: "ETHUSDT", Close: "3025.25", Open: "2990", High: "3060", Low: "2950", Volume: "98765.4", MarkPrice: "3024.8", FundingRate: "0.0002", Timestamp: now},
		{Symbol: "SOLUSDT", Close: "151.75", Open: "148", High: "153", Low: "147", Volume: "55555.5", MarkPrice: "151.7", FundingRate: "-0.0001", Timestamp: now},
	}
}

// writeStubResult wraps a payload in the exchange response envelope
func writeStubResult(w http.ResponseWriter, result interface{}) {
	payload, _ := json.Marshal(result)
	fmt.Fprintf(w, `{"success":true,"result":%s}`, payload)
}

// newStubExchange starts an HTTP server that answers like the exchange
// REST API. Unknown endpoints and symbols get an error envelope.
func newStubExchange() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.URL.Path == "/tickers":
			writeStubResult(w, stubTickers())

		case strings.HasPrefix(r.URL.Path, "/tickers/"):
			symbol := strings.TrimPrefix(r.URL.Path, "/tickers/")
			for _, ticker := range stubTickers() {
				if ticker.Symbol == symbol {
					writeStubResult(w, ticker)
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"success":false,"error":{"code":"not_found","message":"unknown symbol"}}`)

		case r.URL.Path == "/products":
			writeStubResult(w, []map[string]interface{}{
				{"id": 27, "symbol": "BTCUSDT", "description": "Bitcoin perpetual", "contract_type": "perpetual_futures", "tick_size": "0.5", "lot_size": "0.001", "state": "live"},
				{"id": 28, "symbol": "ETHUSDT", "description": "Ether perpetual", "contract_type": "perpetual_futures", "tick_size": "0.05", "lot_size": "0.01", "state": "live"},
			})

		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"success":false,"error":{"code":"not_found","message":"unknown endpoint"}}`)
		}
	}))
}

// SetupTestServer creates a complete test server with all components
func SetupTestServer(t *testing.T) *TestServer {
	db, dbCleanup := SetupTestDB(t)
	if db == nil {
		return nil
	}

	// Initialize tables
	if err := initTestTables(db); err != nil {
		t.Skipf("Skipping integration test: cannot initialize tables: %v", err)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	// WebSocket hub: empty origin list admits test dialers without an
	// Origin header
	hub := websocket.NewHub(nil, utils.Nop())
	go hub.Run(ctx)

	// Repositories
	positionRepo := repository.NewPositionRepository(db)
	alertRepo := repository.NewAlertRepository(db)

	// Monitoring: check interval is long, tests trigger probes explicitly
	// through RunHealthChecks
	monitor := monitoring.New(config.MonitoringConfig{
		CheckInterval:   time.Minute,
		ProbeTimeout:    5 * time.Second,
		MetricMaxAge:    time.Hour,
		MetricMaxPoints: 1000,
		AlertHistory:    100,
	}, utils.Nop(), alertRepo, hub)
	monitor.RegisterHealthCheck("database", true, func(ctx context.Context) error {
		return db.PingContext(ctx)
	})

	riskCfg := testRiskConfig()
	riskManager := risk.NewManager(riskCfg, positionRepo, monitor, hub, utils.Nop())

	// REST stub plays the exchange; the full client stack talks to it
	stub := newStubExchange()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: 100,
		RequestsPerMinute: 1000,
		RequestsPerHour:   10000,
		MaxQueueSize:      100,
	}, utils.Nop())
	limiter.Start(ctx)

	brk := breaker.New("integration-rest", breaker.DefaultConfig(), utils.Nop())

	apiClient, err := exchange.NewAPIClient(exchange.ClientConfig{
		BaseURL:  stub.URL,
		Timeout:  2 * time.Second,
		CacheTTL: 50 * time.Millisecond,
	}, exchange.NewHTTPClient(exchange.DefaultHTTPClientConfig()), limiter, brk, retry.Config{
		MaxAttempts:  2,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		JitterFactor: 0.1,
	}, utils.Nop())
	if err != nil {
		stub.Close()
		cancel()
		cleanupTestTables(db)
		dbCleanup()
		t.Fatalf("Failed to create API client: %v", err)
		return nil
	}

	// The stream is never connected: the service serves fallback data
	// and the REST poll loop refreshes it
	stream := exchange.NewConnectionManager(exchange.StreamConfig{
		URL: "wss://127.0.0.1:1/stream",
	}, utils.Nop())

	marketSvc := service.NewMarketDataService(config.ExchangeConfig{
		BaseURL:        stub.URL,
		WSURL:          "wss://127.0.0.1:1/stream",
		DefaultSymbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		StaleAfter:     time.Second,
		PollInterval:   50 * time.Millisecond,
	}, stream, apiClient, hub, riskManager, monitor, utils.Nop())
	marketSvc.Start(ctx)

	// Setup router
	deps := &api.Dependencies{
		Config:        &config.Config{Risk: riskCfg},
		Logger:        utils.Nop(),
		MarketService: marketSvc,
		ExchangeAPI:   apiClient,
		RiskManager:   riskManager,
		Monitor:       monitor,
		Hub:           hub,
	}
	router := api.SetupRoutes(deps)

	// Create test server
	server := httptest.NewServer(router)

	cleanup := func() {
		server.Close()
		marketSvc.Stop()
		riskManager.Stop()
		monitor.Stop()
		hub.Stop()
		limiter.Stop()
		stream.Close()
		apiClient.Close()
		stub.Close()
		cancel()
		cleanupTestTables(db)
		dbCleanup()
	}

	return &TestServer{
		DB:           db,
		Router:       router,
		Server:       server,
		Exchange:     stub,
		Hub:          hub,
		Monitor:      monitor,
		RiskManager:  riskManager,
		MarketSvc:    marketSvc,
		APIClient:    apiClient,
		PositionRepo: positionRepo,
		AlertRepo:    alertRepo,
		Cleanup:      cleanup,
	}
}

// initTestTables creates tables for testing
func initTestTables(db *sql.DB) error {
	// Create tables if not exist
	tables := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id VARCHAR(36) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(10) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			current_price DECIMAL(20, 8) DEFAULT 0,
			stop_loss DECIMAL(20, 8) DEFAULT 0,
			take_profit DECIMAL(20, 8) DEFAULT 0,
			unrealized_pnl DECIMAL(20, 8) DEFAULT 0,
			realized_pnl DECIMAL(20, 8) DEFAULT 0,
			strategy VARCHAR(50) DEFAULT '',
			status VARCHAR(10) NOT NULL,
			close_reason VARCHAR(20) DEFAULT '',
			close_price DECIMAL(20, 8) DEFAULT 0,
			entry_time TIMESTAMPTZ NOT NULL,
			close_time TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id VARCHAR(36) PRIMARY KEY,
			level VARCHAR(10) NOT NULL,
			component VARCHAR(50) NOT NULL,
			message TEXT NOT NULL,
			meta JSONB DEFAULT '{}',
			acknowledged BOOLEAN DEFAULT false,
			resolved BOOLEAN DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// cleanupTestTables truncates all test tables
func cleanupTestTables(db *sql.DB) {
	tables := []string{
		"positions",
		"alerts",
	}

	for _, table := range tables {
		db.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
	}
}

// TruncateTable truncates a specific table for testing
func TruncateTable(db *sql.DB, tableName string) error {
	_, err := db.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", tableName))
	return err
}
