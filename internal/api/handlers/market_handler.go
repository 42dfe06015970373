package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tradedesk/internal/exchange"
	"tradedesk/internal/models"
	"tradedesk/internal/service"
)

// MarketService - срез сервиса рыночных данных, который нужен handlers.
// Реализуется service.MarketDataService.
type MarketService interface {
	GetMarketData(symbol string) (*models.MarketData, bool)
	MarketDataArray() []*models.MarketData
	IsConnected() bool
	ConnectionStatus() exchange.Status
	Source() service.SourceKind
}

// ExchangeAPI - срез REST клиента биржи для проксирующих endpoints.
// Реализуется exchange.APIClient.
type ExchangeAPI interface {
	GetProducts(ctx context.Context) ([]*exchange.Product, error)
	GetTickers(ctx context.Context, symbols []string) ([]*exchange.Ticker, error)
	GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error)
}

// MarketHandler обрабатывает HTTP запросы рыночных данных.
//
// Endpoints:
// - GET /api/v1/market/data - данные дашборда по всем отслеживаемым символам
// - GET /api/v1/market/data/{symbol} - данные дашборда по одному символу
// - GET /api/v1/market/status - состояние потока и источник данных
// - GET /api/v1/market/products - список контрактов биржи
// - GET /api/v1/market/tickers?symbols=... - REST снапшоты тикеров
// - GET /api/v1/market/tickers/{symbol} - REST снапшот одного тикера
// - GET /api/v1/market/orderbook/{symbol}?depth=20 - стакан L2
//
// Данные дашборда приходят из сервиса (live поток с fallback), остальные
// endpoints проксируют REST API биржи через кэширующий клиент.
type MarketHandler struct {
	market MarketService
	api    ExchangeAPI
}

// NewMarketHandler создает новый MarketHandler с внедрением зависимостей.
func NewMarketHandler(market MarketService, api ExchangeAPI) *MarketHandler {
	return &MarketHandler{
		market: market,
		api:    api,
	}
}

// GetMarketData возвращает данные дашборда по всем отслеживаемым символам.
//
// GET /api/v1/market/data
//
// Response 200 OK:
//
//	[
//	  {
//	    "symbol": "BTCUSDT",
//	    "price": 50123.5,
//	    "bid": 50120.0,
//	    "ask": 50125.0,
//	    "high_24h": 51000.0,
//	    "low_24h": 49500.0,
//	    "volume_24h": 12345.6,
//	    "change_percent": 1.25,
//	    "funding_rate": 0.0001,
//	    "mark_price": 50124.0,
//	    "timestamp": "2025-12-01T12:00:00Z",
//	    "isLiveData": true,
//	    "source": "live"
//	  }
//	]
//
// При отключенном потоке каждый элемент помечен isLiveData=false и
// source="fallback", цены приходят из REST кэша или последних известных.
func (h *MarketHandler) GetMarketData(w http.ResponseWriter, r *http.Request) {
	if h.market == nil {
		respondServiceUnavailable(w, "market")
		return
	}

	data := h.market.MarketDataArray()
	// Пустой массив возвращаем как [], а не null
	if data == nil {
		data = []*models.MarketData{}
	}

	respondJSON(w, http.StatusOK, data)
}

// GetMarketDataSymbol возвращает данные дашборда по одному символу.
//
// GET /api/v1/market/data/{symbol}
//
// Response 200 OK: объект как в GetMarketData
// Response 404 Not Found:
//
//	{"error": "no market data for symbol DOGEUSDT"}
func (h *MarketHandler) GetMarketDataSymbol(w http.ResponseWriter, r *http.Request) {
	if h.market == nil {
		respondServiceUnavailable(w, "market")
		return
	}

	symbol := mux.Vars(r)["symbol"]
	md, ok := h.market.GetMarketData(symbol)
	if !ok {
		respondNotFound(w, "no market data for symbol "+symbol)
		return
	}

	respondJSON(w, http.StatusOK, md)
}

// GetMarketStatus возвращает состояние потока и текущий источник данных.
//
// GET /api/v1/market/status
//
// Response 200 OK:
//
//	{
//	  "connected": true,
//	  "source": "live",
//	  "stream": {
//	    "state": "connected",
//	    "url": "wss://...",
//	    "connected_since": "2025-12-01T11:58:00Z",
//	    "reconnect_attempts": 0,
//	    "total_reconnects": 2,
//	    "subscriptions": {"v2/ticker": ["all"]}
//	  }
//	}
func (h *MarketHandler) GetMarketStatus(w http.ResponseWriter, r *http.Request) {
	if h.market == nil {
		respondServiceUnavailable(w, "market")
		return
	}

	status := struct {
		Connected bool               `json:"connected"`
		Source    service.SourceKind `json:"source"`
		Stream    exchange.Status    `json:"stream"`
	}{
		Connected: h.market.IsConnected(),
		Source:    h.market.Source(),
		Stream:    h.market.ConnectionStatus(),
	}

	respondJSON(w, http.StatusOK, status)
}

// GetProducts возвращает список контрактов биржи.
//
// GET /api/v1/market/products
//
// Response 200 OK:
//
//	[
//	  {
//	    "id": 27,
//	    "symbol": "BTCUSDT",
//	    "description": "Bitcoin Perpetual",
//	    "contract_type": "perpetual_futures",
//	    "tick_size": 0.5,
//	    "lot_size": 0.001,
//	    "state": "live"
//	  }
//	]
//
// Response 502 Bad Gateway: биржа недоступна
func (h *MarketHandler) GetProducts(w http.ResponseWriter, r *http.Request) {
	if h.api == nil {
		respondServiceUnavailable(w, "exchange")
		return
	}

	products, err := h.api.GetProducts(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if products == nil {
		products = []*exchange.Product{}
	}

	respondJSON(w, http.StatusOK, products)
}

// GetTickers возвращает REST снапшоты тикеров.
//
// GET /api/v1/market/tickers?symbols=BTCUSDT,ETHUSDT
//
// Query Parameters:
// - symbols (optional): список символов через запятую; пусто - все тикеры
//
// Response 200 OK:
//
//	[
//	  {
//	    "symbol": "BTCUSDT",
//	    "close": 50123.5,
//	    "open": 49500.0,
//	    "high": 51000.0,
//	    "low": 49400.0,
//	    "volume": 12345.6,
//	    "mark_price": 50124.0,
//	    "funding_rate": 0.0001,
//	    "change_percent": 1.26,
//	    "timestamp": "2025-12-01T12:00:00Z"
//	  }
//	]
func (h *MarketHandler) GetTickers(w http.ResponseWriter, r *http.Request) {
	if h.api == nil {
		respondServiceUnavailable(w, "exchange")
		return
	}

	symbols := splitCSV(r.URL.Query().Get("symbols"))
	tickers, err := h.api.GetTickers(r.Context(), symbols)
	if err != nil {
		respondError(w, err)
		return
	}
	if tickers == nil {
		tickers = []*exchange.Ticker{}
	}

	respondJSON(w, http.StatusOK, tickers)
}

// GetTicker возвращает REST снапшот одного тикера.
//
// GET /api/v1/market/tickers/{symbol}
//
// Response 200 OK: объект как в GetTickers
// Response 400 Bad Request: некорректный символ
// Response 404 Not Found: биржа не знает такой символ
func (h *MarketHandler) GetTicker(w http.ResponseWriter, r *http.Request) {
	if h.api == nil {
		respondServiceUnavailable(w, "exchange")
		return
	}

	symbol := mux.Vars(r)["symbol"]
	ticker, err := h.api.GetTicker(r.Context(), symbol)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ticker)
}

// GetOrderBook возвращает стакан L2 по символу.
//
// GET /api/v1/market/orderbook/{symbol}?depth=20
//
// Query Parameters:
// - depth (optional): глубина стакана, по умолчанию биржевая, максимум 100
//
// Response 200 OK:
//
//	{
//	  "symbol": "BTCUSDT",
//	  "bids": [{"price": 50120.0, "size": 1.5}],
//	  "asks": [{"price": 50125.0, "size": 0.8}],
//	  "timestamp": "2025-12-01T12:00:00Z"
//	}
func (h *MarketHandler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	if h.api == nil {
		respondServiceUnavailable(w, "exchange")
		return
	}

	symbol := mux.Vars(r)["symbol"]

	depth := 0 // 0 - глубина по умолчанию на стороне биржи
	if depthStr := r.URL.Query().Get("depth"); depthStr != "" {
		parsed, err := strconv.Atoi(depthStr)
		if err != nil || parsed <= 0 {
			respondBadRequest(w, "invalid depth", "depth must be a positive integer")
			return
		}
		depth = parsed
		if depth > 100 {
			depth = 100 // максимум 100 уровней
		}
	}

	book, err := h.api.GetOrderBook(r.Context(), symbol, depth)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, book)
}
