package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradedesk/internal/api/handlers"
	"tradedesk/internal/api/middleware"
	"tradedesk/internal/config"
	"tradedesk/internal/exchange"
	"tradedesk/internal/monitoring"
	"tradedesk/internal/risk"
	"tradedesk/internal/service"
	"tradedesk/internal/websocket"
	"tradedesk/pkg/utils"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Config        *config.Config
	Logger        *utils.Logger
	MarketService *service.MarketDataService
	ExchangeAPI   *exchange.APIClient
	RiskManager   *risk.Manager
	Monitor       *monitoring.Monitor
	Hub           *websocket.Hub
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Назначение:
// Центральное место для определения всех API endpoints.
// Регистрирует handlers для каждого маршрута.
// Применяет middleware к группам маршрутов.
// Организует версионирование API (v1).
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /market/
//	│   ├── GET /data - данные дашборда по всем символам
//	│   ├── GET /data/{symbol} - данные дашборда по символу
//	│   ├── GET /status - состояние потока и источник данных
//	│   ├── GET /products - контракты биржи
//	│   ├── GET /tickers - REST снапшоты тикеров
//	│   ├── GET /tickers/{symbol} - REST снапшот тикера
//	│   └── GET /orderbook/{symbol} - стакан L2
//	├── /risk/
//	│   ├── GET /positions - список позиций
//	│   ├── POST /positions - открыть позицию (auth)
//	│   ├── DELETE /positions/{id} - закрыть позицию (auth)
//	│   ├── POST /validate - проверить заявку без открытия
//	│   ├── GET /metrics - метрики портфеля
//	│   ├── GET /status - состояние торговли и лимиты
//	│   └── POST /resume - возобновить торговлю (auth)
//	└── /monitoring/
//	    ├── GET /alerts - алерты с фильтрацией
//	    ├── POST /alerts/{id}/acknowledge - подтвердить алерт (auth)
//	    ├── POST /alerts/{id}/resolve - разрешить алерт (auth)
//	    ├── GET /logs - последние записи лога
//	    ├── GET /metrics - имена метрик
//	    └── GET /metrics/{name} - агрегаты метрики
//
// Корень:
//
//	├── GET /health - сводка проверок здоровья
//	├── GET /metrics - Prometheus метрики
//	└── GET /ws - WebSocket поток дашборда
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов, кроме /health и /metrics)
// 3. CORS (для всех маршрутов)
// 4. OperatorAuth (только для мутирующих маршрутов, помеченных auth)
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}

	var serverCfg config.ServerConfig
	var riskCfg config.RiskConfig
	if deps.Config != nil {
		serverCfg = deps.Config.Server
		riskCfg = deps.Config.Risk
	}

	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	router.Use(middleware.CORS(serverCfg.CORSOrigins))

	// Операторская авторизация для мутирующих маршрутов
	protect := middleware.OperatorAuth(
		serverCfg.OperatorAuthEnabled, serverCfg.OperatorTokenHash, deps.Logger)

	// Создание handlers с внедрением зависимостей.
	// Типизированные nil не заворачиваем в интерфейсы: handler с таким
	// полем прошел бы проверку на nil и упал бы на вызове метода.
	var marketHandler *handlers.MarketHandler
	if deps.MarketService != nil || deps.ExchangeAPI != nil {
		var market handlers.MarketService
		if deps.MarketService != nil {
			market = deps.MarketService
		}
		var exchangeAPI handlers.ExchangeAPI
		if deps.ExchangeAPI != nil {
			exchangeAPI = deps.ExchangeAPI
		}
		marketHandler = handlers.NewMarketHandler(market, exchangeAPI)
	}

	var riskHandler *handlers.RiskHandler
	if deps.RiskManager != nil {
		riskHandler = handlers.NewRiskHandler(deps.RiskManager, riskCfg)
	}

	var monitoringHandler *handlers.MonitoringHandler
	if deps.Monitor != nil {
		var logs handlers.LogSource
		if deps.Logger != nil {
			logs = deps.Logger
		}
		monitoringHandler = handlers.NewMonitoringHandler(deps.Monitor, logs)
	}

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()

	// Market routes
	if marketHandler != nil {
		api.HandleFunc("/market/data", marketHandler.GetMarketData).Methods("GET")
		api.HandleFunc("/market/data/{symbol}", marketHandler.GetMarketDataSymbol).Methods("GET")
		api.HandleFunc("/market/status", marketHandler.GetMarketStatus).Methods("GET")
		api.HandleFunc("/market/products", marketHandler.GetProducts).Methods("GET")
		api.HandleFunc("/market/tickers", marketHandler.GetTickers).Methods("GET")
		api.HandleFunc("/market/tickers/{symbol}", marketHandler.GetTicker).Methods("GET")
		api.HandleFunc("/market/orderbook/{symbol}", marketHandler.GetOrderBook).Methods("GET")
	}

	// Risk routes
	if riskHandler != nil {
		api.HandleFunc("/risk/positions", riskHandler.GetPositions).Methods("GET")
		api.Handle("/risk/positions",
			protect(http.HandlerFunc(riskHandler.OpenPosition))).Methods("POST")
		api.Handle("/risk/positions/{id}",
			protect(http.HandlerFunc(riskHandler.ClosePosition))).Methods("DELETE")
		api.HandleFunc("/risk/validate", riskHandler.ValidateTrade).Methods("POST")
		api.HandleFunc("/risk/metrics", riskHandler.GetMetrics).Methods("GET")
		api.HandleFunc("/risk/status", riskHandler.GetStatus).Methods("GET")
		api.Handle("/risk/resume",
			protect(http.HandlerFunc(riskHandler.ResumeTrading))).Methods("POST")
	}

	// Monitoring routes
	if monitoringHandler != nil {
		api.HandleFunc("/monitoring/alerts", monitoringHandler.GetAlerts).Methods("GET")
		api.Handle("/monitoring/alerts/{id}/acknowledge",
			protect(http.HandlerFunc(monitoringHandler.AcknowledgeAlert))).Methods("POST")
		api.Handle("/monitoring/alerts/{id}/resolve",
			protect(http.HandlerFunc(monitoringHandler.ResolveAlert))).Methods("POST")
		api.HandleFunc("/monitoring/logs", monitoringHandler.GetLogs).Methods("GET")
		api.HandleFunc("/monitoring/metrics", monitoringHandler.GetMetricNames).Methods("GET")
		api.HandleFunc("/monitoring/metrics/{name}", monitoringHandler.GetMetricStats).Methods("GET")
	}

	// WebSocket поток дашборда
	if deps.Hub != nil {
		hub := deps.Hub
		router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(hub, w, r)
		}).Methods("GET")
	}

	// Prometheus метрики
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Health check endpoint
	if monitoringHandler != nil {
		router.HandleFunc("/health", monitoringHandler.GetHealth).Methods("GET")
	} else {
		router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		}).Methods("GET")
	}

	return router
}
