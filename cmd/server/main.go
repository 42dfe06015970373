package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
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

	_ "github.com/lib/pq"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Логгер
	logger := utils.InitLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer logger.Sync()

	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", utils.Err(err))
	}
	defer db.Close()

	logger.Info("connected to database",
		utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	// Инициализация репозиториев
	positionRepo := repository.NewPositionRepository(db)
	alertRepo := repository.NewAlertRepository(db)

	// WebSocket hub дашборда
	hub := websocket.NewHub(cfg.Server.CORSOrigins, logger)

	// Мониторинг: алерты персистируются и транслируются на дашборд
	monitor := monitoring.New(cfg.Monitoring, logger, alertRepo, hub)

	// Риск-менеджер с восстановлением леджера из БД
	riskManager := risk.NewManager(cfg.Risk, positionRepo, monitor, hub, logger)
	seedRiskState(riskManager, positionRepo, logger)

	// REST клиент биржи: rate limiter -> circuit breaker -> retry
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		RequestsPerHour:   cfg.RateLimit.RequestsPerHour,
		MaxQueueSize:      cfg.RateLimit.MaxQueueSize,
	}, logger)
	monitoring.RegisterRateLimitStats(limiter.Stats)

	brk := breaker.New("exchange-rest", breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}, logger)

	apiClient, err := exchange.NewAPIClient(
		exchange.ClientConfig{
			BaseURL:         cfg.Exchange.BaseURL,
			APIKey:          cfg.Exchange.APIKey,
			APISecret:       cfg.Exchange.APISecret,
			Timeout:         cfg.Exchange.Timeout,
			UserAgent:       cfg.Exchange.UserAgent,
			CacheTTL:        cfg.Exchange.CacheTTL,
			CacheMaxEntries: cfg.Exchange.CacheMaxEntries,
		},
		exchange.NewHTTPClient(exchange.DefaultHTTPClientConfig()),
		limiter,
		brk,
		retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			JitterFactor: cfg.Retry.JitterFactor,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("failed to create exchange client", utils.Err(err))
	}
	defer apiClient.Close()

	// WebSocket поток биржи
	stream := exchange.NewConnectionManager(exchange.StreamConfig{
		URL:                   cfg.Exchange.WSURL,
		APIKey:                cfg.Exchange.APIKey,
		APISecret:             cfg.Exchange.APISecret,
		ConnectTimeout:        cfg.Exchange.ConnectTimeout,
		HeartbeatInterval:     cfg.Exchange.HeartbeatInterval,
		HeartbeatTimeout:      cfg.Exchange.HeartbeatTimeout,
		ReconnectInitialDelay: cfg.Exchange.ReconnectInitialDelay,
		ReconnectMaxDelay:     cfg.Exchange.ReconnectMaxDelay,
		ReconnectMaxAttempts:  cfg.Exchange.ReconnectMaxAttempts,
		WriteTimeout:          cfg.Exchange.WriteTimeout,
		PongWait:              cfg.Exchange.PongWait,
		AuthTimeout:           cfg.Exchange.AuthTimeout,
	}, logger)

	// Сервис рыночных данных: живой поток с резервным REST опросом
	marketService := service.NewMarketDataService(
		cfg.Exchange, stream, apiClient, hub, riskManager, monitor, logger)

	registerHealthChecks(monitor, db, apiClient, stream, riskManager)

	// Настройка HTTP роутера
	router := api.SetupRoutes(&api.Dependencies{
		Config:        cfg,
		Logger:        logger,
		MarketService: marketService,
		ExchangeAPI:   apiClient,
		RiskManager:   riskManager,
		Monitor:       monitor,
		Hub:           hub,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Запуск фоновых компонентов
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter.Start(ctx)
	go hub.Run(ctx)
	monitor.Start(ctx)
	riskManager.Start(ctx)
	marketService.Start(ctx)

	if err := stream.Connect(ctx); err != nil {
		// Менеджер соединения переподключается сам, дашборд тем
		// временем живет на резервных данных
		logger.Warn("exchange stream unavailable, serving fallback data", utils.Err(err))
	}

	// Запуск сервера в отдельной горутине
	go func() {
		logger.Info("server starting", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", utils.Err(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Порядок остановки: сначала источники событий, затем потребители,
	// затем HTTP сервер; БД закрывается последней (defer)
	if err := stream.Close(); err != nil {
		logger.Warn("error closing exchange stream", utils.Err(err))
	}
	marketService.Stop()
	riskManager.Stop()
	monitor.Stop()
	hub.Stop()
	limiter.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", utils.Err(err))
	}

	logger.Info("server exited")
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// seedRiskState восстанавливает леджер риск-менеджера после рестарта:
// открытые позиции, реализованный PnL за всю историю и за текущий
// UTC-день. Ошибки чтения не фатальны - сервис стартует с пустым
// леджером, а журнал в БД остается источником правды.
func seedRiskState(manager *risk.Manager, repo *repository.PositionRepository, logger *utils.Logger) {
	open, err := repo.GetOpen()
	if err != nil {
		logger.Error("failed to load open positions, starting with empty ledger", utils.Err(err))
		return
	}

	realizedTotal, err := repo.SumRealizedPnLSince(time.Time{})
	if err != nil {
		logger.Error("failed to load realized pnl", utils.Err(err))
		return
	}

	realizedToday, err := repo.SumRealizedPnLSince(utils.GetDayStart())
	if err != nil {
		logger.Error("failed to load daily pnl", utils.Err(err))
		return
	}

	manager.Restore(open, realizedTotal, realizedToday)
	logger.Info("risk state restored",
		utils.Int("open_positions", len(open)),
		utils.PNL(realizedTotal),
		utils.Float64("daily_pnl", realizedToday),
	)
}

// registerHealthChecks регистрирует проверки здоровья компонентов.
// Критична только база данных: при потере биржи дашборд живет на
// резервных данных, а остановленная торговля - штатное состояние,
// которое должно быть видно в /health, но не ронять readiness.
func registerHealthChecks(monitor *monitoring.Monitor, db *sql.DB, client *exchange.APIClient, stream *exchange.ConnectionManager, riskManager *risk.Manager) {
	monitor.RegisterHealthCheck("database", true, func(ctx context.Context) error {
		return db.PingContext(ctx)
	})

	monitor.RegisterHealthCheck("exchange_rest", false, func(ctx context.Context) error {
		_, err := client.GetProducts(ctx)
		return err
	})

	monitor.RegisterHealthCheck("exchange_stream", false, func(ctx context.Context) error {
		if !stream.IsConnected() {
			return fmt.Errorf("stream not connected: state %s", stream.Status().State)
		}
		return nil
	})

	monitor.RegisterHealthCheck("risk_suspended", false, func(ctx context.Context) error {
		if suspended, reason := riskManager.Suspended(); suspended {
			return fmt.Errorf("trading suspended: %s", reason)
		}
		return nil
	})
}
