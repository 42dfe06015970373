package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tradedesk/pkg/crypto"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Exchange   ExchangeConfig
	RateLimit  RateLimitConfig
	Retry      RetryConfig
	Breaker    BreakerConfig
	Risk       RiskConfig
	Monitoring MonitoringConfig
	Logging    LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// CORS и авторизация операторских действий
	CORSOrigins         []string // разрешенные источники для браузера
	OperatorAuthEnabled bool     // требовать Bearer токен на мутирующих маршрутах
	OperatorTokenHash   string   // bcrypt хэш операторского токена
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ExchangeConfig - настройки подключения к бирже (REST и WebSocket)
type ExchangeConfig struct {
	BaseURL string
	WSURL   string
	APIKey  string

	// APISecret задается либо открыто (EXCHANGE_API_SECRET), либо в
	// зашифрованном виде (EXCHANGE_API_SECRET_ENC + ENCRYPTION_KEY);
	// во втором случае поле заполняется при загрузке конфигурации
	APISecret string

	// REST клиент
	Timeout         time.Duration // таймаут одного запроса
	UserAgent       string
	CacheTTL        time.Duration // TTL кэша GET ответов
	CacheMaxEntries int

	// WebSocket поток
	ConnectTimeout        time.Duration
	HeartbeatInterval     time.Duration // интервал ping
	HeartbeatTimeout      time.Duration // сторожевой таймаут без входящих кадров
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int
	WriteTimeout          time.Duration
	PongWait              time.Duration
	AuthTimeout           time.Duration

	// Рыночные данные
	DefaultSymbols []string      // watchlist для резервных данных
	StaleAfter     time.Duration // возраст, после которого живые данные считаются устаревшими
	PollInterval   time.Duration // период REST опроса в резервном режиме
}

// RateLimitConfig - лимиты исходящих запросов к бирже
type RateLimitConfig struct {
	RequestsPerSecond int
	RequestsPerMinute int
	RequestsPerHour   int
	MaxQueueSize      int
}

// RetryConfig - повторы неудачных запросов
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// BreakerConfig - circuit breaker вокруг REST вызовов
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// RiskConfig - лимиты риск-менеджера
type RiskConfig struct {
	MaxPositionSize       float64 // доля портфеля на одну позицию
	MaxPortfolioRisk      float64 // потолок взвешенного по волатильности риска
	MaxDrawdown           float64 // просадка от пика, при которой торговля останавливается
	MaxDailyLoss          float64 // дневной убыток как доля стоимости на начало дня
	MaxOpenPositions      int
	MaxCorrelation        float64 // порог |корреляции| с открытыми позициями
	StopLossPct           float64
	TakeProfitPct         float64
	VolatilityLookback    int // размер кольца истории цен на символ
	MinCorrelationSamples int
	InitialPortfolioValue float64
	BenchmarkSymbol       string // для расчета беты
	CheckInterval         time.Duration
}

// MonitoringConfig - настройки системы мониторинга
type MonitoringConfig struct {
	CheckInterval   time.Duration // период прогона health check'ов
	ProbeTimeout    time.Duration
	MetricMaxAge    time.Duration
	MetricMaxPoints int
	AlertHistory    int
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

			CORSOrigins:         getEnvAsSlice("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
			OperatorAuthEnabled: getEnvAsBool("OPERATOR_AUTH_ENABLED", false),
			OperatorTokenHash:   getEnv("OPERATOR_TOKEN_HASH", ""),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "tradedesk"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),

			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Exchange: ExchangeConfig{
			BaseURL:   getEnv("EXCHANGE_BASE_URL", "https://api.delta.exchange"),
			WSURL:     getEnv("EXCHANGE_WS_URL", "wss://socket.delta.exchange"),
			APIKey:    getEnv("EXCHANGE_API_KEY", ""),
			APISecret: getEnv("EXCHANGE_API_SECRET", ""),

			Timeout:         getEnvAsDuration("EXCHANGE_TIMEOUT", 10*time.Second),
			UserAgent:       getEnv("EXCHANGE_USER_AGENT", "tradedesk/1.0"),
			CacheTTL:        getEnvAsDuration("EXCHANGE_CACHE_TTL", 10*time.Second),
			CacheMaxEntries: getEnvAsInt("EXCHANGE_CACHE_MAX_ENTRIES", 256),

			ConnectTimeout:        getEnvAsDuration("WS_CONNECT_TIMEOUT", 10*time.Second),
			HeartbeatInterval:     getEnvAsDuration("WS_HEARTBEAT_INTERVAL", 25*time.Second),
			HeartbeatTimeout:      getEnvAsDuration("WS_HEARTBEAT_TIMEOUT", 45*time.Second),
			ReconnectInitialDelay: getEnvAsDuration("WS_RECONNECT_INITIAL_DELAY", 1*time.Second),
			ReconnectMaxDelay:     getEnvAsDuration("WS_RECONNECT_MAX_DELAY", 30*time.Second),
			ReconnectMaxAttempts:  getEnvAsInt("WS_RECONNECT_MAX_ATTEMPTS", 10),
			WriteTimeout:          getEnvAsDuration("WS_WRITE_TIMEOUT", 10*time.Second),
			PongWait:              getEnvAsDuration("WS_PONG_WAIT", 60*time.Second),
			AuthTimeout:           getEnvAsDuration("WS_AUTH_TIMEOUT", 10*time.Second),

			DefaultSymbols: getEnvAsSlice("DEFAULT_SYMBOLS", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}),
			StaleAfter:     getEnvAsDuration("MARKET_STALE_AFTER", 30*time.Second),
			PollInterval:   getEnvAsDuration("MARKET_POLL_INTERVAL", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 10),
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_RPM", 300),
			RequestsPerHour:   getEnvAsInt("RATE_LIMIT_RPH", 10000),
			MaxQueueSize:      getEnvAsInt("RATE_LIMIT_QUEUE_SIZE", 100),
		},
		Retry: RetryConfig{
			MaxAttempts:  getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: getEnvAsDuration("RETRY_INITIAL_DELAY", 1*time.Second),
			MaxDelay:     getEnvAsDuration("RETRY_MAX_DELAY", 30*time.Second),
			Multiplier:   getEnvAsFloat("RETRY_MULTIPLIER", 2.0),
			JitterFactor: getEnvAsFloat("RETRY_JITTER", 0.1),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvAsDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
		},
		Risk: RiskConfig{
			MaxPositionSize:       getEnvAsFloat("RISK_MAX_POSITION_SIZE", 0.05),
			MaxPortfolioRisk:      getEnvAsFloat("RISK_MAX_PORTFOLIO_RISK", 0.20),
			MaxDrawdown:           getEnvAsFloat("RISK_MAX_DRAWDOWN", 0.15),
			MaxDailyLoss:          getEnvAsFloat("RISK_MAX_DAILY_LOSS", 0.05),
			MaxOpenPositions:      getEnvAsInt("RISK_MAX_OPEN_POSITIONS", 10),
			MaxCorrelation:        getEnvAsFloat("RISK_MAX_CORRELATION", 0.7),
			StopLossPct:           getEnvAsFloat("RISK_STOP_LOSS_PCT", 0.02),
			TakeProfitPct:         getEnvAsFloat("RISK_TAKE_PROFIT_PCT", 0.04),
			VolatilityLookback:    getEnvAsInt("RISK_VOLATILITY_LOOKBACK", 50),
			MinCorrelationSamples: getEnvAsInt("RISK_MIN_CORRELATION_SAMPLES", 20),
			InitialPortfolioValue: getEnvAsFloat("RISK_INITIAL_PORTFOLIO_VALUE", 100000),
			BenchmarkSymbol:       getEnv("RISK_BENCHMARK_SYMBOL", "BTCUSDT"),
			CheckInterval:         getEnvAsDuration("RISK_CHECK_INTERVAL", 30*time.Second),
		},
		Monitoring: MonitoringConfig{
			CheckInterval:   getEnvAsDuration("MONITOR_CHECK_INTERVAL", 30*time.Second),
			ProbeTimeout:    getEnvAsDuration("MONITOR_PROBE_TIMEOUT", 5*time.Second),
			MetricMaxAge:    getEnvAsDuration("MONITOR_METRIC_MAX_AGE", time.Hour),
			MetricMaxPoints: getEnvAsInt("MONITOR_METRIC_MAX_POINTS", 10000),
			AlertHistory:    getEnvAsInt("MONITOR_ALERT_HISTORY", 500),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Расшифровка секретов до валидации: расшифрованный секрет проходит
	// те же проверки, что и заданный открыто
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Известные значения-заглушки, с которыми нельзя работать с живой биржей
var placeholderSecrets = map[string]bool{
	"changeme":                true,
	"change-me-in-production": true,
	"your-api-secret":         true,
	"your-secret-key":         true,
	"test-secret":             true,
}

// resolveSecrets расшифровывает секреты, заданные в зашифрованном виде
//
// EXCHANGE_API_SECRET_ENC - base64 шифртекст (AES-256-GCM, см. pkg/crypto),
// ENCRYPTION_KEY - ключ ровно в 32 байта. Ключ используется один раз и
// в структуре конфигурации не сохраняется.
func (c *Config) resolveSecrets() error {
	enc := os.Getenv("EXCHANGE_API_SECRET_ENC")
	if enc == "" {
		return nil
	}

	if c.Exchange.APISecret != "" {
		return fmt.Errorf("EXCHANGE_API_SECRET and EXCHANGE_API_SECRET_ENC are mutually exclusive")
	}

	key := os.Getenv("ENCRYPTION_KEY")
	if err := crypto.ValidateKey([]byte(key)); err != nil {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly %d bytes to decrypt EXCHANGE_API_SECRET_ENC, got %d",
			crypto.KeySize, len(key))
	}

	secret, err := crypto.Decrypt(enc, []byte(key))
	if err != nil {
		return fmt.Errorf("failed to decrypt EXCHANGE_API_SECRET_ENC: %w", err)
	}

	c.Exchange.APISecret = secret
	return nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// API секрет: пустой допустим (публичный режим), заглушка - нет
	if c.Exchange.APIKey != "" {
		if c.Exchange.APISecret == "" {
			return fmt.Errorf("EXCHANGE_API_SECRET is required when EXCHANGE_API_KEY is set")
		}
		if placeholderSecrets[strings.ToLower(c.Exchange.APISecret)] {
			return fmt.Errorf("EXCHANGE_API_SECRET must be changed from placeholder value")
		}
		if len(c.Exchange.APISecret) < 16 {
			return fmt.Errorf("EXCHANGE_API_SECRET must be at least 16 characters, got %d", len(c.Exchange.APISecret))
		}
	}

	// Операторская авторизация требует валидный bcrypt хэш токена
	if c.Server.OperatorAuthEnabled {
		if c.Server.OperatorTokenHash == "" {
			return fmt.Errorf("OPERATOR_TOKEN_HASH is required when OPERATOR_AUTH_ENABLED=true")
		}
		if _, err := crypto.TokenHashCost(c.Server.OperatorTokenHash); err != nil {
			return fmt.Errorf("OPERATOR_TOKEN_HASH must be a valid bcrypt hash")
		}
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	// Валидация портов
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	// Валидация лимитов риска (доли портфеля)
	if c.Risk.MaxPositionSize <= 0 || c.Risk.MaxPositionSize > 1 {
		return fmt.Errorf("RISK_MAX_POSITION_SIZE must be in (0, 1], got %v", c.Risk.MaxPositionSize)
	}

	if c.Risk.MaxPortfolioRisk <= 0 || c.Risk.MaxPortfolioRisk > 1 {
		return fmt.Errorf("RISK_MAX_PORTFOLIO_RISK must be in (0, 1], got %v", c.Risk.MaxPortfolioRisk)
	}

	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown > 1 {
		return fmt.Errorf("RISK_MAX_DRAWDOWN must be in (0, 1], got %v", c.Risk.MaxDrawdown)
	}

	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss > 1 {
		return fmt.Errorf("RISK_MAX_DAILY_LOSS must be in (0, 1], got %v", c.Risk.MaxDailyLoss)
	}

	if c.Risk.MaxOpenPositions < 1 {
		return fmt.Errorf("RISK_MAX_OPEN_POSITIONS must be positive, got %d", c.Risk.MaxOpenPositions)
	}

	if c.Risk.InitialPortfolioValue <= 0 {
		return fmt.Errorf("RISK_INITIAL_PORTFOLIO_VALUE must be positive, got %v", c.Risk.InitialPortfolioValue)
	}

	// Валидация retry параметров
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Retry.MaxAttempts)
	}

	if c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS should not exceed 10, got %d", c.Retry.MaxAttempts)
	}

	// Валидация таймаутов (должны быть положительными)
	if c.Exchange.Timeout <= 0 {
		return fmt.Errorf("EXCHANGE_TIMEOUT must be positive, got %v", c.Exchange.Timeout)
	}

	if c.Exchange.ConnectTimeout <= 0 {
		return fmt.Errorf("WS_CONNECT_TIMEOUT must be positive, got %v", c.Exchange.ConnectTimeout)
	}

	if c.Exchange.HeartbeatTimeout <= c.Exchange.HeartbeatInterval {
		return fmt.Errorf("WS_HEARTBEAT_TIMEOUT (%v) must exceed WS_HEARTBEAT_INTERVAL (%v)",
			c.Exchange.HeartbeatTimeout, c.Exchange.HeartbeatInterval)
	}

	if c.Exchange.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("WS_RECONNECT_MAX_ATTEMPTS cannot be negative, got %d", c.Exchange.ReconnectMaxAttempts)
	}

	// Валидация rate limiter'а
	if c.RateLimit.RequestsPerSecond < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive, got %d", c.RateLimit.RequestsPerSecond)
	}

	if c.RateLimit.MaxQueueSize < 1 {
		return fmt.Errorf("RATE_LIMIT_QUEUE_SIZE must be positive, got %d", c.RateLimit.MaxQueueSize)
	}

	// Валидация мониторинга
	if c.Monitoring.CheckInterval <= 0 {
		return fmt.Errorf("MONITOR_CHECK_INTERVAL must be positive, got %v", c.Monitoring.CheckInterval)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice читает список значений, разделенных запятыми
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
