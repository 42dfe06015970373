package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tradedesk/pkg/ratelimit"
)

// ============================================================
// Prometheus метрики сервиса
// ============================================================
//
// Все метрики в namespace tradedesk, разбиты по подсистемам:
// - exchange: REST запросы, кэш, websocket поток
// - ratelimit: очередь и адаптивный фактор лимитера
// - risk: позиции, просадка, загрузка лимитов
// - monitoring: алерты и health checks
//
// Использование:
// - Grafana дашборды для визуализации
// - Alertmanager для уведомлений о проблемах

// ============ Метрики REST API ============

// APIRequestsTotal - количество REST запросов по эндпоинтам и статусам
var APIRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradedesk",
		Subsystem: "exchange",
		Name:      "api_requests_total",
		Help:      "Total number of REST API requests",
	},
	[]string{"endpoint", "status"}, // status: HTTP код, 0 для транспортных сбоев
)

// APIRequestDuration - длительность REST запросов (вся цепочка с retry)
var APIRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradedesk",
		Subsystem: "exchange",
		Name:      "api_request_duration_seconds",
		Help:      "REST API request duration in seconds",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"endpoint"},
)

// CacheHitsTotal - попадания в кэш GET ответов
var CacheHitsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradedesk",
		Subsystem: "exchange",
		Name:      "cache_hits_total",
		Help:      "Total number of response cache hits",
	},
)

// ============ Метрики websocket потока ============

// WSState - текущее состояние websocket соединения
var WSState = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradedesk",
		Subsystem: "exchange",
		Name:      "ws_state",
		Help:      "Websocket connection state (0=disconnected 1=connecting 2=connected 3=authenticating 4=authenticated 5=reconnecting 6=closed)",
	},
)

// WSReconnectsTotal - количество переподключений websocket
var WSReconnectsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradedesk",
		Subsystem: "exchange",
		Name:      "ws_reconnects_total",
		Help:      "Total number of websocket reconnect attempts",
	},
)

// WSMessagesTotal - количество принятых сообщений по типам
var WSMessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradedesk",
		Subsystem: "exchange",
		Name:      "ws_messages_total",
		Help:      "Total number of websocket messages received",
	},
	[]string{"type"}, // v2_ticker, l1_orderbook, all_trades, heartbeat, unknown...
)

// WSDroppedEventsTotal - события, потерянные из-за медленных подписчиков
var WSDroppedEventsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradedesk",
		Subsystem: "exchange",
		Name:      "ws_dropped_events_total",
		Help:      "Total number of stream events dropped due to slow subscribers",
	},
)

// ============ Метрики риск-менеджмента ============

// RiskOpenPositions - текущее количество открытых позиций
var RiskOpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradedesk",
		Subsystem: "risk",
		Name:      "open_positions",
		Help:      "Current number of open positions",
	},
)

// RiskPortfolioValue - текущая стоимость портфеля в USDT
var RiskPortfolioValue = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradedesk",
		Subsystem: "risk",
		Name:      "portfolio_value",
		Help:      "Current portfolio value in USDT",
	},
)

// RiskDrawdown - текущая просадка от пика (доля 0..1)
var RiskDrawdown = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradedesk",
		Subsystem: "risk",
		Name:      "drawdown",
		Help:      "Current drawdown from peak portfolio value (fraction)",
	},
)

// RiskUtilization - загрузка лимита экспозиции (доля 0..1)
var RiskUtilization = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradedesk",
		Subsystem: "risk",
		Name:      "risk_utilization",
		Help:      "Exposure limit utilization (fraction)",
	},
)

// RiskSuspended - флаг приостановки торговли
var RiskSuspended = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradedesk",
		Subsystem: "risk",
		Name:      "suspended",
		Help:      "Trading suspension flag (1=suspended, 0=active)",
	},
)

// TradesRejectedTotal - сделки, отклонённые риск-менеджером
var TradesRejectedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradedesk",
		Subsystem: "risk",
		Name:      "trades_rejected_total",
		Help:      "Total number of trades rejected by risk checks",
	},
	[]string{"reason"}, // suspended, max_positions, exposure, correlation...
)

// PositionsClosedTotal - закрытые позиции по причинам
var PositionsClosedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradedesk",
		Subsystem: "risk",
		Name:      "positions_closed_total",
		Help:      "Total number of closed positions",
	},
	[]string{"reason"}, // stop_loss, take_profit, manual, risk
)

// ============ Метрики мониторинга ============

// AlertsTotal - созданные алерты по уровням
var AlertsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradedesk",
		Subsystem: "monitoring",
		Name:      "alerts_total",
		Help:      "Total number of alerts created",
	},
	[]string{"level"}, // INFO, WARNING, ERROR, CRITICAL
)

// HealthStatus - состояние health checks
var HealthStatus = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradedesk",
		Subsystem: "monitoring",
		Name:      "health_status",
		Help:      "Health check status (1=healthy, 0=failing)",
	},
	[]string{"check"},
)

// ============ Вспомогательные функции ============

// RecordAPIRequest записывает REST запрос: счётчик и гистограмму
func RecordAPIRequest(endpoint string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordCacheHit записывает попадание в кэш ответов
func RecordCacheHit() {
	CacheHitsTotal.Inc()
}

// SetWSState обновляет состояние websocket соединения
func SetWSState(state int) {
	WSState.Set(float64(state))
}

// RecordWSReconnect записывает попытку переподключения
func RecordWSReconnect() {
	WSReconnectsTotal.Inc()
}

// RecordWSMessage записывает принятое сообщение потока
func RecordWSMessage(msgType string) {
	WSMessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordWSDroppedEvent записывает потерю события из-за медленного подписчика
func RecordWSDroppedEvent() {
	WSDroppedEventsTotal.Inc()
}

// UpdateRiskStatus обновляет gauge-метрики риск-менеджера одним вызовом
func UpdateRiskStatus(openPositions int, portfolioValue, drawdown, utilization float64, suspended bool) {
	RiskOpenPositions.Set(float64(openPositions))
	RiskPortfolioValue.Set(portfolioValue)
	RiskDrawdown.Set(drawdown)
	RiskUtilization.Set(utilization)
	if suspended {
		RiskSuspended.Set(1)
	} else {
		RiskSuspended.Set(0)
	}
}

// RecordTradeRejected записывает отклонённую риск-менеджером сделку
func RecordTradeRejected(reason string) {
	TradesRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordPositionClosed записывает закрытие позиции
func RecordPositionClosed(reason string) {
	PositionsClosedTotal.WithLabelValues(reason).Inc()
}

// RecordAlert записывает созданный алерт
func RecordAlert(level string) {
	AlertsTotal.WithLabelValues(level).Inc()
}

// SetHealthStatus обновляет состояние health check
func SetHealthStatus(check string, healthy bool) {
	if healthy {
		HealthStatus.WithLabelValues(check).Set(1)
	} else {
		HealthStatus.WithLabelValues(check).Set(0)
	}
}

// RegisterRateLimitStats публикует метрики rate limiter'а через функции
// чтения Stats(). Вызывается один раз при старте: повторная регистрация
// коллекторов в prometheus паникует.
func RegisterRateLimitStats(stats func() ratelimit.Stats) {
	promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "tradedesk",
			Subsystem: "ratelimit",
			Name:      "queue_depth",
			Help:      "Current number of requests waiting in the limiter queue",
		},
		func() float64 { return float64(stats().QueueLength) },
	)
	promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "tradedesk",
			Subsystem: "ratelimit",
			Name:      "adaptive_factor",
			Help:      "Current adaptive throttling factor (1.0 = full speed)",
		},
		func() float64 { return stats().Factor },
	)
	promauto.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: "tradedesk",
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Total number of requests rejected by the limiter queue",
		},
		func() float64 { return float64(stats().Rejected) },
	)
}
