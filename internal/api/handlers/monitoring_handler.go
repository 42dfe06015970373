package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tradedesk/internal/models"
	"tradedesk/internal/monitoring"
	"tradedesk/pkg/utils"
)

// MonitoringService - срез монитора, который нужен handlers.
// Реализуется monitoring.Monitor.
type MonitoringService interface {
	Alerts(filter monitoring.AlertFilter) []*models.Alert
	Acknowledge(id string) bool
	Resolve(id string) bool
	Health() map[string]monitoring.ProbeStatus
	Healthy() bool
	MetricStats(name string, window time.Duration) (monitoring.Stats, bool)
	MetricNames() []string
}

// LogSource отдает последние записи лога из кольцевого буфера.
// Реализуется utils.Logger.
type LogSource interface {
	Recent(n int) []utils.LogEntry
}

// MonitoringHandler обрабатывает HTTP запросы системы мониторинга.
//
// Endpoints:
// - GET  /api/v1/monitoring/alerts - алерты с фильтрацией
// - POST /api/v1/monitoring/alerts/{id}/acknowledge - подтвердить алерт
// - POST /api/v1/monitoring/alerts/{id}/resolve - разрешить алерт
// - GET  /api/v1/monitoring/logs - последние записи лога
// - GET  /api/v1/monitoring/metrics - имена метрик
// - GET  /api/v1/monitoring/metrics/{name} - агрегаты метрики за окно
// - GET  /health - сводка проверок здоровья (на корне, без /api/v1)
type MonitoringHandler struct {
	monitor MonitoringService
	logs    LogSource
}

// NewMonitoringHandler создает новый MonitoringHandler с внедрением зависимостей.
func NewMonitoringHandler(monitor MonitoringService, logs LogSource) *MonitoringHandler {
	return &MonitoringHandler{
		monitor: monitor,
		logs:    logs,
	}
}

// GetAlerts возвращает алерты из истории монитора.
//
// GET /api/v1/monitoring/alerts?level=CRITICAL&component=risk&include_resolved=true&limit=100
//
// Query Parameters:
// - level (optional): INFO, WARNING, ERROR или CRITICAL
// - component (optional): risk, exchange, monitoring, database, ...
// - include_resolved (optional): true - включить разрешенные (по умолчанию только активные)
// - limit (optional): по умолчанию 100, максимум 500
//
// Response 200 OK:
//
//	[
//	  {
//	    "id": "3f2a...",
//	    "level": "CRITICAL",
//	    "component": "risk",
//	    "message": "drawdown 21.0% breaches limit 20.0%",
//	    "meta": {"current": 0.21, "limit": 0.2},
//	    "acknowledged": false,
//	    "resolved": false,
//	    "created_at": "2025-12-01T12:00:00Z"
//	  }
//	]
//
// Response 400 Bad Request: неизвестный level
func (h *MonitoringHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		respondServiceUnavailable(w, "monitoring")
		return
	}

	filter := monitoring.AlertFilter{
		Component:       r.URL.Query().Get("component"),
		IncludeResolved: r.URL.Query().Get("include_resolved") == "true",
		Limit:           parseLimit(r, 100, 500),
	}

	if levelStr := r.URL.Query().Get("level"); levelStr != "" {
		level := models.AlertLevel(levelStr)
		if !level.Valid() {
			respondBadRequest(w, "invalid level",
				"level must be one of INFO, WARNING, ERROR, CRITICAL")
			return
		}
		filter.Level = level
	}

	alerts := h.monitor.Alerts(filter)
	// Пустой массив возвращаем как [], а не null
	if alerts == nil {
		alerts = []*models.Alert{}
	}

	respondJSON(w, http.StatusOK, alerts)
}

// AcknowledgeAlert подтверждает алерт: оператор видел проблему.
//
// POST /api/v1/monitoring/alerts/{id}/acknowledge
//
// Response 200 OK:
//
//	{"message": "alert acknowledged"}
//
// Response 404 Not Found: алерт не существует
func (h *MonitoringHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		respondServiceUnavailable(w, "monitoring")
		return
	}

	id := mux.Vars(r)["id"]
	if !h.monitor.Acknowledge(id) {
		respondNotFound(w, "alert not found: "+id)
		return
	}

	respondJSON(w, http.StatusOK, &SuccessResponse{Message: "alert acknowledged"})
}

// ResolveAlert разрешает алерт: проблема устранена.
//
// POST /api/v1/monitoring/alerts/{id}/resolve
//
// Response 200 OK:
//
//	{"message": "alert resolved"}
//
// Response 404 Not Found: алерт не существует или уже разрешен
func (h *MonitoringHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		respondServiceUnavailable(w, "monitoring")
		return
	}

	id := mux.Vars(r)["id"]
	if !h.monitor.Resolve(id) {
		respondNotFound(w, "alert not found or already resolved: "+id)
		return
	}

	respondJSON(w, http.StatusOK, &SuccessResponse{Message: "alert resolved"})
}

// GetLogs возвращает последние записи лога из кольцевого буфера.
//
// GET /api/v1/monitoring/logs?limit=100
//
// Query Parameters:
// - limit (optional): по умолчанию 100, максимум 1000
//
// Response 200 OK:
//
//	[
//	  {
//	    "time": "2025-12-01T12:00:00Z",
//	    "level": "warn",
//	    "message": "stream reconnecting",
//	    "fields": {"component": "exchange", "attempt": 3}
//	  }
//	]
func (h *MonitoringHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		respondServiceUnavailable(w, "log")
		return
	}

	limit := parseLimit(r, 100, 1000)
	entries := h.logs.Recent(limit)
	if entries == nil {
		entries = []utils.LogEntry{}
	}

	respondJSON(w, http.StatusOK, entries)
}

// GetMetricNames возвращает имена всех зарегистрированных метрик.
//
// GET /api/v1/monitoring/metrics
//
// Response 200 OK:
//
//	["market.price.BTCUSDT", "market.spread.BTCUSDT", "risk.portfolio_value"]
func (h *MonitoringHandler) GetMetricNames(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		respondServiceUnavailable(w, "monitoring")
		return
	}

	names := h.monitor.MetricNames()
	if names == nil {
		names = []string{}
	}

	respondJSON(w, http.StatusOK, names)
}

// GetMetricStats возвращает агрегаты метрики за окно времени.
//
// GET /api/v1/monitoring/metrics/{name}?window=5m
//
// Query Parameters:
// - window (optional): окно агрегации в формате time.ParseDuration, по умолчанию 5m
//
// Response 200 OK:
//
//	{
//	  "name": "market.price.BTCUSDT",
//	  "window": "5m0s",
//	  "avg": 50100.2,
//	  "min": 49980.0,
//	  "max": 50240.0,
//	  "last": 50123.5,
//	  "count": 287
//	}
//
// Response 400 Bad Request: некорректное окно
// Response 404 Not Found: нет точек метрики в окне
func (h *MonitoringHandler) GetMetricStats(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		respondServiceUnavailable(w, "monitoring")
		return
	}

	name := mux.Vars(r)["name"]

	window := 5 * time.Minute
	if windowStr := r.URL.Query().Get("window"); windowStr != "" {
		parsed, err := time.ParseDuration(windowStr)
		if err != nil || parsed <= 0 {
			respondBadRequest(w, "invalid window", `window must be a positive duration like "30s" or "5m"`)
			return
		}
		window = parsed
	}

	stats, ok := h.monitor.MetricStats(name, window)
	if !ok {
		respondNotFound(w, "no data for metric "+name)
		return
	}

	response := struct {
		Name   string `json:"name"`
		Window string `json:"window"`
		monitoring.Stats
	}{
		Name:   name,
		Window: window.String(),
		Stats:  stats,
	}

	respondJSON(w, http.StatusOK, response)
}

// GetHealth возвращает сводку проверок здоровья.
//
// GET /health
//
// Балансировщики и оркестраторы опрашивают этот endpoint: 200 - сервис
// работоспособен, 503 - хотя бы одна критическая проверка провалена.
// Некритические сбои (например, отвал потока при живом REST) оставляют
// статус 200 с degraded-пометкой в checks.
//
// Response 200 OK / 503 Service Unavailable:
//
//	{
//	  "status": "ok",
//	  "checks": {
//	    "exchange_rest": {"healthy": true, "last_checked": "...", "last_healthy": "..."},
//	    "database": {"healthy": true, "last_checked": "...", "last_healthy": "..."}
//	  }
//	}
func (h *MonitoringHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		// Без монитора health сводится к "процесс жив"
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	healthy := h.monitor.Healthy()
	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, struct {
		Status string                            `json:"status"`
		Checks map[string]monitoring.ProbeStatus `json:"checks"`
	}{
		Status: status,
		Checks: h.monitor.Health(),
	})
}
