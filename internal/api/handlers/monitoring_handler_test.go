package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"tradedesk/internal/models"
	"tradedesk/internal/monitoring"
)

// ============ MonitoringHandler Tests ============

func TestMonitoringHandler_GetAlerts(t *testing.T) {
	newAlert := func(id string, level models.AlertLevel, component string, resolved bool) *models.Alert {
		return &models.Alert{
			ID: id, Level: level, Component: component,
			Message: "test alert", Resolved: resolved, CreatedAt: time.Now().UTC(),
		}
	}

	t.Run("returns active alerts by default", func(t *testing.T) {
		mockSvc := NewMockMonitoringService()
		mockSvc.AddAlert(newAlert("a-1", models.AlertLevelCritical, "risk", false))
		mockSvc.AddAlert(newAlert("a-2", models.AlertLevelWarning, "exchange", true))
		handler := NewMonitoringHandler(mockSvc, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/alerts", nil)
		w := httptest.NewRecorder()

		handler.GetAlerts(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}

		var alerts []*models.Alert
		if err := json.NewDecoder(w.Body).Decode(&alerts); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(alerts) != 1 || alerts[0].ID != "a-1" {
			t.Errorf("unexpected alerts: %+v", alerts)
		}
	})

	t.Run("include_resolved returns the full history", func(t *testing.T) {
		mockSvc := NewMockMonitoringService()
		mockSvc.AddAlert(newAlert("a-1", models.AlertLevelCritical, "risk", false))
		mockSvc.AddAlert(newAlert("a-2", models.AlertLevelWarning, "exchange", true))
		handler := NewMonitoringHandler(mockSvc, nil)

		req := httptest.NewRequest(http.MethodGet,
			"/api/v1/monitoring/alerts?include_resolved=true", nil)
		w := httptest.NewRecorder()

		handler.GetAlerts(w, req)

		var alerts []*models.Alert
		if err := json.NewDecoder(w.Body).Decode(&alerts); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(alerts) != 2 {
			t.Errorf("expected 2 alerts, got %d", len(alerts))
		}
	})

	t.Run("filters by level and component", func(t *testing.T) {
		mockSvc := NewMockMonitoringService()
		mockSvc.AddAlert(newAlert("a-1", models.AlertLevelCritical, "risk", false))
		mockSvc.AddAlert(newAlert("a-2", models.AlertLevelCritical, "exchange", false))
		mockSvc.AddAlert(newAlert("a-3", models.AlertLevelInfo, "risk", false))
		handler := NewMonitoringHandler(mockSvc, nil)

		req := httptest.NewRequest(http.MethodGet,
			"/api/v1/monitoring/alerts?level=CRITICAL&component=risk", nil)
		w := httptest.NewRecorder()

		handler.GetAlerts(w, req)

		var alerts []*models.Alert
		if err := json.NewDecoder(w.Body).Decode(&alerts); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(alerts) != 1 || alerts[0].ID != "a-1" {
			t.Errorf("unexpected alerts: %+v", alerts)
		}
	})

	t.Run("returns 400 on unknown level", func(t *testing.T) {
		handler := NewMonitoringHandler(NewMockMonitoringService(), nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/alerts?level=SEVERE", nil)
		w := httptest.NewRecorder()

		handler.GetAlerts(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})

	t.Run("returns empty array instead of null", func(t *testing.T) {
		handler := NewMonitoringHandler(NewMockMonitoringService(), nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/alerts", nil)
		w := httptest.NewRecorder()

		handler.GetAlerts(w, req)

		if body := w.Body.String(); body == "null\n" || body == "null" {
			t.Error("expected [] body, got null")
		}
	})
}

func TestMonitoringHandler_AcknowledgeAlert(t *testing.T) {
	t.Run("acknowledges existing alert", func(t *testing.T) {
		mockSvc := NewMockMonitoringService()
		mockSvc.AddAlert(&models.Alert{ID: "a-1", Level: models.AlertLevelWarning})
		handler := NewMonitoringHandler(mockSvc, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/monitoring/alerts/a-1/acknowledge", nil)
		req = mux.SetURLVars(req, map[string]string{"id": "a-1"})
		w := httptest.NewRecorder()

		handler.AcknowledgeAlert(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}
	})

	t.Run("returns 404 for unknown alert", func(t *testing.T) {
		handler := NewMonitoringHandler(NewMockMonitoringService(), nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/monitoring/alerts/missing/acknowledge", nil)
		req = mux.SetURLVars(req, map[string]string{"id": "missing"})
		w := httptest.NewRecorder()

		handler.AcknowledgeAlert(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
		}
	})
}

func TestMonitoringHandler_ResolveAlert(t *testing.T) {
	t.Run("resolves active alert", func(t *testing.T) {
		mockSvc := NewMockMonitoringService()
		mockSvc.AddAlert(&models.Alert{ID: "a-1", Level: models.AlertLevelError})
		handler := NewMonitoringHandler(mockSvc, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/monitoring/alerts/a-1/resolve", nil)
		req = mux.SetURLVars(req, map[string]string{"id": "a-1"})
		w := httptest.NewRecorder()

		handler.ResolveAlert(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}
	})

	t.Run("returns 404 when already resolved", func(t *testing.T) {
		mockSvc := NewMockMonitoringService()
		mockSvc.AddAlert(&models.Alert{ID: "a-1", Level: models.AlertLevelError, Resolved: true})
		handler := NewMonitoringHandler(mockSvc, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/monitoring/alerts/a-1/resolve", nil)
		req = mux.SetURLVars(req, map[string]string{"id": "a-1"})
		w := httptest.NewRecorder()

		handler.ResolveAlert(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
		}
	})
}

func TestMonitoringHandler_GetLogs(t *testing.T) {
	t.Run("returns recent log entries", func(t *testing.T) {
		mockLogs := NewMockLogSource()
		mockLogs.AddEntry("info", "stream connected")
		mockLogs.AddEntry("warn", "stream reconnecting")
		handler := NewMonitoringHandler(NewMockMonitoringService(), mockLogs)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/logs?limit=2", nil)
		w := httptest.NewRecorder()

		handler.GetLogs(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}

		var entries []map[string]interface{}
		if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		if entries[1]["message"] != "stream reconnecting" {
			t.Errorf("last message = %v, want stream reconnecting", entries[1]["message"])
		}
	})

	t.Run("returns empty array when buffer is empty", func(t *testing.T) {
		handler := NewMonitoringHandler(NewMockMonitoringService(), NewMockLogSource())

		req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/logs", nil)
		w := httptest.NewRecorder()

		handler.GetLogs(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		if body := w.Body.String(); body == "null\n" || body == "null" {
			t.Error("expected [] body, got null")
		}
	})

	t.Run("returns 500 when log source not wired", func(t *testing.T) {
		handler := NewMonitoringHandler(NewMockMonitoringService(), nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/logs", nil)
		w := httptest.NewRecorder()

		handler.GetLogs(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
		}
	})
}

func TestMonitoringHandler_GetMetricStats(t *testing.T) {
	t.Run("returns stats for known metric", func(t *testing.T) {
		mockSvc := NewMockMonitoringService()
		mockSvc.SetMetricStats("market.price.BTCUSDT", monitoring.Stats{
			Avg: 50100.2, Min: 49980, Max: 50240, Last: 50123.5, Count: 287,
		})
		handler := NewMonitoringHandler(mockSvc, nil)

		req := httptest.NewRequest(http.MethodGet,
			"/api/v1/monitoring/metrics/market.price.BTCUSDT?window=10m", nil)
		req = mux.SetURLVars(req, map[string]string{"name": "market.price.BTCUSDT"})
		w := httptest.NewRecorder()

		handler.GetMetricStats(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}

		var response struct {
			Name   string  `json:"name"`
			Window string  `json:"window"`
			Avg    float64 `json:"avg"`
			Count  int     `json:"count"`
		}
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.Name != "market.price.BTCUSDT" {
			t.Errorf("name = %q, want market.price.BTCUSDT", response.Name)
		}
		if response.Window != "10m0s" {
			t.Errorf("window = %q, want 10m0s", response.Window)
		}
		if response.Count != 287 {
			t.Errorf("count = %d, want 287", response.Count)
		}
	})

	t.Run("returns 404 when metric has no data", func(t *testing.T) {
		handler := NewMonitoringHandler(NewMockMonitoringService(), nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/metrics/unknown", nil)
		req = mux.SetURLVars(req, map[string]string{"name": "unknown"})
		w := httptest.NewRecorder()

		handler.GetMetricStats(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
		}
	})

	t.Run("returns 400 on invalid window", func(t *testing.T) {
		handler := NewMonitoringHandler(NewMockMonitoringService(), nil)

		req := httptest.NewRequest(http.MethodGet,
			"/api/v1/monitoring/metrics/market.price.BTCUSDT?window=tomorrow", nil)
		req = mux.SetURLVars(req, map[string]string{"name": "market.price.BTCUSDT"})
		w := httptest.NewRecorder()

		handler.GetMetricStats(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})
}

func TestMonitoringHandler_GetMetricNames(t *testing.T) {
	t.Run("returns metric names", func(t *testing.T) {
		mockSvc := NewMockMonitoringService()
		mockSvc.SetMetricNames([]string{"market.price.BTCUSDT", "risk.portfolio_value"})
		handler := NewMonitoringHandler(mockSvc, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/metrics", nil)
		w := httptest.NewRecorder()

		handler.GetMetricNames(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}

		var names []string
		if err := json.NewDecoder(w.Body).Decode(&names); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(names) != 2 {
			t.Errorf("expected 2 names, got %d", len(names))
		}
	})
}

func TestMonitoringHandler_GetHealth(t *testing.T) {
	t.Run("healthy service returns 200 ok", func(t *testing.T) {
		mockSvc := NewMockMonitoringService()
		mockSvc.SetHealth(true, map[string]monitoring.ProbeStatus{
			"database": {Healthy: true},
		})
		handler := NewMonitoringHandler(mockSvc, nil)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()

		handler.GetHealth(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}

		var response struct {
			Status string                            `json:"status"`
			Checks map[string]monitoring.ProbeStatus `json:"checks"`
		}
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.Status != "ok" {
			t.Errorf("status = %q, want ok", response.Status)
		}
		if _, ok := response.Checks["database"]; !ok {
			t.Error("checks should contain database probe")
		}
	})

	t.Run("failed critical check returns 503 degraded", func(t *testing.T) {
		mockSvc := NewMockMonitoringService()
		mockSvc.SetHealth(false, map[string]monitoring.ProbeStatus{
			"database": {Healthy: false, LastError: "connection refused", ConsecutiveFails: 3},
		})
		handler := NewMonitoringHandler(mockSvc, nil)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()

		handler.GetHealth(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
		}

		var response struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.Status != "degraded" {
			t.Errorf("status = %q, want degraded", response.Status)
		}
	})

	t.Run("missing monitor degrades to liveness probe", func(t *testing.T) {
		handler := NewMonitoringHandler(nil, nil)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()

		handler.GetHealth(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}
	})
}
