package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"tradedesk/internal/config"
	"tradedesk/internal/models"
	"tradedesk/internal/risk"
)

// RiskService - срез риск-менеджера, который нужен handlers.
// Реализуется risk.Manager.
type RiskService interface {
	ValidateTrade(ctx context.Context, req risk.TradeRequest) (*risk.TradeDecision, error)
	OpenPosition(ctx context.Context, req risk.TradeRequest) (*models.Position, error)
	ClosePosition(id string, price float64, reason models.CloseReason) (*models.Position, error)
	Position(id string) (*models.Position, bool)
	LastPrice(symbol string) (float64, bool)
	OpenPositions() []*models.Position
	ClosedPositions(limit int) []*models.Position
	Metrics() risk.RiskMetrics
	Suspended() (bool, string)
	ResumeTrading(reason string)
}

// RiskHandler обрабатывает HTTP запросы управления рисками и позициями.
//
// Endpoints:
// - GET    /api/v1/risk/positions?status=open|closed - список позиций
// - POST   /api/v1/risk/positions - открыть позицию через риск-контроль
// - DELETE /api/v1/risk/positions/{id} - закрыть позицию
// - POST   /api/v1/risk/validate - проверить заявку без открытия
// - GET    /api/v1/risk/metrics - метрики портфеля
// - GET    /api/v1/risk/status - состояние торговли и настроенные лимиты
// - POST   /api/v1/risk/resume - возобновить приостановленную торговлю
//
// Мутирующие endpoints (POST/DELETE) закрываются операторским токеном
// на уровне маршрутизации.
type RiskHandler struct {
	risk RiskService
	cfg  config.RiskConfig
}

// NewRiskHandler создает новый RiskHandler с внедрением зависимостей.
func NewRiskHandler(riskService RiskService, cfg config.RiskConfig) *RiskHandler {
	return &RiskHandler{
		risk: riskService,
		cfg:  cfg,
	}
}

// GetPositions возвращает позиции леджера.
//
// GET /api/v1/risk/positions?status=open|closed&limit=50
//
// Query Parameters:
// - status (optional): "open" (default) или "closed"
// - limit (optional): для closed - число последних позиций (по умолчанию 50, максимум 500)
//
// Response 200 OK:
//
//	[
//	  {
//	    "id": "0b91c9a4-...",
//	    "symbol": "BTCUSDT",
//	    "side": "long",
//	    "quantity": 0.5,
//	    "entry_price": 50000.0,
//	    "current_price": 50250.0,
//	    "stop_loss": 49000.0,
//	    "take_profit": 52000.0,
//	    "unrealized_pnl": 125.0,
//	    "status": "open",
//	    "entry_time": "2025-12-01T10:00:00Z"
//	  }
//	]
func (h *RiskHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		respondServiceUnavailable(w, "risk")
		return
	}

	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.PositionStatusOpen // значение по умолчанию
	}

	var positions []*models.Position
	switch status {
	case models.PositionStatusOpen:
		positions = h.risk.OpenPositions()
	case models.PositionStatusClosed:
		limit := parseLimit(r, 50, 500)
		positions = h.risk.ClosedPositions(limit)
	default:
		respondBadRequest(w, "invalid status", `status must be "open" or "closed"`)
		return
	}

	// Пустой массив возвращаем как [], а не null
	if positions == nil {
		positions = []*models.Position{}
	}

	respondJSON(w, http.StatusOK, positions)
}

// OpenPosition открывает позицию через полный риск-контроль.
//
// POST /api/v1/risk/positions
//
// Request:
//
//	{
//	  "symbol": "BTCUSDT",
//	  "side": "long",
//	  "quantity": 0.5,
//	  "price": 50000.0,
//	  "strategy": "momentum"
//	}
//
// Response 201 Created: созданная позиция
// Response 400 Bad Request: некорректная заявка (символ, сторона, количество)
// Response 422 Unprocessable Entity: отказ риск-менеджера (лимит, просадка,
// суспенд) с перечнем причин в details
func (h *RiskHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		respondServiceUnavailable(w, "risk")
		return
	}

	var req risk.TradeRequest
	if err := jsonAPI.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid request body", err.Error())
		return
	}

	position, err := h.risk.OpenPosition(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, position)
}

// closePositionRequest - опциональное тело DELETE запроса закрытия.
type closePositionRequest struct {
	Price  float64 `json:"price,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// ClosePosition закрывает позицию по указанной или последней рыночной цене.
//
// DELETE /api/v1/risk/positions/{id}
//
// Request (optional):
//
//	{"price": 50500.0, "reason": "manual"}
//
// Если price не указан, берется последняя известная цена символа из
// риск-менеджера. Если ее нет (поток не работал), запрос отклоняется.
//
// Response 200 OK: закрытая позиция с realized_pnl и close_reason
// Response 404 Not Found: позиция не существует или уже закрыта
// Response 400 Bad Request: цена не указана и рыночной цены нет
func (h *RiskHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		respondServiceUnavailable(w, "risk")
		return
	}

	id := mux.Vars(r)["id"]
	position, ok := h.risk.Position(id)
	if !ok || !position.IsOpen() {
		respondNotFound(w, "open position not found: "+id)
		return
	}

	var req closePositionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := jsonAPI.NewDecoder(r.Body).Decode(&req); err != nil {
			respondBadRequest(w, "invalid request body", err.Error())
			return
		}
	}

	price := req.Price
	if price <= 0 {
		last, ok := h.risk.LastPrice(position.Symbol)
		if !ok {
			respondBadRequest(w, "close price required",
				"no market price known for "+position.Symbol+", pass price in request body")
			return
		}
		price = last
	}

	reason := models.CloseReasonManual
	if req.Reason != "" {
		reason = models.CloseReason(req.Reason)
	}

	closed, err := h.risk.ClosePosition(id, price, reason)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, closed)
}

// ValidateTrade прогоняет заявку через риск-контроль без открытия позиции.
//
// POST /api/v1/risk/validate
//
// Request: как в OpenPosition
//
// Response 200 OK:
//
//	{
//	  "approved": false,
//	  "reasons": ["position size 12.0% exceeds limit 5.0%"],
//	  "adjusted_quantity": 0.2,
//	  "risk_amount": 750.0
//	}
//
// Отказ риск-менеджера - это не ошибка HTTP: ответ всегда 200 с
// approved=true/false. 400 возвращается только на формально
// некорректную заявку.
func (h *RiskHandler) ValidateTrade(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		respondServiceUnavailable(w, "risk")
		return
	}

	var req risk.TradeRequest
	if err := jsonAPI.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid request body", err.Error())
		return
	}

	decision, err := h.risk.ValidateTrade(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, decision)
}

// GetMetrics возвращает метрики портфеля.
//
// GET /api/v1/risk/metrics
//
// Response 200 OK:
//
//	{
//	  "portfolio_value": 102500.0,
//	  "peak_value": 104000.0,
//	  "total_exposure": 25000.0,
//	  "unrealized_pnl": 1500.0,
//	  "realized_pnl": 1000.0,
//	  "daily_pnl": -500.0,
//	  "current_drawdown": 0.0144,
//	  "max_drawdown": 0.03,
//	  "sharpe_ratio": 1.8,
//	  "value_at_risk_95": 2100.0,
//	  "open_positions": 3,
//	  "suspended": false,
//	  "updated_at": "2025-12-01T12:00:00Z"
//	}
func (h *RiskHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		respondServiceUnavailable(w, "risk")
		return
	}

	respondJSON(w, http.StatusOK, h.risk.Metrics())
}

// riskLimits - настроенные лимиты для ответа GetStatus.
type riskLimits struct {
	MaxPositionSize  float64 `json:"max_position_size"`
	MaxPortfolioRisk float64 `json:"max_portfolio_risk"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	MaxDailyLoss     float64 `json:"max_daily_loss"`
	MaxOpenPositions int     `json:"max_open_positions"`
	MaxCorrelation   float64 `json:"max_correlation"`
	StopLossPct      float64 `json:"stop_loss_pct"`
	TakeProfitPct    float64 `json:"take_profit_pct"`
}

// GetStatus возвращает состояние торговли и настроенные лимиты.
//
// GET /api/v1/risk/status
//
// Response 200 OK:
//
//	{
//	  "suspended": true,
//	  "reason": "daily loss 16.2% breaches limit 15.0%",
//	  "limits": {
//	    "max_position_size": 0.05,
//	    "max_drawdown": 0.20,
//	    "max_daily_loss": 0.15,
//	    "max_open_positions": 10
//	  }
//	}
func (h *RiskHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		respondServiceUnavailable(w, "risk")
		return
	}

	suspended, reason := h.risk.Suspended()
	status := struct {
		Suspended bool       `json:"suspended"`
		Reason    string     `json:"reason,omitempty"`
		Limits    riskLimits `json:"limits"`
	}{
		Suspended: suspended,
		Reason:    reason,
		Limits: riskLimits{
			MaxPositionSize:  h.cfg.MaxPositionSize,
			MaxPortfolioRisk: h.cfg.MaxPortfolioRisk,
			MaxDrawdown:      h.cfg.MaxDrawdown,
			MaxDailyLoss:     h.cfg.MaxDailyLoss,
			MaxOpenPositions: h.cfg.MaxOpenPositions,
			MaxCorrelation:   h.cfg.MaxCorrelation,
			StopLossPct:      h.cfg.StopLossPct,
			TakeProfitPct:    h.cfg.TakeProfitPct,
		},
	}

	respondJSON(w, http.StatusOK, status)
}

// resumeRequest - тело запроса возобновления торговли.
type resumeRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ResumeTrading возобновляет приостановленную торговлю.
//
// POST /api/v1/risk/resume
//
// Request (optional):
//
//	{"reason": "drawdown reviewed, limits adjusted"}
//
// Response 200 OK:
//
//	{"message": "trading resumed"}
//
// Возобновление идемпотентно: повторный вызов на работающей торговле
// ничего не меняет и тоже возвращает 200.
func (h *RiskHandler) ResumeTrading(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		respondServiceUnavailable(w, "risk")
		return
	}

	var req resumeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := jsonAPI.NewDecoder(r.Body).Decode(&req); err != nil {
			respondBadRequest(w, "invalid request body", err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	h.risk.ResumeTrading(req.Reason)

	respondJSON(w, http.StatusOK, &SuccessResponse{Message: "trading resumed"})
}
