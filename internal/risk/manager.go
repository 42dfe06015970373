package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/config"
	"tradedesk/internal/models"
	"tradedesk/internal/monitoring"
	"tradedesk/pkg/errs"
	"tradedesk/pkg/utils"
)

// ============================================================
// Константы и токены причин
// ============================================================

const (
	// Ёмкость кольца закрытых позиций
	closedHistoryLimit = 200

	// Ёмкость ряда дневных доходностей для Шарпа
	dailyReturnsLimit = 365

	// Порог утилизации риск-бюджета, выше которого выдается WARNING
	riskUtilizationWarnLevel = 0.8
)

// Токены причин отказа. Первый токен жесткого отказа попадает
// в метрику trades_rejected_total и в RiskManagementError.
const (
	ReasonSuspended         = "trading_suspended"
	ReasonMaxPositions      = "max_open_positions"
	ReasonPositionSize      = "position_size_clamped"
	ReasonCorrelation       = "correlation_exceeded"
	ReasonPortfolioRisk     = "portfolio_risk_exceeded"
	reasonZeroAfterClamping = "position_size"
)

// ============================================================
// Запрос и решение
// ============================================================

// TradeRequest - заявка на сделку, поступающая на проверку риск-менеджеру
type TradeRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // long, short
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Strategy string  `json:"strategy,omitempty"`
}

// validate проверяет формальную корректность заявки.
// Нарушение дает ValidationError, а не отказ риск-менеджера.
func (r *TradeRequest) validate() error {
	if err := utils.ValidateSymbol(r.Symbol); err != nil {
		return errs.NewValidationError(err.Error(), uuid.NewString(), "symbol")
	}
	if r.Side != models.SideLong && r.Side != models.SideShort {
		return errs.NewValidationError(
			fmt.Sprintf("side must be %q or %q, got %q", models.SideLong, models.SideShort, r.Side),
			uuid.NewString(), "side")
	}
	if err := utils.ValidateQuantity(r.Quantity); err != nil {
		return errs.NewValidationError(err.Error(), uuid.NewString(), "quantity")
	}
	if err := utils.ValidatePrice(r.Price); err != nil {
		return errs.NewValidationError(err.Error(), uuid.NewString(), "price")
	}
	return nil
}

// TradeDecision - решение риск-менеджера по заявке.
//
// Превышение размера позиции не отклоняет сделку: количество урезается
// вниз до лимита (никогда вверх), причем AdjustedQuantity может быть
// нулевым - вызывающая сторона видит урезание по Reasons. Жесткие отказы
// (стоп торговли, лимит позиций, корреляция, портфельный риск) дают
// Approved=false без корректировки.
type TradeDecision struct {
	Approved         bool     `json:"approved"`
	Reasons          []string `json:"reasons,omitempty"`
	AdjustedQuantity float64  `json:"adjusted_quantity"`
	RiskAmount       float64  `json:"risk_amount"`

	// детали первого жесткого отказа для метрик и типизированной ошибки
	rejectType    string
	rejectCurrent float64
	rejectLimit   float64
}

func (d *TradeDecision) reject(token, detail string, current, limit float64) {
	d.Approved = false
	d.AdjustedQuantity = 0
	d.Reasons = append(d.Reasons, detail)
	d.rejectType = token
	d.rejectCurrent = current
	d.rejectLimit = limit
}

// ============================================================
// Внешние зависимости (реализации внедряются через конструктор)
// ============================================================

// PositionStore персистит жизненный цикл позиций для аудита
// и восстановления после перезапуска. Ошибки записи не фатальны:
// леджер в памяти остается источником истины.
type PositionStore interface {
	InsertOpen(p *models.Position) error
	UpdateClose(p *models.Position) error
}

// Alerter принимает алерты о нарушении лимитов
type Alerter interface {
	CreateAlert(level models.AlertLevel, component, message string, meta map[string]interface{}) *models.Alert
}

// Broadcaster доставляет события позиций и статус риска на дашборд
type Broadcaster interface {
	BroadcastPositionUpdate(position *models.Position)
	BroadcastRiskStatus(status interface{})
}

// ============================================================
// Manager
// ============================================================

// Manager - риск-менеджер: единственная точка решения о допустимости
// сделки и непрерывный контроль риска открытых позиций.
//
// Назначение:
// Ведет леджер открытых позиций (единственный владелец и писатель),
// проверяет заявки по цепочке лимитов, снабжает позиции stop-loss и
// take-profit с поправкой на волатильность, закрывает позиции по
// срабатыванию уровней и останавливает торговлю при пробое просадки
// или дневного убытка.
//
// Функции:
// - ValidateTrade: проверка заявки без побочных эффектов
// - OpenPosition / ClosePosition: жизненный цикл позиции
// - UpdatePrices: маршрутизация тиков в позиции и историю цен
// - CheckRiskLimits: сверка метрик с лимитами, алерты, остановка торговли
// - ResumeTrading: единственный способ снять остановку (липкая блокировка)
// - Metrics: снимок портфельных метрик (Шарп, VaR95, бета - вычисляются)
//
// Состояние торговли: ACTIVE -> SUSPENDED при пробое лимита,
// SUSPENDED -> ACTIVE только явным ResumeTrading. Никогда автоматически.
type Manager struct {
	cfg     config.RiskConfig
	logger  *utils.Logger
	store   PositionStore
	alerter Alerter
	bus     Broadcaster

	mu        sync.RWMutex
	positions map[string]*models.Position // открытые, id -> позиция
	closed    []*models.Position          // кольцо последних закрытых
	history   *PriceHistory

	cashValue     float64 // начальная стоимость + накопленный реализованный PnL
	realizedTotal float64
	peakValue     float64
	maxDrawdown   float64

	dayStart      time.Time // начало текущего UTC-дня
	dayStartValue float64   // стоимость портфеля на начало дня
	dailyReturns  []float64 // дневные доходности для Шарпа

	suspended       bool
	suspendedReason string
	utilizationHigh bool // выдан ли WARNING по утилизации (сброс при спаде)

	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager создает риск-менеджер.
//
// store, alerter и bus могут быть nil: персистентность, алерты и
// трансляция тогда отключены, леджер работает только в памяти.
func NewManager(cfg config.RiskConfig, store PositionStore, alerter Alerter, bus Broadcaster, logger *utils.Logger) *Manager {
	if cfg.InitialPortfolioValue <= 0 {
		cfg.InitialPortfolioValue = 100000
	}
	if cfg.MaxOpenPositions <= 0 {
		cfg.MaxOpenPositions = 10
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if logger == nil {
		logger = utils.Nop()
	}

	now := time.Now().UTC()
	return &Manager{
		cfg:           cfg,
		logger:        logger.WithComponent("risk"),
		store:         store,
		alerter:       alerter,
		bus:           bus,
		positions:     make(map[string]*models.Position),
		history:       NewPriceHistory(cfg.VolatilityLookback, cfg.MinCorrelationSamples),
		cashValue:     cfg.InitialPortfolioValue,
		peakValue:     cfg.InitialPortfolioValue,
		dayStart:      utils.GetDayStartFrom(now),
		dayStartValue: cfg.InitialPortfolioValue,
		stopCh:        make(chan struct{}),
	}
}

// Restore загружает состояние после перезапуска: открытые позиции из БД,
// реализованный PnL за все время и за текущий UTC-день.
// Вызывается до Start, пока тикер проверок не запущен.
func (m *Manager) Restore(open []*models.Position, realizedAllTime, realizedToday float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range open {
		if p == nil || p.ID == "" || !p.IsOpen() {
			continue
		}
		clone := *p
		m.positions[clone.ID] = &clone
		if clone.CurrentPrice > 0 {
			m.history.Record(clone.Symbol, clone.CurrentPrice, time.Now().UTC())
		}
	}

	m.realizedTotal = realizedAllTime
	m.cashValue = m.cfg.InitialPortfolioValue + realizedAllTime
	equity := m.equityLocked()
	if equity > m.peakValue {
		m.peakValue = equity
	}
	// Начало дня восстанавливается так, чтобы дневной PnL сразу
	// отражал уже реализованное сегодня
	m.dayStartValue = equity - realizedToday

	m.logger.Info("risk state restored",
		utils.Int("open_positions", len(m.positions)),
		utils.Float64("realized_all_time", realizedAllTime),
		utils.Float64("realized_today", realizedToday))
}

// ============================================================
// Жизненный цикл фонового контроля
// ============================================================

// Start запускает периодическую проверку лимитов
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

// Stop останавливает фоновую проверку. Леджер остается доступным.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("risk limit checks started", utils.Duration("interval", m.cfg.CheckInterval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckRiskLimits()
			m.publishStatus()
		}
	}
}

// publishStatus транслирует снимок метрик на дашборд
func (m *Manager) publishStatus() {
	if m.bus == nil {
		return
	}
	m.bus.BroadcastRiskStatus(m.Metrics())
}

// ============================================================
// Проверка заявки
// ============================================================

// ValidateTrade проверяет заявку по цепочке лимитов без побочных
// эффектов (dry-run). Порядок проверок фиксирован, первый жесткий
// отказ завершает цепочку:
//
//  1. торговля остановлена -> отказ
//  2. достигнут лимит открытых позиций -> отказ
//  3. превышен размер позиции -> одобрение с урезанным количеством
//     floor(portfolioValue × MaxPositionSize / price), целые единицы
//  4. |корреляция| с символом открытой позиции выше лимита -> отказ
//     (неизвестная корреляция из-за нехватки истории не блокирует)
//  5. прогнозный портфельный риск Σ(стоимость × волатильность) выше
//     потолка -> отказ
//
// Ошибка возвращается только для формально некорректной заявки.
func (m *Manager) ValidateTrade(ctx context.Context, req TradeRequest) (*TradeDecision, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateLocked(req), nil
}

func (m *Manager) validateLocked(req TradeRequest) *TradeDecision {
	decision := &TradeDecision{Approved: true, AdjustedQuantity: req.Quantity}

	// 1. Глобальная остановка торговли
	if m.suspended {
		decision.reject(ReasonSuspended,
			fmt.Sprintf("%s: %s", ReasonSuspended, m.suspendedReason), 1, 0)
		return decision
	}

	// 2. Лимит открытых позиций
	if len(m.positions) >= m.cfg.MaxOpenPositions {
		decision.reject(ReasonMaxPositions,
			fmt.Sprintf("%s: %d open, limit %d", ReasonMaxPositions, len(m.positions), m.cfg.MaxOpenPositions),
			float64(len(m.positions)), float64(m.cfg.MaxOpenPositions))
		return decision
	}

	equity := m.equityLocked()

	// 3. Размер позиции: урезание вниз, никогда вверх
	maxValue := equity * m.cfg.MaxPositionSize
	if req.Quantity*req.Price > maxValue {
		adjusted := math.Floor(maxValue / req.Price)
		if adjusted < 0 {
			adjusted = 0
		}
		decision.AdjustedQuantity = adjusted
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("%s: %g -> %g (max value %.2f)", ReasonPositionSize, req.Quantity, adjusted, maxValue))
	}

	// 4. Корреляция с открытыми позициями
	for _, sym := range m.openSymbolsLocked() {
		rho, ok := m.history.Correlation(req.Symbol, sym)
		if !ok {
			continue
		}
		if math.Abs(rho) > m.cfg.MaxCorrelation {
			decision.reject(ReasonCorrelation,
				fmt.Sprintf("%s: %s rho %.2f, limit %.2f", ReasonCorrelation, sym, rho, m.cfg.MaxCorrelation),
				math.Abs(rho), m.cfg.MaxCorrelation)
			return decision
		}
	}

	// 5. Портфельный риск с учетом кандидата
	candidateRisk := decision.AdjustedQuantity * req.Price * m.history.Volatility(req.Symbol)
	decision.RiskAmount = candidateRisk
	if equity > 0 {
		projected := (m.totalRiskAmountLocked() + candidateRisk) / equity
		if projected > m.cfg.MaxPortfolioRisk {
			decision.reject(ReasonPortfolioRisk,
				fmt.Sprintf("%s: projected %.4f, limit %.4f", ReasonPortfolioRisk, projected, m.cfg.MaxPortfolioRisk),
				projected, m.cfg.MaxPortfolioRisk)
			return decision
		}
	}

	return decision
}

// ============================================================
// Открытие позиции
// ============================================================

// OpenPosition повторно проверяет заявку и открывает позицию.
//
// Stop-loss и take-profit масштабируются волатильностью символа:
// дистанция стопа max(StopLossPct, 2×vol), дистанция цели
// max(TakeProfitPct, 3×vol); long: stop = entry×(1−s), target =
// entry×(1+t); short зеркально. Отказ проверки или нулевое итоговое
// количество дают RiskManagementError.
func (m *Manager) OpenPosition(ctx context.Context, req TradeRequest) (*models.Position, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	m.mu.Lock()
	m.rolloverLocked(now)

	decision := m.validateLocked(req)
	if !decision.Approved {
		m.mu.Unlock()
		monitoring.RecordTradeRejected(decision.rejectType)
		m.logger.Warn("trade rejected",
			utils.Symbol(req.Symbol),
			utils.Side(req.Side),
			utils.String("reasons", strings.Join(decision.Reasons, "; ")))
		return nil, errs.NewRiskManagementError(
			"trade rejected: "+strings.Join(decision.Reasons, "; "),
			uuid.NewString(), decision.rejectType, decision.rejectCurrent, decision.rejectLimit)
	}

	qty := decision.AdjustedQuantity
	if qty <= 0 {
		m.mu.Unlock()
		monitoring.RecordTradeRejected(reasonZeroAfterClamping)
		return nil, errs.NewRiskManagementError(
			"position size clamped to zero: "+strings.Join(decision.Reasons, "; "),
			uuid.NewString(), reasonZeroAfterClamping, req.Quantity*req.Price, m.cfg.MaxPositionSize)
	}

	vol := m.history.Volatility(req.Symbol)
	stopDist := math.Max(m.cfg.StopLossPct, 2*vol)
	targetDist := math.Max(m.cfg.TakeProfitPct, 3*vol)

	p := &models.Position{
		ID:           uuid.NewString(),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     qty,
		EntryPrice:   req.Price,
		CurrentPrice: req.Price,
		Strategy:     req.Strategy,
		Status:       models.PositionStatusOpen,
		EntryTime:    now,
	}
	if req.Side == models.SideLong {
		p.StopLoss = req.Price * (1 - stopDist)
		p.TakeProfit = req.Price * (1 + targetDist)
	} else {
		p.StopLoss = req.Price * (1 + stopDist)
		p.TakeProfit = req.Price * (1 - targetDist)
	}

	m.positions[p.ID] = p
	m.history.Record(req.Symbol, req.Price, now)
	m.refreshLocked()
	snapshot := *p
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.InsertOpen(&snapshot); err != nil {
			m.logger.Error("failed to persist opened position",
				utils.PositionID(snapshot.ID), utils.Err(err))
		}
	}
	m.emitPosition(&snapshot)
	m.updateGauges()

	m.logger.Info("position opened",
		utils.PositionID(snapshot.ID),
		utils.Symbol(snapshot.Symbol),
		utils.Side(snapshot.Side),
		utils.Quantity(snapshot.Quantity),
		utils.Price(snapshot.EntryPrice),
		utils.Float64("stop_loss", snapshot.StopLoss),
		utils.Float64("take_profit", snapshot.TakeProfit))

	return &snapshot, nil
}

// ============================================================
// Тики цен
// ============================================================

// UpdatePrices маршрутизирует тик во все открытые позиции символа
// и пополняет историю цен. Вызывается потоком рыночных данных.
func (m *Manager) UpdatePrices(symbol string, price float64) {
	if symbol == "" || price <= 0 {
		return
	}

	now := time.Now().UTC()

	m.mu.Lock()
	m.history.Record(symbol, price, now)
	m.rolloverLocked(now)

	var closedNow []*models.Position
	for _, p := range m.positions {
		if p.Symbol != symbol {
			continue
		}
		m.markPriceLocked(p, price)
		if reason, hit := stopTargetHit(p, price); hit {
			closedNow = append(closedNow, m.closeLocked(p, price, reason, now))
		}
	}
	m.refreshLocked()
	m.mu.Unlock()

	for _, p := range closedNow {
		m.afterClose(p)
	}
}

// UpdatePositionPrice обновляет цену одной позиции: пересчитывает
// нереализованный PnL и проверяет срабатывание stop-loss/take-profit.
// Автозакрытие безусловно (без повторной проверки лимитов) и фиксирует
// причину срабатывания для аудита.
func (m *Manager) UpdatePositionPrice(id string, price float64) error {
	if price <= 0 {
		return errs.NewValidationError("price must be positive", uuid.NewString(), "price")
	}

	now := time.Now().UTC()

	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return errs.NewRiskManagementError("unknown position "+id, uuid.NewString(), "position", 0, 0)
	}

	m.markPriceLocked(p, price)
	var closedNow *models.Position
	if reason, hit := stopTargetHit(p, price); hit {
		closedNow = m.closeLocked(p, price, reason, now)
	}
	m.refreshLocked()
	m.mu.Unlock()

	if closedNow != nil {
		m.afterClose(closedNow)
	}
	return nil
}

// markPriceLocked пересчитывает нереализованный PnL позиции.
// Инвариант: UnrealizedPnL всегда равен знаковой формуле
// (current−entry)×qty для long и (entry−current)×qty для short.
func (m *Manager) markPriceLocked(p *models.Position, price float64) {
	p.CurrentPrice = price
	p.UnrealizedPnL = utils.CalculatePNL(p.Side, p.EntryPrice, price, p.Quantity)
}

// stopTargetHit проверяет срабатывание уровней закрытия.
// Long закрывается при price ≤ stop или price ≥ target, short зеркально.
func stopTargetHit(p *models.Position, price float64) (models.CloseReason, bool) {
	if p.Side == models.SideLong {
		if p.StopLoss > 0 && price <= p.StopLoss {
			return models.CloseReasonStopLoss, true
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return models.CloseReasonTakeProfit, true
		}
		return "", false
	}
	if p.StopLoss > 0 && price >= p.StopLoss {
		return models.CloseReasonStopLoss, true
	}
	if p.TakeProfit > 0 && price <= p.TakeProfit {
		return models.CloseReasonTakeProfit, true
	}
	return "", false
}

// ============================================================
// Закрытие позиции
// ============================================================

// ClosePosition закрывает позицию по указанной цене с указанной причиной.
// Реализованный PnL считается той же знаковой формулой, что и
// нереализованный. Неизвестный id дает RiskManagementError.
func (m *Manager) ClosePosition(id string, price float64, reason models.CloseReason) (*models.Position, error) {
	if price <= 0 {
		return nil, errs.NewValidationError("price must be positive", uuid.NewString(), "price")
	}
	if reason == "" {
		reason = models.CloseReasonManual
	}

	now := time.Now().UTC()

	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return nil, errs.NewRiskManagementError("unknown position "+id, uuid.NewString(), "position", 0, 0)
	}
	closed := m.closeLocked(p, price, reason, now)
	m.refreshLocked()
	m.mu.Unlock()

	m.afterClose(closed)
	return closed, nil
}

// closeLocked переводит позицию из открытых в кольцо закрытых
// и обновляет стоимость портфеля. Возвращает копию для эмиссии
// побочных эффектов вне блокировки.
func (m *Manager) closeLocked(p *models.Position, price float64, reason models.CloseReason, now time.Time) *models.Position {
	realized := utils.CalculatePNL(p.Side, p.EntryPrice, price, p.Quantity)

	p.CurrentPrice = price
	p.ClosePrice = price
	p.RealizedPnL = realized
	p.UnrealizedPnL = 0
	p.Status = models.PositionStatusClosed
	p.CloseReason = reason
	closeTime := now
	p.CloseTime = &closeTime

	delete(m.positions, p.ID)
	m.closed = append(m.closed, p)
	if len(m.closed) > closedHistoryLimit {
		m.closed = m.closed[len(m.closed)-closedHistoryLimit:]
	}

	m.cashValue += realized
	m.realizedTotal += realized

	snapshot := *p
	return &snapshot
}

// afterClose выполняет побочные эффекты закрытия вне блокировки:
// персистентность, трансляцию, метрики, лог.
func (m *Manager) afterClose(p *models.Position) {
	if m.store != nil {
		if err := m.store.UpdateClose(p); err != nil {
			m.logger.Error("failed to persist closed position",
				utils.PositionID(p.ID), utils.Err(err))
		}
	}
	m.emitPosition(p)
	monitoring.RecordPositionClosed(string(p.CloseReason))
	m.updateGauges()

	m.logger.Info("position closed",
		utils.PositionID(p.ID),
		utils.Symbol(p.Symbol),
		utils.Side(p.Side),
		utils.Price(p.ClosePrice),
		utils.PNL(p.RealizedPnL),
		utils.String("reason", string(p.CloseReason)))
}

func (m *Manager) emitPosition(p *models.Position) {
	if m.bus == nil {
		return
	}
	m.bus.BroadcastPositionUpdate(p)
}

// ============================================================
// Контроль лимитов
// ============================================================

type pendingAlert struct {
	level   models.AlertLevel
	message string
	meta    map[string]interface{}
}

// CheckRiskLimits сверяет текущие метрики с лимитами.
//
// Пробой MaxDrawdown или MaxDailyLoss дает CRITICAL алерт и липкую
// остановку торговли (снимается только ResumeTrading, даже если метрики
// восстановились). Утилизация риск-бюджета выше 80% дает только WARNING
// без остановки; предупреждение повторяется лишь после спада ниже порога.
func (m *Manager) CheckRiskLimits() {
	now := time.Now().UTC()

	m.mu.Lock()
	m.rolloverLocked(now)
	m.refreshLocked()

	equity := m.equityLocked()
	var alerts []pendingAlert

	// Просадка от пика
	dd := m.drawdownLocked(equity)
	if dd > m.cfg.MaxDrawdown && !m.suspended {
		reason := fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", dd*100, m.cfg.MaxDrawdown*100)
		m.suspendLocked(reason)
		alerts = append(alerts, pendingAlert{
			level:   models.AlertLevelCritical,
			message: "trading suspended: " + reason,
			meta: map[string]interface{}{
				"drawdown":        dd,
				"limit":           m.cfg.MaxDrawdown,
				"portfolio_value": equity,
				"peak_value":      m.peakValue,
			},
		})
	}

	// Дневной убыток: реализованный и нереализованный от стоимости
	// на начало дня
	if m.dayStartValue > 0 && !m.suspended {
		dailyLoss := (m.dayStartValue - equity) / m.dayStartValue
		if dailyLoss > m.cfg.MaxDailyLoss {
			reason := fmt.Sprintf("daily loss %.2f%% exceeds limit %.2f%%", dailyLoss*100, m.cfg.MaxDailyLoss*100)
			m.suspendLocked(reason)
			alerts = append(alerts, pendingAlert{
				level:   models.AlertLevelCritical,
				message: "trading suspended: " + reason,
				meta: map[string]interface{}{
					"daily_loss":      dailyLoss,
					"limit":           m.cfg.MaxDailyLoss,
					"day_start_value": m.dayStartValue,
					"portfolio_value": equity,
				},
			})
		}
	}

	// Утилизация риск-бюджета: только предупреждение, без остановки
	util := m.riskUtilizationLocked(equity)
	if util > riskUtilizationWarnLevel {
		if !m.utilizationHigh {
			m.utilizationHigh = true
			alerts = append(alerts, pendingAlert{
				level:   models.AlertLevelWarning,
				message: fmt.Sprintf("risk utilization %.0f%% above %.0f%%", util*100, riskUtilizationWarnLevel*100),
				meta: map[string]interface{}{
					"utilization": util,
					"threshold":   riskUtilizationWarnLevel,
				},
			})
		}
	} else {
		m.utilizationHigh = false
	}
	m.mu.Unlock()

	for _, a := range alerts {
		m.raiseAlert(a)
	}
	m.updateGauges()
}

func (m *Manager) suspendLocked(reason string) {
	m.suspended = true
	m.suspendedReason = reason
	m.logger.Error("trading suspended", utils.String("reason", reason))
}

func (m *Manager) raiseAlert(a pendingAlert) {
	if m.alerter == nil {
		return
	}
	m.alerter.CreateAlert(a.level, "risk", a.message, a.meta)
}

// ResumeTrading снимает остановку торговли. Единственный путь обратно:
// остановка никогда не снимается автоматически, даже если метрики
// вернулись в норму.
func (m *Manager) ResumeTrading(reason string) {
	m.mu.Lock()
	wasSuspended := m.suspended
	m.suspended = false
	m.suspendedReason = ""
	m.mu.Unlock()

	if !wasSuspended {
		return
	}

	m.logger.Info("trading resumed", utils.String("reason", reason))
	m.raiseAlert(pendingAlert{
		level:   models.AlertLevelInfo,
		message: "trading resumed: " + reason,
		meta:    map[string]interface{}{"reason": reason},
	})
	m.updateGauges()
}

// Suspended возвращает флаг остановки торговли и причину
func (m *Manager) Suspended() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.suspended, m.suspendedReason
}

// ============================================================
// Снимки состояния
// ============================================================

// Metrics возвращает снимок портфельных метрик. Снимок всегда
// вычисляется из леджера и истории цен, ничего не кэшируется.
func (m *Manager) Metrics() RiskMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metricsLocked()
}

func (m *Manager) metricsLocked() RiskMetrics {
	equity := m.equityLocked()

	var exposure, unrealized float64
	weights := make(map[string]float64, len(m.positions))
	for _, p := range m.positions {
		value := p.Value()
		exposure += value
		unrealized += p.UnrealizedPnL
		if equity > 0 {
			weights[p.Symbol] += value / equity
		}
	}

	sigma := portfolioSigma(weights, m.history)
	riskAmount := m.totalRiskAmountLocked()

	return RiskMetrics{
		PortfolioValue:  equity,
		PeakValue:       m.peakValue,
		TotalExposure:   exposure,
		UnrealizedPnL:   unrealized,
		RealizedPnL:     m.realizedTotal,
		DailyPnL:        equity - m.dayStartValue,
		TotalRiskAmount: riskAmount,
		RiskUtilization: m.riskUtilizationLocked(equity),
		CurrentDrawdown: m.drawdownLocked(equity),
		MaxDrawdown:     m.maxDrawdown,
		Volatility:      sigma,
		SharpeRatio:     sharpeRatio(m.dailyReturns),
		ValueAtRisk95:   valueAtRisk95(sigma, equity),
		Beta:            portfolioBeta(weights, m.history, m.cfg.BenchmarkSymbol),
		OpenPositions:   len(m.positions),
		Suspended:       m.suspended,
		UpdatedAt:       time.Now().UTC(),
	}
}

// OpenPositions возвращает копии открытых позиций, старые первыми
func (m *Manager) OpenPositions() []*models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		clone := *p
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// ClosedPositions возвращает копии последних закрытых позиций,
// новые первыми. limit <= 0 возвращает все из кольца.
func (m *Manager) ClosedPositions(limit int) []*models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.closed)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*models.Position, 0, n)
	for i := len(m.closed) - 1; i >= 0 && len(out) < n; i-- {
		clone := *m.closed[i]
		out = append(out, &clone)
	}
	return out
}

// Position возвращает копию позиции по id (среди открытых)
func (m *Manager) Position(id string) (*models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[id]
	if !ok {
		return nil, false
	}
	clone := *p
	return &clone, true
}

// LastPrice возвращает последнюю известную цену символа
func (m *Manager) LastPrice(symbol string) (float64, bool) {
	return m.history.Last(symbol)
}

// ============================================================
// Внутренние расчеты (под блокировкой)
// ============================================================

// equityLocked - стоимость портфеля с учетом нереализованного PnL
func (m *Manager) equityLocked() float64 {
	equity := m.cashValue
	for _, p := range m.positions {
		equity += p.UnrealizedPnL
	}
	return equity
}

func (m *Manager) drawdownLocked(equity float64) float64 {
	if m.peakValue <= 0 {
		return 0
	}
	dd := (m.peakValue - equity) / m.peakValue
	if dd < 0 {
		return 0
	}
	return dd
}

// totalRiskAmountLocked - Σ(стоимость позиции × волатильность символа)
func (m *Manager) totalRiskAmountLocked() float64 {
	var total float64
	for _, p := range m.positions {
		total += p.Value() * m.history.Volatility(p.Symbol)
	}
	return total
}

func (m *Manager) riskUtilizationLocked(equity float64) float64 {
	budget := equity * m.cfg.MaxPortfolioRisk
	return utils.SafeDiv(m.totalRiskAmountLocked(), budget)
}

func (m *Manager) openSymbolsLocked() []string {
	seen := make(map[string]struct{}, len(m.positions))
	out := make([]string, 0, len(m.positions))
	for _, p := range m.positions {
		if _, ok := seen[p.Symbol]; ok {
			continue
		}
		seen[p.Symbol] = struct{}{}
		out = append(out, p.Symbol)
	}
	sort.Strings(out)
	return out
}

// refreshLocked обновляет пик стоимости и худшую просадку
func (m *Manager) refreshLocked() {
	equity := m.equityLocked()
	if equity > m.peakValue {
		m.peakValue = equity
	}
	if dd := m.drawdownLocked(equity); dd > m.maxDrawdown {
		m.maxDrawdown = dd
	}
}

// rolloverLocked фиксирует смену UTC-дня: дневная доходность уходит
// в ряд для Шарпа, стоимость на начало дня перезахватывается.
func (m *Manager) rolloverLocked(now time.Time) {
	if utils.IsSameUTCDay(now, m.dayStart) {
		return
	}

	equity := m.equityLocked()
	if m.dayStartValue > 0 {
		m.dailyReturns = append(m.dailyReturns, (equity-m.dayStartValue)/m.dayStartValue)
		if len(m.dailyReturns) > dailyReturnsLimit {
			m.dailyReturns = m.dailyReturns[len(m.dailyReturns)-dailyReturnsLimit:]
		}
	}
	m.dayStart = utils.GetDayStartFrom(now)
	m.dayStartValue = equity
}

// updateGauges публикует текущее состояние в Prometheus
func (m *Manager) updateGauges() {
	m.mu.RLock()
	equity := m.equityLocked()
	open := len(m.positions)
	dd := m.drawdownLocked(equity)
	util := m.riskUtilizationLocked(equity)
	suspended := m.suspended
	m.mu.RUnlock()

	monitoring.UpdateRiskStatus(open, equity, dd, util, suspended)
}
