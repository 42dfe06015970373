package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradedesk/internal/exchange"
	"tradedesk/internal/models"
	"tradedesk/internal/monitoring"
	"tradedesk/internal/risk"
	"tradedesk/internal/service"
	"tradedesk/pkg/errs"
	"tradedesk/pkg/utils"
)

// ============ Mock Market Service ============

// MockMarketService мок для MarketService
type MockMarketService struct {
	data      map[string]*models.MarketData
	connected bool
	status    exchange.Status
	mu        sync.RWMutex
}

// NewMockMarketService создает новый мок сервиса рыночных данных
func NewMockMarketService() *MockMarketService {
	return &MockMarketService{
		data: make(map[string]*models.MarketData),
	}
}

func (m *MockMarketService) GetMarketData(symbol string) (*models.MarketData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	md, ok := m.data[symbol]
	return md, ok
}

func (m *MockMarketService) MarketDataArray() []*models.MarketData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.MarketData, 0, len(m.data))
	for _, md := range m.data {
		result = append(result, md)
	}
	return result
}

func (m *MockMarketService) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MockMarketService) ConnectionStatus() exchange.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *MockMarketService) Source() service.SourceKind {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.connected {
		return service.SourceLive
	}
	return service.SourceFallback
}

// SetMarketData добавляет данные по символу (для настройки тестов)
func (m *MockMarketService) SetMarketData(md *models.MarketData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[md.Symbol] = md
}

// SetConnected устанавливает состояние подключения
func (m *MockMarketService) SetConnected(connected bool, status exchange.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
	m.status = status
}

// ============ Mock Exchange API ============

// MockExchangeAPI мок для ExchangeAPI
type MockExchangeAPI struct {
	products  []*exchange.Product
	tickers   map[string]*exchange.Ticker
	orderBook *exchange.OrderBook

	productsErr  error
	tickersErr   error
	orderBookErr error

	lastSymbols []string
	lastDepth   int
	mu          sync.RWMutex
}

// NewMockExchangeAPI создает новый мок REST клиента биржи
func NewMockExchangeAPI() *MockExchangeAPI {
	return &MockExchangeAPI{
		tickers: make(map[string]*exchange.Ticker),
	}
}

func (m *MockExchangeAPI) GetProducts(ctx context.Context) ([]*exchange.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.productsErr != nil {
		return nil, m.productsErr
	}
	return m.products, nil
}

func (m *MockExchangeAPI) GetTickers(ctx context.Context, symbols []string) ([]*exchange.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSymbols = symbols
	if m.tickersErr != nil {
		return nil, m.tickersErr
	}

	result := make([]*exchange.Ticker, 0, len(m.tickers))
	if len(symbols) == 0 {
		for _, t := range m.tickers {
			result = append(result, t)
		}
		return result, nil
	}
	for _, s := range symbols {
		if t, ok := m.tickers[s]; ok {
			result = append(result, t)
		}
	}
	return result, nil
}

func (m *MockExchangeAPI) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.tickersErr != nil {
		return nil, m.tickersErr
	}
	if t, ok := m.tickers[symbol]; ok {
		return t, nil
	}
	return nil, errs.NewAPIError("ticker not found", "", 404, nil)
}

func (m *MockExchangeAPI) GetOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastDepth = depth
	if m.orderBookErr != nil {
		return nil, m.orderBookErr
	}
	if m.orderBook != nil {
		return m.orderBook, nil
	}
	return &exchange.OrderBook{Symbol: symbol, Timestamp: time.Now().UTC()}, nil
}

// SetError устанавливает ошибку для указанной операции
func (m *MockExchangeAPI) SetError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch operation {
	case "products":
		m.productsErr = err
	case "tickers":
		m.tickersErr = err
	case "orderbook":
		m.orderBookErr = err
	}
}

// AddTicker добавляет тикер напрямую (для настройки тестов)
func (m *MockExchangeAPI) AddTicker(t *exchange.Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[t.Symbol] = t
}

// SetProducts устанавливает список контрактов
func (m *MockExchangeAPI) SetProducts(products []*exchange.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = products
}

// LastDepth возвращает depth последнего запроса стакана
func (m *MockExchangeAPI) LastDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastDepth
}

// LastSymbols возвращает символы последнего запроса тикеров
func (m *MockExchangeAPI) LastSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSymbols
}

// ============ Mock Risk Service ============

// MockRiskService мок для RiskService
type MockRiskService struct {
	positions  map[string]*models.Position
	closed     []*models.Position
	lastPrices map[string]float64
	metrics    risk.RiskMetrics
	decision   *risk.TradeDecision

	suspended       bool
	suspendedReason string
	resumeReason    string

	validateErr error
	openErr     error
	closeErr    error

	nextID int
	mu     sync.RWMutex
}

// NewMockRiskService создает новый мок риск-менеджера
func NewMockRiskService() *MockRiskService {
	return &MockRiskService{
		positions:  make(map[string]*models.Position),
		lastPrices: make(map[string]float64),
		decision:   &risk.TradeDecision{Approved: true},
		nextID:     1,
	}
}

func (m *MockRiskService) ValidateTrade(ctx context.Context, req risk.TradeRequest) (*risk.TradeDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.validateErr != nil {
		return nil, m.validateErr
	}
	return m.decision, nil
}

func (m *MockRiskService) OpenPosition(ctx context.Context, req risk.TradeRequest) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openErr != nil {
		return nil, m.openErr
	}

	position := &models.Position{
		ID:           fmt.Sprintf("pos-%d", m.nextID),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		EntryPrice:   req.Price,
		CurrentPrice: req.Price,
		Status:       models.PositionStatusOpen,
		EntryTime:    time.Now().UTC(),
	}
	m.nextID++
	m.positions[position.ID] = position
	return position, nil
}

func (m *MockRiskService) ClosePosition(id string, price float64, reason models.CloseReason) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closeErr != nil {
		return nil, m.closeErr
	}

	position, ok := m.positions[id]
	if !ok {
		return nil, errs.NewRiskManagementError("unknown position "+id, "", "position", 0, 0)
	}

	now := time.Now().UTC()
	position.Status = models.PositionStatusClosed
	position.ClosePrice = price
	position.CloseReason = reason
	position.CloseTime = &now
	delete(m.positions, id)
	m.closed = append(m.closed, position)
	return position, nil
}

func (m *MockRiskService) Position(id string) (*models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.positions[id]; ok {
		return p, true
	}
	for _, p := range m.closed {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

func (m *MockRiskService) LastPrice(symbol string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	price, ok := m.lastPrices[symbol]
	return price, ok
}

func (m *MockRiskService) OpenPositions() []*models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		result = append(result, p)
	}
	return result
}

func (m *MockRiskService) ClosedPositions(limit int) []*models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := m.closed
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return append([]*models.Position(nil), result...)
}

func (m *MockRiskService) Metrics() risk.RiskMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

func (m *MockRiskService) Suspended() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.suspended, m.suspendedReason
}

func (m *MockRiskService) ResumeTrading(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.suspended = false
	m.suspendedReason = ""
	m.resumeReason = reason
}

// SetError устанавливает ошибку для указанной операции
func (m *MockRiskService) SetError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch operation {
	case "validate":
		m.validateErr = err
	case "open":
		m.openErr = err
	case "close":
		m.closeErr = err
	}
}

// SetDecision устанавливает решение риск-контроля (для настройки тестов)
func (m *MockRiskService) SetDecision(decision *risk.TradeDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decision = decision
}

// SetSuspended устанавливает состояние суспенда
func (m *MockRiskService) SetSuspended(suspended bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = suspended
	m.suspendedReason = reason
}

// SetLastPrice устанавливает последнюю цену символа
func (m *MockRiskService) SetLastPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPrices[symbol] = price
}

// SetMetrics устанавливает метрики портфеля
func (m *MockRiskService) SetMetrics(metrics risk.RiskMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// AddPosition добавляет открытую позицию напрямую (для настройки тестов)
func (m *MockRiskService) AddPosition(p *models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
}

// AddClosedPosition добавляет закрытую позицию напрямую
func (m *MockRiskService) AddClosedPosition(p *models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, p)
}

// ResumeReason возвращает причину последнего возобновления
func (m *MockRiskService) ResumeReason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resumeReason
}

// ============ Mock Monitoring Service ============

// MockMonitoringService мок для MonitoringService
type MockMonitoringService struct {
	alerts  []*models.Alert
	health  map[string]monitoring.ProbeStatus
	healthy bool
	stats   map[string]monitoring.Stats
	names   []string
	mu      sync.RWMutex
}

// NewMockMonitoringService создает новый мок монитора
func NewMockMonitoringService() *MockMonitoringService {
	return &MockMonitoringService{
		health:  make(map[string]monitoring.ProbeStatus),
		healthy: true,
		stats:   make(map[string]monitoring.Stats),
	}
}

func (m *MockMonitoringService) Alerts(filter monitoring.AlertFilter) []*models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if !filter.IncludeResolved && a.Resolved {
			continue
		}
		if filter.Level != "" && a.Level != filter.Level {
			continue
		}
		if filter.Component != "" && a.Component != filter.Component {
			continue
		}
		result = append(result, a)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result
}

func (m *MockMonitoringService) Acknowledge(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.alerts {
		if a.ID == id {
			a.Acknowledged = true
			return true
		}
	}
	return false
}

func (m *MockMonitoringService) Resolve(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.alerts {
		if a.ID == id && !a.Resolved {
			now := time.Now().UTC()
			a.Resolved = true
			a.ResolvedAt = &now
			return true
		}
	}
	return false
}

func (m *MockMonitoringService) Health() map[string]monitoring.ProbeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]monitoring.ProbeStatus, len(m.health))
	for name, status := range m.health {
		result[name] = status
	}
	return result
}

func (m *MockMonitoringService) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

func (m *MockMonitoringService) MetricStats(name string, window time.Duration) (monitoring.Stats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.stats[name]
	return stats, ok
}

func (m *MockMonitoringService) MetricNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.names
}

// AddAlert добавляет алерт напрямую (для настройки тестов)
func (m *MockMonitoringService) AddAlert(a *models.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
}

// SetHealth устанавливает состояние проверок здоровья
func (m *MockMonitoringService) SetHealth(healthy bool, checks map[string]monitoring.ProbeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
	m.health = checks
}

// SetMetricStats устанавливает агрегаты метрики
func (m *MockMonitoringService) SetMetricStats(name string, stats monitoring.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[name] = stats
}

// SetMetricNames устанавливает имена метрик
func (m *MockMonitoringService) SetMetricNames(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = names
}

// ============ Mock Log Source ============

// MockLogSource мок для LogSource
type MockLogSource struct {
	entries []utils.LogEntry
	mu      sync.RWMutex
}

// NewMockLogSource создает новый мок источника логов
func NewMockLogSource() *MockLogSource {
	return &MockLogSource{}
}

func (m *MockLogSource) Recent(n int) []utils.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 || len(m.entries) == 0 {
		return nil
	}
	if n > len(m.entries) {
		n = len(m.entries)
	}
	return append([]utils.LogEntry(nil), m.entries[len(m.entries)-n:]...)
}

// AddEntry добавляет запись лога напрямую (для настройки тестов)
func (m *MockLogSource) AddEntry(level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, utils.LogEntry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
	})
}

// ============ Helper errors for tests ============

var (
	ErrMockExchange = errors.New("mock exchange error")
	ErrMockService  = errors.New("mock service error")
)

// ============ Проверяем, что моки реализуют интерфейсы ============

var _ MarketService = (*MockMarketService)(nil)
var _ ExchangeAPI = (*MockExchangeAPI)(nil)
var _ RiskService = (*MockRiskService)(nil)
var _ MonitoringService = (*MockMonitoringService)(nil)
var _ LogSource = (*MockLogSource)(nil)
