// Package monitoring содержит систему мониторинга: алерты с историей
// и персистентностью, периодические health check'и компонентов и
// краткосрочное хранилище операционных метрик для REST-выдачи.
//
// Назначение:
//   - Monitor: создание, подтверждение и разрешение алертов
//   - периодический прогон зарегистрированных проверок здоровья
//   - ряды метрик с ограничением по возрасту и числу точек
//
// Использование:
//
//	mon := monitoring.New(cfg.Monitoring, logger, alertRepo, hub)
//	mon.RegisterHealthCheck("database", true, func(ctx context.Context) error {
//	    return db.PingContext(ctx)
//	})
//	mon.Start(ctx)
//	defer mon.Stop()
package monitoring

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradedesk/internal/config"
	"tradedesk/internal/models"
	"tradedesk/pkg/utils"
)

// ============================================================
// Интерфейсы внешних зависимостей
// ============================================================

// AlertStore персистирует алерты. Ошибки хранилища не блокируют
// мониторинг: алерт живет в памяти, ошибка записи только логируется.
type AlertStore interface {
	Create(alert *models.Alert) error
	MarkAcknowledged(id string) error
	MarkResolved(id string, at time.Time) error
}

// Broadcaster рассылает алерты подписчикам дашборда.
type Broadcaster interface {
	BroadcastAlert(alert *models.Alert)
}

// ============================================================
// Типы состояния
// ============================================================

// ProbeStatus - снимок состояния одной проверки здоровья.
type ProbeStatus struct {
	Healthy          bool      `json:"healthy"`
	LastError        string    `json:"last_error,omitempty"`
	LastChecked      time.Time `json:"last_checked"`
	LastHealthy      time.Time `json:"last_healthy"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// AlertFilter - параметры выборки алертов из истории.
// Нулевые значения означают отсутствие фильтра по этому полю.
type AlertFilter struct {
	Level           models.AlertLevel
	Component       string
	IncludeResolved bool
	Limit           int
}

// Stats - агрегаты ряда метрики за окно времени.
type Stats struct {
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Last  float64 `json:"last"`
	Count int     `json:"count"`
}

type probe struct {
	name     string
	critical bool
	fn       func(ctx context.Context) error

	status  ProbeStatus
	alertID string // активный алерт этой проверки, "" если нет
}

type metricPoint struct {
	Value float64
	At    time.Time
	Tags  map[string]string
}

type metricSeries struct {
	points []metricPoint
}

// ============================================================
// Monitor
// ============================================================

// Monitor - центральная точка мониторинга.
//
// Функции:
//   - алерты: создание с логированием, персистентностью и рассылкой,
//     подтверждение и разрешение, ограниченная история
//   - health check'и: каждый прогон в своей горутине с таймаутом
//     и перехватом паники; падение дает алерт (дедупликация пока
//     алерт активен), восстановление разрешает его автоматически
//   - метрики: кольцевые ряды точек со срезкой по возрасту и размеру
//
// Все методы безопасны для конкурентного вызова.
type Monitor struct {
	cfg    config.MonitoringConfig
	logger *utils.Logger
	store  AlertStore
	hub    Broadcaster

	mu         sync.RWMutex
	alerts     []*models.Alert // старые в начале, новые в конце
	alertIndex map[string]*models.Alert
	probes     map[string]*probe
	metrics    map[string]*metricSeries

	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New создает Monitor. store и hub могут быть nil: мониторинг
// работает в памяти, без персистентности и рассылки.
func New(cfg config.MonitoringConfig, logger *utils.Logger, store AlertStore, hub Broadcaster) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MetricMaxAge <= 0 {
		cfg.MetricMaxAge = time.Hour
	}
	if cfg.MetricMaxPoints <= 0 {
		cfg.MetricMaxPoints = 10000
	}
	if cfg.AlertHistory <= 0 {
		cfg.AlertHistory = 500
	}
	if logger == nil {
		logger = utils.Nop()
	}

	return &Monitor{
		cfg:        cfg,
		logger:     logger.WithComponent("monitoring"),
		store:      store,
		hub:        hub,
		alertIndex: make(map[string]*models.Alert),
		probes:     make(map[string]*probe),
		metrics:    make(map[string]*metricSeries),
		stopCh:     make(chan struct{}),
	}
}

// ============================================================
// Алерты
// ============================================================

// CreateAlert создает алерт, логирует его на соответствующем уровне,
// персистирует (best effort) и рассылает подписчикам. История
// ограничена: при переполнении вытесняется самый старый алерт.
func (m *Monitor) CreateAlert(level models.AlertLevel, component, message string, meta map[string]interface{}) *models.Alert {
	alert := &models.Alert{
		ID:        uuid.NewString(),
		Level:     level,
		Component: component,
		Message:   message,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	m.alertIndex[alert.ID] = alert
	if len(m.alerts) > m.cfg.AlertHistory {
		evicted := m.alerts[0]
		delete(m.alertIndex, evicted.ID)
		m.alerts = append(m.alerts[:0], m.alerts[1:]...)
	}
	snapshot := *alert
	m.mu.Unlock()

	m.logAlert(&snapshot)
	RecordAlert(string(level))

	if m.store != nil {
		if err := m.store.Create(&snapshot); err != nil {
			m.logger.Error("failed to persist alert",
				utils.AlertID(snapshot.ID), utils.Err(err))
		}
	}
	if m.hub != nil {
		m.hub.BroadcastAlert(&snapshot)
	}

	return alert
}

func (m *Monitor) logAlert(a *models.Alert) {
	fields := []zap.Field{
		utils.AlertID(a.ID),
		utils.String("alert_component", a.Component),
	}
	switch a.Level {
	case models.AlertLevelCritical, models.AlertLevelError:
		m.logger.Error(a.Message, fields...)
	case models.AlertLevelWarning:
		m.logger.Warn(a.Message, fields...)
	default:
		m.logger.Info(a.Message, fields...)
	}
}

// Acknowledge помечает алерт подтвержденным оператором.
// Возвращает false для неизвестного идентификатора.
func (m *Monitor) Acknowledge(id string) bool {
	m.mu.Lock()
	alert, ok := m.alertIndex[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	alert.Acknowledged = true
	snapshot := *alert
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.MarkAcknowledged(id); err != nil {
			m.logger.Error("failed to persist alert acknowledgement",
				utils.AlertID(id), utils.Err(err))
		}
	}
	if m.hub != nil {
		m.hub.BroadcastAlert(&snapshot)
	}
	return true
}

// Resolve помечает алерт разрешенным. Повторное разрешение и
// неизвестный идентификатор - безопасный no-op с результатом false:
// ResolvedAt первого разрешения никогда не перезаписывается.
func (m *Monitor) Resolve(id string) bool {
	now := time.Now().UTC()

	m.mu.Lock()
	alert, ok := m.alertIndex[id]
	if !ok || alert.Resolved {
		m.mu.Unlock()
		return false
	}
	alert.Resolved = true
	alert.ResolvedAt = &now
	snapshot := *alert
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.MarkResolved(id, now); err != nil {
			m.logger.Error("failed to persist alert resolution",
				utils.AlertID(id), utils.Err(err))
		}
	}
	if m.hub != nil {
		m.hub.BroadcastAlert(&snapshot)
	}
	return true
}

// ActiveAlerts возвращает неразрешенные алерты, новые первыми.
func (m *Monitor) ActiveAlerts() []*models.Alert {
	return m.Alerts(AlertFilter{})
}

// Alerts возвращает алерты истории по фильтру, новые первыми.
func (m *Monitor) Alerts(filter AlertFilter) []*models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Alert, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if !filter.IncludeResolved && a.Resolved {
			continue
		}
		if filter.Level != "" && a.Level != filter.Level {
			continue
		}
		if filter.Component != "" && a.Component != filter.Component {
			continue
		}
		cp := *a
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Alert возвращает копию алерта по идентификатору.
func (m *Monitor) Alert(id string) (*models.Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alertIndex[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// ============================================================
// Health check'и
// ============================================================

// RegisterHealthCheck регистрирует проверку здоровья. critical
// определяет уровень алерта при падении: CRITICAL против ERROR.
// До первого прогона проверка считается здоровой. Повторная
// регистрация того же имени заменяет проверку.
func (m *Monitor) RegisterHealthCheck(name string, critical bool, fn func(ctx context.Context) error) {
	if name == "" || fn == nil {
		return
	}

	m.mu.Lock()
	m.probes[name] = &probe{
		name:     name,
		critical: critical,
		fn:       fn,
		status:   ProbeStatus{Healthy: true},
	}
	m.mu.Unlock()

	SetHealthStatus(name, true)
}

// Start запускает периодический прогон health check'ов.
// Останавливается по отмене контекста или по Stop().
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

// Stop останавливает фоновый цикл. Идемпотентен.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("monitoring started",
		utils.Duration("check_interval", m.cfg.CheckInterval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitoring stopped", utils.String("cause", "context"))
			return
		case <-m.stopCh:
			m.logger.Info("monitoring stopped", utils.String("cause", "stop"))
			return
		case <-ticker.C:
			m.RunHealthChecks(ctx)
		}
	}
}

// RunHealthChecks прогоняет все зарегистрированные проверки
// параллельно и ждет завершения. Доступен и для вызова вне цикла.
func (m *Monitor) RunHealthChecks(ctx context.Context) {
	m.mu.RLock()
	probes := make([]*probe, 0, len(m.probes))
	for _, p := range m.probes {
		probes = append(probes, p)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range probes {
		wg.Add(1)
		go func(p *probe) {
			defer wg.Done()
			m.runProbe(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (m *Monitor) runProbe(ctx context.Context, p *probe) {
	err := m.executeProbe(ctx, p.fn)
	now := time.Now().UTC()

	var (
		raise     bool
		fails     int
		resolveID string
	)

	m.mu.Lock()
	p.status.LastChecked = now
	if err != nil {
		p.status.Healthy = false
		p.status.LastError = err.Error()
		p.status.ConsecutiveFails++
		fails = p.status.ConsecutiveFails

		active := false
		if p.alertID != "" {
			if a, ok := m.alertIndex[p.alertID]; ok && !a.Resolved {
				active = true
			}
		}
		raise = !active
	} else {
		wasFailing := p.status.ConsecutiveFails > 0
		p.status.Healthy = true
		p.status.LastError = ""
		p.status.LastHealthy = now
		p.status.ConsecutiveFails = 0
		if wasFailing {
			resolveID = p.alertID
			p.alertID = ""
		}
	}
	m.mu.Unlock()

	SetHealthStatus(p.name, err == nil)

	if err != nil && raise {
		level := models.AlertLevelError
		if p.critical {
			level = models.AlertLevelCritical
		}
		alert := m.CreateAlert(level, "monitoring",
			fmt.Sprintf("health check %s failing: %v", p.name, err),
			map[string]interface{}{
				"check":             p.name,
				"consecutive_fails": fails,
			})

		m.mu.Lock()
		p.alertID = alert.ID
		m.mu.Unlock()
		return
	}

	if resolveID != "" {
		m.Resolve(resolveID)
		m.logger.Info("health check recovered", utils.String("check", p.name))
	}
}

// executeProbe выполняет проверку с таймаутом и перехватом паники:
// паникующая проверка считается упавшей, а не роняет процесс.
func (m *Monitor) executeProbe(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health возвращает снимок состояния всех проверок.
func (m *Monitor) Health() map[string]ProbeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ProbeStatus, len(m.probes))
	for name, p := range m.probes {
		out[name] = p.status
	}
	return out
}

// Healthy сообщает, все ли критичные проверки здоровы.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.probes {
		if p.critical && !p.status.Healthy {
			return false
		}
	}
	return true
}

// ============================================================
// Метрики
// ============================================================

// RecordMetric добавляет точку в ряд метрики. Ряд ограничен по
// возрасту (MetricMaxAge) и числу точек (MetricMaxPoints).
func (m *Monitor) RecordMetric(name string, value float64, tags map[string]string) {
	if name == "" {
		return
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	series, ok := m.metrics[name]
	if !ok {
		series = &metricSeries{}
		m.metrics[name] = series
	}
	series.points = append(series.points, metricPoint{Value: value, At: now, Tags: tags})
	m.pruneLocked(series, now)
}

func (m *Monitor) pruneLocked(series *metricSeries, now time.Time) {
	cutoff := now.Add(-m.cfg.MetricMaxAge)
	drop := 0
	for drop < len(series.points) && series.points[drop].At.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		series.points = append(series.points[:0], series.points[drop:]...)
	}
	if len(series.points) > m.cfg.MetricMaxPoints {
		keep := series.points[len(series.points)-m.cfg.MetricMaxPoints:]
		series.points = append(series.points[:0], keep...)
	}
}

// MetricStats возвращает агрегаты ряда за окно. ok=false для
// неизвестного ряда и для окна без единой точки.
func (m *Monitor) MetricStats(name string, window time.Duration) (Stats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series, ok := m.metrics[name]
	if !ok {
		return Stats{}, false
	}

	cutoff := time.Now().UTC().Add(-window)
	stats := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, pt := range series.points {
		if pt.At.Before(cutoff) {
			continue
		}
		stats.Count++
		stats.Last = pt.Value
		sum += pt.Value
		if pt.Value < stats.Min {
			stats.Min = pt.Value
		}
		if pt.Value > stats.Max {
			stats.Max = pt.Value
		}
	}
	if stats.Count == 0 {
		return Stats{}, false
	}
	stats.Avg = sum / float64(stats.Count)
	return stats, true
}

// MetricNames возвращает имена известных рядов.
func (m *Monitor) MetricNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.metrics))
	for name := range m.metrics {
		names = append(names, name)
	}
	return names
}
