package utils

// logger.go - структурированное логирование на базе zap
//
// Назначение:
// Единый логгер для всех компонентов сервиса. Обёртка над zap.Logger с
// доменными конструкторами полей, дочерними логгерами (With*) и кольцевым
// буфером последних записей для отдачи в дашборд.
//
// Глобального логгера нет: компоненты получают логгер через конструкторы
// (dependency injection), тесты передают Nop().

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultRecentEntries - ёмкость кольцевого буфера последних записей.
const DefaultRecentEntries = 1000

// LogConfig - конфигурация логгера.
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json или text
	Output      string // stdout, stderr или путь к файлу
	Development bool   // режим разработки (подробные stacktrace)
	BufferSize  int    // ёмкость буфера последних записей (0 = DefaultRecentEntries)
}

// Logger - обёртка над zap.Logger с sugar-вариантом и буфером записей.
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
	ring  *logRing
}

// LogEntry - одна запись кольцевого буфера.
type LogEntry struct {
	Time    time.Time              `json:"time"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// ============================================================
// Инициализация
// ============================================================

// InitLogger создаёт логгер по конфигурации.
//
// Особенности:
//   - неизвестный уровень даёт Info
//   - недоступный файл вывода даёт fallback на stderr
//   - каждая запись дублируется в кольцевой буфер (Recent)
//
// Пример:
//
//	logger := utils.InitLogger(utils.LogConfig{Level: "debug", Format: "json"})
//	logger.Info("service started", utils.Component("main"))
func InitLogger(config LogConfig) *Logger {
	level := parseLevel(config.Level)

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if config.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}

	switch strings.ToLower(config.Format) {
	case "text", "console":
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	switch config.Output {
	case "", "stdout":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			// Файл недоступен - пишем в stderr, сервис важнее лога
			sink = zapcore.AddSync(os.Stderr)
		} else {
			sink = zapcore.AddSync(file)
		}
	}

	size := config.BufferSize
	if size <= 0 {
		size = DefaultRecentEntries
	}
	ring := newLogRing(size)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, sink, level),
		&ringCore{LevelEnabler: level, ring: ring},
	)

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if config.Development {
		opts = append(opts, zap.Development())
	}

	zl := zap.New(core, opts...)

	return &Logger{
		Logger: zl,
		sugar:  zl.Sugar(),
		ring:   ring,
	}
}

// Nop возвращает логгер, который ничего не пишет. Для тестов.
func Nop() *Logger {
	zl := zap.NewNop()
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// parseLevel преобразует строку уровня в zapcore.Level.
// Неизвестные значения дают InfoLevel.
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============================================================
// Кольцевой буфер последних записей
// ============================================================

type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

func newLogRing(size int) *logRing {
	return &logRing{entries: make([]LogEntry, size)}
}

func (r *logRing) add(entry LogEntry) {
	r.mu.Lock()
	r.entries[r.next] = entry
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// recent возвращает до n записей, новые первыми.
func (r *logRing) recent(n int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := r.next
	if r.full {
		total = len(r.entries)
	}
	if n <= 0 || n > total {
		n = total
	}

	out := make([]LogEntry, 0, n)
	idx := r.next - 1
	for i := 0; i < n; i++ {
		if idx < 0 {
			idx = len(r.entries) - 1
		}
		out = append(out, r.entries[idx])
		idx--
	}
	return out
}

// ringCore - zapcore.Core, дублирующий записи в кольцевой буфер.
type ringCore struct {
	zapcore.LevelEnabler
	ring   *logRing
	fields []zapcore.Field
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &ringCore{LevelEnabler: c.LevelEnabler, ring: c.ring}
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *ringCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *ringCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	c.ring.add(LogEntry{
		Time:    entry.Time,
		Level:   entry.Level.String(),
		Message: entry.Message,
		Fields:  enc.Fields,
	})
	return nil
}

func (c *ringCore) Sync() error { return nil }

// Recent возвращает до n последних записей логгера, новые первыми.
// Записи ниже настроенного уровня в буфер не попадают.
func (l *Logger) Recent(n int) []LogEntry {
	if l.ring == nil {
		return nil
	}
	return l.ring.recent(n)
}

// ============================================================
// Методы Logger
// ============================================================

// With возвращает дочерний логгер с добавленными полями.
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{Logger: child, sugar: child.Sugar(), ring: l.ring}
}

// WithComponent возвращает логгер с полем component.
func (l *Logger) WithComponent(component string) *Logger {
	return l.With(Component(component))
}

// WithCorrelation возвращает логгер с полем correlation_id.
func (l *Logger) WithCorrelation(id string) *Logger {
	return l.With(CorrelationID(id))
}

// WithSymbol возвращает логгер с полем symbol.
func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(Symbol(symbol))
}

// WithChannel возвращает логгер с полем channel.
func (l *Logger) WithChannel(channel string) *Logger {
	return l.With(Channel(channel))
}

// Sugar возвращает SugaredLogger для printf-style логирования.
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// Debugf логирует отформатированное сообщение уровня Debug.
func (l *Logger) Debugf(template string, args ...interface{}) {
	l.sugar.Debugf(template, args...)
}

// Infof логирует отформатированное сообщение уровня Info.
func (l *Logger) Infof(template string, args ...interface{}) {
	l.sugar.Infof(template, args...)
}

// Warnf логирует отформатированное сообщение уровня Warn.
func (l *Logger) Warnf(template string, args ...interface{}) {
	l.sugar.Warnf(template, args...)
}

// Errorf логирует отформатированное сообщение уровня Error.
func (l *Logger) Errorf(template string, args ...interface{}) {
	l.sugar.Errorf(template, args...)
}

// ============================================================
// Доменные конструкторы полей
// ============================================================

// Symbol - поле symbol (торговый инструмент).
func Symbol(symbol string) zap.Field {
	return zap.String("symbol", symbol)
}

// Channel - поле channel (канал подписки).
func Channel(channel string) zap.Field {
	return zap.String("channel", channel)
}

// Endpoint - поле endpoint (путь REST-запроса).
func Endpoint(endpoint string) zap.Field {
	return zap.String("endpoint", endpoint)
}

// PositionID - поле position_id.
func PositionID(id string) zap.Field {
	return zap.String("position_id", id)
}

// AlertID - поле alert_id.
func AlertID(id string) zap.Field {
	return zap.String("alert_id", id)
}

// Price - поле price.
func Price(price float64) zap.Field {
	return zap.Float64("price", price)
}

// Quantity - поле quantity.
func Quantity(quantity float64) zap.Field {
	return zap.Float64("quantity", quantity)
}

// PNL - поле pnl.
func PNL(pnl float64) zap.Field {
	return zap.Float64("pnl", pnl)
}

// Side - поле side (long/short, buy/sell).
func Side(side string) zap.Field {
	return zap.String("side", side)
}

// State - поле state (состояние соединения или позиции).
func State(state string) zap.Field {
	return zap.String("state", state)
}

// Latency - поле latency_ms.
func Latency(ms float64) zap.Field {
	return zap.Float64("latency_ms", ms)
}

// CorrelationID - поле correlation_id (сквозной идентификатор запроса).
func CorrelationID(id string) zap.Field {
	return zap.String("correlation_id", id)
}

// Component - поле component.
func Component(component string) zap.Field {
	return zap.String("component", component)
}

// Attempt - поле attempt (номер попытки).
func Attempt(attempt int) zap.Field {
	return zap.Int("attempt", attempt)
}

// StatusCode - поле status_code (HTTP или close code).
func StatusCode(code int) zap.Field {
	return zap.Int("status_code", code)
}

// ============================================================
// Переэкспорт стандартных конструкторов zap
// ============================================================

// String - переэкспорт zap.String.
func String(key, value string) zap.Field {
	return zap.String(key, value)
}

// Int - переэкспорт zap.Int.
func Int(key string, value int) zap.Field {
	return zap.Int(key, value)
}

// Int64 - переэкспорт zap.Int64.
func Int64(key string, value int64) zap.Field {
	return zap.Int64(key, value)
}

// Float64 - переэкспорт zap.Float64.
func Float64(key string, value float64) zap.Field {
	return zap.Float64(key, value)
}

// Bool - переэкспорт zap.Bool.
func Bool(key string, value bool) zap.Field {
	return zap.Bool(key, value)
}

// Duration - переэкспорт zap.Duration.
func Duration(key string, value time.Duration) zap.Field {
	return zap.Duration(key, value)
}

// Err - переэкспорт zap.Error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Any - переэкспорт zap.Any.
func Any(key string, value interface{}) zap.Field {
	return zap.Any(key, value)
}
