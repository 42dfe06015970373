package breaker

// breaker.go - circuit breaker для защиты REST-пути к бирже
//
// Три состояния:
//
//	CLOSED    - нормальная работа, считаем последовательные неудачи
//	OPEN      - запросы отклоняются сразу без вызова операции
//	HALF_OPEN - ровно одна пробная операция; успех закрывает breaker,
//	            неудача открывает его заново
//
// Переходы выполняются атомарно (CAS), breaker безопасен для
// конкурентного использования без мьютексов на горячем пути.
//
// Использование:
//
//	br := breaker.New("exchange-rest", breaker.DefaultConfig(), logger)
//	err := br.Execute(ctx, func(ctx context.Context) error {
//	    return client.FetchTicker(ctx, symbol)
//	})
//	var openErr *breaker.OpenError
//	if errors.As(err, &openErr) {
//	    // breaker открыт - отдаём кэшированные данные
//	}

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradedesk/pkg/utils"
)

// State - состояние circuit breaker'а
type State int32

const (
	// StateClosed - запросы проходят, неудачи считаются
	StateClosed State = iota
	// StateOpen - запросы отклоняются без вызова операции
	StateOpen
	// StateHalfOpen - одна пробная операция в полёте
	StateHalfOpen
)

// String возвращает текстовое представление состояния
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config конфигурация circuit breaker'а
type Config struct {
	// FailureThreshold - сколько последовательных неудач открывает breaker
	// По умолчанию: 5
	FailureThreshold int

	// RecoveryTimeout - сколько breaker остаётся открытым до пробы
	// По умолчанию: 30s
	RecoveryTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// validate проверяет и устанавливает значения по умолчанию
func (c *Config) validate() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
}

// OpenError возвращается когда breaker отклоняет запрос без выполнения.
// Не retryable: повтор упрётся в тот же открытый breaker, вызывающий
// код должен переключиться на кэш или fallback.
type OpenError struct {
	Name      string
	State     State
	Remaining time.Duration
}

// Error реализует интерфейс error.
func (e *OpenError) Error() string {
	if e.Remaining > 0 {
		return fmt.Sprintf("circuit breaker %q is %s, retry in %s",
			e.Name, e.State, e.Remaining.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// Retryable сообщает retry-слою, что повторять нет смысла.
func (e *OpenError) Retryable() bool { return false }

// Counts - счётчики breaker'а для мониторинга
type Counts struct {
	Successes           uint64 `json:"successes"`
	Failures            uint64 `json:"failures"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Opens               uint64 `json:"opens"`
}

// Breaker - circuit breaker с атомарными переходами состояний
type Breaker struct {
	name   string
	cfg    Config
	logger *utils.Logger

	state       int32 // State
	probe       int32 // 1 = проба в полёте (HALF_OPEN)
	consecutive int32 // последовательные неудачи в CLOSED
	openedAt    int64 // unix nano перехода в OPEN

	successes uint64
	failures  uint64
	opens     uint64
}

// New создаёт circuit breaker в состоянии CLOSED
func New(name string, cfg Config, logger *utils.Logger) *Breaker {
	cfg.validate()
	if logger == nil {
		logger = utils.Nop()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.WithComponent("breaker"),
	}
}

// Execute выполняет операцию под защитой breaker'а
//
// Возвращает:
//   - результат fn, если breaker пропустил запрос
//   - *OpenError без вызова fn, если breaker открыт или проба занята
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	isProbe, openErr := b.allow()
	if openErr != nil {
		return openErr
	}

	err := fn(ctx)
	b.record(isProbe, err)
	return err
}

// ExecuteResult выполняет операцию с результатом под защитой breaker'а
func ExecuteResult[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// State возвращает текущее состояние breaker'а
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

// Name возвращает имя breaker'а
func (b *Breaker) Name() string {
	return b.name
}

// Counts возвращает снимок счётчиков
func (b *Breaker) Counts() Counts {
	return Counts{
		Successes:           atomic.LoadUint64(&b.successes),
		Failures:            atomic.LoadUint64(&b.failures),
		ConsecutiveFailures: int(atomic.LoadInt32(&b.consecutive)),
		Opens:               atomic.LoadUint64(&b.opens),
	}
}

// Reset принудительно закрывает breaker и обнуляет серию неудач
func (b *Breaker) Reset() {
	atomic.StoreInt32(&b.state, int32(StateClosed))
	atomic.StoreInt32(&b.consecutive, 0)
	atomic.StoreInt32(&b.probe, 0)
	b.logger.Info("circuit breaker reset",
		utils.String("breaker", b.name),
	)
}

// allow решает, пропускать ли запрос. Возвращает признак пробы
// либо OpenError для немедленного отказа.
func (b *Breaker) allow() (bool, *OpenError) {
	for {
		switch State(atomic.LoadInt32(&b.state)) {
		case StateClosed:
			return false, nil

		case StateOpen:
			openedAt := time.Unix(0, atomic.LoadInt64(&b.openedAt))
			elapsed := time.Since(openedAt)
			if elapsed < b.cfg.RecoveryTimeout {
				return false, &OpenError{
					Name:      b.name,
					State:     StateOpen,
					Remaining: b.cfg.RecoveryTimeout - elapsed,
				}
			}
			// окно восстановления истекло: первый успевший становится пробой
			if atomic.CompareAndSwapInt32(&b.state, int32(StateOpen), int32(StateHalfOpen)) {
				atomic.StoreInt32(&b.probe, 1)
				b.logger.Info("circuit breaker half-open, probing",
					utils.String("breaker", b.name),
				)
				return true, nil
			}
			// другой запрос успел раньше - перечитываем состояние

		case StateHalfOpen:
			if atomic.CompareAndSwapInt32(&b.probe, 0, 1) {
				return true, nil
			}
			return false, &OpenError{Name: b.name, State: StateHalfOpen}
		}
	}
}

// record учитывает результат операции и выполняет переходы состояний
func (b *Breaker) record(isProbe bool, err error) {
	if err == nil {
		atomic.AddUint64(&b.successes, 1)
		if isProbe {
			if atomic.CompareAndSwapInt32(&b.state, int32(StateHalfOpen), int32(StateClosed)) {
				atomic.StoreInt32(&b.consecutive, 0)
				b.logger.Info("circuit breaker closed after successful probe",
					utils.String("breaker", b.name),
				)
			}
			atomic.StoreInt32(&b.probe, 0)
			return
		}
		// любой успех в CLOSED обрывает серию неудач
		atomic.StoreInt32(&b.consecutive, 0)
		return
	}

	atomic.AddUint64(&b.failures, 1)

	if isProbe {
		// неудачная проба открывает breaker заново со свежим окном
		atomic.StoreInt64(&b.openedAt, time.Now().UnixNano())
		atomic.StoreInt32(&b.state, int32(StateOpen))
		atomic.AddUint64(&b.opens, 1)
		atomic.StoreInt32(&b.probe, 0)
		b.logger.Warn("circuit breaker probe failed, reopened",
			utils.String("breaker", b.name),
			utils.Duration("recovery_timeout", b.cfg.RecoveryTimeout),
			utils.Err(err),
		)
		return
	}

	n := atomic.AddInt32(&b.consecutive, 1)
	if int(n) >= b.cfg.FailureThreshold {
		// openedAt пишется до смены состояния, чтобы читатели OPEN
		// не увидели устаревший таймстамп
		atomic.StoreInt64(&b.openedAt, time.Now().UnixNano())
		if atomic.CompareAndSwapInt32(&b.state, int32(StateClosed), int32(StateOpen)) {
			atomic.AddUint64(&b.opens, 1)
			b.logger.Warn("circuit breaker opened",
				utils.String("breaker", b.name),
				utils.Int("consecutive_failures", int(n)),
				utils.Duration("recovery_timeout", b.cfg.RecoveryTimeout),
			)
		}
	}
}

// ============================================================
// Manager - реестр breaker'ов по имени
// ============================================================

// Manager создаёт и выдаёт breaker'ы по имени с общей конфигурацией.
// Полезно когда REST и WebSocket пути защищаются раздельно.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	logger   *utils.Logger
}

// NewManager создаёт пустой реестр breaker'ов
func NewManager(cfg Config, logger *utils.Logger) *Manager {
	cfg.validate()
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Get возвращает breaker по имени, создавая его при первом обращении
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	br, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return br
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// double-check: breaker мог появиться между RUnlock и Lock
	if br, ok := m.breakers[name]; ok {
		return br
	}
	br = New(name, m.cfg, m.logger)
	m.breakers[name] = br
	return br
}

// All возвращает снимок счётчиков всех breaker'ов
func (m *Manager) All() map[string]Counts {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make(map[string]Counts, len(m.breakers))
	for name, br := range m.breakers {
		snapshot[name] = br.Counts()
	}
	return snapshot
}
