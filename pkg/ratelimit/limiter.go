package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"tradedesk/pkg/errs"
	"tradedesk/pkg/utils"
)

// ErrStopped возвращается ожидающим запросам при остановке лимитера.
var ErrStopped = errors.New("rate limiter stopped")

// ============================================================
// Приоритеты
// ============================================================

// Priority определяет порядок обслуживания запросов в очереди
type Priority int

const (
	// PriorityLow - фоновые задачи (прогрев кэша, опрос тикеров)
	PriorityLow Priority = iota
	// PriorityNormal - обычные запросы к API
	PriorityNormal
	// PriorityHigh - критичные операции (размещение ордера, закрытие позиции)
	PriorityHigh
)

// String возвращает текстовое представление приоритета
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ============================================================
// Конфигурация
// ============================================================

// Config конфигурация rate limiter'а
//
// Три скользящих окна (секунда, минута, час) действуют одновременно:
// запрос допускается только когда все три счётчика ниже своих лимитов.
// Эффективный лимит = ceil(базовый лимит * адаптивный фактор).
type Config struct {
	// RequestsPerSecond - лимит запросов в секунду
	// По умолчанию: 10
	RequestsPerSecond int

	// RequestsPerMinute - лимит запросов в минуту
	// По умолчанию: 300
	RequestsPerMinute int

	// RequestsPerHour - лимит запросов в час
	// По умолчанию: 10000
	RequestsPerHour int

	// MaxQueueSize - максимальный размер очереди ожидания
	// При переполнении Execute возвращает RateLimitError синхронно
	// По умолчанию: 100
	MaxQueueSize int

	// MinAdaptiveFactor - нижняя граница адаптивного фактора (0..1)
	// По умолчанию: 0.1
	MinAdaptiveFactor float64

	// AdaptiveCooldown - минимальный интервал между изменениями
	// фактора в любую сторону, гасит раскачку лимита
	// По умолчанию: 5s
	AdaptiveCooldown time.Duration

	// SuccessThreshold - сколько быстрых успехов подряд нужно для
	// повышения фактора на +0.1
	// По умолчанию: 10
	SuccessThreshold int

	// SlowCallThreshold - вызов дольше этого порога считается
	// медленным и понижает фактор даже при успешном ответе
	// По умолчанию: 2s
	SlowCallThreshold time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
//
// Подходит для публичных REST API бирж:
// - 10 req/sec, 300 req/min, 10000 req/hour
// - очередь на 100 запросов
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		RequestsPerMinute: 300,
		RequestsPerHour:   10000,
		MaxQueueSize:      100,
		MinAdaptiveFactor: 0.1,
		AdaptiveCooldown:  5 * time.Second,
		SuccessThreshold:  10,
		SlowCallThreshold: 2 * time.Second,
	}
}

// validate проверяет и устанавливает значения по умолчанию
func (c *Config) validate() {
	def := DefaultConfig()
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = def.RequestsPerSecond
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = def.RequestsPerMinute
	}
	if c.RequestsPerHour <= 0 {
		c.RequestsPerHour = def.RequestsPerHour
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.MinAdaptiveFactor <= 0 || c.MinAdaptiveFactor > 1 {
		c.MinAdaptiveFactor = def.MinAdaptiveFactor
	}
	if c.AdaptiveCooldown <= 0 {
		c.AdaptiveCooldown = def.AdaptiveCooldown
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.SlowCallThreshold <= 0 {
		c.SlowCallThreshold = def.SlowCallThreshold
	}
}

// ============================================================
// Очередь с приоритетами
// ============================================================

// request - один запрос в очереди диспетчеризации
type request struct {
	name     string
	priority Priority
	seq      uint64
	ctx      context.Context

	// grant получает ровно одно значение от диспетчера:
	// nil = допуск получен, ошибка = отказ (отмена, останов)
	grant chan error
}

// requestHeap - куча с порядком (приоритет убыв., seq возр.)
// Равные приоритеты обслуживаются FIFO благодаря seq.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(*request))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return req
}

// ============================================================
// Скользящие окна
// ============================================================

// window - одно скользящее окно со счётчиком и временем начала
type window struct {
	length time.Duration
	count  int
	start  time.Time
}

// roll сбрасывает счётчик если окно истекло
func (w *window) roll(now time.Time) {
	if now.Sub(w.start) >= w.length {
		w.count = 0
		w.start = now
	}
}

// expiry возвращает момент истечения текущего окна
func (w *window) expiry() time.Time {
	return w.start.Add(w.length)
}

// ============================================================
// Limiter
// ============================================================

// Limiter - rate limiter с очередью приоритетов и скользящими окнами
//
// Архитектура:
// - Единственная горутина-диспетчер владеет состоянием окон и извлекает
//   запросы из кучи в порядке (приоритет, FIFO)
// - Execute ставит запрос в очередь и блокируется до допуска
// - Переполнение очереди отклоняется синхронно с оценкой времени дренажа
// - Адаптивный фактор снижает эффективные лимиты после 429 от сервера
//   и постепенно восстанавливает их на серии успехов
//
// Использование:
//
//	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig(), logger)
//	limiter.Start(ctx)
//	defer limiter.Stop()
//
//	err := limiter.Execute(ctx, "get_ticker", ratelimit.PriorityNormal,
//	    func(ctx context.Context) error {
//	        return client.FetchTicker(ctx, symbol)
//	    })
type Limiter struct {
	cfg    Config
	logger *utils.Logger

	// очередь ожидания
	mu     sync.Mutex
	queue  requestHeap
	seq    uint64
	notify chan struct{}

	// окна: пишет только диспетчер, Stats читает под тем же мьютексом
	winMu  sync.Mutex
	second window
	minute window
	hour   window

	// адаптивный фактор
	adaptMu       sync.Mutex
	factor        float64
	cooldownUntil time.Time
	successStreak int

	// счётчики
	admitted  uint64
	rejected  uint64
	cancelled uint64

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// Stats - снимок состояния лимитера для мониторинга
type Stats struct {
	QueueLength int     `json:"queue_length"`
	SecondCount int     `json:"second_count"`
	MinuteCount int     `json:"minute_count"`
	HourCount   int     `json:"hour_count"`
	Factor      float64 `json:"factor"`
	Admitted    uint64  `json:"admitted"`
	Rejected    uint64  `json:"rejected"`
	Cancelled   uint64  `json:"cancelled"`
}

// NewLimiter создаёт новый Limiter
//
// Диспетчер не запущен до вызова Start.
func NewLimiter(cfg Config, logger *utils.Logger) *Limiter {
	cfg.validate()
	if logger == nil {
		logger = utils.Nop()
	}

	now := time.Now()
	return &Limiter{
		cfg:    cfg,
		logger: logger.WithComponent("ratelimit"),
		queue:  make(requestHeap, 0, cfg.MaxQueueSize),
		notify: make(chan struct{}, 1),
		second: window{length: time.Second, start: now},
		minute: window{length: time.Minute, start: now},
		hour:   window{length: time.Hour, start: now},
		factor: 1.0,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start запускает горутину-диспетчер. Повторные вызовы игнорируются.
func (l *Limiter) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		l.started.Store(true)
		go l.dispatch(ctx)
	})
}

// Stop останавливает диспетчер и дожидается его завершения.
// Все запросы в очереди получают ErrStopped.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.started.Load() {
			<-l.done
		}
	})
}

// Execute ставит операцию в очередь и выполняет её после допуска
//
// Параметры:
//   - ctx: контекст вызывающего; отмена снимает запрос с ожидания
//   - name: имя операции для логов и метрик
//   - prio: приоритет в очереди
//   - fn: операция; выполняется в горутине вызывающего
//
// Возвращает:
//   - результат fn при допуске
//   - errs.RateLimitError синхронно при переполненной очереди
//     (RetryAfter = оценка времени дренажа очереди)
//   - ctx.Err() при отмене во время ожидания
//   - ErrStopped при остановке лимитера
func (l *Limiter) Execute(ctx context.Context, name string, prio Priority, fn func(ctx context.Context) error) error {
	req, err := l.enqueue(ctx, name, prio)
	if err != nil {
		return err
	}

	select {
	case grantErr := <-req.grant:
		if grantErr != nil {
			return grantErr
		}
	case <-ctx.Done():
		// диспетчер отбросит запрос при извлечении
		return ctx.Err()
	}

	startedAt := time.Now()
	err = fn(ctx)
	l.recordOutcome(name, time.Since(startedAt), err)
	return err
}

// ExecuteResult выполняет операцию с результатом через лимитер
//
// Generic-обёртка над Execute:
//
//	ticker, err := ratelimit.ExecuteResult(ctx, limiter, "get_ticker",
//	    ratelimit.PriorityNormal, func(ctx context.Context) (*Ticker, error) {
//	        return client.GetTicker(ctx, symbol)
//	    })
func ExecuteResult[T any](ctx context.Context, l *Limiter, name string, prio Priority, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := l.Execute(ctx, name, prio, func(ctx context.Context) error {
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

// Stats возвращает снимок состояния лимитера
func (l *Limiter) Stats() Stats {
	l.winMu.Lock()
	sec, min, hr := l.second.count, l.minute.count, l.hour.count
	l.winMu.Unlock()

	l.mu.Lock()
	queueLen := l.queue.Len()
	l.mu.Unlock()

	return Stats{
		QueueLength: queueLen,
		SecondCount: sec,
		MinuteCount: min,
		HourCount:   hr,
		Factor:      l.currentFactor(),
		Admitted:    atomic.LoadUint64(&l.admitted),
		Rejected:    atomic.LoadUint64(&l.rejected),
		Cancelled:   atomic.LoadUint64(&l.cancelled),
	}
}

// ============================================================
// Очередь
// ============================================================

// enqueue ставит запрос в кучу или отклоняет при переполнении
func (l *Limiter) enqueue(ctx context.Context, name string, prio Priority) (*request, error) {
	l.mu.Lock()
	if l.queue.Len() >= l.cfg.MaxQueueSize {
		queueLen := l.queue.Len()
		l.mu.Unlock()

		atomic.AddUint64(&l.rejected, 1)
		retryAfter := l.drainEstimate(queueLen)
		l.logger.Warn("rate limiter queue full, request rejected",
			utils.String("operation", name),
			utils.String("priority", prio.String()),
			utils.Int("queue_size", queueLen),
			utils.Duration("retry_after", retryAfter),
		)
		return nil, errs.NewRateLimitError("rate limiter queue is full", "", retryAfter)
	}

	l.seq++
	req := &request{
		name:     name,
		priority: prio,
		seq:      l.seq,
		ctx:      ctx,
		grant:    make(chan error, 1),
	}
	heap.Push(&l.queue, req)
	l.mu.Unlock()

	// будим диспетчер (cap 1, пропущенный сигнал не теряется)
	select {
	case l.notify <- struct{}{}:
	default:
	}

	return req, nil
}

// pop извлекает запрос с наивысшим приоритетом или nil
func (l *Limiter) pop() *request {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&l.queue).(*request)
}

// drainEstimate оценивает время дренажа очереди при текущем темпе
func (l *Limiter) drainEstimate(queueLen int) time.Duration {
	perSecond := l.effectiveLimit(l.cfg.RequestsPerSecond)
	est := time.Duration(float64(queueLen) / float64(perSecond) * float64(time.Second))
	if est < time.Second {
		est = time.Second
	}
	return est
}

// ============================================================
// Диспетчер
// ============================================================

// dispatch - единственная горутина, допускающая запросы в окна
func (l *Limiter) dispatch(ctx context.Context) {
	defer close(l.done)

	l.logger.Info("rate limiter started",
		utils.Int("requests_per_second", l.cfg.RequestsPerSecond),
		utils.Int("requests_per_minute", l.cfg.RequestsPerMinute),
		utils.Int("requests_per_hour", l.cfg.RequestsPerHour),
		utils.Int("max_queue_size", l.cfg.MaxQueueSize),
	)

	for {
		req := l.pop()
		if req == nil {
			select {
			case <-l.notify:
				continue
			case <-ctx.Done():
				l.drain(ErrStopped)
				return
			case <-l.stopCh:
				l.drain(ErrStopped)
				return
			}
		}

		// отменённые в очереди запросы отбрасываются при извлечении
		if err := req.ctx.Err(); err != nil {
			atomic.AddUint64(&l.cancelled, 1)
			req.grant <- err
			continue
		}

		if !l.admit(ctx, req) {
			return
		}
	}
}

// admit дожидается свободного места в окнах и выдаёт допуск.
// Возвращает false если диспетчер должен завершиться.
func (l *Limiter) admit(ctx context.Context, req *request) bool {
	for {
		ok, wait := l.tryAdmit(time.Now())
		if ok {
			atomic.AddUint64(&l.admitted, 1)
			req.grant <- nil
			return true
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			// окно освободилось, пробуем снова
		case <-req.ctx.Done():
			timer.Stop()
			atomic.AddUint64(&l.cancelled, 1)
			req.grant <- req.ctx.Err()
			return true
		case <-ctx.Done():
			timer.Stop()
			req.grant <- ErrStopped
			l.drain(ErrStopped)
			return false
		case <-l.stopCh:
			timer.Stop()
			req.grant <- ErrStopped
			l.drain(ErrStopped)
			return false
		}
	}
}

// drain раздаёт err всем оставшимся в очереди запросам
func (l *Limiter) drain(err error) {
	l.mu.Lock()
	remaining := make([]*request, 0, l.queue.Len())
	for l.queue.Len() > 0 {
		remaining = append(remaining, heap.Pop(&l.queue).(*request))
	}
	l.mu.Unlock()

	for _, req := range remaining {
		req.grant <- err
	}
}

// tryAdmit проверяет все три окна и инкрементирует счётчики при допуске.
// При отказе возвращает время до ближайшего истечения исчерпанного окна.
func (l *Limiter) tryAdmit(now time.Time) (bool, time.Duration) {
	effSecond := l.effectiveLimit(l.cfg.RequestsPerSecond)
	effMinute := l.effectiveLimit(l.cfg.RequestsPerMinute)
	effHour := l.effectiveLimit(l.cfg.RequestsPerHour)

	l.winMu.Lock()
	defer l.winMu.Unlock()

	l.second.roll(now)
	l.minute.roll(now)
	l.hour.roll(now)

	if l.second.count < effSecond && l.minute.count < effMinute && l.hour.count < effHour {
		l.second.count++
		l.minute.count++
		l.hour.count++
		return true, 0
	}

	wait := time.Duration(math.MaxInt64)
	if l.second.count >= effSecond {
		if d := l.second.expiry().Sub(now); d < wait {
			wait = d
		}
	}
	if l.minute.count >= effMinute {
		if d := l.minute.expiry().Sub(now); d < wait {
			wait = d
		}
	}
	if l.hour.count >= effHour {
		if d := l.hour.expiry().Sub(now); d < wait {
			wait = d
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

// ============================================================
// Адаптивный фактор
// ============================================================

// effectiveLimit возвращает ceil(base * factor), минимум 1
func (l *Limiter) effectiveLimit(base int) int {
	eff := int(math.Ceil(float64(base) * l.currentFactor()))
	if eff < 1 {
		eff = 1
	}
	return eff
}

// currentFactor возвращает текущий адаптивный фактор
func (l *Limiter) currentFactor() float64 {
	l.adaptMu.Lock()
	defer l.adaptMu.Unlock()
	return l.factor
}

// recordOutcome обновляет адаптивный фактор по результату операции.
// Быстрый успех двигает серию к повышению; отказ или медленный вызов
// понижают фактор. Фактор меняется не чаще одного раза за
// AdaptiveCooldown в любую сторону.
func (l *Limiter) recordOutcome(name string, dur time.Duration, err error) {
	if err == nil && dur < l.cfg.SlowCallThreshold {
		l.recordFastSuccess()
		return
	}
	l.recordDegraded(name, dur, err)
}

// recordFastSuccess засчитывает быстрый успех; во время cooldown
// серия не копится
func (l *Limiter) recordFastSuccess() {
	l.adaptMu.Lock()
	defer l.adaptMu.Unlock()

	if time.Now().Before(l.cooldownUntil) {
		return
	}
	if l.factor >= 1.0 {
		l.successStreak = 0
		return
	}

	l.successStreak++
	if l.successStreak >= l.cfg.SuccessThreshold {
		l.factor = math.Min(l.factor+0.1, 1.0)
		l.successStreak = 0
		l.cooldownUntil = time.Now().Add(l.cfg.AdaptiveCooldown)
		l.logger.Info("rate limit factor raised",
			utils.Float64("factor", l.factor),
		)
	}
}

// recordDegraded режет фактор пополам при отказе или медленном вызове.
// Внутри cooldown повторные деградации только сбрасывают серию успехов.
func (l *Limiter) recordDegraded(name string, dur time.Duration, err error) {
	l.adaptMu.Lock()
	l.successStreak = 0
	if time.Now().Before(l.cooldownUntil) {
		l.adaptMu.Unlock()
		return
	}
	l.factor = math.Max(l.factor/2, l.cfg.MinAdaptiveFactor)
	l.cooldownUntil = time.Now().Add(l.cfg.AdaptiveCooldown)
	factor := l.factor
	l.adaptMu.Unlock()

	switch {
	case err != nil && isRateLimited(err):
		l.logger.Warn("server rate limit hit, lowering factor",
			utils.String("operation", name),
			utils.Float64("factor", factor),
			utils.Duration("cooldown", l.cfg.AdaptiveCooldown),
		)
	case err != nil:
		l.logger.Warn("call failed, lowering rate limit factor",
			utils.String("operation", name),
			utils.Float64("factor", factor),
			utils.Err(err),
		)
	default:
		l.logger.Warn("slow call, lowering rate limit factor",
			utils.String("operation", name),
			utils.Duration("duration", dur),
			utils.Float64("factor", factor),
		)
	}
}

// isRateLimited определяет, является ли ошибка превышением лимита сервера
func isRateLimited(err error) bool {
	var rateErr *errs.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var apiErr *errs.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		return true
	}
	return false
}
