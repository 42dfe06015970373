package risk

import (
	"sort"
	"sync"
	"time"

	"tradedesk/pkg/utils"
)

// ============================================================
// История цен
// ============================================================

// PriceHistory хранит кольцевые буферы последних цен по символам.
//
// Назначение:
// Детерминированная база для всех статистических расчетов
// риск-менеджера: волатильность символа, корреляция кандидата
// с открытыми позициями, ковариации для портфельного VaR и беты.
//
// Особенности:
//   - Ёмкость кольца на символ задается lookback (старые точки вытесняются)
//   - Некорректные цены (<= 0) игнорируются: логарифмическим доходностям
//     нужны строго положительные цены
//   - Корреляция считается только при minSamples и более выровненных
//     доходностях, иначе ok=false - недостаток истории не блокирует сделку
//
// Потокобезопасна: RWMutex, запись через Record, чтение через остальные
// методы.
type PriceHistory struct {
	mu         sync.RWMutex
	lookback   int
	minSamples int
	series     map[string]*priceRing
}

// priceRing - кольцевой буфер цен одного символа
type priceRing struct {
	prices []float64
	times  []time.Time
	next   int
	full   bool
}

// NewPriceHistory создает историю с заданной глубиной кольца на символ.
// Неположительные параметры заменяются значениями по умолчанию
// (lookback 50, minSamples 20).
func NewPriceHistory(lookback, minSamples int) *PriceHistory {
	if lookback <= 0 {
		lookback = 50
	}
	if minSamples <= 0 {
		minSamples = 20
	}
	return &PriceHistory{
		lookback:   lookback,
		minSamples: minSamples,
		series:     make(map[string]*priceRing),
	}
}

// Record добавляет точку цены в кольцо символа.
// Пустой символ и неположительная цена игнорируются.
func (h *PriceHistory) Record(symbol string, price float64, ts time.Time) {
	if symbol == "" || price <= 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ring, ok := h.series[symbol]
	if !ok {
		ring = &priceRing{
			prices: make([]float64, h.lookback),
			times:  make([]time.Time, h.lookback),
		}
		h.series[symbol] = ring
	}

	ring.prices[ring.next] = price
	ring.times[ring.next] = ts
	ring.next++
	if ring.next == len(ring.prices) {
		ring.next = 0
		ring.full = true
	}
}

// Len возвращает количество накопленных точек по символу.
func (h *PriceHistory) Len(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring, ok := h.series[symbol]
	if !ok {
		return 0
	}
	return ring.len()
}

// Last возвращает последнюю записанную цену символа.
func (h *PriceHistory) Last(symbol string) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring, ok := h.series[symbol]
	if !ok || ring.len() == 0 {
		return 0, false
	}
	idx := ring.next - 1
	if idx < 0 {
		idx = len(ring.prices) - 1
	}
	return ring.prices[idx], true
}

// Prices возвращает цены символа в хронологическом порядке.
func (h *PriceHistory) Prices(symbol string) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pricesLocked(symbol)
}

func (h *PriceHistory) pricesLocked(symbol string) []float64 {
	ring, ok := h.series[symbol]
	if !ok {
		return nil
	}
	return ring.chronological()
}

// Symbols возвращает отсортированный список символов с историей.
func (h *PriceHistory) Symbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.series))
	for sym := range h.series {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// LogReturns возвращает логарифмические доходности символа
// в хронологическом порядке.
func (h *PriceHistory) LogReturns(symbol string) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return utils.LogReturns(h.pricesLocked(symbol))
}

// Volatility возвращает волатильность символа: стандартное отклонение
// логарифмических доходностей. 0 при недостатке истории.
func (h *PriceHistory) Volatility(symbol string) float64 {
	return utils.StdDev(h.LogReturns(symbol))
}

// AlignedReturns возвращает доходности двух символов, усеченные
// до общего хвоста: ряды разной длины выравниваются по последним
// min(len(a), len(b)) точкам.
func (h *PriceHistory) AlignedReturns(a, b string) ([]float64, []float64) {
	h.mu.RLock()
	ra := utils.LogReturns(h.pricesLocked(a))
	rb := utils.LogReturns(h.pricesLocked(b))
	h.mu.RUnlock()

	return alignTail(ra, rb)
}

// Correlation вычисляет корреляцию Пирсона выровненных доходностей
// двух символов.
//
// Возвращает:
//   - rho в [-1, 1]
//   - false если выровненных точек меньше minSamples или один из рядов
//     константный
func (h *PriceHistory) Correlation(a, b string) (float64, bool) {
	ra, rb := h.AlignedReturns(a, b)
	if len(ra) < h.minSamples {
		return 0, false
	}
	return utils.PearsonCorrelation(ra, rb)
}

// MinSamples возвращает минимальное число выровненных доходностей
// для расчета корреляции.
func (h *PriceHistory) MinSamples() int {
	return h.minSamples
}

// ============================================================
// Внутренние помощники
// ============================================================

func (r *priceRing) len() int {
	if r.full {
		return len(r.prices)
	}
	return r.next
}

// chronological возвращает содержимое кольца от старых точек к новым
func (r *priceRing) chronological() []float64 {
	n := r.len()
	if n == 0 {
		return nil
	}
	out := make([]float64, 0, n)
	start := 0
	if r.full {
		start = r.next
	}
	for i := 0; i < n; i++ {
		out = append(out, r.prices[(start+i)%len(r.prices)])
	}
	return out
}

// alignTail усекает оба ряда до общего хвоста
func alignTail(a, b []float64) ([]float64, []float64) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return nil, nil
	}
	return a[len(a)-n:], b[len(b)-n:]
}
