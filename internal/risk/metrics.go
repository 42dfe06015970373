package risk

import (
	"math"
	"time"

	"tradedesk/pkg/utils"
)

// Годовая шкала для коэффициента Шарпа: крипторынок торгуется без выходных
const tradingDaysPerYear = 365

// z-квантиль нормального распределения для доверительного уровня 95%
const var95Quantile = 1.645

// RiskMetrics - снимок портфельных метрик риска.
//
// Снимок всегда пересчитывается из леджера позиций и истории цен,
// никогда не хранится как самостоятельное состояние. Все статистики
// детерминированы: одинаковая история дает одинаковые значения.
type RiskMetrics struct {
	PortfolioValue  float64   `json:"portfolio_value"`   // стоимость портфеля с учетом нереализованного PnL
	PeakValue       float64   `json:"peak_value"`        // максимум стоимости за время работы
	TotalExposure   float64   `json:"total_exposure"`    // суммарная стоимость открытых позиций
	UnrealizedPnL   float64   `json:"unrealized_pnl"`    // суммарный нереализованный PnL
	RealizedPnL     float64   `json:"realized_pnl"`      // накопленный реализованный PnL
	DailyPnL        float64   `json:"daily_pnl"`         // изменение стоимости с начала UTC-дня
	TotalRiskAmount float64   `json:"total_risk_amount"` // Σ(стоимость × волатильность) по открытым позициям
	RiskUtilization float64   `json:"risk_utilization"`  // доля использованного риск-бюджета
	CurrentDrawdown float64   `json:"current_drawdown"`  // (peak - value) / peak
	MaxDrawdown     float64   `json:"max_drawdown"`      // худшая наблюдавшаяся просадка
	Volatility      float64   `json:"volatility"`        // сигма портфельных доходностей
	SharpeRatio     float64   `json:"sharpe_ratio"`      // годовой Шарп по дневным доходностям
	ValueAtRisk95   float64   `json:"value_at_risk_95"`  // дневной VaR на уровне 95%
	Beta            float64   `json:"beta"`              // бета портфеля к бенчмарку
	OpenPositions   int       `json:"open_positions"`
	Suspended       bool      `json:"suspended"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// sharpeRatio вычисляет годовой коэффициент Шарпа по дневным доходностям.
//
// Формула: mean(r) / std(r) × √365. Безрисковая ставка принята нулевой.
// Возвращает 0 при менее чем двух наблюдениях или нулевой дисперсии.
func sharpeRatio(dailyReturns []float64) float64 {
	if len(dailyReturns) < 2 {
		return 0
	}
	std := utils.StdDev(dailyReturns)
	if std == 0 {
		return 0
	}
	return utils.Mean(dailyReturns) / std * math.Sqrt(tradingDaysPerYear)
}

// portfolioSigma вычисляет стандартное отклонение доходности портфеля
// из попарных ковариаций выровненных доходностей позиций.
//
// Формула: σ² = Σᵢ Σⱼ wᵢ wⱼ cov(rᵢ, rⱼ), веса - доли стоимости позиций
// в портфеле. Пары, для которых ковариация не вычислима (меньше двух
// выровненных точек), вносят 0 - остаётся диагональ (дисперсии символов).
func portfolioSigma(weights map[string]float64, hist *PriceHistory) float64 {
	if len(weights) == 0 {
		return 0
	}

	symbols := make([]string, 0, len(weights))
	for sym := range weights {
		symbols = append(symbols, sym)
	}

	var variance float64
	for _, a := range symbols {
		for _, b := range symbols {
			ra, rb := hist.AlignedReturns(a, b)
			cov, ok := utils.Covariance(ra, rb)
			if !ok {
				continue
			}
			variance += weights[a] * weights[b] * cov
		}
	}

	// Численная погрешность может дать слегка отрицательную дисперсию
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// valueAtRisk95 вычисляет однодневный VaR портфеля на уровне 95%:
// 1.645 × σ портфеля × стоимость портфеля.
func valueAtRisk95(sigma, portfolioValue float64) float64 {
	if sigma <= 0 || portfolioValue <= 0 {
		return 0
	}
	return var95Quantile * sigma * portfolioValue
}

// portfolioBeta вычисляет бету портфеля к бенчмарку:
// cov(r_portfolio, r_benchmark) / var(r_benchmark).
//
// Ряд доходностей портфеля собирается из взвешенных доходностей открытых
// символов, выровненных с рядом бенчмарка по общему хвосту. Возвращает 0
// при недостатке истории или нулевой дисперсии бенчмарка.
func portfolioBeta(weights map[string]float64, hist *PriceHistory, benchmark string) float64 {
	if len(weights) == 0 || benchmark == "" {
		return 0
	}

	bench := hist.LogReturns(benchmark)
	if len(bench) < 2 {
		return 0
	}

	// Общая длина хвоста: минимум по бенчмарку и всем открытым символам
	n := len(bench)
	series := make(map[string][]float64, len(weights))
	for sym := range weights {
		r := hist.LogReturns(sym)
		if len(r) < 2 {
			return 0
		}
		if len(r) < n {
			n = len(r)
		}
		series[sym] = r
	}
	if n < 2 {
		return 0
	}

	portfolio := make([]float64, n)
	for sym, r := range series {
		tail := r[len(r)-n:]
		w := weights[sym]
		for i, v := range tail {
			portfolio[i] += w * v
		}
	}

	benchTail := bench[len(bench)-n:]
	cov, ok := utils.Covariance(portfolio, benchTail)
	if !ok {
		return 0
	}
	benchVar, ok := utils.Covariance(benchTail, benchTail)
	if !ok || benchVar == 0 {
		return 0
	}
	return cov / benchVar
}
