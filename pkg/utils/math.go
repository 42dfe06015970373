package utils

import (
	"math"
)

// math.go - математические утилиты для торговых расчётов
//
// Назначение:
// Вспомогательные вычисления для риск-менеджмента и рыночных данных.
// Все функции являются чистыми (pure functions) без побочных эффектов.
//
// Функции:
// - RoundToLotSize: округление объёма вниз до шага
// - PercentChange: изменение цены в процентах
// - CalculatePNL: прибыль/убыток позиции
// - Mean / StdDev / LogReturns / PearsonCorrelation: статистика доходностей
// - CalculateWeightedAverage: средневзвешенная цена (VWAP)

// RoundToLotSize округляет значение ВНИЗ до ближайшего кратного lotSize.
//
// Используется при ограничении объёма позиции риск-лимитом: округление
// вниз гарантирует, что лимит не будет превышен.
//
// Параметры:
//   - value: исходное значение (объём в единицах актива)
//   - lotSize: минимальный шаг объёма
//
// Возвращает:
//   - Округлённое значение, кратное lotSize
//   - Если lotSize <= 0, возвращает исходное значение
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(0.1, 1.0) = 0.0
//   - RoundToLotSize(100.5, 1.0) = 100.0
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	return math.Floor(value/lotSize) * lotSize
}

// PercentChange расчитывает изменение цены в процентах от open к close.
//
// Формула:
//
//	Изменение (%) = ((close - open) / open) × 100
//
// Параметры:
//   - open: цена открытия периода
//   - close: цена закрытия (текущая)
//
// Возвращает:
//   - Изменение в процентах (положительное при росте)
//   - Если open <= 0, возвращает 0
//
// Примеры:
//   - PercentChange(49000, 50000) = 2.0408...
//   - PercentChange(100, 98) = -2.0
func PercentChange(open, close float64) float64 {
	if open <= 0 {
		return 0
	}
	return (close - open) / open * 100
}

// CalculatePNL расчитывает прибыль/убыток по позиции.
//
// Формулы:
//   - Long PNL = (P_current - P_entry) × qty
//   - Short PNL = (P_entry - P_current) × qty
//
// Параметры:
//   - side: "long" или "short"
//   - entryPrice: цена входа
//   - currentPrice: текущая/выходная цена
//   - quantity: объём позиции
//
// Возвращает:
//   - PNL в валюте котировки (обычно USDT)
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}

	switch side {
	case "long":
		// Лонг: прибыль если цена выросла
		return (currentPrice - entryPrice) * quantity
	case "short":
		// Шорт: прибыль если цена упала
		return (entryPrice - currentPrice) * quantity
	default:
		return 0
	}
}

// Mean вычисляет среднее арифметическое.
//
// Возвращает 0 для пустого слайса.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev вычисляет выборочное стандартное отклонение (делитель n-1).
//
// Используется как мера волатильности ряда доходностей.
// Возвращает 0 если точек меньше двух.
func StdDev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	mean := Mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n-1))
}

// LogReturns вычисляет логарифмические доходности ряда цен.
//
// Формула:
//
//	r_i = ln(P_i / P_{i-1})
//
// Нулевые и отрицательные цены пропускаются вместе со своим переходом.
//
// Параметры:
//   - prices: ряд цен в хронологическом порядке
//
// Возвращает:
//   - Слайс доходностей длиной до len(prices)-1
func LogReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	return returns
}

// PearsonCorrelation вычисляет коэффициент корреляции Пирсона двух рядов.
//
// Ряды должны быть одинаковой длины (обычно выровненные доходности двух
// инструментов).
//
// Возвращает:
//   - rho в диапазоне [-1, 1]
//   - false если рядов недостаточно (< 2 точек, разная длина) или один
//     из рядов константный (нулевая дисперсия)
func PearsonCorrelation(a, b []float64) (float64, bool) {
	n := len(a)
	if n < 2 || n != len(b) {
		return 0, false
	}

	meanA := Mean(a)
	meanB := Mean(b)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}

	if varA == 0 || varB == 0 {
		return 0, false
	}

	rho := cov / math.Sqrt(varA*varB)
	// Численная погрешность может вывести rho чуть за [-1, 1]
	return Clamp(rho, -1, 1), true
}

// Covariance вычисляет выборочную ковариацию двух рядов (делитель n-1).
//
// Возвращает 0, false если рядов недостаточно или длины различаются.
func Covariance(a, b []float64) (float64, bool) {
	n := len(a)
	if n < 2 || n != len(b) {
		return 0, false
	}
	meanA := Mean(a)
	meanB := Mean(b)
	var sum float64
	for i := 0; i < n; i++ {
		sum += (a[i] - meanA) * (b[i] - meanB)
	}
	return sum / float64(n-1), true
}

// CalculateWeightedAverage вычисляет средневзвешенное значение (VWAP).
//
// Используется для расчёта средневзвешенной цены по стакану ордеров.
//
// Формула:
//
//	VWAP = Σ(price_i × volume_i) / Σ(volume_i)
//
// Параметры:
//   - values: слайс цен (price levels)
//   - weights: слайс объёмов (volumes на каждом уровне)
//
// Возвращает:
//   - Средневзвешенное значение
//   - 0 если входные данные некорректны
func CalculateWeightedAverage(values, weights []float64) float64 {
	if len(values) == 0 || len(weights) == 0 {
		return 0
	}
	if len(values) != len(weights) {
		return 0
	}

	var sumWeighted, sumWeights float64
	for i := range values {
		if weights[i] < 0 {
			continue // Пропускаем отрицательные веса
		}
		sumWeighted += values[i] * weights[i]
		sumWeights += weights[i]
	}

	if sumWeights == 0 {
		return 0
	}
	return sumWeighted / sumWeights
}

// Abs возвращает абсолютное значение числа.
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Min возвращает минимум из двух чисел.
func Min(a, b float64) float64 {
	return math.Min(a, b)
}

// Max возвращает максимум из двух чисел.
func Max(a, b float64) float64 {
	return math.Max(a, b)
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// SafeDiv делит a на b, возвращая 0 при нулевом знаменателе.
// Используется в расчётах метрик, где знаменатель может обнулиться
// (пустой портфель, нулевой пик).
func SafeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
