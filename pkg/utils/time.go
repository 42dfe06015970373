package utils

import (
	"time"
)

// time.go - утилиты для работы со временем
//
// Назначение:
// Временные границы для дневного PNL, окна запросов метрик и конвертация
// биржевых timestamp (миллисекунды/микросекунды Unix).

// ============================================================
// Границы периодов
// ============================================================

// GetDayStart возвращает начало текущего дня (00:00:00) в UTC.
//
// Используется как граница торгового дня для дневного PNL.
//
// Пример:
//
//	// Сейчас: 2024-01-15 14:30:45 UTC
//	start := GetDayStart()
//	// start: 2024-01-15 00:00:00 UTC
func GetDayStart() time.Time {
	return GetDayStartFrom(time.Now().UTC())
}

// GetDayStartFrom возвращает начало дня для указанного времени в UTC.
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GetPreviousDayStart возвращает начало предыдущего дня.
func GetPreviousDayStart() time.Time {
	return GetDayStartFrom(time.Now().UTC().AddDate(0, 0, -1))
}

// IsSameUTCDay сообщает, относятся ли оба времени к одному дню UTC.
func IsSameUTCDay(a, b time.Time) bool {
	return GetDayStartFrom(a).Equal(GetDayStartFrom(b))
}

// ============================================================
// Диапазоны
// ============================================================

// TimeRange представляет временной диапазон.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains проверяет, попадает ли время в диапазон.
func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.Start) && !t.After(tr.End)
}

// Duration возвращает продолжительность диапазона.
func (tr TimeRange) Duration() time.Duration {
	return tr.End.Sub(tr.Start)
}

// GetLastWindow возвращает диапазон [now-d, now]. Используется для
// выборки метрик за окно.
func GetLastWindow(d time.Duration) TimeRange {
	if d <= 0 {
		d = time.Minute
	}
	now := time.Now().UTC()
	return TimeRange{Start: now.Add(-d), End: now}
}

// ============================================================
// Форматирование
// ============================================================

// FormatDuration форматирует продолжительность в человекочитаемый формат.
//
// Примеры:
//   - "45s"
//   - "5m30s"
//   - "2h15m"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		if minutes > 0 {
			return (time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute).String()
		}
		return (time.Duration(hours) * time.Hour).String()
	}

	if minutes > 0 {
		if seconds > 0 {
			return (time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second).String()
		}
		return (time.Duration(minutes) * time.Minute).String()
	}

	return (time.Duration(seconds) * time.Second).String()
}

// ============================================================
// Утилиты для timestamp
// ============================================================

// UnixMillis возвращает текущее время в миллисекундах Unix.
func UnixMillis() int64 {
	return time.Now().UnixMilli()
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time.
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FromUnixMicros конвертирует микросекунды Unix в time.Time.
// Биржа отдаёт timestamp тикеров в микросекундах.
func FromUnixMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// FromExchangeTimestamp распознаёт величину биржевого timestamp по
// порядку и конвертирует в time.Time.
//
// Биржевые payload непоследовательны: где-то секунды, где-то милли-
// или микросекунды. Порог подобран по диапазону реальных дат.
func FromExchangeTimestamp(ts int64) time.Time {
	switch {
	case ts <= 0:
		return time.Time{}
	case ts < 1e11: // секунды до ~5138 года
		return time.Unix(ts, 0).UTC()
	case ts < 1e14: // миллисекунды
		return time.UnixMilli(ts).UTC()
	default: // микросекунды
		return time.UnixMicro(ts).UTC()
	}
}
