package utils

import (
	"testing"
	"time"
)

// ============================================================
// Тесты границ периодов
// ============================================================

func TestGetDayStartFrom(t *testing.T) {
	tests := []struct {
		name     string
		input    time.Time
		expected time.Time
	}{
		{
			name:     "middle of day",
			input:    time.Date(2024, 1, 15, 14, 30, 45, 123456789, time.UTC),
			expected: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "start of day",
			input:    time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
			expected: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "end of day",
			input:    time.Date(2024, 1, 15, 23, 59, 59, 999999999, time.UTC),
			expected: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "non-UTC input converted",
			input:    time.Date(2024, 1, 15, 1, 30, 0, 0, time.FixedZone("UTC+3", 3*3600)),
			expected: time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GetDayStartFrom(tt.input)
			if !result.Equal(tt.expected) {
				t.Errorf("GetDayStartFrom(%v) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestGetDayStart(t *testing.T) {
	start := GetDayStart()
	now := time.Now().UTC()

	if start.Hour() != 0 || start.Minute() != 0 || start.Second() != 0 {
		t.Errorf("GetDayStart() = %v, want midnight", start)
	}
	if start.After(now) {
		t.Errorf("GetDayStart() = %v is after now %v", start, now)
	}
}

func TestGetPreviousDayStart(t *testing.T) {
	prev := GetPreviousDayStart()
	today := GetDayStart()

	if diff := today.Sub(prev); diff != 24*time.Hour {
		t.Errorf("today - previous = %v, want 24h", diff)
	}
}

func TestIsSameUTCDay(t *testing.T) {
	tests := []struct {
		name     string
		a        time.Time
		b        time.Time
		expected bool
	}{
		{
			name:     "same day",
			a:        time.Date(2024, 1, 15, 1, 0, 0, 0, time.UTC),
			b:        time.Date(2024, 1, 15, 23, 59, 59, 0, time.UTC),
			expected: true,
		},
		{
			name:     "different days",
			a:        time.Date(2024, 1, 15, 23, 59, 59, 0, time.UTC),
			b:        time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsSameUTCDay(tt.a, tt.b); result != tt.expected {
				t.Errorf("IsSameUTCDay(%v, %v) = %v, want %v", tt.a, tt.b, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты TimeRange
// ============================================================

func TestTimeRangeContains(t *testing.T) {
	tr := TimeRange{
		Start: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 15, 23, 59, 59, 0, time.UTC),
	}

	tests := []struct {
		name     string
		input    time.Time
		expected bool
	}{
		{"inside", time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC), true},
		{"at start", tr.Start, true},
		{"at end", tr.End, true},
		{"before", time.Date(2024, 1, 14, 23, 59, 59, 0, time.UTC), false},
		{"after", time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tr.Contains(tt.input); result != tt.expected {
				t.Errorf("Contains(%v) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestGetLastWindow(t *testing.T) {
	tr := GetLastWindow(time.Hour)

	if got := tr.Duration(); got != time.Hour {
		t.Errorf("Duration() = %v, want 1h", got)
	}

	// Нулевое окно заменяется минутой
	tr = GetLastWindow(0)
	if got := tr.Duration(); got != time.Minute {
		t.Errorf("Duration() for zero window = %v, want 1m", got)
	}
}

// ============================================================
// Тесты форматирования
// ============================================================

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		input    time.Duration
		expected string
	}{
		{"seconds", 45 * time.Second, "45s"},
		{"minutes seconds", 5*time.Minute + 30*time.Second, "5m30s"},
		{"hours minutes", 2*time.Hour + 15*time.Minute, "2h15m0s"},
		{"exact hour", 2 * time.Hour, "2h0m0s"},
		{"negative normalized", -45 * time.Second, "45s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := FormatDuration(tt.input); result != tt.expected {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты timestamp
// ============================================================

func TestFromUnixMillis(t *testing.T) {
	ms := int64(1705314645000) // 2024-01-15 10:30:45 UTC
	result := FromUnixMillis(ms)

	expected := time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("FromUnixMillis(%d) = %v, want %v", ms, result, expected)
	}
}

func TestFromUnixMicros(t *testing.T) {
	us := int64(1705314645000000)
	result := FromUnixMicros(us)

	expected := time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("FromUnixMicros(%d) = %v, want %v", us, result, expected)
	}
}

func TestFromExchangeTimestamp(t *testing.T) {
	expected := time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)

	tests := []struct {
		name     string
		input    int64
		expected time.Time
	}{
		{"seconds", 1705314645, expected},
		{"milliseconds", 1705314645000, expected},
		{"microseconds", 1705314645000000, expected},
		{"zero", 0, time.Time{}},
		{"negative", -5, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FromExchangeTimestamp(tt.input)
			if !result.Equal(tt.expected) {
				t.Errorf("FromExchangeTimestamp(%d) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestUnixMillis(t *testing.T) {
	before := time.Now().UnixMilli()
	result := UnixMillis()
	after := time.Now().UnixMilli()

	if result < before || result > after {
		t.Errorf("UnixMillis() = %d, want between %d and %d", result, before, after)
	}
}
