package utils

// validator.go - валидация входных данных
//
// Назначение:
// Проверка корректности символов, каналов подписки, URL бирж и торговых
// параметров до того, как они уйдут в сеть или в риск-менеджер.
//
// Все функции возвращают error с описанием проблемы или nil.

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Ошибки валидации
var (
	ErrInvalidSymbol   = errors.New("invalid symbol format")
	ErrInvalidChannel  = errors.New("invalid channel name")
	ErrInvalidURL      = errors.New("invalid URL")
	ErrPlaceholderURL  = errors.New("placeholder URL is not allowed")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidPrice    = errors.New("invalid price")
	ErrInvalidAPIKey   = errors.New("invalid API key")
)

// Хосты-заглушки из шаблонов конфигурации. Соединение с ними означает,
// что конфигурация не заполнена.
var placeholderHosts = []string{
	"example.com",
	"example.org",
	"test.com",
	"your-websocket-url",
	"your-api-url",
	"placeholder",
}

// ============================================================
// Символы
// ============================================================

// ValidateSymbol проверяет формат торгового символа.
//
// Допустимы латинские буквы, цифры и разделители - _ /.
// Длина от 2 до 30 символов.
//
// Примеры валидных символов: BTCUSDT, btc-usdt, BTC/USDT, 1INCH
func ValidateSymbol(symbol string) error {
	if len(symbol) < 2 || len(symbol) > 30 {
		return fmt.Errorf("%w: length must be 2-30, got %d", ErrInvalidSymbol, len(symbol))
	}
	for _, r := range symbol {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '/':
		default:
			return fmt.Errorf("%w: illegal character %q", ErrInvalidSymbol, r)
		}
	}
	return nil
}

// IsValidSymbol - булев вариант ValidateSymbol.
func IsValidSymbol(symbol string) bool {
	return ValidateSymbol(symbol) == nil
}

// NormalizeSymbol приводит символ к каноничному виду: верхний регистр,
// без разделителей.
//
// Примеры:
//   - NormalizeSymbol("btc-usdt") = "BTCUSDT"
//   - NormalizeSymbol("BTC/USDT") = "BTCUSDT"
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
	return s
}

// ============================================================
// Каналы подписки
// ============================================================

// ValidateChannelName проверяет синтаксис имени канала.
//
// Допустимы строчные буквы, цифры, подчёркивание и один слеш
// (v2/ticker). Семантику канала (известен ли он, поддерживает ли
// wildcard) проверяет каталог каналов в exchange.
func ValidateChannelName(channel string) error {
	if channel == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidChannel)
	}
	if len(channel) > 40 {
		return fmt.Errorf("%w: name too long", ErrInvalidChannel)
	}
	slashes := 0
	for _, r := range channel {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		case r == '/':
			slashes++
			if slashes > 1 {
				return fmt.Errorf("%w: more than one slash", ErrInvalidChannel)
			}
		default:
			return fmt.Errorf("%w: illegal character %q", ErrInvalidChannel, r)
		}
	}
	return nil
}

// ============================================================
// URL
// ============================================================

// ValidateWSURL проверяет URL WebSocket-подключения.
//
// Требования:
//   - схема wss, либо ws только для localhost/127.0.0.1
//   - непустой хост
//   - хост не является заглушкой из шаблона конфигурации
func ValidateWSURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty URL", ErrInvalidURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	host := strings.ToLower(u.Hostname())
	switch u.Scheme {
	case "wss":
	case "ws":
		if !isLocalHost(host) {
			return fmt.Errorf("%w: scheme ws is allowed only for localhost", ErrInvalidURL)
		}
	default:
		return fmt.Errorf("%w: scheme must be wss or ws, got %q", ErrInvalidURL, u.Scheme)
	}

	if isPlaceholderHost(host) {
		return fmt.Errorf("%w: %s", ErrPlaceholderURL, host)
	}
	return nil
}

// ValidateBaseURL проверяет базовый URL REST API.
//
// Требования: схема https (http только для localhost), непустой хост,
// хост не заглушка.
func ValidateBaseURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty URL", ErrInvalidURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	host := strings.ToLower(u.Hostname())
	switch u.Scheme {
	case "https":
	case "http":
		if !isLocalHost(host) {
			return fmt.Errorf("%w: scheme http is allowed only for localhost", ErrInvalidURL)
		}
	default:
		return fmt.Errorf("%w: scheme must be https or http, got %q", ErrInvalidURL, u.Scheme)
	}

	if isPlaceholderHost(host) {
		return fmt.Errorf("%w: %s", ErrPlaceholderURL, host)
	}
	return nil
}

func isLocalHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func isPlaceholderHost(host string) bool {
	for _, ph := range placeholderHosts {
		if host == ph || strings.HasSuffix(host, "."+ph) || strings.Contains(host, "placeholder") {
			return true
		}
	}
	return false
}

// ============================================================
// Торговые параметры
// ============================================================

// ValidateQuantity проверяет объём позиции: строго положительный и в
// разумных пределах.
func ValidateQuantity(quantity float64) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: must be positive, got %v", ErrInvalidQuantity, quantity)
	}
	if quantity > 1e9 {
		return fmt.Errorf("%w: too large, got %v", ErrInvalidQuantity, quantity)
	}
	return nil
}

// ValidatePrice проверяет цену: строго положительная.
func ValidatePrice(price float64) error {
	if price <= 0 {
		return fmt.Errorf("%w: must be positive, got %v", ErrInvalidPrice, price)
	}
	if price > 1e12 {
		return fmt.Errorf("%w: too large, got %v", ErrInvalidPrice, price)
	}
	return nil
}

// ValidateFraction проверяет долю (0, 1]. Используется для риск-лимитов
// вида maxPositionSize, maxDrawdown.
func ValidateFraction(name string, value float64) error {
	if value <= 0 || value > 1 {
		return fmt.Errorf("%s must be in (0, 1], got %v", name, value)
	}
	return nil
}

// ============================================================
// API ключи
// ============================================================

// ValidateAPIKey проверяет формат API ключа: минимум 16 символов,
// латиница, цифры, дефисы и подчёркивания.
func ValidateAPIKey(apiKey string) error {
	if len(apiKey) < 16 {
		return fmt.Errorf("%w: too short", ErrInvalidAPIKey)
	}
	for _, r := range apiKey {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("%w: illegal character", ErrInvalidAPIKey)
		}
	}
	return nil
}

// IsValidAPIKey - булев вариант ValidateAPIKey.
func IsValidAPIKey(apiKey string) bool {
	return ValidateAPIKey(apiKey) == nil
}

// ValidateAPISecret проверяет секрет: минимум 16 символов, содержимое
// не ограничиваем.
func ValidateAPISecret(secret string) error {
	if len(secret) < 16 {
		return errors.New("API secret too short")
	}
	return nil
}

// ============================================================
// Накопитель ошибок валидации
// ============================================================

// ValidationErrors накапливает ошибки по полям для отчёта одним error.
type ValidationErrors []FieldError

// FieldError - ошибка валидации одного поля.
type FieldError struct {
	Field   string
	Message string
}

// Add добавляет ошибку поля.
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}

// AddError добавляет ошибку поля, если err != nil.
func (v *ValidationErrors) AddError(field string, err error) {
	if err != nil {
		v.Add(field, err.Error())
	}
}

// HasErrors сообщает, накоплены ли ошибки.
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

// Error реализует интерфейс error.
func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return strings.Join(parts, "; ")
}
