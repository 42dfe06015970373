package errs

// errors.go - единая таксономия ошибок сервиса
//
// Назначение:
// Типизированные ошибки для всех слоёв: сеть, API биржи, валидация,
// rate limiting, аутентификация, торговые операции и риск-менеджмент.
//
// Каждая ошибка несёт общую часть Meta (код, сообщение, correlation id,
// время возникновения, причину) и отвечает на вопрос Retryable() -
// на него опирается пакет retry при классификации.
//
// Использование:
//
//	err := errs.NewAPIError("order rejected", corrID, 503, cause)
//	var apiErr *errs.APIError
//	if errors.As(err, &apiErr) && apiErr.Retryable() { ... }

import (
	"errors"
	"fmt"
	"time"
)

// Коды ошибок
const (
	CodeNetwork        = "NETWORK_ERROR"
	CodeAPI            = "API_ERROR"
	CodeValidation     = "VALIDATION_ERROR"
	CodeRateLimit      = "RATE_LIMIT_ERROR"
	CodeAuthentication = "AUTHENTICATION_ERROR"
	CodeTrading        = "TRADING_ERROR"
	CodeRisk           = "RISK_ERROR"
)

// Meta - общая часть всех типизированных ошибок.
type Meta struct {
	Code          string    `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Cause         error     `json:"-"`
}

func newMeta(code, message, correlationID string, cause error) Meta {
	return Meta{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Cause:         cause,
	}
}

// Error реализует интерфейс error.
func (m *Meta) Error() string {
	if m.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", m.Code, m.Message, m.Cause)
	}
	return fmt.Sprintf("[%s] %s", m.Code, m.Message)
}

// Unwrap возвращает причину для errors.Is/errors.As.
func (m *Meta) Unwrap() error {
	return m.Cause
}

// ErrorCode возвращает код ошибки.
func (m *Meta) ErrorCode() string {
	return m.Code
}

// Correlation возвращает correlation id ошибки.
func (m *Meta) Correlation() string {
	return m.CorrelationID
}

// ============================================================
// Типы ошибок
// ============================================================

// NetworkError - сетевая ошибка (транспорт, таймаут, обрыв соединения).
// Всегда retryable.
type NetworkError struct {
	Meta
}

// NewNetworkError создаёт сетевую ошибку.
func NewNetworkError(message, correlationID string, cause error) *NetworkError {
	return &NetworkError{Meta: newMeta(CodeNetwork, message, correlationID, cause)}
}

// Retryable сообщает, имеет ли смысл повтор.
func (e *NetworkError) Retryable() bool { return true }

// APIError - ошибка уровня API биржи (HTTP статус >= 400 или envelope
// success=false). Retryable только для 5xx и 429.
type APIError struct {
	Meta
	StatusCode int `json:"status_code"`
}

// NewAPIError создаёт ошибку API с HTTP статусом.
func NewAPIError(message, correlationID string, statusCode int, cause error) *APIError {
	return &APIError{
		Meta:       newMeta(CodeAPI, message, correlationID, cause),
		StatusCode: statusCode,
	}
}

// Retryable: серверные ошибки и rate limit временны, клиентские - нет.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// ValidationError - некорректные входные данные. Повтор бессмыслен.
type ValidationError struct {
	Meta
	Field string `json:"field,omitempty"`
}

// NewValidationError создаёт ошибку валидации поля field.
func NewValidationError(message, correlationID, field string) *ValidationError {
	return &ValidationError{
		Meta:  newMeta(CodeValidation, message, correlationID, nil),
		Field: field,
	}
}

// Retryable всегда false.
func (e *ValidationError) Retryable() bool { return false }

// RateLimitError - превышен лимит запросов. Retryable; повтор следует
// отложить на RetryAfter().
type RateLimitError struct {
	Meta
	retryAfter time.Duration
}

// NewRateLimitError создаёт ошибку превышения лимита с рекомендованной
// задержкой повтора.
func NewRateLimitError(message, correlationID string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{
		Meta:       newMeta(CodeRateLimit, message, correlationID, nil),
		retryAfter: retryAfter,
	}
}

// Retryable всегда true.
func (e *RateLimitError) Retryable() bool { return true }

// RetryAfter возвращает рекомендованную задержку перед повтором.
// Пакет retry использует её вместо экспоненциального backoff.
func (e *RateLimitError) RetryAfter() time.Duration { return e.retryAfter }

// AuthenticationError - отказ аутентификации (неверная подпись, ключ,
// истёкший timestamp). Критическая, никогда не повторяется:
// повтор с теми же credentials даст тот же отказ.
type AuthenticationError struct {
	Meta
}

// NewAuthenticationError создаёт ошибку аутентификации.
func NewAuthenticationError(message, correlationID string, cause error) *AuthenticationError {
	return &AuthenticationError{Meta: newMeta(CodeAuthentication, message, correlationID, cause)}
}

// Retryable всегда false.
func (e *AuthenticationError) Retryable() bool { return false }

// TradingOperationError - сбой торговой операции (размещение ордера,
// закрытие позиции).
type TradingOperationError struct {
	Meta
	Operation string `json:"operation"`
	Symbol    string `json:"symbol,omitempty"`
}

// NewTradingOperationError создаёт ошибку торговой операции.
func NewTradingOperationError(message, correlationID, operation, symbol string, cause error) *TradingOperationError {
	return &TradingOperationError{
		Meta:      newMeta(CodeTrading, message, correlationID, cause),
		Operation: operation,
		Symbol:    symbol,
	}
}

// Retryable всегда false: повтор торговой операции без переоценки
// риска опасен.
func (e *TradingOperationError) Retryable() bool { return false }

// RiskManagementError - отказ риск-менеджера (лимит нарушен, торговля
// приостановлена).
type RiskManagementError struct {
	Meta
	RiskType string  `json:"risk_type"`
	Current  float64 `json:"current"`
	Limit    float64 `json:"limit"`
}

// NewRiskManagementError создаёт ошибку риск-менеджмента: какой лимит
// нарушен, текущее значение и порог.
func NewRiskManagementError(message, correlationID, riskType string, current, limit float64) *RiskManagementError {
	return &RiskManagementError{
		Meta:     newMeta(CodeRisk, message, correlationID, nil),
		RiskType: riskType,
		Current:  current,
		Limit:    limit,
	}
}

// Retryable всегда false: лимит не исчезнет от повтора.
func (e *RiskManagementError) Retryable() bool { return false }

// ============================================================
// Помощники классификации
// ============================================================

// IsRetryable сообщает, допускает ли ошибка повтор. Ошибки без метода
// Retryable считаются непригодными для повтора.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// RetryAfterOf извлекает рекомендованную задержку повтора, если ошибка
// её несёт.
func RetryAfterOf(err error) (time.Duration, bool) {
	var r interface{ RetryAfter() time.Duration }
	if errors.As(err, &r) {
		if d := r.RetryAfter(); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// CodeOf возвращает код типизированной ошибки или пустую строку.
func CodeOf(err error) string {
	var c interface{ ErrorCode() string }
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// CorrelationIDOf возвращает correlation id ошибки или пустую строку.
func CorrelationIDOf(err error) string {
	var c interface{ Correlation() string }
	if errors.As(err, &c) {
		return c.Correlation()
	}
	return ""
}

// StatusCodeOf возвращает HTTP статус из APIError в цепочке err.
func StatusCodeOf(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}
