package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"tradedesk/pkg/errs"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// respondJSON пишет v как JSON с указанным статусом.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		jsonAPI.NewEncoder(w).Encode(v)
	}
}

// respondError переводит ошибку таксономии errs в HTTP статус и пишет
// стандартный ErrorResponse.
//
// Соответствие кодов:
//   - VALIDATION_ERROR     -> 400 Bad Request
//   - AUTHENTICATION_ERROR -> 401 Unauthorized
//   - RISK_ERROR           -> 422 Unprocessable Entity
//   - RATE_LIMIT_ERROR     -> 429 Too Many Requests (+ Retry-After)
//   - NETWORK_ERROR        -> 502 Bad Gateway
//   - API_ERROR            -> 502, кроме 404 биржи, который пробрасывается
//   - все остальное        -> 500 Internal Server Error
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errs.CodeOf(err)

	switch code {
	case errs.CodeValidation:
		status = http.StatusBadRequest
	case errs.CodeAuthentication:
		status = http.StatusUnauthorized
	case errs.CodeRisk, errs.CodeTrading:
		status = http.StatusUnprocessableEntity
	case errs.CodeRateLimit:
		status = http.StatusTooManyRequests
		if retryAfter, ok := errs.RetryAfterOf(err); ok {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
	case errs.CodeNetwork:
		status = http.StatusBadGateway
	case errs.CodeAPI:
		status = http.StatusBadGateway
		// 404 биржи (неизвестный символ, несуществующий ордер) не наша
		// авария - возвращаем его клиенту как есть
		if statusCode, ok := errs.StatusCodeOf(err); ok && statusCode == http.StatusNotFound {
			status = http.StatusNotFound
		}
	}

	respondJSON(w, status, &ErrorResponse{Error: err.Error(), Code: code})
}

// respondBadRequest пишет 400 с произвольным сообщением (ошибки разбора
// запроса, которые не доходят до сервисного слоя).
func respondBadRequest(w http.ResponseWriter, message, details string) {
	respondJSON(w, http.StatusBadRequest, &ErrorResponse{
		Error:   message,
		Code:    errs.CodeValidation,
		Details: details,
	})
}

// respondNotFound пишет 404 с сообщением.
func respondNotFound(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusNotFound, &ErrorResponse{Error: message})
}

// respondServiceUnavailable пишет 500 для не инициализированного сервиса.
func respondServiceUnavailable(w http.ResponseWriter, name string) {
	respondJSON(w, http.StatusInternalServerError, &ErrorResponse{
		Error: name + " service not initialized",
	})
}

// parseLimit читает limit из query с значением по умолчанию и потолком.
// Нечисловые и неположительные значения дают default.
func parseLimit(r *http.Request, def, max int) int {
	limit := def
	if s := r.URL.Query().Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

// splitCSV разбирает список через запятую, отбрасывая пустые элементы.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
