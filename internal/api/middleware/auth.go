package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"tradedesk/pkg/crypto"
	"tradedesk/pkg/errs"
	"tradedesk/pkg/utils"
)

// OperatorAuth - middleware для защиты операторских endpoints
//
// Назначение:
// Защищает мутирующие маршруты (открытие/закрытие позиций, возобновление
// торговли, квитирование алертов) операторским токеном. Дашборд на чтение
// остается открытым, а все, что меняет состояние, требует Authorization.
//
// Конфигурация:
// - enabled: OPERATOR_AUTH_ENABLED, выключено по умолчанию для локальной
//   разработки
// - tokenHash: bcrypt хэш токена (OPERATOR_TOKEN_HASH); сам токен нигде
//   не хранится
//
// Безопасность:
// - Токен сверяется через crypto.CheckTokenMatch (bcrypt) - сравнение
//   выполняется за одинаковое время для верного и неверного токена
// - При отсутствии заголовка сверяется пустая строка, чтобы не выдавать
//   ранним выходом, настроена ли авторизация
// - Включенная авторизация без настроенного хэша закрывает маршруты
//   полностью (fail closed), а не открывает их
//
// Использование:
//
//	protect := middleware.OperatorAuth(cfg.OperatorAuthEnabled, cfg.OperatorTokenHash, logger)
//	api.Handle("/risk/positions", protect(http.HandlerFunc(h.OpenPosition))).Methods("POST")
func OperatorAuth(enabled bool, tokenHash string, logger *utils.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = utils.Nop()
	}
	log := logger.WithComponent("http")

	if enabled && tokenHash == "" {
		log.Warn("operator auth enabled without token hash, protected routes will reject all requests")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r.Header.Get("Authorization"))
			if tokenHash == "" || !crypto.CheckTokenMatch(token, tokenHash) {
				log.Warn("operator auth rejected",
					utils.String("method", r.Method),
					utils.String("path", r.URL.Path),
					utils.String("remote", r.RemoteAddr),
				)
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken извлекает токен из заголовка Authorization: Bearer <token>.
// Возвращает пустую строку, если заголовок отсутствует или имеет другую схему.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="operator"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"operator token required","code":"` + errs.CodeAuthentication + `"}`))
}
