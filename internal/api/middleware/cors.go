package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// CORS - middleware для настройки Cross-Origin Resource Sharing
//
// Назначение:
// Настраивает CORS заголовки для безопасного взаимодействия frontend с backend API.
// Позволяет браузерному dashboard (React/Vite) делать запросы к API на другом порту.
//
// Функции:
// - Установка Access-Control-Allow-Origin для разрешенных доменов
// - Обработка preflight запросов (OPTIONS)
// - Разрешение HTTP методов GET, POST, PUT, DELETE, PATCH
// - Разрешение заголовков Content-Type, Authorization, X-Correlation-ID
// - Поддержка credentials (cookies, authorization headers)
// - Кеширование preflight на 24 часа
//
// Конфигурация:
// Список origins приходит из конфигурации сервера (CORS_ORIGINS).
// Элемент "*" или пустой список разрешает любой origin.
//
// Важные заголовки:
// - Access-Control-Allow-Origin: конкретный домен (не * при credentials)
// - Access-Control-Allow-Credentials: true только для разрешенных origins
// - Vary: Origin, чтобы кеши не перепутали ответы для разных доменов
func CORS(origins []string) mux.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := len(origins) == 0
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAll = true
			continue
		}
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			switch {
			case origin == "":
				// Запросы без Origin (не из браузера, например curl) - разрешаем
				w.Header().Set("Access-Control-Allow-Origin", "*")
			default:
				_, ok := allowed[origin]
				if ok || allowAll {
					// Для разрешенных origins с credentials нужен конкретный origin
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Credentials", "true")
					w.Header().Add("Vary", "Origin")
				}
				// Для неразрешенных origins заголовки не ставим - браузер заблокирует
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Correlation-ID")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 часа кеширования preflight

			// Обработка preflight запросов
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
