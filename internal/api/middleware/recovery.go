package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"

	"tradedesk/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Назначение:
// Перехватывает panic в HTTP handlers и предотвращает падение всего сервера.
// Логирует сообщение паники и stack trace, возвращает клиенту 500.
//
// Функции:
// - Перехват panic в любом handler
// - Структурированное логирование паники со stack trace
// - Возврат 500 Internal Server Error без деталей паники в теле
// - Продолжение обработки последующих запросов
//
// Текст паники не попадает в ответ: он может содержать внутренние
// детали (пути, адреса, значения), которые клиенту видеть не нужно.
func Recovery(logger *utils.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = utils.Nop()
	}
	log := logger.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic in http handler",
						utils.Any("panic", rec),
						utils.String("method", r.Method),
						utils.String("path", r.URL.Path),
						utils.String("stack", string(debug.Stack())),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
