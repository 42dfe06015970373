package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"tradedesk/pkg/utils"
)

// responseWriter оборачивает http.ResponseWriter и запоминает статус
// и объем записанного ответа для access-лога.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Hijack делегирует захват соединения вложенному ResponseWriter.
// Без этого обертка скрывает http.Hijacker исходного writer и
// WebSocket upgrade на /ws через middleware невозможен.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// quietPaths - пути, исключенные из access-лога. Опрашиваются
// балансировщиком и Prometheus каждые несколько секунд и только шумят.
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// Logging - middleware для логирования HTTP запросов
//
// Назначение:
// Пишет структурированный access-лог по каждому запросу: метод, путь,
// статус, длительность, адрес клиента и объем ответа.
//
// Функции:
// - Измерение времени обработки запроса
// - Захват статус кода и размера ответа через обертку ResponseWriter
// - Сквозной correlation ID: берется из X-Correlation-ID или генерируется,
//   возвращается клиенту в том же заголовке
// - Исключение служебных путей (/health, /metrics) из лога
func Logging(logger *utils.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = utils.Nop()
	}
	log := logger.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, quiet := quietPaths[r.URL.Path]; quiet {
				next.ServeHTTP(w, r)
				return
			}

			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = uuid.NewString()
			}
			w.Header().Set("X-Correlation-ID", correlationID)

			start := time.Now()
			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			log.Info("http request",
				utils.String("method", r.Method),
				utils.String("path", r.URL.Path),
				utils.StatusCode(wrapped.statusCode),
				utils.Duration("duration", time.Since(start)),
				utils.String("remote", r.RemoteAddr),
				utils.Int64("bytes", wrapped.written),
				utils.CorrelationID(correlationID),
			)
		})
	}
}
