package websocket

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"tradedesk/internal/models"
	"tradedesk/pkg/utils"
)

var jsonHub = jsoniter.ConfigCompatibleWithStandardLibrary

// Пул буферов сериализации Broadcast. В очередь рассылки уходит копия,
// буфер возвращается в пул сразу после кодирования.
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Hub управляет всеми активными WebSocket соединениями дашборда
//
// Назначение:
// Центральная точка рассылки событий подключенным клиентам: рыночные
// данные, изменения позиций, алерты, состояние соединения с биржей и
// срезы риск-метрик приходят сюда из сервисов и уходят всем клиентам.
//
// Функции:
// - Регистрация и отмена регистрации клиентов
// - Широковещательная рассылка типизированных сообщений
// - Неблокирующая очередь: при переполнении сообщение отбрасывается
// - Отключение медленных клиентов (переполнен буфер отправки)
// - Потокобезопасная работа с клиентами
//
// Использование:
// 1. Создать hub: hub := NewHub(logger)
// 2. Запустить в горутине: go hub.Run(ctx)
// 3. Отправлять сообщения: hub.BroadcastMarketData(md)
// 4. Остановить: hub.Stop()
type Hub struct {
	logger  *utils.Logger
	checker *OriginChecker

	// Зарегистрированные клиенты
	clients map[*Client]bool
	mu      sync.RWMutex

	// Очередь сообщений на рассылку
	broadcast chan []byte

	// Регистрация и отмена регистрации клиентов
	register   chan *Client
	unregister chan *Client

	// Счетчики для lock-free чтения
	clientCount int64
	dropped     int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHub создает новый Hub. allowedOrigins ограничивает браузерные
// подключения, пустой список разрешает все источники.
func NewHub(allowedOrigins []string, logger *utils.Logger) *Hub {
	if logger == nil {
		logger = utils.Nop()
	}
	return &Hub{
		logger:     logger.WithComponent("websocket"),
		checker:    NewOriginChecker(allowedOrigins),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopCh:     make(chan struct{}),
	}
}

// Run запускает главный цикл Hub.
//
// Должен запускаться в отдельной горутине: go hub.Run(ctx).
// Завершается по отмене контекста или вызову Stop, закрывая все
// клиентские соединения.
//
// Рассылка идет без удержания блокировки: список клиентов копируется
// под коротким RLock, медленные клиенты удаляются после прохода.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.Stop()
			h.closeAll()
			return

		case <-h.stopCh:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			atomic.StoreInt64(&h.clientCount, int64(total))
			h.logger.Info("dashboard client connected", utils.Int("total_clients", total))

		case client := <-h.unregister:
			h.removeClients([]*Client{client}, "")

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var slow []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Буфер клиента переполнен - клиент не успевает
					slow = append(slow, client)
				}
			}
			if len(slow) > 0 {
				h.removeClients(slow, "send buffer full")
			}
		}
	}
}

// Stop завершает цикл Run. Повторные вызовы безопасны.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

// removeClients удаляет клиентов и закрывает их каналы отправки
func (h *Hub) removeClients(clients []*Client, reason string) {
	h.mu.Lock()
	removed := 0
	for _, client := range clients {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
			removed++
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	if removed == 0 {
		return
	}
	atomic.StoreInt64(&h.clientCount, int64(total))
	if reason != "" {
		h.logger.Warn("dashboard clients evicted",
			utils.Int("evicted", removed),
			utils.String("reason", reason),
			utils.Int("total_clients", total),
		)
	} else {
		h.logger.Info("dashboard client disconnected", utils.Int("total_clients", total))
	}
}

// closeAll закрывает все клиентские соединения при остановке
func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	atomic.StoreInt64(&h.clientCount, 0)
}

// drop просит цикл Run удалить клиента. Не блокируется после остановки.
func (h *Hub) drop(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopCh:
	}
}

// ============================================================
// Рассылка
// ============================================================

// Broadcast сериализует сообщение и ставит его в очередь рассылки
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := jsonHub.NewEncoder(buf).Encode(message); err != nil {
		jsonBufferPool.Put(buf)
		h.logger.Error("broadcast encode failed", utils.Err(err))
		return
	}

	// Encode добавляет перевод строки - убираем
	data := buf.Bytes()
	if n := len(data); n > 0 && data[n-1] == '\n' {
		data = data[:n-1]
	}

	// Копия: буфер возвращается в пул, сообщение живет в очереди
	msg := make([]byte, len(data))
	copy(msg, data)
	jsonBufferPool.Put(buf)

	h.BroadcastRaw(msg)
}

// BroadcastRaw ставит уже сериализованное сообщение в очередь.
// Вызывающий не блокируется: при переполнении очереди сообщение
// отбрасывается и растет счетчик потерь.
func (h *Hub) BroadcastRaw(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		atomic.AddInt64(&h.dropped, 1)
	}
}

// BroadcastMarketData отправляет срез рыночных данных символа
func (h *Hub) BroadcastMarketData(md *models.MarketData) {
	h.Broadcast(NewMarketDataMessage(md))
}

// BroadcastPositionUpdate отправляет изменение позиции
func (h *Hub) BroadcastPositionUpdate(position *models.Position) {
	h.Broadcast(NewPositionUpdateMessage(position))
}

// BroadcastAlert отправляет алерт, маршрутизируя тип по компоненту
func (h *Hub) BroadcastAlert(alert *models.Alert) {
	h.Broadcast(NewAlertMessage(alert))
}

// BroadcastConnectionStatus отправляет состояние биржевого соединения
func (h *Hub) BroadcastConnectionStatus(status interface{}) {
	h.Broadcast(NewConnectionStatusMessage(status))
}

// BroadcastRiskStatus отправляет срез риск-метрик портфеля
func (h *Hub) BroadcastRiskStatus(status interface{}) {
	h.Broadcast(NewRiskStatusMessage(status))
}

// ============================================================
// Счетчики
// ============================================================

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	return int(atomic.LoadInt64(&h.clientCount))
}

// DroppedMessages возвращает число сообщений, отброшенных из-за
// переполнения очереди рассылки
func (h *Hub) DroppedMessages() int64 {
	return atomic.LoadInt64(&h.dropped)
}
