package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tradedesk/pkg/utils"
)

const (
	// Время ожидания записи сообщения
	writeWait = 10 * time.Second

	// Время ожидания между pong сообщениями
	pongWait = 60 * time.Second

	// Интервал отправки ping сообщений (должен быть меньше pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер входящего сообщения. Дашборд данные не шлет,
	// лимит защищает от злоупотребления каналом.
	maxMessageSize = 65536

	// Размер буфера отправки клиента. При переполнении hub отключает
	// клиента как не успевающего.
	clientSendBufferSize = 512
)

// OriginChecker проверяет Origin с O(1) поиском по map.
// Потокобезопасен для чтения после создания.
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

// NewOriginChecker строит проверку Origin по списку разрешенных
// источников. Пустой список или элемент "*" разрешают все источники.
func NewOriginChecker(origins []string) *OriginChecker {
	checker := &OriginChecker{
		allowedOrigins: make(map[string]struct{}),
	}
	if len(origins) == 0 {
		checker.allowAll = true
		return checker
	}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		switch {
		case origin == "*":
			checker.allowAll = true
		case origin != "":
			checker.allowedOrigins[origin] = struct{}{}
		}
	}
	return checker
}

// Check проверяет origin за O(1). Пустой Origin пропускается:
// его не шлют небраузерные клиенты (curl, мониторинг).
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" {
		return true
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}

var baseUpgrader = websocket.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: true,
}

// Client представляет одно WebSocket соединение дашборда
//
// Каждый клиент обслуживается двумя горутинами: readPump читает кадры
// (pong, close), writePump пишет сообщения из буферизованного канала.
// При ошибке любой из сторон клиент снимается с регистрации и
// соединение закрывается.
type Client struct {
	// WebSocket соединение
	conn *websocket.Conn

	// Hub которому принадлежит клиент
	hub *Hub

	// Буферизованный канал исходящих сообщений
	send chan []byte
}

// readPump читает кадры от клиента.
//
// Дашборд только слушает: полезная нагрузка входящих сообщений
// отбрасывается, чтение нужно для обработки pong и close кадров
// и контроля живости соединения.
func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				c.hub.logger.Warn("client read error", utils.Err(err))
			}
			return
		}
	}
}

// writePump отправляет сообщения клиенту.
//
// Читает из канала send и пишет в соединение, группируя накопившиеся
// сообщения в один кадр. Периодически шлет ping для контроля живости.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub закрыл канал
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Догружаем накопившиеся сообщения в тот же кадр
		drainLoop:
			for {
				select {
				case msg, ok := <-c.send:
					if !ok {
						break drainLoop
					}
					w.Write([]byte{'\n'})
					w.Write(msg)
				default:
					break drainLoop
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS обрабатывает WebSocket запросы дашборда.
//
// HTTP handler для endpoint'а /ws: апгрейдит соединение, регистрирует
// клиента в хабе и запускает его горутины.
//
// Использование в routes:
//
//	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//	    websocket.ServeWS(hub, w, r)
//	})
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	up := baseUpgrader
	up.CheckOrigin = func(r *http.Request) bool {
		return hub.checker.Check(r.Header.Get("Origin"))
	}

	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", utils.Err(err))
		return
	}

	client := &Client{
		conn: conn,
		hub:  hub,
		send: make(chan []byte, clientSendBufferSize),
	}

	select {
	case hub.register <- client:
	case <-hub.stopCh:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
