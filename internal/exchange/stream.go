package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradedesk/internal/monitoring"
	"tradedesk/pkg/crypto"
	"tradedesk/pkg/errs"
	"tradedesk/pkg/utils"
)

// Количество последних ошибок, хранимых для Status()
const maxRecentErrors = 10

// Разброс задержки переподключения (±20%)
const reconnectJitter = 0.2

// StreamConfig конфигурация WebSocket соединения с биржей
type StreamConfig struct {
	// URL потока (wss://...)
	URL string

	// Учетные данные для приватных каналов. Пустые = публичный режим.
	APIKey    string
	APISecret string

	// ConnectTimeout - таймаут рукопожатия
	// По умолчанию: 10s
	ConnectTimeout time.Duration

	// HeartbeatInterval - интервал отправки ping
	// По умолчанию: 25s
	HeartbeatInterval time.Duration

	// HeartbeatTimeout - тишина, после которой соединение считается мертвым
	// По умолчанию: 45s
	HeartbeatTimeout time.Duration

	// ReconnectInitialDelay - начальная задержка переподключения
	// По умолчанию: 1s
	ReconnectInitialDelay time.Duration

	// ReconnectMaxDelay - потолок экспоненциального backoff
	// По умолчанию: 30s
	ReconnectMaxDelay time.Duration

	// ReconnectMaxAttempts - лимит последовательных попыток (0 = без лимита)
	ReconnectMaxAttempts int

	// WriteTimeout - таймаут записи кадра
	// По умолчанию: 10s
	WriteTimeout time.Duration

	// PongWait - дедлайн чтения, сбрасываемый каждым входящим кадром
	// По умолчанию: 60s
	PongWait time.Duration

	// AuthTimeout - ожидание ответа на кадр аутентификации
	// По умолчанию: 10s
	AuthTimeout time.Duration

	// EventBuffer - размер буфера доставки событий
	// По умолчанию: 256
	EventBuffer int
}

// validate устанавливает значения по умолчанию
func (c *StreamConfig) validate() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}

// ============================================================
// События потока
// ============================================================

// EventType тип события потока
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventMessage     EventType = "message"
	EventError       EventType = "error"
)

// Event событие потока: смена состояния, сообщение или ошибка
type Event struct {
	Type    EventType
	State   ConnState
	Message *Message
	Err     error
	At      time.Time
}

// Status снимок состояния соединения для дашборда
type Status struct {
	State             string              `json:"state"`
	URL               string              `json:"url"`
	ConnectedSince    *time.Time          `json:"connected_since,omitempty"`
	LastHeartbeat     *time.Time          `json:"last_heartbeat,omitempty"`
	ReconnectAttempts int                 `json:"reconnect_attempts"`
	TotalReconnects   int64               `json:"total_reconnects"`
	UnknownMessages   int64               `json:"unknown_messages"`
	DroppedEvents     int64               `json:"dropped_events"`
	RecentErrors      []string            `json:"recent_errors"`
	Subscriptions     map[string][]string `json:"subscriptions"`
}

// ============================================================
// ConnectionManager
// ============================================================

// ConnectionManager управляет WebSocket соединением с биржей
//
// Назначение:
// Обеспечивает живой поток рыночных данных: автоматическое
// переподключение с exponential backoff и jitter, аутентификация
// для приватных каналов, heartbeat watchdog и восстановление
// подписок после каждого переподключения.
//
// Функции:
// - Машина состояний соединения с контролем допустимых переходов
// - Книга подписок, переживающая переподключения
// - Классификация кодов закрытия и решение о переподключении
// - Типизированные события для подписчиков (OnEvent)
//
// Использование:
// 1. Создать manager: NewConnectionManager(cfg, logger)
// 2. Подписаться на события: dispose := m.OnEvent(fn)
// 3. Подключиться: m.Connect(ctx)
// 4. Управлять подписками: m.Subscribe / m.Unsubscribe
// 5. Закрыть: m.Close()
type ConnectionManager struct {
	cfg    StreamConfig
	logger *utils.Logger

	// WebSocket соединение
	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex // gorilla допускает только одного писателя

	// Состояние (atomic ConnState)
	state int32

	// Книга подписок
	book *subscriptionBook

	// Доставка событий
	events      chan Event
	subscribers map[int]func(Event)
	nextSubID   int
	subsMu      sync.RWMutex

	// Счетчики (atomic)
	reconnectAttempts int32
	totalReconnects   int64
	unknownMessages   int64
	droppedEvents     int64
	lastHeartbeat     int64 // unix nano
	connectedAt       int64 // unix nano

	// Последние ошибки для Status()
	recentErrors []string
	errMu        sync.Mutex

	closeChan chan struct{}
	closeOnce sync.Once
}

// NewConnectionManager создает менеджер соединения. URL проверяется
// при Connect, не здесь.
func NewConnectionManager(cfg StreamConfig, logger *utils.Logger) *ConnectionManager {
	cfg.validate()
	if logger == nil {
		logger = utils.Nop()
	}
	m := &ConnectionManager{
		cfg:         cfg,
		logger:      logger.WithComponent("stream"),
		book:        newSubscriptionBook(),
		events:      make(chan Event, cfg.EventBuffer),
		subscribers: make(map[int]func(Event)),
		closeChan:   make(chan struct{}),
	}
	go m.deliverLoop()
	return m
}

// State возвращает текущее состояние соединения
func (m *ConnectionManager) State() ConnState {
	return ConnState(atomic.LoadInt32(&m.state))
}

// IsConnected сообщает, пригодно ли соединение для данных
func (m *ConnectionManager) IsConnected() bool {
	return m.isLive()
}

func (m *ConnectionManager) isLive() bool {
	s := m.State()
	return s == StateConnected || s == StateAuthenticated
}

// LastHeartbeat возвращает время последнего входящего кадра
func (m *ConnectionManager) LastHeartbeat() time.Time {
	nano := atomic.LoadInt64(&m.lastHeartbeat)
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// Subscriptions возвращает копию книги подписок
func (m *ConnectionManager) Subscriptions() map[string][]string {
	return m.book.snapshot()
}

// Status возвращает снимок состояния для дашборда
func (m *ConnectionManager) Status() Status {
	st := Status{
		State:             m.State().String(),
		URL:               m.cfg.URL,
		ReconnectAttempts: int(atomic.LoadInt32(&m.reconnectAttempts)),
		TotalReconnects:   atomic.LoadInt64(&m.totalReconnects),
		UnknownMessages:   atomic.LoadInt64(&m.unknownMessages),
		DroppedEvents:     atomic.LoadInt64(&m.droppedEvents),
		Subscriptions:     m.book.snapshot(),
	}
	if nano := atomic.LoadInt64(&m.connectedAt); nano > 0 {
		t := time.Unix(0, nano)
		st.ConnectedSince = &t
	}
	if hb := m.LastHeartbeat(); !hb.IsZero() {
		st.LastHeartbeat = &hb
	}
	m.errMu.Lock()
	st.RecentErrors = append([]string(nil), m.recentErrors...)
	m.errMu.Unlock()
	return st
}

// OnEvent регистрирует подписчика на события потока. Возвращает
// функцию отписки. Callbacks выполняются на выделенной горутине
// доставки: медленный подписчик не тормозит чтение сокета, но
// может терять самые старые события.
func (m *ConnectionManager) OnEvent(fn func(Event)) func() {
	m.subsMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subscribers, id)
		m.subsMu.Unlock()
	}
}

// ============================================================
// Подключение
// ============================================================

// Connect устанавливает соединение, проходит аутентификацию (если
// заданы учетные данные) и запускает фоновые горутины. Повторный
// вызов на уже открытом соединении - no-op.
//
// Сбой dial возвращает NetworkError и запускает цикл переподключения.
// Отказ аутентификации терминален: переподключение с теми же
// учетными данными не планируется.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	if err := utils.ValidateWSURL(m.cfg.URL); err != nil {
		return errs.NewValidationError(fmt.Sprintf("invalid stream URL: %v", err), "", "url")
	}

	select {
	case <-m.closeChan:
		return fmt.Errorf("connection manager is closed")
	default:
	}

	if !atomic.CompareAndSwapInt32(&m.state, int32(StateDisconnected), int32(StateConnecting)) {
		switch m.State() {
		case StateConnected, StateAuthenticated:
			return nil
		}
		return fmt.Errorf("connect called in state %s", m.State())
	}
	m.afterTransition(StateDisconnected, StateConnecting)

	conn, err := m.dial(ctx)
	if err != nil {
		m.recordError(err)
		m.setState(StateReconnecting)
		go m.reconnectLoop()
		return err
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	m.setState(StateConnected)

	if herr := m.handshake(conn); herr != nil {
		m.teardownConn(conn)
		m.recordError(herr)
		var authErr *errs.AuthenticationError
		if errors.As(herr, &authErr) {
			m.setState(StateDisconnected)
			return herr
		}
		if m.setState(StateReconnecting) {
			go m.reconnectLoop()
		}
		return herr
	}

	atomic.StoreInt32(&m.reconnectAttempts, 0)
	m.markConnected()
	m.startPumps(conn)
	m.logger.Info("stream connected", utils.String("url", m.cfg.URL))
	return nil
}

// dial выполняет WebSocket рукопожатие
func (m *ConnectionManager) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.ConnectTimeout}
	conn, resp, err := dialer.DialContext(dctx, m.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, errs.NewNetworkError(
				fmt.Sprintf("websocket dial failed with status %d", resp.StatusCode), "", err)
		}
		return nil, errs.NewNetworkError("websocket dial failed", "", err)
	}
	return conn, nil
}

// handshake включает heartbeat, проходит аутентификацию и
// восстанавливает подписки
func (m *ConnectionManager) handshake(conn *websocket.Conn) error {
	if err := m.writeFrame(conn, controlFrame{Type: "enable_heartbeat"}); err != nil {
		return errs.NewNetworkError("enabling heartbeat failed", "", err)
	}

	if m.cfg.APIKey == "" || m.cfg.APISecret == "" {
		// Публичный режим: приватные каналы недоступны
		return m.replaySubscriptions(conn)
	}

	m.setState(StateAuthenticating)

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	frame := authFrame{
		Type: "auth",
		Payload: authPayload{
			APIKey:    m.cfg.APIKey,
			Signature: crypto.SignWebSocketAuth(m.cfg.APISecret, timestamp),
			Timestamp: timestamp,
		},
	}
	if err := m.writeFrame(conn, frame); err != nil {
		return errs.NewNetworkError("sending auth frame failed", "", err)
	}

	if err := m.awaitAuthResult(conn); err != nil {
		return err
	}
	m.setState(StateAuthenticated)
	m.logger.Info("stream authenticated")
	return m.replaySubscriptions(conn)
}

// awaitAuthResult синхронно ждет ответ биржи на кадр аутентификации.
// Кадры других типов, пришедшие раньше ответа, обрабатываются как обычно.
func (m *ConnectionManager) awaitAuthResult(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(m.cfg.AuthTimeout)); err != nil {
		return errs.NewNetworkError("setting auth deadline failed", "", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return errs.NewAuthenticationError(
					fmt.Sprintf("no auth response within %s", m.cfg.AuthTimeout), "", err)
			}
			return errs.NewNetworkError("reading auth response failed", "", err)
		}
		m.touchHeartbeat()

		msg, perr := parseMessage(raw)
		if perr != nil {
			atomic.AddInt64(&m.unknownMessages, 1)
			continue
		}

		switch msg.Type {
		case MsgTypeAuth:
			result, aerr := msg.AsAuthResult()
			if aerr != nil {
				return errs.NewAuthenticationError("undecodable auth response", "", aerr)
			}
			if !result.Success {
				reason := result.Message
				if reason == "" {
					reason = "exchange rejected credentials"
				}
				return errs.NewAuthenticationError(reason, "", nil)
			}
			return nil
		case MsgTypeError:
			ef, ferr := msg.AsErrorFrame()
			if ferr != nil {
				return errs.NewAuthenticationError("auth rejected", "", ferr)
			}
			return errs.NewAuthenticationError(
				fmt.Sprintf("auth rejected: %s", ef.Message), "", nil)
		default:
			m.handleFrame(msg)
		}
	}
}

// replaySubscriptions отправляет книгу подписок одним кадром
// в порядке исходной регистрации каналов
func (m *ConnectionManager) replaySubscriptions(conn *websocket.Conn) error {
	channels := m.book.replayChannels()
	if len(channels) == 0 {
		return nil
	}
	frame := subscribeFrame{Type: "subscribe", Payload: channelsPayload{Channels: channels}}
	if err := m.writeFrame(conn, frame); err != nil {
		return errs.NewNetworkError("replaying subscriptions failed", "", err)
	}
	m.logger.Info("subscriptions replayed", utils.Int("channels", len(channels)))
	return nil
}

// ============================================================
// Подписки
// ============================================================

// Subscribe подписывает на канал. Сначала обновляется книга, затем
// отправляется кадр, если соединение живо: если нет, книга
// гарантирует отправку после подключения. Повторная подписка на
// уже подписанные символы - no-op.
func (m *ConnectionManager) Subscribe(channel string, symbols []string) error {
	added, changed, err := m.book.subscribe(channel, symbols)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	conn := m.currentConn()
	if conn == nil || !m.isLive() {
		return nil
	}
	frame := subscribeFrame{
		Type:    "subscribe",
		Payload: channelsPayload{Channels: []channelPayload{{Name: channel, Symbols: added}}},
	}
	if werr := m.writeFrame(conn, frame); werr != nil {
		return errs.NewNetworkError("subscribe frame failed", "", werr)
	}
	m.logger.Info("subscribed", utils.Channel(channel), utils.Int("symbols", len(added)))
	return nil
}

// Unsubscribe отписывает от символов канала. Пустой список означает
// отписку от всего канала. Отписка от неподписанного - no-op.
func (m *ConnectionManager) Unsubscribe(channel string, symbols []string) error {
	removed, droppedChannel, changed, err := m.book.unsubscribe(channel, symbols)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	conn := m.currentConn()
	if conn == nil || !m.isLive() {
		return nil
	}
	payload := channelPayload{Name: channel}
	if !droppedChannel {
		payload.Symbols = removed
	}
	frame := subscribeFrame{
		Type:    "unsubscribe",
		Payload: channelsPayload{Channels: []channelPayload{payload}},
	}
	if werr := m.writeFrame(conn, frame); werr != nil {
		return errs.NewNetworkError("unsubscribe frame failed", "", werr)
	}
	m.logger.Info("unsubscribed", utils.Channel(channel))
	return nil
}

// ============================================================
// Фоновые горутины
// ============================================================

func (m *ConnectionManager) startPumps(conn *websocket.Conn) {
	go m.readPump(conn)
	go m.pingPump(conn)
	go m.watchdog(conn)
}

// readPump читает кадры до разрыва соединения
func (m *ConnectionManager) readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		m.touchHeartbeat()
		return conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})

	for {
		select {
		case <-m.closeChan:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}
		m.touchHeartbeat()
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))

		msg, perr := parseMessage(raw)
		if perr != nil {
			atomic.AddInt64(&m.unknownMessages, 1)
			m.logger.Debug("undecodable frame", utils.Err(perr))
			continue
		}
		m.handleFrame(msg)
	}
}

// handleFrame диспетчеризует входящий кадр по типу
func (m *ConnectionManager) handleFrame(msg *Message) {
	monitoring.RecordWSMessage(msg.Type)

	switch msg.Type {
	case MsgTypeTickerV2, MsgTypeTicker, MsgTypeOrderBookL1, MsgTypeOrderBookL2,
		MsgTypeL2Update, MsgTypeTrade, MsgTypeFundingRate, MsgTypeMarkPrice:
		m.emit(Event{Type: EventMessage, Message: msg, At: time.Now()})
	case MsgTypeHeartbeat:
		m.touchHeartbeat()
	case MsgTypeSubscription:
		m.logger.Debug("subscription ack received")
	case MsgTypeAuth:
		m.logger.Debug("auth frame outside handshake")
	case MsgTypeError:
		ef, err := msg.AsErrorFrame()
		if err != nil {
			m.logger.Warn("undecodable error frame", utils.Err(err))
			return
		}
		m.logger.Warn("stream error frame",
			utils.String("code", ef.Code), utils.String("message", ef.Message))
		m.recordError(errs.NewAPIError(
			fmt.Sprintf("stream error %s: %s", ef.Code, ef.Message), "", 0, nil))
	default:
		atomic.AddInt64(&m.unknownMessages, 1)
		m.logger.Debug("unknown message type", utils.String("type", msg.Type))
	}
}

// pingPump шлет ping каждые HeartbeatInterval
func (m *ConnectionManager) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeChan:
			return
		case <-ticker.C:
			if m.currentConn() != conn {
				return
			}
			deadline := time.Now().Add(m.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.logger.Warn("ping failed", utils.Err(err))
				m.handleDisconnect(conn, err)
				return
			}
		}
	}
}

// watchdog принудительно рвет соединение при тишине дольше
// HeartbeatTimeout
func (m *ConnectionManager) watchdog(conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeChan:
			return
		case <-ticker.C:
			if m.currentConn() != conn {
				return
			}
			last := m.LastHeartbeat()
			if last.IsZero() {
				continue
			}
			silence := time.Since(last)
			if silence > m.cfg.HeartbeatTimeout {
				m.logger.Warn("heartbeat timeout, forcing reconnect",
					utils.Duration("silence", silence))
				m.handleDisconnect(conn, errs.NewNetworkError(
					fmt.Sprintf("no heartbeat for %s", silence.Round(time.Second)), "", nil))
				return
			}
		}
	}
}

// deliverLoop доставляет события подписчикам
func (m *ConnectionManager) deliverLoop() {
	for {
		select {
		case <-m.closeChan:
			return
		case ev := <-m.events:
			m.subsMu.RLock()
			handlers := make([]func(Event), 0, len(m.subscribers))
			for _, fn := range m.subscribers {
				handlers = append(handlers, fn)
			}
			m.subsMu.RUnlock()
			for _, fn := range handlers {
				fn(ev)
			}
		}
	}
}

// emit кладет событие в буфер доставки. При переполнении вытесняется
// самое старое событие: пишущая горутина не блокируется никогда.
func (m *ConnectionManager) emit(ev Event) {
	select {
	case m.events <- ev:
		return
	default:
	}

	select {
	case <-m.events:
		atomic.AddInt64(&m.droppedEvents, 1)
		monitoring.RecordWSDroppedEvent()
	default:
	}
	select {
	case m.events <- ev:
	default:
		atomic.AddInt64(&m.droppedEvents, 1)
		monitoring.RecordWSDroppedEvent()
	}
}

// ============================================================
// Разрыв и переподключение
// ============================================================

// handleDisconnect обрабатывает разрыв: классифицирует код закрытия
// и решает, переподключаться ли. Вызовы от устаревших горутин
// (соединение уже сменилось) игнорируются.
func (m *ConnectionManager) handleDisconnect(conn *websocket.Conn, err error) {
	select {
	case <-m.closeChan:
		return
	default:
	}

	m.connMu.Lock()
	if m.conn != conn {
		m.connMu.Unlock()
		return
	}
	m.conn = nil
	m.connMu.Unlock()
	conn.Close()

	code := websocket.CloseAbnormalClosure
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}
	reason := ClassifyClose(code, false)

	if err != nil {
		m.recordError(err)
	}
	m.logger.Warn("connection lost",
		utils.Int("code", reason.Code),
		utils.String("category", string(reason.Category)),
		utils.Bool("reconnect", reason.Reconnect),
		utils.Err(err))

	if !reason.Reconnect {
		m.setState(StateDisconnected)
		return
	}
	if m.setState(StateReconnecting) {
		go m.reconnectLoop()
	}
}

// reconnectLoop переподключается с exponential backoff и jitter.
// Отказ аутентификации останавливает цикл: повтор с теми же
// учетными данными даст тот же отказ.
func (m *ConnectionManager) reconnectLoop() {
	delay := m.cfg.ReconnectInitialDelay

	for {
		select {
		case <-m.closeChan:
			return
		default:
		}

		attempt := int(atomic.AddInt32(&m.reconnectAttempts, 1))
		if m.cfg.ReconnectMaxAttempts > 0 && attempt > m.cfg.ReconnectMaxAttempts {
			m.logger.Error("reconnect attempts exhausted",
				utils.Int("attempts", m.cfg.ReconnectMaxAttempts))
			m.recordError(errs.NewNetworkError(
				fmt.Sprintf("reconnect attempts exhausted after %d tries", m.cfg.ReconnectMaxAttempts), "", nil))
			m.setState(StateDisconnected)
			return
		}

		wait := withJitter(delay)
		m.logger.Info("reconnecting",
			utils.Attempt(attempt),
			utils.Int("max_attempts", m.cfg.ReconnectMaxAttempts),
			utils.Duration("delay", wait))

		select {
		case <-m.closeChan:
			return
		case <-time.After(wait):
		}

		monitoring.RecordWSReconnect()
		if !m.setState(StateConnecting) {
			return
		}

		conn, err := m.dial(context.Background())
		if err != nil {
			m.recordError(err)
			m.setState(StateReconnecting)
			delay = nextReconnectDelay(delay, m.cfg.ReconnectMaxDelay)
			continue
		}

		m.connMu.Lock()
		m.conn = conn
		m.connMu.Unlock()
		m.setState(StateConnected)

		if herr := m.handshake(conn); herr != nil {
			m.teardownConn(conn)
			m.recordError(herr)
			var authErr *errs.AuthenticationError
			if errors.As(herr, &authErr) {
				m.logger.Error("authentication rejected during reconnect", utils.Err(herr))
				m.setState(StateDisconnected)
				return
			}
			m.setState(StateReconnecting)
			delay = nextReconnectDelay(delay, m.cfg.ReconnectMaxDelay)
			continue
		}

		atomic.StoreInt32(&m.reconnectAttempts, 0)
		atomic.AddInt64(&m.totalReconnects, 1)
		m.markConnected()
		m.startPumps(conn)
		m.logger.Info("stream reconnected", utils.String("url", m.cfg.URL))
		return
	}
}

// Close закрывает соединение кадром 1000 и останавливает все горутины.
// После Close менеджер не переподключается.
func (m *ConnectionManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.setState(StateClosed)
		close(m.closeChan)

		m.connMu.Lock()
		conn := m.conn
		m.conn = nil
		m.connMu.Unlock()

		if conn != nil {
			deadline := time.Now().Add(m.cfg.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			err = conn.Close()
		}
		m.logger.Info("stream closed")
	})
	return err
}

// ============================================================
// Внутренние помощники
// ============================================================

// setState переводит состояние в to с контролем допустимости перехода.
// Недопустимый переход - ошибка программирования: логируется и
// игнорируется. Возвращает true, если переход выполнен.
func (m *ConnectionManager) setState(to ConnState) bool {
	for {
		cur := m.State()
		if cur == to {
			return false
		}
		if !CanTransition(cur, to) {
			m.logger.Error("invalid connection state transition",
				utils.String("from", cur.String()), utils.String("to", to.String()))
			return false
		}
		if atomic.CompareAndSwapInt32(&m.state, int32(cur), int32(to)) {
			m.afterTransition(cur, to)
			return true
		}
	}
}

func (m *ConnectionManager) afterTransition(from, to ConnState) {
	monitoring.SetWSState(int(to))
	m.logger.Info("connection state changed",
		utils.String("from", from.String()), utils.State(to.String()))
	m.emit(Event{Type: EventStateChange, State: to, At: time.Now()})
}

func (m *ConnectionManager) currentConn() *websocket.Conn {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.conn
}

// teardownConn закрывает соединение, если оно все еще текущее
func (m *ConnectionManager) teardownConn(conn *websocket.Conn) {
	m.connMu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.connMu.Unlock()
	conn.Close()
}

// writeFrame сериализует и пишет кадр под мьютексом записи
func (m *ConnectionManager) writeFrame(conn *websocket.Conn, v interface{}) error {
	data, err := jsonWire.Marshal(v)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *ConnectionManager) touchHeartbeat() {
	atomic.StoreInt64(&m.lastHeartbeat, time.Now().UnixNano())
}

func (m *ConnectionManager) markConnected() {
	atomic.StoreInt64(&m.connectedAt, time.Now().UnixNano())
	m.touchHeartbeat()
}

// recordError добавляет ошибку в кольцо последних ошибок и публикует
// событие EventError
func (m *ConnectionManager) recordError(err error) {
	if err == nil {
		return
	}
	m.errMu.Lock()
	m.recentErrors = append(m.recentErrors,
		time.Now().UTC().Format(time.RFC3339)+" "+err.Error())
	if len(m.recentErrors) > maxRecentErrors {
		m.recentErrors = m.recentErrors[len(m.recentErrors)-maxRecentErrors:]
	}
	m.errMu.Unlock()
	m.emit(Event{Type: EventError, Err: err, At: time.Now()})
}

// withJitter добавляет ±20% случайного разброса к задержке
func withJitter(d time.Duration) time.Duration {
	jitter := float64(d) * reconnectJitter * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}

func nextReconnectDelay(delay, max time.Duration) time.Duration {
	delay *= 2
	if delay > max {
		delay = max
	}
	return delay
}
