package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradedesk/pkg/crypto"
	"tradedesk/pkg/errs"
	"tradedesk/pkg/utils"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsTestServer поднимает WebSocket сервер; handler вызывается на каждое
// соединение в собственной горутине
func wsTestServer(t *testing.T, handler func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		handler(conn)
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// collectFrames читает кадры соединения в канал до ошибки чтения
func collectFrames(conn *websocket.Conn, frames chan<- map[string]interface{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]interface{}
		if json.Unmarshal(raw, &frame) == nil {
			frames <- frame
		}
	}
}

// awaitFrame ждет кадр заданного типа, пропуская остальные
func awaitFrame(t *testing.T, frames <-chan map[string]interface{}, frameType string) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-frames:
			if frame["type"] == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %q frame within 2s", frameType)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func framePayloadChannels(t *testing.T, frame map[string]interface{}) []map[string]interface{} {
	t.Helper()
	payload, ok := frame["payload"].(map[string]interface{})
	if !ok {
		t.Fatalf("frame %v has no payload object", frame)
	}
	raw, ok := payload["channels"].([]interface{})
	if !ok {
		t.Fatalf("payload %v has no channels array", payload)
	}
	channels := make([]map[string]interface{}, 0, len(raw))
	for _, rc := range raw {
		ch, ok := rc.(map[string]interface{})
		if !ok {
			t.Fatalf("channel entry %v is not an object", rc)
		}
		channels = append(channels, ch)
	}
	return channels
}

func channelSymbols(ch map[string]interface{}) []string {
	raw, _ := ch["symbols"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if str, ok := s.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func testStreamConfig(url string) StreamConfig {
	return StreamConfig{
		URL:                   url,
		ConnectTimeout:        2 * time.Second,
		HeartbeatInterval:     time.Second,
		HeartbeatTimeout:      5 * time.Second,
		ReconnectInitialDelay: 20 * time.Millisecond,
		ReconnectMaxDelay:     100 * time.Millisecond,
		WriteTimeout:          time.Second,
		PongWait:              5 * time.Second,
		AuthTimeout:           time.Second,
		EventBuffer:           64,
	}
}

func TestStreamConfig_Validate(t *testing.T) {
	var cfg StreamConfig
	cfg.validate()

	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", cfg.ConnectTimeout)
	}
	if cfg.HeartbeatInterval != 25*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 25s", cfg.HeartbeatInterval)
	}
	if cfg.HeartbeatTimeout != 45*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 45s", cfg.HeartbeatTimeout)
	}
	if cfg.PongWait != 60*time.Second {
		t.Errorf("PongWait = %v, want 60s", cfg.PongWait)
	}
	if cfg.EventBuffer != 256 {
		t.Errorf("EventBuffer = %d, want 256", cfg.EventBuffer)
	}

	// Таймаут тишины не может быть короче интервала ping
	short := StreamConfig{HeartbeatInterval: 40 * time.Second, HeartbeatTimeout: 30 * time.Second}
	short.validate()
	if short.HeartbeatTimeout != 80*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 80s (2x interval)", short.HeartbeatTimeout)
	}
}

func TestConnectionManager_Connect(t *testing.T) {
	frames := make(chan map[string]interface{}, 32)
	srv, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		collectFrames(conn, frames)
	})
	defer srv.Close()

	m := NewConnectionManager(testStreamConfig(wsURL), utils.Nop())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	awaitFrame(t, frames, "enable_heartbeat")

	if got := m.State(); got != StateConnected {
		t.Errorf("State() = %s, want connected", got)
	}
	if !m.IsConnected() {
		t.Error("IsConnected() = false after connect")
	}

	st := m.Status()
	if st.URL != wsURL {
		t.Errorf("Status().URL = %q, want %q", st.URL, wsURL)
	}
	if st.ConnectedSince == nil {
		t.Error("Status().ConnectedSince = nil after connect")
	}
	if st.LastHeartbeat == nil {
		t.Error("Status().LastHeartbeat = nil after connect")
	}
	if len(st.RecentErrors) != 0 {
		t.Errorf("Status().RecentErrors = %v, want empty", st.RecentErrors)
	}

	// Повторный Connect на живом соединении - no-op
	if err := m.Connect(context.Background()); err != nil {
		t.Errorf("second Connect() error = %v, want nil no-op", err)
	}
	if got := m.State(); got != StateConnected {
		t.Errorf("State() after repeated Connect = %s, want connected", got)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if got := m.State(); got != StateClosed {
		t.Errorf("State() after Close = %s, want closed", got)
	}
}

func TestConnectionManager_ConnectInvalidURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"https scheme", "https://stream.example.com"},
		{"plain ws to remote host", "ws://stream.example.com/live"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewConnectionManager(testStreamConfig(tt.url), utils.Nop())
			defer m.Close()

			err := m.Connect(context.Background())
			var valErr *errs.ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("Connect() error = %T (%v), want *errs.ValidationError", err, err)
			}
			if got := m.State(); got != StateDisconnected {
				t.Errorf("State() = %s, want disconnected", got)
			}
		})
	}
}

func TestConnectionManager_ConnectAfterClose(t *testing.T) {
	m := NewConnectionManager(testStreamConfig("ws://127.0.0.1:9/live"), utils.Nop())
	m.Close()

	err := m.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("Connect() after Close error = %v, want closed manager error", err)
	}
}

func TestConnectionManager_DialFailureExhaustsAttempts(t *testing.T) {
	cfg := testStreamConfig("ws://127.0.0.1:1/live")
	cfg.ReconnectMaxAttempts = 2
	cfg.ReconnectInitialDelay = 10 * time.Millisecond

	m := NewConnectionManager(cfg, utils.Nop())
	defer m.Close()

	err := m.Connect(context.Background())
	if got := errs.CodeOf(err); got != errs.CodeNetwork {
		t.Fatalf("Connect() error code = %q, want %q", got, errs.CodeNetwork)
	}

	// Цикл переподключения исчерпывает лимит и останавливается
	waitFor(t, "disconnected state", func() bool { return m.State() == StateDisconnected })

	st := m.Status()
	if len(st.RecentErrors) == 0 {
		t.Error("Status().RecentErrors is empty after dial failures")
	}
	if st.TotalReconnects != 0 {
		t.Errorf("TotalReconnects = %d, want 0 (no attempt succeeded)", st.TotalReconnects)
	}
}

func TestConnectionManager_AuthHandshake(t *testing.T) {
	const secret = "stream-secret-0123456789"
	frames := make(chan map[string]interface{}, 32)
	srv, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]interface{}
			if json.Unmarshal(raw, &frame) != nil {
				continue
			}
			frames <- frame
			if frame["type"] == "auth" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"auth","success":true}`))
			}
		}
	})
	defer srv.Close()

	cfg := testStreamConfig(wsURL)
	cfg.APIKey = "stream-key"
	cfg.APISecret = secret

	m := NewConnectionManager(cfg, utils.Nop())
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := m.State(); got != StateAuthenticated {
		t.Errorf("State() = %s, want authenticated", got)
	}

	frame := awaitFrame(t, frames, "auth")
	payload, ok := frame["payload"].(map[string]interface{})
	if !ok {
		t.Fatalf("auth frame %v has no payload", frame)
	}
	if payload["api-key"] != "stream-key" {
		t.Errorf("api-key = %v, want stream-key", payload["api-key"])
	}
	ts, _ := payload["timestamp"].(string)
	sig, _ := payload["signature"].(string)
	if want := crypto.SignWebSocketAuth(secret, ts); sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}
}

func TestConnectionManager_AuthRejectedIsTerminal(t *testing.T) {
	var connCount int32
	srv, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		atomic.AddInt32(&connCount, 1)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]interface{}
			if json.Unmarshal(raw, &frame) != nil {
				continue
			}
			if frame["type"] == "auth" {
				_ = conn.WriteMessage(websocket.TextMessage,
					[]byte(`{"type":"auth","success":false,"message":"invalid api key"}`))
			}
		}
	})
	defer srv.Close()

	cfg := testStreamConfig(wsURL)
	cfg.APIKey = "bad-key"
	cfg.APISecret = "bad-secret-0123456789"

	m := NewConnectionManager(cfg, utils.Nop())
	defer m.Close()

	err := m.Connect(context.Background())
	var authErr *errs.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Connect() error = %T (%v), want *errs.AuthenticationError", err, err)
	}
	if !strings.Contains(err.Error(), "invalid api key") {
		t.Errorf("error %q does not carry the exchange reason", err)
	}

	// Отказ терминален: переподключение с теми же ключами не планируется
	time.Sleep(100 * time.Millisecond)
	if got := m.State(); got != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", got)
	}
	if n := atomic.LoadInt32(&connCount); n != 1 {
		t.Errorf("connections = %d, want 1 (no reconnect after auth rejection)", n)
	}
}

func TestConnectionManager_AuthTimeout(t *testing.T) {
	frames := make(chan map[string]interface{}, 32)
	srv, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		// Сервер молчит в ответ на auth
		collectFrames(conn, frames)
	})
	defer srv.Close()

	cfg := testStreamConfig(wsURL)
	cfg.APIKey = "stream-key"
	cfg.APISecret = "stream-secret-0123456789"
	cfg.AuthTimeout = 100 * time.Millisecond

	m := NewConnectionManager(cfg, utils.Nop())
	defer m.Close()

	err := m.Connect(context.Background())
	var authErr *errs.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Connect() error = %T (%v), want *errs.AuthenticationError", err, err)
	}
	if !strings.Contains(err.Error(), "no auth response") {
		t.Errorf("error %q does not mention the missing response", err)
	}
	awaitFrame(t, frames, "auth")
	if got := m.State(); got != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", got)
	}
}

func TestConnectionManager_SubscribeFrames(t *testing.T) {
	frames := make(chan map[string]interface{}, 32)
	srv, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		collectFrames(conn, frames)
	})
	defer srv.Close()

	m := NewConnectionManager(testStreamConfig(wsURL), utils.Nop())
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	awaitFrame(t, frames, "enable_heartbeat")

	if err := m.Subscribe(ChannelTickerV2, []string{"btc-usdt", "ETHUSDT"}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	frame := awaitFrame(t, frames, "subscribe")
	channels := framePayloadChannels(t, frame)
	if len(channels) != 1 || channels[0]["name"] != ChannelTickerV2 {
		t.Fatalf("subscribe channels = %v, want single v2/ticker", channels)
	}
	if got := channelSymbols(channels[0]); len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Errorf("symbols = %v, want normalized [BTCUSDT ETHUSDT]", got)
	}

	// Повторная подписка не шлет кадр: следующий кадр на сервере -
	// это отписка ниже
	if err := m.Subscribe(ChannelTickerV2, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("duplicate Subscribe() error = %v", err)
	}
	if err := m.Unsubscribe(ChannelTickerV2, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	select {
	case frame = <-frames:
		if frame["type"] != "unsubscribe" {
			t.Fatalf("next frame type = %v, want unsubscribe", frame["type"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no unsubscribe frame within 2s")
	}
	channels = framePayloadChannels(t, frame)
	if got := channelSymbols(channels[0]); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Errorf("unsubscribe symbols = %v, want [BTCUSDT]", got)
	}

	// Снятие канала целиком идет кадром без символов
	if err := m.Unsubscribe(ChannelTickerV2, nil); err != nil {
		t.Fatalf("Unsubscribe(nil) error = %v", err)
	}
	frame = awaitFrame(t, frames, "unsubscribe")
	channels = framePayloadChannels(t, frame)
	if _, hasSymbols := channels[0]["symbols"]; hasSymbols {
		t.Errorf("channel drop frame carries symbols: %v", channels[0])
	}
	if m.book.size() != 0 {
		t.Errorf("book size = %d, want 0", m.book.size())
	}
}

func TestConnectionManager_SubscribeBeforeConnect(t *testing.T) {
	frames := make(chan map[string]interface{}, 32)
	srv, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		collectFrames(conn, frames)
	})
	defer srv.Close()

	m := NewConnectionManager(testStreamConfig(wsURL), utils.Nop())
	defer m.Close()

	// Книга принимает подписки до подключения
	if err := m.Subscribe(ChannelTickerV2, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("Subscribe() before connect error = %v", err)
	}
	if err := m.Subscribe(ChannelAllTrades, []string{SymbolAll}); err != nil {
		t.Fatalf("Subscribe() before connect error = %v", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	frame := awaitFrame(t, frames, "subscribe")
	channels := framePayloadChannels(t, frame)
	if len(channels) != 2 {
		t.Fatalf("replay channels = %d, want 2", len(channels))
	}
	if channels[0]["name"] != ChannelTickerV2 || channels[1]["name"] != ChannelAllTrades {
		t.Errorf("replay order = [%v %v], want registration order", channels[0]["name"], channels[1]["name"])
	}
	if got := channelSymbols(channels[1]); len(got) != 1 || got[0] != SymbolAll {
		t.Errorf("all_trades symbols = %v, want [all]", got)
	}
}

func TestConnectionManager_ReconnectAfterServerClose(t *testing.T) {
	frames := make(chan map[string]interface{}, 64)
	var connCount int32
	srv, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if atomic.AddInt32(&connCount, 1) == 1 {
			// Первое соединение: дождаться подписки и закрыть 1012
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var frame map[string]interface{}
				if json.Unmarshal(raw, &frame) != nil {
					continue
				}
				frames <- frame
				if frame["type"] == "subscribe" {
					break
				}
			}
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseServiceRestart, "restart"), deadline)
			return
		}
		collectFrames(conn, frames)
	})
	defer srv.Close()

	m := NewConnectionManager(testStreamConfig(wsURL), utils.Nop())
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Subscribe(ChannelTickerV2, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	awaitFrame(t, frames, "subscribe")

	// Код 1012 означает рестарт сервера: менеджер переподключается
	// и восстанавливает подписки
	waitFor(t, "second connection", func() bool { return atomic.LoadInt32(&connCount) == 2 })
	waitFor(t, "live state", m.IsConnected)

	replay := awaitFrame(t, frames, "subscribe")
	channels := framePayloadChannels(t, replay)
	if len(channels) != 1 || channels[0]["name"] != ChannelTickerV2 {
		t.Fatalf("replayed channels = %v, want v2/ticker", channels)
	}
	if got := channelSymbols(channels[0]); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Errorf("replayed symbols = %v, want [BTCUSDT]", got)
	}
	if got := m.Status().TotalReconnects; got != 1 {
		t.Errorf("TotalReconnects = %d, want 1", got)
	}
}

func TestConnectionManager_PolicyCloseStopsReconnect(t *testing.T) {
	var connCount int32
	srv, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		atomic.AddInt32(&connCount, 1)
		// Прочитали первый кадр и закрыли кодом политики
		_, _, _ = conn.ReadMessage()
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "policy violation"), deadline)
	})
	defer srv.Close()

	m := NewConnectionManager(testStreamConfig(wsURL), utils.Nop())
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "disconnected state", func() bool { return m.State() == StateDisconnected })

	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&connCount); n != 1 {
		t.Errorf("connections = %d, want 1 (4001 must not trigger reconnect)", n)
	}
	if got := m.Status().TotalReconnects; got != 0 {
		t.Errorf("TotalReconnects = %d, want 0", got)
	}
}

func TestConnectionManager_WatchdogForcesReconnect(t *testing.T) {
	conn1Hold := make(chan struct{})
	var connCount int32
	srv, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if atomic.AddInt32(&connCount, 1) == 1 {
			// Первое соединение молчит: ни кадров, ни ответов на ping
			<-conn1Hold
			return
		}
		// Второе соединение шлет heartbeat, чтобы watchdog успокоился
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				hb := fmt.Sprintf(`{"type":"heartbeat","timestamp":%d}`, time.Now().UnixMilli())
				if conn.WriteMessage(websocket.TextMessage, []byte(hb)) != nil {
					return
				}
			}
		}
	})
	defer srv.Close()
	defer close(conn1Hold)

	cfg := testStreamConfig(wsURL)
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.HeartbeatTimeout = 60 * time.Millisecond

	m := NewConnectionManager(cfg, utils.Nop())
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "watchdog reconnect", func() bool { return atomic.LoadInt32(&connCount) == 2 })
	waitFor(t, "live state", m.IsConnected)

	st := m.Status()
	if st.TotalReconnects != 1 {
		t.Errorf("TotalReconnects = %d, want 1", st.TotalReconnects)
	}
	found := false
	for _, e := range st.RecentErrors {
		if strings.Contains(e, "no heartbeat") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("RecentErrors = %v, want a heartbeat timeout entry", st.RecentErrors)
	}
}

func TestConnectionManager_EventsDelivered(t *testing.T) {
	const tickerFrame = `{"type":"v2_ticker","symbol":"BTCUSDT","close":"50000","open":"49000","timestamp":1700000000000}`
	srv, wsURL := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(tickerFrame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	m := NewConnectionManager(testStreamConfig(wsURL), utils.Nop())
	defer m.Close()

	events := make(chan Event, 32)
	dispose := m.OnEvent(func(ev Event) { events <- ev })
	defer dispose()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var sawConnected bool
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventStateChange && ev.State == StateConnected {
				sawConnected = true
				continue
			}
			if ev.Type != EventMessage {
				continue
			}
			if !sawConnected {
				t.Error("message event arrived before connected state event")
			}
			ticker, err := ev.Message.AsTicker()
			if err != nil {
				t.Fatalf("AsTicker() error = %v", err)
			}
			if ticker.Symbol != "BTCUSDT" || ticker.Close != 50000 {
				t.Errorf("ticker = %+v, want BTCUSDT close 50000", ticker)
			}
			return
		case <-deadline:
			t.Fatal("no message event within 2s")
		}
	}
}

func TestConnectionManager_OnEventDispose(t *testing.T) {
	m := NewConnectionManager(testStreamConfig("ws://127.0.0.1:9/live"), utils.Nop())
	defer m.Close()

	received := make(chan Event, 8)
	dispose := m.OnEvent(func(ev Event) { received <- ev })

	m.emit(Event{Type: EventError, Err: fmt.Errorf("probe"), At: time.Now()})
	select {
	case ev := <-received:
		if ev.Type != EventError {
			t.Errorf("event type = %s, want error", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed handler received nothing")
	}

	dispose()
	m.emit(Event{Type: EventError, Err: fmt.Errorf("after dispose"), At: time.Now()})
	select {
	case ev := <-received:
		t.Errorf("disposed handler received %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectionManager_EmitDropsOldestWhenFull(t *testing.T) {
	cfg := testStreamConfig("ws://127.0.0.1:9/live")
	cfg.EventBuffer = 4

	m := NewConnectionManager(cfg, utils.Nop())
	defer m.Close()

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	m.OnEvent(func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	})

	// Первое событие занимает горутину доставки
	m.emit(Event{Type: EventError, Err: fmt.Errorf("e0"), At: time.Now()})
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("delivery goroutine never picked up the first event")
	}

	// Заполняем буфер и переливаем через край
	for i := 1; i <= cfg.EventBuffer+2; i++ {
		m.emit(Event{Type: EventError, Err: fmt.Errorf("e%d", i), At: time.Now()})
	}

	if got := m.Status().DroppedEvents; got != 2 {
		t.Errorf("DroppedEvents = %d, want 2", got)
	}
	close(block)
}

func TestWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	lo := time.Duration(float64(base) * (1 - reconnectJitter))
	hi := time.Duration(float64(base) * (1 + reconnectJitter))
	for i := 0; i < 100; i++ {
		got := withJitter(base)
		if got < lo || got > hi {
			t.Fatalf("withJitter(%v) = %v, want within [%v, %v]", base, got, lo, hi)
		}
	}
}

func TestNextReconnectDelay(t *testing.T) {
	tests := []struct {
		delay time.Duration
		max   time.Duration
		want  time.Duration
	}{
		{time.Second, 30 * time.Second, 2 * time.Second},
		{20 * time.Second, 30 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := nextReconnectDelay(tt.delay, tt.max); got != tt.want {
			t.Errorf("nextReconnectDelay(%v, %v) = %v, want %v", tt.delay, tt.max, got, tt.want)
		}
	}
}
