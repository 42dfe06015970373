package exchange

import (
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradedesk/pkg/utils"
)

// Горячий путь декодирования кадров: jsoniter с совместимой со stdlib конфигурацией
var jsonWire = jsoniter.ConfigCompatibleWithStandardLibrary

// Типы входящих кадров
const (
	MsgTypeTickerV2     = "v2_ticker"
	MsgTypeTicker       = "ticker"
	MsgTypeOrderBookL1  = "l1_orderbook"
	MsgTypeOrderBookL2  = "l2_orderbook"
	MsgTypeL2Update     = "l2_updates"
	MsgTypeTrade        = "all_trades"
	MsgTypeFundingRate  = "funding_rate"
	MsgTypeMarkPrice    = "mark_price"
	MsgTypeHeartbeat    = "heartbeat"
	MsgTypeAuth         = "auth"
	MsgTypeSubscription = "subscriptions"
	MsgTypeError        = "error"
)

// Message - входящий кадр потока: дискриминатор типа плюс сырое тело.
// Типизированные представления извлекаются методами As* по требованию,
// чтобы не декодировать поля, которые обработчику не нужны.
type Message struct {
	Type string
	Raw  []byte
}

// parseMessage извлекает дискриминатор типа из кадра
func parseMessage(data []byte) (*Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := jsonWire.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("frame without type discriminator")
	}
	return &Message{Type: head.Type, Raw: data}, nil
}

// parseDecimal разбирает десятичное число, закодированное строкой.
// Биржа передает цены и объемы строками, пустая строка означает
// отсутствие значения.
func parseDecimal(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// ============================================================
// Типизированные представления кадров
// ============================================================

// TickerUpdate обновление тикера (v2_ticker или ticker)
type TickerUpdate struct {
	Symbol        string
	Close         float64
	Open          float64
	High          float64
	Low           float64
	Volume        float64
	MarkPrice     float64
	ChangePercent float64 // производное: (close-open)/open*100, 0 если open отсутствует
	Timestamp     time.Time
}

// AsTicker декодирует кадр тикера
func (m *Message) AsTicker() (*TickerUpdate, error) {
	if m.Type != MsgTypeTickerV2 && m.Type != MsgTypeTicker {
		return nil, fmt.Errorf("frame type %q is not a ticker", m.Type)
	}
	var wire struct {
		Symbol    string `json:"symbol"`
		Close     string `json:"close"`
		Open      string `json:"open"`
		High      string `json:"high"`
		Low       string `json:"low"`
		Volume    string `json:"volume"`
		MarkPrice string `json:"mark_price"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := jsonWire.Unmarshal(m.Raw, &wire); err != nil {
		return nil, err
	}

	t := &TickerUpdate{Symbol: wire.Symbol, Timestamp: utils.FromExchangeTimestamp(wire.Timestamp)}
	var err error
	if t.Close, err = parseDecimal(wire.Close); err != nil {
		return nil, fmt.Errorf("bad close %q: %w", wire.Close, err)
	}
	if t.Open, err = parseDecimal(wire.Open); err != nil {
		return nil, fmt.Errorf("bad open %q: %w", wire.Open, err)
	}
	if t.High, err = parseDecimal(wire.High); err != nil {
		return nil, fmt.Errorf("bad high %q: %w", wire.High, err)
	}
	if t.Low, err = parseDecimal(wire.Low); err != nil {
		return nil, fmt.Errorf("bad low %q: %w", wire.Low, err)
	}
	if t.Volume, err = parseDecimal(wire.Volume); err != nil {
		return nil, fmt.Errorf("bad volume %q: %w", wire.Volume, err)
	}
	if t.MarkPrice, err = parseDecimal(wire.MarkPrice); err != nil {
		return nil, fmt.Errorf("bad mark_price %q: %w", wire.MarkPrice, err)
	}
	if t.Open > 0 && t.Close > 0 {
		t.ChangePercent = utils.PercentChange(t.Open, t.Close)
	}
	return t, nil
}

// OrderBookL1 лучшие цены стакана
type OrderBookL1 struct {
	Symbol     string
	BestBid    float64
	BestBidQty float64
	BestAsk    float64
	BestAskQty float64
	Timestamp  time.Time
}

// AsOrderBookL1 декодирует кадр верхушки стакана
func (m *Message) AsOrderBookL1() (*OrderBookL1, error) {
	if m.Type != MsgTypeOrderBookL1 {
		return nil, fmt.Errorf("frame type %q is not an l1 orderbook", m.Type)
	}
	var wire struct {
		Symbol     string `json:"symbol"`
		BestBid    string `json:"best_bid"`
		BestBidQty string `json:"best_bid_qty"`
		BestAsk    string `json:"best_ask"`
		BestAskQty string `json:"best_ask_qty"`
		Timestamp  int64  `json:"timestamp"`
	}
	if err := jsonWire.Unmarshal(m.Raw, &wire); err != nil {
		return nil, err
	}

	ob := &OrderBookL1{Symbol: wire.Symbol, Timestamp: utils.FromExchangeTimestamp(wire.Timestamp)}
	var err error
	if ob.BestBid, err = parseDecimal(wire.BestBid); err != nil {
		return nil, fmt.Errorf("bad best_bid %q: %w", wire.BestBid, err)
	}
	if ob.BestBidQty, err = parseDecimal(wire.BestBidQty); err != nil {
		return nil, fmt.Errorf("bad best_bid_qty %q: %w", wire.BestBidQty, err)
	}
	if ob.BestAsk, err = parseDecimal(wire.BestAsk); err != nil {
		return nil, fmt.Errorf("bad best_ask %q: %w", wire.BestAsk, err)
	}
	if ob.BestAskQty, err = parseDecimal(wire.BestAskQty); err != nil {
		return nil, fmt.Errorf("bad best_ask_qty %q: %w", wire.BestAskQty, err)
	}
	return ob, nil
}

// OrderBookL2 стакан с глубиной (снапшот l2_orderbook или дифф l2_updates)
type OrderBookL2 struct {
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

// BookLevel уровень цены в стакане
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// AsOrderBookL2 декодирует кадр стакана с глубиной
func (m *Message) AsOrderBookL2() (*OrderBookL2, error) {
	if m.Type != MsgTypeOrderBookL2 && m.Type != MsgTypeL2Update {
		return nil, fmt.Errorf("frame type %q is not an l2 orderbook", m.Type)
	}
	var wire struct {
		Symbol    string      `json:"symbol"`
		Buy       []levelWire `json:"buy"`
		Sell      []levelWire `json:"sell"`
		Timestamp int64       `json:"timestamp"`
	}
	if err := jsonWire.Unmarshal(m.Raw, &wire); err != nil {
		return nil, err
	}

	ob := &OrderBookL2{Symbol: wire.Symbol, Timestamp: utils.FromExchangeTimestamp(wire.Timestamp)}
	var err error
	if ob.Bids, err = convertLevels(wire.Buy); err != nil {
		return nil, fmt.Errorf("bad buy side: %w", err)
	}
	if ob.Asks, err = convertLevels(wire.Sell); err != nil {
		return nil, fmt.Errorf("bad sell side: %w", err)
	}
	return ob, nil
}

type levelWire struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func convertLevels(wire []levelWire) ([]BookLevel, error) {
	levels := make([]BookLevel, 0, len(wire))
	for _, lw := range wire {
		price, err := parseDecimal(lw.Price)
		if err != nil {
			return nil, fmt.Errorf("bad price %q: %w", lw.Price, err)
		}
		size, err := parseDecimal(lw.Size)
		if err != nil {
			return nil, fmt.Errorf("bad size %q: %w", lw.Size, err)
		}
		levels = append(levels, BookLevel{Price: price, Size: size})
	}
	return levels, nil
}

// Trade публичная сделка
type Trade struct {
	Symbol    string
	Price     float64
	Size      float64
	Side      string // buy, sell - сторона агрессора
	Timestamp time.Time
}

// AsTrade декодирует кадр сделки
func (m *Message) AsTrade() (*Trade, error) {
	if m.Type != MsgTypeTrade {
		return nil, fmt.Errorf("frame type %q is not a trade", m.Type)
	}
	var wire struct {
		Symbol    string `json:"symbol"`
		Price     string `json:"price"`
		Size      string `json:"size"`
		Side      string `json:"side"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := jsonWire.Unmarshal(m.Raw, &wire); err != nil {
		return nil, err
	}

	tr := &Trade{Symbol: wire.Symbol, Side: wire.Side, Timestamp: utils.FromExchangeTimestamp(wire.Timestamp)}
	var err error
	if tr.Price, err = parseDecimal(wire.Price); err != nil {
		return nil, fmt.Errorf("bad price %q: %w", wire.Price, err)
	}
	if tr.Size, err = parseDecimal(wire.Size); err != nil {
		return nil, fmt.Errorf("bad size %q: %w", wire.Size, err)
	}
	return tr, nil
}

// FundingRate ставка фандинга
type FundingRate struct {
	Symbol    string
	Rate      float64
	Timestamp time.Time
}

// AsFundingRate декодирует кадр ставки фандинга
func (m *Message) AsFundingRate() (*FundingRate, error) {
	if m.Type != MsgTypeFundingRate {
		return nil, fmt.Errorf("frame type %q is not a funding rate", m.Type)
	}
	var wire struct {
		Symbol      string `json:"symbol"`
		FundingRate string `json:"funding_rate"`
		Timestamp   int64  `json:"timestamp"`
	}
	if err := jsonWire.Unmarshal(m.Raw, &wire); err != nil {
		return nil, err
	}

	fr := &FundingRate{Symbol: wire.Symbol, Timestamp: utils.FromExchangeTimestamp(wire.Timestamp)}
	var err error
	if fr.Rate, err = parseDecimal(wire.FundingRate); err != nil {
		return nil, fmt.Errorf("bad funding_rate %q: %w", wire.FundingRate, err)
	}
	return fr, nil
}

// MarkPrice марк-цена
type MarkPrice struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// AsMarkPrice декодирует кадр марк-цены
func (m *Message) AsMarkPrice() (*MarkPrice, error) {
	if m.Type != MsgTypeMarkPrice {
		return nil, fmt.Errorf("frame type %q is not a mark price", m.Type)
	}
	var wire struct {
		Symbol    string `json:"symbol"`
		Price     string `json:"price"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := jsonWire.Unmarshal(m.Raw, &wire); err != nil {
		return nil, err
	}

	mp := &MarkPrice{Symbol: wire.Symbol, Timestamp: utils.FromExchangeTimestamp(wire.Timestamp)}
	var err error
	if mp.Price, err = parseDecimal(wire.Price); err != nil {
		return nil, fmt.Errorf("bad price %q: %w", wire.Price, err)
	}
	return mp, nil
}

// Heartbeat серверный heartbeat
type Heartbeat struct {
	Timestamp time.Time
}

// AsHeartbeat декодирует heartbeat кадр
func (m *Message) AsHeartbeat() (*Heartbeat, error) {
	if m.Type != MsgTypeHeartbeat {
		return nil, fmt.Errorf("frame type %q is not a heartbeat", m.Type)
	}
	var wire struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := jsonWire.Unmarshal(m.Raw, &wire); err != nil {
		return nil, err
	}
	return &Heartbeat{Timestamp: utils.FromExchangeTimestamp(wire.Timestamp)}, nil
}

// AuthResult ответ биржи на кадр аутентификации
type AuthResult struct {
	Success bool
	Message string
}

// AsAuthResult декодирует ответ на аутентификацию
func (m *Message) AsAuthResult() (*AuthResult, error) {
	if m.Type != MsgTypeAuth {
		return nil, fmt.Errorf("frame type %q is not an auth result", m.Type)
	}
	var wire struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := jsonWire.Unmarshal(m.Raw, &wire); err != nil {
		return nil, err
	}
	return &AuthResult{Success: wire.Success, Message: wire.Message}, nil
}

// SubscriptionAck подтверждение подписки
type SubscriptionAck struct {
	Channels []channelPayload
}

// AsSubscriptionAck декодирует подтверждение подписки
func (m *Message) AsSubscriptionAck() (*SubscriptionAck, error) {
	if m.Type != MsgTypeSubscription {
		return nil, fmt.Errorf("frame type %q is not a subscription ack", m.Type)
	}
	var wire struct {
		Channels []channelPayload `json:"channels"`
	}
	if err := jsonWire.Unmarshal(m.Raw, &wire); err != nil {
		return nil, err
	}
	return &SubscriptionAck{Channels: wire.Channels}, nil
}

// ErrorFrame ошибка, присланная биржей в потоке
type ErrorFrame struct {
	Code    string
	Message string
}

// AsErrorFrame декодирует кадр ошибки
func (m *Message) AsErrorFrame() (*ErrorFrame, error) {
	if m.Type != MsgTypeError {
		return nil, fmt.Errorf("frame type %q is not an error frame", m.Type)
	}
	var wire struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := jsonWire.Unmarshal(m.Raw, &wire); err != nil {
		return nil, err
	}
	return &ErrorFrame{Code: wire.Code, Message: wire.Message}, nil
}

// ============================================================
// Исходящие кадры
// ============================================================

// channelPayload канал в кадре подписки/отписки
type channelPayload struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols,omitempty"`
}

// subscribeFrame кадр подписки или отписки
type subscribeFrame struct {
	Type    string          `json:"type"` // subscribe, unsubscribe
	Payload channelsPayload `json:"payload"`
}

type channelsPayload struct {
	Channels []channelPayload `json:"channels"`
}

// authFrame кадр аутентификации
type authFrame struct {
	Type    string      `json:"type"` // auth
	Payload authPayload `json:"payload"`
}

type authPayload struct {
	APIKey    string `json:"api-key"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

// controlFrame кадр без полезной нагрузки (enable_heartbeat)
type controlFrame struct {
	Type string `json:"type"`
}
