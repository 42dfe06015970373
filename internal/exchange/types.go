package exchange

import (
	"encoding/json"
	"fmt"
	"time"

	"tradedesk/pkg/utils"
)

// ============================================================
// REST конверт
// ============================================================

// apiEnvelope стандартный конверт REST ответов биржи.
// Биржа может вернуть success=false с HTTP 200, поэтому конверт
// проверяется после статуса.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *apiErrorBody   `json:"error"`
}

type apiErrorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"` // секунды, резерв для 429 без заголовка
}

func (e *apiErrorBody) String() string {
	if e == nil {
		return "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// ============================================================
// Публичные REST типы
// ============================================================

// Product торгуемый инструмент биржи
type Product struct {
	ID           int     `json:"id"`
	Symbol       string  `json:"symbol"`
	Description  string  `json:"description"`
	ContractType string  `json:"contract_type"`
	TickSize     float64 `json:"tick_size"`
	LotSize      float64 `json:"lot_size"`
	State        string  `json:"state"` // live, paused, expired
}

// Ticker REST снапшот тикера
type Ticker struct {
	Symbol        string    `json:"symbol"`
	Close         float64   `json:"close"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Volume        float64   `json:"volume"`
	MarkPrice     float64   `json:"mark_price"`
	FundingRate   float64   `json:"funding_rate"`
	ChangePercent float64   `json:"change_percent"`
	Timestamp     time.Time `json:"timestamp"`
}

// OrderBook REST снапшот стакана
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// OrderRequest запрос на размещение ордера
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`       // buy, sell
	Size       float64 `json:"size"`
	OrderType  string  `json:"order_type"` // market_order, limit_order
	LimitPrice float64 `json:"limit_price,omitempty"`
	ClientID   string  `json:"client_order_id,omitempty"`
}

// Типы ордеров
const (
	OrderTypeMarket = "market_order"
	OrderTypeLimit  = "limit_order"
)

// Стороны ордера
const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// OrderResponse результат размещения ордера
type OrderResponse struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Size         float64   `json:"size"`
	UnfilledSize float64   `json:"unfilled_size"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	State        string    `json:"state"` // open, closed, cancelled
	CreatedAt    time.Time `json:"created_at"`
}

// ============================================================
// Wire представления (строковые десятичные числа биржи)
// ============================================================

type productWire struct {
	ID           int    `json:"id"`
	Symbol       string `json:"symbol"`
	Description  string `json:"description"`
	ContractType string `json:"contract_type"`
	TickSize     string `json:"tick_size"`
	LotSize      string `json:"lot_size"`
	State        string `json:"state"`
}

func (w *productWire) toProduct() (*Product, error) {
	p := &Product{
		ID:           w.ID,
		Symbol:       w.Symbol,
		Description:  w.Description,
		ContractType: w.ContractType,
		State:        w.State,
	}
	var err error
	if p.TickSize, err = parseDecimal(w.TickSize); err != nil {
		return nil, fmt.Errorf("product %s: bad tick_size %q: %w", w.Symbol, w.TickSize, err)
	}
	if p.LotSize, err = parseDecimal(w.LotSize); err != nil {
		return nil, fmt.Errorf("product %s: bad lot_size %q: %w", w.Symbol, w.LotSize, err)
	}
	return p, nil
}

type tickerWire struct {
	Symbol      string `json:"symbol"`
	Close       string `json:"close"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Volume      string `json:"volume"`
	MarkPrice   string `json:"mark_price"`
	FundingRate string `json:"funding_rate"`
	Timestamp   int64  `json:"timestamp"`
}

func (w *tickerWire) toTicker() (*Ticker, error) {
	t := &Ticker{Symbol: w.Symbol, Timestamp: utils.FromExchangeTimestamp(w.Timestamp)}
	var err error
	if t.Close, err = parseDecimal(w.Close); err != nil {
		return nil, fmt.Errorf("ticker %s: bad close %q: %w", w.Symbol, w.Close, err)
	}
	if t.Open, err = parseDecimal(w.Open); err != nil {
		return nil, fmt.Errorf("ticker %s: bad open %q: %w", w.Symbol, w.Open, err)
	}
	if t.High, err = parseDecimal(w.High); err != nil {
		return nil, fmt.Errorf("ticker %s: bad high %q: %w", w.Symbol, w.High, err)
	}
	if t.Low, err = parseDecimal(w.Low); err != nil {
		return nil, fmt.Errorf("ticker %s: bad low %q: %w", w.Symbol, w.Low, err)
	}
	if t.Volume, err = parseDecimal(w.Volume); err != nil {
		return nil, fmt.Errorf("ticker %s: bad volume %q: %w", w.Symbol, w.Volume, err)
	}
	if t.MarkPrice, err = parseDecimal(w.MarkPrice); err != nil {
		return nil, fmt.Errorf("ticker %s: bad mark_price %q: %w", w.Symbol, w.MarkPrice, err)
	}
	if t.FundingRate, err = parseDecimal(w.FundingRate); err != nil {
		return nil, fmt.Errorf("ticker %s: bad funding_rate %q: %w", w.Symbol, w.FundingRate, err)
	}
	if t.Open > 0 && t.Close > 0 {
		t.ChangePercent = utils.PercentChange(t.Open, t.Close)
	}
	return t, nil
}

type orderBookWire struct {
	Symbol    string      `json:"symbol"`
	Buy       []levelWire `json:"buy"`
	Sell      []levelWire `json:"sell"`
	Timestamp int64       `json:"timestamp"`
}

func (w *orderBookWire) toOrderBook() (*OrderBook, error) {
	ob := &OrderBook{Symbol: w.Symbol, Timestamp: utils.FromExchangeTimestamp(w.Timestamp)}
	var err error
	if ob.Bids, err = convertLevels(w.Buy); err != nil {
		return nil, fmt.Errorf("orderbook %s: %w", w.Symbol, err)
	}
	if ob.Asks, err = convertLevels(w.Sell); err != nil {
		return nil, fmt.Errorf("orderbook %s: %w", w.Symbol, err)
	}
	return ob, nil
}

type orderWire struct {
	ID           json.Number `json:"id"`
	Symbol       string      `json:"symbol"`
	Side         string      `json:"side"`
	Size         string      `json:"size"`
	UnfilledSize string      `json:"unfilled_size"`
	AvgFillPrice string      `json:"average_fill_price"`
	State        string      `json:"state"`
	CreatedAt    int64       `json:"created_at"`
}

func (w *orderWire) toOrder() (*OrderResponse, error) {
	o := &OrderResponse{
		ID:        w.ID.String(),
		Symbol:    w.Symbol,
		Side:      w.Side,
		State:     w.State,
		CreatedAt: utils.FromExchangeTimestamp(w.CreatedAt),
	}
	var err error
	if o.Size, err = parseDecimal(w.Size); err != nil {
		return nil, fmt.Errorf("order %s: bad size %q: %w", w.ID, w.Size, err)
	}
	if o.UnfilledSize, err = parseDecimal(w.UnfilledSize); err != nil {
		return nil, fmt.Errorf("order %s: bad unfilled_size %q: %w", w.ID, w.UnfilledSize, err)
	}
	if o.AvgFillPrice, err = parseDecimal(w.AvgFillPrice); err != nil {
		return nil, fmt.Errorf("order %s: bad average_fill_price %q: %w", w.ID, w.AvgFillPrice, err)
	}
	return o, nil
}
