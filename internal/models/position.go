package models

import "time"

// Position представляет открытую или закрытую позицию в леджере риск-менеджера.
// Владелец записи - риск-менеджер: позиция создается при открытии сделки,
// мутирует на каждом тике цены (пересчет UnrealizedPnL, проверка stop/target)
// и закрывается с фиксацией RealizedPnL.
type Position struct {
	ID            string      `json:"id" db:"id"`
	Symbol        string      `json:"symbol" db:"symbol"`
	Side          string      `json:"side" db:"side"` // long, short
	Quantity      float64     `json:"quantity" db:"quantity"`
	EntryPrice    float64     `json:"entry_price" db:"entry_price"`
	CurrentPrice  float64     `json:"current_price" db:"current_price"`
	StopLoss      float64     `json:"stop_loss,omitempty" db:"stop_loss"`
	TakeProfit    float64     `json:"take_profit,omitempty" db:"take_profit"`
	UnrealizedPnL float64     `json:"unrealized_pnl" db:"unrealized_pnl"`
	RealizedPnL   float64     `json:"realized_pnl" db:"realized_pnl"`
	Strategy      string      `json:"strategy,omitempty" db:"strategy"` // метка стратегии, задается клиентом
	Status        string      `json:"status" db:"status"`               // open, closed
	CloseReason   CloseReason `json:"close_reason,omitempty" db:"close_reason"`
	ClosePrice    float64     `json:"close_price,omitempty" db:"close_price"`
	EntryTime     time.Time   `json:"entry_time" db:"entry_time"`
	CloseTime     *time.Time  `json:"close_time,omitempty" db:"close_time"`
}

// Стороны позиции
const (
	SideLong  = "long"
	SideShort = "short"
)

// Статусы позиции
const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// CloseReason причина закрытия позиции
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "stop_loss"   // цена достигла стопа
	CloseReasonTakeProfit CloseReason = "take_profit" // цена достигла цели
	CloseReasonManual     CloseReason = "manual"      // закрыто оператором
	CloseReasonRisk       CloseReason = "risk"        // принудительно риск-менеджером
)

// IsOpen сообщает, открыта ли позиция.
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// Value возвращает текущую стоимость позиции в котируемой валюте.
func (p *Position) Value() float64 {
	return p.CurrentPrice * p.Quantity
}
