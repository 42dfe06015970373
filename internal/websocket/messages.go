package websocket

import (
	"time"

	"tradedesk/internal/models"
)

// MessageType определяет тип WebSocket сообщения дашборда
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeMarketData - срез рыночных данных одного символа.
	// Отправляется на каждый потоковый кадр биржи.
	MessageTypeMarketData MessageType = "market_data"

	// MessageTypePositionUpdate - открытие, переоценка или закрытие позиции
	MessageTypePositionUpdate MessageType = "position_update"

	// MessageTypeRiskAlert - алерт риск-контура (просадка, дневной лимит,
	// использование риска)
	MessageTypeRiskAlert MessageType = "risk_alert"

	// MessageTypeMonitoringAlert - алерт мониторинга (health check'и,
	// инфраструктура)
	MessageTypeMonitoringAlert MessageType = "monitoring_alert"

	// MessageTypeConnectionStatus - состояние соединения с биржей
	MessageTypeConnectionStatus MessageType = "connection_status"

	// MessageTypeRiskStatus - периодический срез риск-метрик портфеля
	MessageTypeRiskStatus MessageType = "risk_status"
)

// BaseMessage - общая шапка всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// MarketDataMessage - сообщение со срезом рыночных данных символа
type MarketDataMessage struct {
	BaseMessage
	Data *models.MarketData `json:"data"`
}

// PositionUpdateMessage - сообщение об изменении позиции
type PositionUpdateMessage struct {
	BaseMessage
	Data *models.Position `json:"data"`
}

// AlertMessage - сообщение с алертом
type AlertMessage struct {
	BaseMessage
	Data *models.Alert `json:"data"`
}

// ConnectionStatusMessage - сообщение о состоянии биржевого соединения
type ConnectionStatusMessage struct {
	BaseMessage
	Data interface{} `json:"data"`
}

// RiskStatusMessage - сообщение со срезом риск-метрик
type RiskStatusMessage struct {
	BaseMessage
	Data interface{} `json:"data"`
}

// ============ Фабричные функции для создания сообщений ============

func newBase(msgType MessageType) BaseMessage {
	return BaseMessage{Type: msgType, Timestamp: time.Now().UTC()}
}

// NewMarketDataMessage создает сообщение с рыночными данными
func NewMarketDataMessage(md *models.MarketData) *MarketDataMessage {
	return &MarketDataMessage{
		BaseMessage: newBase(MessageTypeMarketData),
		Data:        md,
	}
}

// NewPositionUpdateMessage создает сообщение об изменении позиции
func NewPositionUpdateMessage(position *models.Position) *PositionUpdateMessage {
	return &PositionUpdateMessage{
		BaseMessage: newBase(MessageTypePositionUpdate),
		Data:        position,
	}
}

// NewAlertMessage создает сообщение с алертом. Тип выбирается по
// компоненту источника: алерты риск-контура дашборд показывает в
// торговой панели, остальные - в панели мониторинга.
func NewAlertMessage(alert *models.Alert) *AlertMessage {
	msgType := MessageTypeMonitoringAlert
	if alert != nil && alert.Component == "risk" {
		msgType = MessageTypeRiskAlert
	}
	return &AlertMessage{
		BaseMessage: newBase(msgType),
		Data:        alert,
	}
}

// NewConnectionStatusMessage создает сообщение о состоянии соединения
func NewConnectionStatusMessage(status interface{}) *ConnectionStatusMessage {
	return &ConnectionStatusMessage{
		BaseMessage: newBase(MessageTypeConnectionStatus),
		Data:        status,
	}
}

// NewRiskStatusMessage создает сообщение со срезом риск-метрик
func NewRiskStatusMessage(status interface{}) *RiskStatusMessage {
	return &RiskStatusMessage{
		BaseMessage: newBase(MessageTypeRiskStatus),
		Data:        status,
	}
}
