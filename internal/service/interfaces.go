package service

import (
	"context"

	"tradedesk/internal/exchange"
	"tradedesk/internal/models"
)

// StreamSource определяет интерфейс потокового подключения к бирже
type StreamSource interface {
	// IsConnected сообщает, активно ли соединение
	IsConnected() bool
	// Status возвращает снимок состояния соединения
	Status() exchange.Status
	// OnEvent регистрирует подписчика событий, возвращает функцию отписки
	OnEvent(fn func(exchange.Event)) func()
	// Subscribe оформляет подписку на канал (откладывается до подключения)
	Subscribe(channel string, symbols []string) error
}

// RestSource определяет интерфейс REST доступа к рыночным данным
type RestSource interface {
	// GetTickers возвращает тикеры; пустой список символов = все
	GetTickers(ctx context.Context, symbols []string) ([]*exchange.Ticker, error)
}

// MarketBroadcaster определяет интерфейс рассылки рыночных событий дашборду
type MarketBroadcaster interface {
	BroadcastMarketData(md *models.MarketData)
	BroadcastConnectionStatus(status interface{})
}

// PriceSink определяет интерфейс потребителя тиков цен
type PriceSink interface {
	UpdatePrices(symbol string, price float64)
}

// MetricRecorder определяет интерфейс приемника операционных метрик
type MetricRecorder interface {
	RecordMetric(name string, value float64, tags map[string]string)
}
