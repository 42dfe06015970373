package models

import "time"

// MarketData представляет агрегированный срез рынка по одному символу.
// Заполняется из потоковых кадров (тикер, стакан L1, сделки, фандинг),
// а при недоступности потока из REST снапшота или из резервных значений.
// Потребители обязаны проверять IsLiveData и Source, прежде чем
// принимать решения по этим данным.
type MarketData struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`          // последняя цена (close тикера или последняя сделка)
	Bid           float64   `json:"bid"`            // лучшая заявка на покупку (L1)
	Ask           float64   `json:"ask"`            // лучшая заявка на продажу (L1)
	High24h       float64   `json:"high_24h"`
	Low24h        float64   `json:"low_24h"`
	Volume24h     float64   `json:"volume_24h"`
	ChangePercent float64   `json:"change_percent"` // (close-open)/open*100 за 24ч
	FundingRate   float64   `json:"funding_rate"`
	MarkPrice     float64   `json:"mark_price"`
	Timestamp     time.Time `json:"timestamp"`
	IsLiveData    bool      `json:"isLiveData"` // контракт дашборда: камелкейс, не менять
	Source        string    `json:"source"`     // live, fallback
}

// Источники рыночных данных
const (
	DataSourceLive     = "live"     // данные из realtime потока
	DataSourceFallback = "fallback" // REST снапшот, кэш или резервные значения
)

// Stale сообщает, старше ли данные указанного возраста.
// Нулевой Timestamp всегда считается устаревшим.
func (m *MarketData) Stale(maxAge time.Duration) bool {
	if m.Timestamp.IsZero() {
		return true
	}
	return time.Since(m.Timestamp) > maxAge
}

// Spread возвращает абсолютный спред между ask и bid.
// Если стакан еще не получен (нулевые цены), возвращает 0.
func (m *MarketData) Spread() float64 {
	if m.Bid <= 0 || m.Ask <= 0 {
		return 0
	}
	return m.Ask - m.Bid
}
