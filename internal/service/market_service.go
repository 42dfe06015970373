// Package service содержит слой рыночных данных дашборда. MarketDataService
// объединяет два источника котировок: живой WebSocket поток биржи и
// резервный REST опрос, переключаясь между ними по состоянию соединения
// и свежести данных.
//
// Назначение:
//   - сворачивание потоковых кадров (тикер, стакан, сделки, фандинг,
//     марк-цена) в срез рыночных данных по символам
//   - резервный режим: REST снапшоты, последние известные значения,
//     базовые котировки watchlist'а
//   - раздача данных дашборду через хаб и подпитка риск-менеджера ценами
//
// Использование:
//
//	svc := service.NewMarketDataService(cfg.Exchange, stream, client, hub, riskMgr, monitor, logger)
//	svc.Start(ctx)
//	defer svc.Stop()
//
//	md, ok := svc.GetMarketData("BTCUSDT")
package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradedesk/internal/config"
	"tradedesk/internal/exchange"
	"tradedesk/internal/models"
	"tradedesk/pkg/utils"
)

// SourceKind - вид источника рыночных данных
type SourceKind string

const (
	// SourceLive - данные из WebSocket потока
	SourceLive SourceKind = "live"
	// SourceFallback - резервные данные (REST, кэш, базовые котировки)
	SourceFallback SourceKind = "fallback"
)

// Базовые котировки для резервного режима до первого успешного опроса.
// Используются только для символов из watchlist'а.
var fallbackBaseline = map[string]float64{
	"BTCUSDT": 50000,
	"ETHUSDT": 3000,
	"SOLUSDT": 150,
}

// DataSource - источник рыночных данных по символам
type DataSource interface {
	// Kind возвращает вид источника
	Kind() SourceKind
	// Snapshot возвращает копию данных символа
	Snapshot(symbol string) (*models.MarketData, bool)
	// All возвращает копии данных всех известных символов
	All() []*models.MarketData
}

// ============================================================
// Живой источник: срез потоковых кадров
// ============================================================

// liveSource хранит последнее известное состояние каждого символа,
// собранное из потоковых кадров. Кадры разных каналов дополняют один
// и тот же срез: тикер приносит цену и суточную статистику, стакан -
// лучшие котировки, сделки - последнюю цену, фандинг и марк-цена -
// свои поля.
type liveSource struct {
	mu   sync.RWMutex
	data map[string]*models.MarketData
}

func newLiveSource() *liveSource {
	return &liveSource{data: make(map[string]*models.MarketData)}
}

func (s *liveSource) Kind() SourceKind { return SourceLive }

func (s *liveSource) Snapshot(symbol string) (*models.MarketData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	md, ok := s.data[symbol]
	if !ok {
		return nil, false
	}
	cp := *md
	return &cp, true
}

func (s *liveSource) All() []*models.MarketData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.MarketData, 0, len(s.data))
	for _, md := range s.data {
		cp := *md
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// upsert применяет mutate к срезу символа (создавая его при первом кадре)
// и возвращает копию результата для рассылки без удержания блокировки.
func (s *liveSource) upsert(symbol string, mutate func(md *models.MarketData)) *models.MarketData {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, ok := s.data[symbol]
	if !ok {
		md = &models.MarketData{Symbol: symbol}
		s.data[symbol] = md
	}
	mutate(md)
	md.IsLiveData = true
	md.Source = models.DataSourceLive

	cp := *md
	return &cp
}

// ============================================================
// Резервный источник: REST, последние известные, базовые котировки
// ============================================================

// FallbackSource отдает данные, когда живой поток недоступен или
// устарел. Порядок убывания достоверности: свежий REST снапшот,
// последние известные живые данные (перемаркированные как резервные),
// базовая котировка watchlist'а.
type FallbackSource struct {
	rest    RestSource
	logger  *utils.Logger
	symbols []string

	// lastKnown - доступ к последним живым данным (liveSource.Snapshot)
	lastKnown func(symbol string) (*models.MarketData, bool)

	// seeds - базовые котировки для символов watchlist'а
	seeds    map[string]float64
	seededAt time.Time

	mu    sync.RWMutex
	cache map[string]*models.MarketData // только результаты REST опроса
}

// NewFallbackSource создает резервный источник для символов watchlist'а
func NewFallbackSource(rest RestSource, symbols []string, lastKnown func(string) (*models.MarketData, bool), logger *utils.Logger) *FallbackSource {
	if logger == nil {
		logger = utils.Nop()
	}
	seeds := make(map[string]float64)
	for _, sym := range symbols {
		if base, ok := fallbackBaseline[sym]; ok {
			seeds[sym] = base
		}
	}
	return &FallbackSource{
		rest:      rest,
		logger:    logger,
		symbols:   append([]string(nil), symbols...),
		lastKnown: lastKnown,
		seeds:     seeds,
		seededAt:  time.Now().UTC(),
		cache:     make(map[string]*models.MarketData),
	}
}

func (f *FallbackSource) Kind() SourceKind { return SourceFallback }

// Refresh опрашивает REST и обновляет кэш снапшотов
func (f *FallbackSource) Refresh(ctx context.Context) error {
	tickers, err := f.rest.GetTickers(ctx, f.symbols)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tickers {
		if t == nil || t.Symbol == "" {
			continue
		}
		f.cache[t.Symbol] = tickerToMarketData(t)
	}
	return nil
}

func (f *FallbackSource) Snapshot(symbol string) (*models.MarketData, bool) {
	f.mu.RLock()
	md, ok := f.cache[symbol]
	if ok {
		cp := *md
		f.mu.RUnlock()
		return &cp, true
	}
	f.mu.RUnlock()

	if f.lastKnown != nil {
		if last, ok := f.lastKnown(symbol); ok {
			cp := *last
			cp.IsLiveData = false
			cp.Source = models.DataSourceFallback
			return &cp, true
		}
	}

	if base, ok := f.seeds[symbol]; ok {
		return &models.MarketData{
			Symbol:     symbol,
			Price:      base,
			IsLiveData: false,
			Source:     models.DataSourceFallback,
			Timestamp:  f.seededAt,
		}, true
	}
	return nil, false
}

func (f *FallbackSource) All() []*models.MarketData {
	known := make(map[string]struct{})
	for _, sym := range f.symbols {
		known[sym] = struct{}{}
	}
	f.mu.RLock()
	for sym := range f.cache {
		known[sym] = struct{}{}
	}
	f.mu.RUnlock()

	out := make([]*models.MarketData, 0, len(known))
	for sym := range known {
		if md, ok := f.Snapshot(sym); ok {
			out = append(out, md)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// tickerToMarketData конвертирует REST тикер в резервные рыночные данные
func tickerToMarketData(t *exchange.Ticker) *models.MarketData {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &models.MarketData{
		Symbol:        t.Symbol,
		Price:         t.Close,
		High24h:       t.High,
		Low24h:        t.Low,
		Volume24h:     t.Volume,
		ChangePercent: t.ChangePercent,
		FundingRate:   t.FundingRate,
		MarkPrice:     t.MarkPrice,
		IsLiveData:    false,
		Source:        models.DataSourceFallback,
		Timestamp:     ts,
	}
}

// ============================================================
// MarketDataService
// ============================================================

// MarketDataService раздает рыночные данные дашборду, предпочитая живой
// поток и откатываясь на резервный источник по состоянию соединения и
// свежести данных каждого символа.
type MarketDataService struct {
	cfg      config.ExchangeConfig
	logger   *utils.Logger
	stream   StreamSource
	hub      MarketBroadcaster
	prices   PriceSink
	recorder MetricRecorder

	live     *liveSource
	fallback *FallbackSource

	dispose   func()
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewMarketDataService создает сервис рыночных данных.
// hub, prices и recorder могут быть nil - соответствующие рассылки отключаются.
func NewMarketDataService(cfg config.ExchangeConfig, stream StreamSource, rest RestSource, hub MarketBroadcaster, prices PriceSink, recorder MetricRecorder, logger *utils.Logger) *MarketDataService {
	if logger == nil {
		logger = utils.Nop()
	}
	logger = logger.WithComponent("market")

	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}

	live := newLiveSource()
	return &MarketDataService{
		cfg:      cfg,
		logger:   logger,
		stream:   stream,
		hub:      hub,
		prices:   prices,
		recorder: recorder,
		live:     live,
		fallback: NewFallbackSource(rest, cfg.DefaultSymbols, live.Snapshot, logger),
		stopCh:   make(chan struct{}),
	}
}

// Start подписывается на поток и запускает цикл резервного опроса.
// Повторные вызовы игнорируются.
func (s *MarketDataService) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.dispose = s.stream.OnEvent(s.handleEvent)
		s.subscribeChannels()
		go s.pollLoop(ctx)

		s.logger.Info("market data service started",
			utils.Int("symbols", len(s.cfg.DefaultSymbols)),
			utils.Duration("poll_interval", s.cfg.PollInterval),
			utils.Duration("stale_after", s.cfg.StaleAfter),
		)
	})
}

// Stop отписывается от потока и останавливает опрос
func (s *MarketDataService) Stop() {
	s.stopOnce.Do(func() {
		if s.dispose != nil {
			s.dispose()
		}
		close(s.stopCh)
		s.logger.Info("market data service stopped")
	})
}

// subscribeChannels оформляет подписки потока. Книга подписок менеджера
// соединения переживает реконнекты, поэтому подписка оформляется один раз.
func (s *MarketDataService) subscribeChannels() {
	subs := []struct {
		channel string
		symbols []string
	}{
		{exchange.ChannelTickerV2, []string{exchange.SymbolAll}},
		{exchange.ChannelOrderBookL1, s.cfg.DefaultSymbols},
		{exchange.ChannelAllTrades, s.cfg.DefaultSymbols},
		{exchange.ChannelFundingRate, s.cfg.DefaultSymbols},
		{exchange.ChannelMarkPrice, s.cfg.DefaultSymbols},
	}
	for _, sub := range subs {
		if err := s.stream.Subscribe(sub.channel, sub.symbols); err != nil {
			s.logger.Error("stream subscription failed",
				utils.Channel(sub.channel),
				utils.Err(err),
			)
		}
	}
}

// pollLoop периодически обновляет резервный кэш, пока поток отключен
func (s *MarketDataService) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.stream.IsConnected() {
				continue
			}
			pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollInterval)
			err := s.fallback.Refresh(pollCtx)
			cancel()
			if err != nil {
				s.logger.Warn("fallback refresh failed", utils.Err(err))
			}
		}
	}
}

// ============================================================
// Обработка событий потока
// ============================================================

func (s *MarketDataService) handleEvent(ev exchange.Event) {
	switch ev.Type {
	case exchange.EventMessage:
		s.handleFrame(ev.Message)
	case exchange.EventStateChange:
		s.logger.Info("stream state changed", utils.State(ev.State.String()))
		if s.hub != nil {
			s.hub.BroadcastConnectionStatus(s.stream.Status())
		}
	case exchange.EventError:
		s.logger.Warn("stream error", utils.Err(ev.Err))
	}
}

func (s *MarketDataService) handleFrame(msg *exchange.Message) {
	if msg == nil {
		return
	}
	switch msg.Type {
	case exchange.MsgTypeTickerV2, exchange.MsgTypeTicker:
		t, err := msg.AsTicker()
		if err != nil {
			s.logger.Warn("malformed ticker frame", utils.Err(err))
			return
		}
		s.applyTicker(t)
	case exchange.MsgTypeOrderBookL1:
		book, err := msg.AsOrderBookL1()
		if err != nil {
			s.logger.Warn("malformed l1 frame", utils.Err(err))
			return
		}
		s.applyOrderBookL1(book)
	case exchange.MsgTypeTrade:
		trade, err := msg.AsTrade()
		if err != nil {
			s.logger.Warn("malformed trade frame", utils.Err(err))
			return
		}
		s.applyTrade(trade)
	case exchange.MsgTypeFundingRate:
		rate, err := msg.AsFundingRate()
		if err != nil {
			s.logger.Warn("malformed funding frame", utils.Err(err))
			return
		}
		s.applyFundingRate(rate)
	case exchange.MsgTypeMarkPrice:
		mark, err := msg.AsMarkPrice()
		if err != nil {
			s.logger.Warn("malformed mark price frame", utils.Err(err))
			return
		}
		s.applyMarkPrice(mark)
	}
}

func (s *MarketDataService) applyTicker(t *exchange.TickerUpdate) {
	md := s.live.upsert(t.Symbol, func(md *models.MarketData) {
		md.Price = t.Close
		md.High24h = t.High
		md.Low24h = t.Low
		md.Volume24h = t.Volume
		md.ChangePercent = t.ChangePercent
		if t.MarkPrice > 0 {
			md.MarkPrice = t.MarkPrice
		}
		md.Timestamp = frameTime(t.Timestamp)
	})
	s.publish(md)
	if t.Close > 0 {
		s.feedPrice(t.Symbol, t.Close)
		s.record("market.price."+t.Symbol, t.Close)
	}
}

func (s *MarketDataService) applyOrderBookL1(book *exchange.OrderBookL1) {
	md := s.live.upsert(book.Symbol, func(md *models.MarketData) {
		md.Bid = book.BestBid
		md.Ask = book.BestAsk
		md.Timestamp = frameTime(book.Timestamp)
	})
	s.publish(md)
	if spread := md.Spread(); spread > 0 {
		s.record("market.spread."+book.Symbol, spread)
	}
}

func (s *MarketDataService) applyTrade(trade *exchange.Trade) {
	md := s.live.upsert(trade.Symbol, func(md *models.MarketData) {
		md.Price = trade.Price
		md.Timestamp = frameTime(trade.Timestamp)
	})
	s.publish(md)
	if trade.Price > 0 {
		s.feedPrice(trade.Symbol, trade.Price)
	}
}

func (s *MarketDataService) applyFundingRate(rate *exchange.FundingRate) {
	md := s.live.upsert(rate.Symbol, func(md *models.MarketData) {
		md.FundingRate = rate.Rate
		md.Timestamp = frameTime(rate.Timestamp)
	})
	s.publish(md)
}

func (s *MarketDataService) applyMarkPrice(mark *exchange.MarkPrice) {
	md := s.live.upsert(mark.Symbol, func(md *models.MarketData) {
		md.MarkPrice = mark.Price
		md.Timestamp = frameTime(mark.Timestamp)
	})
	s.publish(md)
}

func (s *MarketDataService) publish(md *models.MarketData) {
	if s.hub != nil {
		s.hub.BroadcastMarketData(md)
	}
}

func (s *MarketDataService) feedPrice(symbol string, price float64) {
	if s.prices != nil {
		s.prices.UpdatePrices(symbol, price)
	}
}

func (s *MarketDataService) record(name string, value float64) {
	if s.recorder != nil {
		s.recorder.RecordMetric(name, value, nil)
	}
}

// frameTime подставляет текущее время для кадров без метки времени
func frameTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}

// ============================================================
// Чтение данных
// ============================================================

// GetMarketData возвращает данные символа: живые - при активном
// соединении и свежем срезе, иначе резервные.
func (s *MarketDataService) GetMarketData(symbol string) (*models.MarketData, bool) {
	if s.stream.IsConnected() {
		if md, ok := s.live.Snapshot(symbol); ok && !md.Stale(s.cfg.StaleAfter) {
			return md, true
		}
	}
	return s.fallback.Snapshot(symbol)
}

// MarketDataArray возвращает данные всех известных символов,
// отсортированные по символу. Для каждого символа действует то же
// правило свежести, что и в GetMarketData.
func (s *MarketDataService) MarketDataArray() []*models.MarketData {
	bySymbol := make(map[string]*models.MarketData)
	for _, md := range s.fallback.All() {
		bySymbol[md.Symbol] = md
	}
	if s.stream.IsConnected() {
		for _, md := range s.live.All() {
			if !md.Stale(s.cfg.StaleAfter) {
				bySymbol[md.Symbol] = md
			}
		}
	}

	out := make([]*models.MarketData, 0, len(bySymbol))
	for _, md := range bySymbol {
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Source возвращает вид источника, обслуживающего запросы сейчас
func (s *MarketDataService) Source() SourceKind {
	if s.stream.IsConnected() {
		return SourceLive
	}
	return SourceFallback
}

// IsConnected сообщает, активен ли живой поток
func (s *MarketDataService) IsConnected() bool {
	return s.stream.IsConnected()
}

// ConnectionStatus возвращает снимок состояния потокового соединения
func (s *MarketDataService) ConnectionStatus() exchange.Status {
	return s.stream.Status()
}
