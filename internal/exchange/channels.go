package exchange

import (
	"fmt"
	"sort"
	"sync"

	"tradedesk/pkg/errs"
	"tradedesk/pkg/utils"
)

// Каналы realtime потока биржи
const (
	ChannelTickerV2    = "v2/ticker"
	ChannelTicker      = "ticker"
	ChannelOrderBookL1 = "l1_orderbook"
	ChannelAllTrades   = "all_trades"
	ChannelFundingRate = "funding_rate"
	ChannelMarkPrice   = "mark_price"
	ChannelOrderBookL2 = "l2_orderbook"
	ChannelL2Updates   = "l2_updates"
)

// SymbolAll - wildcard подписка на все символы канала
const SymbolAll = "all"

// MaxL2Symbols - максимум символов в подписке на L2 каналы.
// Биржа отклоняет более широкие подписки, поэтому отклоняем их
// локально, не отправляя кадр.
const MaxL2Symbols = 20

// channelSpec описывает правила подписки для канала
type channelSpec struct {
	wildcard   bool // поддерживается ли "all"
	maxSymbols int  // 0 = без ограничения
}

// Закрытый каталог каналов. Подписка на канал вне каталога отклоняется.
var channelCatalog = map[string]channelSpec{
	ChannelTickerV2:    {wildcard: true},
	ChannelTicker:      {wildcard: true},
	ChannelOrderBookL1: {wildcard: true},
	ChannelAllTrades:   {wildcard: true},
	ChannelFundingRate: {wildcard: true},
	ChannelMarkPrice:   {wildcard: true},
	ChannelOrderBookL2: {wildcard: false, maxSymbols: MaxL2Symbols},
	ChannelL2Updates:   {wildcard: false, maxSymbols: MaxL2Symbols},
}

// channelSub текущая подписка одного канала
type channelSub struct {
	all     bool
	symbols map[string]struct{}
}

// subscriptionBook хранит желаемый набор подписок.
//
// Книга является источником истины: она обновляется до отправки кадра
// и переживает переподключения, обеспечивая полное восстановление
// подписок в исходном порядке регистрации каналов.
type subscriptionBook struct {
	mu    sync.RWMutex
	order []string // каналы в порядке первой подписки
	subs  map[string]*channelSub
}

func newSubscriptionBook() *subscriptionBook {
	return &subscriptionBook{
		subs: make(map[string]*channelSub),
	}
}

// validateRequest проверяет канал и символы без изменения книги.
// Возвращает нормализованные символы и признак wildcard запроса.
func (b *subscriptionBook) validateRequest(channel string, symbols []string) ([]string, bool, error) {
	spec, ok := channelCatalog[channel]
	if !ok {
		return nil, false, errs.NewValidationError(
			fmt.Sprintf("unknown channel %q", channel), "", "channel")
	}

	wildcard := false
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == SymbolAll {
			wildcard = true
			continue
		}
		if err := utils.ValidateSymbol(s); err != nil {
			return nil, false, errs.NewValidationError(
				fmt.Sprintf("invalid symbol %q: %v", s, err), "", "symbols")
		}
		normalized = append(normalized, utils.NormalizeSymbol(s))
	}

	if wildcard {
		if !spec.wildcard {
			return nil, false, errs.NewValidationError(
				fmt.Sprintf("channel %q does not support the %q wildcard", channel, SymbolAll), "", "symbols")
		}
		if len(normalized) > 0 {
			return nil, false, errs.NewValidationError(
				fmt.Sprintf("%q must be the only symbol in the list", SymbolAll), "", "symbols")
		}
	}

	return normalized, wildcard, nil
}

// subscribe вносит подписку в книгу.
//
// Возвращает список символов, которые нужно отправить бирже (дельта
// относительно текущего набора; для wildcard это ["all"]), и признак
// того, что книга изменилась. Пустая дельта при changed=false означает,
// что все запрошенные символы уже подписаны.
func (b *subscriptionBook) subscribe(channel string, symbols []string) ([]string, bool, error) {
	normalized, wildcard, err := b.validateRequest(channel, symbols)
	if err != nil {
		return nil, false, err
	}
	if !wildcard && len(normalized) == 0 {
		return nil, false, errs.NewValidationError("at least one symbol is required", "", "symbols")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subs[channel]
	if !exists {
		sub = &channelSub{symbols: make(map[string]struct{})}
	}

	// Wildcard замещает весь набор символов канала
	if wildcard {
		changed := !sub.all
		sub.all = true
		sub.symbols = make(map[string]struct{})
		b.store(channel, sub, exists)
		if !changed {
			return nil, false, nil
		}
		return []string{SymbolAll}, true, nil
	}

	// Канал уже подписан на все символы: конкретные добавлять не к чему
	if sub.all {
		return nil, false, nil
	}

	spec := channelCatalog[channel]
	added := make([]string, 0, len(normalized))
	for _, s := range normalized {
		if _, dup := sub.symbols[s]; !dup {
			added = append(added, s)
		}
	}

	if spec.maxSymbols > 0 && len(sub.symbols)+len(added) > spec.maxSymbols {
		return nil, false, errs.NewValidationError(
			fmt.Sprintf("channel %q is limited to %d symbols, subscription would hold %d",
				channel, spec.maxSymbols, len(sub.symbols)+len(added)), "", "symbols")
	}

	if len(added) == 0 {
		return nil, false, nil
	}
	for _, s := range added {
		sub.symbols[s] = struct{}{}
	}
	b.store(channel, sub, exists)
	return added, true, nil
}

// unsubscribe убирает подписку из книги.
//
// Пустой список символов снимает канал целиком. Снятие отсутствующих
// символов (или канала, на который нет подписки) является no-op.
// Возвращает символы для кадра отписки (nil при снятии всего канала
// кадром без символов), признак снятия канала целиком и признак
// изменения книги.
func (b *subscriptionBook) unsubscribe(channel string, symbols []string) ([]string, bool, bool, error) {
	normalized, wildcard, err := b.validateRequest(channel, symbols)
	if err != nil {
		return nil, false, false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subs[channel]
	if !exists {
		return nil, false, false, nil
	}

	// Пустой список или wildcard: канал снимается целиком
	if len(normalized) == 0 && (wildcard || len(symbols) == 0) {
		b.remove(channel)
		return nil, true, true, nil
	}

	// Точечная отписка от wildcard подписки невыразима: набор остаётся
	if sub.all {
		return nil, false, false, nil
	}

	removed := make([]string, 0, len(normalized))
	for _, s := range normalized {
		if _, ok := sub.symbols[s]; ok {
			delete(sub.symbols, s)
			removed = append(removed, s)
		}
	}
	if len(removed) == 0 {
		return nil, false, false, nil
	}

	if len(sub.symbols) == 0 {
		b.remove(channel)
		return removed, true, true, nil
	}
	return removed, false, true, nil
}

// store сохраняет подписку, поддерживая порядок первой регистрации
func (b *subscriptionBook) store(channel string, sub *channelSub, existed bool) {
	b.subs[channel] = sub
	if !existed {
		b.order = append(b.order, channel)
	}
}

// remove удаляет канал из книги вместе с позицией в порядке регистрации
func (b *subscriptionBook) remove(channel string) {
	delete(b.subs, channel)
	for i, name := range b.order {
		if name == channel {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// snapshot возвращает глубокую копию подписок: канал -> символы
// (wildcard представлен как ["all"])
func (b *subscriptionBook) snapshot() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]string, len(b.subs))
	for channel, sub := range b.subs {
		out[channel] = sub.symbolList()
	}
	return out
}

// replayChannels возвращает подписки в порядке первой регистрации,
// готовые для кадров восстановления после переподключения
func (b *subscriptionBook) replayChannels() []channelPayload {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]channelPayload, 0, len(b.order))
	for _, channel := range b.order {
		sub, ok := b.subs[channel]
		if !ok {
			continue
		}
		out = append(out, channelPayload{Name: channel, Symbols: sub.symbolList()})
	}
	return out
}

// size возвращает количество подписанных каналов
func (b *subscriptionBook) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *channelSub) symbolList() []string {
	if s.all {
		return []string{SymbolAll}
	}
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
