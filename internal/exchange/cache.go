package exchange

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// cacheEntry закэшированный REST ответ
type cacheEntry struct {
	body      []byte
	status    int
	headers   http.Header
	storedAt  time.Time
	expiresAt time.Time
}

// responseCache кэш GET ответов с TTL на запись.
//
// Ключ строится из метода, пути и канонизированной строки запроса,
// поэтому перестановка параметров не плодит дубликаты. При переполнении
// вытесняется запись с ближайшим истечением.
type responseCache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	maxEntries int
	defaultTTL time.Duration
}

func newResponseCache(maxEntries int, defaultTTL time.Duration) *responseCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Second
	}
	return &responseCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
	}
}

// cacheKey строит ключ кэша. url.Values.Encode сортирует параметры,
// что даёт канонический вид строки запроса.
func cacheKey(method, path string, query url.Values) string {
	if len(query) == 0 {
		return method + " " + path
	}
	return method + " " + path + "?" + query.Encode()
}

// get возвращает тело, статус и заголовки, если запись есть и не истекла
func (c *responseCache) get(key string) ([]byte, int, http.Header, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, 0, nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		// Перепроверка: запись могла быть заменена свежей
		if cur, still := c.entries[key]; still && cur == entry {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, 0, nil, false
	}
	return entry.body, entry.status, entry.headers, true
}

// put сохраняет ответ. ttl <= 0 означает TTL по умолчанию.
func (c *responseCache) put(key string, body []byte, status int, headers http.Header, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictSoonest()
	}
	c.entries[key] = &cacheEntry{
		body:      body,
		status:    status,
		headers:   headers,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
}

// evictSoonest удаляет запись с ближайшим истечением. Вызывается под mu.
func (c *responseCache) evictSoonest() {
	var victim string
	var soonest time.Time
	for key, entry := range c.entries {
		if victim == "" || entry.expiresAt.Before(soonest) {
			victim = key
			soonest = entry.expiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

// invalidate удаляет записи, чей ключ содержит путь с данным префиксом.
// Возвращает количество удаленных записей.
func (c *responseCache) invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		// Ключ имеет вид "METHOD path?query"
		if idx := strings.IndexByte(key, ' '); idx >= 0 {
			if strings.HasPrefix(key[idx+1:], prefix) {
				delete(c.entries, key)
				removed++
			}
		}
	}
	return removed
}

// size возвращает текущее количество записей
func (c *responseCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
