package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/monitoring"
	"tradedesk/pkg/breaker"
	"tradedesk/pkg/crypto"
	"tradedesk/pkg/errs"
	"tradedesk/pkg/ratelimit"
	"tradedesk/pkg/retry"
	"tradedesk/pkg/utils"
)

// ClientConfig конфигурация REST клиента биржи
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string

	// Timeout - таймаут одного запроса (каждой попытки, не всей цепочки)
	// По умолчанию: 10s
	Timeout time.Duration

	// UserAgent передается в каждом запросе
	// По умолчанию: tradedesk/1.0
	UserAgent string

	// CacheTTL - TTL кэша GET ответов по умолчанию
	// По умолчанию: 10s
	CacheTTL time.Duration

	// CacheMaxEntries - максимум записей в кэше
	// По умолчанию: 256
	CacheMaxEntries int
}

// validate проверяет конфигурацию и устанавливает значения по умолчанию
func (c *ClientConfig) validate() error {
	if err := utils.ValidateBaseURL(c.BaseURL); err != nil {
		return errs.NewValidationError(fmt.Sprintf("invalid base URL: %v", err), "", "base_url")
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "tradedesk/1.0"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Second
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = 256
	}
	return nil
}

// RequestOptions опции одного запроса
type RequestOptions struct {
	// Priority определяет место в очереди rate limiter'а
	Priority ratelimit.Priority

	// Authenticated добавляет подпись HMAC-SHA256 и ключ API
	Authenticated bool

	// CacheTTL переопределяет TTL кэша для этого запроса (GET)
	CacheTTL time.Duration
}

// Response результат REST запроса. Для попадания в кэш возвращаются
// заголовки исходного ответа.
type Response struct {
	StatusCode    int
	Body          []byte
	Headers       http.Header
	CorrelationID string
	Cached        bool
	Duration      time.Duration
}

// APIClient - типизированный клиент REST API биржи.
//
// Каждый запрос проходит конвейер защит:
//
//	кэш (GET) -> rate limiter -> retry -> circuit breaker -> HTTP
//
// Ошибки классифицируются в таксономию pkg/errs: транспортные сбои
// становятся NetworkError, 429 - RateLimitError с подсказкой Retry-After,
// 401/403 - AuthenticationError, прочие >= 400 - APIError. Конверт
// {"success":false} при HTTP 200 также трактуется как APIError.
//
// Использование:
//
//	client, err := exchange.NewAPIClient(cfg, httpc, limiter, brk, retryCfg, logger)
//	tickers, err := client.GetTickers(ctx, []string{"BTCUSDT"})
type APIClient struct {
	cfg      ClientConfig
	http     *HTTPClient
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	retryCfg retry.Config
	cache    *responseCache
	logger   *utils.Logger
}

// NewAPIClient создает REST клиент. Все зависимости обязательны,
// кроме logger (nil дает no-op логгер).
func NewAPIClient(cfg ClientConfig, httpClient *HTTPClient, limiter *ratelimit.Limiter, brk *breaker.Breaker, retryCfg retry.Config, logger *utils.Logger) (*APIClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.Nop()
	}
	return &APIClient{
		cfg:      cfg,
		http:     httpClient,
		limiter:  limiter,
		breaker:  brk,
		retryCfg: retryCfg,
		cache:    newResponseCache(cfg.CacheMaxEntries, cfg.CacheTTL),
		logger:   logger.WithComponent("api_client"),
	}, nil
}

// Request выполняет запрос через полный конвейер защит.
//
// GET запросы сначала пробуют кэш; попадание возвращается сразу, минуя
// лимитер и retry, с Cached=true. Успешные GET ответы кэшируются.
func (c *APIClient) Request(ctx context.Context, method, path string, query url.Values, body interface{}, opts RequestOptions) (*Response, error) {
	correlationID := uuid.NewString()
	log := c.logger.WithCorrelation(correlationID)

	key := cacheKey(method, path, query)
	if method == http.MethodGet {
		if cached, status, headers, ok := c.cache.get(key); ok {
			monitoring.RecordCacheHit()
			log.Debug("cache hit", utils.Endpoint(path))
			return &Response{
				StatusCode:    status,
				Body:          cached,
				Headers:       headers,
				CorrelationID: correlationID,
				Cached:        true,
			}, nil
		}
	}

	var bodyBytes []byte
	if body != nil {
		encoded, err := jsonWire.Marshal(body)
		if err != nil {
			return nil, errs.NewValidationError(
				fmt.Sprintf("cannot encode request body: %v", err), correlationID, "body")
		}
		bodyBytes = encoded
	}

	start := time.Now()
	var resp *Response
	err := c.limiter.Execute(ctx, method+" "+path, opts.Priority, func(ctx context.Context) error {
		return retry.Do(ctx, func() error {
			return c.breaker.Execute(ctx, func(ctx context.Context) error {
				r, rerr := c.roundtrip(ctx, method, path, query, bodyBytes, opts, correlationID)
				if rerr != nil {
					return rerr
				}
				resp = r
				return nil
			})
		}, c.retryCfg)
	})
	duration := time.Since(start)

	if err != nil {
		monitoring.RecordAPIRequest(path, errorStatus(err), duration)
		log.Warn("request failed",
			utils.String("method", method),
			utils.Endpoint(path),
			utils.Duration("duration", duration),
			utils.Err(err))
		return nil, err
	}

	resp.CorrelationID = correlationID
	resp.Duration = duration
	monitoring.RecordAPIRequest(path, resp.StatusCode, duration)

	if method == http.MethodGet && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.cache.put(key, resp.Body, resp.StatusCode, resp.Headers, opts.CacheTTL)
	}

	log.Debug("request completed",
		utils.String("method", method),
		utils.Endpoint(path),
		utils.StatusCode(resp.StatusCode),
		utils.Duration("duration", duration))
	return resp, nil
}

// roundtrip выполняет одну HTTP попытку с собственным таймаутом
func (c *APIClient) roundtrip(ctx context.Context, method, path string, query url.Values, bodyBytes []byte, opts RequestOptions, correlationID string) (*Response, error) {
	encodedQuery := ""
	reqURL := c.cfg.BaseURL + path
	if len(query) > 0 {
		encodedQuery = query.Encode()
		reqURL += "?" + encodedQuery
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, method, reqURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, errs.NewValidationError(
			fmt.Sprintf("cannot build request: %v", err), correlationID, "url")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("X-Correlation-ID", correlationID)

	if opts.Authenticated && c.cfg.APIKey != "" {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		signature := crypto.SignRequest(c.cfg.APISecret, method, timestamp, path, encodedQuery, string(bodyBytes))
		req.Header.Set("api-key", c.cfg.APIKey)
		req.Header.Set("timestamp", timestamp)
		req.Header.Set("signature", signature)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.NewNetworkError(
			fmt.Sprintf("%s %s failed", method, path), correlationID, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errs.NewNetworkError("reading response body failed", correlationID, err)
	}

	if cerr := classifyResponse(httpResp, respBody, correlationID); cerr != nil {
		return nil, cerr
	}

	return &Response{StatusCode: httpResp.StatusCode, Body: respBody, Headers: httpResp.Header}, nil
}

// classifyResponse превращает неуспешные ответы в ошибки таксономии
func classifyResponse(resp *http.Response, body []byte, correlationID string) error {
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), body)
		return errs.NewRateLimitError("exchange rate limit exceeded", correlationID, retryAfter)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.NewAuthenticationError(
			fmt.Sprintf("exchange rejected credentials with status %d", status), correlationID, nil)
	case status >= 400:
		return errs.NewAPIError(
			fmt.Sprintf("exchange returned status %d", status), correlationID, status, nil)
	}

	// Биржа может прислать ошибку в конверте с HTTP 200.
	// Указатель отличает явный success=false от тела без конверта.
	var probe struct {
		Success *bool         `json:"success"`
		Error   *apiErrorBody `json:"error"`
	}
	if err := jsonWire.Unmarshal(body, &probe); err == nil &&
		probe.Success != nil && !*probe.Success {
		return errs.NewAPIError(
			fmt.Sprintf("exchange error: %s", probe.Error.String()), correlationID, status, nil)
	}

	return nil
}

// parseRetryAfter разбирает заголовок Retry-After (секунды или HTTP-дата)
// с fallback на поле retry_after в теле ответа
func parseRetryAfter(header string, body []byte) time.Duration {
	if header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(header); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}

	var probe struct {
		Error *apiErrorBody `json:"error"`
	}
	if err := jsonWire.Unmarshal(body, &probe); err == nil &&
		probe.Error != nil && probe.Error.RetryAfter > 0 {
		return time.Duration(probe.Error.RetryAfter) * time.Second
	}
	return 0
}

// errorStatus извлекает HTTP статус из ошибки таксономии для метрик.
// Транспортные сбои дают 0.
func errorStatus(err error) int {
	var apiErr *errs.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	switch errs.CodeOf(err) {
	case errs.CodeRateLimit:
		return http.StatusTooManyRequests
	case errs.CodeAuthentication:
		return http.StatusUnauthorized
	}
	return 0
}

// InvalidateCache сбрасывает кэшированные ответы, чей путь начинается
// с префикса. Возвращает количество удаленных записей.
func (c *APIClient) InvalidateCache(prefix string) int {
	return c.cache.invalidate(prefix)
}

// Close освобождает соединения HTTP клиента
func (c *APIClient) Close() {
	c.http.Close()
}

// ============================================================
// Типизированные вызовы API
// ============================================================

// GetProducts возвращает каталог торгуемых инструментов
func (c *APIClient) GetProducts(ctx context.Context) ([]*Product, error) {
	resp, err := c.Request(ctx, http.MethodGet, "/products", nil, nil,
		RequestOptions{Priority: ratelimit.PriorityLow})
	if err != nil {
		return nil, err
	}

	var wires []productWire
	if derr := decodeResult(resp, &wires); derr != nil {
		return nil, derr
	}

	products := make([]*Product, 0, len(wires))
	for i := range wires {
		p, perr := wires[i].toProduct()
		if perr != nil {
			return nil, errs.NewAPIError(perr.Error(), resp.CorrelationID, resp.StatusCode, perr)
		}
		products = append(products, p)
	}
	return products, nil
}

// GetTickers возвращает тикеры. Пустой список символов означает все.
// Основной потребитель - фоновый опрос в резервном режиме, поэтому
// приоритет низкий: интерактивные запросы лимитера не вытесняются.
func (c *APIClient) GetTickers(ctx context.Context, symbols []string) ([]*Ticker, error) {
	var query url.Values
	if len(symbols) > 0 {
		for _, s := range symbols {
			if err := utils.ValidateSymbol(s); err != nil {
				return nil, errs.NewValidationError(
					fmt.Sprintf("invalid symbol %q: %v", s, err), "", "symbols")
			}
		}
		query = url.Values{"symbols": {strings.Join(symbols, ",")}}
	}

	resp, err := c.Request(ctx, http.MethodGet, "/tickers", query, nil,
		RequestOptions{Priority: ratelimit.PriorityLow})
	if err != nil {
		return nil, err
	}

	var wires []tickerWire
	if derr := decodeResult(resp, &wires); derr != nil {
		return nil, derr
	}

	tickers := make([]*Ticker, 0, len(wires))
	for i := range wires {
		t, terr := wires[i].toTicker()
		if terr != nil {
			return nil, errs.NewAPIError(terr.Error(), resp.CorrelationID, resp.StatusCode, terr)
		}
		tickers = append(tickers, t)
	}
	return tickers, nil
}

// GetTicker возвращает тикер одного символа
func (c *APIClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return nil, errs.NewValidationError(
			fmt.Sprintf("invalid symbol %q: %v", symbol, err), "", "symbol")
	}

	resp, err := c.Request(ctx, http.MethodGet, "/tickers/"+symbol, nil, nil,
		RequestOptions{Priority: ratelimit.PriorityNormal})
	if err != nil {
		return nil, err
	}

	var wire tickerWire
	if derr := decodeResult(resp, &wire); derr != nil {
		return nil, derr
	}
	t, terr := wire.toTicker()
	if terr != nil {
		return nil, errs.NewAPIError(terr.Error(), resp.CorrelationID, resp.StatusCode, terr)
	}
	return t, nil
}

// GetOrderBook возвращает стакан с заданной глубиной (0 = по умолчанию биржи)
func (c *APIClient) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return nil, errs.NewValidationError(
			fmt.Sprintf("invalid symbol %q: %v", symbol, err), "", "symbol")
	}

	var query url.Values
	if depth > 0 {
		query = url.Values{"depth": {strconv.Itoa(depth)}}
	}

	resp, err := c.Request(ctx, http.MethodGet, "/l2orderbook/"+symbol, query, nil,
		RequestOptions{Priority: ratelimit.PriorityNormal})
	if err != nil {
		return nil, err
	}

	var wire orderBookWire
	if derr := decodeResult(resp, &wire); derr != nil {
		return nil, derr
	}
	ob, oerr := wire.toOrderBook()
	if oerr != nil {
		return nil, errs.NewAPIError(oerr.Error(), resp.CorrelationID, resp.StatusCode, oerr)
	}
	return ob, nil
}

// PlaceOrder размещает ордер. Всегда аутентифицирован, высокий
// приоритет, никогда не кэшируется.
func (c *APIClient) PlaceOrder(ctx context.Context, order OrderRequest) (*OrderResponse, error) {
	if err := utils.ValidateSymbol(order.Symbol); err != nil {
		return nil, errs.NewValidationError(
			fmt.Sprintf("invalid symbol %q: %v", order.Symbol, err), "", "symbol")
	}
	if order.Side != OrderSideBuy && order.Side != OrderSideSell {
		return nil, errs.NewValidationError(
			fmt.Sprintf("invalid order side %q", order.Side), "", "side")
	}
	if order.Size <= 0 {
		return nil, errs.NewValidationError("order size must be positive", "", "size")
	}
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errs.NewAuthenticationError("placing orders requires API credentials", "", nil)
	}

	resp, err := c.Request(ctx, http.MethodPost, "/orders", nil, order,
		RequestOptions{Priority: ratelimit.PriorityHigh, Authenticated: true})
	if err != nil {
		return nil, err
	}

	var wire orderWire
	if derr := decodeResult(resp, &wire); derr != nil {
		return nil, derr
	}
	o, oerr := wire.toOrder()
	if oerr != nil {
		return nil, errs.NewAPIError(oerr.Error(), resp.CorrelationID, resp.StatusCode, oerr)
	}
	return o, nil
}

// decodeResult распаковывает result из конверта ответа
func decodeResult(resp *Response, out interface{}) error {
	var env apiEnvelope
	if err := jsonWire.Unmarshal(resp.Body, &env); err != nil {
		return errs.NewAPIError(
			fmt.Sprintf("cannot decode response envelope: %v", err),
			resp.CorrelationID, resp.StatusCode, err)
	}
	if len(env.Result) == 0 {
		return errs.NewAPIError("response envelope has no result", resp.CorrelationID, resp.StatusCode, nil)
	}
	if err := jsonWire.Unmarshal(env.Result, out); err != nil {
		return errs.NewAPIError(
			fmt.Sprintf("cannot decode result payload: %v", err),
			resp.CorrelationID, resp.StatusCode, err)
	}
	return nil
}
