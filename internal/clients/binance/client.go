// Package binance provides a signed REST client for the Binance Spot API.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/clientdata"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/reliability"
)

const defaultBaseURL = "https://api.binance.com"

// Client is a signed client for the Binance Spot REST API. The exchange-info
// cache lives for the client's lifetime; each rebalance cycle constructs a
// fresh client, so rules are re-fetched at most once per cycle.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow int64
	httpClient *http.Client
	retry      reliability.Policy
	cache      *clientdata.Repository
	log        zerolog.Logger

	mu                sync.Mutex
	exchangeInfoCache map[string]SymbolInfo
}

// Option customizes the client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests, mirrors).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithRetryPolicy overrides the default backoff policy.
func WithRetryPolicy(p reliability.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithCache persists exchange-info responses across cycles. Stale entries
// serve as a fallback when the exchange is unreachable.
func WithCache(repo *clientdata.Repository) Option {
	return func(c *Client) { c.cache = repo }
}

// NewClient creates a new Binance client.
func NewClient(apiKey, secretKey string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    defaultBaseURL,
		recvWindow: 5000,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      reliability.DefaultPolicy,
		log:        log.With().Str("client", "binance").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sign appends timestamp and recvWindow, then computes the hex HMAC-SHA256
// of the url-encoded parameter string. Called once per attempt: a stale
// timestamp makes every retry fail the recvWindow check.
func (c *Client) sign(params url.Values) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))

	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
}

// doRequest sends one request under the retry policy. rawQuery is appended
// to the URL verbatim and bypasses percent-encoding (the exchangeInfo
// symbols parameter requires literal brackets and quotes).
func (c *Client) doRequest(ctx context.Context, method, endpoint, rawQuery string, params url.Values, signed bool) ([]byte, error) {
	var body []byte

	err := c.retry.Do(ctx, func() error {
		// Work on a copy so the signature and timestamp are fresh per attempt
		attemptParams := url.Values{}
		for k, vs := range params {
			for _, v := range vs {
				attemptParams.Add(k, v)
			}
		}
		if signed {
			c.sign(attemptParams)
		}

		reqURL := c.baseURL + endpoint
		var reqBody io.Reader
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
			if rawQuery != "" {
				reqURL += "?" + rawQuery
			}
			reqBody = strings.NewReader(attemptParams.Encode())
		default:
			query := attemptParams.Encode()
			if rawQuery != "" {
				if query != "" {
					query = rawQuery + "&" + query
				} else {
					query = rawQuery
				}
			}
			if query != "" {
				reqURL += "?" + query
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return reliability.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if c.apiKey != "" {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := &APIError{Code: -1, Msg: fmt.Sprintf("HTTP %d", resp.StatusCode)}
			if err := json.Unmarshal(data, apiErr); err != nil {
				c.log.Debug().Int("status", resp.StatusCode).Msg("Non-JSON error response")
			}
			if IsCredentialCode(apiErr.Code) {
				return reliability.Permanent(fmt.Errorf("%w: %s (code %d)", ErrInvalidCredentials, apiErr.Msg, apiErr.Code))
			}
			// Server-side errors may be transient; client errors are not
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return apiErr
			}
			return reliability.Permanent(apiErr)
		}

		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

// TestAccount makes a signed account call purely to validate credentials.
func (c *Client) TestAccount(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", "", url.Values{}, true)
	return err
}

// Balances fetches all non-zero free balances for the account.
func (c *Client) Balances(ctx context.Context) (map[string]float64, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", "", url.Values{}, true)
	if err != nil {
		return nil, err
	}

	var account accountResponse
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("failed to parse account response: %w", err)
	}

	balances := make(map[string]float64)
	for _, b := range account.Balances {
		free, err := strconv.ParseFloat(b.Free, 64)
		if err != nil {
			c.log.Warn().Str("asset", b.Asset).Str("free", b.Free).Msg("Unparseable balance, skipping")
			continue
		}
		if free > 0 {
			balances[strings.ToUpper(b.Asset)] = free
		}
	}

	return balances, nil
}

// AllPrices fetches the latest price for every symbol.
func (c *Client) AllPrices(ctx context.Context) (map[string]float64, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", "", url.Values{}, false)
	if err != nil {
		return nil, err
	}

	var tickers []tickerPrice
	if err := json.Unmarshal(data, &tickers); err != nil {
		return nil, fmt.Errorf("failed to parse ticker response: %w", err)
	}

	prices := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			c.log.Warn().Str("symbol", t.Symbol).Str("price", t.Price).Msg("Unparseable price, skipping")
			continue
		}
		prices[t.Symbol] = price
	}

	return prices, nil
}

// ExchangeInfo fetches trading rules keyed by symbol. The result is cached
// for the client's lifetime. When symbols are supplied the request carries
// them as a single symbols=["A","B"] parameter with literal brackets and
// quotes: Binance rejects the percent-encoded form.
func (c *Client) ExchangeInfo(ctx context.Context, symbols []string) (map[string]SymbolInfo, error) {
	c.mu.Lock()
	if c.exchangeInfoCache != nil {
		cached := c.exchangeInfoCache
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	cacheKey := "spot"
	if len(symbols) > 0 {
		cacheKey = strings.Join(symbols, ",")
	}
	if c.cache != nil {
		var cached map[string]SymbolInfo
		if ok, err := c.cache.GetIfFresh(clientdata.TableExchangeInfo, cacheKey, &cached); err == nil && ok {
			c.storeLifetime(cached)
			return cached, nil
		}
	}

	rawQuery := ""
	if len(symbols) > 0 {
		encoded, err := json.Marshal(symbols)
		if err != nil {
			return nil, fmt.Errorf("failed to encode symbols: %w", err)
		}
		rawQuery = "symbols=" + string(encoded)
	}

	data, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", rawQuery, url.Values{}, false)
	if err != nil {
		// Stale rules beat no rules when the exchange is unreachable.
		if c.cache != nil {
			var stale map[string]SymbolInfo
			if ok, cerr := c.cache.Get(clientdata.TableExchangeInfo, cacheKey, &stale); cerr == nil && ok {
				c.log.Warn().Err(err).Msg("Exchange info fetch failed, serving stale cache")
				c.storeLifetime(stale)
				return stale, nil
			}
		}
		return nil, err
	}

	var info exchangeInfoResponse
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse exchange info: %w", err)
	}

	bySymbol := make(map[string]SymbolInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		bySymbol[s.Symbol] = s
	}

	if c.cache != nil {
		if err := c.cache.Store(clientdata.TableExchangeInfo, cacheKey, bySymbol, clientdata.TTLExchangeInfo); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cache exchange info")
		}
	}

	c.storeLifetime(bySymbol)
	return bySymbol, nil
}

func (c *Client) storeLifetime(info map[string]SymbolInfo) {
	c.mu.Lock()
	c.exchangeInfoCache = info
	c.mu.Unlock()
}

// CreateOrder places (or, with test=true, validates) a market order.
// The quantity must already be a plain decimal string floored to the pair's
// step size.
func (c *Client) CreateOrder(ctx context.Context, symbol, side, quantity string, test bool) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", strings.ToUpper(side))
	params.Set("type", "MARKET")
	params.Set("quantity", quantity)

	endpoint := "/api/v3/order"
	if test {
		endpoint = "/api/v3/order/test"
	}

	data, err := c.doRequest(ctx, http.MethodPost, endpoint, "", params, true)
	if err != nil {
		return nil, err
	}

	var order OrderResponse
	if len(data) > 0 && string(data) != "{}" {
		if err := json.Unmarshal(data, &order); err != nil {
			return nil, fmt.Errorf("failed to parse order response: %w", err)
		}
	}

	return &order, nil
}
