// Package cmc provides a client for the CoinMarketCap listings API. The
// rebalancer uses it purely as an eligibility gate: only assets ranked in
// the configured top N are traded.
package cmc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/clientdata"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/reliability"
)

const defaultBaseURL = "https://pro-api.coinmarketcap.com"

// Error codes in the response envelope that indicate the API key itself is
// invalid or its plan is exhausted.
const (
	codeInvalidKey   = 1001
	codeExhaustedKey = 1002
)

// ErrInvalidAPIKey indicates an invalid or exhausted CoinMarketCap key.
var ErrInvalidAPIKey = errors.New("cmc: invalid or exhausted API key")

// APIError carries a CoinMarketCap status envelope error verbatim.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coinmarketcap API error (code %d): %s", e.Code, e.Msg)
}

// statusEnvelope is the provider's standard response wrapper.
type statusEnvelope struct {
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
	Data json.RawMessage `json:"data"`
}

// listing is one entry of the listings payload.
type listing struct {
	Symbol  string `json:"symbol"`
	CMCRank int    `json:"cmc_rank"`
}

// Client for the CoinMarketCap REST API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	retry      reliability.Policy
	cache      *clientdata.Repository
	log        zerolog.Logger
}

// Option customizes the client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithRetryPolicy overrides the default backoff policy.
func WithRetryPolicy(p reliability.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithCache persists listings across cycles. Stale listings serve as a
// fallback when the API is unreachable.
func WithCache(repo *clientdata.Repository) Option {
	return func(c *Client) { c.cache = repo }
}

// NewClient creates a new CoinMarketCap client.
func NewClient(apiKey string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      reliability.DefaultPolicy,
		log:        log.With().Str("client", "coinmarketcap").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get sends one request under the retry policy and unwraps the status
// envelope.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	var data json.RawMessage

	err := c.retry.Do(ctx, func() error {
		reqURL := c.baseURL + endpoint
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return reliability.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("X-CMC_PRO_API_KEY", c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		var envelope statusEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("API returned status %d", resp.StatusCode)
			}
			return reliability.Permanent(fmt.Errorf("failed to parse response: %w", err))
		}

		if envelope.Status.ErrorCode != 0 {
			apiErr := &APIError{Code: envelope.Status.ErrorCode, Msg: envelope.Status.ErrorMessage}
			if apiErr.Code == codeInvalidKey || apiErr.Code == codeExhaustedKey || resp.StatusCode == http.StatusUnauthorized {
				return reliability.Permanent(fmt.Errorf("%w: %s (code %d)", ErrInvalidAPIKey, apiErr.Msg, apiErr.Code))
			}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return apiErr
			}
			return reliability.Permanent(apiErr)
		}

		data = envelope.Data
		return nil
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

// TestKey validates the API key against the key-info endpoint.
func (c *Client) TestKey(ctx context.Context) error {
	_, err := c.get(ctx, "/v1/key/info", nil)
	return err
}

// TopSymbols returns the symbols of the top limit ranked cryptocurrencies.
func (c *Client) TopSymbols(ctx context.Context, limit int, convert string) (map[string]struct{}, error) {
	if convert == "" {
		convert = "USD"
	}

	cacheKey := fmt.Sprintf("top-%d-%s", limit, convert)
	if c.cache != nil {
		var cached []string
		if ok, err := c.cache.GetIfFresh(clientdata.TableCMCListings, cacheKey, &cached); err == nil && ok {
			return symbolSet(cached), nil
		}
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("convert", convert)

	data, err := c.get(ctx, "/v1/cryptocurrency/listings/latest", params)
	if err != nil {
		// Day-old eligibility data beats aborting the whole cycle.
		if c.cache != nil {
			var stale []string
			if ok, cerr := c.cache.Get(clientdata.TableCMCListings, cacheKey, &stale); cerr == nil && ok {
				c.log.Warn().Err(err).Msg("Listings fetch failed, serving stale cache")
				return symbolSet(stale), nil
			}
		}
		return nil, err
	}

	var listings []listing
	if err := json.Unmarshal(data, &listings); err != nil {
		return nil, fmt.Errorf("failed to parse listings: %w", err)
	}

	names := make([]string, 0, len(listings))
	for _, l := range listings {
		names = append(names, strings.ToUpper(l.Symbol))
	}

	if c.cache != nil {
		if err := c.cache.Store(clientdata.TableCMCListings, cacheKey, names, clientdata.TTLCMCListings); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cache listings")
		}
	}

	c.log.Debug().Int("count", len(names)).Int("limit", limit).Msg("Fetched top symbols")
	return symbolSet(names), nil
}

func symbolSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
