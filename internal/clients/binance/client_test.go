package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/clientdata"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/database"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/reliability"
	"github.com/Jailtonfonseca/rebalanceamento-binance/pkg/logger"
)

var fastRetry = reliability.Policy{Attempts: 3, Multiplier: 1, MinWait: time.Millisecond, MaxWait: 2 * time.Millisecond}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logger.New(logger.Config{Level: "error"})
	c := NewClient("test-key", "test-secret", log,
		WithBaseURL(srv.URL),
		WithRetryPolicy(fastRetry),
	)
	return c, srv
}

func TestBalancesFiltersZeroAndSigns(t *testing.T) {
	var gotHeader string
	var gotQuery url.Values

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-MBX-APIKEY")
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"balances":[
			{"asset":"BTC","free":"1.5","locked":"0"},
			{"asset":"DUST","free":"0.0","locked":"0"},
			{"asset":"usdt","free":"5000","locked":"0"}
		]}`))
	}))

	balances, err := c.Balances(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]float64{"BTC": 1.5, "USDT": 5000}, balances)
	assert.Equal(t, "test-key", gotHeader)

	// Signed GET carries timestamp, recvWindow and a valid signature in the query
	require.NotEmpty(t, gotQuery.Get("timestamp"))
	require.NotEmpty(t, gotQuery.Get("recvWindow"))
	sig := gotQuery.Get("signature")
	require.NotEmpty(t, sig)

	signed := url.Values{}
	for k, vs := range gotQuery {
		if k == "signature" {
			continue
		}
		for _, v := range vs {
			signed.Add(k, v)
		}
	}
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(signed.Encode()))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestSignatureRecomputedPerRetry(t *testing.T) {
	var signatures []string
	var timestamps []string

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signatures = append(signatures, r.URL.Query().Get("signature"))
		timestamps = append(timestamps, r.URL.Query().Get("timestamp"))
		if len(signatures) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"code":-1000,"msg":"internal error"}`))
			return
		}
		w.Write([]byte(`{"balances":[]}`))
	}))

	_, err := c.Balances(context.Background())
	require.NoError(t, err)
	require.Len(t, signatures, 3)

	// Each attempt re-signs; with millisecond waits the timestamps may
	// coincide but the signature must always match its own parameter set.
	for i, sig := range signatures {
		assert.NotEmpty(t, sig, "attempt %d missing signature", i)
	}
	assert.NotEmpty(t, timestamps[0])
}

func TestInvalidCredentialsNotRetried(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":-2014,"msg":"API-key format invalid."}`))
	}))

	err := c.TestAccount(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	assert.Equal(t, 1, calls, "credential failures must not be retried")
}

func TestAPIErrorCarriesCodeAndMessage(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`))
	}))

	_, err := c.CreateOrder(context.Background(), "BTCUSDT", "SELL", "0.36", false)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -1013, apiErr.Code)
	assert.Equal(t, "Filter failure: LOT_SIZE", apiErr.Msg)
}

func TestExchangeInfoLiteralSymbolsAndCache(t *testing.T) {
	calls := 0
	var gotRawQuery string

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		gotRawQuery = r.URL.RawQuery
		w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","filters":[
				{"filterType":"LOT_SIZE","stepSize":"0.00001"},
				{"filterType":"NOTIONAL","minNotional":"10.0"}
			]}
		]}`))
	}))

	info, err := c.ExchangeInfo(context.Background(), []string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)

	// Brackets and quotes go over the wire literally, not percent-encoded
	assert.Equal(t, `symbols=["BTCUSDT","ETHUSDT"]`, gotRawQuery)

	step, ok := info["BTCUSDT"].LotStepSize()
	require.True(t, ok)
	assert.Equal(t, "0.00001", step)

	minNotional, ok := info["BTCUSDT"].MinNotionalValue()
	require.True(t, ok)
	assert.Equal(t, "10.0", minNotional)

	// Second call is served from the lifetime cache
	_, err = c.ExchangeInfo(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCreateOrderPostsFormBody(t *testing.T) {
	var gotPath string
	var gotForm url.Values

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":12345,"status":"FILLED"}`))
	}))

	order, err := c.CreateOrder(context.Background(), "BTCUSDT", "sell", "0.36", false)
	require.NoError(t, err)

	assert.Equal(t, "/api/v3/order", gotPath)
	assert.Equal(t, "BTCUSDT", gotForm.Get("symbol"))
	assert.Equal(t, "SELL", gotForm.Get("side"))
	assert.Equal(t, "MARKET", gotForm.Get("type"))
	assert.Equal(t, "0.36", gotForm.Get("quantity"))
	assert.NotEmpty(t, gotForm.Get("signature"), "POST parameters are signed in the body")
	assert.Equal(t, int64(12345), order.OrderID)
}

func TestCreateOrderTestEndpoint(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))

	_, err := c.CreateOrder(context.Background(), "ETHUSDT", "BUY", "4.25", true)
	require.NoError(t, err)
	assert.Equal(t, "/api/v3/order/test", gotPath)
}

func newCacheRepo(t *testing.T) *clientdata.Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:binance_cache_%s?mode=memory&cache=shared", t.Name()),
		Profile: database.ProfileCache,
		Name:    "client_data",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := clientdata.NewRepository(db.Conn())
	require.NoError(t, repo.InitSchema())
	return repo
}

func TestExchangeInfoPersistentCacheSharedAcrossClients(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[{"filterType":"LOT_SIZE","stepSize":"0.00001"}]}]}`))
	}))
	t.Cleanup(srv.Close)

	repo := newCacheRepo(t)
	log := logger.New(logger.Config{Level: "error"})

	first := NewClient("k", "s", log, WithBaseURL(srv.URL), WithRetryPolicy(fastRetry), WithCache(repo))
	_, err := first.ExchangeInfo(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)

	// A fresh client shares the persisted cache and skips the network
	second := NewClient("k", "s", log, WithBaseURL(srv.URL), WithRetryPolicy(fastRetry), WithCache(repo))
	info, err := second.ExchangeInfo(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	step, ok := info["BTCUSDT"].LotStepSize()
	require.True(t, ok)
	assert.Equal(t, "0.00001", step)
}

func TestExchangeInfoStaleCacheFallback(t *testing.T) {
	repo := newCacheRepo(t)
	expired := map[string]SymbolInfo{
		"BTCUSDT": {Symbol: "BTCUSDT", Filters: []Filter{{FilterType: "LOT_SIZE", StepSize: "0.001"}}},
	}
	require.NoError(t, repo.Store(clientdata.TableExchangeInfo, "BTCUSDT", expired, -time.Minute))

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":-1000,"msg":"internal error"}`))
	}))
	c.cache = repo

	info, err := c.ExchangeInfo(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)

	step, ok := info["BTCUSDT"].LotStepSize()
	require.True(t, ok)
	assert.Equal(t, "0.001", step)
}

func TestMinNotionalAcceptsLegacyFilterName(t *testing.T) {
	info := SymbolInfo{Filters: []Filter{
		{FilterType: "MIN_NOTIONAL", MinNotional: "20000"},
	}}
	v, ok := info.MinNotionalValue()
	require.True(t, ok)
	assert.Equal(t, "20000", v)
}
