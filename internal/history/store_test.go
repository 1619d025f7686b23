package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/database"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/rebalance"
	"github.com/Jailtonfonseca/rebalanceamento-binance/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:history_%s?mode=memory&cache=shared", t.Name()),
		Profile: database.ProfileHistory,
		Name:    "history",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db.Conn(), logger.New(logger.Config{Level: "error"}))
	require.NoError(t, store.InitSchema())
	return store
}

func usd(v float64) *float64 { return &v }

func sampleRecord(runID string, ts time.Time) rebalance.RunRecord {
	return rebalance.RunRecord{
		RunID:          runID,
		Timestamp:      ts,
		Status:         rebalance.StatusDryRun,
		IsDryRun:       true,
		SummaryMessage: "Simulation complete. 2 trades simulated.",
		Trades: []rebalance.ProposedTrade{
			{Symbol: "BTCUSDT", Asset: "BTC", Side: "SELL", Quantity: 0.36, EstimatedValueBase: 18000, EstimatedValueUSD: 18000, FeeCostUSD: 18},
		},
		TotalFeesUSD: 18,
		ProjectedBalances: map[string]rebalance.ProjectedBalance{
			"BTC":  {Quantity: 1.14, ValueInBase: 57000, ValueUSD: usd(57000)},
			"USDT": {Quantity: 22982, ValueInBase: 22982, ValueUSD: usd(22982)},
		},
		TotalValueUSDBefore: usd(100000),
		TotalValueUSDAfter:  usd(99982),
	}
}

func TestAppendAndLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, sampleRecord("run-1", ts)))

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)

	assert.Equal(t, "run-1", latest.RunID)
	assert.Equal(t, ts, latest.Timestamp)
	assert.True(t, latest.IsDryRun)
	require.Len(t, latest.Trades, 1)
	assert.Equal(t, "BTCUSDT", latest.Trades[0].Symbol)
	require.NotNil(t, latest.TotalValueUSDAfter)
	assert.Equal(t, 99982.0, *latest.TotalValueUSDAfter)
	require.Contains(t, latest.ProjectedBalances, "BTC")
	assert.Equal(t, 1.14, latest.ProjectedBalances["BTC"].Quantity)
}

func TestLatestOnEmptyHistory(t *testing.T) {
	store := newTestStore(t)

	latest, err := store.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestDuplicateRunIDRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("run-dup", time.Now().UTC())
	require.NoError(t, store.Append(ctx, rec))
	assert.Error(t, store.Append(ctx, rec))
}

func TestListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, sampleRecord(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Hour))))
	}

	records, err := store.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "run-4", records[0].RunID)
	assert.Equal(t, "run-2", records[2].RunID)

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5, "non-positive limit uses the default page size")
}

func TestTimestampsNormalizedToUTC(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	loc := time.FixedZone("UTC+3", 3*60*60)
	local := time.Date(2025, 6, 1, 15, 0, 0, 0, loc)
	require.NoError(t, store.Append(ctx, sampleRecord("run-tz", local)))

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, time.UTC, latest.Timestamp.Location())
	assert.Equal(t, local.UTC(), latest.Timestamp)
}

func TestNaiveLegacyTimestampReadAsUTC(t *testing.T) {
	assert.Equal(t,
		time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
		parseTimestamp("2025-06-01T12:30:00"))
	assert.Equal(t,
		time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC),
		parseTimestamp("2025-06-01 12:30:00"))
}

func TestTimeSeries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	first := sampleRecord("run-a", base)
	second := sampleRecord("run-b", base.Add(time.Hour))
	second.TotalValueUSDAfter = nil // falls back to summing projected balances
	require.NoError(t, store.Append(ctx, first))
	require.NoError(t, store.Append(ctx, second))

	series, err := store.TimeSeries(ctx)
	require.NoError(t, err)

	require.Len(t, series.Portfolio, 2)
	assert.Equal(t, base, series.Portfolio[0].Timestamp)
	assert.Equal(t, 99982.0, series.Portfolio[0].TotalValueUSD)
	assert.InDelta(t, 57000+22982, series.Portfolio[1].TotalValueUSD, 0.01)

	require.Contains(t, series.Assets, "BTC")
	assert.Len(t, series.Assets["BTC"], 2)
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a := sampleRecord("run-a", base)
	a.TotalValueUSDAfter = usd(100)
	b := sampleRecord("run-b", base.Add(time.Hour))
	b.TotalValueUSDAfter = usd(200)
	b.Status = rebalance.StatusSuccess
	require.NoError(t, store.Append(ctx, a))
	require.NoError(t, store.Append(ctx, b))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, 1, stats.ByStatus[rebalance.StatusDryRun])
	assert.Equal(t, 1, stats.ByStatus[rebalance.StatusSuccess])
	assert.Equal(t, 36.0, stats.TotalFeesUSD)
	assert.Equal(t, 150.0, stats.MeanValueUSD)
	assert.Equal(t, 100.0, stats.MinValueUSD)
	assert.Equal(t, 200.0, stats.MaxValueUSD)
	assert.InDelta(t, 70.71, stats.StdDevValueUSD, 0.01)
}
