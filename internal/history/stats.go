package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/rebalance"
)

// PortfolioPoint is one total-value sample for charting.
type PortfolioPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	TotalValueUSD float64   `json:"total_value_usd"`
}

// AssetPoint is one per-asset sample of a projected balance.
type AssetPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Quantity    float64   `json:"quantity"`
	ValueInBase float64   `json:"value_in_base"`
	ValueUSD    *float64  `json:"value_usd,omitempty"`
}

// TimeSeries is the charting payload: portfolio totals plus the history of
// every individual asset, oldest first.
type TimeSeries struct {
	Portfolio []PortfolioPoint       `json:"portfolio"`
	Assets    map[string][]AssetPoint `json:"assets"`
}

// Stats summarizes the recorded runs.
type Stats struct {
	TotalRuns      int            `json:"total_runs"`
	ByStatus       map[string]int `json:"by_status"`
	TotalFeesUSD   float64        `json:"total_fees_usd"`
	MeanValueUSD   float64        `json:"mean_value_usd"`
	StdDevValueUSD float64        `json:"stddev_value_usd"`
	MinValueUSD    float64        `json:"min_value_usd"`
	MaxValueUSD    float64        `json:"max_value_usd"`
}

// TimeSeries builds chart data from all recorded runs, oldest first. Runs
// without a stored total fall back to summing their projected balances.
func (s *Store) TimeSeries(ctx context.Context) (*TimeSeries, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs for time series: %w", err)
	}
	defer rows.Close()

	series := &TimeSeries{
		Portfolio: []PortfolioPoint{},
		Assets:    make(map[string][]AssetPoint),
	}

	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		if rec.Timestamp.IsZero() {
			continue
		}

		if total, ok := totalAfter(rec); ok {
			series.Portfolio = append(series.Portfolio, PortfolioPoint{
				Timestamp:     rec.Timestamp,
				TotalValueUSD: total,
			})
		}

		for asset, pb := range rec.ProjectedBalances {
			series.Assets[asset] = append(series.Assets[asset], AssetPoint{
				Timestamp:   rec.Timestamp,
				Quantity:    pb.Quantity,
				ValueInBase: pb.ValueInBase,
				ValueUSD:    pb.ValueUSD,
			})
		}
	}
	return series, rows.Err()
}

// Stats aggregates run counts and the distribution of portfolio values.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs for stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByStatus: make(map[string]int)}
	var values []float64

	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		stats.TotalRuns++
		stats.ByStatus[rec.Status]++
		stats.TotalFeesUSD += rec.TotalFeesUSD
		if total, ok := totalAfter(rec); ok {
			values = append(values, total)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(values) > 0 {
		stats.MeanValueUSD = stat.Mean(values, nil)
		stats.MinValueUSD = floats.Min(values)
		stats.MaxValueUSD = floats.Max(values)
		if len(values) > 1 {
			stats.StdDevValueUSD = stat.StdDev(values, nil)
		}
	}
	return stats, nil
}

// totalAfter resolves the post-run portfolio value, falling back to the
// projected balances when the stored total is missing.
func totalAfter(rec rebalance.RunRecord) (float64, bool) {
	if rec.TotalValueUSDAfter != nil {
		return *rec.TotalValueUSDAfter, true
	}
	if len(rec.ProjectedBalances) == 0 {
		return 0, false
	}

	assets := make([]string, 0, len(rec.ProjectedBalances))
	for asset := range rec.ProjectedBalances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	var total float64
	for _, asset := range assets {
		pb := rec.ProjectedBalances[asset]
		switch {
		case pb.ValueUSD != nil:
			total += *pb.ValueUSD
		default:
			total += pb.ValueInBase
		}
	}
	return total, true
}
