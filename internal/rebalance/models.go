// Package rebalance calculates and executes the trades that bring a
// portfolio back to its target allocations.
package rebalance

import (
	"errors"
	"time"
)

// Run statuses as persisted in the history store.
const (
	StatusDryRun         = "DRY_RUN"
	StatusSuccess        = "SUCCESS"
	StatusPartialSuccess = "PARTIAL_SUCCESS"
	StatusFailed         = "FAILED"
)

// ErrConflict is returned when a rebalance run is already in progress.
var ErrConflict = errors.New("rebalance: a run is already in progress")

// ProposedTrade is one market order the engine wants executed.
type ProposedTrade struct {
	Symbol             string  `json:"symbol"`
	Asset              string  `json:"asset"`
	Side               string  `json:"side"`
	Quantity           float64 `json:"quantity"`
	EstimatedValueBase float64 `json:"estimated_value_base"`
	EstimatedValueUSD  float64 `json:"estimated_value_usd"`
	FeeCostUSD         float64 `json:"fee_cost_usd"`
	Reason             string  `json:"reason"`
}

// ProjectedBalance is the simulated post-trade position of one asset.
// ValueUSD is nil when no USD conversion route exists for the asset.
type ProjectedBalance struct {
	Quantity    float64  `json:"quantity"`
	ValueInBase float64  `json:"value_in_base"`
	ValueUSD    *float64 `json:"value_usd,omitempty"`
}

// Plan is the engine's output: the trades to place and the portfolio
// simulated as if they all filled at the quoted prices.
type Plan struct {
	Trades            []ProposedTrade
	TotalFeesUSD      float64
	ProjectedBalances map[string]ProjectedBalance
}

// Result summarizes one executed (or simulated) rebalance run.
type Result struct {
	RunID             string                      `json:"run_id"`
	Timestamp         time.Time                   `json:"timestamp"`
	Status            string                      `json:"status"`
	Message           string                      `json:"message"`
	Trades            []ProposedTrade             `json:"trades"`
	Errors            []string                    `json:"errors,omitempty"`
	TotalFeesUSD      float64                     `json:"total_fees_usd"`
	ProjectedBalances map[string]ProjectedBalance `json:"projected_balances,omitempty"`
}

// RunRecord is the persisted form of one rebalance run. Failed runs are
// always recorded as dry so a crashed live run never looks like it traded.
type RunRecord struct {
	RunID               string
	Timestamp           time.Time
	Status              string
	IsDryRun            bool
	SummaryMessage      string
	Trades              []ProposedTrade
	Errors              []string
	TotalFeesUSD        float64
	ProjectedBalances   map[string]ProjectedBalance
	TotalValueUSDBefore *float64
	TotalValueUSDAfter  *float64
}
