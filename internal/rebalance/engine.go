package rebalance

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/pricing"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/quantity"
)

// SymbolRules carries the exchange trading constraints for one pair.
// Empty strings mean the exchange did not publish the filter.
type SymbolRules struct {
	StepSize    string
	MinNotional string
}

// Input is everything the engine needs to compute a plan. The engine
// performs no I/O: callers fetch balances, prices and rules first.
type Input struct {
	Balances          map[string]float64
	Prices            map[string]float64
	Rules             map[string]SymbolRules
	TargetAllocations map[string]float64
	EligibleSymbols   map[string]struct{}
	BasePair          string
	MinTradeValueUSD  float64
	TradeFeePct       float64
}

// Engine computes rebalancing plans. It is stateless; Run is a pure
// function of its input.
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates a rebalance engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "rebalance-engine").Logger()}
}

// Run calculates the trades needed to match the target allocations.
//
// Candidates are the assets either held or targeted that also pass the
// rank eligibility gate; the base pair always participates. Allocation
// percentages are measured against the eligible value excluding the base
// pair, so the base holding acts as the funding buffer rather than a
// position being balanced.
func (e *Engine) Run(in Input) Plan {
	basePair := in.BasePair

	candidates := make(map[string]struct{})
	for asset := range in.Balances {
		if _, ok := in.EligibleSymbols[asset]; ok {
			candidates[asset] = struct{}{}
		}
	}
	for asset := range in.TargetAllocations {
		if _, ok := in.EligibleSymbols[asset]; ok {
			candidates[asset] = struct{}{}
		}
	}
	candidates[basePair] = struct{}{}

	// Sorted iteration keeps the plan deterministic for identical inputs.
	ordered := make([]string, 0, len(candidates))
	for asset := range candidates {
		ordered = append(ordered, asset)
	}
	sort.Strings(ordered)

	baseToUSD, baseToUSDKnown := pricing.BaseToUSD(in.Prices, basePair)

	currentValues := make(map[string]float64)
	for _, asset := range ordered {
		qty := in.Balances[asset]
		if qty == 0 {
			continue
		}
		priceInBase, ok := pricing.AssetBaseValue(in.Prices, asset, basePair)
		if !ok {
			e.log.Debug().Str("asset", asset).Str("base", basePair).Msg("No price route to base, skipping")
			continue
		}
		currentValues[asset] = qty * priceInBase
	}

	if len(currentValues) == 0 {
		e.log.Warn().Msg("No assets with value found to rebalance")
		return Plan{Trades: []ProposedTrade{}, ProjectedBalances: map[string]ProjectedBalance{}}
	}

	var totalEligible float64
	for asset, v := range currentValues {
		if asset != basePair {
			totalEligible += v
		}
	}
	if totalEligible == 0 {
		e.log.Warn().Msg("Eligible portfolio value is zero, nothing to rebalance")
		return Plan{Trades: []ProposedTrade{}, ProjectedBalances: map[string]ProjectedBalance{}}
	}

	trades := make([]ProposedTrade, 0)
	for _, asset := range ordered {
		if asset == basePair {
			continue
		}

		currentPct := currentValues[asset] / totalEligible * 100
		targetPct := in.TargetAllocations[asset]
		deltaPct := targetPct - currentPct
		deltaBase := deltaPct / 100 * totalEligible

		// The minimum-trade gate is in USD; without a USD route the base
		// value stands in for it.
		threshold := math.Abs(deltaBase)
		if baseToUSDKnown {
			threshold *= baseToUSD
		}
		if threshold < in.MinTradeValueUSD {
			continue
		}

		symbol := asset + basePair
		price, ok := pricing.AssetBaseValue(in.Prices, asset, basePair)
		if !ok || price == 0 {
			e.log.Warn().Str("symbol", symbol).Msg("No price for symbol, skipping asset")
			continue
		}

		rules, ok := in.Rules[symbol]
		if !ok || rules.StepSize == "" || rules.MinNotional == "" {
			e.log.Warn().Str("symbol", symbol).Msg("Missing trading rules for symbol, skipping asset")
			continue
		}
		minNotional, err := strconv.ParseFloat(rules.MinNotional, 64)
		if err != nil {
			e.log.Warn().Str("symbol", symbol).Str("minNotional", rules.MinNotional).Msg("Unparseable minimum notional, skipping asset")
			continue
		}

		qty, err := quantity.AdjustToStep(math.Abs(deltaBase)/price, rules.StepSize)
		if err != nil {
			e.log.Warn().Str("symbol", symbol).Str("stepSize", rules.StepSize).Err(err).Msg("Unusable step size, skipping asset")
			continue
		}

		tradeValueBase := qty * price
		if qty <= 0 || tradeValueBase < minNotional {
			continue
		}

		valueUSD := tradeValueBase
		if baseToUSDKnown {
			valueUSD = tradeValueBase * baseToUSD
		}
		feeUSD := valueUSD * in.TradeFeePct / 100

		side := "SELL"
		if deltaBase > 0 {
			side = "BUY"
		}

		trades = append(trades, ProposedTrade{
			Symbol:             symbol,
			Asset:              asset,
			Side:               side,
			Quantity:           qty,
			EstimatedValueBase: tradeValueBase,
			EstimatedValueUSD:  valueUSD,
			FeeCostUSD:         feeUSD,
			Reason:             fmt.Sprintf("Target: %.2f%%, Current: %.2f%%, Delta: %.2f%%", targetPct, currentPct, deltaPct),
		})
		e.log.Info().
			Str("side", side).
			Float64("quantity", qty).
			Str("asset", asset).
			Float64("value_usd", valueUSD).
			Float64("fee_usd", feeUSD).
			Msg("Proposing trade")
	}

	var totalFees float64
	for _, t := range trades {
		totalFees += t.FeeCostUSD
	}

	return Plan{
		Trades:            trades,
		TotalFeesUSD:      totalFees,
		ProjectedBalances: e.project(in, trades),
	}
}

// project simulates the trades against the current balances, assuming
// every order fills at the quoted price. Buy fees come out of the
// received asset, sell fees out of the quote proceeds.
func (e *Engine) project(in Input, trades []ProposedTrade) map[string]ProjectedBalance {
	feeFactor := 1 - in.TradeFeePct/100

	projected := make(map[string]float64, len(in.Balances)+1)
	for asset, qty := range in.Balances {
		projected[asset] = qty
	}
	if _, ok := projected[in.BasePair]; !ok {
		projected[in.BasePair] = 0
	}

	for _, t := range trades {
		if t.Side == "BUY" {
			projected[t.Asset] += t.Quantity * feeFactor
			projected[in.BasePair] -= t.EstimatedValueBase
		} else {
			projected[t.Asset] -= t.Quantity
			projected[in.BasePair] += t.EstimatedValueBase * feeFactor
		}
	}

	result := make(map[string]ProjectedBalance, len(projected))
	for asset, qty := range projected {
		priceInBase, ok := pricing.AssetBaseValue(in.Prices, asset, in.BasePair)
		if !ok || priceInBase == 0 {
			priceInBase = 1
		}
		entry := ProjectedBalance{
			Quantity:    qty,
			ValueInBase: qty * priceInBase,
		}
		if priceUSD, ok := pricing.AssetUSDValue(in.Prices, asset, in.BasePair); ok {
			v := qty * priceUSD
			entry.ValueUSD = &v
		}
		result[asset] = entry
	}
	return result
}
