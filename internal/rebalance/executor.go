package rebalance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/clients/binance"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/quantity"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/settings"
)

// ExchangeClient is the exchange surface the executor needs.
type ExchangeClient interface {
	Balances(ctx context.Context) (map[string]float64, error)
	AllPrices(ctx context.Context) (map[string]float64, error)
	ExchangeInfo(ctx context.Context, symbols []string) (map[string]binance.SymbolInfo, error)
	CreateOrder(ctx context.Context, symbol, side, quantity string, test bool) (*binance.OrderResponse, error)
}

// RankingClient supplies the rank eligibility set.
type RankingClient interface {
	TopSymbols(ctx context.Context, limit int, convert string) (map[string]struct{}, error)
}

// HistoryStore persists finished runs.
type HistoryStore interface {
	Append(ctx context.Context, rec RunRecord) error
}

// runMu serializes rebalance runs process-wide. Executors are constructed
// per run, so the lock cannot live on the struct.
var runMu sync.Mutex

// Executor orchestrates one full rebalance flow: fetch market data, plan
// trades, execute or simulate them, and persist the outcome.
type Executor struct {
	cfg      settings.Settings
	exchange ExchangeClient
	ranking  RankingClient
	engine   *Engine
	store    HistoryStore
	log      zerolog.Logger
}

// NewExecutor creates an executor bound to a settings snapshot.
func NewExecutor(cfg settings.Settings, exchange ExchangeClient, ranking RankingClient, store HistoryStore, log zerolog.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		exchange: exchange,
		ranking:  ranking,
		engine:   NewEngine(log),
		store:    store,
		log:      log.With().Str("component", "rebalance-executor").Logger(),
	}
}

// Execute runs the full rebalance flow. Only one run may be in flight at a
// time; a second caller gets ErrConflict immediately instead of queueing.
// dryRunOverride, when non-nil, takes precedence over the configured flag.
func (e *Executor) Execute(ctx context.Context, dryRunOverride *bool) (*Result, error) {
	if !runMu.TryLock() {
		e.log.Warn().Msg("Rebalance already in progress, rejecting run")
		return nil, ErrConflict
	}
	defer runMu.Unlock()

	runID := uuid.NewString()
	isDryRun := e.cfg.DryRun
	if dryRunOverride != nil {
		isDryRun = *dryRunOverride
	}
	log := e.log.With().Str("run_id", runID).Bool("dry_run", isDryRun).Logger()
	log.Info().Msg("Starting rebalance run")

	var valueBefore *float64

	balances, err := e.exchange.Balances(ctx)
	if err != nil {
		return nil, e.fail(ctx, runID, valueBefore, fmt.Errorf("failed to fetch balances: %w", err))
	}

	prices, err := e.exchange.AllPrices(ctx)
	if err != nil {
		return nil, e.fail(ctx, runID, valueBefore, fmt.Errorf("failed to fetch prices: %w", err))
	}
	valueBefore = e.portfolioValue(balances, prices)

	symbols := make([]string, 0, len(e.cfg.Allocations))
	for asset := range e.cfg.Allocations {
		symbols = append(symbols, asset+e.cfg.BasePair)
	}
	sort.Strings(symbols)

	info, err := e.exchange.ExchangeInfo(ctx, symbols)
	if err != nil {
		return nil, e.fail(ctx, runID, valueBefore, fmt.Errorf("failed to fetch exchange info: %w", err))
	}
	rules := make(map[string]SymbolRules, len(info))
	for symbol, si := range info {
		var r SymbolRules
		r.StepSize, _ = si.LotStepSize()
		r.MinNotional, _ = si.MinNotionalValue()
		rules[symbol] = r
	}

	eligible, err := e.ranking.TopSymbols(ctx, e.cfg.MaxCMCRank, "USD")
	if err != nil {
		return nil, e.fail(ctx, runID, valueBefore, fmt.Errorf("failed to fetch rank eligibility: %w", err))
	}

	plan := e.engine.Run(Input{
		Balances:          balances,
		Prices:            prices,
		Rules:             rules,
		TargetAllocations: e.cfg.Allocations,
		EligibleSymbols:   eligible,
		BasePair:          e.cfg.BasePair,
		MinTradeValueUSD:  e.cfg.MinTradeValueUSD,
		TradeFeePct:       e.cfg.TradeFeePct,
	})
	valueAfter := projectedTotalUSD(plan.ProjectedBalances)

	var result *Result
	if len(plan.Trades) == 0 {
		result = &Result{
			RunID:     runID,
			Timestamp: time.Now().UTC(),
			Status:    StatusSuccess,
			Message:   "Portfolio already balanced. No trades required.",
			Trades:    []ProposedTrade{},
		}
	} else {
		result = e.executePlan(ctx, runID, plan.Trades, isDryRun)
	}
	result.ProjectedBalances = plan.ProjectedBalances
	result.TotalFeesUSD = plan.TotalFeesUSD

	rec := RunRecord{
		RunID:               result.RunID,
		Timestamp:           result.Timestamp,
		Status:              result.Status,
		IsDryRun:            isDryRun,
		SummaryMessage:      result.Message,
		Trades:              result.Trades,
		Errors:              result.Errors,
		TotalFeesUSD:        result.TotalFeesUSD,
		ProjectedBalances:   result.ProjectedBalances,
		TotalValueUSDBefore: valueBefore,
		TotalValueUSDAfter:  valueAfter,
	}
	if err := e.store.Append(ctx, rec); err != nil {
		return result, fmt.Errorf("failed to save rebalance run: %w", err)
	}

	log.Info().Str("status", result.Status).Int("trades", len(result.Trades)).Msg("Finished rebalance run")
	return result, nil
}

// executePlan executes or simulates the planned trades. Sells run before
// buys so the base balance is replenished before it is spent. One failed
// order does not stop the rest of the plan.
func (e *Executor) executePlan(ctx context.Context, runID string, trades []ProposedTrade, isDryRun bool) *Result {
	executed := make([]ProposedTrade, 0, len(trades))
	var errs []string

	ordered := make([]ProposedTrade, 0, len(trades))
	for _, t := range trades {
		if t.Side == "SELL" {
			ordered = append(ordered, t)
		}
	}
	for _, t := range trades {
		if t.Side == "BUY" {
			ordered = append(ordered, t)
		}
	}

	for _, trade := range ordered {
		if isDryRun {
			e.log.Info().Str("side", trade.Side).Float64("quantity", trade.Quantity).Str("symbol", trade.Symbol).Msg("Dry run, order not sent")
			executed = append(executed, trade)
			continue
		}

		e.log.Info().Str("side", trade.Side).Float64("quantity", trade.Quantity).Str("symbol", trade.Symbol).Msg("Executing order")
		qty := quantity.FormatForAPI(trade.Quantity)
		if _, err := e.exchange.CreateOrder(ctx, trade.Symbol, trade.Side, qty, false); err != nil {
			msg := fmt.Sprintf("failed to execute %s %s: %v", trade.Side, trade.Symbol, err)
			e.log.Error().Err(err).Str("symbol", trade.Symbol).Msg("Order failed")
			errs = append(errs, msg)
			continue
		}
		executed = append(executed, trade)
	}

	status := StatusDryRun
	message := fmt.Sprintf("Simulation complete. %d trades simulated.", len(executed))
	if !isDryRun {
		switch {
		case len(errs) > 0 && len(executed) == 0:
			status = StatusFailed
			message = fmt.Sprintf("Rebalance failed. All %d trades failed.", len(errs))
		case len(errs) > 0:
			status = StatusPartialSuccess
			message = fmt.Sprintf("Rebalance partially completed with %d errors.", len(errs))
		default:
			status = StatusSuccess
			message = fmt.Sprintf("Rebalance completed successfully. %d trades executed.", len(executed))
		}
	}

	return &Result{
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Message:   message,
		Trades:    executed,
		Errors:    errs,
	}
}

// fail records a failed run and passes the cause through. Failed runs are
// always stored as dry runs regardless of the requested mode.
func (e *Executor) fail(ctx context.Context, runID string, valueBefore *float64, cause error) error {
	e.log.Error().Err(cause).Str("run_id", runID).Msg("Rebalance run failed")

	rec := RunRecord{
		RunID:               runID,
		Timestamp:           time.Now().UTC(),
		Status:              StatusFailed,
		IsDryRun:            true,
		SummaryMessage:      cause.Error(),
		Trades:              []ProposedTrade{},
		TotalValueUSDBefore: valueBefore,
	}
	if err := e.store.Append(ctx, rec); err != nil {
		e.log.Error().Err(err).Str("run_id", runID).Msg("Failed to record failed run")
	}
	return cause
}

// portfolioValue totals the account in base-pair units using direct
// symbol prices. Assets without a direct pair are skipped.
func (e *Executor) portfolioValue(balances, prices map[string]float64) *float64 {
	if len(balances) == 0 {
		return nil
	}

	var total float64
	for asset, qty := range balances {
		if asset == e.cfg.BasePair {
			total += qty
			continue
		}
		price, ok := prices[asset+e.cfg.BasePair]
		if !ok {
			continue
		}
		total += qty * price
	}
	return &total
}

// projectedTotalUSD sums the USD value of the projected portfolio,
// skipping assets without a USD conversion route.
func projectedTotalUSD(projected map[string]ProjectedBalance) *float64 {
	if projected == nil {
		return nil
	}

	var total float64
	for _, pb := range projected {
		if pb.ValueUSD != nil {
			total += *pb.ValueUSD
		}
	}
	return &total
}
