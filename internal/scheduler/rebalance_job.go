package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/clientdata"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/clients/binance"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/clients/cmc"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/rebalance"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/settings"
)

// Runner executes one rebalance flow.
type Runner interface {
	Execute(ctx context.Context, dryRunOverride *bool) (*rebalance.Result, error)
}

// RunnerFactory builds a fresh runner for one scheduled cycle from a
// settings snapshot and the decrypted API keys.
type RunnerFactory func(cfg settings.Settings, apiKey, secretKey, cmcKey string) Runner

// RebalanceJob is the periodic rebalance cycle. Each invocation reads a
// fresh settings snapshot, so strategy, interval mode and credentials
// changes take effect without a restart. Scheduled cycles always run in
// whichever mode the stored dry-run flag dictates.
type RebalanceJob struct {
	manager *settings.Manager
	store   rebalance.HistoryStore
	factory RunnerFactory
	timeout time.Duration
	log     zerolog.Logger
}

// JobName identifies the periodic rebalance entry in the scheduler.
const JobName = "periodic_rebalance"

// ErrCredentialsNotConfigured is returned when the stored API keys are
// absent or cannot be decrypted with the current master key.
var ErrCredentialsNotConfigured = errors.New("API keys are not fully configured")

// NewRebalanceJob creates the periodic rebalance job with the production
// client stack. The cache repository is optional; without it every cycle
// hits the upstream APIs.
func NewRebalanceJob(manager *settings.Manager, store rebalance.HistoryStore, cache *clientdata.Repository, log zerolog.Logger) *RebalanceJob {
	job := &RebalanceJob{
		manager: manager,
		store:   store,
		timeout: 10 * time.Minute,
		log:     log.With().Str("job", JobName).Logger(),
	}
	job.factory = func(cfg settings.Settings, apiKey, secretKey, cmcKey string) Runner {
		var exchangeOpts []binance.Option
		var rankingOpts []cmc.Option
		if cache != nil {
			exchangeOpts = append(exchangeOpts, binance.WithCache(cache))
			rankingOpts = append(rankingOpts, cmc.WithCache(cache))
		}
		exchange := binance.NewClient(apiKey, secretKey, log, exchangeOpts...)
		ranking := cmc.NewClient(cmcKey, log, rankingOpts...)
		return rebalance.NewExecutor(cfg, exchange, ranking, store, log)
	}
	return job
}

// Name implements Job.
func (j *RebalanceJob) Name() string { return JobName }

// Run executes one scheduled cycle. Non-periodic strategies skip silently;
// unreadable credentials are recorded as a failed run so the operator sees
// the attempt in the history.
func (j *RebalanceJob) Run() error {
	cfg := j.manager.Snapshot()

	if cfg.Strategy != settings.StrategyPeriodic {
		j.log.Info().Str("strategy", cfg.Strategy).Msg("Skipping scheduled run, strategy is not periodic")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	dryRun := cfg.DryRun
	_, err := j.Trigger(ctx, &dryRun)
	switch {
	case errors.Is(err, ErrCredentialsNotConfigured):
		j.recordFailure(ctx, err)
		return err
	case errors.Is(err, rebalance.ErrConflict):
		j.log.Warn().Msg("Skipping scheduled run, another run is in progress")
		return nil
	}
	return err
}

// Trigger runs one rebalance cycle immediately. Manual callers surface
// credential problems directly instead of writing a history row.
func (j *RebalanceJob) Trigger(ctx context.Context, dryRunOverride *bool) (*rebalance.Result, error) {
	cfg := j.manager.Snapshot()

	apiKey := j.manager.Decrypt(cfg.Binance.APIKeyEncrypted)
	secretKey := j.manager.Decrypt(cfg.Binance.SecretKeyEncrypted)
	cmcKey := j.manager.Decrypt(cfg.CMC.APIKeyEncrypted)
	if apiKey == "" || secretKey == "" || cmcKey == "" {
		return nil, ErrCredentialsNotConfigured
	}

	return j.factory(cfg, apiKey, secretKey, cmcKey).Execute(ctx, dryRunOverride)
}

// recordFailure writes a FAILED history row for errors that occur before
// the executor takes over.
func (j *RebalanceJob) recordFailure(ctx context.Context, cause error) {
	rec := rebalance.RunRecord{
		RunID:          uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		Status:         rebalance.StatusFailed,
		IsDryRun:       true,
		SummaryMessage: fmt.Sprintf("Scheduled run aborted: %v. Check the master key and re-save the API keys.", cause),
		Trades:         []rebalance.ProposedTrade{},
		Errors:         []string{cause.Error()},
	}
	if err := j.store.Append(ctx, rec); err != nil {
		j.log.Error().Err(err).Msg("Failed to record aborted run")
	}
	j.log.Error().Err(cause).Str("run_id", rec.RunID).Msg("Scheduled run aborted before execution")
}
