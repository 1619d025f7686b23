package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/rebalance"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/scheduler"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/settings"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"detail": msg})
}

// handleRebalanceRun triggers a rebalance cycle. The saved dry-run flag
// can be overridden for a one-off execution with ?dry=true|false.
func (s *Server) handleRebalanceRun(w http.ResponseWriter, r *http.Request) {
	var dryOverride *bool
	if raw := r.URL.Query().Get("dry"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "dry must be a boolean")
			return
		}
		dryOverride = &parsed
	}

	result, err := s.trigger.Trigger(r.Context(), dryOverride)
	switch {
	case errors.Is(err, scheduler.ErrCredentialsNotConfigured):
		s.writeError(w, http.StatusBadRequest, "API keys are not fully configured.")
		return
	case errors.Is(err, rebalance.ErrConflict):
		s.writeError(w, http.StatusConflict, "A rebalance run is already in progress.")
		return
	case err != nil:
		s.log.Error().Err(err).Msg("Rebalance run failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	records, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list history")
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHistoryLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := s.history.Latest(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read latest run")
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if latest == nil {
		s.writeError(w, http.StatusNotFound, "no rebalance runs recorded yet")
		return
	}
	s.writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleHistoryTimeSeries(w http.ResponseWriter, r *http.Request) {
	series, err := s.history.TimeSeries(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build time series")
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	s.writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.history.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to compute stats")
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// configView is the settings record as exposed over the API. Credentials
// are reduced to configured/not-configured flags.
type configView struct {
	AdminUser         string             `json:"admin_user"`
	BinanceConfigured bool               `json:"binance_configured"`
	CMCConfigured     bool               `json:"cmc_configured"`
	MaxCMCRank        int                `json:"max_cmc_rank"`
	Strategy          string             `json:"strategy"`
	PeriodicHours     int                `json:"periodic_hours"`
	ThresholdPct      float64            `json:"threshold_pct"`
	Allocations       map[string]float64 `json:"allocations"`
	BasePair          string             `json:"base_pair"`
	DryRun            bool               `json:"dry_run"`
	MinTradeValueUSD  float64            `json:"min_trade_value_usd"`
	TradeFeePct       float64            `json:"trade_fee_pct"`
}

func viewOf(cfg settings.Settings) configView {
	return configView{
		AdminUser:         cfg.AdminUser,
		BinanceConfigured: len(cfg.Binance.APIKeyEncrypted) > 0 && len(cfg.Binance.SecretKeyEncrypted) > 0,
		CMCConfigured:     len(cfg.CMC.APIKeyEncrypted) > 0,
		MaxCMCRank:        cfg.MaxCMCRank,
		Strategy:          cfg.Strategy,
		PeriodicHours:     cfg.PeriodicHours,
		ThresholdPct:      cfg.ThresholdPct,
		Allocations:       cfg.Allocations,
		BasePair:          cfg.BasePair,
		DryRun:            cfg.DryRun,
		MinTradeValueUSD:  cfg.MinTradeValueUSD,
		TradeFeePct:       cfg.TradeFeePct,
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, viewOf(s.settings.Snapshot()))
}

// configUpdate is the PUT /config payload. Pointer fields distinguish
// omitted values from zero values; API keys arrive in plaintext and are
// encrypted before they touch disk.
type configUpdate struct {
	BinanceAPIKey    *string             `json:"binance_api_key"`
	BinanceSecretKey *string             `json:"binance_secret_key"`
	CMCAPIKey        *string             `json:"cmc_api_key"`
	MaxCMCRank       *int                `json:"max_cmc_rank"`
	Strategy         *string             `json:"strategy"`
	PeriodicHours    *int                `json:"periodic_hours"`
	ThresholdPct     *float64            `json:"threshold_pct"`
	Allocations      *map[string]float64 `json:"allocations"`
	BasePair         *string             `json:"base_pair"`
	DryRun           *bool               `json:"dry_run"`
	MinTradeValueUSD *float64            `json:"min_trade_value_usd"`
	TradeFeePct      *float64            `json:"trade_fee_pct"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var update configUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg := s.settings.Snapshot()
	if update.BinanceAPIKey != nil {
		cfg.Binance.APIKey = *update.BinanceAPIKey
	}
	if update.BinanceSecretKey != nil {
		cfg.Binance.SecretKey = *update.BinanceSecretKey
	}
	if update.CMCAPIKey != nil {
		cfg.CMC.APIKey = *update.CMCAPIKey
	}
	if update.MaxCMCRank != nil {
		cfg.MaxCMCRank = *update.MaxCMCRank
	}
	if update.Strategy != nil {
		cfg.Strategy = *update.Strategy
	}
	if update.PeriodicHours != nil {
		cfg.PeriodicHours = *update.PeriodicHours
	}
	if update.ThresholdPct != nil {
		cfg.ThresholdPct = *update.ThresholdPct
	}
	if update.Allocations != nil {
		cfg.Allocations = *update.Allocations
	}
	if update.BasePair != nil {
		cfg.BasePair = *update.BasePair
	}
	if update.DryRun != nil {
		cfg.DryRun = *update.DryRun
	}
	if update.MinTradeValueUSD != nil {
		cfg.MinTradeValueUSD = *update.MinTradeValueUSD
	}
	if update.TradeFeePct != nil {
		cfg.TradeFeePct = *update.TradeFeePct
	}

	if err := s.settings.Save(cfg); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if s.onSaved != nil {
		if err := s.onSaved(s.settings.Snapshot()); err != nil {
			s.log.Error().Err(err).Msg("Failed to apply new schedule")
		}
	}

	s.writeJSON(w, http.StatusOK, viewOf(s.settings.Snapshot()))
}
