package settings

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Strategy selects how rebalance cycles are triggered.
const (
	StrategyPeriodic  = "periodic"
	StrategyThreshold = "threshold"
)

// Bytes is a byte slice stored in JSON as a Latin-1 string. Every byte maps
// to the code point of the same value, so arbitrary binary round-trips
// exactly through the settings file.
type Bytes []byte

// MarshalJSON encodes each byte as its Latin-1 code point.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return json.Marshal(string(runes))
}

// UnmarshalJSON decodes a Latin-1 string back into raw bytes.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return fmt.Errorf("byte field contains non-latin1 code point %U", r)
		}
		out = append(out, byte(r))
	}
	*b = out
	return nil
}

// BinanceCredentials holds the exchange API credentials. The plaintext fields
// are input-only and never serialized; Save encrypts them first.
type BinanceCredentials struct {
	APIKey             string `json:"-"`
	SecretKey          string `json:"-"`
	APIKeyEncrypted    Bytes  `json:"api_key_encrypted,omitempty"`
	SecretKeyEncrypted Bytes  `json:"secret_key_encrypted,omitempty"`
}

// CMCCredentials holds the ranking provider API key.
type CMCCredentials struct {
	APIKey          string `json:"-"`
	APIKeyEncrypted Bytes  `json:"api_key_encrypted,omitempty"`
}

// Settings is the single persisted configuration record.
type Settings struct {
	AdminUser    string `json:"admin_user"`
	PasswordHash Bytes  `json:"password_hash,omitempty"`

	Binance BinanceCredentials `json:"binance"`
	CMC     CMCCredentials     `json:"cmc"`

	MaxCMCRank    int     `json:"max_cmc_rank"`
	Strategy      string  `json:"strategy"`
	PeriodicHours int     `json:"periodic_hours"`
	ThresholdPct  float64 `json:"threshold_pct"`

	Allocations map[string]float64 `json:"allocations"`
	BasePair    string             `json:"base_pair"`
	DryRun      bool               `json:"dry_run"`

	MinTradeValueUSD float64 `json:"min_trade_value_usd"`
	TradeFeePct      float64 `json:"trade_fee_pct"`
}

// Default returns the first-run settings record. The password hash is filled
// in by the manager so this package does not depend on bcrypt parameters.
func Default() Settings {
	return Settings{
		AdminUser:        "admin",
		MaxCMCRank:       100,
		Strategy:         StrategyPeriodic,
		PeriodicHours:    24,
		ThresholdPct:     5.0,
		Allocations:      map[string]float64{"BTC": 50, "ETH": 50},
		BasePair:         "USDT",
		DryRun:           true,
		MinTradeValueUSD: 10.0,
		TradeFeePct:      0.1,
	}
}

// Normalize uppercases asset symbols in place.
func (s *Settings) Normalize() {
	s.BasePair = strings.ToUpper(strings.TrimSpace(s.BasePair))
	if s.Allocations != nil {
		normalized := make(map[string]float64, len(s.Allocations))
		for asset, weight := range s.Allocations {
			normalized[strings.ToUpper(strings.TrimSpace(asset))] = weight
		}
		s.Allocations = normalized
	}
}

// Validate checks the record against the documented ranges.
func (s *Settings) Validate() error {
	switch s.Strategy {
	case StrategyPeriodic, StrategyThreshold:
	default:
		return fmt.Errorf("strategy must be %q or %q, got %q", StrategyPeriodic, StrategyThreshold, s.Strategy)
	}

	if s.PeriodicHours <= 0 {
		return fmt.Errorf("periodic_hours must be positive, got %d", s.PeriodicHours)
	}
	if s.ThresholdPct <= 0 || s.ThresholdPct >= 100 {
		return fmt.Errorf("threshold_pct must be in (0, 100), got %v", s.ThresholdPct)
	}
	if s.MaxCMCRank <= 0 || s.MaxCMCRank > 5000 {
		return fmt.Errorf("max_cmc_rank must be in (0, 5000], got %d", s.MaxCMCRank)
	}
	if s.MinTradeValueUSD < 10 {
		return fmt.Errorf("min_trade_value_usd must be at least 10, got %v", s.MinTradeValueUSD)
	}
	if s.TradeFeePct < 0 || s.TradeFeePct > 5 {
		return fmt.Errorf("trade_fee_pct must be in [0, 5], got %v", s.TradeFeePct)
	}
	if s.BasePair == "" {
		return fmt.Errorf("base_pair must not be empty")
	}

	var sum float64
	for asset, weight := range s.Allocations {
		if weight < 0 || weight > 100 {
			return fmt.Errorf("allocation for %s must be in [0, 100], got %v", asset, weight)
		}
		sum += weight
	}
	if math.Round(sum) != 100 {
		return fmt.Errorf("allocation percentages must sum to 100, got %v", sum)
	}

	return nil
}
