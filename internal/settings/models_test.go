package settings

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesRoundTrip(t *testing.T) {
	// Includes bytes above 0x7F, which must survive the Latin-1 mapping
	original := Bytes{0x00, 0x41, 0x7F, 0x80, 0xC3, 0xFF}

	encoded, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Bytes
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, original, decoded)
}

func TestBytesNil(t *testing.T) {
	encoded, err := json.Marshal(Bytes(nil))
	require.NoError(t, err)
	assert.Equal(t, "null", string(encoded))

	var decoded Bytes
	require.NoError(t, json.Unmarshal([]byte("null"), &decoded))
	assert.Nil(t, decoded)
}

func TestValidate(t *testing.T) {
	valid := Default()

	tests := []struct {
		name   string
		mutate func(*Settings)
		ok     bool
	}{
		{"defaults are valid", func(s *Settings) {}, true},
		{"unknown strategy", func(s *Settings) { s.Strategy = "manual" }, false},
		{"zero periodic hours", func(s *Settings) { s.PeriodicHours = 0 }, false},
		{"threshold at bound", func(s *Settings) { s.ThresholdPct = 100 }, false},
		{"rank too high", func(s *Settings) { s.MaxCMCRank = 5001 }, false},
		{"min trade below floor", func(s *Settings) { s.MinTradeValueUSD = 5 }, false},
		{"fee above cap", func(s *Settings) { s.TradeFeePct = 5.5 }, false},
		{"allocations off by ten", func(s *Settings) { s.Allocations = map[string]float64{"BTC": 90} }, false},
		{"allocation rounding tolerated", func(s *Settings) {
			s.Allocations = map[string]float64{"BTC": 33.33, "ETH": 33.33, "BNB": 33.34}
		}, true},
		{"base pair with zero weight", func(s *Settings) {
			s.Allocations = map[string]float64{"BTC": 100, "USDT": 0}
		}, true},
		{"negative weight", func(s *Settings) {
			s.Allocations = map[string]float64{"BTC": 110, "ETH": -10}
		}, false},
		{"empty base pair", func(s *Settings) { s.BasePair = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			s.Allocations = map[string]float64{"BTC": 50, "ETH": 50}
			tt.mutate(&s)
			err := s.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNormalizeUppercasesSymbols(t *testing.T) {
	s := Settings{
		BasePair:    " usdt ",
		Allocations: map[string]float64{"btc": 50, "Eth": 50},
	}
	s.Normalize()
	assert.Equal(t, "USDT", s.BasePair)
	assert.Equal(t, map[string]float64{"BTC": 50, "ETH": 50}, s.Allocations)
}
