// Package pricing converts asset values between quote currencies using the
// ticker map returned by the exchange. The map only guarantees one direction
// per pair, so both the direct and the inverse symbol are consulted.
package pricing

import "strings"

// StableCoins are USD-pegged assets treated as worth exactly $1.
// Order matters: it is the preference order for USD anchoring.
var StableCoins = [...]string{"USDT", "BUSD", "USDC", "TUSD"}

// Rate resolves the price of one unit of from denominated in to.
// A zero or missing price in both directions yields ok=false.
func Rate(prices map[string]float64, from, to string) (float64, bool) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)

	if from == to {
		return 1, true
	}

	if price, exists := prices[from+to]; exists {
		if price == 0 {
			return 0, false
		}
		return price, true
	}

	if price, exists := prices[to+from]; exists {
		if price == 0 {
			return 0, false
		}
		return 1 / price, true
	}

	return 0, false
}

// BaseToUSD resolves how many USD one unit of the base pair is worth.
// Stable coins are $1. Other bases are converted through the first stable
// coin with a known rate, then through a literal USD pair as a last resort.
func BaseToUSD(prices map[string]float64, basePair string) (float64, bool) {
	basePair = strings.ToUpper(basePair)

	for _, stable := range StableCoins {
		if basePair == stable {
			return 1, true
		}
	}

	for _, stable := range StableCoins {
		if rate, ok := Rate(prices, basePair, stable); ok {
			return rate, true
		}
	}

	return Rate(prices, basePair, "USD")
}

// AssetBaseValue returns the price of asset denominated in the base pair.
func AssetBaseValue(prices map[string]float64, asset, basePair string) (float64, bool) {
	return Rate(prices, asset, basePair)
}

// AssetUSDValue returns the price of asset denominated in USD.
// Direct stable-coin rates take precedence over composing through the base
// pair, so rounding is not compounded when both routes exist.
func AssetUSDValue(prices map[string]float64, asset, basePair string) (float64, bool) {
	asset = strings.ToUpper(asset)
	basePair = strings.ToUpper(basePair)

	for _, stable := range StableCoins {
		if rate, ok := Rate(prices, asset, stable); ok {
			return rate, true
		}
	}
	if rate, ok := Rate(prices, asset, "USD"); ok {
		return rate, true
	}

	baseRate, ok := AssetBaseValue(prices, asset, basePair)
	if !ok {
		return 0, false
	}
	baseToUSD, ok := BaseToUSD(prices, basePair)
	if !ok {
		return 0, false
	}
	return baseRate * baseToUSD, true
}
