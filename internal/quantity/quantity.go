// Package quantity implements exchange lot-size arithmetic. All rounding that
// feeds order placement goes through exact decimals, never binary floats.
package quantity

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AdjustToStep floors qty to the largest multiple of the pair's step size.
// The step is the exchange's LOT_SIZE stepSize string (e.g. "0.001").
func AdjustToStep(qty float64, step string) (float64, error) {
	stepDec, err := decimal.NewFromString(strings.TrimSpace(step))
	if err != nil {
		return 0, fmt.Errorf("invalid step size %q: %w", step, err)
	}
	if stepDec.Sign() <= 0 {
		return 0, fmt.Errorf("step size must be positive, got %q", step)
	}

	qtyDec := decimal.NewFromFloat(qty)
	adjusted := qtyDec.Div(stepDec).Floor().Mul(stepDec)

	result, _ := adjusted.Float64()
	return result, nil
}

// FormatForAPI renders a quantity as a plain decimal string. Scientific
// notation is rejected by the exchange, and trailing zeros after the decimal
// point are stripped along with a dangling dot.
func FormatForAPI(qty float64) string {
	s := decimal.NewFromFloat(qty).String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}
