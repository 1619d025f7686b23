package binance

import (
	"errors"
	"fmt"
)

// API error codes that indicate invalid or expired credentials.
const (
	codeInvalidAPIKey     = -2014
	codeRejectedAPIKey    = -2015
	codeInvalidTimestamp  = -1022
)

// ErrInvalidCredentials indicates the API key or secret was rejected.
// Retrying does not help; the operator has to fix the stored credentials.
var ErrInvalidCredentials = errors.New("binance: invalid API credentials")

// APIError carries a Binance error response verbatim.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error (code %d): %s", e.Code, e.Msg)
}

// IsCredentialCode reports whether a Binance error code means the
// credentials themselves are the problem.
func IsCredentialCode(code int) bool {
	switch code {
	case codeInvalidAPIKey, codeRejectedAPIKey, codeInvalidTimestamp:
		return true
	}
	return false
}

// accountResponse is the /api/v3/account payload subset we consume.
type accountResponse struct {
	Balances []struct {
		Asset string `json:"asset"`
		Free  string `json:"free"`
	} `json:"balances"`
}

// tickerPrice is one entry of /api/v3/ticker/price.
type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Filter is one trading-rule filter of a symbol. Unknown filter kinds are
// carried but ignored.
type Filter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize,omitempty"`
	MinNotional string `json:"minNotional,omitempty"`
}

// SymbolInfo holds the exchange trading rules for one pair.
type SymbolInfo struct {
	Symbol     string   `json:"symbol"`
	Status     string   `json:"status"`
	BaseAsset  string   `json:"baseAsset"`
	QuoteAsset string   `json:"quoteAsset"`
	Filters    []Filter `json:"filters"`
}

// LotStepSize returns the LOT_SIZE step size string.
func (s SymbolInfo) LotStepSize() (string, bool) {
	for _, f := range s.Filters {
		if f.FilterType == "LOT_SIZE" && f.StepSize != "" {
			return f.StepSize, true
		}
	}
	return "", false
}

// MinNotionalValue returns the minimum notional. Binance has renamed the
// filter from MIN_NOTIONAL to NOTIONAL; both are accepted.
func (s SymbolInfo) MinNotionalValue() (string, bool) {
	for _, f := range s.Filters {
		if (f.FilterType == "MIN_NOTIONAL" || f.FilterType == "NOTIONAL") && f.MinNotional != "" {
			return f.MinNotional, true
		}
	}
	return "", false
}

// exchangeInfoResponse is the /api/v3/exchangeInfo payload.
type exchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// OrderResponse is the payload returned by order placement.
type OrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}
