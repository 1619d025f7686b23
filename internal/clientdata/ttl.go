package clientdata

import "time"

// TTL constants for cached client data.
// These are added to time.Now() when storing to calculate expires_at.
const (
	// Exchange trading rules change rarely (new listings, filter updates).
	TTLExchangeInfo = 24 * time.Hour

	// Ranking listings shift intraday but eligibility only needs day-level
	// freshness; a cycle never trades on a stale top-N alone.
	TTLCMCListings = 6 * time.Hour
)
