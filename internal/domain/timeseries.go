package domain

import "github.com/golang-sql/civil"

// BackstopAsset is the asset key under which backstop share rates are stored.
// For backstop samples BRate is LP tokens per share and DRate is unused.
const BackstopAsset = "backstop"

// RateSample is a daily b_rate/d_rate snapshot for a pool reserve.
// Corresponds to rate_samples table in ClickHouse.
type RateSample struct {
	PoolID       string
	AssetAddress string
	RateDate     civil.Date
	BRate        float64 // underlying per b-token
	DRate        float64 // underlying per d-token
}

// PriceSample is a daily USD price for a token.
// Corresponds to price_samples table in ClickHouse.
type PriceSample struct {
	TokenAddress string
	PriceDate    civil.Date
	USDPrice     float64
}

// PriceSource records where a resolved price came from.
type PriceSource string

// Price provenance tags, in fallback order.
const (
	PriceSourceExact        PriceSource = "exact"
	PriceSourceForwardFill  PriceSource = "forward_fill"
	PriceSourceLiveFallback PriceSource = "live_fallback"
	PriceSourceDefault      PriceSource = "default"
)

// PriceQuote is a resolved USD price with provenance.
type PriceQuote struct {
	TokenAddress string
	Date         civil.Date
	USDPrice     float64
	Source       PriceSource
}

// RateQuote is a resolved rate pair. Found is false when the default 1.0 was used.
type RateQuote struct {
	BRate float64
	DRate float64
	Found bool
}
