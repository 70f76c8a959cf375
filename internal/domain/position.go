package domain

import "time"

// PositionKey joins historical attribution onto live positions.
type PositionKey struct {
	PoolID string `json:"poolId"`
	Asset  string `json:"asset"` // domain.BackstopAsset for backstop positions
}

// String returns "pool:asset".
func (k PositionKey) String() string {
	return k.PoolID + ":" + k.Asset
}

// PositionSnapshot is the live position of a wallet in a single reserve.
// Rebuilt from live protocol state on every request; never persisted.
type PositionSnapshot struct {
	PoolID   string `json:"poolId"`
	PoolName string `json:"poolName"`
	Asset    string `json:"asset"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`

	// Raw on-chain units
	SupplyBTokensRaw     string `json:"supplyBTokensRaw"`
	CollateralBTokensRaw string `json:"collateralBTokensRaw"`
	LiabilityDTokensRaw  string `json:"liabilityDTokensRaw"`

	// Underlying amounts via the protocol's own rate conversion
	Supply     float64 `json:"supply"`
	Collateral float64 `json:"collateral"`
	Borrow     float64 `json:"borrow"`

	PriceUSD      float64     `json:"priceUsd"`
	PriceSource   PriceSource `json:"priceSource"`
	SupplyUSD     float64     `json:"supplyUsd"`
	CollateralUSD float64     `json:"collateralUsd"`
	BorrowUSD     float64     `json:"borrowUsd"`

	SupplyAPY         float64 `json:"supplyApy"`
	BorrowAPY         float64 `json:"borrowApy"`
	SupplyEmissionAPY float64 `json:"supplyEmissionApy"`
	BorrowEmissionAPY float64 `json:"borrowEmissionApy"`

	CollateralFactor float64 `json:"collateralFactor"`
	LiabilityFactor  float64 `json:"liabilityFactor"`
	Utilization      float64 `json:"utilization"`

	ClaimableSupplyEmissions float64 `json:"claimableSupplyEmissions"`
	ClaimableBorrowEmissions float64 `json:"claimableBorrowEmissions"`
}

// Key returns the composite key.
func (p PositionSnapshot) Key() PositionKey {
	return PositionKey{PoolID: p.PoolID, Asset: p.Asset}
}

// Q4WChunk is a single queued backstop withdrawal with its own unlock time.
type Q4WChunk struct {
	Shares     float64   `json:"shares"`
	LPTokens   float64   `json:"lpTokens"`
	USD        float64   `json:"usd"`
	UnlocksAt  time.Time `json:"unlocksAt"`
	Unlocked   bool      `json:"unlocked"`
	SecondsRem int64     `json:"secondsRem"`
}

// BackstopPositionSnapshot is a wallet's live backstop position for one pool.
type BackstopPositionSnapshot struct {
	PoolID       string  `json:"poolId"`
	PoolName     string  `json:"poolName"`
	Shares       float64 `json:"shares"` // excludes queued shares
	LPTokens     float64 `json:"lpTokens"`
	LPTokenPrice float64 `json:"lpTokenPrice"`
	USD          float64 `json:"usd"`

	Q4W           []Q4WChunk `json:"q4w"`       // sorted soonest-to-unlock first
	Q4WShares     float64    `json:"q4wShares"` // equals the sum of Q4W chunk shares
	Q4WLPTokens   float64    `json:"q4wLpTokens"`
	Q4WUSD        float64    `json:"q4wUsd"`
	PoolQ4WRatio  float64    `json:"poolQ4wRatio"` // queued shares / total shares for the pool
	InterestAPR   float64    `json:"interestApr"`
	EmissionAPR   float64    `json:"emissionApr"`
	ClaimableBLND float64    `json:"claimableBlnd"`
	ClaimableUSD  float64    `json:"claimableUsd"`
}

// Key returns the composite key.
func (b BackstopPositionSnapshot) Key() PositionKey {
	return PositionKey{PoolID: b.PoolID, Asset: BackstopAsset}
}

// PoolSummary aggregates a wallet's standing in one pool.
type PoolSummary struct {
	PoolID   string `json:"poolId"`
	PoolName string `json:"poolName"`

	SupplyUSD     float64 `json:"supplyUsd"`
	CollateralUSD float64 `json:"collateralUsd"`
	BorrowUSD     float64 `json:"borrowUsd"`

	BorrowLimit          float64 `json:"borrowLimit"`          // Σ collateral × c_factor
	EffectiveLiabilities float64 `json:"effectiveLiabilities"` // Σ debt ÷ l_factor
	BorrowCapacity       float64 `json:"borrowCapacity"`
	HealthFactor         float64 `json:"healthFactor"` // 0 when HasDebt is false
	HasDebt              bool    `json:"hasDebt"`

	TotalSuppliedUSD float64 `json:"totalSuppliedUsd"` // pool-wide
	TotalBorrowedUSD float64 `json:"totalBorrowedUsd"` // pool-wide
	AvgBorrowAPY     float64 `json:"avgBorrowApy"`     // pool-wide, weighted by borrowed USD
}

// PoolFailure records a pool excluded from a snapshot.
type PoolFailure struct {
	PoolID string `json:"poolId"`
	Stage  string `json:"stage"`
	Err    string `json:"error"`
}

// WalletTotals aggregates across pools. APYs are weighted by USD value.
type WalletTotals struct {
	SupplyUSD     float64 `json:"supplyUsd"`
	CollateralUSD float64 `json:"collateralUsd"`
	BorrowUSD     float64 `json:"borrowUsd"`
	BackstopUSD   float64 `json:"backstopUsd"`
	NetUSD        float64 `json:"netUsd"`

	WeightedSupplyAPY float64 `json:"weightedSupplyApy"`
	WeightedBorrowAPY float64 `json:"weightedBorrowApy"`
	NetAPY            float64 `json:"netApy"`

	ClaimableEmissions    float64 `json:"claimableEmissions"`
	ClaimableEmissionsUSD float64 `json:"claimableEmissionsUsd"`
}

// WalletSnapshot is the live view of one wallet across a set of pools.
type WalletSnapshot struct {
	Wallet    string                     `json:"wallet"`
	PoolIDs   []string                   `json:"poolIds"`
	TakenAt   time.Time                  `json:"takenAt"`
	Positions []PositionSnapshot         `json:"positions"`
	Pools     []PoolSummary              `json:"pools"`
	Backstops []BackstopPositionSnapshot `json:"backstops"`
	Totals    WalletTotals               `json:"totals"`
	Excluded  []PoolFailure              `json:"excluded,omitempty"`
}
