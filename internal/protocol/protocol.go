// Package protocol reads live lending protocol state: pools, reserves, oracle prices,
// user positions and backstop balances.
package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when the requested pool, user or asset does not exist.
var ErrNotFound = errors.New("not found")

// Client defines the live protocol state interface.
type Client interface {
	// Pool loads pool configuration and every reserve.
	Pool(ctx context.Context, poolID string) (*Pool, error)

	// UserPosition loads a user's raw b/d token balances and emission checkpoints in a pool.
	UserPosition(ctx context.Context, poolID, user string) (*UserPosition, error)

	// TokenMetadata loads symbol, name and decimals for an asset.
	TokenMetadata(ctx context.Context, asset string) (*TokenMetadata, error)

	// OracleDecimals returns the number of decimals used by an oracle's prices.
	OracleDecimals(ctx context.Context, oracle string) (int32, error)

	// OraclePrice returns the raw integer price of asset; scale by OracleDecimals.
	OraclePrice(ctx context.Context, oracle, asset string) (*OraclePrice, error)

	// BackstopPool loads the backstop state for a pool, including the LP token composition.
	BackstopPool(ctx context.Context, poolID string) (*BackstopPool, error)

	// UserBackstop loads a user's backstop shares and queued withdrawals for a pool.
	UserBackstop(ctx context.Context, poolID, user string) (*UserBackstop, error)
}

// Pool is a lending pool and its reserves.
type Pool struct {
	ID           string
	Name         string
	Oracle       string
	BackstopRate float64 // share of borrower interest paid to the backstop
	Reserves     []Reserve
}

// Reserve returns the reserve for asset, or nil.
func (p *Pool) Reserve(asset string) *Reserve {
	for i := range p.Reserves {
		if p.Reserves[i].Asset == asset {
			return &p.Reserves[i]
		}
	}
	return nil
}

// Reserve is one lendable asset within a pool.
type Reserve struct {
	Asset    string
	Index    int   // reserve index; emission ids are index*2 (borrow) and index*2+1 (supply)
	Decimals int32 // underlying token decimals

	BRate decimal.Decimal // raw, RateDecimals fixed point
	DRate decimal.Decimal // raw, RateDecimals fixed point

	CFactor     float64
	LFactor     float64
	Utilization float64
	SupplyAPR   float64
	BorrowAPR   float64

	TotalSupplyBTokens decimal.Decimal // raw
	TotalLiabilities   decimal.Decimal // raw d-tokens

	SupplyEmissions *EmissionProgram
	BorrowEmissions *EmissionProgram
}

// SupplyEmissionID returns the emission id of the reserve's supply program.
func (r *Reserve) SupplyEmissionID() int {
	return r.Index*2 + 1
}

// BorrowEmissionID returns the emission id of the reserve's borrow program.
func (r *Reserve) BorrowEmissionID() int {
	return r.Index * 2
}

// EmissionProgram is the state of one emission stream.
type EmissionProgram struct {
	EPS         float64 // emission tokens per second
	Expiration  time.Time
	Index       float64 // emission tokens per position token accrued so far
	LastTime    time.Time
	TotalSupply float64 // position tokens the stream is shared across
}

// UserEmission is a user's checkpoint in one emission stream.
type UserEmission struct {
	Index   float64
	Accrued float64
}

// UserPosition holds raw token balances keyed by asset address.
type UserPosition struct {
	Supply      map[string]decimal.Decimal
	Collateral  map[string]decimal.Decimal
	Liabilities map[string]decimal.Decimal
	Emissions   map[int]UserEmission // keyed by emission id
}

// TokenMetadata describes a token contract.
type TokenMetadata struct {
	Address  string
	Symbol   string
	Name     string
	Decimals int32
}

// OraclePrice is a raw oracle quote.
type OraclePrice struct {
	Price     decimal.Decimal
	Timestamp time.Time
}

// BackstopPool is the backstop state for one lending pool.
type BackstopPool struct {
	PoolID    string
	Shares    float64 // total backstop shares
	Tokens    float64 // LP tokens backing the shares
	Q4WShares float64 // total shares queued for withdrawal

	// Backstop LP token composition (80/20 BLND/USDC weighted pool)
	LPSupply   float64
	BLND       float64
	USDC       float64
	BLNDToken  string
	USDCToken  string
	Emissions  *EmissionProgram
	TotalValue float64 // optional spot value reported by the gateway; 0 when absent
}

// Q4WEntry is one queued withdrawal.
type Q4WEntry struct {
	Shares     float64
	Expiration time.Time
}

// UserBackstop holds a user's backstop stake in a pool.
type UserBackstop struct {
	Shares   float64 // excluding queued shares
	Q4W      []Q4WEntry
	Emission UserEmission
}

// QueuedShares is the sum of all queued entries.
func (u *UserBackstop) QueuedShares() float64 {
	var total float64
	for _, q := range u.Q4W {
		total += q.Shares
	}
	return total
}
