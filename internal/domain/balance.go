package domain

import (
	"time"

	"github.com/golang-sql/civil"
)

// Epsilon is the magnitude below which token and USD quantities are treated as zero.
// Rate and snapshot timing skew routinely leaves residues of this size.
const Epsilon = 1e-4

// Clean returns 0 for values within Epsilon of zero.
func Clean(x float64) float64 {
	if x > -Epsilon && x < Epsilon {
		return 0
	}
	return x
}

// DailyBalance is one user's reconstructed position in a pool on a date.
// Derived on every query; never persisted.
type DailyBalance struct {
	PoolID string     `json:"poolId"`
	Date   civil.Date `json:"date"`

	// Raw token units (cumulative as of the last event on or before Date)
	SupplyBTokens     float64 `json:"supplyBTokens"`
	CollateralBTokens float64 `json:"collateralBTokens"`
	LiabilityDTokens  float64 `json:"liabilityDTokens"`

	// Gross flows in underlying units
	TotalDeposits    float64 `json:"totalDeposits"`
	TotalWithdrawals float64 `json:"totalWithdrawals"`
	TotalBorrows     float64 `json:"totalBorrows"`
	TotalRepays      float64 `json:"totalRepays"`

	// Rates applied for the day (forward-filled, 1.0 when unknown)
	BRate float64 `json:"bRate"`
	DRate float64 `json:"dRate"`

	// Underlying balances: units × rate
	SupplyBalance     float64 `json:"supplyBalance"`
	CollateralBalance float64 `json:"collateralBalance"`
	DebtBalance       float64 `json:"debtBalance"`

	CostBasis            float64 `json:"costBasis"`            // max(0, deposits − withdrawals)
	BorrowCostBasis      float64 `json:"borrowCostBasis"`      // max(0, borrows − repays)
	TotalYield           float64 `json:"totalYield"`           // max(0, supply + collateral − cost basis)
	TotalInterestAccrued float64 `json:"totalInterestAccrued"` // debt − borrow cost basis, sub-epsilon noise zeroed
}

// BalanceHistory is the dense daily series for one (user, asset).
type BalanceHistory struct {
	UserAddress    string         `json:"userAddress"`
	AssetAddress   string         `json:"assetAddress"`
	History        []DailyBalance `json:"history"`
	FirstEventDate *civil.Date    `json:"firstEventDate,omitempty"` // nil when the user has no events
}

// DailyBackstopBalance is one user's backstop position on a date.
type DailyBackstopBalance struct {
	PoolID           string     `json:"poolId"`
	Date             civil.Date `json:"date"`
	Shares           float64    `json:"shares"` // includes queued shares
	QueuedShares     float64    `json:"queuedShares"`
	ShareRate        float64    `json:"shareRate"` // LP tokens per share
	LPTokens         float64    `json:"lpTokens"`
	TotalDeposits    float64    `json:"totalDeposits"`    // LP tokens
	TotalWithdrawals float64    `json:"totalWithdrawals"` // LP tokens
	CostBasis        float64    `json:"costBasis"`        // LP tokens, max(0, deposits − withdrawals)
	TotalYield       float64    `json:"totalYield"`       // LP tokens, max(0, LPTokens − cost basis)
}

// BackstopHistory is the dense daily backstop series for one user and pool.
type BackstopHistory struct {
	UserAddress    string                 `json:"userAddress"`
	PoolID         string                 `json:"poolId"`
	History        []DailyBackstopBalance `json:"history"`
	FirstEventDate *civil.Date            `json:"firstEventDate,omitempty"`
}

// FlowKind classifies a dated flow used for cost-basis accounting.
type FlowKind int

// Flow kinds.
const (
	FlowDeposit FlowKind = iota + 1
	FlowWithdraw
	FlowBorrow
	FlowRepay
)

// String returns a readable flow kind.
func (k FlowKind) String() string {
	switch k {
	case FlowDeposit:
		return "deposit"
	case FlowWithdraw:
		return "withdraw"
	case FlowBorrow:
		return "borrow"
	case FlowRepay:
		return "repay"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k FlowKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Flow is a dated movement of underlying tokens into or out of a position.
type Flow struct {
	Kind     FlowKind   `json:"kind"`
	PoolID   string     `json:"poolId"`
	Asset    string     `json:"asset"`
	Date     civil.Date `json:"date"`
	At       time.Time  `json:"at"`
	Tokens   float64    `json:"tokens"`
	PriceUSD float64    `json:"priceUsd"` // filled in by the caller before yield attribution
}
