// Package balance reconstructs daily position histories by replaying ledger events.
package balance

import (
	"fmt"

	"github.com/golang-sql/civil"

	"lendfolio/internal/domain"
)

// Totals are the cumulative quantities tracked per pool for one (user, asset).
// Supply, Collateral and Liability are raw b/d token units; the gross flows are underlying units.
type Totals struct {
	Supply      float64
	Collateral  float64
	Liability   float64
	Deposits    float64
	Withdrawals float64
	Borrows     float64
	Repays      float64
}

// Add returns the element-wise sum.
func (t Totals) Add(o Totals) Totals {
	return Totals{
		Supply:      t.Supply + o.Supply,
		Collateral:  t.Collateral + o.Collateral,
		Liability:   t.Liability + o.Liability,
		Deposits:    t.Deposits + o.Deposits,
		Withdrawals: t.Withdrawals + o.Withdrawals,
		Borrows:     t.Borrows + o.Borrows,
		Repays:      t.Repays + o.Repays,
	}
}

// IsZero reports whether the delta changes nothing.
func (t Totals) IsZero() bool {
	return t == Totals{}
}

// BackstopTotals are the cumulative backstop quantities for one user and pool.
// Shares include queued shares; Deposits and Withdrawals are LP tokens.
type BackstopTotals struct {
	Shares      float64
	Queued      float64
	Deposits    float64
	Withdrawals float64
}

// Add returns the element-wise sum.
func (t BackstopTotals) Add(o BackstopTotals) BackstopTotals {
	return BackstopTotals{
		Shares:      t.Shares + o.Shares,
		Queued:      t.Queued + o.Queued,
		Deposits:    t.Deposits + o.Deposits,
		Withdrawals: t.Withdrawals + o.Withdrawals,
	}
}

// RateLookup returns the forward-filled rates for a pool reserve on a date.
type RateLookup func(poolID string, date civil.Date) domain.RateQuote

// PoolDelta converts one pool event into the change it makes to user's position in asset.
// ok is false when the event leaves the position untouched. Seized and assumed liquidation
// legs are valued in underlying at the rates in force on the event date.
func PoolDelta(e *domain.PoolEvent, user, asset string, day civil.Date, rates RateLookup) (d Totals, ok bool, err error) {
	switch e.Action {
	case domain.ActionSupply:
		if e.UserAddress != user || e.AssetAddress != asset {
			return d, false, nil
		}
		d.Supply = e.AmountTokens
		d.Deposits = e.AmountUnderlying
	case domain.ActionWithdraw:
		if e.UserAddress != user || e.AssetAddress != asset {
			return d, false, nil
		}
		d.Supply = -e.AmountTokens
		d.Withdrawals = e.AmountUnderlying
	case domain.ActionSupplyCollateral:
		if e.UserAddress != user || e.AssetAddress != asset {
			return d, false, nil
		}
		d.Collateral = e.AmountTokens
		d.Deposits = e.AmountUnderlying
	case domain.ActionWithdrawCollateral:
		if e.UserAddress != user || e.AssetAddress != asset {
			return d, false, nil
		}
		d.Collateral = -e.AmountTokens
		d.Withdrawals = e.AmountUnderlying
	case domain.ActionBorrow:
		if e.UserAddress != user || e.AssetAddress != asset {
			return d, false, nil
		}
		d.Liability = e.AmountTokens
		d.Borrows = e.AmountUnderlying
	case domain.ActionRepay:
		if e.UserAddress != user || e.AssetAddress != asset {
			return d, false, nil
		}
		d.Liability = -e.AmountTokens
		d.Repays = e.AmountUnderlying
	case domain.ActionClaim, domain.ActionNewAuction, domain.ActionDeleteAuction:
		return d, false, nil
	case domain.ActionFillAuction:
		if !e.IsLiquidation() {
			return d, false, nil
		}
		d = liquidationDelta(e, user, asset, rates(e.PoolID, day))
		return d, !d.IsZero(), nil
	default:
		return d, false, fmt.Errorf("%w: %d in ledger %d", domain.ErrUnknownAction, int(e.Action), e.LedgerSequence)
	}
	return d, true, nil
}

// liquidationDelta applies both legs of a fill in one step. The liquidated user loses
// the lot collateral and the bid debt; the filler gains both.
func liquidationDelta(e *domain.PoolEvent, user, asset string, rate domain.RateQuote) Totals {
	var d Totals
	leg := e.Auction

	if e.UserAddress == user {
		if leg.LotAsset == asset {
			d.Collateral -= leg.LotAmount
			d.Withdrawals += leg.LotAmount * rate.BRate
		}
		if leg.BidAsset == asset {
			d.Liability -= leg.BidAmount
			d.Repays += leg.BidAmount * rate.DRate
		}
	}
	if leg.FillerAddress == user {
		if leg.LotAsset == asset {
			d.Collateral += leg.LotAmount
			d.Deposits += leg.LotAmount * rate.BRate
		}
		if leg.BidAsset == asset {
			d.Liability += leg.BidAmount
			d.Borrows += leg.BidAmount * rate.DRate
		}
	}
	return d
}

// BackstopDelta converts one backstop event into the change it makes to the user's stake.
// Claimed emissions are auto-deposited as shares without adding to cost.
func BackstopDelta(e *domain.BackstopEvent) (d BackstopTotals, ok bool, err error) {
	switch e.Action {
	case domain.BackstopDeposit:
		d.Shares = e.Shares
		d.Deposits = e.LPTokens
	case domain.BackstopWithdraw:
		d.Shares = -e.Shares
		d.Queued = -e.Shares
		d.Withdrawals = e.LPTokens
	case domain.BackstopQueueWithdrawal:
		d.Queued = e.Shares
	case domain.BackstopDequeueWithdrawal:
		d.Queued = -e.Shares
	case domain.BackstopClaim:
		d.Shares = e.Shares
	case domain.BackstopDonate:
		return d, false, nil
	default:
		return d, false, fmt.Errorf("%w: backstop %d in ledger %d", domain.ErrUnknownAction, int(e.Action), e.LedgerSequence)
	}
	return d, true, nil
}

// IsActivity reports whether e counts towards user's first activity in asset: a direct
// position action on asset, or any auction event where user is owner or filler of a leg in asset.
func IsActivity(e *domain.PoolEvent, user, asset string) bool {
	switch e.Action {
	case domain.ActionSupply, domain.ActionWithdraw,
		domain.ActionSupplyCollateral, domain.ActionWithdrawCollateral,
		domain.ActionBorrow, domain.ActionRepay:
		return e.UserAddress == user && e.AssetAddress == asset
	case domain.ActionNewAuction, domain.ActionFillAuction, domain.ActionDeleteAuction:
		if e.Auction == nil || !e.Involves(user) {
			return false
		}
		return e.Auction.LotAsset == asset || e.Auction.BidAsset == asset
	default:
		return false
	}
}
