package balance

import (
	"errors"
	"math"
	"testing"

	"github.com/golang-sql/civil"

	"lendfolio/internal/domain"
)

func flatRates(b, d float64) RateLookup {
	return func(string, civil.Date) domain.RateQuote {
		return domain.RateQuote{BRate: b, DRate: d, Found: true}
	}
}

func fillEvent(victim, filler string) *domain.PoolEvent {
	return &domain.PoolEvent{
		PoolID:         "P1",
		UserAddress:    victim,
		Action:         domain.ActionFillAuction,
		LedgerSequence: 42,
		ClosedAt:       base,
		Auction: &domain.AuctionLeg{
			AuctionType:   domain.AuctionUserLiquidation,
			FillerAddress: filler,
			LotAsset:      "CXLM",
			LotAmount:     400,
			BidAsset:      "CUSDC",
			BidAmount:     40,
			FillPercent:   100,
		},
	}
}

func TestPoolDelta_DirectActions(t *testing.T) {
	day := civil.DateOf(base)
	cases := []struct {
		action domain.ActionType
		want   Totals
	}{
		{domain.ActionSupply, Totals{Supply: 10, Deposits: 11}},
		{domain.ActionWithdraw, Totals{Supply: -10, Withdrawals: 11}},
		{domain.ActionSupplyCollateral, Totals{Collateral: 10, Deposits: 11}},
		{domain.ActionWithdrawCollateral, Totals{Collateral: -10, Withdrawals: 11}},
		{domain.ActionBorrow, Totals{Liability: 10, Borrows: 11}},
		{domain.ActionRepay, Totals{Liability: -10, Repays: 11}},
	}
	for _, tc := range cases {
		e := &domain.PoolEvent{PoolID: "P1", UserAddress: "GU", AssetAddress: "CUSDC", Action: tc.action, AmountTokens: 10, AmountUnderlying: 11}
		got, ok, err := PoolDelta(e, "GU", "CUSDC", day, flatRates(1, 1))
		if err != nil || !ok {
			t.Fatalf("%s: ok=%v err=%v", tc.action, ok, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.action, got, tc.want)
		}
	}
}

func TestPoolDelta_NoOpActions(t *testing.T) {
	day := civil.DateOf(base)
	for _, a := range []domain.ActionType{domain.ActionClaim, domain.ActionNewAuction, domain.ActionDeleteAuction} {
		e := &domain.PoolEvent{PoolID: "P1", UserAddress: "GU", AssetAddress: "CUSDC", Action: a, AmountTokens: 10}
		_, ok, err := PoolDelta(e, "GU", "CUSDC", day, flatRates(1, 1))
		if err != nil || ok {
			t.Errorf("%s: expected no-op, ok=%v err=%v", a, ok, err)
		}
	}
}

func TestPoolDelta_UnknownActionFails(t *testing.T) {
	e := &domain.PoolEvent{PoolID: "P1", UserAddress: "GU", AssetAddress: "CUSDC", Action: domain.ActionType(99)}
	_, _, err := PoolDelta(e, "GU", "CUSDC", civil.DateOf(base), flatRates(1, 1))
	if !errors.Is(err, domain.ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
}

func TestPoolDelta_LiquidationConservation(t *testing.T) {
	day := civil.DateOf(base)
	e := fillEvent("GVICTIM", "GFILLER")
	rates := flatRates(1.1, 1.05)

	for _, asset := range []string{"CXLM", "CUSDC"} {
		victim, _, err := PoolDelta(e, "GVICTIM", asset, day, rates)
		if err != nil {
			t.Fatalf("victim %s: %v", asset, err)
		}
		filler, _, err := PoolDelta(e, "GFILLER", asset, day, rates)
		if err != nil {
			t.Fatalf("filler %s: %v", asset, err)
		}
		if victim.Collateral+filler.Collateral != 0 {
			t.Errorf("%s: collateral not conserved: %f + %f", asset, victim.Collateral, filler.Collateral)
		}
		if victim.Liability+filler.Liability != 0 {
			t.Errorf("%s: liability not conserved: %f + %f", asset, victim.Liability, filler.Liability)
		}
	}

	victimLot, _, _ := PoolDelta(e, "GVICTIM", "CXLM", day, rates)
	if victimLot.Collateral != -400 || math.Abs(victimLot.Withdrawals-440) > 1e-9 {
		t.Errorf("unexpected victim lot delta: %+v", victimLot)
	}
	fillerBid, _, _ := PoolDelta(e, "GFILLER", "CUSDC", day, rates)
	if fillerBid.Liability != 40 || math.Abs(fillerBid.Borrows-42) > 1e-9 {
		t.Errorf("unexpected filler bid delta: %+v", fillerBid)
	}
}

func TestPoolDelta_NonLiquidationFillIgnored(t *testing.T) {
	e := fillEvent("GBACKSTOP", "GFILLER")
	e.Auction.AuctionType = domain.AuctionBadDebt
	_, ok, err := PoolDelta(e, "GFILLER", "CXLM", civil.DateOf(base), flatRates(1, 1))
	if err != nil || ok {
		t.Errorf("bad debt fill must not move balances, ok=%v err=%v", ok, err)
	}
}

func TestBackstopDelta(t *testing.T) {
	cases := []struct {
		action domain.BackstopActionType
		want   BackstopTotals
		ok     bool
	}{
		{domain.BackstopDeposit, BackstopTotals{Shares: 5, Deposits: 6}, true},
		{domain.BackstopWithdraw, BackstopTotals{Shares: -5, Queued: -5, Withdrawals: 6}, true},
		{domain.BackstopQueueWithdrawal, BackstopTotals{Queued: 5}, true},
		{domain.BackstopDequeueWithdrawal, BackstopTotals{Queued: -5}, true},
		{domain.BackstopClaim, BackstopTotals{Shares: 5}, true},
		{domain.BackstopDonate, BackstopTotals{}, false},
	}
	for _, tc := range cases {
		got, ok, err := BackstopDelta(&domain.BackstopEvent{Action: tc.action, Shares: 5, LPTokens: 6})
		if err != nil {
			t.Fatalf("%s: %v", tc.action, err)
		}
		if ok != tc.ok || got != tc.want {
			t.Errorf("%s: got (%+v, %v), want (%+v, %v)", tc.action, got, ok, tc.want, tc.ok)
		}
	}

	if _, _, err := BackstopDelta(&domain.BackstopEvent{}); !errors.Is(err, domain.ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
}

func TestIsActivity(t *testing.T) {
	fill := fillEvent("GVICTIM", "GFILLER")
	if !IsActivity(fill, "GFILLER", "CUSDC") || !IsActivity(fill, "GVICTIM", "CXLM") {
		t.Error("both auction legs must count for both parties")
	}
	if IsActivity(fill, "GOTHER", "CXLM") {
		t.Error("uninvolved user must not count")
	}
	claim := &domain.PoolEvent{UserAddress: "GU", AssetAddress: "CUSDC", Action: domain.ActionClaim}
	if IsActivity(claim, "GU", "CUSDC") {
		t.Error("claims are not position activity")
	}
}
