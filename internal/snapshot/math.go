package snapshot

import (
	"math"
	"sort"
	"time"

	"lendfolio/internal/domain"
	"lendfolio/internal/protocol"
)

// SecondsPerYear is used to annualize per-second emission rates.
const SecondsPerYear = 365 * 24 * 60 * 60

// SupplyAPY compounds a supply APR weekly.
func SupplyAPY(apr float64) float64 {
	return math.Pow(1+apr/52, 52) - 1
}

// BorrowAPY compounds a borrow APR daily.
func BorrowAPY(apr float64) float64 {
	return math.Pow(1+apr/365, 365) - 1
}

// AccrueIndex returns the emission index of program advanced to now.
// Accrual stops at the program's expiration.
func AccrueIndex(p *protocol.EmissionProgram, now time.Time) float64 {
	if p == nil {
		return 0
	}
	end := now
	if p.Expiration.Before(end) {
		end = p.Expiration
	}
	elapsed := end.Sub(p.LastTime).Seconds()
	if elapsed <= 0 || p.TotalSupply <= 0 {
		return p.Index
	}
	return p.Index + p.EPS*elapsed/p.TotalSupply
}

// Claimable estimates emission tokens claimable by a position of balance tokens.
func Claimable(p *protocol.EmissionProgram, user protocol.UserEmission, balance float64, now time.Time) float64 {
	if p == nil {
		return domain.Clean(math.Max(0, user.Accrued))
	}
	accrued := user.Accrued
	if balance > 0 {
		accrued += balance * (AccrueIndex(p, now) - user.Index)
	}
	return domain.Clean(math.Max(0, accrued))
}

// EmissionAPR annualizes an emission program against the USD value it is shared across.
// supplyValueUSD is the program's total supply converted to USD.
func EmissionAPR(p *protocol.EmissionProgram, emissionPrice, supplyValueUSD float64, now time.Time) float64 {
	if p == nil || supplyValueUSD <= domain.Epsilon || emissionPrice <= 0 {
		return 0
	}
	if !now.Before(p.Expiration) {
		return 0
	}
	return p.EPS * SecondsPerYear * emissionPrice / supplyValueUSD
}

// LPPricing holds prices derived from the backstop's 80/20 BLND/USDC LP composition.
type LPPricing struct {
	BLNDPrice float64
	LPPrice   float64
}

// PriceLP prices the backstop LP token from its reserves.
// BLND holds 80% of pool weight, so BLND is worth 4 × USDC reserves ÷ BLND reserves.
func PriceLP(bp *protocol.BackstopPool, usdcPrice float64) LPPricing {
	if bp == nil || bp.BLND <= 0 {
		return LPPricing{}
	}
	blnd := 4 * bp.USDC / bp.BLND * usdcPrice
	out := LPPricing{BLNDPrice: blnd}
	if bp.LPSupply > 0 {
		out.LPPrice = (bp.BLND*blnd + bp.USDC*usdcPrice) / bp.LPSupply
	}
	return out
}

// SharesToLP returns the LP tokens backing one backstop share.
func SharesToLP(bp *protocol.BackstopPool) float64 {
	if bp == nil || bp.Shares <= 0 {
		return 0
	}
	return bp.Tokens / bp.Shares
}

// InterestAPR is the backstop's share of borrower interest relative to its value.
func InterestAPR(backstopRate, avgBorrowAPY, totalBorrowedUSD, backstopValueUSD float64) float64 {
	if backstopValueUSD <= domain.Epsilon {
		return 0
	}
	return backstopRate * avgBorrowAPY * totalBorrowedUSD / backstopValueUSD
}

// ApplyHealth fills the borrow limit, liabilities, capacity and health factor of s
// from its collateral and borrowed positions.
func ApplyHealth(s *domain.PoolSummary, positions []domain.PositionSnapshot) {
	var limit, liabilities float64
	for _, p := range positions {
		limit += p.CollateralUSD * p.CollateralFactor
		if p.BorrowUSD > 0 && p.LiabilityFactor > 0 {
			liabilities += p.BorrowUSD / p.LiabilityFactor
		}
	}
	s.BorrowLimit = limit
	s.EffectiveLiabilities = liabilities
	s.BorrowCapacity = limit - liabilities
	s.HasDebt = liabilities > domain.Epsilon
	s.HealthFactor = 0
	if s.HasDebt {
		s.HealthFactor = limit / liabilities
	}
}

// Q4WChunks converts queued withdrawals into chunks sorted soonest-to-unlock first.
func Q4WChunks(entries []protocol.Q4WEntry, lpPerShare, lpPrice float64, now time.Time) []domain.Q4WChunk {
	chunks := make([]domain.Q4WChunk, 0, len(entries))
	for _, q := range entries {
		lp := q.Shares * lpPerShare
		rem := int64(q.Expiration.Sub(now) / time.Second)
		if rem < 0 {
			rem = 0
		}
		chunks = append(chunks, domain.Q4WChunk{
			Shares:     q.Shares,
			LPTokens:   lp,
			USD:        lp * lpPrice,
			UnlocksAt:  q.Expiration,
			Unlocked:   !now.Before(q.Expiration),
			SecondsRem: rem,
		})
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].UnlocksAt.Before(chunks[j].UnlocksAt)
	})
	return chunks
}
