// Package yield splits position value changes into protocol yield and price movement
// using average-cost accounting. All functions are pure.
package yield

import (
	"github.com/golang-sql/civil"

	"lendfolio/internal/domain"
)

// CostBasisAccount is the running deposit/withdrawal record for one (user, pool, asset).
// The weighted-average price is always recomputed from the full deposit set; withdrawals
// only debit tokens at that average.
type CostBasisAccount struct {
	UserAddress string
	PoolID      string
	Asset       string

	TotalDepositedTokens float64
	TotalDepositedUSD    float64
	TotalWithdrawnTokens float64
}

// Deposit records tokens acquired at priceUSD each.
func (a *CostBasisAccount) Deposit(tokens, priceUSD float64) {
	a.TotalDepositedTokens += tokens
	a.TotalDepositedUSD += tokens * priceUSD
}

// Withdraw records tokens removed.
func (a *CostBasisAccount) Withdraw(tokens float64) {
	a.TotalWithdrawnTokens += tokens
}

// NetDeposited is totalDeposited − totalWithdrawn in tokens. May be negative when
// withdrawals include earned interest.
func (a *CostBasisAccount) NetDeposited() float64 {
	return a.TotalDepositedTokens - a.TotalWithdrawnTokens
}

// WeightedAvgPrice is totalDepositedUsd ÷ totalDepositedTokens, or 0 with no deposits.
func (a *CostBasisAccount) WeightedAvgPrice() float64 {
	if a.TotalDepositedTokens <= 0 {
		return 0
	}
	return a.TotalDepositedUSD / a.TotalDepositedTokens
}

// CostBasis is the deposited USD less withdrawn tokens at the average deposit price.
func (a *CostBasisAccount) CostBasis() float64 {
	return a.TotalDepositedUSD - a.TotalWithdrawnTokens*a.WeightedAvgPrice()
}

// Apply folds flows into the account. Deposit-side flows (deposit, borrow) dated today
// are priced at currentPrice; outflows (withdraw, repay) only move tokens.
func (a *CostBasisAccount) Apply(flows []domain.Flow, today civil.Date, currentPrice float64) {
	for _, f := range flows {
		switch f.Kind {
		case domain.FlowDeposit, domain.FlowBorrow:
			price := f.PriceUSD
			if f.Date == today {
				price = currentPrice
			}
			a.Deposit(f.Tokens, price)
		case domain.FlowWithdraw, domain.FlowRepay:
			a.Withdraw(f.Tokens)
		}
	}
}
