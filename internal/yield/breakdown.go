package yield

import (
	"github.com/golang-sql/civil"

	"lendfolio/internal/domain"
)

// Input is the all-time attribution input for one position.
type Input struct {
	CurrentBalance float64 // tokens held now
	CurrentPrice   float64 // USD per token now
	Deposits       []domain.Flow
	Withdrawals    []domain.Flow
	Today          civil.Date // deposits on this date are re-priced to CurrentPrice
}

// Breakdown is the all-time attribution of a supply or backstop position.
type Breakdown struct {
	CostBasisHistorical     float64 `json:"costBasisHistorical"`
	WeightedAvgDepositPrice float64 `json:"weightedAvgDepositPrice"`
	NetDepositedTokens      float64 `json:"netDepositedTokens"`
	ProtocolYieldTokens     float64 `json:"protocolYieldTokens"`
	ProtocolYieldUSD        float64 `json:"protocolYieldUsd"`
	PriceChangeUSD          float64 `json:"priceChangeUsd"`
	TotalEarnedUSD          float64 `json:"totalEarnedUsd"`
	TotalEarnedPercent      float64 `json:"totalEarnedPercent"`
}

// AllTime attributes the change from cost basis to current value.
// totalEarned = currentValue − costBasis = protocolYieldUsd + priceChangeUsd.
func AllTime(in Input) Breakdown {
	var acct CostBasisAccount
	acct.Apply(in.Deposits, in.Today, in.CurrentPrice)
	acct.Apply(in.Withdrawals, in.Today, in.CurrentPrice)

	avg := acct.WeightedAvgPrice()
	net := acct.NetDeposited()

	b := Breakdown{
		CostBasisHistorical:     domain.Clean(acct.CostBasis()),
		WeightedAvgDepositPrice: avg,
		NetDepositedTokens:      domain.Clean(net),
		ProtocolYieldTokens:     domain.Clean(in.CurrentBalance - net),
	}
	b.ProtocolYieldUSD = b.ProtocolYieldTokens * in.CurrentPrice
	b.PriceChangeUSD = domain.Clean(b.NetDepositedTokens * (in.CurrentPrice - avg))
	b.TotalEarnedUSD = b.ProtocolYieldUSD + b.PriceChangeUSD
	b.TotalEarnedPercent = percent(b.TotalEarnedUSD, b.CostBasisHistorical)
	return b
}

// PeriodBreakdown attributes the change in value between two points in time.
type PeriodBreakdown struct {
	ProtocolYieldTokens float64 `json:"protocolYieldTokens"`
	ProtocolYieldUSD    float64 `json:"protocolYieldUsd"`
	PriceChangeUSD      float64 `json:"priceChangeUsd"`
	TotalUSD            float64 `json:"totalUsd"`
	TotalPercent        float64 `json:"totalPercent"`
}

// Period splits valueNow − valueAtStart into token growth at today's price and price
// movement on the starting tokens.
func Period(tokensAtStart, priceAtStart, tokensNow, priceNow float64) PeriodBreakdown {
	p := PeriodBreakdown{
		ProtocolYieldTokens: domain.Clean(tokensNow - tokensAtStart),
	}
	p.ProtocolYieldUSD = p.ProtocolYieldTokens * priceNow
	p.PriceChangeUSD = tokensAtStart * (priceNow - priceAtStart)
	p.TotalUSD = p.ProtocolYieldUSD + p.PriceChangeUSD
	p.TotalPercent = percent(p.TotalUSD, tokensAtStart*priceAtStart)
	return p
}

// BorrowInput is the all-time attribution input for one debt position.
type BorrowInput struct {
	CurrentDebt  float64 // tokens owed now
	CurrentPrice float64
	Borrows      []domain.Flow
	Repays       []domain.Flow
	Today        civil.Date
}

// BorrowBreakdown is the all-time attribution of a debt position. Positive values are costs.
type BorrowBreakdown struct {
	BorrowCostBasis        float64 `json:"borrowCostBasis"`
	WeightedAvgBorrowPrice float64 `json:"weightedAvgBorrowPrice"`
	NetBorrowedTokens      float64 `json:"netBorrowedTokens"`
	InterestAccruedTokens  float64 `json:"interestAccruedTokens"`
	InterestAccruedUSD     float64 `json:"interestAccruedUsd"`
	PriceIncreaseCostUSD   float64 `json:"priceIncreaseCostUsd"`
	TotalCostUSD           float64 `json:"totalCostUsd"`
	TotalCostPercent       float64 `json:"totalCostPercent"`
}

// Borrow mirrors AllTime for debt: a price rise on the borrowed asset is a cost.
func Borrow(in BorrowInput) BorrowBreakdown {
	var acct CostBasisAccount
	acct.Apply(in.Borrows, in.Today, in.CurrentPrice)
	acct.Apply(in.Repays, in.Today, in.CurrentPrice)

	avg := acct.WeightedAvgPrice()
	net := acct.NetDeposited()

	b := BorrowBreakdown{
		BorrowCostBasis:        domain.Clean(acct.CostBasis()),
		WeightedAvgBorrowPrice: avg,
		NetBorrowedTokens:      domain.Clean(net),
		InterestAccruedTokens:  domain.Clean(in.CurrentDebt - net),
	}
	b.InterestAccruedUSD = b.InterestAccruedTokens * in.CurrentPrice
	b.PriceIncreaseCostUSD = domain.Clean(b.NetBorrowedTokens * (in.CurrentPrice - avg))
	b.TotalCostUSD = b.InterestAccruedUSD + b.PriceIncreaseCostUSD
	b.TotalCostPercent = percent(b.TotalCostUSD, b.BorrowCostBasis)
	return b
}

func percent(amount, basis float64) float64 {
	if basis <= domain.Epsilon {
		return 0
	}
	return amount / basis * 100
}
