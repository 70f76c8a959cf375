// Package fixtures seeds memory stores and a stub protocol client with a small demo
// wallet: USDC collateral, an XLM borrow and a backstop stake with one queued withdrawal.
// All dates are relative to the supplied clock.
package fixtures

import (
	"context"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"

	"lendfolio/internal/domain"
	"lendfolio/internal/protocol"
	"lendfolio/internal/protocol/stub"
	"lendfolio/internal/storage"
	"lendfolio/internal/storage/memory"
)

// Demo identifiers.
const (
	Wallet = "GDEMOWALLET"
	Pool   = "CDEMOPOOL"
	Oracle = "CDEMOORACLE"
	USDC   = "CDEMOUSDC"
	XLM    = "CDEMOXLM"
)

// Stores groups the stores the fixtures populate.
type Stores struct {
	Pools     storage.PoolEventStore
	Backstops storage.BackstopEventStore
	Rates     storage.RateStore
	Prices    storage.PriceStore
}

// MemoryStores returns empty in-memory stores.
func MemoryStores() Stores {
	return Stores{
		Pools:     memory.NewPoolEventStore(),
		Backstops: memory.NewBackstopEventStore(),
		Rates:     memory.NewRateStore(),
		Prices:    memory.NewPriceStore(),
	}
}

// Load populates stores with the demo wallet's history and client with its live state.
func Load(ctx context.Context, s Stores, client *stub.Client, now time.Time) error {
	now = now.UTC()
	today := civil.DateOf(now)

	if err := loadPoolEvents(ctx, s.Pools, today); err != nil {
		return err
	}
	if err := loadBackstopEvents(ctx, s.Backstops, today, now); err != nil {
		return err
	}
	if err := loadRates(ctx, s.Rates, today); err != nil {
		return err
	}
	if err := loadPrices(ctx, s.Prices, today); err != nil {
		return err
	}
	loadLiveState(client, now)
	return nil
}

// at returns 10:00 UTC on the day offset days from today.
func at(today civil.Date, offset int) time.Time {
	d := today.AddDays(offset)
	return time.Date(d.Year, d.Month, d.Day, 10, 0, 0, 0, time.UTC)
}

func loadPoolEvents(ctx context.Context, store storage.PoolEventStore, today civil.Date) error {
	events := []*domain.PoolEvent{
		{
			PoolID:           Pool,
			UserAddress:      Wallet,
			Action:           domain.ActionSupplyCollateral,
			AssetAddress:     USDC,
			AmountUnderlying: 100,
			AmountTokens:     100,
			LedgerSequence:   1000,
			ClosedAt:         at(today, -10),
			TxHash:           "tx-supply-collateral",
		},
		{
			PoolID:           Pool,
			UserAddress:      Wallet,
			Action:           domain.ActionBorrow,
			AssetAddress:     XLM,
			AmountUnderlying: 200,
			AmountTokens:     200,
			LedgerSequence:   5000,
			ClosedAt:         at(today, -5),
			TxHash:           "tx-borrow",
		},
	}
	return store.InsertBulk(ctx, events)
}

func loadBackstopEvents(ctx context.Context, store storage.BackstopEventStore, today civil.Date, now time.Time) error {
	unlock := now.Add(7 * 24 * time.Hour)
	events := []*domain.BackstopEvent{
		{
			PoolID:         Pool,
			UserAddress:    Wallet,
			Action:         domain.BackstopDeposit,
			LPTokens:       50,
			Shares:         25,
			LedgerSequence: 2000,
			ClosedAt:       at(today, -8),
			TxHash:         "tx-backstop-deposit",
		},
		{
			PoolID:         Pool,
			UserAddress:    Wallet,
			Action:         domain.BackstopQueueWithdrawal,
			Shares:         5,
			Expiration:     &unlock,
			LedgerSequence: 8000,
			ClosedAt:       at(today, -2),
			TxHash:         "tx-backstop-queue",
		},
	}
	return store.InsertBulk(ctx, events)
}

func loadRates(ctx context.Context, store storage.RateStore, today civil.Date) error {
	samples := []*domain.RateSample{
		{PoolID: Pool, AssetAddress: USDC, RateDate: today.AddDays(-10), BRate: 1.0, DRate: 1.0},
		{PoolID: Pool, AssetAddress: USDC, RateDate: today.AddDays(-1), BRate: 1.1, DRate: 1.2},
		{PoolID: Pool, AssetAddress: XLM, RateDate: today.AddDays(-10), BRate: 1.0, DRate: 1.0},
		{PoolID: Pool, AssetAddress: XLM, RateDate: today.AddDays(-1), BRate: 1.0, DRate: 1.05},
		{PoolID: Pool, AssetAddress: domain.BackstopAsset, RateDate: today.AddDays(-8), BRate: 2.0},
		{PoolID: Pool, AssetAddress: domain.BackstopAsset, RateDate: today.AddDays(-1), BRate: 2.2},
	}
	return store.InsertBulk(ctx, samples)
}

func loadPrices(ctx context.Context, store storage.PriceStore, today civil.Date) error {
	samples := []*domain.PriceSample{
		{TokenAddress: USDC, PriceDate: today.AddDays(-10), USDPrice: 1.0},
		{TokenAddress: XLM, PriceDate: today.AddDays(-10), USDPrice: 0.10},
		{TokenAddress: XLM, PriceDate: today.AddDays(-5), USDPrice: 0.11},
		{TokenAddress: XLM, PriceDate: today.AddDays(-1), USDPrice: 0.12},
		{TokenAddress: domain.BackstopAsset, PriceDate: today.AddDays(-8), USDPrice: 2.5},
	}
	return store.InsertBulk(ctx, samples)
}

func loadLiveState(client *stub.Client, now time.Time) {
	client.SetOracle(Oracle, 7)
	client.SetPrice(Oracle, USDC, &protocol.OraclePrice{Price: decimal.NewFromInt(10_000_000), Timestamp: now})
	client.SetPrice(Oracle, XLM, &protocol.OraclePrice{Price: decimal.NewFromInt(1_200_000), Timestamp: now})
	client.AddToken(&protocol.TokenMetadata{Address: USDC, Symbol: "USDC", Name: "USD Coin", Decimals: 7})
	client.AddToken(&protocol.TokenMetadata{Address: XLM, Symbol: "XLM", Name: "Stellar Lumens", Decimals: 7})

	client.AddPool(&protocol.Pool{
		ID:           Pool,
		Name:         "Demo Pool",
		Oracle:       Oracle,
		BackstopRate: 0.2,
		Reserves: []protocol.Reserve{
			{
				Asset:              USDC,
				Index:              0,
				Decimals:           7,
				BRate:              decimal.RequireFromString("1100000000000"),
				DRate:              decimal.RequireFromString("1200000000000"),
				CFactor:            0.9,
				LFactor:            0.95,
				Utilization:        0.5,
				SupplyAPR:          0.05,
				BorrowAPR:          0.1,
				TotalSupplyBTokens: decimal.NewFromInt(10_000_000_000),
				TotalLiabilities:   decimal.NewFromInt(5_000_000_000),
				SupplyEmissions: &protocol.EmissionProgram{
					EPS:         0.1,
					Expiration:  now.Add(30 * 24 * time.Hour),
					LastTime:    now.Add(-time.Hour),
					TotalSupply: 1000,
				},
			},
			{
				Asset:              XLM,
				Index:              1,
				Decimals:           7,
				BRate:              decimal.RequireFromString("1000000000000"),
				DRate:              decimal.RequireFromString("1050000000000"),
				CFactor:            0.75,
				LFactor:            0.8,
				Utilization:        0.4,
				SupplyAPR:          0.02,
				BorrowAPR:          0.2,
				TotalSupplyBTokens: decimal.NewFromInt(50_000_000_000),
				TotalLiabilities:   decimal.NewFromInt(20_000_000_000),
			},
		},
	})
	client.SetPosition(Pool, Wallet, &protocol.UserPosition{
		Collateral:  map[string]decimal.Decimal{USDC: decimal.NewFromInt(1_000_000_000)},
		Liabilities: map[string]decimal.Decimal{XLM: decimal.NewFromInt(2_000_000_000)},
		Emissions:   map[int]protocol.UserEmission{1: {Index: 0, Accrued: 0.5}},
	})

	client.AddBackstop(&protocol.BackstopPool{
		PoolID:    Pool,
		Shares:    1000,
		Tokens:    2200,
		Q4WShares: 50,
		LPSupply:  10_000,
		BLND:      80_000,
		USDC:      5_000,
		USDCToken: USDC,
		Emissions: &protocol.EmissionProgram{
			EPS:         0.05,
			Expiration:  now.Add(30 * 24 * time.Hour),
			LastTime:    now.Add(-time.Hour),
			TotalSupply: 1000,
		},
	})
	client.SetUserBackstop(Pool, Wallet, &protocol.UserBackstop{
		Shares: 20,
		Q4W:    []protocol.Q4WEntry{{Shares: 5, Expiration: now.Add(7 * 24 * time.Hour)}},
	})
}
