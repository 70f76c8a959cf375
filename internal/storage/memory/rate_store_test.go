package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-sql/civil"

	"lendfolio/internal/domain"
	"lendfolio/internal/storage"
)

func date(y, m, d int) civil.Date {
	return civil.Date{Year: y, Month: time.Month(m), Day: d}
}

func TestRateStore_GetLatestForwardFill(t *testing.T) {
	store := NewRateStore()
	ctx := context.Background()

	samples := []*domain.RateSample{
		{PoolID: "P1", AssetAddress: "CUSDC", RateDate: date(2025, 1, 5), BRate: 1.05, DRate: 1.10},
		{PoolID: "P1", AssetAddress: "CUSDC", RateDate: date(2025, 1, 1), BRate: 1.00, DRate: 1.00},
	}
	if err := store.InsertBulk(ctx, samples); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	got, err := store.GetLatest(ctx, "P1", "CUSDC", date(2025, 1, 3))
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if got.BRate != 1.00 {
		t.Errorf("expected forward-filled 1.00, got %f", got.BRate)
	}

	got, err = store.GetLatest(ctx, "P1", "CUSDC", date(2025, 1, 5))
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if got.DRate != 1.10 {
		t.Errorf("expected exact 1.10, got %f", got.DRate)
	}

	_, err = store.GetLatest(ctx, "P1", "CUSDC", date(2024, 12, 31))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound before first sample, got %v", err)
	}
}

func TestRateStore_GetRangeAndDuplicates(t *testing.T) {
	store := NewRateStore()
	ctx := context.Background()

	var samples []*domain.RateSample
	for d := 1; d <= 5; d++ {
		samples = append(samples, &domain.RateSample{PoolID: "P1", AssetAddress: "CXLM", RateDate: date(2025, 2, d), BRate: 1, DRate: 1})
	}
	if err := store.InsertBulk(ctx, samples); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	got, err := store.GetRange(ctx, "P1", "CXLM", date(2025, 2, 2), date(2025, 2, 4))
	if err != nil {
		t.Fatalf("GetRange failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 samples, got %d", len(got))
	}

	err = store.InsertBulk(ctx, samples[:1])
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestPriceStore_GetLatestAndRange(t *testing.T) {
	store := NewPriceStore()
	ctx := context.Background()

	samples := []*domain.PriceSample{
		{TokenAddress: "CXLM", PriceDate: date(2025, 3, 1), USDPrice: 0.10},
		{TokenAddress: "CXLM", PriceDate: date(2025, 3, 3), USDPrice: 0.12},
	}
	if err := store.InsertBulk(ctx, samples); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	got, err := store.GetLatest(ctx, "CXLM", date(2025, 3, 2))
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if got.USDPrice != 0.10 || got.PriceDate != date(2025, 3, 1) {
		t.Errorf("unexpected forward-fill result: %+v", got)
	}

	if _, err := store.GetLatest(ctx, "CUNKNOWN", date(2025, 3, 2)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	rng, _ := store.GetRange(ctx, "CXLM", date(2025, 3, 1), date(2025, 3, 31))
	if len(rng) != 2 {
		t.Errorf("expected 2 samples, got %d", len(rng))
	}

	dup := []*domain.PriceSample{
		{TokenAddress: "CBLND", PriceDate: date(2025, 3, 1), USDPrice: 1},
		{TokenAddress: "CBLND", PriceDate: date(2025, 3, 1), USDPrice: 2},
	}
	if err := store.InsertBulk(ctx, dup); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey for intra-batch duplicate, got %v", err)
	}
}
