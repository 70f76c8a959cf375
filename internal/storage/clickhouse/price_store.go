package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-sql/civil"

	"lendfolio/internal/domain"
	"lendfolio/internal/observability"
	"lendfolio/internal/storage"
)

// PriceStore implements storage.PriceStore using ClickHouse.
type PriceStore struct {
	conn *Conn
}

// NewPriceStore creates a new PriceStore.
func NewPriceStore(conn *Conn) *PriceStore {
	return &PriceStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PriceStore = (*PriceStore)(nil)

// InsertBulk adds multiple samples. Fails entire batch on duplicate (token, price_date).
func (s *PriceStore) InsertBulk(ctx context.Context, samples []*domain.PriceSample) error {
	if len(samples) == 0 {
		return nil
	}

	type key struct {
		token string
		date  civil.Date
	}
	seen := make(map[key]struct{}, len(samples))
	for _, p := range samples {
		if p == nil || p.TokenAddress == "" || !p.PriceDate.IsValid() {
			return storage.ErrInvalidInput
		}
		k := key{p.TokenAddress, p.PriceDate}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	for _, p := range samples {
		exists, err := s.exists(ctx, p.TokenAddress, p.PriceDate)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO price_samples (token_address, price_date, usd_price)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range samples {
		if err := batch.Append(p.TokenAddress, dateValue(p.PriceDate), p.USDPrice); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetLatest returns the most recent sample at or before date.
func (s *PriceStore) GetLatest(ctx context.Context, token string, date civil.Date) (*domain.PriceSample, error) {
	query := `
		SELECT token_address, price_date, usd_price
		FROM price_samples FINAL
		WHERE token_address = ? AND price_date <= toDate32(?)
		ORDER BY price_date DESC
		LIMIT 1
	`
	samples, err := s.query(ctx, "price_latest", query, token, date.String())
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, storage.ErrNotFound
	}
	return samples[0], nil
}

// GetRange retrieves samples within [start, end] (inclusive), ordered by price_date ASC.
func (s *PriceStore) GetRange(ctx context.Context, token string, start, end civil.Date) ([]*domain.PriceSample, error) {
	query := `
		SELECT token_address, price_date, usd_price
		FROM price_samples FINAL
		WHERE token_address = ?
		  AND price_date >= toDate32(?) AND price_date <= toDate32(?)
		ORDER BY price_date ASC
	`
	return s.query(ctx, "price_range", query, token, start.String(), end.String())
}

func (s *PriceStore) query(ctx context.Context, op, query string, args ...any) (samples []*domain.PriceSample, err error) {
	started := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", op, time.Since(started).Seconds(), err)
	}()

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	return scanPriceSamples(rows)
}

func (s *PriceStore) exists(ctx context.Context, token string, date civil.Date) (bool, error) {
	query := `
		SELECT count() FROM price_samples
		WHERE token_address = ? AND price_date = toDate32(?)
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, token, date.String()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func scanPriceSamples(rows chRows) ([]*domain.PriceSample, error) {
	var samples []*domain.PriceSample

	for rows.Next() {
		var (
			p   domain.PriceSample
			day time.Time
		)
		if err := rows.Scan(&p.TokenAddress, &day, &p.USDPrice); err != nil {
			return nil, fmt.Errorf("scan price sample row: %w", err)
		}
		p.PriceDate = dateOf(day)
		samples = append(samples, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price sample rows: %w", err)
	}
	return samples, nil
}
