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

// RateStore implements storage.RateStore using ClickHouse.
type RateStore struct {
	conn *Conn
}

// NewRateStore creates a new RateStore.
func NewRateStore(conn *Conn) *RateStore {
	return &RateStore{conn: conn}
}

// Compile-time interface check.
var _ storage.RateStore = (*RateStore)(nil)

// InsertBulk adds multiple samples. Fails entire batch on duplicate (pool_id, asset, rate_date).
// ReplacingMergeTree does not reject duplicates, so they are checked before the insert.
func (s *RateStore) InsertBulk(ctx context.Context, samples []*domain.RateSample) error {
	if len(samples) == 0 {
		return nil
	}

	type key struct {
		poolID, asset string
		date          civil.Date
	}
	seen := make(map[key]struct{}, len(samples))
	for _, r := range samples {
		if r == nil || r.PoolID == "" || r.AssetAddress == "" || !r.RateDate.IsValid() {
			return storage.ErrInvalidInput
		}
		k := key{r.PoolID, r.AssetAddress, r.RateDate}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	for _, r := range samples {
		exists, err := s.exists(ctx, r.PoolID, r.AssetAddress, r.RateDate)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO rate_samples (pool_id, asset_address, rate_date, b_rate, d_rate)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range samples {
		if err := batch.Append(r.PoolID, r.AssetAddress, dateValue(r.RateDate), r.BRate, r.DRate); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetLatest returns the most recent sample at or before date.
func (s *RateStore) GetLatest(ctx context.Context, poolID, asset string, date civil.Date) (*domain.RateSample, error) {
	query := `
		SELECT pool_id, asset_address, rate_date, b_rate, d_rate
		FROM rate_samples FINAL
		WHERE pool_id = ? AND asset_address = ? AND rate_date <= toDate32(?)
		ORDER BY rate_date DESC
		LIMIT 1
	`
	samples, err := s.query(ctx, "rate_latest", query, poolID, asset, date.String())
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, storage.ErrNotFound
	}
	return samples[0], nil
}

// GetRange retrieves samples within [start, end] (inclusive), ordered by rate_date ASC.
func (s *RateStore) GetRange(ctx context.Context, poolID, asset string, start, end civil.Date) ([]*domain.RateSample, error) {
	query := `
		SELECT pool_id, asset_address, rate_date, b_rate, d_rate
		FROM rate_samples FINAL
		WHERE pool_id = ? AND asset_address = ?
		  AND rate_date >= toDate32(?) AND rate_date <= toDate32(?)
		ORDER BY rate_date ASC
	`
	return s.query(ctx, "rate_range", query, poolID, asset, start.String(), end.String())
}

func (s *RateStore) query(ctx context.Context, op, query string, args ...any) (samples []*domain.RateSample, err error) {
	started := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", op, time.Since(started).Seconds(), err)
	}()

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	return scanRateSamples(rows)
}

func (s *RateStore) exists(ctx context.Context, poolID, asset string, date civil.Date) (bool, error) {
	query := `
		SELECT count() FROM rate_samples
		WHERE pool_id = ? AND asset_address = ? AND rate_date = toDate32(?)
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, poolID, asset, date.String()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func scanRateSamples(rows chRows) ([]*domain.RateSample, error) {
	var samples []*domain.RateSample

	for rows.Next() {
		var (
			r   domain.RateSample
			day time.Time
		)
		if err := rows.Scan(&r.PoolID, &r.AssetAddress, &day, &r.BRate, &r.DRate); err != nil {
			return nil, fmt.Errorf("scan rate sample row: %w", err)
		}
		r.RateDate = dateOf(day)
		samples = append(samples, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rate sample rows: %w", err)
	}
	return samples, nil
}
