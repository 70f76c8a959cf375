package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"lendfolio/internal/domain"
	"lendfolio/internal/observability"
	"lendfolio/internal/storage"
)

// PoolEventStore implements storage.PoolEventStore using PostgreSQL.
type PoolEventStore struct {
	pool *Pool
}

// NewPoolEventStore creates a new PoolEventStore.
func NewPoolEventStore(pool *Pool) *PoolEventStore {
	return &PoolEventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PoolEventStore = (*PoolEventStore)(nil)

const insertPoolEvent = `
	INSERT INTO pool_events (
		pool_id, ledger_sequence, event_index, user_address, action, asset_address,
		amount_underlying, amount_tokens, closed_at, tx_hash,
		auction_type, filler_address, lot_asset, lot_amount, bid_asset, bid_amount, fill_percent
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`

const selectPoolEvents = `
	SELECT pool_id, ledger_sequence, event_index, user_address, action, asset_address,
		amount_underlying, amount_tokens, closed_at, tx_hash,
		auction_type, filler_address, lot_asset, lot_amount, bid_asset, bid_amount, fill_percent
	FROM pool_events
`

// InsertBulk adds multiple pool events atomically. Fails entire batch on any duplicate
// (pool_id, ledger_sequence, event_index).
func (s *PoolEventStore) InsertBulk(ctx context.Context, events []*domain.PoolEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		if e == nil || e.PoolID == "" || e.UserAddress == "" || e.Action == domain.ActionUnknown {
			return storage.ErrInvalidInput
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range events {
		var (
			auctionType *int16
			filler      *string
			lotAsset    *string
			lotAmount   *float64
			bidAsset    *string
			bidAmount   *float64
			fillPercent *int16
		)
		if a := e.Auction; a != nil {
			t := int16(a.AuctionType)
			pct := int16(a.FillPercent)
			auctionType, fillPercent = &t, &pct
			filler, lotAsset, bidAsset = nullable(a.FillerAddress), nullable(a.LotAsset), nullable(a.BidAsset)
			lotAmount, bidAmount = &a.LotAmount, &a.BidAmount
		}

		_, err := tx.Exec(ctx, insertPoolEvent,
			e.PoolID,
			e.LedgerSequence,
			e.EventIndex,
			e.UserAddress,
			e.Action.String(),
			e.AssetAddress,
			e.AmountUnderlying,
			e.AmountTokens,
			e.ClosedAt,
			e.TxHash,
			auctionType,
			filler,
			lotAsset,
			lotAmount,
			bidAsset,
			bidAmount,
			fillPercent,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert pool event in bulk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetByUserAsset retrieves events involving user as owner or filler that move asset on any leg.
func (s *PoolEventStore) GetByUserAsset(ctx context.Context, user, asset string, before time.Time) ([]*domain.PoolEvent, error) {
	query := selectPoolEvents + `
		WHERE (user_address = $1 OR filler_address = $1)
		  AND (asset_address = $2 OR lot_asset = $2 OR bid_asset = $2)
		  AND closed_at < $3
		ORDER BY closed_at ASC, ledger_sequence ASC, event_index ASC
	`
	return s.query(ctx, "pool_events_by_user_asset", query, user, asset, before)
}

// GetByUserPool retrieves events in a pool involving user as owner or filler.
func (s *PoolEventStore) GetByUserPool(ctx context.Context, user, poolID string, before time.Time) ([]*domain.PoolEvent, error) {
	query := selectPoolEvents + `
		WHERE pool_id = $2
		  AND (user_address = $1 OR filler_address = $1)
		  AND closed_at < $3
		ORDER BY closed_at ASC, ledger_sequence ASC, event_index ASC
	`
	return s.query(ctx, "pool_events_by_user_pool", query, user, poolID, before)
}

func (s *PoolEventStore) query(ctx context.Context, op, query string, args ...any) (events []*domain.PoolEvent, err error) {
	started := time.Now()
	defer func() {
		observability.RecordDBQuery("postgres", op, time.Since(started).Seconds(), err)
	}()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	return scanPoolEvents(rows)
}

// scanPoolEvents scans multiple rows into a slice of PoolEvent.
func scanPoolEvents(rows pgx.Rows) ([]*domain.PoolEvent, error) {
	var events []*domain.PoolEvent

	for rows.Next() {
		var (
			e           domain.PoolEvent
			action      string
			auctionType *int16
			filler      *string
			lotAsset    *string
			lotAmount   *float64
			bidAsset    *string
			bidAmount   *float64
			fillPercent *int16
		)

		err := rows.Scan(
			&e.PoolID,
			&e.LedgerSequence,
			&e.EventIndex,
			&e.UserAddress,
			&action,
			&e.AssetAddress,
			&e.AmountUnderlying,
			&e.AmountTokens,
			&e.ClosedAt,
			&e.TxHash,
			&auctionType,
			&filler,
			&lotAsset,
			&lotAmount,
			&bidAsset,
			&bidAmount,
			&fillPercent,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pool event row: %w", err)
		}

		if e.Action, err = domain.ParseActionType(action); err != nil {
			return nil, fmt.Errorf("scan pool event row: %w", err)
		}
		e.ClosedAt = e.ClosedAt.UTC()
		if auctionType != nil {
			e.Auction = &domain.AuctionLeg{
				AuctionType:   domain.AuctionType(*auctionType),
				FillerAddress: deref(filler),
				LotAsset:      deref(lotAsset),
				LotAmount:     deref(lotAmount),
				BidAsset:      deref(bidAsset),
				BidAmount:     deref(bidAmount),
				FillPercent:   int(deref(fillPercent)),
			}
		}

		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pool event rows: %w", err)
	}

	return events, nil
}
