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

// BackstopEventStore implements storage.BackstopEventStore using PostgreSQL.
type BackstopEventStore struct {
	pool *Pool
}

// NewBackstopEventStore creates a new BackstopEventStore.
func NewBackstopEventStore(pool *Pool) *BackstopEventStore {
	return &BackstopEventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.BackstopEventStore = (*BackstopEventStore)(nil)

const selectBackstopEvents = `
	SELECT pool_id, ledger_sequence, event_index, user_address, action,
		lp_tokens, shares, expiration, closed_at, tx_hash
	FROM backstop_events
`

// InsertBulk adds multiple backstop events atomically. Fails entire batch on any duplicate.
func (s *BackstopEventStore) InsertBulk(ctx context.Context, events []*domain.BackstopEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		if e == nil || e.PoolID == "" || e.UserAddress == "" || e.Action == domain.BackstopUnknown {
			return storage.ErrInvalidInput
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO backstop_events (
			pool_id, ledger_sequence, event_index, user_address, action,
			lp_tokens, shares, expiration, closed_at, tx_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	for _, e := range events {
		_, err := tx.Exec(ctx, query,
			e.PoolID,
			e.LedgerSequence,
			e.EventIndex,
			e.UserAddress,
			e.Action.String(),
			e.LPTokens,
			e.Shares,
			e.Expiration,
			e.ClosedAt,
			e.TxHash,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert backstop event in bulk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetByUserPool retrieves a user's backstop events for a pool.
func (s *BackstopEventStore) GetByUserPool(ctx context.Context, user, poolID string, before time.Time) ([]*domain.BackstopEvent, error) {
	query := selectBackstopEvents + `
		WHERE user_address = $1 AND pool_id = $2 AND closed_at < $3
		ORDER BY closed_at ASC, ledger_sequence ASC, event_index ASC
	`
	return s.query(ctx, "backstop_events_by_user_pool", query, user, poolID, before)
}

// GetByUser retrieves a user's backstop events across pools.
func (s *BackstopEventStore) GetByUser(ctx context.Context, user string, before time.Time) ([]*domain.BackstopEvent, error) {
	query := selectBackstopEvents + `
		WHERE user_address = $1 AND closed_at < $2
		ORDER BY closed_at ASC, ledger_sequence ASC, event_index ASC
	`
	return s.query(ctx, "backstop_events_by_user", query, user, before)
}

func (s *BackstopEventStore) query(ctx context.Context, op, query string, args ...any) (events []*domain.BackstopEvent, err error) {
	started := time.Now()
	defer func() {
		observability.RecordDBQuery("postgres", op, time.Since(started).Seconds(), err)
	}()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	return scanBackstopEvents(rows)
}

// scanBackstopEvents scans multiple rows into a slice of BackstopEvent.
func scanBackstopEvents(rows pgx.Rows) ([]*domain.BackstopEvent, error) {
	var events []*domain.BackstopEvent

	for rows.Next() {
		var (
			e      domain.BackstopEvent
			action string
		)

		err := rows.Scan(
			&e.PoolID,
			&e.LedgerSequence,
			&e.EventIndex,
			&e.UserAddress,
			&action,
			&e.LPTokens,
			&e.Shares,
			&e.Expiration,
			&e.ClosedAt,
			&e.TxHash,
		)
		if err != nil {
			return nil, fmt.Errorf("scan backstop event row: %w", err)
		}

		if e.Action, err = domain.ParseBackstopActionType(action); err != nil {
			return nil, fmt.Errorf("scan backstop event row: %w", err)
		}
		e.ClosedAt = e.ClosedAt.UTC()
		if e.Expiration != nil {
			exp := e.Expiration.UTC()
			e.Expiration = &exp
		}

		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backstop event rows: %w", err)
	}

	return events, nil
}
