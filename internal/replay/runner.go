package replay

import (
	"context"
	"fmt"
	"time"

	"lendfolio/internal/domain"
	"lendfolio/internal/storage"
)

// Runner loads a user's events from storage and replays them in deterministic order.
type Runner struct {
	poolStore     storage.PoolEventStore
	backstopStore storage.BackstopEventStore
}

// NewRunner creates a new replay runner.
func NewRunner(poolStore storage.PoolEventStore, backstopStore storage.BackstopEventStore) *Runner {
	return &Runner{
		poolStore:     poolStore,
		backstopStore: backstopStore,
	}
}

// events loads the user's pool events for poolIDs and backstop events for the same pools
// with closed_at < before, merged into one ordered stream.
func (r *Runner) events(ctx context.Context, user string, poolIDs []string, before time.Time) ([]*Event, error) {
	var poolEvents []*domain.PoolEvent
	var backstopEvents []*domain.BackstopEvent

	for _, poolID := range poolIDs {
		p, err := r.poolStore.GetByUserPool(ctx, user, poolID, before)
		if err != nil {
			return nil, fmt.Errorf("load pool events %s: %w", poolID, err)
		}
		poolEvents = append(poolEvents, p...)

		b, err := r.backstopStore.GetByUserPool(ctx, user, poolID, before)
		if err != nil {
			return nil, fmt.Errorf("load backstop events %s: %w", poolID, err)
		}
		backstopEvents = append(backstopEvents, b...)
	}

	return MergeEvents(poolEvents, backstopEvents), nil
}

// BackstopPools returns the pools, in first-seen order, in which user has backstop
// history before the cutoff.
func (r *Runner) BackstopPools(ctx context.Context, user string, before time.Time) ([]string, error) {
	events, err := r.backstopStore.GetByUser(ctx, user, before)
	if err != nil {
		return nil, fmt.Errorf("load backstop events for %s: %w", user, err)
	}

	seen := make(map[string]bool)
	var pools []string
	for _, e := range events {
		if !seen[e.PoolID] {
			seen[e.PoolID] = true
			pools = append(pools, e.PoolID)
		}
	}
	return pools, nil
}

// Run loads events and replays them through the engine.
func (r *Runner) Run(ctx context.Context, user string, poolIDs []string, before time.Time, engine ReplayEngine) error {
	events, err := r.events(ctx, user, poolIDs, before)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := engine.OnEvent(ctx, event); err != nil {
			return err
		}
	}

	return nil
}
