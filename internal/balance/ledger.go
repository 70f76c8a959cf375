package balance

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-sql/civil"

	"lendfolio/internal/domain"
)

// ErrOutOfOrder is returned when a delta is applied behind the ledger's last ordering key.
var ErrOutOfOrder = errors.New("delta out of order")

// Additive is a quantity that can be folded into a running prefix sum.
type Additive[T any] interface {
	Add(T) T
}

// Delta is the change one event makes to one pool's totals.
type Delta[T Additive[T]] struct {
	PoolID string
	Key    domain.OrderKey
	Change T
}

// Snapshot is the cumulative state of one pool immediately after an event.
type Snapshot[T any] struct {
	PoolID string
	Key    domain.OrderKey
	Totals T
}

// Ledger keeps running totals per pool. Deltas must arrive in ordering-key order;
// applying a prefix and then the suffix yields the same totals as applying the whole.
type Ledger[T Additive[T]] struct {
	totals  map[string]T
	last    domain.OrderKey
	applied int
}

// NewLedger creates an empty ledger.
func NewLedger[T Additive[T]]() *Ledger[T] {
	return &Ledger[T]{totals: make(map[string]T)}
}

// Apply folds deltas into the running totals and returns one snapshot per delta.
// On ErrOutOfOrder nothing from the batch is applied.
func (l *Ledger[T]) Apply(deltas []Delta[T]) ([]Snapshot[T], error) {
	last := l.last
	for i, d := range deltas {
		if (l.applied > 0 || i > 0) && d.Key.Compare(last) < 0 {
			return nil, fmt.Errorf("%w: ledger %d index %d", ErrOutOfOrder, d.Key.LedgerSequence, d.Key.EventIndex)
		}
		last = d.Key
	}

	snaps := make([]Snapshot[T], 0, len(deltas))
	for _, d := range deltas {
		next := l.totals[d.PoolID].Add(d.Change)
		l.totals[d.PoolID] = next
		snaps = append(snaps, Snapshot[T]{PoolID: d.PoolID, Key: d.Key, Totals: next})
	}
	l.last = last
	l.applied += len(deltas)
	return snaps, nil
}

// Totals returns the current totals for a pool.
func (l *Ledger[T]) Totals(poolID string) T {
	return l.totals[poolID]
}

// Pools returns the pools seen so far, sorted.
func (l *Ledger[T]) Pools() []string {
	pools := make([]string, 0, len(l.totals))
	for p := range l.totals {
		pools = append(pools, p)
	}
	sort.Strings(pools)
	return pools
}

// Applied returns the number of deltas folded so far.
func (l *Ledger[T]) Applied() int {
	return l.applied
}

// DayRange returns every date from start to end inclusive.
func DayRange(start, end civil.Date) []civil.Date {
	if end.Before(start) {
		return nil
	}
	days := make([]civil.Date, 0, end.DaysSince(start)+1)
	for d := start; !d.After(end); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

// SampleDaily emits, for every pool and every day in [start, end], the last snapshot
// taken on or before that day in loc. Days before a pool's first snapshot carry zero
// totals. pools lists pools to emit even without snapshots; pools seen only in snaps
// are emitted too. Snapshots must be in ordering-key order.
func SampleDaily[T any](pools []string, snaps []Snapshot[T], loc *time.Location, start, end civil.Date, emit func(poolID string, day civil.Date, totals T)) {
	byPool := make(map[string][]Snapshot[T])
	for _, p := range pools {
		byPool[p] = nil
	}
	for _, s := range snaps {
		byPool[s.PoolID] = append(byPool[s.PoolID], s)
	}
	ids := make([]string, 0, len(byPool))
	for p := range byPool {
		ids = append(ids, p)
	}
	sort.Strings(ids)

	days := DayRange(start, end)
	for _, pool := range ids {
		series := byPool[pool]
		i := -1
		for _, day := range days {
			for i+1 < len(series) && !civil.DateOf(series[i+1].Key.ClosedAt.In(loc)).After(day) {
				i++
			}
			var totals T
			if i >= 0 {
				totals = series[i].Totals
			}
			emit(pool, day, totals)
		}
	}
}
