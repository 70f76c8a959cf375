package replay

import (
	"sort"

	"lendfolio/internal/domain"
)

// SortEvents orders events by (closed_at ASC, ledger_sequence ASC, event_index ASC, type ASC).
// EventType is used as tie-breaker when the ordering key is equal.
func SortEvents(events []*Event) {
	sort.Slice(events, func(i, j int) bool {
		return compareEvents(events[i], events[j]) < 0
	})
}

// MergeEvents combines pool and backstop events into one sorted event stream.
func MergeEvents(pool []*domain.PoolEvent, backstop []*domain.BackstopEvent) []*Event {
	events := make([]*Event, 0, len(pool)+len(backstop))

	for _, p := range pool {
		events = append(events, &Event{
			Type:   EventTypePool,
			Key:    p.Key(),
			PoolID: p.PoolID,
			TxHash: p.TxHash,
			Pool:   p,
		})
	}

	for _, b := range backstop {
		events = append(events, &Event{
			Type:     EventTypeBackstop,
			Key:      b.Key(),
			PoolID:   b.PoolID,
			TxHash:   b.TxHash,
			Backstop: b,
		})
	}

	SortEvents(events)
	return events
}

// compareEvents returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
//
// EventType order: "backstop" < "pool" (alphabetically)
func compareEvents(a, b *Event) int {
	if c := a.Key.Compare(b.Key); c != 0 {
		return c
	}
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	if a.PoolID != b.PoolID {
		if a.PoolID < b.PoolID {
			return -1
		}
		return 1
	}
	return 0
}
