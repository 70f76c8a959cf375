package replay

import (
	"context"

	"lendfolio/internal/domain"
)

// EventType represents the type of event.
type EventType string

// Event type constants.
const (
	EventTypeBackstop EventType = "backstop"
	EventTypePool     EventType = "pool"
)

// Event represents a unified ledger event for replay (pool or backstop).
// Only one of Pool or Backstop will be set based on Type.
type Event struct {
	Type     EventType
	Key      domain.OrderKey
	PoolID   string
	TxHash   string
	Pool     *domain.PoolEvent
	Backstop *domain.BackstopEvent
}

// Action returns the action name of the underlying event.
func (e *Event) Action() string {
	switch e.Type {
	case EventTypePool:
		return e.Pool.Action.String()
	case EventTypeBackstop:
		return e.Backstop.Action.String()
	default:
		return "unknown"
	}
}

// ReplayEngine processes events in deterministic order.
type ReplayEngine interface {
	// OnEvent is called for each event in order.
	// Events are guaranteed to be ordered by (closed_at, ledger_sequence, event_index, type).
	OnEvent(ctx context.Context, event *Event) error
}
