package portfolio

import (
	"context"
	"fmt"
	"time"

	"lendfolio/internal/replay"
)

// ActivityItem is one row of a wallet's activity timeline.
type ActivityItem struct {
	Kind           string    `json:"kind"` // "pool" or "backstop"
	PoolID         string    `json:"poolId"`
	Action         string    `json:"action"`
	Asset          string    `json:"asset,omitempty"`
	Amount         float64   `json:"amount"` // underlying units, or LP tokens for backstop rows
	Shares         float64   `json:"shares,omitempty"`
	At             time.Time `json:"at"`
	LedgerSequence int64     `json:"ledgerSequence"`
	TxHash         string    `json:"txHash,omitempty"`
	Liquidator     bool      `json:"liquidator,omitempty"` // wallet filled the auction
}

// Activity returns the wallet's pool and backstop events across poolIDs as one
// timeline ordered by (closed_at, ledger_sequence, event_index).
func (s *Service) Activity(ctx context.Context, wallet string, poolIDs []string) ([]ActivityItem, error) {
	if wallet == "" || len(poolIDs) == 0 {
		return nil, nil
	}
	tl := &timeline{wallet: wallet}
	if err := s.replay.Run(ctx, wallet, poolIDs, s.now(), tl); err != nil {
		return nil, fmt.Errorf("activity: %w", err)
	}
	if tl.items == nil {
		tl.items = []ActivityItem{}
	}
	return tl.items, nil
}

// timeline turns replayed events into activity rows.
type timeline struct {
	wallet string
	items  []ActivityItem
}

var _ replay.ReplayEngine = (*timeline)(nil)

func (t *timeline) OnEvent(_ context.Context, e *replay.Event) error {
	t.items = append(t.items, activityItem(t.wallet, e))
	return nil
}

func activityItem(wallet string, e *replay.Event) ActivityItem {
	item := ActivityItem{
		Kind:           string(e.Type),
		PoolID:         e.PoolID,
		Action:         e.Action(),
		At:             e.Key.ClosedAt,
		LedgerSequence: e.Key.LedgerSequence,
		TxHash:         e.TxHash,
	}

	switch e.Type {
	case replay.EventTypePool:
		p := e.Pool
		item.Asset = p.AssetAddress
		item.Amount = p.AmountUnderlying
		if p.Auction != nil {
			item.Asset = p.Auction.LotAsset
			item.Amount = p.Auction.LotAmount
			item.Liquidator = p.Auction.FillerAddress == wallet && p.UserAddress != wallet
		}
	case replay.EventTypeBackstop:
		item.Amount = e.Backstop.LPTokens
		item.Shares = e.Backstop.Shares
	}
	return item
}
