package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownAction is returned when an action string does not map to a known action type.
var ErrUnknownAction = errors.New("unknown action type")

// ActionType is the closed set of lending pool actions recorded in the event log.
type ActionType int

// Pool action types. The zero value is invalid so an unset field never
// silently reads as a supply.
const (
	ActionUnknown ActionType = iota
	ActionSupply
	ActionWithdraw
	ActionSupplyCollateral
	ActionWithdrawCollateral
	ActionBorrow
	ActionRepay
	ActionClaim
	ActionNewAuction
	ActionFillAuction
	ActionDeleteAuction
)

var actionNames = map[ActionType]string{
	ActionSupply:             "supply",
	ActionWithdraw:           "withdraw",
	ActionSupplyCollateral:   "supply_collateral",
	ActionWithdrawCollateral: "withdraw_collateral",
	ActionBorrow:             "borrow",
	ActionRepay:              "repay",
	ActionClaim:              "claim",
	ActionNewAuction:         "new_auction",
	ActionFillAuction:        "fill_auction",
	ActionDeleteAuction:      "delete_auction",
}

// String returns the storage representation of the action.
func (a ActionType) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// ParseActionType maps a stored action string to an ActionType.
func ParseActionType(s string) (ActionType, error) {
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return ActionUnknown, fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// BackstopActionType is the closed set of backstop actions.
type BackstopActionType int

// Backstop action types.
const (
	BackstopUnknown BackstopActionType = iota
	BackstopDeposit
	BackstopWithdraw
	BackstopQueueWithdrawal
	BackstopDequeueWithdrawal
	BackstopClaim
	BackstopDonate
)

var backstopActionNames = map[BackstopActionType]string{
	BackstopDeposit:           "deposit",
	BackstopWithdraw:          "withdraw",
	BackstopQueueWithdrawal:   "queue_withdrawal",
	BackstopDequeueWithdrawal: "dequeue_withdrawal",
	BackstopClaim:             "claim",
	BackstopDonate:            "donate",
}

// String returns the storage representation of the backstop action.
func (a BackstopActionType) String() string {
	if name, ok := backstopActionNames[a]; ok {
		return name
	}
	return "unknown"
}

// ParseBackstopActionType maps a stored backstop action string to a BackstopActionType.
func ParseBackstopActionType(s string) (BackstopActionType, error) {
	for a, name := range backstopActionNames {
		if name == s {
			return a, nil
		}
	}
	return BackstopUnknown, fmt.Errorf("%w: backstop %q", ErrUnknownAction, s)
}

// AuctionType distinguishes liquidation auctions from protocol auctions.
type AuctionType int

// Auction types as numbered by the protocol.
const (
	AuctionUserLiquidation AuctionType = 0
	AuctionBadDebt         AuctionType = 1
	AuctionInterest        AuctionType = 2
)

// AuctionLeg holds the auction-specific columns of an event.
// Lot is collateral (b-tokens) moving to the filler; Bid is debt (d-tokens)
// the filler assumes. Both amounts are the filled portion for fill events.
type AuctionLeg struct {
	AuctionType   AuctionType
	FillerAddress string
	LotAsset      string
	LotAmount     float64 // b-tokens
	BidAsset      string
	BidAmount     float64 // d-tokens
	FillPercent   int     // 1..100 for fill events
}

// PoolEvent is an immutable lending pool action from the ledger.
// Corresponds to pool_events table in PostgreSQL.
type PoolEvent struct {
	PoolID           string
	UserAddress      string // position owner; the liquidated user for auction events
	Action           ActionType
	AssetAddress     string  // empty for auction events
	AmountUnderlying float64 // underlying asset units
	AmountTokens     float64 // b-tokens or d-tokens depending on action
	LedgerSequence   int64
	EventIndex       int // index within the ledger
	ClosedAt         time.Time
	TxHash           string
	Auction          *AuctionLeg // nil for non-auction events
}

// BackstopEvent is an immutable backstop action from the ledger.
// Corresponds to backstop_events table in PostgreSQL.
type BackstopEvent struct {
	PoolID         string
	UserAddress    string
	Action         BackstopActionType
	LPTokens       float64 // backstop LP tokens moved
	Shares         float64 // backstop shares minted, burned, or queued
	Expiration     *time.Time
	LedgerSequence int64
	EventIndex     int
	ClosedAt       time.Time
	TxHash         string
}

// Key returns the ordering key of a pool event.
func (e *PoolEvent) Key() OrderKey {
	return OrderKey{ClosedAt: e.ClosedAt, LedgerSequence: e.LedgerSequence, EventIndex: e.EventIndex}
}

// Key returns the ordering key of a backstop event.
func (e *BackstopEvent) Key() OrderKey {
	return OrderKey{ClosedAt: e.ClosedAt, LedgerSequence: e.LedgerSequence, EventIndex: e.EventIndex}
}

// IsLiquidation reports whether the event is a user liquidation auction event.
func (e *PoolEvent) IsLiquidation() bool {
	return e.Auction != nil && e.Auction.AuctionType == AuctionUserLiquidation
}

// Involves reports whether addr is the position owner or the filler of the event.
func (e *PoolEvent) Involves(addr string) bool {
	if e.UserAddress == addr {
		return true
	}
	return e.Auction != nil && e.Auction.FillerAddress == addr
}

// TouchesAsset reports whether the event moves the given asset on any leg.
func (e *PoolEvent) TouchesAsset(asset string) bool {
	if e.AssetAddress == asset {
		return true
	}
	return e.Auction != nil && (e.Auction.LotAsset == asset || e.Auction.BidAsset == asset)
}

// OrderKey is the global ordering authority for ledger events.
// Order: (closed_at ASC, ledger_sequence ASC, event_index ASC).
type OrderKey struct {
	ClosedAt       time.Time
	LedgerSequence int64
	EventIndex     int
}

// Compare returns -1, 0 or 1.
func (k OrderKey) Compare(o OrderKey) int {
	if !k.ClosedAt.Equal(o.ClosedAt) {
		if k.ClosedAt.Before(o.ClosedAt) {
			return -1
		}
		return 1
	}
	if k.LedgerSequence != o.LedgerSequence {
		if k.LedgerSequence < o.LedgerSequence {
			return -1
		}
		return 1
	}
	if k.EventIndex != o.EventIndex {
		if k.EventIndex < o.EventIndex {
			return -1
		}
		return 1
	}
	return 0
}
