package snapshot

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"lendfolio/internal/domain"
	"lendfolio/internal/observability"
)

// Dedup collapses concurrent snapshot requests for the same wallet and pool set
// into a single in-flight computation. The entry is dropped as soon as the
// computation returns, successfully or not.
type Dedup struct {
	group singleflight.Group
}

// RequestKey returns the de-duplication key for a wallet and pool set.
// Pool order and repeats do not matter.
func RequestKey(wallet string, poolIDs []string) string {
	return wallet + "|" + strings.Join(normalizePools(poolIDs), ",")
}

// Do runs fn unless an identical request is in flight, in which case it waits for
// and returns that request's result. Each caller stops waiting when its own ctx is
// done; the shared computation keeps running for the others, so fn must not depend
// on any single caller's cancellation.
func (d *Dedup) Do(ctx context.Context, wallet string, poolIDs []string, fn func() (*domain.WalletSnapshot, error)) (*domain.WalletSnapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	ch := d.group.DoChan(RequestKey(wallet, poolIDs), func() (interface{}, error) {
		return fn()
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			observability.RecordDedupShared()
		}
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*domain.WalletSnapshot), res.Shared, nil
	}
}

// normalizePools returns a sorted copy of ids without blanks or repeats.
func normalizePools(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
