package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lendfolio/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCache_EvictsOnRead(t *testing.T) {
	clock := newFakeClock()
	c := NewCache[int]("test", 30*time.Second, clock.Now)

	if _, ok := c.Get("a"); ok {
		t.Fatal("cold cache must miss")
	}

	c.Set("a", 1)
	clock.Advance(29 * time.Second)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected warm hit, got %v %v", v, ok)
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatal("entry at TTL must be stale")
	}
	if c.Len() != 0 {
		t.Errorf("stale entry must be evicted on read, %d left", c.Len())
	}
}

func TestCache_ReplaceRestampsEntry(t *testing.T) {
	clock := newFakeClock()
	c := NewCache[string]("test", time.Minute, clock.Now)

	c.Set("k", "old")
	clock.Advance(50 * time.Second)
	c.Set("k", "new")
	clock.Advance(50 * time.Second)

	if v, ok := c.Get("k"); !ok || v != "new" {
		t.Errorf("expected replaced value to stay fresh, got %q %v", v, ok)
	}
}

func TestNewCaches_DefaultTTLs(t *testing.T) {
	clock := newFakeClock()
	caches := NewCaches(0, 0, clock.Now)

	caches.Pools.Set("p", nil)
	caches.Prices.Set("x", 1)
	clock.Advance(DefaultPoolTTL)

	if _, ok := caches.Pools.Get("p"); ok {
		t.Error("pool entry must expire after the pool TTL")
	}
	if _, ok := caches.Prices.Get("x"); !ok {
		t.Error("price entry must outlive the pool TTL")
	}
}

func TestRequestKey_IgnoresOrderAndRepeats(t *testing.T) {
	a := RequestKey("GUSER", []string{"P2", "P1", "P2"})
	b := RequestKey("GUSER", []string{"P1", "P2"})
	if a != b {
		t.Errorf("expected equal keys, got %q and %q", a, b)
	}
	if RequestKey("GOTHER", []string{"P1", "P2"}) == a {
		t.Error("different wallets must not share a key")
	}
}

func TestDedup_SharesInFlightComputation(t *testing.T) {
	var d Dedup
	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func() (*domain.WalletSnapshot, error) {
		if runs.Add(1) == 1 {
			close(started)
		}
		<-release
		return &domain.WalletSnapshot{Wallet: "GUSER"}, nil
	}

	results := make([]*domain.WalletSnapshot, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _, _ = d.Do(context.Background(), "GUSER", []string{"P1", "P2"}, fn)
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _, _ = d.Do(context.Background(), "GUSER", []string{"P2", "P1"}, fn)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if runs.Load() != 1 {
		t.Errorf("expected one computation, got %d", runs.Load())
	}
	if results[0] == nil || results[0] != results[1] {
		t.Error("callers must receive the same snapshot")
	}

	// The entry is gone once the computation returned.
	if _, shared, _ := d.Do(context.Background(), "GUSER", []string{"P1", "P2"}, func() (*domain.WalletSnapshot, error) {
		runs.Add(1)
		return &domain.WalletSnapshot{}, nil
	}); shared {
		t.Error("a finished computation must not be shared")
	}
	if runs.Load() != 2 {
		t.Errorf("expected a fresh computation, got %d runs", runs.Load())
	}
}

func TestDedup_CancelledCallerDoesNotFailOthers(t *testing.T) {
	var d Dedup
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func() (*domain.WalletSnapshot, error) {
		close(started)
		<-release
		return &domain.WalletSnapshot{Wallet: "GUSER"}, nil
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, _, err := d.Do(ctxA, "GUSER", []string{"P1"}, fn)
		errA <- err
	}()
	<-started

	var (
		snapB   *domain.WalletSnapshot
		sharedB bool
		errB    error
	)
	doneB := make(chan struct{})
	go func() {
		defer close(doneB)
		snapB, sharedB, errB = d.Do(context.Background(), "GUSER", []string{"P1"}, fn)
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	if err := <-errA; err != context.Canceled {
		t.Fatalf("cancelled caller: expected context.Canceled, got %v", err)
	}

	close(release)
	<-doneB
	if errB != nil {
		t.Fatalf("live caller failed: %v", errB)
	}
	if snapB == nil || snapB.Wallet != "GUSER" || !sharedB {
		t.Errorf("live caller should receive the shared snapshot, got %+v shared=%v", snapB, sharedB)
	}
}

func TestDedup_CancelledBeforeStart(t *testing.T) {
	var d Dedup
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := d.Do(ctx, "GUSER", []string{"P1"}, func() (*domain.WalletSnapshot, error) {
		t.Error("computation must not start for a cancelled caller")
		return nil, nil
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
