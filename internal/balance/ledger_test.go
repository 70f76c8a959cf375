package balance

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-sql/civil"

	"lendfolio/internal/domain"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func key(hours int, seq int64, idx int) domain.OrderKey {
	return domain.OrderKey{ClosedAt: base.Add(time.Duration(hours) * time.Hour), LedgerSequence: seq, EventIndex: idx}
}

func sampleDeltas() []Delta[Totals] {
	return []Delta[Totals]{
		{PoolID: "P1", Key: key(1, 10, 0), Change: Totals{Supply: 100, Deposits: 100}},
		{PoolID: "P2", Key: key(2, 20, 0), Change: Totals{Collateral: 50, Deposits: 55}},
		{PoolID: "P1", Key: key(2, 20, 1), Change: Totals{Liability: 30, Borrows: 30}},
		{PoolID: "P1", Key: key(30, 400, 0), Change: Totals{Supply: -40, Withdrawals: 41}},
		{PoolID: "P2", Key: key(50, 700, 3), Change: Totals{Collateral: -50, Withdrawals: 60}},
		{PoolID: "P1", Key: key(70, 900, 0), Change: Totals{Liability: -30, Repays: 31}},
	}
}

func TestLedger_MonotonicReplay(t *testing.T) {
	deltas := sampleDeltas()

	whole := NewLedger[Totals]()
	if _, err := whole.Apply(deltas); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	for split := 0; split <= len(deltas); split++ {
		l := NewLedger[Totals]()
		if _, err := l.Apply(deltas[:split]); err != nil {
			t.Fatalf("split %d prefix: %v", split, err)
		}
		if _, err := l.Apply(deltas[split:]); err != nil {
			t.Fatalf("split %d suffix: %v", split, err)
		}
		for _, pool := range whole.Pools() {
			if l.Totals(pool) != whole.Totals(pool) {
				t.Errorf("split %d pool %s: got %+v, want %+v", split, pool, l.Totals(pool), whole.Totals(pool))
			}
		}
		if l.Applied() != whole.Applied() {
			t.Errorf("split %d: applied %d, want %d", split, l.Applied(), whole.Applied())
		}
	}
}

func TestLedger_SnapshotsAreCumulative(t *testing.T) {
	snaps, err := NewLedger[Totals]().Apply(sampleDeltas())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(snaps) != 6 {
		t.Fatalf("expected 6 snapshots, got %d", len(snaps))
	}

	// Third snapshot is P1 after supply and borrow
	got := snaps[2].Totals
	if got.Supply != 100 || got.Liability != 30 {
		t.Errorf("unexpected P1 totals: %+v", got)
	}
	// P2 snapshot does not include P1 activity
	if snaps[1].Totals.Supply != 0 || snaps[1].Totals.Collateral != 50 {
		t.Errorf("unexpected P2 totals: %+v", snaps[1].Totals)
	}
}

func TestLedger_OutOfOrderRejected(t *testing.T) {
	l := NewLedger[Totals]()
	deltas := sampleDeltas()
	if _, err := l.Apply(deltas[3:]); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	_, err := l.Apply(deltas[:1])
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if l.Applied() != 3 {
		t.Errorf("rejected batch must not be applied, applied=%d", l.Applied())
	}

	// Out of order inside a batch
	_, err = NewLedger[Totals]().Apply([]Delta[Totals]{deltas[1], deltas[0]})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder within batch, got %v", err)
	}
}

func TestDayRange(t *testing.T) {
	start := civil.Date{Year: 2024, Month: time.December, Day: 30}
	end := civil.Date{Year: 2025, Month: time.January, Day: 2}

	days := DayRange(start, end)
	if len(days) != 4 {
		t.Fatalf("expected 4 days, got %d", len(days))
	}
	if days[2] != (civil.Date{Year: 2025, Month: time.January, Day: 1}) {
		t.Errorf("unexpected third day %s", days[2])
	}
	if DayRange(end, start) != nil {
		t.Error("expected nil for inverted range")
	}
}

func TestSampleDaily_LastSnapshotPerDay(t *testing.T) {
	snaps := []Snapshot[Totals]{
		{PoolID: "P1", Key: key(1, 1, 0), Totals: Totals{Supply: 10}},
		{PoolID: "P1", Key: key(5, 2, 0), Totals: Totals{Supply: 25}},
		{PoolID: "P1", Key: key(75, 3, 0), Totals: Totals{Supply: 5}},
	}
	start := civil.Date{Year: 2025, Month: time.January, Day: 1}
	end := civil.Date{Year: 2025, Month: time.January, Day: 5}

	got := map[civil.Date]float64{}
	SampleDaily(nil, snaps, time.UTC, start, end, func(_ string, day civil.Date, tot Totals) {
		got[day] = tot.Supply
	})

	want := map[int]float64{1: 25, 2: 25, 3: 25, 4: 5, 5: 5}
	for day, supply := range want {
		d := civil.Date{Year: 2025, Month: time.January, Day: day}
		if got[d] != supply {
			t.Errorf("day %d: got %f, want %f", day, got[d], supply)
		}
	}
}

func TestSampleDaily_TimezoneShiftsDay(t *testing.T) {
	// 23:30 UTC on Jan 1 is Jan 2 in UTC+2
	snaps := []Snapshot[Totals]{
		{PoolID: "P1", Key: domain.OrderKey{ClosedAt: base.Add(23*time.Hour + 30*time.Minute), LedgerSequence: 1}, Totals: Totals{Supply: 1}},
	}
	loc := time.FixedZone("UTC+2", 2*60*60)
	start := civil.Date{Year: 2025, Month: time.January, Day: 1}
	end := civil.Date{Year: 2025, Month: time.January, Day: 3}

	got := map[civil.Date]float64{}
	var days []civil.Date
	SampleDaily(nil, snaps, loc, start, end, func(_ string, day civil.Date, tot Totals) {
		days = append(days, day)
		got[day] = tot.Supply
	})
	if len(days) != 3 {
		t.Fatalf("expected 3 rows, got %v", days)
	}
	if got[start] != 0 || got[start.AddDays(1)] != 1 {
		t.Errorf("expected supply to appear on Jan 2, got %v", got)
	}
}

func TestSampleDaily_ZeroRowsBeforeFirstSnapshot(t *testing.T) {
	snaps := []Snapshot[Totals]{
		{PoolID: "P1", Key: key(72, 1, 0), Totals: Totals{Supply: 7}},
	}
	start := civil.Date{Year: 2025, Month: time.January, Day: 1}
	end := civil.Date{Year: 2025, Month: time.January, Day: 5}

	rows := map[string][]float64{}
	SampleDaily([]string{"P1", "P2"}, snaps, time.UTC, start, end, func(pool string, _ civil.Date, tot Totals) {
		rows[pool] = append(rows[pool], tot.Supply)
	})

	want := []float64{0, 0, 0, 7, 7}
	if len(rows["P1"]) != len(want) {
		t.Fatalf("P1: expected %d rows, got %v", len(want), rows["P1"])
	}
	for i, v := range want {
		if rows["P1"][i] != v {
			t.Errorf("P1 day %d: got %f, want %f", i+1, rows["P1"][i], v)
		}
	}
	if len(rows["P2"]) != 5 {
		t.Errorf("P2 without snapshots should still get 5 zero rows, got %v", rows["P2"])
	}
}
