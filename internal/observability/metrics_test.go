package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCacheRead(t *testing.T) {
	hits := DefaultMetrics.CacheRequests.WithLabelValues("pool", "hit")
	misses := DefaultMetrics.CacheRequests.WithLabelValues("pool", "miss")
	beforeHits := testutil.ToFloat64(hits)
	beforeMisses := testutil.ToFloat64(misses)

	RecordCacheRead("pool", true)
	RecordCacheRead("pool", false)
	RecordCacheRead("pool", false)

	if got := testutil.ToFloat64(hits) - beforeHits; got != 1 {
		t.Errorf("expected 1 hit, got %f", got)
	}
	if got := testutil.ToFloat64(misses) - beforeMisses; got != 2 {
		t.Errorf("expected 2 misses, got %f", got)
	}
}

func TestRecordDBQuery_CountsErrors(t *testing.T) {
	errs := DefaultMetrics.DBQueryErrors.WithLabelValues("postgres", "test_op")
	before := testutil.ToFloat64(errs)

	RecordDBQuery("postgres", "test_op", 0.01, nil)
	RecordDBQuery("postgres", "test_op", 0.01, errors.New("boom"))

	if got := testutil.ToFloat64(errs) - before; got != 1 {
		t.Errorf("expected 1 error, got %f", got)
	}
}

func TestRecordSnapshot_SetsLastSuccess(t *testing.T) {
	RecordSnapshot("ok", 0.2, 1700000000)
	if got := testutil.ToFloat64(DefaultMetrics.LastSuccessfulSnapshot); got != 1700000000 {
		t.Errorf("expected last success timestamp, got %f", got)
	}

	RecordSnapshot("error", 0.2, 1800000000)
	if got := testutil.ToFloat64(DefaultMetrics.LastSuccessfulSnapshot); got != 1700000000 {
		t.Errorf("failed snapshot must not move last success, got %f", got)
	}
}
