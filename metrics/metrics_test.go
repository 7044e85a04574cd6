package metrics

import (
	"errors"
	"testing"

	"github.com/gobeaver/volumekit"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCacheHit(t *testing.T) {
	before := testutil.ToFloat64(cacheHitsTotal.WithLabelValues("list"))
	RecordCacheHit("list", "/docs")
	RecordCacheHit("list", "/other")

	if got := testutil.ToFloat64(cacheHitsTotal.WithLabelValues("list")); got != before+2 {
		t.Errorf("hits = %v, want %v", got, before+2)
	}
}

func TestRecordCacheMiss(t *testing.T) {
	before := testutil.ToFloat64(cacheMissesTotal.WithLabelValues("size"))
	RecordCacheMiss("size", "/a.txt")

	if got := testutil.ToFloat64(cacheMissesTotal.WithLabelValues("size")); got != before+1 {
		t.Errorf("misses = %v, want %v", got, before+1)
	}
}

func TestRecordDegraded(t *testing.T) {
	before := testutil.ToFloat64(volumesDegradedTotal.WithLabelValues("cloud"))
	RecordDegraded(volumekit.KindCloud, errors.New("token refresh failed"))

	if got := testutil.ToFloat64(volumesDegradedTotal.WithLabelValues("cloud")); got != before+1 {
		t.Errorf("degraded = %v, want %v", got, before+1)
	}
}

func TestCacheOptions(t *testing.T) {
	opts := CacheOptions()
	if len(opts) != 2 {
		t.Fatalf("len(CacheOptions()) = %d, want 2", len(opts))
	}

	var o volumekit.CacheOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.OnCacheHit == nil || o.OnCacheMiss == nil {
		t.Error("CacheOptions() should set hit and miss callbacks")
	}
}
