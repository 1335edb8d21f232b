package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Seckill("admitted")
	m.Seckill("admitted")
	m.Seckill("no_stock")
	m.CacheLookup("mutex", "hit")

	if got := testutil.ToFloat64(m.SeckillRequests.WithLabelValues("admitted")); got != 2 {
		t.Errorf("expected 2 admitted, got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("mutex", "hit")); got != 1 {
		t.Errorf("expected 1 mutex hit, got %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Seckill("admitted")
	m.OrderHandled("committed")
	m.PendingReplayed()
	m.CacheLookup("logical", "stale")
	m.CacheLoad("logical")
	m.CacheRebuild("ok")
}
