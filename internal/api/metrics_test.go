package api

import (
	"math"
	"testing"
)

func TestOrderLatencyStatsEmptyUntilFirstRecord(t *testing.T) {
	m := newMetricsRegistry()
	if _, ok := m.orderLatencyStats(); ok {
		t.Fatal("expected no stats before any order is recorded")
	}
}

func TestRecordOrderAccumulatesLatencyStats(t *testing.T) {
	m := newMetricsRegistry()
	m.RecordOrder("filled", 0.2)
	m.RecordOrder("filled", 0.4)

	stats, ok := m.orderLatencyStats()
	if !ok {
		t.Fatal("expected stats after recording orders")
	}
	if stats.Count != 2 {
		t.Errorf("expected count 2, got %d", stats.Count)
	}
	if math.Abs(stats.Mean-0.3) > 1e-9 {
		t.Errorf("expected mean 0.3, got %v", stats.Mean)
	}
	if stats.Last != 0.4 {
		t.Errorf("expected last 0.4, got %v", stats.Last)
	}
}

func TestRecordOrderSkipsLatencyWhenNegative(t *testing.T) {
	m := newMetricsRegistry()
	m.RecordOrder("rejected", -1)

	if _, ok := m.orderLatencyStats(); ok {
		t.Fatal("expected no latency stats for a rejected order with no latency")
	}
}
