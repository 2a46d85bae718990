package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveResolution(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveResolution(false, nil, 2*time.Millisecond)
	m.ObserveResolution(true, nil, time.Millisecond)
	m.ObserveResolution(false, errors.New("boom"), time.Millisecond)

	if got := testutil.ToFloat64(m.resolutions.WithLabelValues("live", "ok")); got != 1 {
		t.Errorf("Expected 1 live resolution, got %v", got)
	}
	if got := testutil.ToFloat64(m.resolutions.WithLabelValues("simulated", "ok")); got != 1 {
		t.Errorf("Expected 1 simulated resolution, got %v", got)
	}
	if got := testutil.ToFloat64(m.resolutions.WithLabelValues("live", "error")); got != 1 {
		t.Errorf("Expected 1 failed resolution, got %v", got)
	}
}

func TestRecordFiltered(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordFiltered("capped", 3)
	m.RecordFiltered("capped", 0)

	if got := testutil.ToFloat64(m.candidatesFiltered.WithLabelValues("capped")); got != 3 {
		t.Errorf("Expected 3 filtered candidates, got %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveResolution(false, nil, time.Second)
	m.RecordFallback("hero")
	m.RecordFiltered("capped", 1)
	m.RecordDegradation("missing_strategy")
	m.RecordProposition(true)
	m.RecordOfferEvent("click")
	m.RecordCountersPruned(4)
	m.RecordTransition("live")
}
