package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecordTransition(t *testing.T) {
	c := transitions.WithLabelValues("StopRequested", "Running", "Stopping", "rejected")
	before := counterValue(t, c)
	RecordTransition("StopRequested", "Running", "Stopping", false)

	if got := counterValue(t, c) - before; got != 1 {
		t.Errorf("rejected counter moved by %v, want 1", got)
	}
}

func TestRecordSubmit(t *testing.T) {
	c := jobsSubmitted.WithLabelValues("Start", "reused")
	before := counterValue(t, c)
	RecordSubmit("Start", true)

	if got := counterValue(t, c) - before; got != 1 {
		t.Errorf("reused counter moved by %v, want 1", got)
	}
}

func TestRecordJobCompletion(t *testing.T) {
	c := jobsCompleted.WithLabelValues("Stop", "succeeded")
	before := counterValue(t, c)
	RecordJobCompletion("Stop", "succeeded", 2*time.Second)

	if got := counterValue(t, c) - before; got != 1 {
		t.Errorf("completed counter moved by %v, want 1", got)
	}
}
