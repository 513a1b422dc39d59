package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.EventsDropped.WithLabelValues("low").Inc()
	a.EventsDropped.WithLabelValues("low").Inc()

	if got := testutil.ToFloat64(a.EventsDropped.WithLabelValues("low")); got != 2 {
		t.Fatalf("expected 2 drops on a, got %v", got)
	}
	if got := testutil.ToFloat64(b.EventsDropped.WithLabelValues("low")); got != 0 {
		t.Fatalf("expected no drops on b, got %v", got)
	}

	families, err := a.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected metric families")
	}
}

func TestOrDiscard(t *testing.T) {
	m := New()
	if OrDiscard(m) != m {
		t.Fatalf("expected the same metrics back")
	}
	if OrDiscard(nil) == nil {
		t.Fatalf("expected discard metrics for nil")
	}
}
