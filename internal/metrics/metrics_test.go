package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBuildCounters(t *testing.T) {
	m := New(prometheus.NewRegistry(), "test")

	m.IncBuildsStarted("linux-x86_64")
	m.IncBuildsStarted("linux-x86_64")
	m.ObserveBuildCompleted("linux-x86_64", 2, 0.5, 3)
	m.IncBuildsFailed("macos-aarch64")

	if got := testutil.ToFloat64(m.BuildsStarted.WithLabelValues("linux-x86_64")); got != 2 {
		t.Errorf("builds started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.LastCompletedID.WithLabelValues("linux-x86_64")); got != 2 {
		t.Errorf("last completed id = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BuildsFailed.WithLabelValues("macos-aarch64")); got != 1 {
		t.Errorf("builds failed = %v, want 1", got)
	}
}

func TestFetchAccounting(t *testing.T) {
	m := New(prometheus.NewRegistry(), "test")

	m.ObserveFetch("linux-x86_64", "local", 100)
	m.ObserveFetch("linux-x86_64", "missing", 0)

	if got := testutil.ToFloat64(m.BytesServed.WithLabelValues("linux-x86_64")); got != 100 {
		t.Errorf("bytes served = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.ArtifactFetches.WithLabelValues("linux-x86_64", "missing")); got != 1 {
		t.Errorf("missing fetches = %v, want 1", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.IncBuildsStarted("x")
	m.ObserveBuildCompleted("x", 1, 1, 1)
	m.IncFramesDropped("x")
	m.ObserveFetch("x", "local", 1)
}
