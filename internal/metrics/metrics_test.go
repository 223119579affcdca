package metrics

import (
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register should tolerate duplicates: %v", err)
	}
}

func TestLifecycleCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(startsTotal.WithLabelValues("postgresql"))
	IncStart("postgresql")
	IncStart("postgresql")
	after := testutil.ToFloat64(startsTotal.WithLabelValues("postgresql"))
	if after-before != 2 {
		t.Fatalf("starts_total delta = %v, want 2", after-before)
	}

	SetRunning("redis", 3)
	if got := testutil.ToFloat64(runningGauge.WithLabelValues("redis")); got != 3 {
		t.Fatalf("running gauge = %v, want 3", got)
	}
	SetRunning("redis", 0)
}

func TestHandlerServesScrape(t *testing.T) {
	h, err := Handler()
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	IncInit("mysql")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 200 {
		t.Fatalf("scrape status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"dbnest_init_runs_total", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape output missing %s", want)
		}
	}
}

func TestSamplerRemovesGoneTargets(t *testing.T) {
	self := Target{ID: "inst-1", Engine: "redis", PID: os.Getpid()}
	targets := []Target{self}
	s := NewSampler(func() []Target { return targets }, 0, nil)

	seen := s.sample(map[Target]bool{})
	if len(seen) != 1 {
		t.Fatalf("expected one sampled target, got %d", len(seen))
	}
	if got := testutil.CollectAndCount(processRSS); got != 1 {
		t.Fatalf("rss gauge series = %d, want 1", got)
	}

	targets = nil
	seen = s.sample(seen)
	if len(seen) != 0 {
		t.Fatalf("expected no targets after removal, got %d", len(seen))
	}
	if got := testutil.CollectAndCount(processRSS); got != 0 {
		t.Fatalf("rss gauge series = %d after removal, want 0", got)
	}
}
