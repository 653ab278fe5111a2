package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncSpawn(true)
	IncSpawn(false)
	IncRestart()
	IncExit(false)
	SetGeneration(4)
	ObserveProbe(false, 20*time.Millisecond)
	ObserveProbe(true, 5*time.Millisecond)
	IncReadinessOutcome("ready")
	ObserveTimeToReady(1500 * time.Millisecond)
	SetReadinessState("ready")
	IncLogLine("stdout")
	IncDroppedLogLine("stderr")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"dmxshell_sidecar_spawns_total":             false,
		"dmxshell_sidecar_restarts_total":           false,
		"dmxshell_sidecar_exits_total":              false,
		"dmxshell_sidecar_generation":               false,
		"dmxshell_readiness_attempts_total":         false,
		"dmxshell_readiness_probe_duration_seconds": false,
		"dmxshell_readiness_outcomes_total":         false,
		"dmxshell_readiness_time_to_ready_seconds":  false,
		"dmxshell_readiness_state":                  false,
		"dmxshell_output_lines_total":               false,
		"dmxshell_output_dropped_lines_total":       false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
	if got := testutil.ToFloat64(generation); got != 4 {
		t.Fatalf("generation gauge = %v", got)
	}
}

func TestSetReadinessStateIsExclusive(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	SetReadinessState("waiting")
	SetReadinessState("failed")
	for _, p := range readinessPhases {
		want := 0.0
		if p == "failed" {
			want = 1
		}
		if got := testutil.ToFloat64(readinessState.WithLabelValues(p)); got != want {
			t.Fatalf("state %s = %v, want %v", p, got, want)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Ensure collectors are registered with the default registry used by Handler().
	// Reset regOK gate to allow registration in this test regardless of previous tests.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncSpawn(true)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "dmxshell_sidecar_spawns_total") {
		t.Fatalf("metrics output missing spawns_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncSpawn(true)
			ObserveProbe(false, time.Millisecond)
			IncLogLine("stdout")
		}()
	}
	wg.Wait()
	// Ensure gather succeeds under race detector
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncSpawn(true)
	IncRestart()
	IncExit(true)
	SetGeneration(1)
	ObserveProbe(true, time.Millisecond)
	IncReadinessOutcome("timeout")
	ObserveTimeToReady(time.Second)
	SetReadinessState("starting")
	IncLogLine("stdout")
	IncDroppedLogLine("stdout")
}

func TestRegisterError(t *testing.T) {
	errorRegisterer := &errorRegisterer{
		shouldError: true,
	}

	// Reset regOK to allow testing registration failure
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(errorRegisterer)
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Custom registerer for testing error handling
type errorRegisterer struct {
	shouldError bool
}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	if e.shouldError {
		return errors.New("test registration error")
	}
	return nil
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
