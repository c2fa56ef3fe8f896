package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryCounters(t *testing.T) {
	r := NewRegistry()
	r.ObserveDecision("executed", "")
	r.ObserveDecision("rejected", "ReplayDetected")
	r.ObserveDecision("rejected", "ReplayDetected")
	r.ObserveStage("Authenticated", 2*time.Millisecond)
	r.SetLedgerEntries(7)
	r.AddStreamDropped(3)
	r.AddStreamDropped(0)

	if got := testutil.ToFloat64(r.requests.WithLabelValues("rejected", "ReplayDetected")); got != 2 {
		t.Fatalf("expected 2 replay rejections, got %v", got)
	}
	if got := testutil.ToFloat64(r.requests.WithLabelValues("executed", "")); got != 1 {
		t.Fatalf("expected 1 executed, got %v", got)
	}
	if got := testutil.ToFloat64(r.ledgerEntries); got != 7 {
		t.Fatalf("expected ledger gauge 7, got %v", got)
	}
	if got := testutil.ToFloat64(r.streamDropped); got != 3 {
		t.Fatalf("expected 3 dropped events, got %v", got)
	}
	if n := testutil.CollectAndCount(r.stageDuration); n != 1 {
		t.Fatalf("expected one stage series, got %d", n)
	}

	var nilReg *Registry
	nilReg.ObserveDecision("executed", "")
	nilReg.ObserveStage("x", time.Second)
	nilReg.Observe("/x", 200, time.Second)
	nilReg.SetLedgerEntries(1)
	nilReg.AddStreamDropped(1)
}

func TestMiddlewareAndHandler(t *testing.T) {
	reg := NewRegistry()
	router := chi.NewRouter()
	router.Use(reg.Middleware)
	router.Get("/v1/audit/{request_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.Post("/command", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	router.Handle("/metrics", reg.Handler())

	for _, path := range []string{"/v1/audit/a", "/v1/audit/b"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/command", strings.NewReader("{}")))

	if got := testutil.ToFloat64(reg.httpRequests.WithLabelValues("/v1/audit/{request_id}", "404")); got != 2 {
		t.Fatalf("expected route pattern label with 2 hits, got %v", got)
	}
	if got := testutil.ToFloat64(reg.httpRequests.WithLabelValues("/command", "200")); got != 1 {
		t.Fatalf("expected implicit 200 recorded, got %v", got)
	}

	reg.ObserveDecision("executed", "")
	srv := httptest.NewServer(router)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	for _, want := range []string{"scg_http_requests_total", "scg_requests_total", "scg_nonce_ledger_entries", "go_goroutines"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %s in exposition", want)
		}
	}
}

func TestRoutePatternUnmatched(t *testing.T) {
	if got := routePattern(httptest.NewRequest(http.MethodGet, "/nope", nil)); got != "unmatched" {
		t.Fatalf("expected unmatched, got %q", got)
	}
}
