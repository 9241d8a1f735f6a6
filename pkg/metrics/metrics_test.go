package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncVerdict("ALLOW")
	r.IncVerdict("ALLOW")
	r.IncReason("OK")
	r.SetGauge("spool_pending", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Verdicts["ALLOW"] != 2 {
		t.Fatalf("expected ALLOW=2 got=%d", snap.Verdicts["ALLOW"])
	}
	if snap.Reasons["OK"] != 1 {
		t.Fatalf("expected OK=1 got=%d", snap.Reasons["OK"])
	}
	if snap.Gauges["spool_pending"] != 3 {
		t.Fatalf("expected gauge spool_pending=3 got=%v", snap.Gauges["spool_pending"])
	}
}

func TestTrustAndLedgerCounters(t *testing.T) {
	r := NewRegistry()
	r.IncTrustAction("WARN")
	r.IncTrustAction("warn")
	r.IncTrustAction("block")
	r.IncTrustAction("")
	r.IncLedgerEvent("append")
	r.AddLedgerEvent("idempotent_hit", 2)
	r.AddLedgerEvent("append", 0)
	r.IncSpoolShipped()
	r.IncSpoolShipped()
	r.IncSpoolDropped()

	snap := r.Snapshot()
	if snap.TrustActionTotals["warn"] != 2 {
		t.Fatalf("expected warn=2 got=%d", snap.TrustActionTotals["warn"])
	}
	if snap.TrustActionTotals["block"] != 1 {
		t.Fatalf("expected block=1 got=%d", snap.TrustActionTotals["block"])
	}
	if snap.LedgerEventTotals["append"] != 1 {
		t.Fatalf("expected append=1 got=%d", snap.LedgerEventTotals["append"])
	}
	if snap.LedgerEventTotals["idempotent_hit"] != 2 {
		t.Fatalf("expected idempotent_hit=2 got=%d", snap.LedgerEventTotals["idempotent_hit"])
	}
	if snap.SpoolShippedTotal != 2 || snap.SpoolDroppedTotal != 1 {
		t.Fatalf("unexpected spool totals: shipped=%d dropped=%d", snap.SpoolShippedTotal, snap.SpoolDroppedTotal)
	}
}

func TestVerdictReasonAndVerifyLatency(t *testing.T) {
	r := NewRegistry()
	r.IncVerdictReason("DENY", "IDENTITY_INVALID")
	r.IncVerdictReason("DENY", "")
	r.IncVerdictReason("", "ignored")
	r.ObserveVerifyLatency(40 * time.Millisecond)
	r.ObserveVerifyLatency(20 * time.Millisecond)

	snap := r.Snapshot()
	if snap.VerdictReason["DENY|IDENTITY_INVALID"] != 1 {
		t.Fatalf("missing verdict reason pair: %#v", snap.VerdictReason)
	}
	if snap.VerdictReason["DENY|UNKNOWN"] != 1 {
		t.Fatalf("expected empty reason to map to UNKNOWN: %#v", snap.VerdictReason)
	}
	if snap.ChainVerifyLatencyMS.Count != 2 {
		t.Fatalf("expected 2 verify samples got=%d", snap.ChainVerifyLatencyMS.Count)
	}
	if snap.ChainVerifyLatencyMS.MaxMS != 40 {
		t.Fatalf("expected max 40ms got=%d", snap.ChainVerifyLatencyMS.MaxMS)
	}
	if snap.ChainVerifyLatencyMS.LastMS != 20 {
		t.Fatalf("expected last 20ms got=%d", snap.ChainVerifyLatencyMS.LastMS)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/receipts", 200, 12*time.Millisecond)
	r.Observe("POST /v1/receipts", 500, 20*time.Millisecond)
	r.IncVerdict("ALLOW")
	r.IncReason("OK")
	r.IncTrustAction("warn")
	r.IncSpoolShipped()
	r.SetGauge("spool_pending", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "pathwell_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "pathwell_verdict_total{verdict=\"ALLOW\"} 1") {
		t.Fatalf("missing verdict metric: %s", body)
	}
	if !strings.Contains(body, "pathwell_trust_action_total{action=\"warn\"} 1") {
		t.Fatalf("missing trust action metric: %s", body)
	}
	if !strings.Contains(body, "pathwell_spool_shipped_total 1") {
		t.Fatalf("missing spool metric: %s", body)
	}
	if !strings.Contains(body, "pathwell_gauge{name=\"spool_pending\"} 7.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncVerdict("")
	r.IncReason("")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"GeneratedAt\"") && !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
