package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/samlawlis45/pathwellconnect/pkg/identity"
	"github.com/samlawlis45/pathwellconnect/pkg/ledger"
	"github.com/samlawlis45/pathwellconnect/pkg/metrics"
	"github.com/samlawlis45/pathwellconnect/pkg/models"
	"github.com/samlawlis45/pathwellconnect/pkg/policy"
	"github.com/samlawlis45/pathwellconnect/pkg/ratelimit"
)

type fakeOracle struct {
	v   identity.Validation
	err error
}

func (f fakeOracle) Validate(ctx context.Context, agentID string) (identity.Validation, error) {
	return f.v, f.err
}

func validOracle(score float64) fakeOracle {
	return fakeOracle{v: identity.Validation{
		Valid:       true,
		AgentID:     "agent-1",
		DeveloperID: "dev-1",
		TenantID:    "acme",
		Trust: &models.TrustScore{
			CompositeScore: score,
			Dimensions:     models.DefaultTrustDimensions(),
		},
	}}
}

func newTestServer(t *testing.T, oracle identity.Oracle, upstream string) *Server {
	t.Helper()
	spool, err := ledger.NewSpool(t.TempDir())
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	return &Server{
		Identity:            oracle,
		Evaluator:           policy.NewEngine(policy.DefaultConfig()),
		UpstreamURL:         upstream,
		HTTPClient:          &http.Client{Timeout: 2 * time.Second},
		Spool:               spool,
		Metrics:             metrics.NewRegistry(),
		IdentityTimeout:     time.Second,
		PolicyTimeout:       time.Second,
		MaxRequestBodyBytes: 1 << 20,
		ServiceVersion:      "test",
	}
}

func spooledReceipts(t *testing.T, s *Server) []models.Receipt {
	t.Helper()
	paths, err := s.Spool.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	var out []models.Receipt
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		var rec models.Receipt
		if err := json.Unmarshal(raw, &rec); err != nil {
			t.Fatalf("decode %s: %v", p, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestInterceptAllowForwardsAndWitnesses(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(headerAgentID); got != "agent-1" {
			t.Errorf("agent header not forwarded, got %q", got)
		}
		w.WriteHeader(201)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, validOracle(0.8), upstream.URL)
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(`{"sku":"a"}`))
	req.Header.Set(headerAgentID, "agent-1")
	req.Header.Set(headerCorrelation, "corr-9")
	rr := httptest.NewRecorder()
	s.intercept(rr, req)

	if rr.Code != 201 {
		t.Fatalf("expected upstream 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get(headerTraceID); got != "" {
		t.Fatalf("correlated request must leave trace assignment to the ledger, got %q", got)
	}
	recs := spooledReceipts(t, s)
	if len(recs) != 1 {
		t.Fatalf("expected 1 witnessed receipt, got %d", len(recs))
	}
	rec := recs[0]
	if rec.TraceID != "" {
		t.Fatalf("correlated receipt must carry no trace id, got %q", rec.TraceID)
	}
	if !rec.Policy.Allowed {
		t.Fatalf("expected allowed receipt: %+v", rec.Policy)
	}
	if rec.CorrelationID != "corr-9" || rec.TenantID != "acme" || rec.AgentID != "agent-1" {
		t.Fatalf("receipt ids wrong: %+v", rec)
	}
	if rec.Request.Method != "POST" || rec.Request.Path != "/v1/orders" {
		t.Fatalf("receipt request wrong: %+v", rec.Request)
	}
	if rec.Request.BodyHash == "" {
		t.Fatal("expected body hash on receipt")
	}
	if !rec.Identity.HasTrust || rec.Identity.TrustScore != 0.8 {
		t.Fatalf("identity outcome wrong: %+v", rec.Identity)
	}
}

func TestInterceptPreservesCallerTraceID(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	s := newTestServer(t, validOracle(0.8), upstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	req.Header.Set(headerAgentID, "agent-1")
	req.Header.Set(headerTraceID, "trace-abc")
	rr := httptest.NewRecorder()
	s.intercept(rr, req)

	if got := rr.Header().Get(headerTraceID); got != "trace-abc" {
		t.Fatalf("expected caller trace id echoed, got %q", got)
	}
	recs := spooledReceipts(t, s)
	if len(recs) != 1 || recs[0].TraceID != "trace-abc" {
		t.Fatalf("expected receipt on caller trace, got %+v", recs)
	}
}

func TestInterceptMintsTraceOnlyWithoutCorrelation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	s := newTestServer(t, validOracle(0.8), upstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	req.Header.Set(headerAgentID, "agent-1")
	rr := httptest.NewRecorder()
	s.intercept(rr, req)

	minted := rr.Header().Get(headerTraceID)
	if minted == "" {
		t.Fatal("uncorrelated request must get its own trace id")
	}
	recs := spooledReceipts(t, s)
	if len(recs) != 1 || recs[0].TraceID != minted {
		t.Fatalf("expected receipt on minted trace %q, got %+v", minted, recs)
	}
}

func TestInterceptMissingAgentIDDenies(t *testing.T) {
	s := newTestServer(t, validOracle(0.8), "http://127.0.0.1:1")
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	rr := httptest.NewRecorder()
	s.intercept(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var resp denyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Allowed || len(resp.Reasons) != 1 || resp.Reasons[0] != reasonAgentIDMissing {
		t.Fatalf("unexpected deny payload: %+v", resp)
	}
	if len(spooledReceipts(t, s)) != 1 {
		t.Fatal("deny must still be witnessed")
	}
}

func TestInterceptIdentityFailureFailsClosed(t *testing.T) {
	s := newTestServer(t, fakeOracle{err: identity.ErrUnavailable}, "http://127.0.0.1:1")
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	req.Header.Set(headerAgentID, "agent-1")
	rr := httptest.NewRecorder()
	s.intercept(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), reasonIdentityUnavailable) {
		t.Fatalf("expected %s in body: %s", reasonIdentityUnavailable, rr.Body.String())
	}
	recs := spooledReceipts(t, s)
	if len(recs) != 1 || recs[0].Policy.Allowed {
		t.Fatalf("expected denied witness receipt, got %+v", recs)
	}
}

func TestInterceptInvalidAgentDenied(t *testing.T) {
	s := newTestServer(t, fakeOracle{v: identity.Validation{Valid: false, AgentID: "agent-x"}}, "http://127.0.0.1:1")
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	req.Header.Set(headerAgentID, "agent-x")
	rr := httptest.NewRecorder()
	s.intercept(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), policy.ReasonIdentityInvalid) {
		t.Fatalf("expected identity reason in body: %s", rr.Body.String())
	}
}

func TestInterceptWarnBandDeniesWithWarning(t *testing.T) {
	s := newTestServer(t, validOracle(0.2), "http://127.0.0.1:1")
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	req.Header.Set(headerAgentID, "agent-1")
	rr := httptest.NewRecorder()
	s.intercept(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var resp denyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	foundWarn := false
	for _, wrn := range resp.Warnings {
		if wrn.Code == "TRUST_WARN_BAND" {
			foundWarn = true
		}
	}
	if !foundWarn {
		t.Fatalf("expected TRUST_WARN_BAND warning: %+v", resp)
	}
	recs := spooledReceipts(t, s)
	if len(recs) != 1 || recs[0].Policy.TrustAction != models.TrustActionWarn {
		t.Fatalf("expected warn trust action on receipt, got %+v", recs)
	}
}

func TestInterceptRateLimit(t *testing.T) {
	s := newTestServer(t, validOracle(0.8), "http://127.0.0.1:1")
	s.RateLimitEnabled = true
	s.RateLimitPerMinute = 1
	s.RateLimiter = ratelimit.NewInMemory(time.Minute)

	first := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	first.Header.Set(headerAgentID, "agent-1")
	rr := httptest.NewRecorder()
	s.intercept(rr, first)
	if rr.Code == http.StatusTooManyRequests {
		t.Fatalf("first call must pass the limiter, got %d", rr.Code)
	}

	second := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	second.Header.Set(headerAgentID, "agent-1")
	rr = httptest.NewRecorder()
	s.intercept(rr, second)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestInterceptPolicyFailureFailsClosed(t *testing.T) {
	s := newTestServer(t, validOracle(0.8), "http://127.0.0.1:1")
	s.Evaluator = &policy.RemoteEvaluator{
		Client:  &http.Client{Timeout: 200 * time.Millisecond},
		BaseURL: "http://127.0.0.1:1",
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	req.Header.Set(headerAgentID, "agent-1")
	rr := httptest.NewRecorder()
	s.intercept(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), reasonPolicyUnavailable) {
		t.Fatalf("expected %s in body: %s", reasonPolicyUnavailable, rr.Body.String())
	}
}

func TestInterceptUpstreamDownAfterAllow(t *testing.T) {
	s := newTestServer(t, validOracle(0.8), "http://127.0.0.1:1")
	req := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	req.Header.Set(headerAgentID, "agent-1")
	rr := httptest.NewRecorder()
	s.intercept(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	// The decision was allow; the receipt records it even though the
	// upstream never answered.
	recs := spooledReceipts(t, s)
	if len(recs) != 1 || !recs[0].Policy.Allowed {
		t.Fatalf("expected allowed receipt, got %+v", recs)
	}
}

func TestBuildEvaluatorModes(t *testing.T) {
	t.Setenv("POLICY_MODE", "")
	t.Setenv("POLICY_URL", "")
	ev, reloader, err := buildEvaluator(http.DefaultClient)
	if err != nil {
		t.Fatalf("local default: %v", err)
	}
	if _, ok := ev.(*policy.Engine); !ok {
		t.Fatalf("expected local engine, got %T", ev)
	}
	if reloader != nil {
		t.Fatal("no config path, no reloader")
	}

	t.Setenv("POLICY_URL", "http://policy:8082")
	ev, _, err = buildEvaluator(http.DefaultClient)
	if err != nil {
		t.Fatalf("remote: %v", err)
	}
	if _, ok := ev.(*policy.RemoteEvaluator); !ok {
		t.Fatalf("expected remote evaluator, got %T", ev)
	}

	t.Setenv("POLICY_MODE", "remote")
	t.Setenv("POLICY_URL", "")
	if _, _, err := buildEvaluator(http.DefaultClient); err == nil {
		t.Fatal("remote mode without URL must fail")
	}

	t.Setenv("POLICY_MODE", "bogus")
	if _, _, err := buildEvaluator(http.DefaultClient); err == nil {
		t.Fatal("unknown mode must fail")
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Content-Type", "application/json")
	src.Set(headerAgentID, "agent-1")
	dst := http.Header{}
	copyHeaders(dst, src)
	if dst.Get("Connection") != "" || dst.Get("Transfer-Encoding") != "" {
		t.Fatalf("hop-by-hop headers must not be copied: %+v", dst)
	}
	if dst.Get("Content-Type") != "application/json" || dst.Get(headerAgentID) != "agent-1" {
		t.Fatalf("end-to-end headers missing: %+v", dst)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GW_TEST_STR", "x")
	t.Setenv("GW_TEST_INT", "7")
	t.Setenv("GW_TEST_BAD", "seven")
	if env("GW_TEST_STR", "d") != "x" || env("GW_TEST_MISSING", "d") != "d" {
		t.Fatal("env helper wrong")
	}
	if envInt("GW_TEST_INT", 1) != 7 || envInt("GW_TEST_BAD", 1) != 1 || envInt("GW_TEST_MISSING", 1) != 1 {
		t.Fatal("envInt helper wrong")
	}
	if envDurationSec("GW_TEST_INT", 1) != 7*time.Second {
		t.Fatal("envDurationSec helper wrong")
	}
}

func TestInterceptRedactsCredentialHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	s := newTestServer(t, validOracle(0.9), upstream.URL)
	s.RedactSalt = []byte("salt")
	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.Header.Set(headerAgentID, "agent-1")
	req.Header.Set("Authorization", "Bearer top-secret")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.intercept(rr, req)

	recs := spooledReceipts(t, s)
	if len(recs) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(recs))
	}
	headers := recs[0].Request.Headers
	if strings.Contains(headers["Authorization"], "top-secret") {
		t.Fatal("credential leaked into receipt")
	}
	if !strings.HasPrefix(headers["Authorization"], "sha256:") {
		t.Fatalf("authorization not digested: %q", headers["Authorization"])
	}
	if headers["Content-Type"] != "application/json" {
		t.Fatalf("plain header mangled: %q", headers["Content-Type"])
	}
}
