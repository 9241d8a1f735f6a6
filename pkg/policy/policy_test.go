package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/samlawlis45/pathwellconnect/pkg/models"
)

func validAgent(score float64) AgentInput {
	return AgentInput{
		Valid:   true,
		AgentID: "agent-1",
		Trust:   &TrustContext{CompositeScore: score, Dimensions: models.DefaultTrustDimensions()},
	}
}

func TestTrustBands(t *testing.T) {
	e := NewEngine(DefaultConfig())
	cases := []struct {
		score      float64
		wantAllow  bool
		wantAction string
	}{
		{0.35, true, models.TrustActionPassed},
		{0.20, false, models.TrustActionWarn},
		{0.05, false, models.TrustActionBlock},
	}
	for _, tc := range cases {
		d, err := e.Evaluate(context.Background(), Input{
			Agent:   validAgent(tc.score),
			Request: RequestInput{Method: "GET", Path: "/v1/data"},
		})
		if err != nil {
			t.Fatalf("evaluate score=%v: %v", tc.score, err)
		}
		if d.Allow != tc.wantAllow {
			t.Fatalf("score=%v: expected allow=%v, got %v (reasons %v)", tc.score, tc.wantAllow, d.Allow, d.Reasons)
		}
		if d.TrustAction != tc.wantAction {
			t.Fatalf("score=%v: expected trust_action=%s, got %s", tc.score, tc.wantAction, d.TrustAction)
		}
	}
}

func TestMissingTrustScorePasses(t *testing.T) {
	e := NewEngine(DefaultConfig())
	d, err := e.Evaluate(context.Background(), Input{
		Agent:   AgentInput{Valid: true, AgentID: "legacy"},
		Request: RequestInput{Method: "POST", Path: "/v1/orders"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allow {
		t.Fatalf("expected allow for agent without trust score, got reasons %v", d.Reasons)
	}
	if d.TrustAction != models.TrustActionNone {
		t.Fatalf("expected trust_action none, got %s", d.TrustAction)
	}
}

func TestRevokedAndInvalidDeny(t *testing.T) {
	e := NewEngine(DefaultConfig())
	d, _ := e.Evaluate(context.Background(), Input{
		Agent:   AgentInput{Valid: true, Revoked: true},
		Request: RequestInput{Method: "GET", Path: "/"},
	})
	if d.Allow {
		t.Fatal("expected revoked agent to be denied")
	}
	d, _ = e.Evaluate(context.Background(), Input{
		Agent:   AgentInput{Valid: false},
		Request: RequestInput{Method: "GET", Path: "/"},
	})
	if d.Allow {
		t.Fatal("expected invalid agent to be denied")
	}
}

func TestTenantOverrideThreshold(t *testing.T) {
	e := NewEngine(DefaultConfig())
	override := 0.6
	d, _ := e.Evaluate(context.Background(), Input{
		Agent:   validAgent(0.5),
		Request: RequestInput{Method: "GET", Path: "/v1/data"},
		Tenant:  &models.TenantContext{TenantID: "acme", Scope: models.ScopeOverride, ThresholdOverride: &override},
	})
	if d.Allow {
		t.Fatal("expected deny under tenant override threshold 0.6")
	}
	if d.AppliedThreshold != 0.6 {
		t.Fatalf("expected applied threshold 0.6, got %v", d.AppliedThreshold)
	}

	// Inherit scope ignores the override value.
	d, _ = e.Evaluate(context.Background(), Input{
		Agent:   validAgent(0.5),
		Request: RequestInput{Method: "GET", Path: "/v1/data"},
		Tenant:  &models.TenantContext{TenantID: "acme", Scope: models.ScopeInherit, ThresholdOverride: &override},
	})
	if !d.Allow {
		t.Fatalf("expected allow under inherit scope, got reasons %v", d.Reasons)
	}
	if d.AppliedThreshold != 0.3 {
		t.Fatalf("expected default threshold, got %v", d.AppliedThreshold)
	}
}

func TestMergeWithEmptyPoliciesMatchesInherit(t *testing.T) {
	e := NewEngine(DefaultConfig())
	in := Input{
		Agent:   validAgent(0.9),
		Request: RequestInput{Method: "GET", Path: "/v1/data"},
	}
	in.Tenant = &models.TenantContext{TenantID: "acme", Scope: models.ScopeInherit}
	inherit, _ := e.Evaluate(context.Background(), in)
	in.Tenant = &models.TenantContext{TenantID: "acme", Scope: models.ScopeMerge, CustomPolicies: []string{}}
	merge, _ := e.Evaluate(context.Background(), in)
	if inherit.Allow != merge.Allow {
		t.Fatalf("merge with empty fragments must behave like inherit: %v vs %v", inherit.Allow, merge.Allow)
	}
}

func TestTenantFragments(t *testing.T) {
	e := NewEngine(DefaultConfig())
	tenant := &models.TenantContext{
		TenantID:       "acme",
		Scope:          models.ScopeMerge,
		CustomPolicies: []string{"method=GET|POST", "path=/v1/*"},
	}
	d, _ := e.Evaluate(context.Background(), Input{
		Agent:   validAgent(0.9),
		Request: RequestInput{Method: "GET", Path: "/v1/data"},
		Tenant:  tenant,
	})
	if !d.Allow {
		t.Fatalf("expected fragments satisfied, got reasons %v", d.Reasons)
	}
	d, _ = e.Evaluate(context.Background(), Input{
		Agent:   validAgent(0.9),
		Request: RequestInput{Method: "DELETE", Path: "/v1/data"},
		Tenant:  tenant,
	})
	if d.Allow {
		t.Fatal("expected fragment method=GET|POST to deny DELETE")
	}
}

func TestMethodAndPathRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedMethods = []string{"GET"}
	cfg.AllowedPaths = []string{"/v1/*"}
	e := NewEngine(cfg)
	d, _ := e.Evaluate(context.Background(), Input{Agent: validAgent(0.9), Request: RequestInput{Method: "POST", Path: "/v1/x"}})
	if d.Allow {
		t.Fatal("expected POST denied by method allow-set")
	}
	d, _ = e.Evaluate(context.Background(), Input{Agent: validAgent(0.9), Request: RequestInput{Method: "GET", Path: "/v2/x"}})
	if d.Allow {
		t.Fatal("expected /v2 path denied by pattern set")
	}
	d, _ = e.Evaluate(context.Background(), Input{Agent: validAgent(0.9), Request: RequestInput{Method: "GET", Path: "/v1/x"}})
	if !d.Allow {
		t.Fatalf("expected allow, got %v", d.Reasons)
	}
}

func TestLowDimensionWarnings(t *testing.T) {
	e := NewEngine(DefaultConfig())
	agent := validAgent(0.8)
	agent.Trust.Dimensions.Behavior = 0.1
	agent.Trust.Dimensions.Alignment = 0.2
	d, _ := e.Evaluate(context.Background(), Input{Agent: agent, Request: RequestInput{Method: "GET", Path: "/"}})
	if !d.Allow {
		t.Fatalf("warnings must be non-fatal, got reasons %v", d.Reasons)
	}
	codes := map[string]bool{}
	for _, w := range d.Warnings {
		codes[w.Code] = true
	}
	if !codes["LOW_BEHAVIOR_SCORE"] || !codes["LOW_ALIGNMENT_SCORE"] {
		t.Fatalf("expected dimension warnings, got %+v", d.Warnings)
	}
}

func TestZeroDimensionStillWarns(t *testing.T) {
	e := NewEngine(DefaultConfig())
	agent := validAgent(0.8)
	agent.Trust.Dimensions.Behavior = 0
	d, err := e.Evaluate(context.Background(), Input{Agent: agent, Request: RequestInput{Method: "GET", Path: "/"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allow {
		t.Fatalf("warnings must be non-fatal, got reasons %v", d.Reasons)
	}
	found := false
	for _, w := range d.Warnings {
		if w.Code == "LOW_BEHAVIOR_SCORE" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected low behavior warning for score 0.0, got %+v", d.Warnings)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	raw := "policy_version: v3\ndefault_trust_threshold: 0.5\nallowed_methods: [GET]\nallowed_paths: [\"/v1/*\"]\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PolicyVersion != "v3" || cfg.DefaultThreshold != 0.5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.WarnThreshold != 0.1 {
		t.Fatalf("expected default warn threshold, got %v", cfg.WarnThreshold)
	}
}

func TestRemoteEvaluator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/evaluate" {
			http.NotFound(w, r)
			return
		}
		var in Input
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Decision{Allow: true, TrustAction: models.TrustActionPassed, AppliedThreshold: 0.3, PolicyVersion: "v2"})
	}))
	defer srv.Close()

	re := &RemoteEvaluator{Client: srv.Client(), BaseURL: srv.URL}
	d, err := re.Evaluate(context.Background(), Input{Agent: validAgent(0.9), Request: RequestInput{Method: "GET", Path: "/"}})
	if err != nil {
		t.Fatalf("remote evaluate: %v", err)
	}
	if !d.Allow {
		t.Fatal("expected allow from remote evaluator")
	}
}

func TestRemoteEvaluatorFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	re := &RemoteEvaluator{Client: srv.Client(), BaseURL: srv.URL}
	if _, err := re.Evaluate(context.Background(), Input{}); err == nil {
		t.Fatal("expected error from failing evaluator")
	}
}
