package hardening

import (
	"strings"
	"testing"
)

func strictOptions() Options {
	return Options{
		Service:                "ledger",
		Environment:            "production",
		StrictProdSecurity:     "true",
		DatabaseRequireTLS:     "true",
		RedisAddr:              "redis:6379",
		RedisRequireTLS:        "true",
		CORSAllowedOrigins:     "https://console.pathwell.example",
		RequiredServiceSecrets: []EnvRequirement{{Name: "LEDGER_INGEST_TOKEN", Value: "secret"}},
	}
}

func TestValidateProductionPasses(t *testing.T) {
	if err := ValidateProduction(strictOptions()); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
}

func TestValidateProductionSkips(t *testing.T) {
	o := strictOptions()
	o.Environment = "development"
	o.DatabaseRequireTLS = "false"
	o.CORSAllowedOrigins = "*"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("non-production must skip checks, got %v", err)
	}

	o = strictOptions()
	o.StrictProdSecurity = "false"
	o.DatabaseRequireTLS = "false"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("strict=false must skip checks, got %v", err)
	}
}

func TestValidateProductionStagingCounts(t *testing.T) {
	o := strictOptions()
	o.Environment = "staging"
	o.DatabaseRequireTLS = "false"
	if err := ValidateProduction(o); err == nil {
		t.Fatal("staging should enforce hardening")
	}
}

func TestTransportChecks(t *testing.T) {
	o := strictOptions()
	o.DatabaseRequireTLS = ""
	err := ValidateProduction(o)
	if err == nil || !strings.Contains(err.Error(), "DATABASE_REQUIRE_TLS") {
		t.Fatalf("expected database TLS error, got %v", err)
	}

	o = strictOptions()
	o.RedisRequireTLS = "false"
	if err := ValidateProduction(o); err == nil {
		t.Fatal("expected redis TLS error")
	}

	o = strictOptions()
	o.RedisTLSInsecure = "true"
	o.RedisAllowInsecureTLS = "true"
	if err := ValidateProduction(o); err == nil {
		t.Fatal("expected insecure redis flags error")
	}

	// No Redis address means no Redis requirements.
	o = strictOptions()
	o.RedisAddr = ""
	o.RedisRequireTLS = ""
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("redis checks should not apply without an address, got %v", err)
	}
}

func TestCORSChecks(t *testing.T) {
	cases := map[string]string{
		"wildcard":  "*",
		"plaintext": "http://console.pathwell.example",
		"localhost": "https://localhost:3000",
		"loopback":  "http://127.0.0.1:3000",
		"empty":     " , ",
	}
	for name, origins := range cases {
		o := strictOptions()
		o.CORSAllowedOrigins = origins
		if err := ValidateProduction(o); err == nil {
			t.Fatalf("%s: expected CORS rejection for %q", name, origins)
		}
	}

	o := strictOptions()
	o.CORSAllowedOrigins = "https://a.pathwell.example, https://b.pathwell.example"
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("expected multi-origin allowlist to pass, got %v", err)
	}
}

func TestSecretChecks(t *testing.T) {
	o := strictOptions()
	o.RequiredServiceSecrets = []EnvRequirement{{Name: "LEDGER_INGEST_TOKEN", Value: "  "}}
	err := ValidateProduction(o)
	if err == nil || !strings.Contains(err.Error(), "LEDGER_INGEST_TOKEN") {
		t.Fatalf("expected missing secret error, got %v", err)
	}

	// Blank requirement names are placeholders and skipped.
	o = strictOptions()
	o.RequiredServiceSecrets = []EnvRequirement{{Name: "", Value: ""}}
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("blank requirement should be skipped, got %v", err)
	}
}
