// Package hardening gates service startup on the transport and secret
// configuration production demands. Checks run only in production-like
// environments so local runs stay frictionless.
package hardening

import (
	"fmt"
	"strings"
)

// EnvRequirement names a secret that must be non-empty before the service
// may serve production traffic.
type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction returns an error describing the first unmet requirement.
// Outside production-like environments, or with STRICT_PROD_SECURITY=false,
// it always passes.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) || !boolEnv(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if err := o.checkTransport(service); err != nil {
		return err
	}
	if err := checkCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	return o.checkSecrets(service)
}

func (o Options) checkTransport(service string) error {
	if !boolEnv(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	// Redis checks only apply when the service actually points at a Redis.
	if strings.TrimSpace(o.RedisAddr) == "" {
		return nil
	}
	if !boolEnv(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
	}
	if boolEnv(o.RedisTLSInsecure, false) || boolEnv(o.RedisAllowInsecureTLS, false) {
		return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
	}
	return nil
}

func (o Options) checkSecrets(service string) error {
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func checkCORSOrigins(raw, service string) error {
	seen := 0
	for _, part := range strings.Split(raw, ",") {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		seen++
		lower := strings.ToLower(origin)
		switch {
		case lower == "*":
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		case isLoopbackOrigin(lower):
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, origin)
		case !strings.HasPrefix(lower, "https://"):
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, origin)
		}
	}
	if seen == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isLoopbackOrigin(lower string) bool {
	for _, prefix := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func boolEnv(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
