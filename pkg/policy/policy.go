package policy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/samlawlis45/pathwellconnect/pkg/models"
)

// ErrUnavailable marks evaluator transport failures. The gate maps it to a
// fail-closed deny, never to allow.
var ErrUnavailable = errors.New("policy evaluator unavailable")

const (
	ReasonIdentityInvalid  = "IDENTITY_INVALID"
	ReasonIdentityRevoked  = "IDENTITY_REVOKED"
	ReasonTrustBelow       = "TRUST_BELOW_THRESHOLD"
	ReasonMethodNotAllowed = "METHOD_NOT_ALLOWED"
	ReasonPathNotAllowed   = "PATH_NOT_ALLOWED"
	ReasonTenantPolicy     = "TENANT_POLICY_UNSATISFIED"
)

// TrustContext carries the trust inputs available at adjudication time.
type TrustContext struct {
	CompositeScore float64                `json:"composite_score"`
	Dimensions     models.TrustDimensions `json:"dimensions"`
}

// AgentInput is the identity state folded into the policy input.
type AgentInput struct {
	Valid       bool          `json:"valid"`
	Revoked     bool          `json:"revoked"`
	AgentID     string        `json:"agent_id"`
	DeveloperID string        `json:"developer_id,omitempty"`
	TenantID    string        `json:"tenant_id,omitempty"`
	Trust       *TrustContext `json:"trust_score,omitempty"`
}

// RequestInput is the request shape under adjudication.
type RequestInput struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Input is the complete adjudication input.
type Input struct {
	Agent   AgentInput            `json:"agent"`
	Request RequestInput          `json:"request"`
	Tenant  *models.TenantContext `json:"tenant_context,omitempty"`
}

// Warning is a non-fatal annotation attached to a decision.
type Warning struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Decision is the adjudicator output. Allow is true only when every rule holds.
type Decision struct {
	Allow              bool      `json:"allow"`
	Reasons            []string  `json:"reasons,omitempty"`
	TrustAction        string    `json:"trust_action"`
	AppliedThreshold   float64   `json:"applied_threshold"`
	AppliedTenantScope string    `json:"applied_tenant_scope,omitempty"`
	PolicyVersion      string    `json:"policy_version"`
	Warnings           []Warning `json:"warnings,omitempty"`
}

// Evaluator is the pluggable rule runtime contract. Implementations must be
// safe for concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

// Config is the rule configuration for the built-in engine.
type Config struct {
	PolicyVersion    string   `yaml:"policy_version"`
	DefaultThreshold float64  `yaml:"default_trust_threshold"`
	WarnThreshold    float64  `yaml:"warn_trust_threshold"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedPaths     []string `yaml:"allowed_paths"`
	DimensionFloor   float64  `yaml:"dimension_warning_floor"`
}

// DefaultConfig mirrors the shipped rule set: write-capable method set,
// match-all paths, 0.30/0.10 trust bands.
func DefaultConfig() Config {
	return Config{
		PolicyVersion:    "v2",
		DefaultThreshold: 0.3,
		WarnThreshold:    0.1,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedPaths:     nil,
		DimensionFloor:   0.3,
	}
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.PolicyVersion) == "" {
		c.PolicyVersion = "v2"
	}
	if c.DefaultThreshold <= 0 {
		c.DefaultThreshold = 0.3
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = 0.1
	}
	if len(c.AllowedMethods) == 0 {
		c.AllowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}
	}
	if c.DimensionFloor <= 0 {
		c.DimensionFloor = 0.3
	}
	return c
}

// Engine is the in-process evaluator. Configuration swaps atomically on reload.
type Engine struct {
	mu  sync.RWMutex
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.normalized()}
}

// Reload replaces the rule configuration for subsequent evaluations.
func (e *Engine) Reload(cfg Config) {
	cfg = cfg.normalized()
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Evaluate applies the rule conjunction. The decision is pure: identical
// inputs and configuration produce identical outputs.
func (e *Engine) Evaluate(_ context.Context, in Input) (Decision, error) {
	cfg := e.config()
	d := Decision{
		Allow:            true,
		TrustAction:      models.TrustActionNone,
		AppliedThreshold: cfg.DefaultThreshold,
		PolicyVersion:    cfg.PolicyVersion,
	}

	scope := ""
	if in.Tenant != nil {
		scope = strings.ToLower(strings.TrimSpace(in.Tenant.Scope))
	}
	d.AppliedTenantScope = scope
	if scope == models.ScopeOverride && in.Tenant.ThresholdOverride != nil {
		d.AppliedThreshold = *in.Tenant.ThresholdOverride
	}

	// Rule 1: identity.
	if !in.Agent.Valid {
		d.Allow = false
		d.Reasons = append(d.Reasons, ReasonIdentityInvalid)
	}
	if in.Agent.Revoked {
		d.Allow = false
		d.Reasons = append(d.Reasons, ReasonIdentityRevoked)
	}

	// Rule 2: trust threshold. A missing score passes (pre-trust agents).
	if ts := in.Agent.Trust; ts != nil {
		switch {
		case ts.CompositeScore >= d.AppliedThreshold:
			d.TrustAction = models.TrustActionPassed
		case ts.CompositeScore >= cfg.WarnThreshold:
			d.TrustAction = models.TrustActionWarn
			d.Allow = false
			d.Reasons = append(d.Reasons, ReasonTrustBelow)
			d.Warnings = append(d.Warnings, Warning{
				Code:     "TRUST_WARN_BAND",
				Message:  fmt.Sprintf("composite score %.2f is below threshold %.2f but above warn floor %.2f", ts.CompositeScore, d.AppliedThreshold, cfg.WarnThreshold),
				Severity: "warning",
			})
		default:
			d.TrustAction = models.TrustActionBlock
			d.Allow = false
			d.Reasons = append(d.Reasons, ReasonTrustBelow)
		}
		if ts.Dimensions.Behavior < cfg.DimensionFloor {
			d.Warnings = append(d.Warnings, Warning{
				Code:     "LOW_BEHAVIOR_SCORE",
				Message:  fmt.Sprintf("behavior dimension %.2f below %.2f", ts.Dimensions.Behavior, cfg.DimensionFloor),
				Severity: "info",
			})
		}
		if ts.Dimensions.Alignment < cfg.DimensionFloor {
			d.Warnings = append(d.Warnings, Warning{
				Code:     "LOW_ALIGNMENT_SCORE",
				Message:  fmt.Sprintf("alignment dimension %.2f below %.2f", ts.Dimensions.Alignment, cfg.DimensionFloor),
				Severity: "info",
			})
		}
	}

	// Rule 3: method allow-set.
	if !methodAllowed(cfg.AllowedMethods, in.Request.Method) {
		d.Allow = false
		d.Reasons = append(d.Reasons, ReasonMethodNotAllowed)
	}

	// Rule 4: path allow-patterns. An empty pattern set matches everything;
	// restriction is opt-in.
	if !pathAllowed(cfg.AllowedPaths, in.Request.Path) {
		d.Allow = false
		d.Reasons = append(d.Reasons, ReasonPathNotAllowed)
	}

	// Rule 5: tenant governance. Inherit always passes; override and merge
	// require every custom policy fragment to hold. A tenant with no
	// fragments is vacuously satisfied.
	if scope == models.ScopeOverride || scope == models.ScopeMerge {
		for _, fragment := range in.Tenant.CustomPolicies {
			if !fragmentSatisfied(fragment, in) {
				d.Allow = false
				d.Reasons = append(d.Reasons, ReasonTenantPolicy)
				break
			}
		}
	}

	return d, nil
}

func methodAllowed(allowed []string, method string) bool {
	method = strings.ToUpper(strings.TrimSpace(method))
	for _, m := range allowed {
		if strings.ToUpper(strings.TrimSpace(m)) == method {
			return true
		}
	}
	return false
}

func pathAllowed(patterns []string, p string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if matchPath(pattern, p) {
			return true
		}
	}
	return false
}

func matchPath(pattern, p string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(p, strings.TrimSuffix(pattern, "*"))
	}
	if ok, err := path.Match(pattern, p); err == nil && ok {
		return true
	}
	return pattern == p
}

// fragmentSatisfied evaluates one tenant policy fragment against the input.
// Fragments are "key=values" clauses: "method=GET|POST", "path=/v1/*",
// "min_trust=0.5". Empty or unrecognized fragments are vacuously satisfied so
// a tenant cannot lock itself out with a typo.
func fragmentSatisfied(fragment string, in Input) bool {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return true
	}
	key, value, found := strings.Cut(fragment, "=")
	if !found {
		return true
	}
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)
	switch key {
	case "method":
		for _, m := range strings.Split(value, "|") {
			if strings.EqualFold(strings.TrimSpace(m), in.Request.Method) {
				return true
			}
		}
		return false
	case "path":
		return matchPath(value, in.Request.Path)
	case "min_trust":
		min, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return true
		}
		if in.Agent.Trust == nil {
			return true
		}
		return in.Agent.Trust.CompositeScore >= min
	default:
		return true
	}
}
